package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
)

// SweepResult counts what one sweep pass did.
type SweepResult struct {
	Scanned  int
	Enforced map[Outcome]int
	Skipped  int
	Parked   int
}

func newSweepResult() SweepResult {
	return SweepResult{Enforced: map[Outcome]int{}}
}

// SweepDeadlines enforces every PENDING_ASSIGNMENT booking in areas whose deadline has
// passed. It backs up lost scheduler callbacks and behaves exactly like the scheduled path.
// One failing booking does not stop the pass; store errors are joined into the returned error.
func (e *Enforcer) SweepDeadlines(ctx context.Context, areas []string) (SweepResult, error) {
	res := newSweepResult()
	var errs []error
	now := e.clock.Now()
	for _, area := range areas {
		pending, err := e.bookings.ListByAreaStatus(ctx, area, bookings.StatusPendingAssignment, bookings.ListOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", area, err))
			continue
		}
		for i := range pending {
			b := &pending[i]
			res.Scanned++
			if !b.DeadlinePassed(now) {
				res.Skipped++
				continue
			}
			out, err := e.EnforceDeadline(ctx, b.ID)
			if err != nil {
				e.logger.Warn("sweep enforce failed", zap.String("booking_id", b.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("enforce %s: %w", b.ID, err))
				continue
			}
			res.Enforced[out.Outcome]++
		}
	}
	e.logger.Info("deadline sweep done",
		zap.Int("scanned", res.Scanned),
		zap.Int("skipped", res.Skipped),
		zap.Any("enforced", res.Enforced))
	return res, errors.Join(errs...)
}

// SweepStuckRefunds re-drives UNFILLED bookings that have no refund yet. Attempts are spaced
// by RefundBackoff; once RefundRetryWindow has passed since the deadline the booking is
// parked for manual review and no longer retried.
func (e *Enforcer) SweepStuckRefunds(ctx context.Context, areas []string) (SweepResult, error) {
	res := newSweepResult()
	var errs []error
	now := e.clock.Now()
	for _, area := range areas {
		unfilled, err := e.bookings.ListByAreaStatus(ctx, area, bookings.StatusUnfilled, bookings.ListOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", area, err))
			continue
		}
		for i := range unfilled {
			b := &unfilled[i]
			res.Scanned++
			if b.RefundID != "" || b.RefundState == bookings.RefundStateManualReview {
				res.Skipped++
				continue
			}
			log := e.logger.With(zap.String("booking_id", b.ID))

			if !b.AssignmentDeadline.IsZero() && now.Sub(b.AssignmentDeadline) > e.RefundRetryWindow {
				err := e.bookings.MarkManualReview(ctx, b.ID, "refund retry window exhausted", now)
				if errors.Is(err, bookings.ErrConditionFailed) {
					// refunded since the listing
					res.Skipped++
					continue
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("park %s: %w", b.ID, err))
					continue
				}
				log.Error("refund retries exhausted, parked for manual review")
				e.audit(ctx, b.ID, bookings.EventManualReview, map[string]string{"reason": "refund retry window exhausted"})
				e.metrics.Incr(ctx, metrics.ManualReview, nil)
				res.Parked++
				continue
			}
			if b.RefundAttemptedAt != nil && now.Sub(*b.RefundAttemptedAt) < e.RefundBackoff {
				res.Skipped++
				continue
			}

			out, err := e.EnforceDeadline(ctx, b.ID)
			if err != nil {
				log.Warn("stuck refund retry failed", zap.Error(err))
				errs = append(errs, fmt.Errorf("enforce %s: %w", b.ID, err))
				continue
			}
			res.Enforced[out.Outcome]++
		}
	}
	e.logger.Info("stuck refund sweep done",
		zap.Int("scanned", res.Scanned),
		zap.Int("skipped", res.Skipped),
		zap.Int("parked", res.Parked),
		zap.Any("enforced", res.Enforced))
	return res, errors.Join(errs...)
}
