// Package recovery settles bookings whose assignment window closed without a winner:
// PENDING_ASSIGNMENT -> UNFILLED -> REFUNDED, resumable from any step.
package recovery

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/clock"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
)

type Outcome string

const (
	OutcomeNotFound           Outcome = "not_found"
	OutcomeAlreadyAssigned    Outcome = "already_assigned"
	OutcomeAlreadyRefunded    Outcome = "already_refunded"
	OutcomeNotDue             Outcome = "not_due"
	OutcomeUnexpectedState    Outcome = "unexpected_state"
	OutcomeManualReview       Outcome = "manual_review"
	OutcomeNoPaymentReference Outcome = "no_payment_reference"
	OutcomeRefundFailed       Outcome = "refund_failed"
	OutcomeRefunded           Outcome = "refunded"
)

// Result of one enforcement. RefundID is set when the booking is refunded.
type Result struct {
	Outcome  Outcome
	RefundID string
}

// Enforcer runs the deadline and refund procedure.
type Enforcer struct {
	bookings  *bookings.Store
	payments  payments.Provider
	notifier  notify.Notifier
	scheduler scheduler.Scheduler
	metrics   metrics.Recorder
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	// RefundBackoff is the minimum time between automatic refund attempts.
	RefundBackoff time.Duration
	// RefundRetryWindow is how long past the deadline refunds are retried before manual review.
	RefundRetryWindow time.Duration
}

const (
	DefaultRefundBackoff     = 5 * time.Minute
	DefaultRefundRetryWindow = 24 * time.Hour
)

func NewEnforcer(
	bookingStore *bookings.Store,
	provider payments.Provider,
	notifier notify.Notifier,
	sched scheduler.Scheduler,
	recorder metrics.Recorder,
	clk clock.Clock,
	logger *zap.Logger,
) *Enforcer {
	return &Enforcer{
		bookings:          bookingStore,
		payments:          provider,
		notifier:          notifier,
		scheduler:         sched,
		metrics:           recorder,
		clock:             clk,
		logger:            logger,
		tracer:            otel.Tracer("github.com/imrishuroy/go-booking-dispatch/internal/recovery"),
		RefundBackoff:     DefaultRefundBackoff,
		RefundRetryWindow: DefaultRefundRetryWindow,
	}
}

// EnforceDeadline settles bookingID if its deadline passed without an acceptance.
// Duplicate and concurrent invocations converge on a single refund. Every expected
// condition is reported through Result; an error means a store call failed and the
// invocation may be retried as is.
func (e *Enforcer) EnforceDeadline(ctx context.Context, bookingID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "recovery.EnforceDeadline", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
	))
	defer span.End()

	res, err := e.enforce(ctx, bookingID)
	if err == nil {
		span.SetAttributes(attribute.String("recovery.outcome", string(res.Outcome)))
	}
	return res, err
}

func (e *Enforcer) enforce(ctx context.Context, bookingID string) (Result, error) {
	log := e.logger.With(zap.String("booking_id", bookingID))
	now := e.clock.Now()

	// Step 1: load and short-circuit settled bookings
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if b == nil {
		log.Warn("deadline for unknown booking")
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if done, ok := settled(b); ok {
		log.Info("deadline on settled booking", zap.String("outcome", string(done)))
		return Result{Outcome: done, RefundID: b.RefundID}, nil
	}

	// Step 2: close the assignment window
	switch b.Status {
	case bookings.StatusPendingAssignment:
		if !b.DeadlinePassed(now) {
			log.Info("deadline not reached", zap.Time("deadline", b.AssignmentDeadline))
			return Result{Outcome: OutcomeNotDue}, nil
		}
		unfilled, err := e.bookings.Apply(ctx, b.ID, b.Area, bookings.TriggerDeadlineExpired, bookings.Patch{At: now})
		switch {
		case errors.Is(err, bookings.ErrConditionFailed):
			b, err = e.bookings.Get(ctx, bookingID)
			if err != nil {
				return Result{}, err
			}
			if b == nil {
				return Result{Outcome: OutcomeNotFound}, nil
			}
			if done, ok := settled(b); ok {
				log.Info("lost deadline race", zap.String("outcome", string(done)))
				return Result{Outcome: done, RefundID: b.RefundID}, nil
			}
			if b.Status != bookings.StatusUnfilled {
				return e.unexpected(ctx, b, "status after deadline race"), nil
			}
			// another invocation closed the window; carry on with the refund
		case err != nil:
			return Result{}, err
		default:
			b = unfilled
			log.Info("booking unfilled")
			e.audit(ctx, b.ID, bookings.EventBookingUnfilled, nil)
			e.metrics.Incr(ctx, metrics.BookingUnfilled, map[string]string{"area": b.Area})
		}
	case bookings.StatusUnfilled:
		if b.RefundState == bookings.RefundStateManualReview {
			log.Info("booking parked for manual review")
			return Result{Outcome: OutcomeManualReview}, nil
		}
	default:
		return e.unexpected(ctx, b, "status not eligible for deadline"), nil
	}

	return e.refund(ctx, b, now)
}

// refund issues the refund for an UNFILLED booking. Safe to resume after a crash at any step.
func (e *Enforcer) refund(ctx context.Context, b *bookings.Booking, now time.Time) (Result, error) {
	log := e.logger.With(zap.String("booking_id", b.ID))

	// Step 3: payment reference
	intentID := b.PaymentIntentID
	if intentID == "" && b.PaymentSessionID != "" {
		pi, err := e.payments.PaymentIntentForSession(ctx, b.PaymentSessionID)
		switch {
		case errors.Is(err, payments.ErrNoPaymentIntent):
		case err != nil:
			log.Warn("payment intent lookup failed", zap.Error(err))
			if err := e.bookings.MarkRefundAttempted(ctx, b.ID, now); err != nil && !errors.Is(err, bookings.ErrConditionFailed) {
				return Result{}, err
			}
			e.audit(ctx, b.ID, bookings.EventRefundFailed, map[string]string{"error": err.Error()})
			e.metrics.Incr(ctx, metrics.RefundFailed, nil)
			return Result{Outcome: OutcomeRefundFailed}, nil
		default:
			intentID = pi
		}
	}
	if intentID == "" {
		log.Error("no payment reference, refund impossible")
		if err := e.bookings.MarkManualReview(ctx, b.ID, "no payment reference", now); err != nil && !errors.Is(err, bookings.ErrConditionFailed) {
			return Result{}, err
		}
		e.audit(ctx, b.ID, bookings.EventManualReview, map[string]string{"reason": "no payment reference"})
		e.metrics.Incr(ctx, metrics.ManualReview, nil)
		return Result{Outcome: OutcomeNoPaymentReference}, nil
	}

	// Step 4: recovery marker
	if err := e.bookings.MarkRefundPending(ctx, b.ID, intentID, now); err != nil {
		if !errors.Is(err, bookings.ErrConditionFailed) {
			return Result{}, err
		}
		return e.recheck(ctx, b.ID, "refund marker rejected")
	}
	e.audit(ctx, b.ID, bookings.EventRefundPending, map[string]string{"payment_intent_id": intentID})

	// Step 5: refund under the booking's idempotency key
	refund, err := e.payments.Refund(ctx, payments.RefundRequest{
		PaymentIntentID: intentID,
		IdempotencyKey:  payments.RefundKey(b.ID),
		BookingID:       b.ID,
	})
	if err != nil {
		log.Warn("refund request failed", zap.Error(err))
		e.audit(ctx, b.ID, bookings.EventRefundFailed, map[string]string{"error": err.Error()})
		e.metrics.Incr(ctx, metrics.RefundFailed, nil)
		return Result{Outcome: OutcomeRefundFailed}, nil
	}

	// Step 6: UNFILLED -> REFUNDED
	refunded, err := e.bookings.Apply(ctx, b.ID, b.Area, bookings.TriggerRefundIssued, bookings.Patch{
		At:                now,
		RefundID:          refund.ID,
		RefundAmountCents: refund.AmountCents,
	})
	if errors.Is(err, bookings.ErrConditionFailed) {
		return e.recheck(ctx, b.ID, "refund transition rejected")
	}
	if err != nil {
		return Result{}, err
	}

	log.Info("booking refunded", zap.String("refund_id", refund.ID), zap.Int64("amount_cents", refund.AmountCents))
	e.audit(ctx, b.ID, bookings.EventRefundIssued, map[string]string{"refund_id": refund.ID})
	e.metrics.Incr(ctx, metrics.BookingRefunded, map[string]string{"area": b.Area})

	// Step 7: best effort
	if refunded.Customer.Phone != "" {
		if _, err := e.notifier.Send(ctx, refunded.Customer.Phone, notify.CustomerRefunded(refunded)); err != nil {
			log.Warn("customer refund notice failed", zap.Error(err))
			e.metrics.Incr(ctx, metrics.SideEffectFailure, map[string]string{"effect": "notify_customer"})
		}
	}
	e.cancelSchedules(ctx, b.ID)
	return Result{Outcome: OutcomeRefunded, RefundID: refund.ID}, nil
}

// recheck re-reads after a rejected conditional write: a refund by a concurrent invocation
// is success, anything else needs a human.
func (e *Enforcer) recheck(ctx context.Context, bookingID, reason string) (Result, error) {
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if b == nil {
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if done, ok := settled(b); ok {
		return Result{Outcome: done, RefundID: b.RefundID}, nil
	}
	return e.unexpected(ctx, b, reason), nil
}

func (e *Enforcer) unexpected(ctx context.Context, b *bookings.Booking, reason string) Result {
	e.logger.Error("unexpected booking state",
		zap.String("booking_id", b.ID),
		zap.String("status", string(b.Status)),
		zap.String("refund_state", string(b.RefundState)),
		zap.String("reason", reason))
	e.audit(ctx, b.ID, bookings.EventUnexpectedState, map[string]string{
		"status": string(b.Status),
		"reason": reason,
	})
	e.metrics.Incr(ctx, metrics.UnexpectedState, nil)
	return Result{Outcome: OutcomeUnexpectedState}
}

func (e *Enforcer) cancelSchedules(ctx context.Context, bookingID string) {
	for _, name := range scheduler.Names(bookingID) {
		if err := e.scheduler.Cancel(ctx, name); err != nil {
			e.logger.Warn("cancel schedule", zap.String("booking_id", bookingID), zap.String("schedule", name), zap.Error(err))
		}
	}
}

func (e *Enforcer) audit(ctx context.Context, bookingID, name string, detail map[string]string) {
	if err := e.bookings.AppendEvent(ctx, bookingID, name, detail); err != nil {
		e.logger.Warn("audit event not written", zap.String("booking_id", bookingID), zap.String("event", name), zap.Error(err))
	}
}

// settled reports the outcome for bookings that need nothing more.
func settled(b *bookings.Booking) (Outcome, bool) {
	switch {
	case b.Status == bookings.StatusAssigned:
		return OutcomeAlreadyAssigned, true
	case b.Status == bookings.StatusRefunded, b.RefundID != "":
		return OutcomeAlreadyRefunded, true
	}
	return "", false
}
