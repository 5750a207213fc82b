// Package checkout creates bookings and moves them from payment into dispatch.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/clock"
	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
)

const (
	AssignmentWindow = 15 * time.Minute
	Wave2Delay       = 5 * time.Minute
	Wave3Delay       = 10 * time.Minute
)

var (
	// ErrDuplicateRequest means the idempotency key was used before; the caller replays.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrSessionConflict means the booking already carries a different checkout session.
	ErrSessionConflict = errors.New("payment session already attached")
	ErrNotPending      = errors.New("booking is not awaiting payment")
)

type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomePaidAfterCancel  Outcome = "paid_after_cancel"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeNotFound         Outcome = "not_found"
)

// ConfirmResult reports what a payment confirmation did. Wave is the inline wave 1 result
// when it ran.
type ConfirmResult struct {
	Outcome   Outcome
	BookingID string
	Status    bookings.Status
	Wave      *dispatch.Result
}

// NewBooking is a validated checkout request.
type NewBooking struct {
	Area       string
	Service    bookings.Service
	TimeWindow string
	Customer   bookings.Customer
}

type Service struct {
	bookings    *bookings.Store
	idempotency *idempotency.Store
	engine      *dispatch.Engine
	scheduler   scheduler.Scheduler
	metrics     metrics.Recorder
	clock       clock.Clock
	logger      *zap.Logger
	tracer      trace.Tracer

	// PaymentGrace is how long an unpaid booking is held before ExpireUnpaid cancels it.
	PaymentGrace time.Duration
}

func NewService(
	bookingStore *bookings.Store,
	idempotencyStore *idempotency.Store,
	engine *dispatch.Engine,
	sched scheduler.Scheduler,
	recorder metrics.Recorder,
	clk clock.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		bookings:     bookingStore,
		idempotency:  idempotencyStore,
		engine:       engine,
		scheduler:    sched,
		metrics:      recorder,
		clock:        clk,
		logger:       logger,
		tracer:       otel.Tracer("github.com/imrishuroy/go-booking-dispatch/internal/checkout"),
		PaymentGrace: 10 * time.Minute,
	}
}

// Create writes a PENDING_PAYMENT booking together with the IN_PROGRESS idempotency record
// for key. ErrDuplicateRequest if key was used before.
func (s *Service) Create(ctx context.Context, key, requestHash string, req NewBooking) (*bookings.Booking, error) {
	now := s.clock.Now().UTC()
	b := bookings.Booking{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Status:     bookings.StatusPendingPayment,
		Area:       req.Area,
		Service:    req.Service,
		TimeWindow: req.TimeWindow,
		Customer:   req.Customer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec := s.idempotency.NewRecord(key, b.ID, requestHash)
	err := s.bookings.CreateWithIdempotencyTransaction(ctx, s.idempotency.TableName(), rec, b, s.idempotency.TTL())
	if errors.Is(err, bookings.ErrConditionFailed) {
		return nil, ErrDuplicateRequest
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking created", zap.String("booking_id", b.ID), zap.String("area", b.Area))
	s.audit(ctx, b.ID, bookings.EventBookingCreated, map[string]string{"area": b.Area})
	s.metrics.Incr(ctx, metrics.BookingCreated, map[string]string{"area": b.Area})
	return &b, nil
}

// AttachSession records the checkout session of a booking awaiting payment. Attaching the
// same session again succeeds.
func (s *Service) AttachSession(ctx context.Context, bookingID, sessionID string) error {
	err := s.bookings.AttachPaymentSession(ctx, bookingID, sessionID)
	if !errors.Is(err, bookings.ErrConditionFailed) {
		return err
	}
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	switch {
	case b == nil:
		return bookings.ErrNotFound
	case b.PaymentSessionID == sessionID:
		return nil
	case b.PaymentSessionID != "":
		return ErrSessionConflict
	default:
		return ErrNotPending
	}
}

// ConfirmPayment moves a paid booking into dispatch. Once the transition is durable the
// result is always a success: scheduling and wave 1 failures are logged, not returned.
// A duplicate confirmation re-runs the side effects, which are themselves idempotent.
func (s *Service) ConfirmPayment(ctx context.Context, c payments.Confirmation) (ConfirmResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.ConfirmPayment")
	defer span.End()

	b, err := s.lookup(ctx, c)
	if err != nil {
		return ConfirmResult{}, err
	}
	if b == nil {
		s.logger.Warn("payment confirmation for unknown booking",
			zap.String("booking_id", c.BookingID), zap.String("session_id", c.SessionID))
		return ConfirmResult{Outcome: OutcomeNotFound, BookingID: c.BookingID}, nil
	}
	span.SetAttributes(attribute.String("booking.id", b.ID))
	log := s.logger.With(zap.String("booking_id", b.ID))

	if b.Status == bookings.StatusPendingPayment {
		now := s.clock.Now()
		patch := bookings.Patch{
			At:                 now,
			AssignmentDeadline: now.Add(AssignmentWindow).Truncate(time.Second),
			PaymentIntentID:    c.PaymentIntentID,
		}
		if b.PaymentSessionID == "" {
			patch.PaymentSessionID = c.SessionID
		}
		confirmed, err := s.bookings.Apply(ctx, b.ID, b.Area, bookings.TriggerPaymentConfirmed, patch)
		switch {
		case errors.Is(err, bookings.ErrConditionFailed):
			// a concurrent delivery got there first
			if b, err = s.bookings.Get(ctx, b.ID); err != nil {
				return ConfirmResult{}, err
			}
			if b == nil {
				return ConfirmResult{Outcome: OutcomeNotFound, BookingID: c.BookingID}, nil
			}
		case err != nil:
			return ConfirmResult{}, err
		default:
			log.Info("payment confirmed", zap.Time("deadline", confirmed.AssignmentDeadline))
			s.audit(ctx, b.ID, bookings.EventPaymentConfirmed, map[string]string{"payment_intent_id": c.PaymentIntentID})
			s.metrics.Incr(ctx, metrics.PaymentConfirmed, map[string]string{"area": b.Area})
			wave := s.startDispatch(ctx, confirmed)
			return ConfirmResult{Outcome: OutcomeConfirmed, BookingID: b.ID, Status: confirmed.Status, Wave: wave}, nil
		}
	}

	res := ConfirmResult{BookingID: b.ID, Status: b.Status}
	switch b.Status {
	case bookings.StatusPendingAssignment:
		log.Info("duplicate payment confirmation, re-running side effects")
		res.Outcome = OutcomeDuplicate
		res.Wave = s.startDispatch(ctx, b)
	case bookings.StatusCancelled:
		log.Warn("payment received for cancelled booking")
		s.audit(ctx, b.ID, bookings.EventPaymentAfterCancel, map[string]string{
			"payment_intent_id": c.PaymentIntentID,
			"session_id":        c.SessionID,
		})
		res.Outcome = OutcomePaidAfterCancel
	default:
		log.Info("payment confirmation for settled booking", zap.String("status", string(b.Status)))
		res.Outcome = OutcomeAlreadyProcessed
	}
	return res, nil
}

func (s *Service) lookup(ctx context.Context, c payments.Confirmation) (*bookings.Booking, error) {
	if c.BookingID != "" {
		return s.bookings.Get(ctx, c.BookingID)
	}
	if c.SessionID != "" {
		return s.bookings.FindByPaymentSession(ctx, c.SessionID)
	}
	return nil, fmt.Errorf("confirmation carries neither booking nor session id")
}

type scheduledJob struct {
	name string
	at   time.Time
	job  scheduler.Job
}

// startDispatch registers the deadline and later waves, then runs wave 1 inline. Every step
// is best effort.
func (s *Service) startDispatch(ctx context.Context, b *bookings.Booking) *dispatch.Result {
	log := s.logger.With(zap.String("booking_id", b.ID))
	paidAt := b.AssignmentDeadline.Add(-AssignmentWindow)

	jobs := []scheduledJob{
		{scheduler.DeadlineName(b.ID), b.AssignmentDeadline, scheduler.Job{Action: scheduler.ActionEnforceDeadline, BookingID: b.ID}},
		{scheduler.WaveName(b.ID, 2), paidAt.Add(Wave2Delay), scheduler.Job{Action: scheduler.ActionDispatchWave, BookingID: b.ID, Wave: 2}},
	}
	if s.engine.HasNeighbor(b.Area) {
		jobs = append(jobs, scheduledJob{scheduler.WaveName(b.ID, 3), paidAt.Add(Wave3Delay), scheduler.Job{Action: scheduler.ActionDispatchWave, BookingID: b.ID, Wave: 3}})
	}
	for _, j := range jobs {
		if err := s.scheduler.Schedule(ctx, j.name, j.at, j.job); err != nil {
			log.Warn("schedule failed", zap.String("schedule", j.name), zap.Error(err))
			s.metrics.Incr(ctx, metrics.SideEffectFailure, map[string]string{"effect": "schedule"})
		}
	}

	res, err := s.engine.RunWave(ctx, b.ID, 1)
	if err != nil {
		log.Warn("wave 1 failed", zap.Error(err))
		s.metrics.Incr(ctx, metrics.SideEffectFailure, map[string]string{"effect": "wave1"})
		return nil
	}
	return &res
}

// ExpireUnpaid cancels PENDING_PAYMENT bookings in areas older than PaymentGrace.
// Returns the number cancelled; a booking paid in the meantime is left alone.
func (s *Service) ExpireUnpaid(ctx context.Context, areas []string) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.PaymentGrace)
	var (
		cancelled int
		errs      []error
	)
	for _, area := range areas {
		stale, err := s.bookings.ListByAreaStatus(ctx, area, bookings.StatusPendingPayment, bookings.ListOptions{CreatedBefore: cutoff})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", area, err))
			continue
		}
		for _, b := range stale {
			_, err := s.bookings.Apply(ctx, b.ID, b.Area, bookings.TriggerPaymentTimeout, bookings.Patch{At: now})
			if errors.Is(err, bookings.ErrConditionFailed) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", b.ID, err))
				continue
			}
			s.logger.Info("unpaid booking cancelled", zap.String("booking_id", b.ID))
			s.audit(ctx, b.ID, bookings.EventBookingCancelled, map[string]string{"reason": "payment timeout"})
			s.metrics.Incr(ctx, metrics.BookingCancelled, map[string]string{"area": b.Area})
			cancelled++
		}
	}
	return cancelled, errors.Join(errs...)
}

func (s *Service) audit(ctx context.Context, bookingID, name string, detail map[string]string) {
	if err := s.bookings.AppendEvent(ctx, bookingID, name, detail); err != nil {
		s.logger.Warn("audit event not written", zap.String("booking_id", bookingID), zap.String("event", name), zap.Error(err))
	}
}
