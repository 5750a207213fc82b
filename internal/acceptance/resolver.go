// Package acceptance resolves provider replies into at most one assignment per booking.
package acceptance

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
	"github.com/imrishuroy/go-booking-dispatch/internal/providers"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
)

// openOfferLookback bounds the provider-broadcast index scan for replies without a code.
const openOfferLookback = 24 * time.Hour

type Outcome string

const (
	OutcomeUnknownSender Outcome = "unknown_sender"
	OutcomeUnrecognized  Outcome = "unrecognized"
	OutcomeNoOpenOffer   Outcome = "no_open_offer"
	OutcomeAmbiguous     Outcome = "ambiguous"
	OutcomeNotOffered    Outcome = "not_offered"
	OutcomeDeclined      Outcome = "declined"
	OutcomeWindowClosed  Outcome = "window_closed"
	OutcomeAlreadyTaken  Outcome = "already_taken"
	OutcomeAlreadyYours  Outcome = "already_yours"
	OutcomeAssigned      Outcome = "assigned"
)

// Inbound is one message from a provider's contact channel.
type Inbound struct {
	From    string
	Text    string
	Payload string
}

type Result struct {
	Outcome    Outcome
	BookingID  string
	ProviderID string
}

// Resolver handles inbound accept and decline replies.
type Resolver struct {
	bookings  *bookings.Store
	providers *providers.Store
	notifier  notify.Notifier
	scheduler scheduler.Scheduler
	metrics   metrics.Recorder
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewResolver(
	bookingStore *bookings.Store,
	providerStore *providers.Store,
	notifier notify.Notifier,
	sched scheduler.Scheduler,
	recorder metrics.Recorder,
	clk clock.Clock,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		bookings:  bookingStore,
		providers: providerStore,
		notifier:  notifier,
		scheduler: sched,
		metrics:   recorder,
		clock:     clk,
		logger:    logger,
		tracer:    otel.Tracer("github.com/imrishuroy/go-booking-dispatch/internal/acceptance"),
	}
}

// Handle resolves one inbound message. Every expected condition, including losing the race,
// is reported through Result; an error means a store read or write failed and nothing was decided.
func (r *Resolver) Handle(ctx context.Context, in Inbound) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "acceptance.Handle")
	defer span.End()

	// Step 1: who is this
	p, err := r.providers.GetByPhone(ctx, in.From)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		r.logger.Info("reply from unknown sender ignored")
		return Result{Outcome: OutcomeUnknownSender}, nil
	}
	log := r.logger.With(zap.String("provider_id", p.ID))
	span.SetAttributes(attribute.String("provider.id", p.ID))

	reply := ParseReply(in.Text, in.Payload)
	if reply.Kind == ReplyUnknown {
		log.Info("unrecognized reply")
		return Result{Outcome: OutcomeUnrecognized, ProviderID: p.ID}, nil
	}

	// Step 2: which booking
	b, outcome, err := r.resolveBooking(ctx, p, reply)
	if err != nil {
		return Result{}, err
	}
	if b == nil {
		log.Info("reply did not resolve to a booking", zap.String("outcome", string(outcome)))
		switch outcome {
		case OutcomeAmbiguous:
			r.send(ctx, p.Phone, notify.AskCode())
		default:
			r.send(ctx, p.Phone, notify.NoOpenOffer())
		}
		return Result{Outcome: outcome, ProviderID: p.ID}, nil
	}
	res := Result{BookingID: b.ID, ProviderID: p.ID}
	log = log.With(zap.String("booking_id", b.ID))
	span.SetAttributes(attribute.String("booking.id", b.ID))

	offered, err := r.bookings.GetBroadcast(ctx, b.ID, p.ID)
	if err != nil {
		return Result{}, err
	}
	if offered == nil {
		log.Warn("reply for a booking never offered to provider")
		r.send(ctx, p.Phone, notify.NoOpenOffer())
		res.Outcome = OutcomeNotOffered
		return res, nil
	}

	if reply.Kind == ReplyDecline {
		r.audit(ctx, b.ID, bookings.EventProviderDeclined, map[string]string{"provider_id": p.ID})
		r.send(ctx, p.Phone, notify.DeclineAck(b.ID))
		res.Outcome = OutcomeDeclined
		return res, nil
	}

	// Step 3: still open?
	now := r.clock.Now()
	if settled := r.settledOutcome(b, p.ID, now); settled != "" {
		res.Outcome = settled
		r.answerSettled(ctx, b, p, settled)
		log.Info("accept on settled booking", zap.String("outcome", string(settled)))
		return res, nil
	}

	// Step 4: the race
	won, err := r.bookings.Apply(ctx, b.ID, b.Area, bookings.TriggerProviderAccepted, bookings.Patch{
		At:                 now,
		AssignedProviderID: p.ID,
	})
	if errors.Is(err, bookings.ErrConditionFailed) {
		current, getErr := r.bookings.Get(ctx, b.ID)
		if getErr != nil {
			return Result{}, getErr
		}
		// Lost to another provider or to the deadline sweep: either way the booking is taken.
		res.Outcome = OutcomeAlreadyTaken
		if current != nil {
			if current.Status == bookings.StatusAssigned && current.AssignedProviderID == p.ID {
				res.Outcome = OutcomeAlreadyYours
			}
			b = current
		}
		r.answerSettled(ctx, b, p, res.Outcome)
		log.Info("accept lost the race", zap.String("outcome", string(res.Outcome)))
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	res.Outcome = OutcomeAssigned
	log.Info("booking assigned")
	r.audit(ctx, won.ID, bookings.EventProviderAccepted, map[string]string{"provider_id": p.ID})
	r.metrics.Incr(ctx, metrics.BookingAssigned, map[string]string{"area": won.Area})

	r.send(ctx, p.Phone, notify.Assigned(won))
	r.notifyLosers(ctx, won, p.ID)
	if won.Customer.Phone != "" {
		r.send(ctx, won.Customer.Phone, notify.CustomerAssigned(won))
	}
	for _, name := range scheduler.Names(won.ID) {
		if err := r.scheduler.Cancel(ctx, name); err != nil {
			log.Warn("cancel schedule", zap.String("schedule", name), zap.Error(err))
		}
	}
	return res, nil
}

// resolveBooking finds the booking a reply refers to: explicit id, accept code, or the
// single open offer for this provider.
func (r *Resolver) resolveBooking(ctx context.Context, p *providers.Provider, reply Reply) (*bookings.Booking, Outcome, error) {
	id := reply.BookingID
	if id == "" && reply.Code != "" {
		resolved, err := r.bookings.ResolveAcceptCode(ctx, reply.Code)
		switch {
		case errors.Is(err, bookings.ErrNotFound) && reply.Loose:
			// not a code after all, use the open offer
		case errors.Is(err, bookings.ErrNotFound):
			return nil, OutcomeNotOffered, nil
		case err != nil:
			return nil, "", err
		default:
			id = resolved
		}
	}
	if id != "" {
		b, err := r.bookings.Get(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if b == nil {
			return nil, OutcomeNotOffered, nil
		}
		return b, "", nil
	}

	offers, err := r.bookings.ListProviderBroadcasts(ctx, p.ID, r.clock.Now().Add(-openOfferLookback))
	if err != nil {
		return nil, "", err
	}
	var open []*bookings.Booking
	seen := map[string]bool{}
	for _, o := range offers {
		if seen[o.BookingID] {
			continue
		}
		seen[o.BookingID] = true
		b, err := r.bookings.Get(ctx, o.BookingID)
		if err != nil {
			return nil, "", err
		}
		if b != nil && b.Status == bookings.StatusPendingAssignment {
			open = append(open, b)
		}
	}
	switch len(open) {
	case 0:
		return nil, OutcomeNoOpenOffer, nil
	case 1:
		return open[0], "", nil
	default:
		return nil, OutcomeAmbiguous, nil
	}
}

// settledOutcome returns the outcome for a booking that can no longer be accepted, or "".
func (r *Resolver) settledOutcome(b *bookings.Booking, providerID string, now time.Time) Outcome {
	switch b.Status {
	case bookings.StatusAssigned:
		if b.AssignedProviderID == providerID {
			return OutcomeAlreadyYours
		}
		return OutcomeAlreadyTaken
	case bookings.StatusPendingAssignment:
		if b.DeadlinePassed(now) {
			return OutcomeWindowClosed
		}
		return ""
	default:
		return OutcomeWindowClosed
	}
}

func (r *Resolver) answerSettled(ctx context.Context, b *bookings.Booking, p *providers.Provider, outcome Outcome) {
	if outcome == OutcomeAlreadyTaken {
		r.audit(ctx, b.ID, bookings.EventAcceptLost, map[string]string{"provider_id": p.ID})
		r.metrics.Incr(ctx, metrics.AcceptLost, nil)
	}
	switch outcome {
	case OutcomeAlreadyYours:
		r.send(ctx, p.Phone, notify.Assigned(b))
	case OutcomeWindowClosed:
		r.send(ctx, p.Phone, notify.WindowClosed(b.ID))
	default:
		r.send(ctx, p.Phone, notify.Taken(b.ID))
	}
}

// notifyLosers tells every other recipient the booking is gone. Each send stands alone.
func (r *Resolver) notifyLosers(ctx context.Context, b *bookings.Booking, winnerID string) {
	recipients, err := r.bookings.ListBroadcasts(ctx, b.ID)
	if err != nil {
		r.logger.Warn("listing broadcasts for loser notification", zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	msg := notify.NotAvailable(b)
	for _, br := range recipients {
		if br.ProviderID == winnerID || br.DeliveryStatus == bookings.DeliveryFailed {
			continue
		}
		phone := br.ProviderPhone
		if p, err := r.providers.Get(ctx, br.ProviderID); err != nil {
			r.logger.Warn("loser lookup failed", zap.String("provider_id", br.ProviderID), zap.Error(err))
		} else if p != nil && p.Phone != "" {
			phone = p.Phone
		}
		r.send(ctx, phone, msg)
	}
}

func (r *Resolver) send(ctx context.Context, to string, msg notify.Message) {
	if _, err := r.notifier.Send(ctx, to, msg); err != nil {
		r.logger.Warn("notify failed", zap.String("kind", string(msg.Kind)), zap.String("booking_id", msg.BookingID), zap.Error(err))
	}
}

func (r *Resolver) audit(ctx context.Context, bookingID, name string, detail map[string]string) {
	if err := r.bookings.AppendEvent(ctx, bookingID, name, detail); err != nil {
		r.logger.Warn("audit event not written", zap.String("booking_id", bookingID), zap.String("event", name), zap.Error(err))
	}
}
