// Package dispatch broadcasts paid bookings to ranked providers in escalating waves.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/clock"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/providers"
)

// Policy describes one wave.
type Policy struct {
	Wave int
	// Size is the maximum number of new providers notified.
	Size int
	// Neighbor draws candidates from the configured neighboring area.
	Neighbor bool
}

var policies = map[int]Policy{
	1: {Wave: 1, Size: 3},
	2: {Wave: 2, Size: 5},
	3: {Wave: 3, Size: 5, Neighbor: true},
}

// PolicyFor returns the policy of wave, or false for an unknown wave.
func PolicyFor(wave int) (Policy, bool) {
	p, ok := policies[wave]
	return p, ok
}

type Outcome string

const (
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeNoCandidates Outcome = "no_candidates"
	OutcomeAlreadyRan   Outcome = "already_dispatched"
	OutcomeNotPending   Outcome = "not_pending"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeNoNeighbor   Outcome = "no_neighbor"
)

// Result of one wave run. Sent and Failed count delivery attempts made by this run.
type Result struct {
	Outcome Outcome
	Sent    int
	Failed  int
}

const maxCodeAttempts = 5

var ErrUnknownWave = errors.New("unknown wave")

// Engine runs dispatch waves.
type Engine struct {
	bookings  *bookings.Store
	providers *providers.Store
	notifier  notify.Notifier
	metrics   metrics.Recorder
	neighbors map[string]string
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	newCode   func() (string, error)
}

func NewEngine(
	bookingStore *bookings.Store,
	providerStore *providers.Store,
	notifier notify.Notifier,
	recorder metrics.Recorder,
	neighbors map[string]string,
	clk clock.Clock,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		bookings:  bookingStore,
		providers: providerStore,
		notifier:  notifier,
		metrics:   recorder,
		neighbors: neighbors,
		clock:     clk,
		logger:    logger,
		tracer:    otel.Tracer("github.com/imrishuroy/go-booking-dispatch/internal/dispatch"),
		newCode:   NewAcceptCode,
	}
}

// HasNeighbor reports whether wave 3 has somewhere to spill over to for area.
func (e *Engine) HasNeighbor(area string) bool {
	return e.neighbors[area] != ""
}

// RunWave notifies the next providers for bookingID. It is safe to invoke any number of
// times, concurrently: a provider is messaged at most once per booking, and a wave that
// already produced broadcasts is not repeated. A Go error means a transient store failure.
func (e *Engine) RunWave(ctx context.Context, bookingID string, wave int) (Result, error) {
	policy, ok := PolicyFor(wave)
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownWave, wave)
	}
	ctx, span := e.tracer.Start(ctx, "dispatch.RunWave", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.Int("dispatch.wave", wave),
	))
	defer span.End()

	log := e.logger.With(zap.String("booking_id", bookingID), zap.Int("wave", wave))

	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if b == nil {
		log.Warn("booking not found")
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if b.Status != bookings.StatusPendingAssignment {
		log.Info("booking no longer pending assignment", zap.String("status", string(b.Status)))
		return Result{Outcome: OutcomeNotPending}, nil
	}

	existing, err := e.bookings.ListBroadcasts(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if alreadyRan(existing, wave) {
		log.Info("wave already dispatched", zap.Int("existing_broadcasts", len(existing)))
		return Result{Outcome: OutcomeAlreadyRan}, nil
	}
	notified := make(map[string]struct{}, len(existing))
	for _, br := range existing {
		notified[br.ProviderID] = struct{}{}
	}

	if b.AcceptCode == "" {
		code, err := e.ensureAcceptCode(ctx, b.ID)
		if err != nil {
			return Result{}, err
		}
		b.AcceptCode = code
	}

	area := b.Area
	if policy.Neighbor {
		area = e.neighbors[b.Area]
		if area == "" {
			log.Info("no neighboring area configured")
			e.audit(ctx, b.ID, bookings.EventWaveEmpty, map[string]string{"wave": strconv.Itoa(wave), "reason": "no_neighbor"})
			return Result{Outcome: OutcomeNoNeighbor}, nil
		}
	}

	candidates, err := e.selectCandidates(ctx, area, notified, policy.Size)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		log.Info("no eligible providers", zap.String("area", area))
		e.audit(ctx, b.ID, bookings.EventWaveEmpty, map[string]string{"wave": strconv.Itoa(wave), "area": area})
		e.metrics.Incr(ctx, metrics.WaveEmpty, map[string]string{"wave": strconv.Itoa(wave)})
		return Result{Outcome: OutcomeNoCandidates}, nil
	}

	msg := notify.Broadcast(b)
	res := Result{Outcome: OutcomeDispatched}
	for _, p := range candidates {
		sent, err := e.broadcast(ctx, b.ID, p, wave, msg)
		if err != nil {
			log.Error("broadcast failed", zap.String("provider_id", p.ID), zap.Error(err))
			res.Failed++
			continue
		}
		if sent {
			res.Sent++
		}
	}
	span.SetAttributes(attribute.Int("dispatch.sent", res.Sent), attribute.Int("dispatch.failed", res.Failed))
	log.Info("wave dispatched", zap.String("area", area), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	return res, nil
}

func alreadyRan(existing []bookings.Broadcast, wave int) bool {
	if wave == 1 {
		return len(existing) > 0
	}
	for _, br := range existing {
		if br.Wave == wave {
			return true
		}
	}
	return false
}

// selectCandidates re-reads the area ranking so eligibility is evaluated now.
func (e *Engine) selectCandidates(ctx context.Context, area string, notified map[string]struct{}, size int) ([]providers.Provider, error) {
	ranked, err := e.providers.RankedInArea(ctx, area)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Provider, 0, size)
	for _, p := range ranked {
		if len(out) == size {
			break
		}
		if _, done := notified[p.ID]; done {
			continue
		}
		if !p.Eligible() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// broadcast reserves the (booking, provider) record, sends, and records the outcome.
// Returns false without error if another invocation already holds the reservation.
func (e *Engine) broadcast(ctx context.Context, bookingID string, p providers.Provider, wave int, msg notify.Message) (bool, error) {
	err := e.bookings.ReserveBroadcast(ctx, bookings.Broadcast{
		BookingID:     bookingID,
		ProviderID:    p.ID,
		ProviderPhone: p.Phone,
		Wave:          wave,
		SentAt:        e.clock.Now(),
	})
	if errors.Is(err, bookings.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	waveDim := map[string]string{"wave": strconv.Itoa(wave)}
	messageID, sendErr := e.notifier.Send(ctx, p.Phone, msg)
	if sendErr != nil {
		if err := e.bookings.CompleteBroadcast(ctx, bookingID, p.ID, bookings.DeliveryFailed, "", sendErr.Error()); err != nil {
			e.logger.Warn("recording failed delivery", zap.String("booking_id", bookingID), zap.String("provider_id", p.ID), zap.Error(err))
		}
		e.audit(ctx, bookingID, bookings.EventBroadcastFailed, map[string]string{"provider_id": p.ID, "wave": strconv.Itoa(wave), "error": sendErr.Error()})
		e.metrics.Incr(ctx, metrics.BroadcastFailed, waveDim)
		return false, sendErr
	}
	if err := e.bookings.CompleteBroadcast(ctx, bookingID, p.ID, bookings.DeliverySent, messageID, ""); err != nil {
		e.logger.Warn("recording delivery", zap.String("booking_id", bookingID), zap.String("provider_id", p.ID), zap.Error(err))
	}
	e.audit(ctx, bookingID, bookings.EventBroadcastSent, map[string]string{"provider_id": p.ID, "wave": strconv.Itoa(wave), "message_id": messageID})
	e.metrics.Incr(ctx, metrics.BroadcastSent, waveDim)
	return true, nil
}

// ensureAcceptCode issues the booking's code once. A concurrent issuer's code wins.
func (e *Engine) ensureAcceptCode(ctx context.Context, bookingID string) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := e.newCode()
		if err != nil {
			return "", err
		}
		err = e.bookings.ClaimAcceptCode(ctx, bookingID, code)
		switch {
		case err == nil:
			e.audit(ctx, bookingID, bookings.EventAcceptCodeIssued, map[string]string{"accept_code": code})
			return code, nil
		case errors.Is(err, bookings.ErrAcceptCodeTaken):
			continue
		case errors.Is(err, bookings.ErrConditionFailed):
			b, err := e.bookings.Get(ctx, bookingID)
			if err != nil {
				return "", err
			}
			if b == nil || b.AcceptCode == "" {
				return "", fmt.Errorf("accept code claim for %s failed without a code on record", bookingID)
			}
			return b.AcceptCode, nil
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("no free accept code after %d attempts", maxCodeAttempts)
}

func (e *Engine) audit(ctx context.Context, bookingID, name string, detail map[string]string) {
	if err := e.bookings.AppendEvent(ctx, bookingID, name, detail); err != nil {
		e.logger.Warn("audit event not written", zap.String("booking_id", bookingID), zap.String("event", name), zap.Error(err))
	}
}
