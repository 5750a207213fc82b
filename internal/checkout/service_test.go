package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil"
)

const idempotencyTable = "idempotency"

type fixture struct {
	env  *testutil.Env
	idem *idempotency.Store
	svc  *Service
}

func newFixture(t *testing.T, neighbors map[string]string) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	env.DB.MustCreateTable(idempotency.CreateTableInput(idempotencyTable))
	log := zaptest.NewLogger(t)
	idem := idempotency.NewStore(env.DB, idempotencyTable, time.Hour)
	engine := dispatch.NewEngine(env.Bookings, env.Providers, env.Notifier, env.Metrics, neighbors, env.Clock, log)
	return &fixture{
		env:  env,
		idem: idem,
		svc:  NewService(env.Bookings, idem, engine, env.Scheduler, env.Metrics, env.Clock, log),
	}
}

func sampleBooking() NewBooking {
	return NewBooking{
		Area:       "amsterdam",
		Service:    bookings.Service{Name: "knippen", DurationMinutes: 30, PriceCents: 3500, PayoutCents: 2800},
		TimeWindow: "ma 14:00-16:00",
		Customer:   bookings.Customer{Name: "Eva", Phone: "+31699999999", Address: "Damrak 1"},
	}
}

func TestCreate_WritesBookingAndIdempotencyRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, "key-1", "hash-1", sampleBooking())
	require.NoError(t, err)
	assert.Len(t, b.ID, 26)
	assert.Equal(t, bookings.StatusPendingPayment, b.Status)

	stored := f.env.MustGet(t, b.ID)
	assert.Equal(t, "Damrak 1", stored.Customer.Address)
	assert.Contains(t, f.env.EventNames(t, b.ID), bookings.EventBookingCreated)

	rec, err := f.idem.Get(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, b.ID, rec.BookingID)
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.Equal(t, "hash-1", rec.RequestHash)
	assert.Equal(t, 1, f.env.Metrics.Count(metrics.BookingCreated))
}

func TestCreate_DuplicateKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "key-1", "hash-1", sampleBooking())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "key-1", "hash-1", sampleBooking())
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	pending, err := f.env.Bookings.ListByAreaStatus(ctx, "amsterdam", bookings.StatusPendingPayment, bookings.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAttachSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedBooking(t, "b1", "amsterdam")

	require.NoError(t, f.svc.AttachSession(ctx, "b1", "cs_1"))
	require.NoError(t, f.svc.AttachSession(ctx, "b1", "cs_1"))
	assert.ErrorIs(t, f.svc.AttachSession(ctx, "b1", "cs_2"), ErrSessionConflict)
	assert.ErrorIs(t, f.svc.AttachSession(ctx, "missing", "cs_3"), bookings.ErrNotFound)

	f.env.SeedPendingAssignment(t, "b2", "amsterdam")
	assert.ErrorIs(t, f.svc.AttachSession(ctx, "b2", "cs_4"), ErrNotPending)
}

func TestConfirmPayment_StartsDispatch(t *testing.T) {
	f := newFixture(t, map[string]string{"amsterdam": "amstelveen"})
	ctx := context.Background()
	f.env.SeedProviders(t, "amsterdam", 4)
	f.env.SeedBooking(t, "b1", "amsterdam")

	res, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1", SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, bookings.StatusPendingAssignment, res.Status)
	require.NotNil(t, res.Wave)
	assert.Equal(t, 3, res.Wave.Sent)

	b := f.env.MustGet(t, "b1")
	assert.True(t, b.AssignmentDeadline.Equal(testutil.Epoch.Add(15*time.Minute)))
	assert.Equal(t, "pi_1", b.PaymentIntentID)
	assert.Equal(t, "cs_1", b.PaymentSessionID)
	assert.NotEmpty(t, b.AcceptCode)

	deadline, ok := f.env.Scheduler.Get(scheduler.DeadlineName("b1"))
	require.True(t, ok)
	assert.Equal(t, scheduler.ActionEnforceDeadline, deadline.Job.Action)
	assert.True(t, deadline.At.Equal(testutil.Epoch.Add(15*time.Minute)))

	wave2, ok := f.env.Scheduler.Get(scheduler.WaveName("b1", 2))
	require.True(t, ok)
	assert.Equal(t, scheduler.Job{Action: scheduler.ActionDispatchWave, BookingID: "b1", Wave: 2}, wave2.Job)
	assert.True(t, wave2.At.Equal(testutil.Epoch.Add(5*time.Minute)))

	wave3, ok := f.env.Scheduler.Get(scheduler.WaveName("b1", 3))
	require.True(t, ok)
	assert.True(t, wave3.At.Equal(testutil.Epoch.Add(10*time.Minute)))

	assert.Contains(t, f.env.EventNames(t, "b1"), bookings.EventPaymentConfirmed)
	found, err := f.env.Bookings.FindByPaymentSession(ctx, "cs_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b1", found.ID)
}

func TestConfirmPayment_NoNeighborSkipsWave3(t *testing.T) {
	f := newFixture(t, nil)
	f.env.SeedBooking(t, "b1", "amsterdam")

	_, err := f.svc.ConfirmPayment(context.Background(), payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.env.Scheduler.Len())
	_, ok := f.env.Scheduler.Get(scheduler.WaveName("b1", 3))
	assert.False(t, ok)
}

func TestConfirmPayment_DuplicateRepairsSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedProviders(t, "amsterdam", 4)
	f.env.SeedBooking(t, "b1", "amsterdam")

	_, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	sent := len(f.env.Notifier.Sent())

	// schedules lost after the first delivery committed
	for _, name := range scheduler.Names("b1") {
		require.NoError(t, f.env.Scheduler.Cancel(ctx, name))
	}
	f.env.Clock.Advance(time.Minute)

	res, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	require.NotNil(t, res.Wave)
	assert.Equal(t, dispatch.OutcomeAlreadyRan, res.Wave.Outcome)
	assert.Len(t, f.env.Notifier.Sent(), sent)

	// the deadline is not moved by the duplicate
	assert.True(t, f.env.MustGet(t, "b1").AssignmentDeadline.Equal(testutil.Epoch.Add(15*time.Minute)))
	deadline, ok := f.env.Scheduler.Get(scheduler.DeadlineName("b1"))
	require.True(t, ok)
	assert.True(t, deadline.At.Equal(testutil.Epoch.Add(15*time.Minute)))
}

func TestConfirmPayment_SideEffectFailuresDoNotFail(t *testing.T) {
	f := newFixture(t, nil)
	f.env.SeedProviders(t, "amsterdam", 2)
	f.env.SeedBooking(t, "b1", "amsterdam")
	f.env.Scheduler.Err = errors.New("scheduler unavailable")

	res, err := f.svc.ConfirmPayment(context.Background(), payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, 2, f.env.Metrics.Count(metrics.SideEffectFailure))
	require.NotNil(t, res.Wave)
	assert.Equal(t, 2, res.Wave.Sent)
}

func TestConfirmPayment_ByPaymentSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedBooking(t, "b1", "amsterdam")
	require.NoError(t, f.svc.AttachSession(ctx, "b1", "cs_1"))

	res, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{SessionID: "cs_1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, "b1", res.BookingID)
}

func TestConfirmPayment_AfterCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedBooking(t, "b1", "amsterdam")
	_, err := f.env.Bookings.Apply(ctx, "b1", "amsterdam", bookings.TriggerPaymentTimeout, bookings.Patch{})
	require.NoError(t, err)

	res, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "b1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaidAfterCancel, res.Outcome)
	assert.Equal(t, bookings.StatusCancelled, f.env.MustGet(t, "b1").Status)
	assert.Contains(t, f.env.EventNames(t, "b1"), bookings.EventPaymentAfterCancel)
	assert.Equal(t, 0, f.env.Scheduler.Len())
}

func TestConfirmPayment_SettledAndMissing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedPendingAssignment(t, "b1", "amsterdam")
	_, err := f.env.Bookings.Apply(ctx, "b1", "amsterdam", bookings.TriggerProviderAccepted, bookings.Patch{AssignedProviderID: "p01"})
	require.NoError(t, err)

	res, err := f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, res.Outcome)

	res, err = f.svc.ConfirmPayment(ctx, payments.Confirmation{BookingID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	_, err = f.svc.ConfirmPayment(ctx, payments.Confirmation{})
	assert.Error(t, err)
}

func TestExpireUnpaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.env.SeedBooking(t, "old", "amsterdam")
	f.env.SeedPendingAssignment(t, "paid", "amsterdam")
	f.env.Clock.Advance(8 * time.Minute)
	f.env.SeedBooking(t, "young", "amsterdam")
	f.env.Clock.Advance(3 * time.Minute)

	n, err := f.svc.ExpireUnpaid(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, bookings.StatusCancelled, f.env.MustGet(t, "old").Status)
	assert.Equal(t, bookings.StatusPendingPayment, f.env.MustGet(t, "young").Status)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "paid").Status)
	assert.Contains(t, f.env.EventNames(t, "old"), bookings.EventBookingCancelled)

	n, err = f.svc.ExpireUnpaid(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
