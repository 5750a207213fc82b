package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/go-booking-dispatch/internal/acceptance"
	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil"
)

func TestSweepDeadlines(t *testing.T) {
	env := testutil.NewEnv(t)
	e := newEnforcer(t, env)
	ctx := context.Background()

	env.SeedPendingAssignment(t, "due", "amsterdam")
	env.SeedPendingAssignment(t, "taken", "amsterdam")
	_, err := env.Bookings.Apply(ctx, "taken", "amsterdam", bookings.TriggerProviderAccepted, bookings.Patch{
		At:                 env.Clock.Now(),
		AssignedProviderID: "p01",
	})
	require.NoError(t, err)
	env.Clock.Advance(10 * time.Minute)
	env.SeedPendingAssignment(t, "fresh", "amsterdam")
	env.SeedPendingAssignment(t, "elsewhere", "rotterdam")
	env.Clock.Advance(6 * time.Minute)

	res, err := e.SweepDeadlines(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, map[Outcome]int{OutcomeRefunded: 1}, res.Enforced)

	assert.Equal(t, bookings.StatusRefunded, env.MustGet(t, "due").Status)
	assert.Equal(t, bookings.StatusAssigned, env.MustGet(t, "taken").Status)
	assert.Equal(t, bookings.StatusPendingAssignment, env.MustGet(t, "fresh").Status)
	assert.Equal(t, bookings.StatusPendingAssignment, env.MustGet(t, "elsewhere").Status)

	// a second pass finds nothing due
	res, err = e.SweepDeadlines(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Empty(t, res.Enforced)
	assert.Equal(t, 1, env.Payments.RefundCount())
}

func TestSweepDeadlines_ListFailureReported(t *testing.T) {
	env := testutil.NewEnv(t)
	e := newEnforcer(t, env)
	env.SeedPendingAssignment(t, "b1", "utrecht")
	env.Clock.Advance(16 * time.Minute)
	env.DB.FailNext("Query", errors.New("throttled"))

	res, err := e.SweepDeadlines(context.Background(), []string{"amsterdam", "utrecht"})
	require.Error(t, err)
	assert.Equal(t, map[Outcome]int{OutcomeRefunded: 1}, res.Enforced)
}

func TestSweepStuckRefunds_RetriesWithBackoff(t *testing.T) {
	env := testutil.NewEnv(t)
	e := newEnforcer(t, env)
	ctx := context.Background()
	env.SeedPendingAssignment(t, "b1", "amsterdam")
	env.Payments.RefundErr = errors.New("card network unavailable")
	env.Clock.Advance(15 * time.Minute)

	res1, err := e.EnforceDeadline(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRefundFailed, res1.Outcome)
	env.Payments.RefundErr = nil

	env.Clock.Advance(time.Minute)
	res, err := e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, bookings.StatusUnfilled, env.MustGet(t, "b1").Status)

	env.Clock.Advance(DefaultRefundBackoff)
	res, err = e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, map[Outcome]int{OutcomeRefunded: 1}, res.Enforced)
	assert.Equal(t, bookings.StatusRefunded, env.MustGet(t, "b1").Status)
	assert.Equal(t, 1, env.Payments.RefundCount())
}

func TestSweepStuckRefunds_SessionLookupFailureBacksOff(t *testing.T) {
	env := testutil.NewEnv(t)
	e := newEnforcer(t, env)
	ctx := context.Background()
	env.SeedBooking(t, "b1", "amsterdam")
	now := env.Clock.Now()
	_, err := env.Bookings.Apply(ctx, "b1", "amsterdam", bookings.TriggerPaymentConfirmed, bookings.Patch{
		At:                 now,
		AssignmentDeadline: now.Add(15 * time.Minute),
		PaymentSessionID:   "cs_1",
	})
	require.NoError(t, err)
	env.Payments.Sessions["cs_1"] = "pi_1"
	env.Payments.SessionErr = errors.New("stripe unavailable")
	env.Clock.Advance(15 * time.Minute)

	res1, err := e.EnforceDeadline(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRefundFailed, res1.Outcome)
	b := env.MustGet(t, "b1")
	require.NotNil(t, b.RefundAttemptedAt)
	assert.True(t, b.RefundAttemptedAt.Equal(env.Clock.Now()))

	env.Payments.SessionErr = nil
	env.Clock.Advance(time.Minute)
	res, err := e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, env.Payments.Calls())

	env.Clock.Advance(DefaultRefundBackoff)
	res, err = e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, map[Outcome]int{OutcomeRefunded: 1}, res.Enforced)
}

func TestSweepStuckRefunds_ParksAfterRetryWindow(t *testing.T) {
	env := testutil.NewEnv(t)
	e := newEnforcer(t, env)
	ctx := context.Background()
	env.SeedPendingAssignment(t, "b1", "amsterdam")
	env.Payments.RefundErr = errors.New("card network unavailable")
	env.Clock.Advance(15 * time.Minute)
	_, err := e.EnforceDeadline(ctx, "b1")
	require.NoError(t, err)

	env.Clock.Advance(DefaultRefundRetryWindow + time.Minute)
	res, err := e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parked)

	b := env.MustGet(t, "b1")
	assert.Equal(t, bookings.StatusUnfilled, b.Status)
	assert.Equal(t, bookings.RefundStateManualReview, b.RefundState)
	assert.Contains(t, env.EventNames(t, "b1"), bookings.EventManualReview)

	// parked bookings are left alone
	env.Payments.RefundErr = nil
	res, err = e.SweepStuckRefunds(ctx, []string{"amsterdam"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, env.Payments.RefundCount())
}

// Wave 1 at payment, wave 2 at +6m, P5 accepts at +7m, the deadline at +15m finds the
// booking assigned.
func TestLifecycle_AssignedBeforeDeadline(t *testing.T) {
	env := testutil.NewEnv(t)
	log := zaptest.NewLogger(t)
	ctx := context.Background()
	engine := dispatch.NewEngine(env.Bookings, env.Providers, env.Notifier, env.Metrics, nil, env.Clock, log)
	resolver := acceptance.NewResolver(env.Bookings, env.Providers, env.Notifier, env.Scheduler, env.Metrics, env.Clock, log)
	e := newEnforcer(t, env)

	env.SeedProviders(t, "ridderkerk", 10)
	env.SeedPendingAssignment(t, "B1", "ridderkerk")

	w1, err := engine.RunWave(ctx, "B1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, w1.Sent)

	env.Clock.Advance(6 * time.Minute)
	w2, err := engine.RunWave(ctx, "B1", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, w2.Sent)

	env.Clock.Advance(time.Minute)
	acc, err := resolver.Handle(ctx, acceptance.Inbound{From: testutil.Phone(5), Text: "JA"})
	require.NoError(t, err)
	assert.Equal(t, acceptance.OutcomeAssigned, acc.Outcome)
	assert.Equal(t, "p05", acc.ProviderID)

	for n := 1; n <= 8; n++ {
		if n == 5 {
			continue
		}
		msgs := env.Notifier.To(testutil.Phone(n))
		require.Len(t, msgs, 2, "provider %d", n)
		assert.Equal(t, notify.KindNotAvailable, msgs[1].Kind)
	}
	assert.Empty(t, env.Notifier.To(testutil.Phone(9)))

	env.Clock.Advance(8 * time.Minute)
	res, err := e.EnforceDeadline(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyAssigned, res.Outcome)
	assert.Equal(t, 0, env.Payments.Calls())
	assert.Equal(t, bookings.StatusAssigned, env.MustGet(t, "B1").Status)
}
