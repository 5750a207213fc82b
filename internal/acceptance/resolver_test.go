package acceptance

import (
	"context"
	"sync"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil/dynamotest"
)

type fixture struct {
	env      *testutil.Env
	engine   *dispatch.Engine
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	log := zaptest.NewLogger(t)
	return &fixture{
		env:      env,
		engine:   dispatch.NewEngine(env.Bookings, env.Providers, env.Notifier, env.Metrics, nil, env.Clock, log),
		resolver: NewResolver(env.Bookings, env.Providers, env.Notifier, env.Scheduler, env.Metrics, env.Clock, log),
	}
}

// dispatched seeds n providers and a paid booking, then runs waves 1 and 2.
func (f *fixture) dispatched(t *testing.T, id string, n int) *bookings.Booking {
	t.Helper()
	f.env.SeedProviders(t, "amsterdam", n)
	f.env.SeedPendingAssignment(t, id, "amsterdam")
	for _, sn := range scheduler.Names(id) {
		require.NoError(t, f.env.Scheduler.Schedule(context.Background(), sn, f.env.Clock.Now().Add(15*time.Minute), scheduler.Job{BookingID: id}))
	}
	_, err := f.engine.RunWave(context.Background(), id, 1)
	require.NoError(t, err)
	_, err = f.engine.RunWave(context.Background(), id, 2)
	require.NoError(t, err)
	return f.env.MustGet(t, id)
}

func kinds(msgs []notify.Message) []notify.Kind {
	out := make([]notify.Kind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestHandle_AssignsAndNotifies(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 8)
	f.env.Clock.Advance(7 * time.Minute)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(5), Text: "JA " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeAssigned, BookingID: "b1", ProviderID: "p05"}, res)

	got := f.env.MustGet(t, "b1")
	assert.Equal(t, bookings.StatusAssigned, got.Status)
	assert.Equal(t, "p05", got.AssignedProviderID)

	winner := f.env.Notifier.To(testutil.Phone(5))
	require.Len(t, winner, 2)
	assert.Equal(t, notify.KindAssigned, winner[1].Kind)
	assert.Contains(t, winner[1].Text, "Damrak 1")

	for _, n := range []int{1, 2, 3, 4, 6, 7, 8} {
		assert.Equal(t, []notify.Kind{notify.KindBroadcast, notify.KindNotAvailable}, kinds(f.env.Notifier.To(testutil.Phone(n))), "provider %d", n)
	}
	customer := f.env.Notifier.To("+31699999999")
	require.Len(t, customer, 1)
	assert.Equal(t, notify.KindCustomer, customer[0].Kind)

	assert.Equal(t, 0, f.env.Scheduler.Len())
	assert.Contains(t, f.env.EventNames(t, "b1"), bookings.EventProviderAccepted)
	assert.Equal(t, 1, f.env.Metrics.Count(metrics.BookingAssigned))

	// the area-status index follows the transition
	assigned, err := f.env.Bookings.ListByAreaStatus(context.Background(), "amsterdam", bookings.StatusAssigned, bookings.ListOptions{})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	pending, err := f.env.Bookings.ListByAreaStatus(context.Background(), "amsterdam", bookings.StatusPendingAssignment, bookings.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandle_ConcurrentAcceptsSingleWinner(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 8)
	f.env.Clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for n := 1; n <= 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(n), Payload: "accept:" + b.AcceptCode})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	winners, taken := 0, 0
	var winner string
	for _, r := range results {
		switch r.Outcome {
		case OutcomeAssigned:
			winners++
			winner = r.ProviderID
		case OutcomeAlreadyTaken:
			taken++
		default:
			t.Fatalf("unexpected outcome %s", r.Outcome)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 7, taken)
	assert.Equal(t, winner, f.env.MustGet(t, "b1").AssignedProviderID)
	assert.Equal(t, 7, f.env.Metrics.Count(metrics.AcceptLost))
}

func TestHandle_WindowClosed(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)
	f.env.Clock.Advance(15 * time.Minute)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWindowClosed, res.Outcome)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "b1").Status)

	msgs := f.env.Notifier.To(testutil.Phone(1))
	assert.Equal(t, notify.KindWindowClosed, msgs[len(msgs)-1].Kind)
}

func TestHandle_AfterUnfilled(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)
	_, err := f.env.Bookings.Apply(context.Background(), "b1", "amsterdam", bookings.TriggerDeadlineExpired, bookings.Patch{At: f.env.Clock.Now()})
	require.NoError(t, err)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(2), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWindowClosed, res.Outcome)
	assert.Equal(t, bookings.StatusUnfilled, f.env.MustGet(t, "b1").Status)
}

// sweepFirst lets the deadline sweep land between the resolver's read and its write.
type sweepFirst struct {
	*dynamotest.Fake
	once  sync.Once
	sweep func()
}

func (s *sweepFirst) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	s.once.Do(s.sweep)
	return s.Fake.UpdateItem(ctx, in, optFns...)
}

func TestHandle_LosesToDeadlineSweep(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)
	db := &sweepFirst{Fake: f.env.DB, sweep: func() {
		_, err := f.env.Bookings.Apply(context.Background(), "b1", "amsterdam", bookings.TriggerDeadlineExpired, bookings.Patch{At: f.env.Clock.Now()})
		require.NoError(t, err)
	}}
	store := bookings.NewStore(db, testutil.TableName)
	store.SetClock(f.env.Clock.Now)
	resolver := NewResolver(store, f.env.Providers, f.env.Notifier, f.env.Scheduler, f.env.Metrics, f.env.Clock, zaptest.NewLogger(t))

	res, err := resolver.Handle(context.Background(), Inbound{From: testutil.Phone(2), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTaken, res.Outcome)
	assert.Equal(t, bookings.StatusUnfilled, f.env.MustGet(t, "b1").Status)
	msgs := f.env.Notifier.To(testutil.Phone(2))
	assert.Equal(t, notify.KindTaken, msgs[len(msgs)-1].Kind)
}

func TestHandle_UnknownSender(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)
	before := len(f.env.Notifier.Sent())

	res, err := f.resolver.Handle(context.Background(), Inbound{From: "+31600000000", Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownSender, res.Outcome)
	assert.Len(t, f.env.Notifier.Sent(), before)
}

func TestHandle_NotOffered(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)
	// p09 exists but was never broadcast to
	f.env.SeedProvidersFrom(t, "amsterdam", 9, 1)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(9), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOffered, res.Outcome)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "b1").Status)
}

func TestHandle_Decline(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Payload: "decline:" + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "b1").Status)
	assert.Contains(t, f.env.EventNames(t, "b1"), bookings.EventProviderDeclined)
}

func TestHandle_DuplicateAcceptFromWinner(t *testing.T) {
	f := newFixture(t)
	b := f.dispatched(t, "b1", 3)

	_, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(2), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(2), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyYours, res.Outcome)

	res, err = f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(3), Text: "ja " + b.AcceptCode})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTaken, res.Outcome)
	msgs := f.env.Notifier.To(testutil.Phone(3))
	assert.Equal(t, notify.KindTaken, msgs[len(msgs)-1].Kind)
}

func TestHandle_BareReplyUsesOpenOffer(t *testing.T) {
	f := newFixture(t)
	f.dispatched(t, "b1", 3)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Text: "Ja!"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Equal(t, "b1", res.BookingID)
}

func TestHandle_BareReplyAmbiguous(t *testing.T) {
	f := newFixture(t)
	f.dispatched(t, "b1", 3)
	f.env.SeedPendingAssignment(t, "b2", "amsterdam")
	_, err := f.engine.RunWave(context.Background(), "b2", 1)
	require.NoError(t, err)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Text: "ja"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguous, res.Outcome)
	msgs := f.env.Notifier.To(testutil.Phone(1))
	assert.Equal(t, notify.KindAskCode, msgs[len(msgs)-1].Kind)
}

func TestHandle_BareReplyNoOffer(t *testing.T) {
	f := newFixture(t)
	f.env.SeedProviders(t, "amsterdam", 1)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Text: "ja"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOpenOffer, res.Outcome)
}

func TestHandle_UnknownCode(t *testing.T) {
	f := newFixture(t)
	f.dispatched(t, "b1", 3)

	res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Payload: "accept:ZZZZZ"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOffered, res.Outcome)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "b1").Status)
}

func TestHandle_AffirmativeWordsUseOpenOffer(t *testing.T) {
	for _, text := range []string{"ja graag", "Ja zeker!", "ok super", "ja ZZZZZ"} {
		t.Run(text, func(t *testing.T) {
			f := newFixture(t)
			f.dispatched(t, "b1", 3)

			res, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(2), Text: text})
			require.NoError(t, err)
			assert.Equal(t, OutcomeAssigned, res.Outcome)
			assert.Equal(t, "p02", f.env.MustGet(t, "b1").AssignedProviderID)
		})
	}
}

func TestHandle_StoreFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.dispatched(t, "b1", 3)
	f.env.DB.FailNext("GetItem", assert.AnError)

	_, err := f.resolver.Handle(context.Background(), Inbound{From: testutil.Phone(1), Text: "ja"})
	assert.Error(t, err)
	assert.Equal(t, bookings.StatusPendingAssignment, f.env.MustGet(t, "b1").Status)
}
