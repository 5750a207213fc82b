// Package testutil wires the lifecycle stores and fakes together for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/clock"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/providers"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
	"github.com/imrishuroy/go-booking-dispatch/internal/table"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil/dynamotest"
)

const TableName = "bookings"

// Epoch is the fixed start time of every test environment.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type Env struct {
	DB        *dynamotest.Fake
	Bookings  *bookings.Store
	Providers *providers.Store
	Clock     *clock.FakeClock
	Notifier  *notify.Fake
	Scheduler *scheduler.Fake
	Payments  *payments.Fake
	Metrics   *metrics.Memory
}

func NewEnv(t *testing.T) *Env {
	t.Helper()
	db := dynamotest.New().MustCreateTable(table.CreateTableInput(TableName))
	clk := clock.NewFakeClock(Epoch)
	bs := bookings.NewStore(db, TableName)
	bs.SetClock(clk.Now)
	return &Env{
		DB:        db,
		Bookings:  bs,
		Providers: providers.NewStore(db, TableName),
		Clock:     clk,
		Notifier:  notify.NewFake(),
		Scheduler: scheduler.NewFake(),
		Payments:  payments.NewFake(),
		Metrics:   metrics.NewMemory(),
	}
}

// Phone returns the deterministic phone number of provider n.
func Phone(n int) string {
	return fmt.Sprintf("+316%08d", n)
}

// SeedProviders writes n eligible providers p01..pNN in area, ranked in that order.
func (e *Env) SeedProviders(t *testing.T, area string, n int) []providers.Provider {
	t.Helper()
	return e.SeedProvidersFrom(t, area, 1, n)
}

// SeedProvidersFrom writes eligible providers numbered first..first+n-1.
func (e *Env) SeedProvidersFrom(t *testing.T, area string, first, n int) []providers.Provider {
	t.Helper()
	claimed := Epoch.Add(-24 * time.Hour)
	out := make([]providers.Provider, 0, n)
	for i := first; i < first+n; i++ {
		p := providers.Provider{
			ID:         fmt.Sprintf("p%02d", i),
			Name:       fmt.Sprintf("Provider %d", i),
			Area:       area,
			Active:     true,
			ClaimedAt:  &claimed,
			Phone:      Phone(i),
			PhoneValid: true,
			Rank:       i,
		}
		require.NoError(t, e.Providers.Put(context.Background(), p))
		out = append(out, p)
	}
	return out
}

// SeedBooking writes a PENDING_PAYMENT booking.
func (e *Env) SeedBooking(t *testing.T, id, area string) bookings.Booking {
	t.Helper()
	now := e.Clock.Now()
	b := bookings.Booking{
		ID:         id,
		Status:     bookings.StatusPendingPayment,
		Area:       area,
		Service:    bookings.Service{Name: "knippen", DurationMinutes: 30, PriceCents: 3500, PayoutCents: 2800},
		TimeWindow: "ma 14:00-16:00",
		Customer:   bookings.Customer{Name: "Eva", Phone: "+31699999999", Address: "Damrak 1", Postcode: "1012LG"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, e.Bookings.Create(context.Background(), b))
	return b
}

// SeedPendingAssignment writes a paid booking with a deadline 15 minutes from now.
func (e *Env) SeedPendingAssignment(t *testing.T, id, area string) *bookings.Booking {
	t.Helper()
	e.SeedBooking(t, id, area)
	now := e.Clock.Now()
	pi := "pi_" + id
	e.Payments.Amounts[pi] = 3500
	b, err := e.Bookings.Apply(context.Background(), id, area, bookings.TriggerPaymentConfirmed, bookings.Patch{
		At:                 now,
		AssignmentDeadline: now.Add(15 * time.Minute).Truncate(time.Second),
		PaymentIntentID:    pi,
	})
	require.NoError(t, err)
	return b
}

// MustGet reads a booking that must exist.
func (e *Env) MustGet(t *testing.T, id string) *bookings.Booking {
	t.Helper()
	b, err := e.Bookings.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

// EventNames returns the audit trail names of a booking.
func (e *Env) EventNames(t *testing.T, id string) []string {
	t.Helper()
	events, err := e.Bookings.ListEvents(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}
