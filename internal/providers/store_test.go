package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-booking-dispatch/internal/table"
	"github.com/imrishuroy/go-booking-dispatch/internal/testutil/dynamotest"
)

func claimed() *time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestEligible(t *testing.T) {
	base := Provider{ID: "p1", Active: true, ClaimedAt: claimed(), Phone: "+31600000001", PhoneValid: true}
	assert.True(t, base.Eligible())

	inactive := base
	inactive.Active = false
	assert.False(t, inactive.Eligible())

	unclaimed := base
	unclaimed.ClaimedAt = nil
	assert.False(t, unclaimed.Eligible())

	badPhone := base
	badPhone.PhoneValid = false
	assert.False(t, badPhone.Eligible())
}

func TestStore_RankedInArea(t *testing.T) {
	fake := dynamotest.New().MustCreateTable(table.CreateTableInput("bookings"))
	s := NewStore(fake, "bookings")
	ctx := context.Background()

	for _, p := range []Provider{
		{ID: "p-c", Area: "amsterdam", Rank: 2, Phone: "+31600000003"},
		{ID: "p-b", Area: "amsterdam", Rank: 1, Phone: "+31600000002"},
		{ID: "p-a", Area: "amsterdam", Rank: 1, Phone: "+31600000001"},
		{ID: "p-x", Area: "utrecht", Rank: 0, Phone: "+31600000009"},
	} {
		require.NoError(t, s.Put(ctx, p))
	}

	got, err := s.RankedInArea(ctx, "amsterdam")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"p-a", "p-b", "p-c"}, []string{got[0].ID, got[1].ID, got[2].ID})

	none, err := s.RankedInArea(ctx, "rotterdam")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_GetByPhone(t *testing.T) {
	fake := dynamotest.New().MustCreateTable(table.CreateTableInput("bookings"))
	s := NewStore(fake, "bookings")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Provider{ID: "p1", Name: "Sam", Area: "amsterdam", Active: true, ClaimedAt: claimed(), Phone: "+31600000001", PhoneValid: true}))

	p, err := s.GetByPhone(ctx, "+31600000001")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p1", p.ID)
	assert.True(t, p.Eligible())

	unknown, err := s.GetByPhone(ctx, "+31699999999")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	// re-putting the same provider is fine, stealing its number is not
	require.NoError(t, s.Put(ctx, Provider{ID: "p1", Area: "amsterdam", Phone: "+31600000001"}))
	assert.ErrorIs(t, s.Put(ctx, Provider{ID: "p2", Area: "amsterdam", Phone: "+31600000001"}), ErrPhoneInUse)
}
