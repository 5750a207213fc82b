package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
)

type capturePublisher struct {
	bodies []string
	attrs  []map[string]string
	err    error
}

func (c *capturePublisher) Send(ctx context.Context, body string, attrs map[string]string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.bodies = append(c.bodies, body)
	c.attrs = append(c.attrs, attrs)
	return "sqs-1", nil
}

func TestSQSNotifier_Send(t *testing.T) {
	pub := &capturePublisher{}
	n := NewSQSNotifier(pub, zaptest.NewLogger(t))

	id, err := n.Send(context.Background(), " +31600000001 ", Taken("b1"))
	require.NoError(t, err)
	assert.Equal(t, "sqs-1", id)

	require.Len(t, pub.bodies, 1)
	var env map[string]string
	require.NoError(t, json.Unmarshal([]byte(pub.bodies[0]), &env))
	assert.Equal(t, "+31600000001", env["to"])
	assert.Equal(t, "taken", env["kind"])
	assert.Equal(t, "b1", env["booking_id"])
	assert.Equal(t, "b1", pub.attrs[0]["booking_id"])
}

func TestSQSNotifier_Errors(t *testing.T) {
	n := NewSQSNotifier(&capturePublisher{}, zaptest.NewLogger(t))
	_, err := n.Send(context.Background(), "  ", Taken("b1"))
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	boom := errors.New("boom")
	n = NewSQSNotifier(&capturePublisher{err: boom}, zaptest.NewLogger(t))
	_, err = n.Send(context.Background(), "+31600000001", Taken("b1"))
	assert.ErrorIs(t, err, boom)
}

func TestTemplates(t *testing.T) {
	b := &bookings.Booking{
		ID:         "b1",
		Area:       "amsterdam",
		Service:    bookings.Service{Name: "knippen", DurationMinutes: 30, PriceCents: 3500, PayoutCents: 2805},
		TimeWindow: "di 14:00-16:00",
		Customer:   bookings.Customer{Name: "Eva", Address: "Damrak 1", Postcode: "1012LG", Phone: "+31611111111"},
		AcceptCode: "K7Q2M",
	}

	offer := Broadcast(b)
	assert.Equal(t, KindBroadcast, offer.Kind)
	assert.Equal(t, "K7Q2M", offer.AcceptCode)
	assert.Contains(t, offer.Text, "€28,05")
	assert.Contains(t, offer.Text, "JA K7Q2M")
	assert.NotContains(t, offer.Text, "Damrak")

	won := Assigned(b)
	assert.Contains(t, won.Text, "Damrak 1, 1012LG")
	assert.Contains(t, won.Text, "+31611111111")

	b.RefundAmountCents = 3500
	assert.Contains(t, CustomerRefunded(b).Text, "€35,00")
}

func TestFake(t *testing.T) {
	f := NewFake()
	f.FailFor("+1", errors.New("unreachable"))

	_, err := f.Send(context.Background(), "+1", Taken("b1"))
	assert.Error(t, err)
	id, err := f.Send(context.Background(), "+2", Taken("b1"))
	require.NoError(t, err)
	assert.Equal(t, "fake-1", id)
	assert.Len(t, f.To("+2"), 1)
	assert.Empty(t, f.To("+1"))
}
