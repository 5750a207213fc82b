// Package payments is the boundary to the card payment provider.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrNoPaymentIntent means the session exists but has no payment to refund.
	ErrNoPaymentIntent = errors.New("no payment intent for session")
	// ErrRefundNotFound means the provider reported a prior refund that could not be looked up.
	ErrRefundNotFound = errors.New("existing refund not found")
)

// RefundRequest asks for a full refund of a payment intent. IdempotencyKey must be derived
// from the booking so every retry resolves to the same refund.
type RefundRequest struct {
	PaymentIntentID string
	IdempotencyKey  string
	BookingID       string
}

type Refund struct {
	ID          string
	AmountCents int64
	Status      string
}

// Provider is what the lifecycle needs from the payment provider.
type Provider interface {
	PaymentIntentForSession(ctx context.Context, sessionID string) (string, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Confirmation is a payment-confirmed event, independent of the provider's webhook format.
type Confirmation struct {
	BookingID       string `json:"booking_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	SessionID       string `json:"session_id"`
}

// RefundKey is the deterministic idempotency key for a booking's refund.
func RefundKey(bookingID string) string {
	return "refund:" + bookingID
}
