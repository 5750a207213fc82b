package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// Stripe implements Provider with the Stripe API.
type Stripe struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripe builds a client. backends may be nil to use the default Stripe endpoints.
func NewStripe(secretKey string, backends *stripe.Backends, logger *zap.Logger) *Stripe {
	return &Stripe{api: client.New(secretKey, backends), logger: logger}
}

func (s *Stripe) PaymentIntentForSession(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return "", fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return "", ErrNoPaymentIntent
	}
	return sess.PaymentIntent.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.BookingID != "" {
		params.AddMetadata("booking_id", req.BookingID)
	}

	r, err := s.api.Refunds.New(params)
	if err == nil {
		return Refund{ID: r.ID, AmountCents: r.Amount, Status: string(r.Status)}, nil
	}

	var se *stripe.Error
	if errors.As(err, &se) && se.Code == stripe.ErrorCodeChargeAlreadyRefunded {
		s.logger.Info("charge already refunded, looking up existing refund",
			zap.String("payment_intent_id", req.PaymentIntentID))
		return s.existingRefund(ctx, req.PaymentIntentID)
	}
	return Refund{}, fmt.Errorf("create refund: %w", err)
}

func (s *Stripe) existingRefund(ctx context.Context, paymentIntentID string) (Refund, error) {
	params := &stripe.RefundListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	it := s.api.Refunds.List(params)
	for it.Next() {
		r := it.Refund()
		if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
			continue
		}
		return Refund{ID: r.ID, AmountCents: r.Amount, Status: string(r.Status)}, nil
	}
	if err := it.Err(); err != nil {
		return Refund{}, fmt.Errorf("list refunds: %w", err)
	}
	return Refund{}, ErrRefundNotFound
}

// ParseStripeWebhook verifies the signature and maps checkout.session.completed to a
// Confirmation. Other event types return (nil, nil).
func ParseStripeWebhook(payload []byte, signature, secret string) (*Confirmation, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return nil, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, nil
	}
	c := &Confirmation{
		BookingID: sess.ClientReferenceID,
		SessionID: sess.ID,
	}
	if c.BookingID == "" {
		c.BookingID = sess.Metadata["booking_id"]
	}
	if sess.PaymentIntent != nil {
		c.PaymentIntentID = sess.PaymentIntent.ID
	}
	return c, nil
}
