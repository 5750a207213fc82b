package payments

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider. Refunds are keyed by idempotency key like the real API,
// so repeated calls return the same refund.
type Fake struct {
	mu         sync.Mutex
	Sessions   map[string]string // session id -> payment intent id
	Amounts    map[string]int64  // payment intent id -> amount
	refunds    map[string]Refund // idempotency key -> refund
	byIntent   map[string]Refund
	calls      int
	RefundErr  error
	SessionErr error
}

func NewFake() *Fake {
	return &Fake{
		Sessions: map[string]string{},
		Amounts:  map[string]int64{},
		refunds:  map[string]Refund{},
		byIntent: map[string]Refund{},
	}
}

func (f *Fake) PaymentIntentForSession(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SessionErr != nil {
		return "", f.SessionErr
	}
	pi, ok := f.Sessions[sessionID]
	if !ok {
		return "", ErrNoPaymentIntent
	}
	return pi, nil
}

func (f *Fake) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.RefundErr != nil {
		return Refund{}, f.RefundErr
	}
	if r, ok := f.refunds[req.IdempotencyKey]; ok {
		return r, nil
	}
	if r, ok := f.byIntent[req.PaymentIntentID]; ok {
		// already refunded under another key: the caller gets the existing refund
		return r, nil
	}
	r := Refund{
		ID:          fmt.Sprintf("re_%d", len(f.byIntent)+1),
		AmountCents: f.Amounts[req.PaymentIntentID],
		Status:      "succeeded",
	}
	f.refunds[req.IdempotencyKey] = r
	f.byIntent[req.PaymentIntentID] = r
	return r, nil
}

// RefundCount is the number of distinct refunds created.
func (f *Fake) RefundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byIntent)
}

// Calls is the number of Refund invocations, including replays.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
