package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap/zaptest"
)

type stripeStub struct {
	mu              sync.Mutex
	idempotencyKeys []string
	alreadyRefunded bool
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_1":
		fmt.Fprint(w, `{"id":"cs_1","object":"checkout.session","payment_intent":"pi_1"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_unpaid":
		fmt.Fprint(w, `{"id":"cs_unpaid","object":"checkout.session","payment_intent":null}`)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/refunds":
		s.idempotencyKeys = append(s.idempotencyKeys, r.Header.Get("Idempotency-Key"))
		if s.alreadyRefunded {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge has already been refunded."}}`)
			return
		}
		fmt.Fprint(w, `{"id":"re_1","object":"refund","amount":3500,"status":"succeeded"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/refunds":
		if r.URL.Query().Get("payment_intent") != "pi_1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"object":"list","url":"/v1/refunds","has_more":false,"data":[
			{"id":"re_old","object":"refund","amount":3500,"status":"succeeded"}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"no such resource"}}`)
	}
}

func newStripeForTest(t *testing.T, stub *stripeStub) *Stripe {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripe("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, zaptest.NewLogger(t))
}

func TestStripe_PaymentIntentForSession(t *testing.T) {
	s := newStripeForTest(t, &stripeStub{})

	pi, err := s.PaymentIntentForSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi)

	_, err = s.PaymentIntentForSession(context.Background(), "cs_unpaid")
	assert.ErrorIs(t, err, ErrNoPaymentIntent)

	_, err = s.PaymentIntentForSession(context.Background(), "cs_missing")
	assert.Error(t, err)
}

func TestStripe_RefundUsesIdempotencyKey(t *testing.T) {
	stub := &stripeStub{}
	s := newStripeForTest(t, stub)

	r, err := s.Refund(context.Background(), RefundRequest{PaymentIntentID: "pi_1", IdempotencyKey: RefundKey("b1"), BookingID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", r.ID)
	assert.EqualValues(t, 3500, r.AmountCents)
	assert.Equal(t, []string{"refund:b1"}, stub.idempotencyKeys)
}

func TestStripe_AlreadyRefundedLooksUpExisting(t *testing.T) {
	s := newStripeForTest(t, &stripeStub{alreadyRefunded: true})

	r, err := s.Refund(context.Background(), RefundRequest{PaymentIntentID: "pi_1", IdempotencyKey: RefundKey("b1")})
	require.NoError(t, err)
	assert.Equal(t, "re_old", r.ID)
}

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{"id":"evt_1","object":"event","api_version":"2020-08-27","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"b1","payment_status":"paid","payment_intent":"pi_1"}}}`)

	c, err := ParseStripeWebhook(payload, sign(t, payload, secret), secret)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, Confirmation{BookingID: "b1", PaymentIntentID: "pi_1", SessionID: "cs_1"}, *c)

	_, err = ParseStripeWebhook(payload, sign(t, payload, "wrong"), secret)
	assert.Error(t, err)

	other := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{}}}`)
	c, err = ParseStripeWebhook(other, sign(t, other, secret), secret)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestFake_RefundIsIdempotent(t *testing.T) {
	f := NewFake()
	f.Amounts["pi_1"] = 3500

	a, err := f.Refund(context.Background(), RefundRequest{PaymentIntentID: "pi_1", IdempotencyKey: "refund:b1"})
	require.NoError(t, err)
	b, err := f.Refund(context.Background(), RefundRequest{PaymentIntentID: "pi_1", IdempotencyKey: "refund:b1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, f.RefundCount())
	assert.Equal(t, 2, f.Calls())
}
