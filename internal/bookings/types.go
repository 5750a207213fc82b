package bookings

import "time"

// Status is the externally visible booking status.
type Status string

const (
	StatusPendingPayment    Status = "PENDING_PAYMENT"
	StatusPendingAssignment Status = "PENDING_ASSIGNMENT"
	StatusAssigned          Status = "ASSIGNED"
	StatusUnfilled          Status = "UNFILLED"
	StatusRefunded          Status = "REFUNDED"
	StatusCancelled         Status = "CANCELLED"
)

// RefundState is the recovery marker written around the refund call.
type RefundState string

const (
	RefundStateNone         RefundState = ""
	RefundStatePending      RefundState = "REFUND_PENDING"
	RefundStateDone         RefundState = "REFUND_DONE"
	RefundStateManualReview RefundState = "MANUAL_REVIEW"
)

// DeliveryStatus of a single broadcast message.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// Audit event names.
const (
	EventBookingCreated     = "BOOKING_CREATED"
	EventPaymentConfirmed   = "PAYMENT_CONFIRMED"
	EventPaymentAfterCancel = "PAYMENT_AFTER_CANCEL"
	EventBookingCancelled   = "BOOKING_CANCELLED"
	EventAcceptCodeIssued   = "ACCEPT_CODE_ISSUED"
	EventBroadcastSent      = "BROADCAST_SENT"
	EventBroadcastFailed    = "BROADCAST_FAILED"
	EventWaveEmpty          = "WAVE_NO_CANDIDATES"
	EventProviderAccepted   = "PROVIDER_ACCEPTED"
	EventProviderDeclined   = "PROVIDER_DECLINED"
	EventAcceptLost         = "ACCEPT_LOST"
	EventBookingUnfilled    = "BOOKING_UNFILLED"
	EventRefundPending      = "REFUND_PENDING"
	EventRefundIssued       = "REFUND_ISSUED"
	EventRefundFailed       = "REFUND_FAILED"
	EventManualReview       = "MANUAL_REVIEW"
	EventUnexpectedState    = "UNEXPECTED_STATE"
)

type Service struct {
	Name            string `json:"name" dynamodbav:"name"`
	DurationMinutes int    `json:"duration_minutes" dynamodbav:"duration_minutes"`
	PriceCents      int64  `json:"price_cents" dynamodbav:"price_cents"`
	PayoutCents     int64  `json:"payout_cents" dynamodbav:"payout_cents"`
}

type Customer struct {
	Name     string `json:"name" dynamodbav:"name"`
	Phone    string `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Email    string `json:"email,omitempty" dynamodbav:"email,omitempty"`
	Address  string `json:"address" dynamodbav:"address"`
	Postcode string `json:"postcode,omitempty" dynamodbav:"postcode,omitempty"`
}

// Booking is the central entity. It is never deleted; terminal bookings stay for audit.
type Booking struct {
	ID                 string      `json:"id"`
	Status             Status      `json:"status"`
	Area               string      `json:"area"`
	Service            Service     `json:"service"`
	TimeWindow         string      `json:"time_window"`
	Customer           Customer    `json:"customer"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	PaymentSessionID   string      `json:"payment_session_id,omitempty"`
	PaymentIntentID    string      `json:"payment_intent_id,omitempty"`
	AssignmentDeadline time.Time   `json:"assignment_deadline,omitempty"`
	AcceptCode         string      `json:"accept_code,omitempty"`
	AssignedProviderID string      `json:"assigned_provider_id,omitempty"`
	AssignedAt         *time.Time  `json:"assigned_at,omitempty"`
	RefundID           string      `json:"refund_id,omitempty"`
	RefundAmountCents  int64       `json:"refund_amount_cents,omitempty"`
	RefundState        RefundState `json:"refund_state,omitempty"`
	RefundAttemptedAt  *time.Time  `json:"refund_attempted_at,omitempty"`
	Note               string      `json:"note,omitempty"`
}

// DeadlinePassed reports whether the assignment window is closed at now.
func (b *Booking) DeadlinePassed(now time.Time) bool {
	return !b.AssignmentDeadline.IsZero() && !now.Before(b.AssignmentDeadline)
}

// Broadcast is one provider notification for a booking. At most one exists per
// (booking, provider); it is reserved before sending and finalised once with the outcome.
type Broadcast struct {
	BookingID      string         `dynamodbav:"booking_id"`
	ProviderID     string         `dynamodbav:"provider_id"`
	ProviderPhone  string         `dynamodbav:"provider_phone"`
	Wave           int            `dynamodbav:"wave"`
	SentAt         time.Time      `dynamodbav:"sent_at"`
	DeliveryStatus DeliveryStatus `dynamodbav:"delivery_status"`
	MessageID      string         `dynamodbav:"message_id,omitempty"`
	Error          string         `dynamodbav:"error,omitempty"`
}

// Event is an append-only audit entry. Never read for correctness.
type Event struct {
	BookingID string            `dynamodbav:"booking_id"`
	Name      string            `dynamodbav:"name"`
	At        time.Time         `dynamodbav:"at"`
	Detail    map[string]string `dynamodbav:"detail,omitempty"`
}
