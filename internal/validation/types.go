package validation

// ServiceRequest describes the booked service. Amounts are in cents.
type ServiceRequest struct {
	Name            string `json:"name" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
	PriceCents      int64  `json:"price_cents" validate:"required,gt=0"`
	PayoutCents     int64  `json:"payout_cents" validate:"required,gt=0"` // must not exceed price
}

type CustomerRequest struct {
	Name     string `json:"name" validate:"required"`
	Phone    string `json:"phone" validate:"required,e164"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Address  string `json:"address" validate:"required"`
	Postcode string `json:"postcode,omitempty"`
}

// CreateBookingRequest is the payload for POST /bookings
type CreateBookingRequest struct {
	Area       string          `json:"area" validate:"required"`
	Service    ServiceRequest  `json:"service"`
	TimeWindow string          `json:"time_window" validate:"required"`
	Customer   CustomerRequest `json:"customer"`
}

// AttachSessionRequest is the payload for PUT /bookings/:id/payment-session
type AttachSessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// PaymentConfirmationRequest is the provider-neutral payment webhook payload.
type PaymentConfirmationRequest struct {
	BookingID       string `json:"booking_id" validate:"required_without=SessionID"`
	PaymentIntentID string `json:"payment_intent_id"`
	SessionID       string `json:"session_id"`
}

// InboundMessageRequest is one provider reply relayed by the messaging gateway.
type InboundMessageRequest struct {
	From    string `json:"from" validate:"required,e164"`
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"` // button payload, e.g. "accept:K7Q2M"
}
