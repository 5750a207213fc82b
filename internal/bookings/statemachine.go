package bookings

import (
	"errors"
	"fmt"
)

// Trigger names the cause of a status transition.
type Trigger string

const (
	TriggerPaymentConfirmed Trigger = "PAYMENT_CONFIRMED"
	TriggerProviderAccepted Trigger = "PROVIDER_ACCEPTED"
	TriggerDeadlineExpired  Trigger = "DEADLINE_EXPIRED"
	TriggerRefundIssued     Trigger = "REFUND_ISSUED"
	TriggerPaymentTimeout   Trigger = "PAYMENT_TIMEOUT"
)

// Transition is one row of the booking state machine. The guard flags are compiled
// into a single conditional write by the store.
type Transition struct {
	Trigger Trigger
	From    Status
	To      Status

	// RequireUnassigned: assigned_provider_id must be absent.
	RequireUnassigned bool
	// RequireOpenDeadline: assignment deadline must be later than the write time.
	RequireOpenDeadline bool
	// AllowRefundMarker: also matches when refund_state is REFUND_PENDING.
	AllowRefundMarker bool
	// RequireNoRefund: refund_id must be absent.
	RequireNoRefund bool

	Event string
}

var transitionTable = []Transition{
	{
		Trigger: TriggerPaymentConfirmed,
		From:    StatusPendingPayment,
		To:      StatusPendingAssignment,
		Event:   EventPaymentConfirmed,
	},
	{
		Trigger:             TriggerProviderAccepted,
		From:                StatusPendingAssignment,
		To:                  StatusAssigned,
		RequireUnassigned:   true,
		RequireOpenDeadline: true,
		Event:               EventProviderAccepted,
	},
	{
		Trigger:           TriggerDeadlineExpired,
		From:              StatusPendingAssignment,
		To:                StatusUnfilled,
		RequireUnassigned: true,
		Event:             EventBookingUnfilled,
	},
	{
		Trigger:           TriggerRefundIssued,
		From:              StatusUnfilled,
		To:                StatusRefunded,
		AllowRefundMarker: true,
		RequireNoRefund:   true,
		Event:             EventRefundIssued,
	},
	{
		Trigger: TriggerPaymentTimeout,
		From:    StatusPendingPayment,
		To:      StatusCancelled,
		Event:   EventBookingCancelled,
	},
}

var ErrUnknownTrigger = errors.New("unknown transition trigger")

// TransitionFor returns the table row for trigger.
func TransitionFor(trigger Trigger) (Transition, error) {
	for _, t := range transitionTable {
		if t.Trigger == trigger {
			return t, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: %s", ErrUnknownTrigger, trigger)
}

// Terminal statuses have no outgoing transitions.
func (s Status) Terminal() bool {
	for _, t := range transitionTable {
		if t.From == s {
			return false
		}
	}
	return s.Valid()
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPendingAssignment, StatusAssigned,
		StatusUnfilled, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// validate checks the patch carries the fields the target state depends on.
func (t Transition) validate(p Patch) error {
	switch t.Trigger {
	case TriggerPaymentConfirmed:
		if p.AssignmentDeadline.IsZero() {
			return errors.New("assignment deadline required")
		}
	case TriggerProviderAccepted:
		if p.AssignedProviderID == "" {
			return errors.New("assigned provider required")
		}
	case TriggerRefundIssued:
		if p.RefundID == "" {
			return errors.New("refund id required")
		}
	}
	return nil
}
