// Package notify delivers plain-text messages to providers and customers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Notifier sends text to a phone number and returns the delivery id.
type Notifier interface {
	Send(ctx context.Context, to string, msg Message) (string, error)
}

// Kind tags outbound messages so the delivery gateway can pick a template or button layout.
type Kind string

const (
	KindBroadcast    Kind = "broadcast"
	KindAssigned     Kind = "assigned"
	KindTaken        Kind = "taken"
	KindNotAvailable Kind = "not_available"
	KindWindowClosed Kind = "window_closed"
	KindDeclineAck   Kind = "decline_ack"
	KindAskCode      Kind = "ask_code"
	KindNoOffer      Kind = "no_offer"
	KindCustomer     Kind = "customer"
)

// Message is one outbound text.
type Message struct {
	Kind      Kind   `json:"kind"`
	BookingID string `json:"booking_id,omitempty"`
	Text      string `json:"text"`
	// AcceptCode lets the gateway render accept/decline buttons carrying the code.
	AcceptCode string `json:"accept_code,omitempty"`
}

var ErrInvalidRecipient = errors.New("invalid recipient")

type publisher interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) (string, error)
}

// SQSNotifier hands messages to the outbound gateway queue. The queue's message id is the
// delivery id recorded on broadcasts.
type SQSNotifier struct {
	pub    publisher
	logger *zap.Logger
}

func NewSQSNotifier(pub publisher, logger *zap.Logger) *SQSNotifier {
	return &SQSNotifier{pub: pub, logger: logger}
}

type envelope struct {
	To string `json:"to"`
	Message
}

func (n *SQSNotifier) Send(ctx context.Context, to string, msg Message) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrInvalidRecipient
	}
	body, err := json.Marshal(envelope{To: to, Message: msg})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	id, err := n.pub.Send(ctx, string(body), map[string]string{
		"kind":       string(msg.Kind),
		"booking_id": msg.BookingID,
	})
	if err != nil {
		return "", err
	}
	n.logger.Debug("message queued",
		zap.String("kind", string(msg.Kind)),
		zap.String("booking_id", msg.BookingID),
		zap.String("message_id", id))
	return id, nil
}
