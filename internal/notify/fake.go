package notify

import (
	"context"
	"fmt"
	"sync"
)

// Sent is one message captured by Fake.
type Sent struct {
	To  string
	Msg Message
}

// Fake records messages in memory. Numbers in Fail are rejected.
type Fake struct {
	mu   sync.Mutex
	sent []Sent
	Fail map[string]error
}

func NewFake() *Fake {
	return &Fake{Fail: map[string]error{}}
}

func (f *Fake) Send(ctx context.Context, to string, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[to]; ok {
		return "", err
	}
	if to == "" {
		return "", ErrInvalidRecipient
	}
	f.sent = append(f.sent, Sent{To: to, Msg: msg})
	return fmt.Sprintf("fake-%d", len(f.sent)), nil
}

// Sent returns a copy of everything delivered so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// To returns the messages delivered to one number.
func (f *Fake) To(to string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, s := range f.sent {
		if s.To == to {
			out = append(out, s.Msg)
		}
	}
	return out
}

// FailFor makes sends to number return err.
func (f *Fake) FailFor(to string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail[to] = err
}
