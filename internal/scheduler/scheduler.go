// Package scheduler creates and cancels one-shot jobs that fire at a given time.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Action names the work a fired job performs.
type Action string

const (
	ActionDispatchWave    Action = "dispatch_wave"
	ActionEnforceDeadline Action = "enforce_deadline"
)

// Job is the payload delivered to the worker queue when a schedule fires.
type Job struct {
	Action    Action `json:"action"`
	BookingID string `json:"booking_id"`
	Wave      int    `json:"wave,omitempty"`
}

func (j Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(b), nil
}

// DecodeJob parses a job message body.
func DecodeJob(body string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if j.BookingID == "" {
		return Job{}, fmt.Errorf("job missing booking_id")
	}
	switch j.Action {
	case ActionEnforceDeadline:
	case ActionDispatchWave:
		if j.Wave < 1 || j.Wave > 3 {
			return Job{}, fmt.Errorf("job has invalid wave %d", j.Wave)
		}
	default:
		return Job{}, fmt.Errorf("unknown job action %q", j.Action)
	}
	return j, nil
}

// Scheduler is the deadline scheduler contract. Schedule is a conditional create: an
// existing schedule with the same name counts as success. Cancel of a missing schedule
// also succeeds.
type Scheduler interface {
	Schedule(ctx context.Context, name string, at time.Time, job Job) error
	Cancel(ctx context.Context, name string) error
}

func DeadlineName(bookingID string) string { return "deadline-" + bookingID }

func WaveName(bookingID string, wave int) string {
	return fmt.Sprintf("wave%d-%s", wave, bookingID)
}

// Names lists every schedule a booking can own.
func Names(bookingID string) []string {
	return []string{DeadlineName(bookingID), WaveName(bookingID, 2), WaveName(bookingID, 3)}
}
