package main

import (
	"context"

	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/recovery"
)

// waveRunner runs a scheduled dispatch wave.
type waveRunner interface {
	RunWave(ctx context.Context, bookingID string, wave int) (dispatch.Result, error)
}

// deadlineEnforcer settles a booking whose assignment window closed.
type deadlineEnforcer interface {
	EnforceDeadline(ctx context.Context, bookingID string) (recovery.Result, error)
}
