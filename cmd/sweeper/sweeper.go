package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/recovery"
)

type deadlineSweeper interface {
	SweepDeadlines(ctx context.Context, areas []string) (recovery.SweepResult, error)
	SweepStuckRefunds(ctx context.Context, areas []string) (recovery.SweepResult, error)
}

type unpaidExpirer interface {
	ExpireUnpaid(ctx context.Context, areas []string) (int, error)
}

// Sweeper is the safety net behind the per-booking schedules: it settles overdue
// bookings whose deadline job was lost, cancels abandoned checkouts and retries
// refunds that failed.
type Sweeper struct {
	recovery deadlineSweeper
	checkout unpaidExpirer
	areas    []string
	logger   *zap.Logger
}

func NewSweeper(rec deadlineSweeper, co unpaidExpirer, areas []string, logger *zap.Logger) *Sweeper {
	return &Sweeper{recovery: rec, checkout: co, areas: areas, logger: logger}
}

// Run performs one pass. Every step runs even when an earlier one fails.
func (s *Sweeper) Run(ctx context.Context) error {
	var errs []error

	deadlines, err := s.recovery.SweepDeadlines(ctx, s.areas)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep deadlines: %w", err))
	}
	s.logger.Info("deadline sweep",
		zap.Int("scanned", deadlines.Scanned),
		zap.Int("skipped", deadlines.Skipped),
		zap.Any("enforced", deadlines.Enforced))

	expired, err := s.checkout.ExpireUnpaid(ctx, s.areas)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire unpaid: %w", err))
	}
	s.logger.Info("unpaid sweep", zap.Int("cancelled", expired))

	refunds, err := s.recovery.SweepStuckRefunds(ctx, s.areas)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep refunds: %w", err))
	}
	s.logger.Info("refund sweep",
		zap.Int("scanned", refunds.Scanned),
		zap.Int("skipped", refunds.Skipped),
		zap.Int("parked", refunds.Parked),
		zap.Any("enforced", refunds.Enforced))

	return errors.Join(errs...)
}
