package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/app"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, "booking-sweeper")
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer a.Close(ctx)

	s := NewSweeper(a.Enforcer, a.Checkout, a.Config.Areas, a.Logger)

	// RUN_LOCAL=true sweeps on a ticker until interrupted.
	if a.Config.RunLocal {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ticker := time.NewTicker(a.Config.SweepInterval)
		defer ticker.Stop()
		a.Logger.Info("sweeping locally", zap.Duration("interval", a.Config.SweepInterval), zap.Strings("areas", a.Config.Areas))
		for {
			if err := s.Run(ctx); err != nil {
				a.Logger.Error("sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) error {
		a.Logger.Info("sweep triggered", zap.String("event_id", ev.ID), zap.Time("at", ev.Time))
		return s.Run(ctx)
	})
}
