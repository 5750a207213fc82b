// Package app wires configuration, AWS clients and the booking lifecycle components
// shared by the api, worker and sweeper binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/acceptance"
	"github.com/imrishuroy/go-booking-dispatch/internal/aws"
	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/checkout"
	"github.com/imrishuroy/go-booking-dispatch/internal/clock"
	"github.com/imrishuroy/go-booking-dispatch/internal/config"
	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-booking-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-booking-dispatch/internal/logger"
	"github.com/imrishuroy/go-booking-dispatch/internal/metrics"
	"github.com/imrishuroy/go-booking-dispatch/internal/notify"
	"github.com/imrishuroy/go-booking-dispatch/internal/obs"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/providers"
	"github.com/imrishuroy/go-booking-dispatch/internal/recovery"
	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
)

type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Clients     *aws.AWSClients
	Bookings    *bookings.Store
	Providers   *providers.Store
	Idempotency *idempotency.Store
	Engine      *dispatch.Engine
	Resolver    *acceptance.Resolver
	Enforcer    *recovery.Enforcer
	Checkout    *checkout.Service

	shutdownTracer func(context.Context) error
}

// New loads configuration from the environment and builds every component.
func New(ctx context.Context, service string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", service), zap.String("env", cfg.Env))

	shutdown, err := obs.InitTracer(ctx, service, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}

	pay, err := paymentProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	var rec metrics.Recorder = metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, log)
	if cfg.RunLocal {
		rec = metrics.Nop{}
	}

	var sched scheduler.Scheduler = scheduler.Nop{Logger: log}
	if cfg.SchedulingEnabled() {
		sched = scheduler.NewEventBridge(clients.Scheduler, cfg.ScheduleGroup, cfg.JobsQueueARN, cfg.SchedulerRoleARN, log)
	}

	notifier := notify.NewSQSNotifier(aws.NewPublisher(clients.SQS, cfg.OutboundQueueURL), log)
	clk := clock.SystemClock{}

	bookingStore := bookings.NewStore(clients.DynamoDB, cfg.BookingsTable)
	providerStore := providers.NewStore(clients.DynamoDB, cfg.BookingsTable)
	idemStore := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)

	engine := dispatch.NewEngine(bookingStore, providerStore, notifier, rec, cfg.NeighborAreas, clk, log)
	co := checkout.NewService(bookingStore, idemStore, engine, sched, rec, clk, log)
	co.PaymentGrace = cfg.PaymentGrace

	return &App{
		Config:         cfg,
		Logger:         log,
		Clients:        clients,
		Bookings:       bookingStore,
		Providers:      providerStore,
		Idempotency:    idemStore,
		Engine:         engine,
		Resolver:       acceptance.NewResolver(bookingStore, providerStore, notifier, sched, rec, clk, log),
		Enforcer:       recovery.NewEnforcer(bookingStore, pay, notifier, sched, rec, clk, log),
		Checkout:       co,
		shutdownTracer: shutdown,
	}, nil
}

func paymentProvider(cfg config.Config, log *zap.Logger) (payments.Provider, error) {
	if cfg.StripeSecretKey != "" {
		return payments.NewStripe(cfg.StripeSecretKey, nil, log), nil
	}
	if cfg.RunLocal {
		log.Warn("STRIPE_SECRET_KEY not set, refunds go to an in-memory fake")
		return payments.NewFake(), nil
	}
	return nil, errors.New("STRIPE_SECRET_KEY is required")
}

// Close flushes traces and logs.
func (a *App) Close(ctx context.Context) {
	if err := a.shutdownTracer(ctx); err != nil {
		a.Logger.Warn("tracer shutdown", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
