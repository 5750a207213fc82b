package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is shared by the api, worker and sweeper binaries.
type Config struct {
	Env      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	RunLocal bool   `envconfig:"RUN_LOCAL" default:"false"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	BookingsTable    string        `envconfig:"BOOKINGS_TABLE" required:"true"`
	IdempotencyTable string        `envconfig:"IDEMPOTENCY_TABLE" default:"idempotency"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"48h"`

	// scheduled jobs are delivered to the worker through this queue
	JobsQueueARN     string `envconfig:"JOBS_QUEUE_ARN"`
	SchedulerRoleARN string `envconfig:"SCHEDULER_ROLE_ARN"`
	ScheduleGroup    string `envconfig:"SCHEDULE_GROUP" default:"default"`

	OutboundQueueURL string `envconfig:"OUTBOUND_QUEUE_URL" required:"true"`

	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"BookingDispatch"`
	OTLPEndpoint     string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Areas         []string          `envconfig:"AREAS"`
	NeighborAreas map[string]string `envconfig:"NEIGHBOR_AREAS"`

	PaymentGrace  time.Duration `envconfig:"PAYMENT_GRACE" default:"10m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PaymentGrace <= 0 {
		return errors.New("PAYMENT_GRACE must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	// scheduling is optional locally; the sweeper backstops it
	if !c.RunLocal && c.JobsQueueARN != "" && c.SchedulerRoleARN == "" {
		return errors.New("SCHEDULER_ROLE_ARN is required when JOBS_QUEUE_ARN is set")
	}
	for area, neighbor := range c.NeighborAreas {
		if area == neighbor {
			return fmt.Errorf("area %q cannot neighbor itself", area)
		}
	}
	return nil
}

// SchedulingEnabled reports whether one-shot jobs can be registered.
func (c Config) SchedulingEnabled() bool {
	return c.JobsQueueARN != "" && c.SchedulerRoleARN != ""
}
