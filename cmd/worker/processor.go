package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/scheduler"
)

// Processor executes scheduled jobs delivered through the jobs queue.
type Processor struct {
	waves    waveRunner
	enforcer deadlineEnforcer
	logger   *zap.Logger
}

func NewProcessor(waves waveRunner, enforcer deadlineEnforcer, logger *zap.Logger) *Processor {
	return &Processor{waves: waves, enforcer: enforcer, logger: logger}
}

// Handle processes an SQS batch. Messages that failed on a transient error are reported
// back as batch item failures so only they are redelivered; malformed messages are
// dropped since a retry cannot fix them.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("job failed, will retry", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	job, err := scheduler.DecodeJob(rec.Body)
	if err != nil {
		p.logger.Warn("dropping malformed job", zap.String("message_id", rec.MessageId), zap.Error(err))
		return nil
	}
	log := p.logger.With(zap.String("booking_id", job.BookingID), zap.String("action", string(job.Action)))

	switch job.Action {
	case scheduler.ActionDispatchWave:
		res, err := p.waves.RunWave(ctx, job.BookingID, job.Wave)
		if err != nil {
			return fmt.Errorf("wave %d for booking=%s: %w", job.Wave, job.BookingID, err)
		}
		log.Info("wave ran", zap.Int("wave", job.Wave), zap.String("outcome", string(res.Outcome)), zap.Int("sent", res.Sent))
	case scheduler.ActionEnforceDeadline:
		res, err := p.enforcer.EnforceDeadline(ctx, job.BookingID)
		if err != nil {
			return fmt.Errorf("deadline for booking=%s: %w", job.BookingID, err)
		}
		log.Info("deadline enforced", zap.String("outcome", string(res.Outcome)))
	}
	return nil
}
