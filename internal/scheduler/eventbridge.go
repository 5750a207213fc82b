package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sch "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"go.uber.org/zap"

	awsclient "github.com/imrishuroy/go-booking-dispatch/internal/aws"
)

// minLead keeps one-shot schedules in the future; an at() expression in the past never fires.
const minLead = 30 * time.Second

// EventBridge schedules jobs with EventBridge Scheduler, targeting the worker's SQS queue.
type EventBridge struct {
	client   awsclient.SchedulerAPI
	group    string
	queueARN string
	roleARN  string
	logger   *zap.Logger
	nowFunc  func() time.Time
}

func NewEventBridge(client awsclient.SchedulerAPI, group, queueARN, roleARN string, logger *zap.Logger) *EventBridge {
	return &EventBridge{
		client:   client,
		group:    group,
		queueARN: queueARN,
		roleARN:  roleARN,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

func (e *EventBridge) Schedule(ctx context.Context, name string, at time.Time, job Job) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if earliest := e.nowFunc().Add(minLead); at.Before(earliest) {
		at = earliest
	}
	input := &sch.CreateScheduleInput{
		Name:                       aws.String(name),
		ScheduleExpression:         aws.String("at(" + at.UTC().Format("2006-01-02T15:04:05") + ")"),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
		Target: &types.Target{
			Arn:     aws.String(e.queueARN),
			RoleArn: aws.String(e.roleARN),
			Input:   aws.String(body),
		},
	}
	if e.group != "" {
		input.GroupName = aws.String(e.group)
	}
	if _, err := e.client.CreateSchedule(ctx, input); err != nil {
		var conflict *types.ConflictException
		if errors.As(err, &conflict) {
			e.logger.Debug("schedule already exists", zap.String("schedule", name))
			return nil
		}
		return fmt.Errorf("create schedule %s: %w", name, err)
	}
	return nil
}

func (e *EventBridge) Cancel(ctx context.Context, name string) error {
	input := &sch.DeleteScheduleInput{Name: aws.String(name)}
	if e.group != "" {
		input.GroupName = aws.String(e.group)
	}
	if _, err := e.client.DeleteSchedule(ctx, input); err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	return nil
}

// Nop logs instead of scheduling. Used when no target queue is configured; the sweeper
// then drives deadlines on its own.
type Nop struct {
	Logger *zap.Logger
}

func (n Nop) Schedule(ctx context.Context, name string, at time.Time, job Job) error {
	n.Logger.Info("scheduling disabled, relying on sweeper",
		zap.String("schedule", name), zap.Time("at", at), zap.String("action", string(job.Action)))
	return nil
}

func (n Nop) Cancel(ctx context.Context, name string) error { return nil }
