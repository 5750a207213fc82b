package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/app"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, "booking-worker")
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer a.Close(ctx)

	p := NewProcessor(a.Engine, a.Enforcer, a.Logger)

	// If RUN_LOCAL=true, run a single job from LOCAL_SQS_BODY and exit.
	if a.Config.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			a.Logger.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		}
		resp, err := p.Handle(ctx, event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			a.Logger.Fatal("local job failed", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
		}
		return
	}

	lambda.Start(p.Handle)
}
