package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/app"
	"github.com/imrishuroy/go-booking-dispatch/internal/handlers"
)

func setupRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(a.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	cfg := handlers.HandlerConfig{
		Checkout:            a.Checkout,
		Bookings:            a.Bookings,
		Idempotency:         a.Idempotency,
		Resolver:            a.Resolver,
		StripeWebhookSecret: a.Config.StripeWebhookSecret,
		Logger:              a.Logger,
	}
	handlers.RegisterBookingRoutes(r, cfg)
	handlers.RegisterWebhookRoutes(r, cfg)

	return r
}

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, "booking-api")
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer a.Close(ctx)

	r := setupRouter(a)

	// RUN_LOCAL=true runs a plain HTTP server for development.
	if a.Config.RunLocal {
		a.Logger.Info("running local server", zap.String("addr", a.Config.HTTPAddr))
		if err := r.Run(a.Config.HTTPAddr); err != nil {
			a.Logger.Fatal("local server stopped", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
