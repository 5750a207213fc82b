package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/acceptance"
	"github.com/imrishuroy/go-booking-dispatch/internal/payments"
	"github.com/imrishuroy/go-booking-dispatch/internal/validation"
)

// maxWebhookBody bounds what is read from a payment provider webhook.
const maxWebhookBody = 64 << 10

// RegisterWebhookRoutes registers the payment and inbound message webhooks. Once the durable
// part of the work is done they answer 200 whatever the outcome, so upstream retries never
// duplicate side effects. A 5xx means nothing was decided and a retry is wanted.
func RegisterWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	confirm := func(c *gin.Context, conf payments.Confirmation) {
		res, err := cfg.Checkout.ConfirmPayment(c.Request.Context(), conf)
		if err != nil {
			cfg.Logger.Error("confirm payment", zap.String("booking_id", conf.BookingID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "confirm_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "booking_id": res.BookingID, "outcome": res.Outcome})
	}

	r.POST("/webhooks/payments", func(c *gin.Context) {
		var req validation.PaymentConfirmationRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		confirm(c, payments.Confirmation{
			BookingID:       req.BookingID,
			PaymentIntentID: req.PaymentIntentID,
			SessionID:       req.SessionID,
		})
	})

	r.POST("/webhooks/stripe", func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		conf, err := payments.ParseStripeWebhook(payload, c.GetHeader("Stripe-Signature"), cfg.StripeWebhookSecret)
		if err != nil {
			cfg.Logger.Warn("stripe webhook rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_webhook"})
			return
		}
		if conf == nil {
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		if conf.BookingID == "" && conf.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_booking_reference"})
			return
		}
		confirm(c, *conf)
	})

	r.POST("/webhooks/inbound", func(c *gin.Context) {
		var req validation.InboundMessageRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		res, err := cfg.Resolver.Handle(c.Request.Context(), acceptance.Inbound{
			From:    req.From,
			Text:    req.Text,
			Payload: req.Payload,
		})
		if err != nil {
			cfg.Logger.Error("inbound reply", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reply_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": res.Outcome, "booking_id": res.BookingID})
	})
}
