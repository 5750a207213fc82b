package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/acceptance"
	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
	"github.com/imrishuroy/go-booking-dispatch/internal/checkout"
	"github.com/imrishuroy/go-booking-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-booking-dispatch/internal/validation"
)

// HandlerConfig groups dependencies for the booking and webhook handlers.
type HandlerConfig struct {
	Checkout            *checkout.Service
	Bookings            *bookings.Store
	Idempotency         *idempotency.Store
	Resolver            *acceptance.Resolver
	StripeWebhookSecret string
	Logger              *zap.Logger
}

// bookingView is the public status of a booking. Customer and provider details stay private.
type bookingView struct {
	BookingID          string     `json:"booking_id"`
	Status             string     `json:"status"`
	Area               string     `json:"area"`
	Service            string     `json:"service"`
	TimeWindow         string     `json:"time_window"`
	AssignmentDeadline *time.Time `json:"assignment_deadline,omitempty"`
	Assigned           bool       `json:"assigned"`
	Refunded           bool       `json:"refunded"`
	// Final is set once the booking can no longer change status.
	Final bool `json:"final"`
}

func viewOf(b *bookings.Booking) bookingView {
	v := bookingView{
		BookingID:  b.ID,
		Status:     string(b.Status),
		Area:       b.Area,
		Service:    b.Service.Name,
		TimeWindow: b.TimeWindow,
		Assigned:   b.AssignedProviderID != "",
		Refunded:   b.RefundID != "",
		Final:      b.Status.Terminal(),
	}
	if !b.AssignmentDeadline.IsZero() {
		d := b.AssignmentDeadline.UTC()
		v.AssignmentDeadline = &d
	}
	return v
}

// requestHash fingerprints a bound request so a reused Idempotency-Key with a different
// body can be told apart from a retry.
func requestHash(req interface{}) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RegisterBookingRoutes registers routes for the booking API.
func RegisterBookingRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/bookings", func(c *gin.Context) {
		ctx := c.Request.Context()

		// Bind + validate request
		var req validation.CreateBookingRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Require idempotency key header
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}
		hash := requestHash(req)

		b, err := cfg.Checkout.Create(ctx, idempKey, hash, checkout.NewBooking{
			Area: req.Area,
			Service: bookings.Service{
				Name:            req.Service.Name,
				DurationMinutes: req.Service.DurationMinutes,
				PriceCents:      req.Service.PriceCents,
				PayoutCents:     req.Service.PayoutCents,
			},
			TimeWindow: req.TimeWindow,
			Customer: bookings.Customer{
				Name:     req.Customer.Name,
				Phone:    req.Customer.Phone,
				Email:    req.Customer.Email,
				Address:  req.Customer.Address,
				Postcode: req.Customer.Postcode,
			},
		})
		if errors.Is(err, checkout.ErrDuplicateRequest) {
			replay(c, cfg, idempKey, hash)
			return
		}
		if err != nil {
			cfg.Logger.Error("create booking", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}

		responseBody := createdBody(b.ID)
		markDone(c, cfg, idempKey, b.ID, responseBody)
		c.Header("Location", fmt.Sprintf("/bookings/%s", b.ID))
		c.Data(http.StatusCreated, "application/json", responseBody)
	})

	r.GET("/bookings/:id", func(c *gin.Context) {
		b, err := cfg.Bookings.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			cfg.Logger.Error("get booking", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		if b == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(b))
	})

	r.PUT("/bookings/:id/payment-session", func(c *gin.Context) {
		var req validation.AttachSessionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		id := c.Param("id")
		err := cfg.Checkout.AttachSession(c.Request.Context(), id, req.SessionID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"booking_id": id, "session_id": req.SessionID})
		case errors.Is(err, bookings.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found"})
		case errors.Is(err, checkout.ErrSessionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "session_already_attached"})
		case errors.Is(err, checkout.ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "booking_not_awaiting_payment"})
		default:
			cfg.Logger.Error("attach payment session", zap.String("booking_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attach_failed"})
		}
	})
}

// createdBody is the stored response of a successful create. A new booking is always
// PENDING_PAYMENT, so replays rebuild the same body from the id alone.
func createdBody(bookingID string) []byte {
	body, _ := json.Marshal(gin.H{"booking_id": bookingID, "status": bookings.StatusPendingPayment})
	return body
}

func markDone(c *gin.Context, cfg HandlerConfig, key, bookingID string, body []byte) {
	err := cfg.Idempotency.MarkDone(c.Request.Context(), key, string(body), http.StatusCreated)
	switch {
	case errors.Is(err, idempotency.ErrConditionFailed):
		cfg.Logger.Info("idempotency record expired before completion", zap.String("booking_id", bookingID))
	case err != nil:
		// a retry with the same key completes the record
		cfg.Logger.Warn("mark idempotency done", zap.String("booking_id", bookingID), zap.Error(err))
	}
}

// replay answers a request whose Idempotency-Key was already used. The record and the
// booking are written in one transaction, so a record still IN_PROGRESS means only
// MarkDone was lost: the response is rebuilt and the record completed.
func replay(c *gin.Context, cfg HandlerConfig, key, hash string) {
	rec, err := cfg.Idempotency.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if rec == nil {
		// Unexpected: transaction failed but no record found
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record"})
		return
	}
	if rec.RequestHash != "" && rec.RequestHash != hash {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"booking_id": rec.BookingID})
	case idempotency.StatusInProgress:
		if rec.BookingID == "" {
			c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
			return
		}
		body := createdBody(rec.BookingID)
		markDone(c, cfg, key, rec.BookingID, body)
		c.Header("Location", fmt.Sprintf("/bookings/%s", rec.BookingID))
		c.Data(http.StatusCreated, "application/json", body)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}
