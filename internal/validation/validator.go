package validation

import (
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with the struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// payout is a share of the price the customer pays
	v.RegisterStructValidation(serviceStructValidation, ServiceRequest{})
	// a reply must carry something to interpret
	v.RegisterStructValidation(inboundStructValidation, InboundMessageRequest{})

	return v
}

func serviceStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ServiceRequest)
	if req.PayoutCents > req.PriceCents {
		sl.ReportError(req.PayoutCents, "payout_cents", "PayoutCents", "payout_within_price",
			fmt.Sprintf("payout %d > price %d", req.PayoutCents, req.PriceCents))
	}
}

func inboundStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(InboundMessageRequest)
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.Payload) == "" {
		sl.ReportError(req.Text, "text", "Text", "text_or_payload", "")
	}
}
