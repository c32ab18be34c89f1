package webhook

import (
	"strings"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/models"
	"enrollment-service/internal/nested"
)

const (
	PaystackChargeSuccess = "charge.success"
	PaystackChargeFailed  = "charge.failed"
)

// ParsePaystack normalizes a verified Paystack body. Amounts arrive in kobo.
// Metadata may be an object or a JSON-encoded string. The outcome follows
// data.status, so a charge.success still in flight is not final.
func ParsePaystack(body []byte) (*ChargeEvent, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	ev := &ChargeEvent{
		Provider:  models.ProviderPaystack,
		EventType: nested.Get(doc, "event", "", nested.String),
		EventID:   nested.Get(doc, "data.id", "", nested.String),
	}
	switch ev.EventType {
	case PaystackChargeSuccess:
		ev.ProviderStatus = strings.ToLower(nested.Get(doc, "data.status", "success", nested.String))
	case PaystackChargeFailed:
		ev.ProviderStatus = "failed"
	default:
		return ev, nil
	}
	ev.Actionable = true
	ev.Final, ev.Success = classifyStatus(ev.ProviderStatus)

	ev.Reference = nested.Get(doc, "data.reference", "", nested.String)
	if ev.Reference == "" {
		return nil, apperr.MalformedPayload("paystack event has no reference", nil)
	}

	kobo, ok := nested.Find(doc, "data.amount", nested.Decimal)
	if !ok {
		return nil, apperr.MalformedPayload("paystack event has no amount", nil)
	}
	ev.Amount = kobo.Shift(-2)

	ev.EnrollmentID = nested.Get(doc, "data.metadata.enrollment_id|enrollmentId", "", nested.String)
	ev.UserID = nested.Get(doc, "data.metadata.user_id|userId", "", nested.String)
	ev.Email = nested.Get(doc, "data.customer.email", "", nested.String)
	ev.Currency = nested.Get(doc, "data.currency", "NGN", nested.String)
	ev.Channel = nested.Get(doc, "data.channel", "", nested.String)
	if ev.Final && !ev.Success {
		ev.Message = nested.Get(doc, "data.gateway_response|message", "payment failed", nested.String)
	}

	authorization, ok := nested.Lookup(doc, "data.authorization")
	ev.Authorization = rawJSON(authorization, ok)
	metadata, ok := nested.Lookup(doc, "data.metadata")
	ev.Metadata = rawJSON(metadata, ok)

	paidAt, ok := nested.Find(doc, "data.paid_at|paidAt", nested.Time)
	ev.PaidAt = timePtr(paidAt, ok)
	ev.OccurredAt = nested.Get(doc, "data.paid_at|paidAt|created_at|createdAt", time.Now().UTC(), nested.Time)

	return ev, nil
}
