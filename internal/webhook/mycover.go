package webhook

import (
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/nested"
)

const MyCoverPurchaseSuccessful = "purchase.successful"

const (
	mcaMetaPath   = "data.meta.policy.meta.mca_payload.meta"
	policyPath    = "data.meta.policy"
	policyPayload = "data.meta.policy.meta.payload"
)

// ParseMyCover normalizes a MyCover purchase notification. Only successful
// purchases are actionable, and those must carry the enrollment id we sent in
// the purchase metadata.
func ParseMyCover(body []byte) (*PolicyPurchaseEvent, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	ev := &PolicyPurchaseEvent{
		EventType: nested.Get(doc, "event", "", nested.String),
		Status:    nested.Get(doc, "data.status", "", nested.String),
		PolicyID:  nested.Get(doc, "data.id", "", nested.String),
		Reference: nested.Get(doc, "data.reference", "", nested.String),
		Raw:       string(body),
	}
	ev.Actionable = ev.EventType == MyCoverPurchaseSuccessful && ev.Status == "successful"
	if !ev.Actionable {
		return ev, nil
	}

	ev.EnrollmentID = nested.Get(doc, mcaMetaPath+".enrollment_id|enrollmentId", "", nested.String)
	if ev.EnrollmentID == "" {
		return nil, apperr.MalformedPayload("mycover event has no enrollment_id", nil)
	}
	if ev.LedgerReference() == "" {
		return nil, apperr.MalformedPayload("mycover event has no id or reference", nil)
	}

	ev.UserID = nested.Get(doc, mcaMetaPath+".user_id|userId", "", nested.String)
	ev.PlanID = nested.Get(doc, policyPayload+".planId|plan_id", "", nested.String)
	ev.ProviderID = nested.Get(doc, policyPath+".provider_id", "", nested.String)
	ev.Amount = nested.Get(doc, "data.amount", ev.Amount, nested.Decimal)

	start, ok := nested.Find(doc, policyPath+".start_date", nested.Time)
	ev.StartDate = timePtr(start, ok)
	activation, ok := nested.Find(doc, policyPath+".activation_date", nested.Time)
	ev.ActivationDate = timePtr(activation, ok)
	renewal, ok := nested.Find(doc, policyPath+".renewal_date", nested.Time)
	ev.RenewalDate = timePtr(renewal, ok)
	expiry, ok := nested.Find(doc, "data.policy_expiry_date|expiration_date", nested.Time)
	ev.ExpirationDate = timePtr(expiry, ok)

	ev.OccurredAt = nested.Get(doc, "data.created_at|updated_at", time.Now().UTC(), nested.Time)
	return ev, nil
}
