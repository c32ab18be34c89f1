package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/commission"
	"enrollment-service/internal/ledger"
	"enrollment-service/internal/lifecycle"
	"enrollment-service/internal/models"
	"enrollment-service/internal/mycover"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"
	"enrollment-service/internal/webhook"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const processedKeyTTL = 24 * time.Hour

// IdempotencyCache remembers processed references ahead of the database.
type IdempotencyCache interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
}

// ChargeResult is the outcome of a Paystack or Etegram notification
type ChargeResult struct {
	Ignored       bool        `json:"-"`
	Duplicate     bool        `json:"duplicate"`
	PaymentID     string      `json:"paymentId,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	Status        string      `json:"status"`
	Reference     string      `json:"reference"`
	EnrollmentID  string      `json:"enrollmentId,omitempty"`
	Sync          *SyncResult `json:"sync,omitempty"`
}

// PolicyPurchaseResult is the outcome of a MyCover notification
type PolicyPurchaseResult struct {
	Ignored      bool   `json:"-"`
	Duplicate    bool   `json:"duplicate"`
	HealthPlanID string `json:"healthPlanId,omitempty"`
	Action       string `json:"action,omitempty"`
}

// Health plan actions reported for MyCover notifications
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// WebhookService applies provider notifications to the ledger and enrollments
type WebhookService struct {
	store     *store.Store
	syncer    PolicySyncer
	publisher broker.Publisher
	calc      commission.Calculator
	cache     IdempotencyCache
	audit     *auditlog.Logger
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook service. cache may be nil.
func NewWebhookService(
	store *store.Store,
	syncer PolicySyncer,
	publisher broker.Publisher,
	calc commission.Calculator,
	cache IdempotencyCache,
	audit *auditlog.Logger,
) *WebhookService {
	return &WebhookService{
		store:     store,
		syncer:    syncer,
		publisher: publisher,
		calc:      calc,
		cache:     cache,
		audit:     audit,
		logger:    util.Named("webhooks"),
	}
}

// ProcessCharge records a charge notification exactly once per reference.
//
// The ledger row, the enrollment transition and the commission transaction
// commit together. The policy sync runs after commit and cannot undo the
// payment; its outcome is reported in the result.
func (s *WebhookService) ProcessCharge(ctx context.Context, ev *webhook.ChargeEvent) (*ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.ProcessCharge",
		attribute.String("provider", ev.Provider), attribute.String("reference", ev.Reference))
	defer span.End()

	result := &ChargeResult{Reference: ev.Reference, EnrollmentID: ev.EnrollmentID}
	if !ev.Actionable {
		result.Ignored = true
		return result, nil
	}

	logger := util.LoggerFromContext(ctx, s.logger).With(
		zap.String("provider", ev.Provider),
		zap.String("reference", ev.Reference))

	if dup := s.seen(ctx, ev.Provider, ev.Reference); dup != nil {
		logger.Info("Duplicate charge notification", zap.String("payment_id", dup.ID))
		return duplicateCharge(result, dup), nil
	}

	var (
		payment     *models.Payment
		created     bool
		enrollment  *models.Enrollment
		transaction *models.Transaction
	)

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		pending, err := q.FindPendingPaymentByReference(ctx, ev.Reference)
		if err != nil {
			return err
		}
		if pending == nil && ev.Provider == models.ProviderEtegram {
			return apperr.NotFound("no pending payment for reference " + ev.Reference)
		}

		enrollmentID := ev.EnrollmentID
		if enrollmentID == "" && pending != nil {
			enrollmentID = pending.EnrollmentID
		}
		if enrollmentID == "" {
			return apperr.NotFound("no enrollment for reference " + ev.Reference)
		}
		result.EnrollmentID = enrollmentID

		if !ev.Final {
			result.Status = ledger.NormalizeStatus(ev.ProviderStatus)
			return nil
		}

		enrollment, err = q.GetEnrollmentForUpdate(ctx, enrollmentID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("enrollment not found")
		}
		if err != nil {
			return err
		}

		entry := ledger.Entry{
			Reference:      ev.Reference,
			EnrollmentID:   enrollment.ID,
			UserID:         firstNonEmpty(ev.UserID, pendingUserID(pending), enrollment.UserID),
			Provider:       ev.Provider,
			Amount:         ev.Amount,
			Currency:       ev.Currency,
			ProviderStatus: ev.ProviderStatus,
			Channel:        ev.Channel,
			Authorization:  ev.Authorization,
			Metadata:       ev.Metadata,
			PaidAt:         ev.PaidAt,
			OccurredAt:     ev.OccurredAt,
		}
		if entry.Amount.IsZero() && pending != nil {
			entry.Amount = pending.Amount
		}

		payment, created, err = ledger.Record(ctx, q, entry)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		at := ev.OccurredAt
		if ev.PaidAt != nil {
			at = *ev.PaidAt
		}
		change := lifecycle.ApplyPaymentOutcome(enrollment, lifecycle.Outcome{
			Flow:      lifecycle.FlowCharge,
			Success:   ev.Success,
			Reference: ev.Reference,
			At:        at,
			Error:     ev.Message,
		})
		if change != lifecycle.Unchanged {
			if err := q.UpdateEnrollmentLifecycle(ctx, enrollment); err != nil {
				return err
			}
		}

		if payment.Status == models.LedgerStatusCompleted {
			transaction = lifecycle.NewTransaction(payment, enrollment, s.calc)
			if _, err := q.CreateTransaction(ctx, transaction); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "webhook.charge", ev.Provider, ev.Reference, err)
	}

	if !ev.Final {
		logger.Info("Non-final charge status acknowledged", zap.String("status", ev.ProviderStatus))
		return result, nil
	}

	if !created {
		logger.Info("Duplicate charge notification", zap.String("payment_id", payment.ID))
		return duplicateCharge(result, payment), nil
	}

	result.PaymentID = payment.ID
	result.Status = payment.Status
	if transaction != nil {
		result.TransactionID = transaction.ID
		util.CommissionAmountTotal.Add(transaction.Commission.InexactFloat64())
	}
	s.remember(ctx, ev.Provider, ev.Reference, payment.ID)
	s.publishCharge(ctx, logger, ev, payment)

	logger.Info("Charge recorded",
		zap.String("payment_id", payment.ID),
		zap.String("enrollment_id", enrollment.ID),
		zap.String("status", payment.Status),
		zap.String("enrollment_status", enrollment.Status))
	s.audit.Info(ctx, "webhook.charge", "payment recorded", auditlog.Fields{
		"provider":      ev.Provider,
		"reference":     ev.Reference,
		"payment_id":    payment.ID,
		"enrollment_id": enrollment.ID,
		"status":        payment.Status,
	})

	if ev.Success && payment.Status == models.LedgerStatusCompleted {
		sync := s.syncer.RequestSync(ctx, enrollment.ID, ev.Reference)
		result.Sync = &sync
		if sync.Status == SyncStatusFailed {
			logger.Warn("Payment recorded but policy sync failed", zap.String("error", sync.Error))
		}
	}

	return result, nil
}

// ProcessPolicyPurchase activates the health plan confirmed by the insurer.
// Redelivery is safe: the ledger entry is created once and the plan upsert is
// repeatable.
func (s *WebhookService) ProcessPolicyPurchase(ctx context.Context, ev *webhook.PolicyPurchaseEvent) (*PolicyPurchaseResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.ProcessPolicyPurchase",
		attribute.String("policy_id", ev.PolicyID))
	defer span.End()

	if !ev.Actionable {
		return &PolicyPurchaseResult{Ignored: true}, nil
	}

	reference := ev.LedgerReference()
	logger := util.LoggerFromContext(ctx, s.logger).With(
		zap.String("provider", models.ProviderMyCover),
		zap.String("reference", reference),
		zap.String("enrollment_id", ev.EnrollmentID))

	result := &PolicyPurchaseResult{}
	var (
		hp          *models.HealthPlan
		payment     *models.Payment
		created     bool
		alreadyPaid bool
		transaction *models.Transaction
	)

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		e, err := q.GetEnrollmentForUpdate(ctx, ev.EnrollmentID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.MalformedPayload("policy references unknown enrollment "+ev.EnrollmentID, err)
		}
		if err != nil {
			return err
		}

		amount := ev.Amount
		if amount.IsZero() {
			amount = e.Amount
		}
		occurred := ev.OccurredAt
		payment, created, err = ledger.Record(ctx, q, ledger.Entry{
			Reference:      reference,
			EnrollmentID:   e.ID,
			UserID:         firstNonEmpty(ev.UserID, e.UserID),
			Provider:       models.ProviderMyCover,
			Amount:         amount,
			ProviderStatus: ev.Status,
			Metadata:       ev.Raw,
			PaidAt:         &occurred,
			OccurredAt:     occurred,
		})
		if err != nil {
			return err
		}

		// A plan bought after a Paystack/Etegram charge already carries
		// that charge's commission.
		alreadyPaid = e.PaymentStatus == models.PaymentStatusPaid

		hp = policyHealthPlan(ev, e)
		planCreated, err := q.UpsertActiveHealthPlan(ctx, hp)
		if err != nil {
			return err
		}
		result.Action = ActionUpdated
		if planCreated {
			result.Action = ActionCreated
		}

		lifecycle.ApplyPaymentOutcome(e, lifecycle.Outcome{
			Flow:      lifecycle.FlowPolicyPurchase,
			Success:   true,
			Reference: reference,
			At:        occurred,
		})
		lifecycle.MarkPolicySynced(e, ev.PolicyID)
		if err := q.UpdateEnrollmentLifecycle(ctx, e); err != nil {
			return err
		}

		if created && !alreadyPaid && payment.Status == models.LedgerStatusCompleted {
			transaction = lifecycle.NewTransaction(payment, e, s.calc)
			if _, err := q.CreateTransaction(ctx, transaction); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "webhook.mycover", models.ProviderMyCover, reference, err)
	}

	result.HealthPlanID = hp.ID
	result.Duplicate = !created
	if transaction != nil {
		util.CommissionAmountTotal.Add(transaction.Commission.InexactFloat64())
	}

	if created {
		recorded := &models.PaymentRecordedEvent{
			BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypePaymentRecorded),
			PaymentID:    payment.ID,
			EnrollmentID: ev.EnrollmentID,
			Reference:    reference,
			Provider:     models.ProviderMyCover,
			Status:       payment.Status,
			Amount:       payment.Amount,
		}
		if err := s.publisher.PublishPaymentRecorded(ctx, recorded); err != nil {
			logger.Error("Failed to publish PaymentRecorded event", zap.Error(err))
		}
	}
	activated := &models.HealthPlanActivatedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypeHealthPlanActivated),
		EnrollmentID: ev.EnrollmentID,
		HealthPlanID: hp.ID,
		ReferenceID:  ev.PolicyID,
		Provider:     hp.Provider,
	}
	if err := s.publisher.PublishHealthPlanActivated(ctx, activated); err != nil {
		logger.Error("Failed to publish HealthPlanActivated event", zap.Error(err))
	}

	logger.Info("Policy purchase applied",
		zap.String("health_plan_id", hp.ID),
		zap.String("action", result.Action),
		zap.Bool("duplicate", result.Duplicate))
	s.audit.Info(ctx, "webhook.mycover", "policy purchase applied", auditlog.Fields{
		"enrollment_id":  ev.EnrollmentID,
		"health_plan_id": hp.ID,
		"action":         result.Action,
		"policy_id":      ev.PolicyID,
	})

	return result, nil
}

// Delivery describes an inbound notification for the webhook audit trail.
type Delivery struct {
	Provider       string
	EventKey       string
	EventType      string
	Reference      string
	Payload        []byte
	SignatureValid bool
}

// TrackDelivery stores the raw notification. It reports whether the same
// delivery was seen before. Failures are logged and never block processing.
func (s *WebhookService) TrackDelivery(ctx context.Context, d Delivery) bool {
	ev := &models.WebhookEvent{
		ID:             uuid.NewString(),
		Provider:       d.Provider,
		EventKey:       d.EventKey,
		EventType:      d.EventType,
		Reference:      d.Reference,
		Payload:        string(d.Payload),
		SignatureValid: d.SignatureValid,
	}
	duplicate, err := s.store.RecordWebhookEvent(ctx, ev)
	if err != nil {
		util.LoggerFromContext(ctx, s.logger).Warn("Failed to record webhook event",
			zap.String("provider", d.Provider), zap.Error(err))
		return false
	}
	return duplicate
}

// CompleteDelivery stamps the tracked notification with its outcome.
func (s *WebhookService) CompleteDelivery(ctx context.Context, provider, eventKey string, procErr error) {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := s.store.MarkWebhookProcessed(ctx, provider, eventKey, msg); err != nil {
		util.LoggerFromContext(ctx, s.logger).Warn("Failed to mark webhook event processed",
			zap.String("provider", provider), zap.Error(err))
	}
}

func (s *WebhookService) publishCharge(ctx context.Context, logger *zap.Logger, ev *webhook.ChargeEvent, p *models.Payment) {
	recorded := &models.PaymentRecordedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypePaymentRecorded),
		PaymentID:    p.ID,
		EnrollmentID: p.EnrollmentID,
		Reference:    p.Reference,
		Provider:     p.Provider,
		Status:       p.Status,
		Amount:       p.Amount,
	}
	if err := s.publisher.PublishPaymentRecorded(ctx, recorded); err != nil {
		logger.Error("Failed to publish PaymentRecorded event", zap.Error(err))
	}

	if ev.Success {
		return
	}
	failed := &models.EnrollmentPaymentFailedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypeEnrollmentPaymentErr),
		EnrollmentID: p.EnrollmentID,
		Reference:    p.Reference,
		Reason:       ev.Message,
	}
	if err := s.publisher.PublishEnrollmentPaymentFailed(ctx, failed); err != nil {
		logger.Error("Failed to publish EnrollmentPaymentFailed event", zap.Error(err))
	}
}

// seen returns the stored payment when the cache already marked the reference processed.
func (s *WebhookService) seen(ctx context.Context, provider, reference string) *models.Payment {
	if s.cache == nil {
		return nil
	}
	hit, err := s.cache.CheckIdempotencyKey(ctx, processedKey(provider, reference))
	if err != nil || !hit {
		return nil
	}
	payment, err := s.store.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil
	}
	return payment
}

func (s *WebhookService) remember(ctx context.Context, provider, reference, paymentID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.SetIdempotencyKey(ctx, processedKey(provider, reference), paymentID, processedKeyTTL); err != nil {
		util.LoggerFromContext(ctx, s.logger).Debug("Failed to cache processed reference", zap.Error(err))
	}
}

// fail classifies a processing error and reports unexpected ones.
func (s *WebhookService) fail(ctx context.Context, stage, provider, reference string, err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Persistence("failed to process webhook", err)
	}

	logger := util.LoggerFromContext(ctx, s.logger).With(
		zap.String("provider", provider),
		zap.String("reference", reference))
	fields := auditlog.Fields{"provider": provider, "reference": reference, "code": ae.Code}

	if ae.Expected() {
		logger.Warn("Webhook not applied", zap.String("code", ae.Code), zap.String("reason", ae.Message))
		s.audit.Warn(ctx, stage, ae.Message, fields)
		return ae
	}
	logger.Error("Webhook processing failed", zap.Error(err))
	s.audit.Error(ctx, stage, "webhook processing failed", err, fields)
	return ae
}

func duplicateCharge(result *ChargeResult, p *models.Payment) *ChargeResult {
	result.Duplicate = true
	result.PaymentID = p.ID
	result.Status = p.Status
	result.EnrollmentID = p.EnrollmentID
	return result
}

func policyHealthPlan(ev *webhook.PolicyPurchaseEvent, e *models.Enrollment) *models.HealthPlan {
	planID := firstNonEmpty(ev.PlanID, e.PlanID)
	hp := &models.HealthPlan{
		ID:                 uuid.NewString(),
		EnrollmentID:       e.ID,
		UserID:             firstNonEmpty(ev.UserID, e.UserID),
		PlanID:             planID,
		Provider:           ev.ProviderID,
		MyCoverReferenceID: ev.PolicyID,
	}
	if provider, err := mycover.ResolveProvider(planID); err == nil {
		hp.Provider = string(provider)
	}

	start := ev.OccurredAt
	if ev.StartDate != nil {
		start = *ev.StartDate
	}
	lifecycle.PlanDates(start, e.Duration).Apply(hp)
	if ev.ActivationDate != nil {
		hp.ActivationDate = ev.ActivationDate
	}
	if ev.RenewalDate != nil {
		hp.RenewalDate = ev.RenewalDate
	}
	if ev.ExpirationDate != nil {
		hp.ExpirationDate = ev.ExpirationDate
	}
	return hp
}

func processedKey(provider, reference string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, reference)
}

func pendingUserID(p *models.PendingPayment) string {
	if p == nil {
		return ""
	}
	return p.UserID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
