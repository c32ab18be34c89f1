package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/lifecycle"
	"enrollment-service/internal/models"
	"enrollment-service/internal/mycover"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Gateway issues policies with the insurer.
type Gateway interface {
	Enroll(ctx context.Context, e *models.Enrollment) (*mycover.Result, error)
}

// Locker is a distributed lock. An empty token means the lock is taken.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// ActivationConfig tunes the activation guards.
type ActivationConfig struct {
	LockTTL time.Duration
	// StaleAfter is how long a pending claim blocks other activations.
	StaleAfter time.Duration
}

// ActivationResult is returned for a successfully issued policy
type ActivationResult struct {
	HealthPlan       *models.HealthPlan `json:"healthPlan"`
	MyCoverReference string             `json:"myCoverReference"`
}

// ActivationService turns a paid enrollment into an active health plan
type ActivationService struct {
	store     *store.Store
	gateway   Gateway
	locker    Locker
	publisher broker.Publisher
	audit     *auditlog.Logger
	cfg       ActivationConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewActivationService creates a new activation service. locker may be nil.
func NewActivationService(
	store *store.Store,
	gateway Gateway,
	locker Locker,
	publisher broker.Publisher,
	audit *auditlog.Logger,
	cfg ActivationConfig,
) *ActivationService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &ActivationService{
		store:     store,
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
		audit:     audit,
		cfg:       cfg,
		logger:    util.Named("activation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Activate claims the enrollment's health plan and purchases the policy.
//
// At most one activation per enrollment reaches the insurer: the plan row is
// claimed with a conditional upsert before the call, so a concurrent request
// sees the pending claim and gets ACTIVATION_IN_PROGRESS. A failed call leaves
// the plan in failed state, which the next Activate may claim again.
func (s *ActivationService) Activate(ctx context.Context, enrollmentID string) (*ActivationResult, error) {
	ctx, span := util.StartSpan(ctx, "ActivationService.Activate",
		attribute.String("enrollment_id", enrollmentID))
	defer span.End()

	start := time.Now()
	outcome := "error"
	defer func() {
		util.ActivationsTotal.WithLabelValues(outcome).Inc()
		util.ActivationLatency.Observe(time.Since(start).Seconds())
	}()

	enrollmentID = strings.TrimSpace(enrollmentID)
	if enrollmentID == "" {
		outcome = "invalid"
		return nil, apperr.InvalidID("enrollment id is required")
	}

	logger := util.LoggerFromContext(ctx, s.logger).With(zap.String("enrollment_id", enrollmentID))
	fields := auditlog.Fields{"enrollment_id": enrollmentID}
	s.audit.Info(ctx, "activation.start", "activation requested", fields)

	if s.locker != nil {
		lockKey := "activation:" + enrollmentID
		token, err := s.locker.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
		switch {
		case err != nil:
			logger.Warn("Activation lock unavailable, relying on plan claim", zap.Error(err))
		case token == "":
			outcome = "in_progress"
			return nil, apperr.InProgress("activation already in progress")
		default:
			defer func() {
				if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
					logger.Warn("Failed to release activation lock", zap.Error(err))
				}
			}()
		}
	}

	existing, err := s.store.FindHealthPlanByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, apperr.Persistence("failed to load health plan", err)
	}
	if err := s.guard(existing); err != nil {
		outcome = "conflict"
		return nil, err
	}

	e, err := s.store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		outcome = "not_found"
		return nil, apperr.NotFound("enrollment not found")
	}
	if err != nil {
		return nil, apperr.Persistence("failed to load enrollment", err)
	}

	if !lifecycle.ReadyForActivation(e) {
		outcome = "invalid_state"
		s.audit.Warn(ctx, "activation.guard", "enrollment not eligible for activation", auditlog.Fields{
			"enrollment_id":  e.ID,
			"status":         e.Status,
			"payment_status": e.PaymentStatus,
		})
		return nil, apperr.InvalidState(apperr.CodeInvalidState,
			fmt.Sprintf("enrollment is %s with payment status %s", e.Status, e.PaymentStatus))
	}

	now := s.now()
	hp := &models.HealthPlan{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		UserID:       e.UserID,
		PlanID:       e.PlanID,
	}
	if provider, err := mycover.ResolveProvider(e.PlanID); err == nil {
		hp.Provider = string(provider)
	}
	lifecycle.PlanDates(now, e.Duration).Apply(hp)

	claimed, err := s.store.ClaimHealthPlan(ctx, hp, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return nil, apperr.Persistence("failed to claim health plan", err)
	}
	if !claimed {
		outcome = "conflict"
		current, err := s.store.FindHealthPlanByEnrollment(ctx, enrollmentID)
		if err != nil {
			return nil, apperr.Persistence("failed to load health plan", err)
		}
		if err := s.guard(current); err != nil {
			return nil, err
		}
		return nil, apperr.InProgress("activation already in progress")
	}

	logger.Info("Health plan claimed", zap.String("health_plan_id", hp.ID), zap.String("provider", hp.Provider))

	result, syncErr := s.gateway.Enroll(ctx, e)
	// The insurer has answered; record the outcome even if the caller hung up.
	ctx = context.WithoutCancel(ctx)
	if syncErr != nil {
		outcome = "failed"
		return nil, s.recordFailure(ctx, e.ID, hp, syncErr)
	}

	hp.MyCoverReferenceID = result.ReferenceID
	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.MarkHealthPlanActive(ctx, hp); err != nil {
			return err
		}
		locked, err := q.GetEnrollmentForUpdate(ctx, e.ID)
		if err != nil {
			return err
		}
		lifecycle.MarkPolicySynced(locked, result.ReferenceID)
		return q.UpdateEnrollmentLifecycle(ctx, locked)
	})
	if err != nil {
		// The insurer already issued the policy; only our bookkeeping failed.
		logger.Error("Policy issued but activation not recorded",
			zap.String("reference_id", result.ReferenceID), zap.Error(err))
		s.audit.Error(ctx, "activation.persist", "policy issued but activation not recorded", err, auditlog.Fields{
			"enrollment_id": e.ID,
			"reference_id":  result.ReferenceID,
		})
		return nil, apperr.Persistence("failed to record activation", err)
	}

	event := &models.HealthPlanActivatedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypeHealthPlanActivated),
		EnrollmentID: e.ID,
		HealthPlanID: hp.ID,
		ReferenceID:  result.ReferenceID,
		Provider:     hp.Provider,
	}
	if err := s.publisher.PublishHealthPlanActivated(ctx, event); err != nil {
		logger.Error("Failed to publish HealthPlanActivated event", zap.Error(err))
	}

	outcome = "activated"
	logger.Info("Health plan activated",
		zap.String("health_plan_id", hp.ID),
		zap.String("reference_id", result.ReferenceID))
	s.audit.Info(ctx, "activation.complete", "health plan activated", auditlog.Fields{
		"enrollment_id":  e.ID,
		"health_plan_id": hp.ID,
		"reference_id":   result.ReferenceID,
	})

	return &ActivationResult{HealthPlan: hp, MyCoverReference: result.ReferenceID}, nil
}

// guard rejects activation while a plan is active or freshly claimed.
func (s *ActivationService) guard(hp *models.HealthPlan) error {
	if hp == nil {
		return nil
	}
	switch hp.Status {
	case models.HealthPlanStatusActive:
		return apperr.AlreadyActive("health plan already active").WithData(hp)
	case models.HealthPlanStatusPending:
		if hp.UpdatedAt.After(s.now().Add(-s.cfg.StaleAfter)) {
			return apperr.InProgress("activation already in progress").WithData(hp)
		}
	}
	return nil
}

// recordFailure keeps the claimed plan as failed so a later call can retry it.
func (s *ActivationService) recordFailure(ctx context.Context, enrollmentID string, hp *models.HealthPlan, syncErr error) error {
	logger := util.LoggerFromContext(ctx, s.logger).With(zap.String("enrollment_id", enrollmentID))
	reason := syncErr.Error()

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.MarkHealthPlanFailed(ctx, hp, reason); err != nil {
			return err
		}
		locked, err := q.GetEnrollmentForUpdate(ctx, enrollmentID)
		if err != nil {
			return err
		}
		lifecycle.MarkPolicySyncFailed(locked, reason)
		return q.UpdateEnrollmentLifecycle(ctx, locked)
	})
	if err != nil {
		logger.Error("Failed to record policy sync failure", zap.Error(err))
	}

	logger.Warn("Policy sync failed", zap.String("health_plan_id", hp.ID), zap.Error(syncErr))
	s.audit.Error(ctx, "activation.sync", "policy sync failed", syncErr, auditlog.Fields{
		"enrollment_id":  enrollmentID,
		"health_plan_id": hp.ID,
		"provider":       hp.Provider,
	})

	event := &models.PolicySyncFailedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypePolicySyncFailed),
		EnrollmentID: enrollmentID,
		Provider:     hp.Provider,
		Reason:       reason,
	}
	if err := s.publisher.PublishPolicySyncFailed(ctx, event); err != nil {
		logger.Error("Failed to publish PolicySyncFailed event", zap.Error(err))
	}

	return apperr.UpstreamSync(apperr.CodeActivationFailed, "policy activation failed: "+reason,
		http.StatusInternalServerError, syncErr).WithData(hp)
}
