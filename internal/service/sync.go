package service

import (
	"context"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"go.uber.org/zap"
)

// Policy sync outcomes reported back to webhook callers
const (
	SyncStatusSuccess    = models.SyncStatusSuccess
	SyncStatusFailed     = models.SyncStatusFailed
	SyncStatusQueued     = "queued"
	SyncStatusInProgress = "in_progress"
	SyncStatusSkipped    = "skipped"
)

// SyncResult is the policy-sync half of a payment webhook response.
type SyncResult struct {
	Status      string `json:"status"`
	ReferenceID string `json:"referenceId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PolicySyncer runs the policy sync that follows a recorded payment. It never
// fails the payment: problems are reported in the result.
type PolicySyncer interface {
	RequestSync(ctx context.Context, enrollmentID, reference string) SyncResult
}

// InlineSyncer activates the health plan within the webhook request.
type InlineSyncer struct {
	activation *ActivationService
}

func NewInlineSyncer(activation *ActivationService) *InlineSyncer {
	return &InlineSyncer{activation: activation}
}

func (s *InlineSyncer) RequestSync(ctx context.Context, enrollmentID, _ string) SyncResult {
	result, err := s.activation.Activate(ctx, enrollmentID)
	if err == nil {
		return SyncResult{Status: SyncStatusSuccess, ReferenceID: result.MyCoverReference}
	}

	ae := apperr.From(err)
	switch ae.Code {
	case apperr.CodeAlreadyActive:
		res := SyncResult{Status: SyncStatusSkipped}
		if hp, ok := ae.Data.(*models.HealthPlan); ok {
			res.Status = SyncStatusSuccess
			res.ReferenceID = hp.MyCoverReferenceID
		}
		return res
	case apperr.CodeActivationInProgress:
		return SyncResult{Status: SyncStatusInProgress}
	}
	return SyncResult{Status: SyncStatusFailed, Error: ae.Message}
}

// QueuedSyncer hands the sync to the policy-sync worker through Kafka.
type QueuedSyncer struct {
	publisher broker.Publisher
	logger    *zap.Logger
}

func NewQueuedSyncer(publisher broker.Publisher) *QueuedSyncer {
	return &QueuedSyncer{publisher: publisher, logger: util.GetLogger()}
}

func (s *QueuedSyncer) RequestSync(ctx context.Context, enrollmentID, reference string) SyncResult {
	event := &models.PolicySyncRequestedEvent{
		BaseEvent:    broker.NewBaseEvent(ctx, models.EventTypePolicySyncRequested),
		EnrollmentID: enrollmentID,
		Reference:    reference,
	}
	if err := s.publisher.PublishPolicySyncRequested(ctx, event); err != nil {
		util.LoggerFromContext(ctx, s.logger).Error("Failed to queue policy sync",
			zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return SyncResult{Status: SyncStatusFailed, Error: "policy sync could not be queued"}
	}
	return SyncResult{Status: SyncStatusQueued}
}
