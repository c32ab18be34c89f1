package worker

import (
	"context"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Activator is the activation entry point the worker drives
type Activator interface {
	Activate(ctx context.Context, enrollmentID string) (*service.ActivationResult, error)
}

// MessageSource is the consumer side of the event stream
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PolicySyncWorker activates health plans requested through the event stream
type PolicySyncWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	activator    Activator
	logger       *zap.Logger
}

// NewPolicySyncWorker creates a new policy sync worker
func NewPolicySyncWorker(consumer MessageSource, activator Activator) *PolicySyncWorker {
	w := &PolicySyncWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		activator:    activator,
		logger:       util.Named("worker"),
	}
	w.eventHandler.OnPolicySyncRequested(w.handlePolicySyncRequested)
	return w
}

// Start starts the worker
func (w *PolicySyncWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting policy sync worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage routes one stream message
func (w *PolicySyncWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Stop stops the worker
func (w *PolicySyncWorker) Stop() error {
	w.logger.Info("Stopping policy sync worker")
	return w.consumer.Close()
}

// handlePolicySyncRequested returns an error only for infrastructure
// failures, which the consumer retries before committing. Outcomes already
// recorded on the enrollment are committed.
func (w *PolicySyncWorker) handlePolicySyncRequested(ctx context.Context, event *models.PolicySyncRequestedEvent) error {
	logger := util.LoggerFromContext(ctx, w.logger).With(
		zap.String("enrollment_id", event.EnrollmentID),
		zap.String("reference", event.Reference))

	result, err := w.activator.Activate(ctx, event.EnrollmentID)
	if err == nil {
		logger.Info("Policy sync completed", zap.String("reference_id", result.MyCoverReference))
		return nil
	}

	ae := apperr.From(err)
	switch ae.Kind {
	case apperr.KindPersistenceFailure, apperr.KindUnknown:
		logger.Error("Policy sync will be retried", zap.Error(err))
		return err
	}
	logger.Warn("Policy sync not completed", zap.String("code", ae.Code), zap.String("reason", ae.Message))
	return nil
}
