package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is what services need from the event stream.
type Publisher interface {
	PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error
	PublishPolicySyncRequested(ctx context.Context, event *models.PolicySyncRequestedEvent) error
	PublishHealthPlanActivated(ctx context.Context, event *models.HealthPlanActivatedEvent) error
	PublishPolicySyncFailed(ctx context.Context, event *models.PolicySyncFailedEvent) error
	PublishEnrollmentPaymentFailed(ctx context.Context, event *models.EnrollmentPaymentFailedEvent) error
}

// NoopPublisher drops every event. Used when Kafka is not configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishPaymentRecorded(context.Context, *models.PaymentRecordedEvent) error {
	return nil
}

func (NoopPublisher) PublishPolicySyncRequested(context.Context, *models.PolicySyncRequestedEvent) error {
	return nil
}

func (NoopPublisher) PublishHealthPlanActivated(context.Context, *models.HealthPlanActivatedEvent) error {
	return nil
}

func (NoopPublisher) PublishPolicySyncFailed(context.Context, *models.PolicySyncFailedEvent) error {
	return nil
}

func (NoopPublisher) PublishEnrollmentPaymentFailed(context.Context, *models.EnrollmentPaymentFailedEvent) error {
	return nil
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func enrollmentKey(id string) string {
	return fmt.Sprintf("enrollment-%s", id)
}

// PublishPaymentRecorded publishes PaymentRecorded event
func (ep *EventPublisher) PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, enrollmentKey(event.EnrollmentID), event.EventType, event)
}

// PublishPolicySyncRequested publishes PolicySyncRequested event
func (ep *EventPublisher) PublishPolicySyncRequested(ctx context.Context, event *models.PolicySyncRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, enrollmentKey(event.EnrollmentID), event.EventType, event)
}

// PublishHealthPlanActivated publishes HealthPlanActivated event
func (ep *EventPublisher) PublishHealthPlanActivated(ctx context.Context, event *models.HealthPlanActivatedEvent) error {
	return ep.producer.PublishEvent(ctx, enrollmentKey(event.EnrollmentID), event.EventType, event)
}

// PublishPolicySyncFailed publishes PolicySyncFailed event
func (ep *EventPublisher) PublishPolicySyncFailed(ctx context.Context, event *models.PolicySyncFailedEvent) error {
	return ep.producer.PublishEvent(ctx, enrollmentKey(event.EnrollmentID), event.EventType, event)
}

// PublishEnrollmentPaymentFailed publishes EnrollmentPaymentFailed event
func (ep *EventPublisher) PublishEnrollmentPaymentFailed(ctx context.Context, event *models.EnrollmentPaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, enrollmentKey(event.EnrollmentID), event.EventType, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPolicySyncRequested func(context.Context, *models.PolicySyncRequestedEvent) error
	logger                *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPolicySyncRequested registers a handler for PolicySyncRequested events
func (eh *EventHandler) OnPolicySyncRequested(handler func(context.Context, *models.PolicySyncRequestedEvent) error) {
	eh.onPolicySyncRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without a
// registered handler are skipped so the consumer commits past them.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Warn("Dropping undecodable event", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}

	if baseEvent.CorrelationID != "" && util.RequestID(ctx) == "" {
		ctx = util.WithRequestID(ctx, baseEvent.CorrelationID)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePolicySyncRequested:
		if eh.onPolicySyncRequested != nil {
			var event models.PolicySyncRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PolicySyncRequested event: %w", err)
			}
			return eh.onPolicySyncRequested(ctx, &event)
		}
	}

	return nil
}

// NewBaseEvent stamps a fresh event envelope with the request's correlation id.
func NewBaseEvent(ctx context.Context, eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: util.RequestID(ctx),
	}
}
