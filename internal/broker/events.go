package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing reservation lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishReservationEvent publishes a reservation state change
func (ep *EventPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	key := fmt.Sprintf("proposal-%s", event.ProposalID)
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// ProposalHandlerFunc handles one decoded proposal event
type ProposalHandlerFunc func(context.Context, *models.ProposalEvent) error

// EventHandler routes incoming proposal events
type EventHandler struct {
	onAccepted ProposalHandlerFunc
	onClosed   ProposalHandlerFunc
	logger     *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnProposalAccepted registers a handler for PROPOSAL_ACCEPTED events
func (eh *EventHandler) OnProposalAccepted(handler ProposalHandlerFunc) {
	eh.onAccepted = handler
}

// OnProposalClosed registers a handler for PROPOSAL_REJECTED and
// PROPOSAL_WITHDRAWN events
func (eh *EventHandler) OnProposalClosed(handler ProposalHandlerFunc) {
	eh.onClosed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.ProposalEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Poison messages are dropped so the partition keeps moving
		eh.logger.Error("Failed to unmarshal proposal event",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}
	if event.EventType == "" {
		event.EventType = eventTypeHeader(msg)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))

	switch event.EventType {
	case models.EventTypeProposalAccepted:
		if eh.onAccepted != nil {
			return eh.onAccepted(ctx, &event)
		}

	case models.EventTypeProposalRejected, models.EventTypeProposalWithdrawn:
		if eh.onClosed != nil {
			return eh.onClosed(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", event.EventType))
	}

	return nil
}
