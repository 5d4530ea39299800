package broker

import (
	"context"
	"encoding/json"
	"testing"

	"reservation-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposalMessage(t *testing.T, event models.ProposalEvent, headers ...kafka.Header) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte("proposal-" + event.ProposalID), Value: value, Headers: headers}
}

func TestEventHandlerRoutesProposalEvents(t *testing.T) {
	var accepted, closed []string

	eh := NewEventHandler()
	eh.OnProposalAccepted(func(_ context.Context, e *models.ProposalEvent) error {
		accepted = append(accepted, e.ProposalID)
		return nil
	})
	eh.OnProposalClosed(func(_ context.Context, e *models.ProposalEvent) error {
		closed = append(closed, e.ProposalID)
		return nil
	})

	ctx := context.Background()
	events := []models.ProposalEvent{
		{BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeProposalAccepted}, ProposalID: "P1"},
		{BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeProposalRejected}, ProposalID: "P2"},
		{BaseEvent: models.BaseEvent{EventID: "e3", EventType: models.EventTypeProposalWithdrawn}, ProposalID: "P3"},
		{BaseEvent: models.BaseEvent{EventID: "e4", EventType: "PROPOSAL_VIEWED"}, ProposalID: "P4"},
	}
	for _, e := range events {
		require.NoError(t, eh.HandleMessage(ctx, proposalMessage(t, e)))
	}

	assert.Equal(t, []string{"P1"}, accepted)
	assert.Equal(t, []string{"P2", "P3"}, closed)
}

func TestEventHandlerFallsBackToHeader(t *testing.T) {
	var got string
	eh := NewEventHandler()
	eh.OnProposalAccepted(func(_ context.Context, e *models.ProposalEvent) error {
		got = e.ProposalID
		return nil
	})

	msg := proposalMessage(t, models.ProposalEvent{ProposalID: "P9"},
		kafka.Header{Key: headerEventType, Value: []byte(models.EventTypeProposalAccepted)})

	require.NoError(t, eh.HandleMessage(context.Background(), msg))
	assert.Equal(t, "P9", got)
}

func TestEventHandlerDropsPoisonMessage(t *testing.T) {
	eh := NewEventHandler()
	err := eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")})
	assert.NoError(t, err)
}

func TestEventHandlerPropagatesHandlerError(t *testing.T) {
	eh := NewEventHandler()
	eh.OnProposalAccepted(func(context.Context, *models.ProposalEvent) error { return assert.AnError })

	err := eh.HandleMessage(context.Background(), proposalMessage(t, models.ProposalEvent{
		BaseEvent:  models.BaseEvent{EventType: models.EventTypeProposalAccepted},
		ProposalID: "P1",
	}))
	assert.ErrorIs(t, err, assert.AnError)
}
