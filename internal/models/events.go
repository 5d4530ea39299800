package models

import "time"

// Event types produced by the reservation service
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConsumed  = "RESERVATION_CONSUMED"
	EventTypeReservationCancelled = "RESERVATION_CANCELLED"
	EventTypeReservationExpired   = "RESERVATION_EXPIRED"
)

// Event types consumed from the CRM proposal pipeline
const (
	EventTypeProposalAccepted  = "PROPOSAL_ACCEPTED"
	EventTypeProposalRejected  = "PROPOSAL_REJECTED"
	EventTypeProposalWithdrawn = "PROPOSAL_WITHDRAWN"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationEvent is published on every reservation state change
type ReservationEvent struct {
	BaseEvent
	ReservationID  string            `json:"reservation_id"`
	ProposalID     string            `json:"proposal_id"`
	OpportunityID  string            `json:"opportunity_id"`
	SKU            string            `json:"sku"`
	Location       Location          `json:"location"`
	ReservedVolume string            `json:"reserved_volume"`
	Status         ReservationStatus `json:"status"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// ProposalEvent is published by the CRM when a proposal changes stage
type ProposalEvent struct {
	BaseEvent
	ProposalID    string `json:"proposal_id"`
	OpportunityID string `json:"opportunity_id"`
	ActorID       string `json:"actor_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// NewReservationEvent builds the event describing r after a transition
func NewReservationEvent(eventID, eventType string, r *Reservation, at time.Time) *ReservationEvent {
	return &ReservationEvent{
		BaseEvent: BaseEvent{
			EventID:   eventID,
			EventType: eventType,
			Timestamp: at,
		},
		ReservationID:  r.ID,
		ProposalID:     r.ProposalID,
		OpportunityID:  r.OpportunityID,
		SKU:            r.SKU,
		Location:       r.Location,
		ReservedVolume: r.ReservedVolume.String(),
		Status:         r.Status,
		ExpiresAt:      r.ExpiresAt,
	}
}
