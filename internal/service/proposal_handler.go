package service

import (
	"context"
	"errors"
	"fmt"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ProposalHandler reacts to proposal lifecycle events from the CRM:
// accepted proposals convert their reservations, rejected or withdrawn ones
// release them.
type ProposalHandler struct {
	repo         store.Repository
	reservations *ReservationService
	logger       *zap.Logger
}

// NewProposalHandler creates a new proposal handler
func NewProposalHandler(repo store.Repository, reservations *ReservationService) *ProposalHandler {
	return &ProposalHandler{
		repo:         repo,
		reservations: reservations,
		logger:       util.GetLogger(),
	}
}

// HandleProposalAccepted confirms the reservations of an accepted proposal
func (h *ProposalHandler) HandleProposalAccepted(ctx context.Context, event *models.ProposalEvent) error {
	ctx, span := util.StartSpan(ctx, "ProposalHandler.HandleProposalAccepted",
		attribute.String("proposal_id", event.ProposalID))
	defer span.End()

	return h.handleOnce(ctx, event, func() error {
		consumed, err := h.reservations.Confirm(ctx, event.ProposalID)
		if errors.Is(err, apperrors.ErrReservationNotFound) {
			// Expired or cancelled before acceptance; the rep must re-reserve.
			h.logger.Warn("Reservation lost for accepted proposal",
				zap.String("proposal_id", event.ProposalID),
				zap.String("event_id", event.EventID))
			return nil
		}
		if err != nil {
			return err
		}
		h.logger.Info("Accepted proposal converted",
			zap.String("proposal_id", event.ProposalID),
			zap.Int("reservations", len(consumed)))
		return nil
	})
}

// HandleProposalClosed cancels the reservations of a rejected or withdrawn
// proposal
func (h *ProposalHandler) HandleProposalClosed(ctx context.Context, event *models.ProposalEvent) error {
	ctx, span := util.StartSpan(ctx, "ProposalHandler.HandleProposalClosed",
		attribute.String("proposal_id", event.ProposalID))
	defer span.End()

	return h.handleOnce(ctx, event, func() error {
		cancelled, err := h.reservations.Cancel(ctx, event.ProposalID)
		switch {
		case errors.Is(err, apperrors.ErrReservationNotFound):
			h.logger.Info("Closed proposal had no reservations", zap.String("proposal_id", event.ProposalID))
			return nil
		case errors.Is(err, apperrors.ErrInvalidTransition):
			h.logger.Warn("Closed proposal was already converted",
				zap.String("proposal_id", event.ProposalID),
				zap.String("event_type", event.EventType))
			return nil
		case err != nil:
			return err
		}
		h.logger.Info("Closed proposal released",
			zap.String("proposal_id", event.ProposalID),
			zap.String("reason", event.Reason),
			zap.Int("reservations", len(cancelled)))
		return nil
	})
}

// handleOnce skips events already processed and marks the event once fn
// succeeds.
func (h *ProposalHandler) handleOnce(ctx context.Context, event *models.ProposalEvent, fn func() error) error {
	if event.ProposalID == "" {
		h.logger.Warn("Proposal event without proposal id", zap.String("event_id", event.EventID))
		util.ProposalEventsTotal.WithLabelValues(event.EventType, "invalid").Inc()
		return nil
	}

	if event.EventID != "" {
		processed, err := h.repo.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			util.ProposalEventsTotal.WithLabelValues(event.EventType, "duplicate").Inc()
			return nil
		}
	}

	if err := fn(); err != nil {
		util.ProposalEventsTotal.WithLabelValues(event.EventType, "failure").Inc()
		return err
	}
	util.ProposalEventsTotal.WithLabelValues(event.EventType, "success").Inc()

	if event.EventID != "" {
		if err := h.repo.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			h.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}
