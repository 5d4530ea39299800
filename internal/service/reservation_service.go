package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReservationService is the transactional boundary the CRM and admin layers
// call to hold, convert and release stock for proposals.
type ReservationService struct {
	repo        store.Repository
	ledger      *StockLedger
	publisher   EventPublisher
	idempotency IdempotencyStore
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

// NewReservationService creates a new reservation service. publisher and
// idempotency may be nil.
func NewReservationService(
	repo store.Repository,
	ledger *StockLedger,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	opts Options,
) *ReservationService {
	return &ReservationService{
		repo:        repo,
		ledger:      ledger,
		publisher:   publisher,
		idempotency: idempotency,
		opts:        opts.withDefaults(),
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// ReserveRequest represents a request to hold stock for a proposal
type ReserveRequest struct {
	ProposalID     string          `json:"proposal_id" binding:"required"`
	OpportunityID  string          `json:"opportunity_id" binding:"required"`
	SKU            string          `json:"sku" binding:"required"`
	Location       models.Location `json:"location" binding:"required"`
	Volume         decimal.Decimal `json:"volume"`
	ReservedBy     string          `json:"-"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Validate checks identifiers are present and the volume is positive
func (r *ReserveRequest) Validate() error {
	switch {
	case r.ProposalID == "":
		return &apperrors.ValidationError{Field: "proposal_id", Reason: "required"}
	case r.OpportunityID == "":
		return &apperrors.ValidationError{Field: "opportunity_id", Reason: "required"}
	case r.SKU == "":
		return &apperrors.ValidationError{Field: "sku", Reason: "required"}
	case r.Location.IsZero():
		return &apperrors.ValidationError{Field: "location", Reason: "city and state are required"}
	case !r.Volume.IsPositive():
		return &apperrors.ValidationError{Field: "volume", Reason: "must be positive"}
	case !models.FitsVolumeScale(r.Volume):
		return &apperrors.ValidationError{Field: "volume", Reason: fmt.Sprintf("at most %d decimal places", models.VolumeScale)}
	}
	return nil
}

// Reserve holds volume of a stock line for a proposal until the TTL elapses
func (s *ReservationService) Reserve(ctx context.Context, req *ReserveRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reserve",
		attribute.String("proposal_id", req.ProposalID),
		attribute.String("sku", req.SKU))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		util.ReservationsRejectedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	reservationID := uuid.NewString()
	claimed, existing, err := s.claimIdempotent(ctx, req.IdempotencyKey, reservationID)
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, apperrors.ErrRequestInProgress) {
			util.ReservationsRejectedTotal.WithLabelValues("in_progress").Inc()
		}
		return nil, err
	}
	if existing != nil {
		s.logger.Info("Duplicate reservation request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("reservation_id", existing.ID))
		return existing, nil
	}

	now := s.now().UTC()

	// Release anything on this stock line that is already past its expiry
	// before checking availability, so a missed sweep does not block sales.
	if _, err := expireAndPublish(ctx, s.repo, s.publisher, store.ExpireQuery{
		Now: now, SKU: req.SKU, Location: req.Location,
	}); err != nil {
		s.logger.Warn("Lazy expiry before reserve failed", zap.String("sku", req.SKU), zap.Error(err))
	}

	reservation := &models.Reservation{
		ID:             reservationID,
		ProposalID:     req.ProposalID,
		OpportunityID:  req.OpportunityID,
		SKU:            req.SKU,
		Location:       req.Location,
		ReservedVolume: req.Volume,
		ReservedBy:     req.ReservedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.ReservationTTL),
	}

	err = withStorageRetry(ctx, "create_reservation", s.opts.RetryDelay, func() error {
		return s.repo.CreateReservation(ctx, reservation)
	})
	if err != nil {
		if claimed {
			s.releaseIdempotent(req.IdempotencyKey)
		}
		util.RecordError(span, err)
		switch {
		case errors.Is(err, apperrors.ErrOverbook):
			util.ReservationsRejectedTotal.WithLabelValues("overbook").Inc()
			s.logger.Info("Reservation rejected: overbook",
				zap.String("proposal_id", req.ProposalID),
				zap.String("sku", req.SKU),
				zap.String("location", req.Location.String()),
				zap.String("volume", req.Volume.String()))
		case errors.Is(err, apperrors.ErrStorageUnavailable):
			util.ReservationsRejectedTotal.WithLabelValues("storage_unavailable").Inc()
			s.logger.Warn("Reservation failed: storage unavailable", zap.Error(err))
		default:
			util.ReservationsRejectedTotal.WithLabelValues("error").Inc()
			s.logger.Error("Reservation failed", zap.Error(err))
		}
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	volume, _ := req.Volume.Float64()
	util.ReservedVolumeTotal.WithLabelValues(req.SKU).Add(volume)

	s.logger.Info("Reservation created",
		zap.String("reservation_id", reservation.ID),
		zap.String("proposal_id", reservation.ProposalID),
		zap.String("sku", reservation.SKU),
		zap.String("location", reservation.Location.String()),
		zap.String("volume", reservation.ReservedVolume.String()),
		zap.Time("expires_at", reservation.ExpiresAt))

	if claimed {
		s.completeIdempotent(ctx, req.IdempotencyKey, reservation.ID)
	}
	s.publish(ctx, models.EventTypeReservationCreated, []models.Reservation{*reservation}, now)

	return reservation, nil
}

// Confirm converts every active reservation of a proposal into a sale:
// each is marked consumed and its volume leaves the stock ledger, all in
// one transaction.
func (s *ReservationService) Confirm(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Confirm", attribute.String("proposal_id", proposalID))
	defer span.End()

	if proposalID == "" {
		return nil, &apperrors.ValidationError{Field: "proposal_id", Reason: "required"}
	}

	now := s.now().UTC()
	var consumed, expired []models.Reservation

	err := withStorageRetry(ctx, "confirm", s.opts.RetryDelay, func() error {
		consumed, expired = nil, nil
		return s.repo.RunInTx(ctx, func(tx store.Repository) error {
			active, err := tx.LockActiveByProposal(ctx, proposalID)
			if err != nil {
				return err
			}

			ledger := s.ledger.Tx(tx)
			for _, r := range active {
				// Past its expiry but not swept yet: it can no longer be sold
				if r.IsDue(now) {
					e, err := tx.TransitionReservation(ctx, r.ID, models.ReservationStatusExpired, now)
					if err != nil {
						return err
					}
					expired = append(expired, *e)
					continue
				}

				if err := ledger.Consume(ctx, r.SKU, r.Location, r.ReservedVolume); err != nil {
					return err
				}
				c, err := tx.TransitionReservation(ctx, r.ID, models.ReservationStatusConsumed, now)
				if err != nil {
					return err
				}
				consumed = append(consumed, *c)
			}
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if len(expired) > 0 {
		util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusExpired)).Add(float64(len(expired)))
		s.publish(ctx, models.EventTypeReservationExpired, expired, now)
	}

	if len(consumed) == 0 {
		s.logger.Warn("Confirm found no active reservation",
			zap.String("proposal_id", proposalID),
			zap.Int("expired_on_confirm", len(expired)))
		return nil, &apperrors.ReservationNotFoundError{ProposalID: proposalID}
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusConsumed)).Add(float64(len(consumed)))
	s.logger.Info("Reservations consumed",
		zap.String("proposal_id", proposalID),
		zap.Int("count", len(consumed)),
		zap.String("volume", sumVolume(consumed).String()))
	s.publish(ctx, models.EventTypeReservationConsumed, consumed, now)

	return consumed, nil
}

// Cancel releases the active reservations of a proposal. Cancelling a
// proposal whose reservations are already cancelled or expired succeeds
// without changes.
func (s *ReservationService) Cancel(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Cancel", attribute.String("proposal_id", proposalID))
	defer span.End()

	if proposalID == "" {
		return nil, &apperrors.ValidationError{Field: "proposal_id", Reason: "required"}
	}

	now := s.now().UTC()
	var cancelled []models.Reservation

	err := withStorageRetry(ctx, "cancel", s.opts.RetryDelay, func() error {
		cancelled = nil
		return s.repo.RunInTx(ctx, func(tx store.Repository) error {
			active, err := tx.LockActiveByProposal(ctx, proposalID)
			if err != nil {
				return err
			}

			if len(active) == 0 {
				all, err := tx.ListReservationsByProposal(ctx, proposalID)
				if err != nil {
					return err
				}
				return noActiveOutcome(proposalID, all)
			}

			for _, r := range active {
				c, err := tx.TransitionReservation(ctx, r.ID, models.ReservationStatusCancelled, now)
				if err != nil {
					return err
				}
				cancelled = append(cancelled, *c)
			}
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if len(cancelled) == 0 {
		s.logger.Debug("Cancel was a no-op", zap.String("proposal_id", proposalID))
		return cancelled, nil
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusCancelled)).Add(float64(len(cancelled)))
	s.logger.Info("Reservations cancelled",
		zap.String("proposal_id", proposalID),
		zap.Int("count", len(cancelled)))
	s.publish(ctx, models.EventTypeReservationCancelled, cancelled, now)

	return cancelled, nil
}

// CancelReservation releases a single reservation by ID with the same
// idempotence as Cancel.
func (s *ReservationService) CancelReservation(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.CancelReservation", attribute.String("reservation_id", id))
	defer span.End()

	now := s.now().UTC()
	var r *models.Reservation
	err := withStorageRetry(ctx, "cancel_reservation", s.opts.RetryDelay, func() error {
		var err error
		r, err = s.repo.TransitionReservation(ctx, id, models.ReservationStatusCancelled, now)
		return err
	})

	var invalid *apperrors.InvalidTransitionError
	if errors.As(err, &invalid) && invalid.From != string(models.ReservationStatusConsumed) {
		return s.Get(ctx, id)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusCancelled)).Inc()
	s.logger.Info("Reservation cancelled",
		zap.String("reservation_id", r.ID),
		zap.String("proposal_id", r.ProposalID))
	s.publish(ctx, models.EventTypeReservationCancelled, []models.Reservation{*r}, now)

	return r, nil
}

// Get retrieves a reservation by ID
func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	var r *models.Reservation
	err := withStorageRetry(ctx, "get_reservation", s.opts.RetryDelay, func() error {
		var err error
		r, err = s.repo.GetReservation(ctx, id)
		return err
	})
	return r, err
}

// ListByProposal retrieves every reservation of a proposal
func (s *ReservationService) ListByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	var out []models.Reservation
	err := withStorageRetry(ctx, "list_by_proposal", s.opts.RetryDelay, func() error {
		var err error
		out, err = s.repo.ListReservationsByProposal(ctx, proposalID)
		return err
	})
	return out, err
}

// ListActive retrieves every active reservation
func (s *ReservationService) ListActive(ctx context.Context) ([]models.Reservation, error) {
	return s.List(ctx, models.ReservationFilter{Status: models.ReservationStatusActive})
}

// ListAll retrieves every reservation regardless of status
func (s *ReservationService) ListAll(ctx context.Context) ([]models.Reservation, error) {
	return s.List(ctx, models.ReservationFilter{})
}

// List retrieves reservations matching filter
func (s *ReservationService) List(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &apperrors.ValidationError{Field: "status", Reason: "unknown status"}
	}

	var out []models.Reservation
	err := withStorageRetry(ctx, "list_reservations", s.opts.RetryDelay, func() error {
		var err error
		out, err = s.repo.ListReservations(ctx, filter)
		return err
	})
	return out, err
}

// StatsSummary counts reservations by status and computes the conversion
// rate consumed / (consumed + expired).
func (s *ReservationService) StatsSummary(ctx context.Context) (*models.StatsSummary, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.StatsSummary")
	defer span.End()

	var (
		counts []models.StatusCount
		active []models.Reservation
	)
	err := withStorageRetry(ctx, "stats", s.opts.RetryDelay, func() error {
		var err error
		if counts, err = s.repo.CountByStatus(ctx); err != nil {
			return err
		}
		active, err = s.repo.ListReservations(ctx, models.ReservationFilter{Status: models.ReservationStatusActive})
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	summary := &models.StatsSummary{
		TotalReservedVolume: sumVolume(active),
		GeneratedAt:         s.now().UTC(),
	}
	for _, c := range counts {
		switch c.Status {
		case models.ReservationStatusActive:
			summary.Active = c.Count
		case models.ReservationStatusConsumed:
			summary.Consumed = c.Count
		case models.ReservationStatusExpired:
			summary.Expired = c.Count
		case models.ReservationStatusCancelled:
			summary.Cancelled = c.Count
		}
		summary.Total += c.Count
	}
	if settled := summary.Consumed + summary.Expired; settled > 0 {
		summary.ConversionRate = float64(summary.Consumed) / float64(settled)
	}

	return summary, nil
}

// noActiveOutcome decides what a cancel of a proposal without active
// reservations means: nothing ever reserved is not found, a fully consumed
// proposal cannot be cancelled, anything else already holds the released
// end state.
func noActiveOutcome(proposalID string, all []models.Reservation) error {
	if len(all) == 0 {
		return &apperrors.ReservationNotFoundError{ProposalID: proposalID}
	}
	for _, r := range all {
		if r.Status != models.ReservationStatusConsumed {
			return nil
		}
	}
	return &apperrors.InvalidTransitionError{
		ReservationID: all[0].ID,
		From:          string(models.ReservationStatusConsumed),
		To:            string(models.ReservationStatusCancelled),
	}
}

func (s *ReservationService) publish(ctx context.Context, eventType string, rs []models.Reservation, at time.Time) {
	if err := publishAll(ctx, s.publisher, eventType, rs, at); err != nil {
		s.logger.Error("Failed to publish reservation events",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// claimIdempotent reserves key for reservationID before the reservation is
// written, so concurrent requests with the same key cannot both create one.
// It returns the reservation that already answered key, or
// RequestInProgressError while another request still holds the claim. When
// the idempotency store fails, the request proceeds unclaimed.
func (s *ReservationService) claimIdempotent(ctx context.Context, key, reservationID string) (bool, *models.Reservation, error) {
	if key == "" || s.idempotency == nil {
		return false, nil, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.idempotency.SetIdempotencyKey(ctx, key, pendingIdempotencyPrefix+reservationID, idempotencyClaimTTL)
		if err != nil {
			s.logger.Warn("Idempotency claim failed", zap.String("idempotency_key", key), zap.Error(err))
			return false, nil, nil
		}
		if claimed {
			return true, nil, nil
		}

		holder, err := s.idempotency.GetIdempotencyKey(ctx, key)
		if err != nil {
			s.logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
			return false, nil, nil
		}
		switch {
		case holder == "":
			// Claim expired between the two calls
			continue
		case strings.HasPrefix(holder, pendingIdempotencyPrefix):
			return false, nil, &apperrors.RequestInProgressError{IdempotencyKey: key}
		}

		r, err := s.repo.GetReservation(ctx, holder)
		if errors.Is(err, apperrors.ErrReservationNotFound) {
			// Stale key pointing at a reservation that never committed
			if err := s.idempotency.DeleteIdempotencyKey(ctx, key); err != nil {
				s.logger.Warn("Failed to drop stale idempotency key", zap.String("idempotency_key", key), zap.Error(err))
				return false, nil, &apperrors.RequestInProgressError{IdempotencyKey: key}
			}
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, r, nil
	}
	return false, nil, &apperrors.RequestInProgressError{IdempotencyKey: key}
}

// completeIdempotent replaces the pending claim with the committed reservation
func (s *ReservationService) completeIdempotent(ctx context.Context, key, reservationID string) {
	if err := s.idempotency.StoreIdempotencyKey(ctx, key, reservationID, s.opts.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.String("idempotency_key", key), zap.Error(err))
	}
}

// releaseIdempotent drops a claim whose reservation was not created so the
// client can retry with the same key
func (s *ReservationService) releaseIdempotent(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.idempotency.DeleteIdempotencyKey(ctx, key); err != nil {
		s.logger.Warn("Failed to release idempotency claim", zap.String("idempotency_key", key), zap.Error(err))
	}
}
