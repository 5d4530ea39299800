package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const reservationColumns = `id, proposal_id, opportunity_id, sku, city, state, reserved_volume, status,
	reserved_by, created_at, expires_at, consumed_at, cancelled_at, expired_at, updated_at`

var transitionColumn = map[models.ReservationStatus]string{
	models.ReservationStatusConsumed:  "consumed_at",
	models.ReservationStatusCancelled: "cancelled_at",
	models.ReservationStatusExpired:   "expired_at",
}

// CreateReservation inserts an active reservation. The stock line row is
// locked FOR UPDATE for the duration of the sum-check-insert, which
// serialises concurrent creates against the same sku/location.
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	return s.inTx(ctx, func(tx *Store) error {
		ctx, cancel := tx.withTimeout(ctx)
		defer cancel()

		var total decimal.Decimal
		err := sqlx.GetContext(ctx, tx.q, &total,
			"SELECT total_volume FROM stock_lines WHERE sku = $1 AND city = $2 AND state = $3 FOR UPDATE",
			r.SKU, r.City, r.State)
		if errors.Is(err, sql.ErrNoRows) {
			total = decimal.Zero
		} else if err != nil {
			return storageError("lock stock line", err)
		}

		reserved, err := tx.SumActiveReservedVolume(ctx, r.SKU, r.Location)
		if err != nil {
			return err
		}

		if reserved.Add(r.ReservedVolume).GreaterThan(total) {
			return &apperrors.OverbookError{
				SKU:       r.SKU,
				Location:  r.Location.String(),
				Requested: r.ReservedVolume,
				Available: clampZero(total.Sub(reserved)),
			}
		}

		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO reservations (id, proposal_id, opportunity_id, sku, city, state, reserved_volume,
				status, reserved_by, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $10)`,
			r.ID, r.ProposalID, r.OpportunityID, r.SKU, r.City, r.State, r.ReservedVolume,
			models.ReservationStatusActive, r.ReservedBy, r.CreatedAt, r.ExpiresAt)
		if err != nil {
			return storageError("insert reservation", err)
		}

		r.Status = models.ReservationStatusActive
		r.UpdatedAt = r.CreatedAt
		return nil
	})
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.Reservation
	err := sqlx.GetContext(ctx, s.q, &r,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperrors.ReservationNotFoundError{ReservationID: id}
	}
	if err != nil {
		return nil, storageError("get reservation", err)
	}
	return &r, nil
}

// ListReservations retrieves reservations matching filter, newest first
func (s *Store) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.ProposalID != "" {
		add("proposal_id = $%d", filter.ProposalID)
	}
	if filter.SKU != "" {
		add("sku = $%d", filter.SKU)
	}
	if filter.Location.City != "" {
		add("city = $%d", filter.Location.City)
	}
	if filter.Location.State != "" {
		add("state = $%d", filter.Location.State)
	}

	query := "SELECT " + reservationColumns + " FROM reservations"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	var out []models.Reservation
	if err := sqlx.SelectContext(ctx, s.q, &out, query, args...); err != nil {
		return nil, storageError("list reservations", err)
	}
	return out, nil
}

// ListActiveBySkuLocation retrieves active reservations for a stock line
func (s *Store) ListActiveBySkuLocation(ctx context.Context, sku string, loc models.Location) ([]models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []models.Reservation
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE sku = $1 AND city = $2 AND state = $3 AND status = 'active'
		ORDER BY expires_at, id`,
		sku, loc.City, loc.State)
	if err != nil {
		return nil, storageError("list active reservations", err)
	}
	return out, nil
}

// ListReservationsByProposal retrieves every reservation of a proposal
func (s *Store) ListReservationsByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []models.Reservation
	err := sqlx.SelectContext(ctx, s.q, &out,
		"SELECT "+reservationColumns+" FROM reservations WHERE proposal_id = $1 ORDER BY created_at, id",
		proposalID)
	if err != nil {
		return nil, storageError("list proposal reservations", err)
	}
	return out, nil
}

// LockActiveByProposal retrieves the active reservations of a proposal and
// locks them until the surrounding transaction ends.
func (s *Store) LockActiveByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []models.Reservation
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE proposal_id = $1 AND status = 'active'
		ORDER BY sku, state, city, id
		FOR UPDATE`,
		proposalID)
	if err != nil {
		return nil, storageError("lock proposal reservations", err)
	}
	return out, nil
}

// TransitionReservation moves an active reservation to a terminal status
func (s *Store) TransitionReservation(ctx context.Context, id string, to models.ReservationStatus, at time.Time) (*models.Reservation, error) {
	column, ok := transitionColumn[to]
	if !ok {
		return nil, &apperrors.InvalidTransitionError{ReservationID: id, From: string(models.ReservationStatusActive), To: string(to)}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.Reservation
	err := sqlx.GetContext(ctx, s.q, &r, fmt.Sprintf(`
		UPDATE reservations SET status = $2, %s = $3, updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING %s`, column, reservationColumns),
		id, to, at)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storageError("transition reservation", err)
	}

	current, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &apperrors.InvalidTransitionError{ReservationID: id, From: string(current.Status), To: string(to)}
}

// SumActiveReservedVolume sums the volume held by active reservations
func (s *Store) SumActiveReservedVolume(ctx context.Context, sku string, loc models.Location) (decimal.Decimal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, s.q, &sum, `
		SELECT COALESCE(SUM(reserved_volume), 0) FROM reservations
		WHERE sku = $1 AND city = $2 AND state = $3 AND status = 'active'`,
		sku, loc.City, loc.State)
	if err != nil {
		return decimal.Zero, storageError("sum active reservations", err)
	}
	return sum, nil
}

// ExpireDue transitions active reservations whose expiry has elapsed to
// expired and returns them. Rows locked by another transaction are skipped
// and picked up on the next call.
func (s *Store) ExpireDue(ctx context.Context, q ExpireQuery) ([]models.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := []interface{}{q.Now}
	inner := "SELECT id FROM reservations WHERE status = 'active' AND expires_at <= $1"
	if q.SKU != "" {
		args = append(args, q.SKU, q.Location.City, q.Location.State)
		inner += " AND sku = $2 AND city = $3 AND state = $4"
	}
	inner += " ORDER BY expires_at"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		inner += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	inner += " FOR UPDATE SKIP LOCKED"

	var out []models.Reservation
	err := sqlx.SelectContext(ctx, s.q, &out, `
		UPDATE reservations SET status = 'expired', expired_at = $1, updated_at = $1
		WHERE status = 'active' AND id IN (`+inner+`)
		RETURNING `+reservationColumns,
		args...)
	if err != nil {
		return nil, storageError("expire due reservations", err)
	}
	return out, nil
}

// CountByStatus counts reservations grouped by status
func (s *Store) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []models.StatusCount
	err := sqlx.SelectContext(ctx, s.q, &out,
		"SELECT status, COUNT(*) AS count FROM reservations GROUP BY status")
	if err != nil {
		return nil, storageError("count reservations", err)
	}
	return out, nil
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
