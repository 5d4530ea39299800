package store

import (
	"context"
	"database/sql"
	"errors"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const stockLineColumns = "sku, city, state, total_volume, unit, updated_at"

// GetStockLine retrieves the stock line for a sku at a location
func (s *Store) GetStockLine(ctx context.Context, sku string, loc models.Location) (*models.StockLine, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var line models.StockLine
	err := sqlx.GetContext(ctx, s.q, &line,
		"SELECT "+stockLineColumns+" FROM stock_lines WHERE sku = $1 AND city = $2 AND state = $3",
		sku, loc.City, loc.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStockLineNotFound
	}
	if err != nil {
		return nil, storageError("get stock line", err)
	}
	return &line, nil
}

// ListStockLines retrieves all stock lines
func (s *Store) ListStockLines(ctx context.Context) ([]models.StockLine, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var lines []models.StockLine
	err := sqlx.SelectContext(ctx, s.q, &lines,
		"SELECT "+stockLineColumns+" FROM stock_lines ORDER BY sku, state, city")
	if err != nil {
		return nil, storageError("list stock lines", err)
	}
	return lines, nil
}

// UpsertStockLine creates or replaces a stock line total. The new total may
// not drop below the volume currently held by active reservations.
func (s *Store) UpsertStockLine(ctx context.Context, line *models.StockLine) error {
	return s.inTx(ctx, func(tx *Store) error {
		ctx, cancel := tx.withTimeout(ctx)
		defer cancel()

		// Lock the existing row, if any, so no reservation slips in between the
		// sum and the update.
		var locked []string
		err := sqlx.SelectContext(ctx, tx.q, &locked,
			"SELECT sku FROM stock_lines WHERE sku = $1 AND city = $2 AND state = $3 FOR UPDATE",
			line.SKU, line.City, line.State)
		if err != nil {
			return storageError("lock stock line", err)
		}

		reserved, err := tx.SumActiveReservedVolume(ctx, line.SKU, line.Location)
		if err != nil {
			return err
		}
		if line.TotalVolume.LessThan(reserved) {
			return &apperrors.OverbookError{
				SKU:       line.SKU,
				Location:  line.Location.String(),
				Requested: reserved,
				Available: line.TotalVolume,
			}
		}

		err = sqlx.GetContext(ctx, tx.q, &line.UpdatedAt, `
			INSERT INTO stock_lines (sku, city, state, total_volume, unit, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (sku, city, state)
			DO UPDATE SET total_volume = EXCLUDED.total_volume, unit = EXCLUDED.unit, updated_at = NOW()
			RETURNING updated_at`,
			line.SKU, line.City, line.State, line.TotalVolume, line.Unit)
		return storageError("upsert stock line", err)
	})
}

// ConsumeStock decrements the total of a stock line (final deduction)
func (s *Store) ConsumeStock(ctx context.Context, sku string, loc models.Location, volume decimal.Decimal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.q.ExecContext(ctx, `
		UPDATE stock_lines SET total_volume = total_volume - $1, updated_at = NOW()
		WHERE sku = $2 AND city = $3 AND state = $4 AND total_volume >= $1`,
		volume, sku, loc.City, loc.State)
	if err != nil {
		return storageError("consume stock", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageError("consume stock", err)
	}
	if n > 0 {
		return nil
	}

	total := decimal.Zero
	line, err := s.GetStockLine(ctx, sku, loc)
	switch {
	case err == nil:
		total = line.TotalVolume
	case !errors.Is(err, ErrStockLineNotFound):
		return err
	}
	return &apperrors.InsufficientStockError{
		SKU:       sku,
		Location:  loc.String(),
		Requested: volume,
		Total:     total,
	}
}
