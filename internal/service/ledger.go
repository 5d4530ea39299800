package service

import (
	"context"
	"errors"
	"fmt"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger is the source of truth for total volume per sku/location
type StockLedger struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(repo store.Repository) *StockLedger {
	return &StockLedger{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Tx returns a ledger bound to the given transaction
func (l *StockLedger) Tx(tx store.Repository) *StockLedger {
	return &StockLedger{repo: tx, logger: l.logger}
}

// GetTotal returns the total volume of a stock line, zero when unknown
func (l *StockLedger) GetTotal(ctx context.Context, sku string, loc models.Location) (decimal.Decimal, error) {
	line, err := l.repo.GetStockLine(ctx, sku, loc)
	if errors.Is(err, store.ErrStockLineNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return line.TotalVolume, nil
}

// List returns every stock line
func (l *StockLedger) List(ctx context.Context) ([]models.StockLine, error) {
	return l.repo.ListStockLines(ctx)
}

// Consume decrements a stock line when a reservation turns into a sale
func (l *StockLedger) Consume(ctx context.Context, sku string, loc models.Location, volume decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Consume",
		attribute.String("sku", sku),
		attribute.String("location", loc.String()))
	defer span.End()

	if !volume.IsPositive() {
		return &apperrors.ValidationError{Field: "volume", Reason: "must be positive"}
	}

	err := l.repo.ConsumeStock(ctx, sku, loc, volume)
	if errors.Is(err, apperrors.ErrInsufficientStock) {
		// The reservation should have guaranteed the volume; reaching this
		// means ledger and reservations disagree.
		util.StockDesyncTotal.Inc()
		l.logger.Error("Stock ledger desync on consumption",
			zap.String("severity", "high"),
			zap.String("sku", sku),
			zap.String("location", loc.String()),
			zap.String("volume", volume.String()),
			zap.Error(err))
	}
	util.RecordError(span, err)
	return err
}

// UpsertStockLineRequest carries a new total from inventory management
type UpsertStockLineRequest struct {
	SKU         string          `json:"sku" binding:"required"`
	Location    models.Location `json:"location" binding:"required"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	Unit        models.Unit     `json:"unit" binding:"required"`
}

// Upsert sets the total of a stock line. The total may not drop below the
// volume held by active reservations.
func (l *StockLedger) Upsert(ctx context.Context, req *UpsertStockLineRequest) (*models.StockLine, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Upsert", attribute.String("sku", req.SKU))
	defer span.End()

	switch {
	case req.SKU == "":
		return nil, &apperrors.ValidationError{Field: "sku", Reason: "required"}
	case req.Location.IsZero():
		return nil, &apperrors.ValidationError{Field: "location", Reason: "city and state are required"}
	case req.TotalVolume.IsNegative():
		return nil, &apperrors.ValidationError{Field: "total_volume", Reason: "must not be negative"}
	case !models.FitsVolumeScale(req.TotalVolume):
		return nil, &apperrors.ValidationError{Field: "total_volume", Reason: fmt.Sprintf("at most %d decimal places", models.VolumeScale)}
	case !req.Unit.Valid():
		return nil, &apperrors.ValidationError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", req.Unit)}
	}

	line := &models.StockLine{
		SKU:         req.SKU,
		Location:    req.Location,
		TotalVolume: req.TotalVolume,
		Unit:        req.Unit,
	}
	if err := l.repo.UpsertStockLine(ctx, line); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	l.logger.Info("Stock line updated",
		zap.String("sku", line.SKU),
		zap.String("location", line.Location.String()),
		zap.String("total_volume", line.TotalVolume.String()))
	return line, nil
}
