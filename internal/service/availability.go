package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type stockLineKey struct {
	sku string
	loc models.Location
}

// AvailabilityCalculator derives available volume per stock line from the
// ledger totals and the active reservations.
type AvailabilityCalculator struct {
	repo          store.Repository
	ledger        *StockLedger
	urgencyWindow time.Duration
	now           func() time.Time
}

// NewAvailabilityCalculator creates a new availability calculator
func NewAvailabilityCalculator(repo store.Repository, ledger *StockLedger, opts Options) *AvailabilityCalculator {
	opts = opts.withDefaults()
	return &AvailabilityCalculator{
		repo:          repo,
		ledger:        ledger,
		urgencyWindow: opts.UrgencyWindow,
		now:           time.Now,
	}
}

// Rows returns one availability row per stock line, ordered by sku then
// location.
func (a *AvailabilityCalculator) Rows(ctx context.Context) ([]models.AvailabilityRow, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityCalculator.Rows")
	defer span.End()

	lines, err := a.ledger.List(ctx)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	active, err := a.repo.ListReservations(ctx, models.ReservationFilter{Status: models.ReservationStatusActive})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	bySkuLocation := make(map[stockLineKey][]models.Reservation)
	for _, r := range active {
		k := stockLineKey{sku: r.SKU, loc: r.Location}
		bySkuLocation[k] = append(bySkuLocation[k], r)
	}

	rows := make([]models.AvailabilityRow, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, buildRow(line, bySkuLocation[stockLineKey{sku: line.SKU, loc: line.Location}]))
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		if a.Location.City != b.Location.City {
			return a.Location.City < b.Location.City
		}
		return a.Location.State < b.Location.State
	})
	return rows, nil
}

// Row returns the availability of a single stock line. A pair with no stock
// line reports a zero total.
func (a *AvailabilityCalculator) Row(ctx context.Context, sku string, loc models.Location) (*models.AvailabilityRow, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityCalculator.Row",
		attribute.String("sku", sku),
		attribute.String("location", loc.String()))
	defer span.End()

	if sku == "" {
		return nil, &apperrors.ValidationError{Field: "sku", Reason: "required"}
	}
	if loc.IsZero() {
		return nil, &apperrors.ValidationError{Field: "location", Reason: "city and state are required"}
	}

	line := models.StockLine{SKU: sku, Location: loc}
	existing, err := a.repo.GetStockLine(ctx, sku, loc)
	switch {
	case err == nil:
		line = *existing
	case !errors.Is(err, store.ErrStockLineNotFound):
		util.RecordError(span, err)
		return nil, err
	}

	active, err := a.repo.ListActiveBySkuLocation(ctx, sku, loc)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	row := buildRow(line, active)
	return &row, nil
}

// ExpiringSoon lists active reservations whose remaining time is within the
// urgency window, soonest first.
func (a *AvailabilityCalculator) ExpiringSoon(ctx context.Context) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityCalculator.ExpiringSoon")
	defer span.End()

	active, err := a.repo.ListReservations(ctx, models.ReservationFilter{Status: models.ReservationStatusActive})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	now := a.now().UTC()
	var out []models.Reservation
	for i := range active {
		if active[i].TimeRemaining(now) <= a.urgencyWindow {
			out = append(out, active[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func buildRow(line models.StockLine, active []models.Reservation) models.AvailabilityRow {
	reserved := sumVolume(active)
	available := line.TotalVolume.Sub(reserved)
	if available.IsNegative() {
		available = decimal.Zero
	}

	row := models.AvailabilityRow{
		SKU:                    line.SKU,
		Location:               line.Location,
		Unit:                   line.Unit,
		TotalVolume:            line.TotalVolume,
		ReservedVolume:         reserved,
		AvailableVolume:        available,
		ActiveReservationCount: len(active),
		Band:                   classify(line.TotalVolume, available),
	}
	for i := range active {
		exp := active[i].ExpiresAt
		if row.NextExpiry == nil || exp.Before(*row.NextExpiry) {
			row.NextExpiry = &exp
		}
	}
	return row
}

// classify maps a row to its UI badge. An empty line counts as fully
// reserved since nothing can be sold from it.
func classify(total, available decimal.Decimal) models.AvailabilityBand {
	switch {
	case !available.IsPositive():
		return models.BandFullyReserved
	case available.Equal(total):
		return models.BandFullyAvailable
	default:
		return models.BandPartiallyReserved
	}
}
