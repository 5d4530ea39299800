package service

import (
	"context"
	"testing"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestAvailabilityRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	lucas := models.Location{City: "Lucas do Rio Verde", State: "MT"}
	h.seed(t, "HERB-01", sorriso, 1000)
	h.seed(t, "HERB-01", lucas, 300)
	h.seed(t, "FERT-07", sorriso, 200)

	_, err := h.reservations.Reserve(ctx, reserveReq("P1", 600))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.reservations.Reserve(ctx, reserveReq("P2", 400))
	require.NoError(t, err)

	fert := reserveReq("P3", 50)
	fert.SKU = "FERT-07"
	_, err = h.reservations.Reserve(ctx, fert)
	require.NoError(t, err)

	rows, err := h.availability.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "FERT-07", rows[0].SKU)
	assert.Equal(t, models.BandPartiallyReserved, rows[0].Band)
	decimalEqual(t, 150, rows[0].AvailableVolume)

	assert.Equal(t, lucas, rows[1].Location)
	assert.Equal(t, models.BandFullyAvailable, rows[1].Band)
	assert.Nil(t, rows[1].NextExpiry)
	assert.Zero(t, rows[1].ActiveReservationCount)

	herb := rows[2]
	assert.Equal(t, sorriso, herb.Location)
	assert.Equal(t, models.BandFullyReserved, herb.Band)
	assert.Equal(t, 2, herb.ActiveReservationCount)
	decimalEqual(t, 1000, herb.ReservedVolume)
	decimalEqual(t, 0, herb.AvailableVolume)
	require.NotNil(t, herb.NextExpiry)
	assert.Equal(t, h.clock.Now().Add(-time.Hour).Add(DefaultReservationTTL), *herb.NextExpiry)

	for _, row := range rows {
		assert.True(t, row.AvailableVolume.Add(row.ReservedVolume).Equal(row.TotalVolume),
			"%s %s", row.SKU, row.Location)
	}
}

func TestAvailabilityRowsKeepsCommaLocationsApart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := models.Location{City: "Lucas,do Rio Verde", State: "MT"}
	second := models.Location{City: "Lucas", State: "do Rio Verde,MT"}
	h.seed(t, "HERB-01", first, 100)
	h.seed(t, "HERB-01", second, 100)

	req := reserveReq("P1", 60)
	req.Location = first
	_, err := h.reservations.Reserve(ctx, req)
	require.NoError(t, err)

	rows, err := h.availability.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		switch row.Location {
		case first:
			decimalEqual(t, 60, row.ReservedVolume)
			assert.Equal(t, 1, row.ActiveReservationCount)
		case second:
			decimalEqual(t, 0, row.ReservedVolume)
			decimalEqual(t, 100, row.AvailableVolume)
			assert.Zero(t, row.ActiveReservationCount)
			assert.Equal(t, models.BandFullyAvailable, row.Band)
		default:
			t.Errorf("unexpected location %v", row.Location)
		}
	}
}

func TestAvailabilityRowUnknownLine(t *testing.T) {
	h := newHarness(t)

	row, err := h.availability.Row(context.Background(), "HERB-99", sorriso)
	require.NoError(t, err)
	decimalEqual(t, 0, row.TotalVolume)
	decimalEqual(t, 0, row.AvailableVolume)
	assert.Equal(t, models.BandFullyReserved, row.Band)

	_, err = h.availability.Row(context.Background(), "", sorriso)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAvailabilityClampsNegative(t *testing.T) {
	line := models.StockLine{SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.NewFromInt(100)}
	row := buildRow(line, []models.Reservation{{ReservedVolume: decimal.NewFromInt(150)}})

	decimalEqual(t, 0, row.AvailableVolume)
	assert.Equal(t, models.BandFullyReserved, row.Band)
}

func TestExpiringSoonRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	util.SetTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test"))
	t.Cleanup(func() { util.SetTracer(nil) })

	h := newHarness(t)
	_, err := h.availability.ExpiringSoon(context.Background())
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "AvailabilityCalculator.ExpiringSoon")
}

func TestExpiringSoon(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "HERB-01", sorriso, 1000)

	early, err := h.reservations.Reserve(ctx, reserveReq("P1", 100))
	require.NoError(t, err)
	h.clock.Advance(12 * time.Hour)
	mid, err := h.reservations.Reserve(ctx, reserveReq("P2", 100))
	require.NoError(t, err)
	h.clock.Advance(12 * time.Hour)
	_, err = h.reservations.Reserve(ctx, reserveReq("P3", 100))
	require.NoError(t, err)

	// P1 has 24h left, P2 36h, P3 48h
	soon, err := h.availability.ExpiringSoon(ctx)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, early.ID, soon[0].ID)

	h.clock.Advance(12 * time.Hour)
	soon, err = h.availability.ExpiringSoon(ctx)
	require.NoError(t, err)
	require.Len(t, soon, 2)
	assert.Equal(t, early.ID, soon[0].ID)
	assert.Equal(t, mid.ID, soon[1].ID)
}

func TestLedgerUpsertValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.ledger.Upsert(ctx, &UpsertStockLineRequest{
		SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.NewFromInt(10), Unit: "gallons",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.ledger.Upsert(ctx, &UpsertStockLineRequest{
		SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.NewFromInt(-1), Unit: models.UnitLiters,
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.ledger.Upsert(ctx, &UpsertStockLineRequest{
		SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.RequireFromString("1000.00005"), Unit: models.UnitLiters,
	})
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "total_volume", verr.Field)
}

func TestLedgerUpsertBelowReservedIsOverbook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "HERB-01", sorriso, 1000)

	_, err := h.reservations.Reserve(ctx, reserveReq("P1", 600))
	require.NoError(t, err)

	_, err = h.ledger.Upsert(ctx, &UpsertStockLineRequest{
		SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.NewFromInt(500), Unit: models.UnitLiters,
	})
	assert.ErrorIs(t, err, apperrors.ErrOverbook)

	total, err := h.ledger.GetTotal(ctx, "HERB-01", sorriso)
	require.NoError(t, err)
	decimalEqual(t, 1000, total)
}

func TestLedgerConsumeInsufficient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "HERB-01", sorriso, 100)

	err := h.ledger.Consume(ctx, "HERB-01", sorriso, decimal.NewFromInt(150))
	var insufficient *apperrors.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	decimalEqual(t, 100, insufficient.Total)

	assert.ErrorIs(t, h.ledger.Consume(ctx, "HERB-01", sorriso, decimal.Zero), apperrors.ErrValidation)
}
