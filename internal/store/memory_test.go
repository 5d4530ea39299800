package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMemoryStore(t *testing.T, total int64) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	require.NoError(t, m.UpsertStockLine(context.Background(), &models.StockLine{
		SKU:         "HERB-01",
		Location:    sorriso,
		TotalVolume: decimal.NewFromInt(total),
		Unit:        models.UnitLiters,
	}))
	return m
}

func TestMemoryStoreCreateReservation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	m := seededMemoryStore(t, 1000)

	require.NoError(t, m.CreateReservation(ctx, newReservation("P1", 600, now)))

	err := m.CreateReservation(ctx, newReservation("P2", 500, now))
	var overbook *apperrors.OverbookError
	require.ErrorAs(t, err, &overbook)
	assert.True(t, overbook.Available.Equal(decimal.NewFromInt(400)))

	sum, err := m.SumActiveReservedVolume(ctx, "HERB-01", sorriso)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(600)))
}

func TestMemoryStoreTransitionClosure(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, terminal := range []models.ReservationStatus{
		models.ReservationStatusConsumed,
		models.ReservationStatusCancelled,
		models.ReservationStatusExpired,
	} {
		t.Run(string(terminal), func(t *testing.T) {
			m := seededMemoryStore(t, 1000)
			r := newReservation("P1", 100, now)
			require.NoError(t, m.CreateReservation(ctx, r))

			_, err := m.TransitionReservation(ctx, r.ID, terminal, now)
			require.NoError(t, err)

			for _, next := range []models.ReservationStatus{
				models.ReservationStatusConsumed,
				models.ReservationStatusCancelled,
				models.ReservationStatusExpired,
			} {
				_, err := m.TransitionReservation(ctx, r.ID, next, now)
				assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			}

			got, err := m.GetReservation(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, terminal, got.Status)
		})
	}
}

func TestMemoryStoreExpireDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	m := seededMemoryStore(t, 1000)

	stale := newReservation("P1", 300, now.Add(-50*time.Hour))
	fresh := newReservation("P2", 200, now)
	require.NoError(t, m.CreateReservation(ctx, stale))
	require.NoError(t, m.CreateReservation(ctx, fresh))

	expired, err := m.ExpireDue(ctx, ExpireQuery{Now: now})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	require.NotNil(t, expired[0].ExpiredAt)

	again, err := m.ExpireDue(ctx, ExpireQuery{Now: now})
	require.NoError(t, err)
	assert.Empty(t, again)

	sum, err := m.SumActiveReservedVolume(ctx, "HERB-01", sorriso)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(200)))
}

func TestMemoryStoreRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	m := seededMemoryStore(t, 1000)
	r := newReservation("P1", 400, now)
	require.NoError(t, m.CreateReservation(ctx, r))

	boom := errors.New("boom")
	err := m.RunInTx(ctx, func(tx Repository) error {
		if _, err := tx.TransitionReservation(ctx, r.ID, models.ReservationStatusConsumed, now); err != nil {
			return err
		}
		if err := tx.ConsumeStock(ctx, "HERB-01", sorriso, r.ReservedVolume); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusActive, got.Status)

	line, err := m.GetStockLine(ctx, "HERB-01", sorriso)
	require.NoError(t, err)
	assert.True(t, line.TotalVolume.Equal(decimal.NewFromInt(1000)))
}

func TestMemoryStoreUpsertBelowReserved(t *testing.T) {
	ctx := context.Background()
	m := seededMemoryStore(t, 1000)
	require.NoError(t, m.CreateReservation(ctx, newReservation("P1", 700, time.Now().UTC())))

	err := m.UpsertStockLine(ctx, &models.StockLine{
		SKU: "HERB-01", Location: sorriso, TotalVolume: decimal.NewFromInt(500), Unit: models.UnitLiters,
	})
	assert.ErrorIs(t, err, apperrors.ErrOverbook)
}

func TestMemoryStoreConsumeStockInsufficient(t *testing.T) {
	m := seededMemoryStore(t, 100)

	err := m.ConsumeStock(context.Background(), "HERB-01", sorriso, decimal.NewFromInt(101))

	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)
}
