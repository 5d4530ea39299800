package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Repository. A single mutex serialises every
// call, and RunInTx works on a copy that only replaces the live state when fn
// succeeds. It backs STORAGE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) GetStockLine(ctx context.Context, sku string, loc models.Location) (*models.StockLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetStockLine(ctx, sku, loc)
}

func (m *MemoryStore) ListStockLines(ctx context.Context) ([]models.StockLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListStockLines(ctx)
}

func (m *MemoryStore) UpsertStockLine(ctx context.Context, line *models.StockLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpsertStockLine(ctx, line)
}

func (m *MemoryStore) ConsumeStock(ctx context.Context, sku string, loc models.Location, volume decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ConsumeStock(ctx, sku, loc, volume)
}

func (m *MemoryStore) CreateReservation(ctx context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateReservation(ctx, r)
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetReservation(ctx, id)
}

func (m *MemoryStore) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListReservations(ctx, filter)
}

func (m *MemoryStore) ListActiveBySkuLocation(ctx context.Context, sku string, loc models.Location) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListActiveBySkuLocation(ctx, sku, loc)
}

func (m *MemoryStore) ListReservationsByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListReservationsByProposal(ctx, proposalID)
}

func (m *MemoryStore) LockActiveByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockActiveByProposal(ctx, proposalID)
}

func (m *MemoryStore) TransitionReservation(ctx context.Context, id string, to models.ReservationStatus, at time.Time) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.TransitionReservation(ctx, id, to, at)
}

func (m *MemoryStore) SumActiveReservedVolume(ctx context.Context, sku string, loc models.Location) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SumActiveReservedVolume(ctx, sku, loc)
}

func (m *MemoryStore) ExpireDue(ctx context.Context, q ExpireQuery) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ExpireDue(ctx, q)
}

func (m *MemoryStore) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CountByStatus(ctx)
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsEventProcessed(ctx, eventID)
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MarkEventProcessed(ctx, eventID, eventType)
}

// RunInTx runs fn against a private copy of the state and publishes the copy
// only when fn returns nil.
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.state = draft
	return nil
}

type lineKey struct {
	sku   string
	city  string
	state string
}

func keyOf(sku string, loc models.Location) lineKey {
	return lineKey{sku: sku, city: loc.City, state: loc.State}
}

// memState holds the data and implements Repository without locking.
type memState struct {
	lines        map[lineKey]models.StockLine
	reservations map[string]models.Reservation
	processed    map[string]string
}

func newMemState() *memState {
	return &memState{
		lines:        make(map[lineKey]models.StockLine),
		reservations: make(map[string]models.Reservation),
		processed:    make(map[string]string),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.lines {
		c.lines[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	for k, v := range st.processed {
		c.processed[k] = v
	}
	return c
}

func (st *memState) GetStockLine(_ context.Context, sku string, loc models.Location) (*models.StockLine, error) {
	line, ok := st.lines[keyOf(sku, loc)]
	if !ok {
		return nil, ErrStockLineNotFound
	}
	return &line, nil
}

func (st *memState) ListStockLines(_ context.Context) ([]models.StockLine, error) {
	out := make([]models.StockLine, 0, len(st.lines))
	for _, line := range st.lines {
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		if a.State != b.State {
			return a.State < b.State
		}
		return a.City < b.City
	})
	return out, nil
}

func (st *memState) UpsertStockLine(ctx context.Context, line *models.StockLine) error {
	reserved, _ := st.SumActiveReservedVolume(ctx, line.SKU, line.Location)
	if line.TotalVolume.LessThan(reserved) {
		return &apperrors.OverbookError{
			SKU:       line.SKU,
			Location:  line.Location.String(),
			Requested: reserved,
			Available: line.TotalVolume,
		}
	}
	line.UpdatedAt = time.Now().UTC()
	st.lines[keyOf(line.SKU, line.Location)] = *line
	return nil
}

func (st *memState) ConsumeStock(_ context.Context, sku string, loc models.Location, volume decimal.Decimal) error {
	key := keyOf(sku, loc)
	line, ok := st.lines[key]
	if !ok || line.TotalVolume.LessThan(volume) {
		return &apperrors.InsufficientStockError{
			SKU:       sku,
			Location:  loc.String(),
			Requested: volume,
			Total:     line.TotalVolume,
		}
	}
	line.TotalVolume = line.TotalVolume.Sub(volume)
	line.UpdatedAt = time.Now().UTC()
	st.lines[key] = line
	return nil
}

func (st *memState) CreateReservation(ctx context.Context, r *models.Reservation) error {
	total := decimal.Zero
	if line, ok := st.lines[keyOf(r.SKU, r.Location)]; ok {
		total = line.TotalVolume
	}
	reserved, _ := st.SumActiveReservedVolume(ctx, r.SKU, r.Location)
	if reserved.Add(r.ReservedVolume).GreaterThan(total) {
		return &apperrors.OverbookError{
			SKU:       r.SKU,
			Location:  r.Location.String(),
			Requested: r.ReservedVolume,
			Available: clampZero(total.Sub(reserved)),
		}
	}
	r.Status = models.ReservationStatusActive
	r.UpdatedAt = r.CreatedAt
	st.reservations[r.ID] = *r
	return nil
}

func (st *memState) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	r, ok := st.reservations[id]
	if !ok {
		return nil, &apperrors.ReservationNotFoundError{ReservationID: id}
	}
	return &r, nil
}

func (st *memState) ListReservations(_ context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	out := st.collect(func(r *models.Reservation) bool {
		return (filter.Status == "" || r.Status == filter.Status) &&
			(filter.ProposalID == "" || r.ProposalID == filter.ProposalID) &&
			(filter.SKU == "" || r.SKU == filter.SKU) &&
			(filter.Location.City == "" || r.City == filter.Location.City) &&
			(filter.Location.State == "" || r.State == filter.Location.State)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *memState) ListActiveBySkuLocation(_ context.Context, sku string, loc models.Location) ([]models.Reservation, error) {
	key := keyOf(sku, loc)
	out := st.collect(func(r *models.Reservation) bool {
		return r.IsActive() && keyOf(r.SKU, r.Location) == key
	})
	sortByExpiry(out)
	return out, nil
}

func (st *memState) ListReservationsByProposal(_ context.Context, proposalID string) ([]models.Reservation, error) {
	out := st.collect(func(r *models.Reservation) bool { return r.ProposalID == proposalID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *memState) LockActiveByProposal(_ context.Context, proposalID string) ([]models.Reservation, error) {
	out := st.collect(func(r *models.Reservation) bool { return r.IsActive() && r.ProposalID == proposalID })
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		if a.State != b.State {
			return a.State < b.State
		}
		if a.City != b.City {
			return a.City < b.City
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (st *memState) TransitionReservation(_ context.Context, id string, to models.ReservationStatus, at time.Time) (*models.Reservation, error) {
	r, ok := st.reservations[id]
	if !ok {
		return nil, &apperrors.ReservationNotFoundError{ReservationID: id}
	}
	if !r.IsActive() || !to.Terminal() {
		return nil, &apperrors.InvalidTransitionError{ReservationID: id, From: string(r.Status), To: string(to)}
	}
	r.MarkTransition(to, at)
	st.reservations[id] = r
	return &r, nil
}

func (st *memState) SumActiveReservedVolume(_ context.Context, sku string, loc models.Location) (decimal.Decimal, error) {
	key := keyOf(sku, loc)
	sum := decimal.Zero
	for _, r := range st.reservations {
		if r.IsActive() && keyOf(r.SKU, r.Location) == key {
			sum = sum.Add(r.ReservedVolume)
		}
	}
	return sum, nil
}

func (st *memState) ExpireDue(_ context.Context, q ExpireQuery) ([]models.Reservation, error) {
	due := st.collect(func(r *models.Reservation) bool {
		if !r.IsDue(q.Now) {
			return false
		}
		return q.SKU == "" || keyOf(r.SKU, r.Location) == keyOf(q.SKU, q.Location)
	})
	sortByExpiry(due)
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	for i := range due {
		due[i].MarkTransition(models.ReservationStatusExpired, q.Now)
		st.reservations[due[i].ID] = due[i]
	}
	return due, nil
}

func (st *memState) CountByStatus(_ context.Context) ([]models.StatusCount, error) {
	counts := make(map[models.ReservationStatus]int64)
	for _, r := range st.reservations {
		counts[r.Status]++
	}
	out := make([]models.StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, models.StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (st *memState) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := st.processed[eventID]
	return ok, nil
}

func (st *memState) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	if _, ok := st.processed[eventID]; !ok {
		st.processed[eventID] = eventType
	}
	return nil
}

func (st *memState) RunInTx(_ context.Context, fn func(tx Repository) error) error {
	return fn(st)
}

func (st *memState) collect(match func(r *models.Reservation) bool) []models.Reservation {
	var out []models.Reservation
	for _, r := range st.reservations {
		r := r
		if match(&r) {
			out = append(out, r)
		}
	}
	return out
}

func sortByExpiry(rs []models.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ExpiresAt.Equal(rs[j].ExpiresAt) {
			return rs[i].ExpiresAt.Before(rs[j].ExpiresAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
