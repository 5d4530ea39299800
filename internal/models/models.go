package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Unit is the measure a stock line is counted in
type Unit string

const (
	UnitLiters    Unit = "liters"
	UnitKilograms Unit = "kilograms"
	UnitTonnes    Unit = "tonnes"
)

// Valid reports whether u is a known unit
func (u Unit) Valid() bool {
	switch u {
	case UnitLiters, UnitKilograms, UnitTonnes:
		return true
	}
	return false
}

// Location is a city/state pair identifying a distribution point
type Location struct {
	City  string `db:"city" json:"city" binding:"required"`
	State string `db:"state" json:"state" binding:"required"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s,%s", l.City, l.State)
}

// IsZero reports whether either half of the pair is missing
func (l Location) IsZero() bool {
	return l.City == "" || l.State == ""
}

// VolumeScale is the number of decimal places volumes are stored with
const VolumeScale = 4

// FitsVolumeScale reports whether v can be stored without rounding
func FitsVolumeScale(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(VolumeScale))
}

// StockLine represents inventory for one product at one location
type StockLine struct {
	SKU string `db:"sku" json:"sku"`
	Location
	TotalVolume decimal.Decimal `db:"total_volume" json:"total_volume"`
	Unit        Unit            `db:"unit" json:"unit"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

// Reservation statuses
const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConsumed  ReservationStatus = "consumed"
	ReservationStatusExpired   ReservationStatus = "expired"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s
func (s ReservationStatus) Terminal() bool {
	return s == ReservationStatusConsumed || s == ReservationStatusExpired || s == ReservationStatusCancelled
}

// Valid reports whether s is a known status
func (s ReservationStatus) Valid() bool {
	return s == ReservationStatusActive || s.Terminal()
}

// Reservation is a time-bounded hold of volume against a stock line
type Reservation struct {
	ID            string `db:"id" json:"id"`
	ProposalID    string `db:"proposal_id" json:"proposal_id"`
	OpportunityID string `db:"opportunity_id" json:"opportunity_id"`
	SKU           string `db:"sku" json:"sku"`
	Location
	ReservedVolume decimal.Decimal   `db:"reserved_volume" json:"reserved_volume"`
	Status         ReservationStatus `db:"status" json:"status"`
	ReservedBy     string            `db:"reserved_by" json:"reserved_by,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time         `db:"expires_at" json:"expires_at"`
	ConsumedAt     *time.Time        `db:"consumed_at" json:"consumed_at,omitempty"`
	CancelledAt    *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt      *time.Time        `db:"expired_at" json:"expired_at,omitempty"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the reservation still holds volume
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// IsDue reports whether an active reservation has reached its expiry at now
func (r *Reservation) IsDue(now time.Time) bool {
	return r.IsActive() && !r.ExpiresAt.After(now)
}

// TimeRemaining returns the time left before expiry, zero once elapsed
func (r *Reservation) TimeRemaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// MarkTransition moves an active reservation to a terminal status and stamps
// the matching timestamp. Callers must check IsActive first.
func (r *Reservation) MarkTransition(to ReservationStatus, at time.Time) {
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case ReservationStatusConsumed:
		r.ConsumedAt = &at
	case ReservationStatusCancelled:
		r.CancelledAt = &at
	case ReservationStatusExpired:
		r.ExpiredAt = &at
	}
}

// ReservationFilter narrows reservation listings
type ReservationFilter struct {
	Status     ReservationStatus
	ProposalID string
	SKU        string
	Location   Location
}

// AvailabilityBand classifies a stock line for UI badges
type AvailabilityBand string

const (
	BandFullyAvailable    AvailabilityBand = "fully_available"
	BandPartiallyReserved AvailabilityBand = "partially_reserved"
	BandFullyReserved     AvailabilityBand = "fully_reserved"
)

// AvailabilityRow is the derived availability of one stock line
type AvailabilityRow struct {
	SKU                    string           `json:"sku"`
	Location               Location         `json:"location"`
	Unit                   Unit             `json:"unit"`
	TotalVolume            decimal.Decimal  `json:"total_volume"`
	ReservedVolume         decimal.Decimal  `json:"reserved_volume"`
	AvailableVolume        decimal.Decimal  `json:"available_volume"`
	ActiveReservationCount int              `json:"active_reservation_count"`
	NextExpiry             *time.Time       `json:"next_expiry"`
	Band                   AvailabilityBand `json:"band"`
}

// StatusCount is one row of a group-by-status aggregate
type StatusCount struct {
	Status ReservationStatus `db:"status"`
	Count  int64             `db:"count"`
}

// StatsSummary aggregates reservations for the admin report
type StatsSummary struct {
	Active              int64           `json:"active"`
	Consumed            int64           `json:"consumed"`
	Expired             int64           `json:"expired"`
	Cancelled           int64           `json:"cancelled"`
	Total               int64           `json:"total"`
	TotalReservedVolume decimal.Decimal `json:"total_reserved_volume"`
	ConversionRate      float64         `json:"conversion_rate"`
	GeneratedAt         time.Time       `json:"generated_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
