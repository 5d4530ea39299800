package service

import (
	"context"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Defaults for Options fields left at zero
const (
	DefaultReservationTTL = 48 * time.Hour
	DefaultUrgencyWindow  = 24 * time.Hour
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultSweepBatchSize = 500
)

// An idempotency key holds pendingIdempotencyPrefix+id while its reservation
// is being created. The short TTL frees keys left by a crashed request.
const (
	pendingIdempotencyPrefix = "pending:"
	idempotencyClaimTTL      = 30 * time.Second
)

// Options tunes the reservation engine
type Options struct {
	// ReservationTTL is added to the creation time to get expiresAt
	ReservationTTL time.Duration
	// UrgencyWindow is how close to expiry a reservation counts as expiring soon
	UrgencyWindow  time.Duration
	IdempotencyTTL time.Duration
	// RetryDelay is the pause before the single retry of a transient storage failure
	RetryDelay     time.Duration
	SweepBatchSize int
}

func (o Options) withDefaults() Options {
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = DefaultReservationTTL
	}
	if o.UrgencyWindow <= 0 {
		o.UrgencyWindow = DefaultUrgencyWindow
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = DefaultSweepBatchSize
	}
	return o
}

// EventPublisher publishes reservation lifecycle events
type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error
}

// IdempotencyStore remembers which reservation answered a request key.
// SetIdempotencyKey only writes an absent key; StoreIdempotencyKey overwrites.
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	StoreIdempotencyKey(ctx context.Context, key string, value string, ttl time.Duration) error
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// withStorageRetry runs fn and retries it once when it fails with a
// transient storage error. Business errors are returned immediately.
func withStorageRetry(ctx context.Context, op string, delay time.Duration, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), 1), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, _ time.Duration) {
		util.StorageRetriesTotal.WithLabelValues(op).Inc()
	})
}

// publishAll emits one event per reservation and combines the failures
func publishAll(ctx context.Context, publisher EventPublisher, eventType string, rs []models.Reservation, at time.Time) error {
	if publisher == nil {
		return nil
	}

	var errs error
	for i := range rs {
		event := models.NewReservationEvent(uuid.NewString(), eventType, &rs[i], at)
		if err := publisher.PublishReservationEvent(ctx, event); err != nil {
			util.EventsPublishFailedTotal.WithLabelValues(eventType).Inc()
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func sumVolume(rs []models.Reservation) decimal.Decimal {
	sum := decimal.Zero
	for i := range rs {
		sum = sum.Add(rs[i].ReservedVolume)
	}
	return sum
}
