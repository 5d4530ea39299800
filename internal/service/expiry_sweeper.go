package service

import (
	"context"
	"fmt"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ExpirySweeper moves active reservations past their expiry to expired.
// Expired volume is released by exclusion: availability only sums active
// reservations.
type ExpirySweeper struct {
	repo      store.Repository
	publisher EventPublisher
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewExpirySweeper creates a new expiry sweeper. publisher may be nil.
func NewExpirySweeper(repo store.Repository, publisher EventPublisher, opts Options) *ExpirySweeper {
	opts = opts.withDefaults()
	return &ExpirySweeper{
		repo:      repo,
		publisher: publisher,
		batchSize: opts.SweepBatchSize,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SweepOnce expires every due reservation in batches and returns how many
// were expired. Running it again with nothing due is a no-op.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "ExpirySweeper.SweepOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now().UTC()
	total := 0
	var publishErrs error

	for {
		expired, err := s.repo.ExpireDue(ctx, store.ExpireQuery{Now: now, Limit: s.batchSize})
		if err != nil {
			util.SweepRunsTotal.WithLabelValues("failure").Inc()
			util.RecordError(span, err)
			return total, fmt.Errorf("expire due reservations: %w", err)
		}
		total += len(expired)
		publishErrs = multierr.Append(publishErrs,
			publishAll(ctx, s.publisher, models.EventTypeReservationExpired, expired, now))

		if len(expired) < s.batchSize {
			break
		}
	}

	if total > 0 {
		util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusExpired)).Add(float64(total))
	}
	if publishErrs != nil {
		s.logger.Error("Failed to publish expiry events",
			zap.Int("failed", len(multierr.Errors(publishErrs))),
			zap.Error(publishErrs))
	}

	util.SweepRunsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Expiry sweep complete", zap.Int("expired", total), zap.Time("as_of", now))
	return total, nil
}

// expireAndPublish expires the due reservations matched by q and emits one
// event per reservation. Publish failures are logged only.
func expireAndPublish(ctx context.Context, repo store.Repository, publisher EventPublisher, q store.ExpireQuery) ([]models.Reservation, error) {
	expired, err := repo.ExpireDue(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return expired, nil
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationStatusExpired)).Add(float64(len(expired)))
	if err := publishAll(ctx, publisher, models.EventTypeReservationExpired, expired, q.Now); err != nil {
		util.GetLogger().Error("Failed to publish expiry events", zap.Error(err))
	}
	return expired, nil
}
