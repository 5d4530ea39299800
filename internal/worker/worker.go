package worker

import (
	"context"
	"time"

	"reservation-service/internal/broker"
	"reservation-service/internal/service"
	"reservation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepLockKey = "reservation-sweeper"

// ProposalWorker consumes proposal lifecycle events from the CRM
type ProposalWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewProposalWorker creates a new proposal worker
func NewProposalWorker(consumer *broker.Consumer, handler *service.ProposalHandler) *ProposalWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnProposalAccepted(handler.HandleProposalAccepted)
	eventHandler.OnProposalClosed(handler.HandleProposalClosed)

	return &ProposalWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *ProposalWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting proposal worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ProposalWorker) Stop() error {
	w.logger.Info("Stopping proposal worker...")
	return w.consumer.Close()
}

// Sweeper runs one expiry pass
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

// Locker is the distributed lock guarding the sweep across replicas.
// AcquireLock succeeds for an owner that already holds the lock.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) error
}

// SweepWorker runs the expiry sweeper on a fixed interval. When a Locker is
// set, only the replica holding the lease sweeps; the holder keeps the lease
// by extending it each tick.
type SweepWorker struct {
	sweeper  Sweeper
	locker   Locker
	owner    string
	interval time.Duration
	lockTTL  time.Duration
	holding  bool
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker. locker may be nil for a single
// replica deployment.
func NewSweepWorker(sweeper Sweeper, locker Locker, interval, lockTTL time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 2 * interval
	}
	return &SweepWorker{
		sweeper:  sweeper,
		locker:   locker,
		owner:    uuid.NewString(),
		interval: interval,
		lockTTL:  lockTTL,
		logger:   util.GetLogger(),
	}
}

// Start runs a sweep immediately and then on every tick until ctx is done
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker...",
		zap.Duration("interval", w.interval),
		zap.String("owner", w.owner))

	w.runCycle(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.release()
			return ctx.Err()
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *SweepWorker) runCycle(ctx context.Context) {
	leader, err := w.lease(ctx)
	if err != nil {
		util.SweepRunsTotal.WithLabelValues("lock_error").Inc()
		w.logger.Error("Sweep lock failed", zap.Error(err))
		return
	}
	if !leader {
		util.SweepRunsTotal.WithLabelValues("skipped").Inc()
		w.logger.Debug("Another replica holds the sweep lock; skipping this cycle")
		return
	}

	// Failures are retried on the next tick
	if _, err := w.sweeper.SweepOnce(ctx); err != nil {
		w.logger.Error("Expiry sweep failed", zap.Error(err))
	}
}

// lease reports whether this replica may sweep now
func (w *SweepWorker) lease(ctx context.Context) (bool, error) {
	if w.locker == nil {
		return true, nil
	}

	if w.holding {
		extended, err := w.locker.ExtendLock(ctx, sweepLockKey, w.owner, w.lockTTL)
		if err != nil {
			w.holding = false
			return false, err
		}
		if extended {
			return true, nil
		}
		w.logger.Warn("Sweep lock lost", zap.String("owner", w.owner))
		w.holding = false
	}

	acquired, err := w.locker.AcquireLock(ctx, sweepLockKey, w.owner, w.lockTTL)
	if err != nil {
		return false, err
	}
	w.holding = acquired
	return acquired, nil
}

func (w *SweepWorker) release() {
	if w.locker == nil || !w.holding {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.locker.ReleaseLock(ctx, sweepLockKey, w.owner); err != nil {
		w.logger.Error("Failed to release sweep lock", zap.Error(err))
	}
	w.holding = false
	w.logger.Info("Stopping sweep worker...")
}
