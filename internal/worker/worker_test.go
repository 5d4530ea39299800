package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reservation-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSweeper) SweepOnce(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 0, s.err
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeLocker mimics the owner-checked Redis lease
type fakeLocker struct {
	mu         sync.Mutex
	owner      string
	acquireErr error
	extendErr  error
	released   bool
}

func (l *fakeLocker) AcquireLock(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.owner != "" && l.owner != owner {
		return false, nil
	}
	l.owner = owner
	return true, nil
}

func (l *fakeLocker) ExtendLock(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.extendErr != nil {
		return false, l.extendErr
	}
	return l.owner == owner, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, _, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
		l.released = true
	}
	return nil
}

func (l *fakeLocker) steal(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
}

func (l *fakeLocker) failExtend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extendErr = err
}

func TestSweepWorkerWithoutLockerAlwaysSweeps(t *testing.T) {
	util.SetLogger(zap.NewNop())
	sweeper := &countingSweeper{err: errors.New("storage unavailable")}
	w := NewSweepWorker(sweeper, nil, time.Minute, 0)

	w.runCycle(context.Background())
	w.runCycle(context.Background())

	assert.Equal(t, 2, sweeper.count())
}

func TestSweepWorkerOnlyLeaderSweeps(t *testing.T) {
	util.SetLogger(zap.NewNop())
	ctx := context.Background()
	locker := &fakeLocker{}

	leaderSweeper := &countingSweeper{}
	followerSweeper := &countingSweeper{}
	leader := NewSweepWorker(leaderSweeper, locker, time.Minute, 2*time.Minute)
	follower := NewSweepWorker(followerSweeper, locker, time.Minute, 2*time.Minute)

	leader.runCycle(ctx)
	follower.runCycle(ctx)
	leader.runCycle(ctx)
	follower.runCycle(ctx)

	assert.Equal(t, 2, leaderSweeper.count())
	assert.Zero(t, followerSweeper.count())

	// Lease moves to another replica
	locker.steal(follower.owner)
	leader.runCycle(ctx)
	follower.runCycle(ctx)

	assert.Equal(t, 2, leaderSweeper.count())
	assert.Equal(t, 1, followerSweeper.count())
	assert.False(t, leader.holding)
}

func TestSweepWorkerRecoversLeaseAfterExtendError(t *testing.T) {
	util.SetLogger(zap.NewNop())
	ctx := context.Background()
	locker := &fakeLocker{}

	leaderSweeper := &countingSweeper{}
	followerSweeper := &countingSweeper{}
	leader := NewSweepWorker(leaderSweeper, locker, time.Minute, 2*time.Minute)
	follower := NewSweepWorker(followerSweeper, locker, time.Minute, 2*time.Minute)

	leader.runCycle(ctx)
	require.Equal(t, 1, leaderSweeper.count())

	// A transient failure refreshing the lease skips one cycle only
	locker.failExtend(errors.New("i/o timeout"))
	leader.runCycle(ctx)
	assert.Equal(t, 1, leaderSweeper.count())
	assert.False(t, leader.holding)

	locker.failExtend(nil)
	follower.runCycle(ctx)
	leader.runCycle(ctx)

	assert.Equal(t, 2, leaderSweeper.count())
	assert.True(t, leader.holding)
	assert.Zero(t, followerSweeper.count())
}

func TestSweepWorkerLockErrorSkipsCycle(t *testing.T) {
	util.SetLogger(zap.NewNop())
	sweeper := &countingSweeper{}
	w := NewSweepWorker(sweeper, &fakeLocker{acquireErr: errors.New("redis down")}, time.Minute, 0)

	w.runCycle(context.Background())
	assert.Zero(t, sweeper.count())
}

func TestSweepWorkerStartStopsAndReleases(t *testing.T) {
	util.SetLogger(zap.NewNop())
	sweeper := &countingSweeper{}
	locker := &fakeLocker{}
	w := NewSweepWorker(sweeper, locker, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return sweeper.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweep worker did not stop")
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.True(t, locker.released)
	assert.Empty(t, locker.owner)
}
