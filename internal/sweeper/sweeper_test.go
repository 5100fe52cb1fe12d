package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/memstore"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (f *fakeExpirer) ExpireOverdue(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLeader struct {
	leader   bool
	err      error
	released bool
}

func (f *fakeLeader) TryAcquire(context.Context) (bool, error) { return f.leader, f.err }

func (f *fakeLeader) Release(context.Context) error {
	f.released = true
	return nil
}

func createStep(t *testing.T, store *memstore.Store, id string, status domain.StepStatus) {
	t.Helper()
	step := domain.NewStepExecution(id, "build", 1, domain.NewContinuation(nil))
	switch status {
	case domain.StepStatusSucceeded:
		step.MarkSucceeded()
	case domain.StepStatusFailed:
		step.MarkFailed("boom")
	}
	require.NoError(t, store.CreateStep(context.Background(), step))
}

func activeIDs(t *testing.T, svc *constraint.Service, unit string) (active, blocked []string) {
	t.Helper()
	snap, ok := svc.Snapshot(unit)
	require.True(t, ok)
	for _, c := range snap.Active {
		active = append(active, c.ID)
	}
	for _, c := range snap.Blocked {
		blocked = append(blocked, c.ID)
	}
	return active, blocked
}

func TestNew_Schedule(t *testing.T) {
	sw, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, sw.schedule)

	_, err = New(Config{Schedule: "*/5 * * * *"})
	assert.NoError(t, err)

	_, err = New(Config{Schedule: "every now and then"})
	assert.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 15s", "@hourly", "0 * * * *"} {
		assert.NoError(t, ValidateSchedule(spec), spec)
	}
	for _, spec := range []string{"", "* * *", "@every"} {
		assert.Error(t, ValidateSchedule(spec), spec)
	}
}

func TestTick_ExpiresEnvelopes(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exp := &fakeExpirer{n: 2}

	sw, err := New(Config{Dispatcher: exp, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, sw.Tick(context.Background()))
	require.Equal(t, 1, exp.count())
	assert.Equal(t, now, exp.calls[0])
}

func TestTick_ExpiresBlockedConsumers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memstore.New()
	createStep(t, store, "s1", domain.StepStatusPending)
	createStep(t, store, "s2", domain.StepStatusPending)

	svc := constraint.New(constraint.Config{Now: clock})
	require.NoError(t, svc.Configure(ctx, "repoA", 1, 0))
	_, _ = svc.Register(ctx, "repoA", "a", 1, "s1")
	_, _ = svc.Register(ctx, "repoA", "b", 1, "s2")

	sw, err := New(Config{
		Constraints:  svc,
		Steps:        store,
		BlockTimeout: time.Minute,
		Now:          clock,
	})
	require.NoError(t, err)

	require.NoError(t, sw.Tick(ctx))
	_, blocked := activeIDs(t, svc, "repoA")
	assert.Equal(t, []string{"b"}, blocked)

	now = now.Add(2 * time.Minute)
	require.NoError(t, sw.Tick(ctx))
	active, blocked := activeIDs(t, svc, "repoA")
	assert.Equal(t, []string{"a"}, active)
	assert.Empty(t, blocked)
}

func TestTick_ZeroBlockTimeoutKeepsQueue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memstore.New()
	createStep(t, store, "s1", domain.StepStatusPending)
	createStep(t, store, "s2", domain.StepStatusPending)

	svc := constraint.New(constraint.Config{Now: clock})
	require.NoError(t, svc.Configure(ctx, "repoA", 1, 0))
	_, _ = svc.Register(ctx, "repoA", "a", 1, "s1")
	_, _ = svc.Register(ctx, "repoA", "b", 1, "s2")

	sw, err := New(Config{Constraints: svc, Steps: store, Now: clock})
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	require.NoError(t, sw.Tick(ctx))
	_, blocked := activeIDs(t, svc, "repoA")
	assert.Equal(t, []string{"b"}, blocked)
}

func TestTick_ReleasesOrphanedConsumers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createStep(t, store, "done", domain.StepStatusSucceeded)
	createStep(t, store, "live", domain.StepStatusPending)
	createStep(t, store, "failed", domain.StepStatusFailed)

	svc := constraint.New(constraint.Config{})
	require.NoError(t, svc.Configure(ctx, "repoA", 1, 0))
	_, _ = svc.Register(ctx, "repoA", "c-done", 1, "done")
	_, _ = svc.Register(ctx, "repoA", "c-live", 1, "live")
	_, _ = svc.Register(ctx, "repoA", "c-failed", 1, "failed")
	_, _ = svc.Register(ctx, "repoA", "c-missing", 1, "missing")

	sw, err := New(Config{Constraints: svc, Steps: store})
	require.NoError(t, err)

	require.NoError(t, sw.Tick(ctx))

	active, blocked := activeIDs(t, svc, "repoA")
	assert.Equal(t, []string{"c-live"}, active)
	assert.Empty(t, blocked)
}

func TestTick_JobErrorsDoNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createStep(t, store, "done", domain.StepStatusSucceeded)

	svc := constraint.New(constraint.Config{})
	require.NoError(t, svc.Configure(ctx, "repoA", 1, 0))
	_, _ = svc.Register(ctx, "repoA", "c-done", 1, "done")

	exp := &fakeExpirer{err: errors.New("db down")}
	sw, err := New(Config{Dispatcher: exp, Constraints: svc, Steps: store})
	require.NoError(t, err)

	err = sw.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	active, _ := activeIDs(t, svc, "repoA")
	assert.Empty(t, active)
}

type repairFunc func(ctx context.Context) (int, error)

func (f repairFunc) RepairStranded(ctx context.Context) (int, error) { return f(ctx) }

func TestTick_RepairsStrandedSteps(t *testing.T) {
	calls := 0
	sw, err := New(Config{Repairer: repairFunc(func(context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("db down")
		}
		return 1, nil
	})})
	require.NoError(t, err)

	require.NoError(t, sw.Tick(context.Background()))
	assert.Equal(t, 1, calls)

	err = sw.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair steps")
}

func TestTick_Leader(t *testing.T) {
	ctx := context.Background()

	t.Run("follower skips", func(t *testing.T) {
		exp := &fakeExpirer{}
		sw, err := New(Config{Dispatcher: exp, Leader: &fakeLeader{}})
		require.NoError(t, err)

		require.NoError(t, sw.Tick(ctx))
		assert.Zero(t, exp.count())
	})

	t.Run("leader runs", func(t *testing.T) {
		exp := &fakeExpirer{}
		sw, err := New(Config{Dispatcher: exp, Leader: &fakeLeader{leader: true}})
		require.NoError(t, err)

		require.NoError(t, sw.Tick(ctx))
		assert.Equal(t, 1, exp.count())
	})

	t.Run("acquire error", func(t *testing.T) {
		exp := &fakeExpirer{}
		sw, err := New(Config{Dispatcher: exp, Leader: &fakeLeader{err: errors.New("conn refused")}})
		require.NoError(t, err)

		assert.Error(t, sw.Tick(ctx))
		assert.Zero(t, exp.count())
	})
}

func TestStartStop(t *testing.T) {
	exp := &fakeExpirer{}
	leader := &fakeLeader{leader: true}

	sw, err := New(Config{Dispatcher: exp, Leader: leader, Schedule: "@every 1s"})
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))

	require.Eventually(t, func() bool { return exp.count() > 0 }, 5*time.Second, 50*time.Millisecond)

	sw.Stop()
	sw.Stop()
	assert.True(t, leader.released)
}
