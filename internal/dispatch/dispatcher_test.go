package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/memstore"
)

// executorFunc адаптирует функцию к RemoteExecutor.
type executorFunc func(ctx context.Context, env domain.TaskEnvelope) error

func (f executorFunc) Execute(ctx context.Context, env domain.TaskEnvelope) error {
	return f(ctx, env)
}

func noopExecutor() RemoteExecutor {
	return executorFunc(func(context.Context, domain.TaskEnvelope) error { return nil })
}

// resumed — один вызов ResultHandler.Resume.
type resumed struct {
	env    domain.TaskEnvelope
	result domain.Result
}

// recordingHandler пишет вызовы Resume в канал.
type recordingHandler struct {
	calls chan resumed
	count atomic.Int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{calls: make(chan resumed, 1000)}
}

func (h *recordingHandler) Resume(_ context.Context, env domain.TaskEnvelope, result domain.Result) error {
	h.count.Add(1)
	h.calls <- resumed{env: env, result: result}
	return nil
}

func (h *recordingHandler) next(t *testing.T) resumed {
	t.Helper()
	select {
	case r := <-h.calls:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Resume")
		return resumed{}
	}
}

func newDispatcher(exec RemoteExecutor, h ResultHandler) (*Dispatcher, *memstore.Store) {
	store := memstore.New()
	d := New(Config{Store: store, Executor: exec, Handler: h})
	return d, store
}

func TestSubmit_ReturnsBeforeRemoteWork(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	exec := executorFunc(func(context.Context, domain.TaskEnvelope) error {
		<-release
		return nil
	})

	d, store := newDispatcher(exec, newRecordingHandler())
	defer func() {
		close(release)
		d.Stop()
	}()

	id, err := d.Submit(ctx, "step-1", 0, []byte(`{"a":1}`), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	env, err := store.GetEnvelope(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "step-1", env.StepID)
	assert.Equal(t, domain.ResolutionPending, env.Resolution)
	assert.Equal(t, 1, d.Pending())
}

func TestOnCompletion_ForwardsOnce(t *testing.T) {
	ctx := context.Background()
	h := newRecordingHandler()
	d, store := newDispatcher(noopExecutor(), h)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 2, nil, time.Minute)
	require.NoError(t, err)

	applied, err := d.OnCompletion(ctx, id, domain.SucceededResult([]byte("ok")))
	require.NoError(t, err)
	assert.True(t, applied)

	got := h.next(t)
	assert.Equal(t, "step-1", got.env.StepID)
	assert.Equal(t, 2, got.env.PhaseIndex)
	assert.Equal(t, domain.ResultStatusSucceeded, got.result.Status)
	assert.Equal(t, []byte("ok"), got.result.Output)

	// Повторный callback — stale.
	applied, err = d.OnCompletion(ctx, id, domain.FailedResult("late"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int32(1), h.count.Load())

	env, _ := store.GetEnvelope(ctx, id)
	assert.Equal(t, domain.ResolutionCompleted, env.Resolution)
	assert.NotNil(t, env.ResolvedAt)
	assert.Zero(t, d.Pending())
}

func TestOnTimeout_SynthesizesTimedOut(t *testing.T) {
	ctx := context.Background()
	h := newRecordingHandler()
	d, store := newDispatcher(noopExecutor(), h)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, 20*time.Millisecond)
	require.NoError(t, err)

	got := h.next(t)
	assert.Equal(t, id, got.env.CorrelationID)
	assert.Equal(t, domain.ResultStatusTimedOut, got.result.Status)
	assert.Contains(t, got.result.Error, "timed out")

	env, _ := store.GetEnvelope(ctx, id)
	assert.Equal(t, domain.ResolutionTimedOut, env.Resolution)

	// Поздний completion игнорируется.
	applied, err := d.OnCompletion(ctx, id, domain.SucceededResult(nil))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestResolve_ExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		h := newRecordingHandler()
		d, _ := newDispatcher(noopExecutor(), h)

		id, err := d.Submit(ctx, "step-race", 0, nil, time.Millisecond)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var applied atomic.Int32
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := d.OnCompletion(ctx, id, domain.SucceededResult(nil))
				assert.NoError(t, err)
				if ok {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		// Ждём, пока сработает либо completion, либо таймер.
		h.next(t)
		time.Sleep(5 * time.Millisecond)
		d.Stop()

		assert.Equal(t, int32(1), h.count.Load(), "handle must be resolved exactly once")
		assert.LessOrEqual(t, applied.Load(), int32(1))
	}
}

func TestSubmit_HandoffFailureResolvesAsFailed(t *testing.T) {
	ctx := context.Background()
	h := newRecordingHandler()
	exec := executorFunc(func(context.Context, domain.TaskEnvelope) error {
		return errors.New("broker unreachable")
	})
	d, _ := newDispatcher(exec, h)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, time.Minute)
	require.NoError(t, err)

	got := h.next(t)
	assert.Equal(t, id, got.env.CorrelationID)
	assert.Equal(t, domain.ResultStatusFailed, got.result.Status)
	assert.Contains(t, got.result.Error, "broker unreachable")
}

func TestCancel_DoesNotForward(t *testing.T) {
	ctx := context.Background()
	h := newRecordingHandler()
	d, store := newDispatcher(noopExecutor(), h)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, time.Minute)
	require.NoError(t, err)

	applied, err := d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = d.OnCompletion(ctx, id, domain.SucceededResult(nil))
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Zero(t, h.count.Load())
	env, _ := store.GetEnvelope(ctx, id)
	assert.Equal(t, domain.ResolutionCancelled, env.Resolution)
}

func TestOnCompletion_UnknownCorrelation(t *testing.T) {
	d, _ := newDispatcher(noopExecutor(), newRecordingHandler())
	defer d.Stop()

	applied, err := d.OnCompletion(context.Background(), "does-not-exist", domain.SucceededResult(nil))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestOnCompletion_NoHandler(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(noopExecutor(), nil)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, time.Minute)
	require.NoError(t, err)

	_, err = d.OnCompletion(ctx, id, domain.SucceededResult(nil))
	assert.ErrorIs(t, err, ErrNoHandler)
}

// flakyHandler отклоняет первые failures вызовов Resume.
type flakyHandler struct {
	*recordingHandler
	failures atomic.Int32
}

func (h *flakyHandler) Resume(ctx context.Context, env domain.TaskEnvelope, result domain.Result) error {
	if h.failures.Add(-1) >= 0 {
		return errors.New("step store unavailable")
	}
	return h.recordingHandler.Resume(ctx, env, result)
}

func TestOnCompletion_ReopensWhenResumeFails(t *testing.T) {
	ctx := context.Background()
	h := &flakyHandler{recordingHandler: newRecordingHandler()}
	h.failures.Store(1)

	d, store := newDispatcher(noopExecutor(), h)
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, time.Minute)
	require.NoError(t, err)

	applied, err := d.OnCompletion(ctx, id, domain.SucceededResult([]byte("first")))
	require.Error(t, err)
	assert.False(t, applied)

	env, err := store.GetEnvelope(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPending, env.Resolution, "handle is pending again")
	assert.Equal(t, 1, d.Pending(), "timer is re-armed")

	// Повторная доставка того же результата применяется.
	applied, err = d.OnCompletion(ctx, id, domain.SucceededResult([]byte("first")))
	require.NoError(t, err)
	assert.True(t, applied)

	got := h.next(t)
	assert.Equal(t, []byte("first"), got.result.Output)
	assert.Zero(t, d.Pending())
}

func TestOnCompletion_ReopenedHandleTimesOut(t *testing.T) {
	ctx := context.Background()
	h := &flakyHandler{recordingHandler: newRecordingHandler()}
	h.failures.Store(1)

	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())

	store := memstore.New()
	d := New(Config{
		Store:      store,
		Executor:   noopExecutor(),
		Handler:    h,
		RetryDelay: 20 * time.Millisecond,
		Now:        func() time.Time { return time.Unix(0, clock.Load()) },
	})
	defer d.Stop()

	id, err := d.Submit(ctx, "step-1", 0, nil, time.Minute)
	require.NoError(t, err)

	// Дедлайн уже прошёл к моменту неудачной передачи результата.
	clock.Add(int64(2 * time.Minute))

	// Результат не принят, повторной доставки нет: handle истекает по таймеру.
	_, err = d.OnCompletion(ctx, id, domain.SucceededResult(nil))
	require.Error(t, err)

	got := h.next(t)
	assert.Equal(t, id, got.env.CorrelationID)
	assert.Equal(t, domain.ResultStatusTimedOut, got.result.Status)

	env, err := store.GetEnvelope(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionTimedOut, env.Resolution)
}

func TestRecover_RearmsTimers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// Envelope, выданный "предыдущим" процессом, уже просрочен.
	require.NoError(t, store.CreateEnvelope(ctx, domain.TaskEnvelope{
		CorrelationID: "corr-old",
		StepID:        "step-1",
		DispatchedAt:  time.Now().Add(-time.Hour),
		Timeout:       time.Minute,
		Resolution:    domain.ResolutionPending,
	}))
	// И ещё не просрочен.
	require.NoError(t, store.CreateEnvelope(ctx, domain.TaskEnvelope{
		CorrelationID: "corr-live",
		StepID:        "step-2",
		DispatchedAt:  time.Now(),
		Timeout:       time.Hour,
		Resolution:    domain.ResolutionPending,
	}))

	h := newRecordingHandler()
	d := New(Config{Store: store, Executor: noopExecutor(), Handler: h})
	defer d.Stop()

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := h.next(t)
	assert.Equal(t, "corr-old", got.env.CorrelationID)
	assert.Equal(t, domain.ResultStatusTimedOut, got.result.Status)
	assert.Equal(t, 1, d.Pending())

	// Completion живого handle после рестарта по-прежнему принимается.
	applied, err := d.OnCompletion(ctx, "corr-live", domain.SucceededResult(nil))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestExpireOverdue_ResolvesForeignEnvelopes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Now()

	require.NoError(t, store.CreateEnvelope(ctx, domain.TaskEnvelope{
		CorrelationID: "corr-overdue",
		StepID:        "step-1",
		DispatchedAt:  now.Add(-2 * time.Minute),
		Timeout:       time.Minute,
		Resolution:    domain.ResolutionPending,
	}))
	require.NoError(t, store.CreateEnvelope(ctx, domain.TaskEnvelope{
		CorrelationID: "corr-fresh",
		StepID:        "step-2",
		DispatchedAt:  now,
		Timeout:       time.Minute,
		Resolution:    domain.ResolutionPending,
	}))

	h := newRecordingHandler()
	d := New(Config{Store: store, Executor: noopExecutor(), Handler: h})
	defer d.Stop()

	n, err := d.ExpireOverdue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.next(t)
	assert.Equal(t, "corr-overdue", got.env.CorrelationID)

	// Повторный проход ничего не делает.
	n, err = d.ExpireOverdue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
