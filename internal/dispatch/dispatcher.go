package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// DefaultTimeout — таймаут фазы, если не задан ни вызывающим, ни в Config.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryDelay — минимальная задержка таймера после возврата handle в PENDING.
const DefaultRetryDelay = 5 * time.Second

// RemoteExecutor передаёт envelope удалённому исполнителю.
//
// Execute должен вернуться быстро: он только отправляет задачу
// (публикация в очередь, HTTP-запрос), а не ждёт её выполнения.
type RemoteExecutor interface {
	Execute(ctx context.Context, env domain.TaskEnvelope) error
}

// ResultHandler получает разрешённые handles.
type ResultHandler interface {
	Resume(ctx context.Context, env domain.TaskEnvelope, result domain.Result) error
}

// EnvelopeStore — хранилище envelopes.
type EnvelopeStore interface {
	CreateEnvelope(ctx context.Context, env domain.TaskEnvelope) error

	// GetEnvelope возвращает envelope или ошибку, оборачивающую domain.ErrNotFound.
	GetEnvelope(ctx context.Context, correlationID string) (*domain.TaskEnvelope, error)

	// ResolveEnvelope атомарно переводит PENDING → resolution.
	// Возвращает false, если envelope уже разрешён.
	ResolveEnvelope(ctx context.Context, correlationID string, resolution domain.Resolution, at time.Time) (bool, error)

	// ReopenEnvelope возвращает envelope из resolution from в PENDING.
	// Возвращает false, если envelope разрешён иначе.
	ReopenEnvelope(ctx context.Context, correlationID string, from domain.Resolution) (bool, error)

	// ListPendingEnvelopes возвращает неразрешённые envelopes.
	ListPendingEnvelopes(ctx context.Context) ([]domain.TaskEnvelope, error)
}

// Config — конфигурация Dispatcher.
type Config struct {
	Store    EnvelopeStore
	Executor RemoteExecutor

	// Handler можно задать позже через SetHandler.
	Handler ResultHandler

	DefaultTimeout time.Duration

	// RetryDelay — через сколько повторить разрешение по таймауту,
	// если ResultHandler не принял результат (default: DefaultRetryDelay).
	RetryDelay time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Dispatcher — Remote Task Dispatcher.
type Dispatcher struct {
	store          EnvelopeStore
	executor       RemoteExecutor
	defaultTimeout time.Duration
	retryDelay     time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	handler  ResultHandler
	inflight map[string]*inflight
	stopped  bool

	wg sync.WaitGroup
}

// inflight — handle, которым владеет этот процесс.
type inflight struct {
	env   domain.TaskEnvelope
	timer *time.Timer
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Dispatcher{
		store:          cfg.Store,
		executor:       cfg.Executor,
		handler:        cfg.Handler,
		defaultTimeout: cfg.DefaultTimeout,
		retryDelay:     cfg.RetryDelay,
		logger:         cfg.Logger,
		now:            cfg.Now,
		inflight:       make(map[string]*inflight),
	}
}

// SetHandler регистрирует получателя результатов.
func (d *Dispatcher) SetHandler(h ResultHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Submit отправляет payload фазы исполнителю и сразу возвращает correlation handle.
//
// Ошибка передачи исполнителю не возвращается: handle разрешается
// синтетическим FAILED результатом, повторов нет.
func (d *Dispatcher) Submit(ctx context.Context, stepID string, phaseIndex int, payload []byte, timeout time.Duration) (string, error) {
	if d.executor == nil {
		return "", ErrNoExecutor
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	env := domain.TaskEnvelope{
		CorrelationID: uuid.New().String(),
		StepID:        stepID,
		PhaseIndex:    phaseIndex,
		Payload:       payload,
		DispatchedAt:  d.now(),
		Timeout:       timeout,
		Resolution:    domain.ResolutionPending,
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return "", ErrDispatcherStopped
	}
	d.mu.Unlock()

	if err := d.store.CreateEnvelope(ctx, env); err != nil {
		return "", fmt.Errorf("create envelope: %w", err)
	}

	d.track(env, timeout)
	telemetry.EnvelopesDispatched.Inc()

	logger := telemetry.WithCorrelationID(telemetry.WithStepID(d.logger, stepID), env.CorrelationID)
	logger.Debug("envelope dispatched", "phase_index", phaseIndex, "timeout", timeout)

	// Передача исполнителю не должна зависеть от отмены ctx вызывающего.
	handoffCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.executor.Execute(handoffCtx, env); err != nil {
			logger.Error("handoff to remote executor failed", "error", err)
			result := domain.FailedResult("dispatch failed: " + err.Error())
			if _, rerr := d.OnCompletion(handoffCtx, env.CorrelationID, result); rerr != nil {
				logger.Error("failed to resolve envelope after handoff failure", "error", rerr)
			}
		}
	}()

	return env.CorrelationID, nil
}

// OnCompletion разрешает handle результатом исполнителя и пересылает его ResultHandler'у.
//
// Возвращает false без ошибки, если handle уже разрешён или неизвестен.
func (d *Dispatcher) OnCompletion(ctx context.Context, correlationID string, result domain.Result) (bool, error) {
	return d.resolve(ctx, correlationID, domain.ResolutionCompleted, func(domain.TaskEnvelope) *domain.Result {
		return &result
	})
}

// OnTimeout разрешает handle синтетическим TIMED_OUT результатом.
func (d *Dispatcher) OnTimeout(ctx context.Context, correlationID string) (bool, error) {
	return d.resolve(ctx, correlationID, domain.ResolutionTimedOut, func(env domain.TaskEnvelope) *domain.Result {
		r := domain.TimedOutResult(env.Timeout)
		return &r
	})
}

// Cancel разрешает handle без пересылки результата.
// Используется при отмене step.
func (d *Dispatcher) Cancel(ctx context.Context, correlationID string) (bool, error) {
	return d.resolve(ctx, correlationID, domain.ResolutionCancelled, nil)
}

// Lookup возвращает сохранённый envelope.
func (d *Dispatcher) Lookup(ctx context.Context, correlationID string) (*domain.TaskEnvelope, error) {
	return d.store.GetEnvelope(ctx, correlationID)
}

// Recover взводит таймеры неразрешённых envelopes после рестарта.
//
// Просроченные envelopes разрешаются по таймауту сразу (асинхронно).
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingEnvelopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending envelopes: %w", err)
	}

	now := d.now()
	for _, env := range pending {
		remaining := env.Deadline().Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		d.track(env, remaining)
	}

	if len(pending) > 0 {
		d.logger.Info("recovered pending envelopes", "count", len(pending))
	}
	return len(pending), nil
}

// ExpireOverdue разрешает по таймауту все envelopes с истёкшим дедлайном.
//
// Страховка для sweeper'а: таймеры живут только в памяти процесса,
// который сделал Submit.
func (d *Dispatcher) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	pending, err := d.store.ListPendingEnvelopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending envelopes: %w", err)
	}

	expired := 0
	for _, env := range pending {
		if !env.Deadline().Before(now) {
			continue
		}
		applied, err := d.OnTimeout(ctx, env.CorrelationID)
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

// Pending возвращает число handles, которыми владеет процесс.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Stop останавливает таймеры и ждёт завершения передач исполнителю.
// Неразрешённые envelopes остаются в хранилище для Recover.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, inf := range d.inflight {
		inf.timer.Stop()
		delete(d.inflight, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// --- Внутренние методы ---

// track регистрирует handle в памяти и взводит таймер.
func (d *Dispatcher) track(env domain.TaskEnvelope, after time.Duration) {
	id := env.CorrelationID

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.inflight[id]; ok {
		old.timer.Stop()
	}
	d.inflight[id] = &inflight{
		env: env,
		timer: time.AfterFunc(after, func() {
			if _, err := d.OnTimeout(context.Background(), id); err != nil {
				d.logger.Error("timeout resolution failed", "correlation_id", id, "error", err)
			}
		}),
	}
}

// claim забирает handle из памяти и останавливает таймер.
func (d *Dispatcher) claim(correlationID string) (*inflight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inf, ok := d.inflight[correlationID]
	if !ok {
		return nil, false
	}
	delete(d.inflight, correlationID)
	inf.timer.Stop()
	return inf, true
}

// resolve — единая точка разрешения handle.
//
// buildResult == nil — разрешение без пересылки (отмена).
func (d *Dispatcher) resolve(ctx context.Context, correlationID string, resolution domain.Resolution, buildResult func(domain.TaskEnvelope) *domain.Result) (bool, error) {
	logger := telemetry.WithCorrelationID(d.logger, correlationID)

	inf, owned := d.claim(correlationID)

	// 1. Compare-and-set в хранилище — окончательный арбитр
	applied, err := d.store.ResolveEnvelope(ctx, correlationID, resolution, d.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.stale(logger, resolution, "unknown correlation id")
			return false, nil
		}
		if owned {
			// Хранилище недоступно: возвращаем handle, чтобы таймер сработал позже.
			d.track(inf.env, inf.env.Deadline().Sub(d.now()))
		}
		return false, fmt.Errorf("resolve envelope: %w", err)
	}
	if !applied {
		d.stale(logger, resolution, "already resolved")
		return false, nil
	}

	telemetry.EnvelopeResolutions.WithLabelValues(string(resolution)).Inc()

	// 2. Загружаем envelope, если handle выдан другим процессом
	var env domain.TaskEnvelope
	if owned {
		env = inf.env
	} else {
		stored, err := d.store.GetEnvelope(ctx, correlationID)
		if err != nil {
			// Без таймера: просроченный handle подберёт ExpireOverdue.
			if _, rerr := d.store.ReopenEnvelope(context.WithoutCancel(ctx), correlationID, resolution); rerr != nil {
				logger.Error("failed to reopen envelope", "error", rerr)
			}
			return false, fmt.Errorf("get envelope: %w", err)
		}
		env = *stored
	}
	env.Resolution = resolution

	logger.Debug("envelope resolved", "step_id", env.StepID, "resolution", resolution)

	if buildResult == nil {
		return true, nil
	}

	// 3. Пересылаем результат
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()

	err = ErrNoHandler
	if handler != nil {
		err = handler.Resume(ctx, env, *buildResult(env))
	}
	if err != nil {
		// Step не принял результат: handle снова PENDING, step продвинет
		// повторная доставка или таймер.
		d.reopen(ctx, logger, env, resolution)
		if handler == nil {
			return false, err
		}
		return false, fmt.Errorf("resume step %s: %w", env.StepID, err)
	}
	return true, nil
}

// reopen откатывает разрешение handle и заново взводит его таймер.
func (d *Dispatcher) reopen(ctx context.Context, logger *slog.Logger, env domain.TaskEnvelope, from domain.Resolution) {
	ok, err := d.store.ReopenEnvelope(context.WithoutCancel(ctx), env.CorrelationID, from)
	if err != nil {
		// Envelope остаётся разрешённым; step доведёт recovery оркестратора.
		logger.Error("failed to reopen envelope", "step_id", env.StepID, "error", err)
		return
	}
	if !ok {
		return
	}
	telemetry.EnvelopesReopened.Inc()

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}

	env.Resolution = domain.ResolutionPending
	env.ResolvedAt = nil

	after := env.Deadline().Sub(d.now())
	if after < d.retryDelay {
		after = d.retryDelay
	}
	d.track(env, after)
	logger.Warn("envelope reopened after failed resume", "step_id", env.StepID, "retry_in", after)
}

func (d *Dispatcher) stale(logger *slog.Logger, resolution domain.Resolution, reason string) {
	telemetry.StaleCallbacks.Inc()
	logger.Debug("stale correlation ignored", "resolution", resolution, "reason", reason)
}
