package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/dispatch"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/mq"
)

// Default configuration values.
const (
	defaultPhaseTimeout  = 30 * time.Minute
	defaultPrefetch      = 10
	defaultStrandedAfter = time.Minute
)

// StepStore — хранилище записей StepExecution.
type StepStore interface {
	// CreateStep сохраняет новый step; domain.ErrAlreadyExists при повторе.
	CreateStep(ctx context.Context, step *domain.StepExecution) error

	// GetStep возвращает step; domain.ErrNotFound, если его нет.
	GetStep(ctx context.Context, id string) (*domain.StepExecution, error)

	UpdateStep(ctx context.Context, step *domain.StepExecution) error

	// ListActiveSteps возвращает незавершённые steps.
	ListActiveSteps(ctx context.Context) ([]*domain.StepExecution, error)
}

// Constraints — Resource Constraint Service с точки зрения оркестратора.
type Constraints interface {
	Register(ctx context.Context, unit, consumerID string, permits int, owner string) (domain.ConsumerState, error)
	Release(ctx context.Context, unit, consumerID string) ([]domain.Consumer, error)
	Get(unit, consumerID string) (domain.Consumer, bool)
	Restore(ctx context.Context) error
}

// Dispatcher — Remote Task Dispatcher с точки зрения оркестратора.
type Dispatcher interface {
	Submit(ctx context.Context, stepID string, phaseIndex int, payload []byte, timeout time.Duration) (string, error)
	OnCompletion(ctx context.Context, correlationID string, result domain.Result) (bool, error)
	Cancel(ctx context.Context, correlationID string) (bool, error)
	Recover(ctx context.Context) (int, error)

	// Lookup возвращает envelope; ошибка оборачивает domain.ErrNotFound, если его нет.
	Lookup(ctx context.Context, correlationID string) (*domain.TaskEnvelope, error)
}

// OutcomeSink принимает итоги завершённых steps.
type OutcomeSink interface {
	Emit(ctx context.Context, outcome domain.Outcome) error
}

// OutcomeFunc адаптирует функцию к OutcomeSink.
type OutcomeFunc func(ctx context.Context, outcome domain.Outcome) error

// Emit вызывает f.
func (f OutcomeFunc) Emit(ctx context.Context, outcome domain.Outcome) error {
	return f(ctx, outcome)
}

// Orchestrator — Step Chain Executor.
//
// Orchestrator ведёт каждый step по цепочке фаз:
//   - вычисляет запрос фазы через transform
//   - проходит допуск в Resource Constraint Service
//   - отправляет фазу через Dispatcher и приостанавливает step
//   - по callback продвигает step к следующей фазе или завершает его
//
// Операции над одним step сериализованы; разные steps выполняются параллельно.
// Между фазами step не занимает горутин: всё его состояние лежит в StepStore.
type Orchestrator struct {
	steps       StepStore
	constraints Constraints
	dispatcher  Dispatcher
	sink        OutcomeSink

	// MQ (опционально)
	conn *mq.Connection

	defsMu      sync.RWMutex
	definitions map[string]*Definition

	locks          *keyedMutex
	defaultTimeout time.Duration
	strandedAfter  time.Duration
	now            func() time.Time

	// Consumers
	completedConsumer *mq.Consumer
	pendingConsumer   *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Steps       StepStore
	Constraints Constraints
	Dispatcher  Dispatcher

	// Sink — приёмник итогов (nil — итоги только логируются).
	Sink OutcomeSink

	// Conn — соединение с RabbitMQ для callbacks и запросов на запуск.
	// nil — только прямые вызовы и HTTP.
	Conn *mq.Connection

	// DefaultPhaseTimeout — таймаут фазы, если его не задали ни фаза, ни definition.
	DefaultPhaseTimeout time.Duration

	// StrandedAfter — сколько step может ждать результат по уже
	// разрешённому handle, прежде чем восстановление завершит его как FAILED.
	StrandedAfter time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт новый Orchestrator.
//
// Если Constraints поддерживает SetListener, а Dispatcher — SetHandler,
// Orchestrator регистрирует себя в них.
func New(cfg Config) *Orchestrator {
	timeout := cfg.DefaultPhaseTimeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strandedAfter := cfg.StrandedAfter
	if strandedAfter <= 0 {
		strandedAfter = defaultStrandedAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		steps:          cfg.Steps,
		constraints:    cfg.Constraints,
		dispatcher:     cfg.Dispatcher,
		sink:           cfg.Sink,
		conn:           cfg.Conn,
		definitions:    make(map[string]*Definition),
		locks:          newKeyedMutex(),
		defaultTimeout: timeout,
		strandedAfter:  strandedAfter,
		now:            now,
		logger:         logger,
		baseCtx:        context.Background(),
	}

	if l, ok := cfg.Constraints.(interface{ SetListener(constraint.Listener) }); ok {
		l.SetListener(o)
	}
	if h, ok := cfg.Dispatcher.(interface{ SetHandler(dispatch.ResultHandler) }); ok {
		h.SetHandler(o)
	}

	return o
}

// Register регистрирует definition.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.DefaultTimeout <= 0 {
		def.DefaultTimeout = o.defaultTimeout
	}

	o.defsMu.Lock()
	o.definitions[def.Name] = &def
	o.defsMu.Unlock()

	o.logger.Debug("definition registered", "kind", def.Name, "phases", len(def.Phases))
	return nil
}

// Definition возвращает зарегистрированный definition.
func (o *Orchestrator) Definition(kind string) (*Definition, bool) {
	o.defsMu.RLock()
	defer o.defsMu.RUnlock()
	def, ok := o.definitions[kind]
	return def, ok
}

// Kinds возвращает отсортированные имена зарегистрированных definitions.
func (o *Orchestrator) Kinds() []string {
	o.defsMu.RLock()
	defer o.defsMu.RUnlock()

	kinds := make([]string, 0, len(o.definitions))
	for k := range o.definitions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Start запускает MQ consumers (если задано соединение).
//
// Запускает:
//   - Consumer для tasks.completed (callbacks исполнителей)
//   - Consumer для steps.pending (запросы на запуск)
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.stoppedMu.Lock()
	o.baseCtx = ctx
	o.stoppedMu.Unlock()

	if o.conn == nil {
		o.logger.Info("orchestrator started without message bus")
		return nil
	}

	o.completedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    mq.QueueTasksCompleted,
		Handler:  o.handleTaskCompleted,
		Prefetch: defaultPrefetch,
	})
	o.pendingConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    mq.QueueStepsPending,
		Handler:  o.handleStepPending,
		Prefetch: defaultPrefetch,
	})

	for _, c := range []*mq.Consumer{o.completedConsumer, o.pendingConsumer} {
		o.wg.Add(1)
		go func(c *mq.Consumer) {
			defer o.wg.Done()
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("consumer error", "error", err)
			}
		}(c)
	}

	o.logger.Info("orchestrator started", "kinds", o.Kinds())
	return nil
}

// Stop останавливает Orchestrator и ждёт фоновые горутины.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.completedConsumer != nil {
		o.completedConsumer.Stop()
	}
	if o.pendingConsumer != nil {
		o.pendingConsumer.Stop()
	}

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// GetStep возвращает текущую запись step.
func (o *Orchestrator) GetStep(ctx context.Context, stepID string) (*domain.StepExecution, error) {
	step, err := o.steps.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// Wait ждёт завершения фоновых обработчиков promotion/rejection.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// goAsync запускает обработчик вне вызывающей горутины.
func (o *Orchestrator) goAsync(fn func(ctx context.Context)) {
	o.stoppedMu.RLock()
	if o.stopped {
		o.stoppedMu.RUnlock()
		return
	}
	ctx := o.baseCtx
	o.wg.Add(1)
	o.stoppedMu.RUnlock()

	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}
