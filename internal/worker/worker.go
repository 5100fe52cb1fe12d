package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/mq"
)

// Default configuration values.
const defaultPrefetch = 5

// CompletionPublisher отправляет результаты задач обратно оркестратору.
//
// Реализация: *mq.Publisher.
type CompletionPublisher interface {
	PublishTaskCompleted(ctx context.Context, payload mq.TaskCompletedPayload) error
}

// Worker — stateless удалённый исполнитель фаз.
//
// Worker:
//   - получает envelopes из очереди tasks.ready
//   - декодирует payload в TaskSpec и выбирает executor по типу
//   - повторяет выполнение согласно RetryPolicy в пределах дедлайна envelope'а
//   - публикует результат в tasks.completed с тем же correlation ID
//
// Состояния worker не хранит; экземпляры масштабируются горизонтально
// и потребляют из одной очереди.
type Worker struct {
	conn      *mq.Connection
	publisher CompletionPublisher
	registry  *Registry
	prefetch  int

	consumer *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Conn      *mq.Connection
	Publisher CompletionPublisher

	// Registry — реестр executor'ов (nil — NewRegistry()).
	Registry *Registry

	// Prefetch — сколько envelopes обрабатывается параллельно (default: 5).
	Prefetch int

	Logger *slog.Logger

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		conn:      cfg.Conn,
		publisher: cfg.Publisher,
		registry:  registry,
		prefetch:  prefetch,
		logger:    logger,
		now:       now,
	}
}

// Start запускает consumer для tasks.ready.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"prefetch", w.prefetch,
		"types", w.registry.Types(),
	)

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueTasksReady,
		Handler:  w.handleTaskReady,
		Prefetch: w.prefetch,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("task consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
