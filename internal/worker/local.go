package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/mq"
)

// Completer принимает результат задачи (dispatch.Dispatcher.OnCompletion).
type Completer interface {
	OnCompletion(ctx context.Context, correlationID string, result domain.Result) (bool, error)
}

// Local выполняет envelopes в процессе оркестратора.
//
// Используется без брокера: реализует dispatch.RemoteExecutor и отдаёт
// результат напрямую в Completer. Выполнение асинхронное, Execute
// возвращается сразу после запуска.
type Local struct {
	worker *Worker

	mu        sync.Mutex
	completer Completer
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
	wg        sync.WaitGroup
}

// NewLocal создаёт Local поверх Worker (Conn и Publisher не нужны).
func NewLocal(w *Worker) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{worker: w, ctx: ctx, cancel: cancel}
}

// SetCompleter задаёт получателя результатов.
// Dispatcher создаётся с executor'ом, поэтому связь замыкается после.
func (l *Local) SetCompleter(c Completer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completer = c
}

// Execute запускает выполнение envelope.
func (l *Local) Execute(_ context.Context, env domain.TaskEnvelope) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrWorkerStopped
	}
	completer := l.completer
	l.wg.Add(1)
	l.mu.Unlock()

	payload := mq.ReadyFromEnvelope(env)

	go func() {
		defer l.wg.Done()

		done, err := l.worker.Process(l.ctx, payload)
		if err != nil {
			// Просроченный envelope разрешит таймер диспетчера.
			if !errors.Is(err, ErrTaskExpired) && !errors.Is(err, ErrWorkerStopped) {
				l.worker.logger.Error("local task failed", "correlation_id", env.CorrelationID, "error", err)
			}
			return
		}
		if completer == nil {
			l.worker.logger.Warn("no completer, result dropped", "correlation_id", env.CorrelationID)
			return
		}
		if _, err := completer.OnCompletion(l.ctx, done.CorrelationID, done.Result()); err != nil {
			l.worker.logger.Error("failed to deliver local result", "correlation_id", env.CorrelationID, "error", err)
		}
	}()

	return nil
}

// Stop отменяет выполняющиеся задачи и ждёт их завершения.
func (l *Local) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}
