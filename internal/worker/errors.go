package worker

import "errors"

// Ошибки воркера.
var (
	// ErrInvalidTaskSpec — payload не является корректным TaskSpec.
	ErrInvalidTaskSpec = errors.New("invalid task spec")

	// ErrUnknownTaskType — нет executor'а для данного типа.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrTaskExpired — дедлайн envelope'а истёк до начала выполнения.
	ErrTaskExpired = errors.New("task deadline exceeded")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
