package dispatch

import "errors"

// Ошибки диспетчера.
var (
	// ErrNoHandler — ResultHandler не зарегистрирован.
	ErrNoHandler = errors.New("result handler not set")

	// ErrNoExecutor — RemoteExecutor не задан.
	ErrNoExecutor = errors.New("remote executor not set")

	// ErrDispatcherStopped — диспетчер остановлен.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)
