package worker

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Executor выполняет задачу одного типа.
//
// task.Config уже отрендерен; ctx ограничен дедлайном envelope'а.
// Логическая неудача задачи — ExecutionResult.Error, инфраструктурная — error.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// ExecutionResult — итог выполнения задачи.
type ExecutionResult struct {
	Outputs map[string]any
	Error   string
}

// Registry сопоставляет тип задачи с executor'ом.
// Заполняется до Start и дальше только читается.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр со встроенными типами: http, delay, transform.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{
		"http":      &HTTPExecutor{},
		"delay":     &DelayExecutor{},
		"transform": &TransformExecutor{},
	}}
}

// Register добавляет или заменяет executor для taskType.
func (r *Registry) Register(taskType string, executor Executor) {
	r.executors[taskType] = executor
}

// Get возвращает executor для taskType.
func (r *Registry) Get(taskType string) (Executor, error) {
	if e, ok := r.executors[taskType]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownTaskType, taskType, r.Types())
}

// Types возвращает зарегистрированные типы по алфавиту.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.executors))
}
