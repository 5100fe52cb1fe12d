package worker

import "context"

// TransformExecutor — executor для задач типа "transform".
//
// Шаблоны в config уже отрендерены catalog'ом из continuation,
// поэтому transform только выбирает, что вернуть:
//   - output (any): если задан, становится outputs (не map оборачивается в {"value": ...})
//   - иначе outputs — весь config
type TransformExecutor struct{}

// Execute возвращает отрендеренный config как outputs.
func (e *TransformExecutor) Execute(_ context.Context, task *Task) (*ExecutionResult, error) {
	if out, ok := task.Config["output"]; ok {
		if m, ok := out.(map[string]any); ok {
			return &ExecutionResult{Outputs: m}, nil
		}
		return &ExecutionResult{Outputs: map[string]any{"value": out}}, nil
	}

	outputs := task.Config
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return &ExecutionResult{Outputs: outputs}, nil
}
