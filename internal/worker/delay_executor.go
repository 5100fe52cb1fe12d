package worker

import (
	"context"
	"fmt"
	"time"
)

const defaultDelay = time.Second

// DelayExecutor — executor для задач типа "delay".
//
// Config:
//   - duration (string): длительность в формате time.ParseDuration ("250ms", "2s")
//   - duration_sec (number): длительность в секундах, если duration не задан
//
// По умолчанию ждёт 1s. Прерывается отменой ctx.
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	delay, err := durationFrom(task.Config, "duration", "duration_sec", defaultDelay)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &ExecutionResult{
			Outputs: map[string]any{"delayed_ms": delay.Milliseconds()},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// durationFrom читает длительность из config: сначала строковый ключ,
// затем числовой ключ в секундах. Неположительное значение — def.
func durationFrom(config map[string]any, strKey, secKey string, def time.Duration) (time.Duration, error) {
	if raw, ok := config[strKey].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", strKey, err)
		}
		if d > 0 {
			return d, nil
		}
		return def, nil
	}

	var sec float64
	switch v := config[secKey].(type) {
	case float64:
		sec = v
	case int:
		sec = float64(v)
	case int64:
		sec = float64(v)
	}
	if sec <= 0 {
		return def, nil
	}
	return time.Duration(sec * float64(time.Second)), nil
}
