package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// handleTaskReady обрабатывает envelope из очереди tasks.ready.
func (w *Worker) handleTaskReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse task.ready payload", "error", err)
		return mq.Permanent(err)
	}

	completion, err := w.Process(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrTaskExpired) {
			// диспетчер уже разрешил handle по таймауту
			return nil
		}
		return err
	}

	if w.publisher == nil {
		w.logger.Warn("publisher not available, dropping completion",
			"correlation_id", payload.CorrelationID,
		)
		return nil
	}

	if err := w.publisher.PublishTaskCompleted(ctx, *completion); err != nil {
		w.logger.Warn("failed to publish task.completed",
			"correlation_id", payload.CorrelationID,
			"error", err,
		)
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// Process выполняет envelope и формирует результат для оркестратора.
//
// ErrTaskExpired — дедлайн истёк до начала выполнения, отвечать не нужно.
// ErrWorkerStopped — worker останавливается, envelope надо вернуть в очередь.
// Ошибки executor'а не возвращаются: они попадают в результат со статусом FAILED.
func (w *Worker) Process(ctx context.Context, payload mq.TaskReadyPayload) (*mq.TaskCompletedPayload, error) {
	logger := w.logger.With(
		"correlation_id", payload.CorrelationID,
		"step_id", payload.StepID,
		"phase", payload.PhaseIndex,
	)

	completion := &mq.TaskCompletedPayload{
		CorrelationID: payload.CorrelationID,
		StepID:        payload.StepID,
		PhaseIndex:    payload.PhaseIndex,
	}

	execCtx := ctx
	if payload.Timeout > 0 {
		deadline := payload.DispatchedAt.Add(payload.Timeout)
		if !w.now().Before(deadline) {
			logger.Info("task expired before execution", "deadline", deadline)
			telemetry.WorkerTasks.WithLabelValues("expired").Inc()
			return nil, ErrTaskExpired
		}
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	spec, err := DecodeTaskSpec(payload.Payload)
	if err != nil {
		logger.Warn("invalid task spec", "error", err)
		completion.Status = domain.ResultStatusFailed
		completion.Error = err.Error()
		telemetry.WorkerTasks.WithLabelValues(string(domain.ResultStatusFailed)).Inc()
		return completion, nil
	}

	task := &Task{
		CorrelationID: payload.CorrelationID,
		StepID:        payload.StepID,
		PhaseIndex:    payload.PhaseIndex,
		Type:          spec.Type,
		Config:        spec.Config,
	}

	logger.Info("task started", "type", task.Type)

	result, diagnostics, execErr := w.executeWithRetry(execCtx, task, spec.Retry)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerStopped, ctx.Err())
	}

	completion.Attempts = task.Attempt
	completion.Diagnostics = diagnostics

	errMsg := ""
	switch {
	case execErr != nil:
		errMsg = execErr.Error()
	case result != nil && result.Error != "":
		errMsg = result.Error
	}

	if errMsg != "" {
		completion.Status = domain.ResultStatusFailed
		completion.Error = errMsg
		logger.Warn("task failed", "attempts", task.Attempt, "error", errMsg)
	} else {
		completion.Status = domain.ResultStatusSucceeded
		if result != nil && result.Outputs != nil {
			output, err := json.Marshal(result.Outputs)
			if err != nil {
				completion.Status = domain.ResultStatusFailed
				completion.Error = fmt.Sprintf("marshal outputs: %v", err)
			} else {
				completion.Output = output
			}
		}
		logger.Info("task succeeded", "attempts", task.Attempt)
	}

	telemetry.WorkerTasks.WithLabelValues(string(completion.Status)).Inc()
	return completion, nil
}

// executeWithRetry выполняет task с retry согласно policy.
// Для каждой попытки добавляется диагностика.
func (w *Worker) executeWithRetry(ctx context.Context, task *Task, policy *domain.RetryPolicy) (*ExecutionResult, []domain.Diagnostic, error) {
	executor, err := w.registry.Get(task.Type)
	if err != nil {
		return nil, nil, err
	}

	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var diagnostics []domain.Diagnostic
	var lastResult *ExecutionResult
	var lastErr error

	for {
		task.Attempt++
		started := w.now()
		lastResult, lastErr = executor.Execute(ctx, task)
		ended := w.now()

		diag := domain.Diagnostic{
			Phase:     task.PhaseIndex,
			Unit:      task.Type,
			Status:    string(domain.ResultStatusSucceeded),
			Message:   fmt.Sprintf("attempt %d", task.Attempt),
			StartedAt: &started,
			EndedAt:   &ended,
		}

		if lastErr == nil && (lastResult == nil || lastResult.Error == "") {
			diagnostics = append(diagnostics, diag)
			return lastResult, diagnostics, nil
		}

		diag.Status = string(domain.ResultStatusFailed)
		if lastErr != nil {
			diag.Message = fmt.Sprintf("attempt %d: %v", task.Attempt, lastErr)
		} else {
			diag.Message = fmt.Sprintf("attempt %d: %s", task.Attempt, lastResult.Error)
		}
		diagnostics = append(diagnostics, diag)

		if !task.CanRetry(maxAttempts) || !shouldRetry(lastResult, lastErr, policy) {
			break
		}

		delay := calculateBackoff(task.Attempt, policy)
		w.logger.Info("retrying task",
			"correlation_id", task.CorrelationID,
			"attempt", task.Attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastResult, diagnostics, fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return lastResult, diagnostics, lastErr
}

// shouldRetry определяет, нужно ли делать retry.
func shouldRetry(result *ExecutionResult, execErr error, policy *domain.RetryPolicy) bool {
	// отмена и дедлайн не лечатся повтором
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		return false
	}
	if execErr != nil {
		return true
	}
	if policy == nil {
		return false
	}

	if result != nil && len(policy.OnStatus) > 0 {
		if code, ok := result.Outputs["status_code"].(int); ok {
			return shouldRetryHTTPStatus(code, policy.OnStatus)
		}
		return false
	}
	return true
}

// shouldRetryHTTPStatus проверяет, входит ли HTTP-код в список для retry.
func shouldRetryHTTPStatus(statusCode int, onStatus []int) bool {
	for _, code := range onStatus {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateBackoff вычисляет задержку перед retry.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if policy.Backoff == "exponential" {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
