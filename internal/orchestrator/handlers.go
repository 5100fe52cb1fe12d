package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/Stepwise/internal/mq"
)

// handleTaskCompleted передаёт результат исполнителя диспетчеру.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskCompletedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse task.completed payload", "error", err)
		return mq.Permanent(err)
	}

	o.logger.Debug("received task.completed event",
		"correlation_id", payload.CorrelationID,
		"step_id", payload.StepID,
		"phase_index", payload.PhaseIndex,
		"status", payload.Status,
		"attempts", payload.Attempts,
	)

	// Stale callback — не ошибка: dispatcher вернёт applied=false.
	if _, err := o.dispatcher.OnCompletion(ctx, payload.CorrelationID, payload.Result()); err != nil {
		o.logger.Error("failed to process task completion",
			"correlation_id", payload.CorrelationID,
			"step_id", payload.StepID,
			"error", err,
		)
		return err
	}

	return nil
}

// handleStepPending запускает step по запросу из очереди.
func (o *Orchestrator) handleStepPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse step.pending payload", "error", err)
		return mq.Permanent(err)
	}

	o.logger.Debug("received step.pending event", "step_id", payload.StepID, "kind", payload.Kind)

	_, err = o.StartByKind(ctx, payload.StepID, payload.Kind, payload.Input)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStepExists):
		// Повторная доставка того же запроса.
		o.logger.Debug("step already started, skipping", "step_id", payload.StepID)
		return nil
	case isPhaseFailure(err):
		// Step создан и завершён как FAILED; outcome уже отправлен.
		return nil
	case errors.Is(err, ErrUnknownDefinition):
		return mq.Permanent(err)
	default:
		return err
	}
}
