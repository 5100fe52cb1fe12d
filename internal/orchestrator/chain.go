package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Сообщения об ошибках, попадающие в outcome.
const (
	msgCancelled       = "cancelled"
	msgAdmissionExpiry = "admission timed out while waiting for unit"
	msgResultLost      = "result of the remote task was lost"
)

// StartStep создаёт step и запускает фазу 0.
//
// Definition регистрируется, если его kind ещё не известен.
// Отказ в допуске и ошибки допуска возвращаются синхронно и
// одновременно фиксируются в step как FAILED с outcome.
func (o *Orchestrator) StartStep(ctx context.Context, stepID string, def Definition, input []byte) (*domain.StepExecution, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	registered, ok := o.Definition(def.Name)
	if !ok {
		if err := o.Register(def); err != nil {
			return nil, err
		}
		registered, _ = o.Definition(def.Name)
	}

	return o.start(ctx, stepID, registered, input)
}

// StartByKind запускает step по имени зарегистрированного definition.
func (o *Orchestrator) StartByKind(ctx context.Context, stepID, kind string, input []byte) (*domain.StepExecution, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	def, ok := o.Definition(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, kind)
	}
	return o.start(ctx, stepID, def, input)
}

func (o *Orchestrator) start(ctx context.Context, stepID string, def *Definition, input []byte) (*domain.StepExecution, error) {
	unlock := o.locks.Lock(stepID)
	defer unlock()

	step := domain.NewStepExecution(stepID, def.Name, len(def.Phases), domain.NewContinuation(input))
	if err := o.steps.CreateStep(ctx, step); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrStepExists, stepID)
		}
		return nil, fmt.Errorf("create step: %w", err)
	}

	o.stepLogger(step).Info("step started", "kind", def.Name, "phases", len(def.Phases))

	err := o.runPhase(ctx, step, def, nil)
	return step, err
}

// Resume принимает разрешённый handle от Dispatcher.
//
// Callback, не совпадающий с текущим handle step'а, игнорируется.
func (o *Orchestrator) Resume(ctx context.Context, env domain.TaskEnvelope, result domain.Result) error {
	unlock := o.locks.Lock(env.StepID)
	defer unlock()

	logger := telemetry.WithCorrelationID(telemetry.WithStepID(o.logger, env.StepID), env.CorrelationID)

	// 1. Загружаем step
	step, err := o.steps.GetStep(ctx, env.StepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.staleCallback(logger, "step not found")
			return nil
		}
		return fmt.Errorf("get step: %w", err)
	}

	// 2. Проверяем, что callback относится к текущей фазе
	if step.IsFinished() || step.CorrelationID != env.CorrelationID || step.PhaseIndex != env.PhaseIndex {
		o.staleCallback(logger, "handle superseded")
		return nil
	}

	def, ok := o.Definition(step.Kind)
	if !ok {
		return o.fail(ctx, step, fmt.Sprintf("%s: %s", ErrUnknownDefinition, step.Kind))
	}

	logger.Debug("phase result received", "phase_index", step.PhaseIndex, "status", result.Status)

	// 3. Освобождаем permits фазы до любых дальнейших решений
	o.releaseHeld(ctx, step)
	step.CorrelationID = ""

	for _, d := range result.Diagnostics {
		d.Phase = step.PhaseIndex
		step.AddDiagnostics(d)
	}

	// 4. Ошибка или таймаут исполнителя — step завершается
	if !result.IsSuccess() {
		return o.fail(ctx, step, result.Error)
	}

	// 5. Последняя фаза — step завершён успешно
	if step.IsLastPhase() {
		step.MarkSucceeded()
		return o.finish(ctx, step, result.Output)
	}

	// 6. Следующая фаза
	step.Advance()
	step.ChainEnded = false
	if err := o.runPhase(ctx, step, def, &result); err != nil && !isPhaseFailure(err) {
		return err
	}
	return nil
}

// CancelStep завершает step как FAILED ("cancelled").
//
// Удерживаемый consumer освобождается (BLOCKED — удаляется из очереди),
// неразрешённый handle отменяется, поздний callback будет проигнорирован.
func (o *Orchestrator) CancelStep(ctx context.Context, stepID string) (*domain.StepExecution, error) {
	unlock := o.locks.Lock(stepID)
	defer unlock()

	step, err := o.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.IsFinished() {
		return step, fmt.Errorf("%w: %s", ErrStepFinished, stepID)
	}

	o.stepLogger(step).Info("cancelling step", "status", step.Status)
	if err := o.fail(ctx, step, msgCancelled); err != nil {
		return step, err
	}
	return step, nil
}

// ConsumerPromoted реализует constraint.Listener.
// Обработка идёт в отдельной горутине: уведомление приходит из Release,
// который мог быть вызван под блокировкой другого step.
func (o *Orchestrator) ConsumerPromoted(c domain.Consumer) {
	o.goAsync(func(ctx context.Context) {
		if err := o.onPromoted(ctx, c); err != nil {
			o.logger.Error("failed to handle promotion",
				"step_id", c.Owner,
				"unit", c.Unit,
				"consumer_id", c.ID,
				"error", err,
			)
		}
	})
}

// ConsumerRejected реализует constraint.Listener.
func (o *Orchestrator) ConsumerRejected(c domain.Consumer) {
	o.goAsync(func(ctx context.Context) {
		if err := o.onRejected(ctx, c); err != nil {
			o.logger.Error("failed to handle rejection",
				"step_id", c.Owner,
				"unit", c.Unit,
				"consumer_id", c.ID,
				"error", err,
			)
		}
	})
}

// Recover восстанавливает состояние после рестарта.
//
// Порядок:
//  1. состояние ограничений из хранилища
//  2. таймеры неразрешённых handles
//  3. steps, упавшие между допуском и dispatch
func (o *Orchestrator) Recover(ctx context.Context) error {
	if err := o.constraints.Restore(ctx); err != nil {
		return fmt.Errorf("restore constraints: %w", err)
	}
	if _, err := o.dispatcher.Recover(ctx); err != nil {
		return fmt.Errorf("recover dispatcher: %w", err)
	}

	steps, err := o.steps.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("list active steps: %w", err)
	}

	// Ошибки отдельных steps не мешают старту: их повторит RepairStranded.
	redriven, _ := o.repair(ctx, steps)

	o.logger.Info("orchestrator recovered", "active_steps", len(steps), "redriven", redriven)
	return nil
}

// RepairStranded доводит steps, застрявшие после сбоя хранилища:
// прерванный dispatch, непринятый promotion, потерянный результат фазы.
// Вызывается sweeper'ом. Возвращает число продвинутых steps.
func (o *Orchestrator) RepairStranded(ctx context.Context) (int, error) {
	steps, err := o.steps.ListActiveSteps(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active steps: %w", err)
	}
	return o.repair(ctx, steps)
}

func (o *Orchestrator) repair(ctx context.Context, steps []*domain.StepExecution) (int, error) {
	repaired := 0
	var errs []error
	for _, s := range steps {
		ok, err := o.recoverStep(ctx, s.ID)
		if err != nil {
			o.logger.Error("failed to recover step", "step_id", s.ID, "error", err)
			errs = append(errs, fmt.Errorf("step %s: %w", s.ID, err))
			continue
		}
		if ok {
			repaired++
		}
	}
	return repaired, errors.Join(errs...)
}

// --- Цикл фазы ---

// runPhase вычисляет запрос текущей фазы и проводит её через допуск и dispatch.
// Вызывается под блокировкой step.
//
// Ошибка фазы (transform, отказ допуска) уже зафиксирована в step как FAILED;
// она возвращается, чтобы StartStep мог отдать её вызывающему.
func (o *Orchestrator) runPhase(ctx context.Context, step *domain.StepExecution, def *Definition, prev *domain.Result) error {
	phase := &def.Phases[step.PhaseIndex]

	req, err := phase.request(step.Continuation, prev)
	if err != nil {
		failErr := fmt.Errorf("%w: phase %s: %v", ErrTransform, phase.Name, err)
		if ferr := o.fail(ctx, step, failErr.Error()); ferr != nil {
			return ferr
		}
		return &phaseFailure{err: failErr}
	}

	if req.State != nil {
		step.Continuation = *req.State
	}
	step.ChainEnded = req.ChainEnd
	step.PendingPayload = req.Payload

	if phase.Constraint == nil {
		return o.dispatchPhase(ctx, step, def)
	}
	return o.admit(ctx, step, def, phase)
}

// admit регистрирует consumer фазы и действует по решению.
func (o *Orchestrator) admit(ctx context.Context, step *domain.StepExecution, def *Definition, phase *Phase) error {
	unit, err := phase.Constraint.unitFor(step.Continuation)
	if err != nil {
		failErr := fmt.Errorf("resolve unit for phase %s: %w", phase.Name, err)
		if ferr := o.fail(ctx, step, failErr.Error()); ferr != nil {
			return ferr
		}
		return &phaseFailure{err: failErr}
	}

	ref := domain.ConsumerRef{Unit: unit, ConsumerID: consumerID(step)}

	// Фиксируем consumer до регистрации: после рестарта его владелец известен.
	step.Park(ref)
	if err := o.steps.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	state, err := o.constraints.Register(ctx, unit, ref.ConsumerID, phase.Constraint.permits(), step.ID)
	if err != nil {
		if !constraint.IsAdmissionError(err) {
			return fmt.Errorf("register consumer: %w", err)
		}
		step.HeldConsumer = nil
		if ferr := o.fail(ctx, step, err.Error()); ferr != nil {
			return ferr
		}
		return &phaseFailure{err: err}
	}

	logger := telemetry.WithUnit(o.stepLogger(step), unit)

	switch state {
	case domain.ConsumerStateActive:
		logger.Debug("admission granted", "phase_index", step.PhaseIndex)
		return o.dispatchPhase(ctx, step, def)

	case domain.ConsumerStateBlocked:
		logger.Info("step parked, waiting for unit", "phase_index", step.PhaseIndex)
		return nil

	default:
		// REJECTED / PERMANENTLY_REJECTED: consumer не поставлен в очередь.
		step.HeldConsumer = nil
		rejErr := &AdmissionRejectedError{Unit: unit, State: state}
		if ferr := o.fail(ctx, step, rejErr.Error()); ferr != nil {
			return ferr
		}
		return &phaseFailure{err: rejErr}
	}
}

// dispatchPhase отправляет PendingPayload текущей фазы исполнителю.
func (o *Orchestrator) dispatchPhase(ctx context.Context, step *domain.StepExecution, def *Definition) error {
	step.MarkDispatched()
	if err := o.steps.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	correlationID, err := o.dispatcher.Submit(ctx, step.ID, step.PhaseIndex, step.PendingPayload, def.phaseTimeout(step.PhaseIndex))
	if err != nil {
		failErr := fmt.Errorf("dispatch phase %d: %w", step.PhaseIndex, err)
		if ferr := o.fail(ctx, step, failErr.Error()); ferr != nil {
			return ferr
		}
		return &phaseFailure{err: failErr}
	}

	step.MarkAwaiting(correlationID)
	if err := o.steps.UpdateStep(ctx, step); err != nil {
		// Handle не сохранён, его результат будет отброшен как stale.
		// Отзываем envelope; в хранилище step остался DISPATCHED, и
		// RepairStranded отправит фазу заново.
		if _, cerr := o.dispatcher.Cancel(ctx, correlationID); cerr != nil {
			o.stepLogger(step).Warn("failed to cancel unsaved envelope", "correlation_id", correlationID, "error", cerr)
		}
		step.CorrelationID = ""
		step.MarkDispatched()
		return fmt.Errorf("update step: %w", err)
	}

	telemetry.WithCorrelationID(o.stepLogger(step), correlationID).Debug("phase dispatched",
		"phase_index", step.PhaseIndex,
	)
	return nil
}

// --- Завершение ---

// fail переводит step в FAILED: освобождает consumer, отменяет handle, отдаёт outcome.
func (o *Orchestrator) fail(ctx context.Context, step *domain.StepExecution, msg string) error {
	o.releaseHeld(ctx, step)

	if step.CorrelationID != "" {
		if _, err := o.dispatcher.Cancel(ctx, step.CorrelationID); err != nil {
			o.stepLogger(step).Warn("failed to cancel envelope", "correlation_id", step.CorrelationID, "error", err)
		}
	}

	step.MarkFailed(msg)
	return o.finish(ctx, step, nil)
}

// finish сохраняет терминальный step и отдаёт outcome.
func (o *Orchestrator) finish(ctx context.Context, step *domain.StepExecution, output []byte) error {
	if err := o.steps.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	telemetry.StepOutcomes.WithLabelValues(string(step.Status)).Inc()

	logger := o.stepLogger(step)
	if step.Status == domain.StepStatusFailed {
		logger.Warn("step failed", "failed_phase", step.FailedPhase, "error", step.Error)
	} else {
		logger.Info("step succeeded", "phases", step.PhaseIndex+1, "duration", step.Duration())
	}

	if o.sink == nil {
		return nil
	}
	if err := o.sink.Emit(ctx, domain.OutcomeFromStep(step, output)); err != nil {
		// Step уже терминальный; повторная отправка не предусмотрена.
		logger.Error("failed to emit outcome", "error", err)
	}
	return nil
}

// releaseHeld освобождает consumer step'а, если он есть.
func (o *Orchestrator) releaseHeld(ctx context.Context, step *domain.StepExecution) {
	if step.HeldConsumer == nil {
		return
	}

	ref := *step.HeldConsumer
	step.HeldConsumer = nil

	if _, err := o.constraints.Release(ctx, ref.Unit, ref.ConsumerID); err != nil {
		// Consumer останется до reconciliation в sweeper.
		o.stepLogger(step).Error("failed to release consumer",
			"unit", ref.Unit,
			"consumer_id", ref.ConsumerID,
			"error", err,
		)
	}
}

// --- Асинхронные события допуска ---

func (o *Orchestrator) onPromoted(ctx context.Context, c domain.Consumer) error {
	unlock := o.locks.Lock(c.Owner)
	defer unlock()

	step, err := o.steps.GetStep(ctx, c.Owner)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("get step: %w", err)
	}

	if step != nil && o.holds(step, c) && !step.IsFinished() && step.Status != domain.StepStatusPending {
		// Фазу уже отправил RepairStranded.
		return nil
	}
	if step == nil || !o.holds(step, c) || step.Status != domain.StepStatusPending {
		// Владелец уже не ждёт этот consumer: возвращаем permits.
		o.logger.Warn("orphan consumer promoted, releasing", "unit", c.Unit, "consumer_id", c.ID, "step_id", c.Owner)
		_, err := o.constraints.Release(ctx, c.Unit, c.ID)
		return err
	}

	def, ok := o.Definition(step.Kind)
	if !ok {
		return o.fail(ctx, step, fmt.Sprintf("%s: %s", ErrUnknownDefinition, step.Kind))
	}

	telemetry.WithUnit(o.stepLogger(step), c.Unit).Info("step admitted after wait", "phase_index", step.PhaseIndex)

	if err := o.dispatchPhase(ctx, step, def); err != nil && !isPhaseFailure(err) {
		return err
	}
	return nil
}

func (o *Orchestrator) onRejected(ctx context.Context, c domain.Consumer) error {
	unlock := o.locks.Lock(c.Owner)
	defer unlock()

	step, err := o.steps.GetStep(ctx, c.Owner)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get step: %w", err)
	}
	if !o.holds(step, c) || step.IsFinished() {
		return nil
	}

	// Consumer уже удалён из очереди сервисом.
	step.HeldConsumer = nil

	msg := fmt.Sprintf("%s %s", msgAdmissionExpiry, c.Unit)
	if c.State == domain.ConsumerStatePermanentlyRejected {
		// Ёмкость unit уменьшилась ниже запроса фазы.
		msg = (&AdmissionRejectedError{Unit: c.Unit, State: c.State}).Error()
	}
	return o.fail(ctx, step, msg)
}

func (o *Orchestrator) holds(step *domain.StepExecution, c domain.Consumer) bool {
	return step.HeldConsumer != nil &&
		step.HeldConsumer.Unit == c.Unit &&
		step.HeldConsumer.ConsumerID == c.ID
}

// --- Восстановление ---

// recoverStep доводит step, прерванный между допуском и dispatch,
// и завершает step, чей handle разрешён, но результат не дошёл.
// Возвращает true, если step был продвинут.
func (o *Orchestrator) recoverStep(ctx context.Context, stepID string) (bool, error) {
	unlock := o.locks.Lock(stepID)
	defer unlock()

	step, err := o.steps.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get step: %w", err)
	}
	if step.IsFinished() {
		return false, nil
	}

	def, ok := o.Definition(step.Kind)
	if !ok {
		return true, o.fail(ctx, step, fmt.Sprintf("%s: %s", ErrUnknownDefinition, step.Kind))
	}

	logger := o.stepLogger(step)

	switch step.Status {
	case domain.StepStatusAwaitingResult:
		return o.recoverAwaiting(ctx, step, logger)

	case domain.StepStatusDispatched:
		// Упали после DISPATCHED, но до сохранения handle: повторяем отправку.
		// Первый envelope, если он успел уйти, будет проигнорирован как stale.
		logger.Warn("re-dispatching phase interrupted during dispatch", "phase_index", step.PhaseIndex)
		return true, ignorePhaseFailure(o.dispatchPhase(ctx, step, def))

	case domain.StepStatusPending:
		if step.HeldConsumer != nil {
			c, ok := o.constraints.Get(step.HeldConsumer.Unit, step.HeldConsumer.ConsumerID)
			switch {
			case !ok:
				// Упали до регистрации consumer: повторяем допуск.
				logger.Warn("re-admitting phase, consumer was not registered", "phase_index", step.PhaseIndex)
				return true, ignorePhaseFailure(o.admit(ctx, step, def, &def.Phases[step.PhaseIndex]))
			case c.State == domain.ConsumerStateActive:
				// Promotion случился, но не был обработан.
				logger.Warn("dispatching phase promoted before restart", "phase_index", step.PhaseIndex)
				return true, ignorePhaseFailure(o.dispatchPhase(ctx, step, def))
			default:
				return false, nil
			}
		}
		if step.PhaseIndex == 0 {
			return true, ignorePhaseFailure(o.runPhase(ctx, step, def, nil))
		}
		return true, o.fail(ctx, step, "phase "+strconv.Itoa(step.PhaseIndex)+" lost its input during restart")
	}

	return false, nil
}

// recoverAwaiting завершает step, если его handle разрешён давно
// (или пропал), а результат так и не был применён.
// Неразрешённый handle ведёт таймер диспетчера.
func (o *Orchestrator) recoverAwaiting(ctx context.Context, step *domain.StepExecution, logger *slog.Logger) (bool, error) {
	if step.CorrelationID != "" {
		env, err := o.dispatcher.Lookup(ctx, step.CorrelationID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// Envelope пропал вместе с результатом.
		case err != nil:
			return false, fmt.Errorf("get envelope: %w", err)
		case !env.IsResolved():
			return false, nil
		case env.ResolvedAt != nil && o.now().Sub(*env.ResolvedAt) < o.strandedAfter:
			// Результат, возможно, ещё передаётся.
			return false, nil
		}
	}

	logger.Warn("failing step whose phase result was lost",
		"phase_index", step.PhaseIndex,
		"correlation_id", step.CorrelationID,
	)
	step.CorrelationID = ""
	return true, o.fail(ctx, step, fmt.Sprintf("%s (phase %d)", msgResultLost, step.PhaseIndex))
}

// --- Вспомогательное ---

// phaseFailure — ошибка фазы, уже зафиксированная в step.
type phaseFailure struct {
	err error
}

func (e *phaseFailure) Error() string { return e.err.Error() }
func (e *phaseFailure) Unwrap() error { return e.err }

func isPhaseFailure(err error) bool {
	var pf *phaseFailure
	return errors.As(err, &pf)
}

func ignorePhaseFailure(err error) error {
	if isPhaseFailure(err) {
		return nil
	}
	return err
}

// consumerID — детерминированный ID consumer для фазы step.
func consumerID(step *domain.StepExecution) string {
	return step.ID + "#" + strconv.Itoa(step.PhaseIndex)
}

func (o *Orchestrator) stepLogger(step *domain.StepExecution) *slog.Logger {
	return telemetry.WithStepID(o.logger, step.ID)
}

func (o *Orchestrator) staleCallback(logger *slog.Logger, reason string) {
	telemetry.StaleCallbacks.Inc()
	logger.Debug("stale callback ignored", "reason", reason)
}
