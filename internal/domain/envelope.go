package domain

import (
	"time"
)

// TaskEnvelope — одно удалённое выполнение фазы.
//
// Envelope создаётся диспетчером при Submit и разрешается ровно один раз:
// completion от исполнителя, синтетический таймаут или отмена step.
type TaskEnvelope struct {
	// CorrelationID — уникальный handle, генерируется при dispatch.
	CorrelationID string `json:"correlation_id"`

	// StepID — step-владелец.
	StepID string `json:"step_id"`

	// PhaseIndex — фаза, выпустившая envelope.
	PhaseIndex int `json:"phase_index"`

	// Payload — непрозрачный запрос для исполнителя.
	Payload []byte `json:"payload,omitempty"`

	DispatchedAt time.Time     `json:"dispatched_at"`
	Timeout      time.Duration `json:"timeout"`

	Resolution Resolution `json:"resolution"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Deadline возвращает момент, после которого envelope считается просроченным.
func (e *TaskEnvelope) Deadline() time.Time {
	return e.DispatchedAt.Add(e.Timeout)
}

// IsResolved возвращает true, если handle уже разрешён.
func (e *TaskEnvelope) IsResolved() bool {
	return e.Resolution.IsResolved()
}

// Result — результат одной фазы.
type Result struct {
	Status ResultStatus `json:"status"`

	// Output — непрозрачный ответ исполнителя.
	Output []byte `json:"output,omitempty"`

	// Error — сообщение об ошибке исполнителя (сохраняется дословно).
	Error string `json:"error,omitempty"`

	// Diagnostics — прогресс, отчитанный исполнителем.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// IsSuccess возвращает true для успешного результата.
func (r *Result) IsSuccess() bool {
	return r.Status == ResultStatusSucceeded
}

// SucceededResult создаёт успешный результат.
func SucceededResult(output []byte) Result {
	return Result{Status: ResultStatusSucceeded, Output: output}
}

// FailedResult создаёт результат с ошибкой исполнителя.
func FailedResult(errMsg string) Result {
	return Result{Status: ResultStatusFailed, Error: errMsg}
}

// TimedOutResult создаёт синтетический результат по таймауту.
func TimedOutResult(timeout time.Duration) Result {
	return Result{
		Status: ResultStatusTimedOut,
		Error:  "remote task timed out after " + timeout.String(),
	}
}

// Diagnostic — единица прогресса фазы (аналог unit progress исполнителя).
type Diagnostic struct {
	Phase     int        `json:"phase"`
	Unit      string     `json:"unit"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
