package domain

import (
	"time"
)

// ContinuationVersion — текущая версия формата continuation.
const ContinuationVersion = 1

// Continuation — непрозрачное состояние, передаваемое между фазами.
//
// Ядро никогда не читает Data: его производит transform предыдущей фазы
// и потребляет transform следующей. Version позволяет transform'ам
// мигрировать старые записи после обновления.
type Continuation struct {
	Version int    `json:"version"`
	Data    []byte `json:"data,omitempty"`
}

// NewContinuation создаёт continuation текущей версии.
func NewContinuation(data []byte) Continuation {
	return Continuation{Version: ContinuationVersion, Data: data}
}

// ConsumerRef — ссылка на consumer, удерживаемый step'ом.
type ConsumerRef struct {
	Unit       string `json:"unit"`
	ConsumerID string `json:"consumer_id"`
}

// StepExecution — запись выполнения одного логического step.
//
// Создаётся при StartStep, изменяется Step Chain Executor'ом на каждом цикле
// dispatch/response и завершается в SUCCEEDED или FAILED.
//
// Инварианты:
//   - не более одного неразрешённого envelope (CorrelationID) одновременно
//   - PhaseIndex только растёт
//   - Continuation не интерпретируется ядром
type StepExecution struct {
	// ID — идентификатор step, назначается вызывающим.
	ID string `json:"id"`

	// Kind — имя definition; по нему восстанавливаются фазы после рестарта.
	Kind string `json:"kind"`

	// PhaseIndex — номер текущей фазы (с 0).
	PhaseIndex int `json:"phase_index"`

	// PhaseCount — количество фаз в definition на момент старта.
	PhaseCount int `json:"phase_count"`

	// Continuation — состояние, произведённое последним transform'ом.
	Continuation Continuation `json:"continuation"`

	// PendingPayload — payload текущей фазы.
	// Хранится, пока step ждёт допуска, чтобы не пересчитывать transform.
	PendingPayload []byte `json:"pending_payload,omitempty"`

	// ChainEnded — текущая фаза последняя.
	ChainEnded bool `json:"chain_ended"`

	// Status — текущий статус.
	Status StepStatus `json:"status"`

	// HeldConsumer — consumer текущей фазы (nil, если фаза без ограничения).
	HeldConsumer *ConsumerRef `json:"held_consumer,omitempty"`

	// CorrelationID — handle неразрешённого envelope текущей фазы.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Diagnostics — накопленный прогресс фаз.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// Error — текст ошибки при FAILED.
	Error string `json:"error,omitempty"`

	// FailedPhase — фаза, на которой step упал (-1, если не упал).
	FailedPhase int `json:"failed_phase"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewStepExecution создаёт запись в статусе PENDING на фазе 0.
func NewStepExecution(id, kind string, phaseCount int, initial Continuation) *StepExecution {
	now := time.Now()
	return &StepExecution{
		ID:           id,
		Kind:         kind,
		PhaseCount:   phaseCount,
		Continuation: initial,
		Status:       StepStatusPending,
		FailedPhase:  -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsFinished возвращает true, если step завершён.
func (s *StepExecution) IsFinished() bool {
	return s.Status.IsTerminal()
}

// IsLastPhase возвращает true, если текущая фаза последняя в цепочке.
func (s *StepExecution) IsLastPhase() bool {
	return s.ChainEnded || s.PhaseIndex >= s.PhaseCount-1
}

// Park переводит step в ожидание допуска с удерживаемым consumer.
func (s *StepExecution) Park(ref ConsumerRef) {
	s.Status = StepStatusPending
	s.HeldConsumer = &ref
	s.touch()
}

// MarkDispatched переводит step в DISPATCHED перед передачей диспетчеру.
func (s *StepExecution) MarkDispatched() {
	s.Status = StepStatusDispatched
	s.touch()
}

// MarkAwaiting фиксирует выданный correlation handle.
func (s *StepExecution) MarkAwaiting(correlationID string) {
	s.Status = StepStatusAwaitingResult
	s.CorrelationID = correlationID
	s.PendingPayload = nil
	s.touch()
}

// Advance переходит к следующей фазе.
func (s *StepExecution) Advance() {
	s.PhaseIndex++
	s.CorrelationID = ""
	s.HeldConsumer = nil
	s.Status = StepStatusPending
	s.touch()
}

// MarkSucceeded переводит step в SUCCEEDED.
func (s *StepExecution) MarkSucceeded() {
	now := time.Now()
	s.Status = StepStatusSucceeded
	s.CorrelationID = ""
	s.HeldConsumer = nil
	s.FinishedAt = &now
	s.UpdatedAt = now
}

// MarkFailed переводит step в FAILED с ошибкой на текущей фазе.
func (s *StepExecution) MarkFailed(errMsg string) {
	now := time.Now()
	s.Status = StepStatusFailed
	s.Error = errMsg
	s.FailedPhase = s.PhaseIndex
	s.CorrelationID = ""
	s.HeldConsumer = nil
	s.PendingPayload = nil
	s.FinishedAt = &now
	s.UpdatedAt = now
}

// AddDiagnostics добавляет прогресс фазы.
func (s *StepExecution) AddDiagnostics(items ...Diagnostic) {
	s.Diagnostics = append(s.Diagnostics, items...)
}

func (s *StepExecution) touch() {
	s.UpdatedAt = time.Now()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если step ещё не завершён.
func (s *StepExecution) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.CreatedAt)
}
