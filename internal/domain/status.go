package domain

// StepStatus — статус выполнения step.
//
// Жизненный цикл:
//
//	PENDING → DISPATCHED → AWAITING_RESULT → SUCCEEDED
//	   ↑                          │        ↘ FAILED
//	   └──── (следующая фаза) ────┘
//
// PENDING также означает "ждёт допуска" (consumer в BLOCKED).
// FAILED достижим из любого нетерминального статуса (отказ допуска, отмена, ошибка фазы).
type StepStatus string

const (
	// StepStatusPending — step создан или ждёт допуска к ресурсу.
	StepStatusPending StepStatus = "PENDING"

	// StepStatusDispatched — фаза передаётся диспетчеру.
	StepStatusDispatched StepStatus = "DISPATCHED"

	// StepStatusAwaitingResult — фаза отправлена исполнителю, ждём callback.
	StepStatusAwaitingResult StepStatus = "AWAITING_RESULT"

	// StepStatusSucceeded — все фазы успешно завершены.
	StepStatusSucceeded StepStatus = "SUCCEEDED"

	// StepStatusFailed — step завершился с ошибкой.
	StepStatusFailed StepStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed:
		return true
	default:
		return false
	}
}

// ResultStatus — итог одной фазы, пришедший от исполнителя (или синтезированный по таймауту).
type ResultStatus string

const (
	ResultStatusSucceeded ResultStatus = "SUCCEEDED"
	ResultStatusFailed    ResultStatus = "FAILED"
	ResultStatusTimedOut  ResultStatus = "TIMED_OUT"
)

// Resolution — как был разрешён correlation handle.
//
// Жизненный цикл:
//
//	PENDING → COMPLETED
//	        ↘ TIMED_OUT
//	        ↘ CANCELLED
//
// Переход из PENDING выполняется ровно один раз.
type Resolution string

const (
	ResolutionPending   Resolution = "PENDING"
	ResolutionCompleted Resolution = "COMPLETED"
	ResolutionTimedOut  Resolution = "TIMED_OUT"
	ResolutionCancelled Resolution = "CANCELLED"
)

// IsResolved возвращает true, если handle уже разрешён.
func (r Resolution) IsResolved() bool {
	return r != ResolutionPending && r != ""
}

// ConsumerState — состояние consumer в очереди ограничения.
//
// Жизненный цикл:
//
//	BLOCKED → ACTIVE → (release, удалён)
//	        ↘ REJECTED (таймаут ожидания или переполненная очередь)
//	PERMANENTLY_REJECTED — сразу при регистрации, если permits > capacity
type ConsumerState string

const (
	ConsumerStateBlocked             ConsumerState = "BLOCKED"
	ConsumerStateActive              ConsumerState = "ACTIVE"
	ConsumerStateRejected            ConsumerState = "REJECTED"
	ConsumerStatePermanentlyRejected ConsumerState = "PERMANENTLY_REJECTED"
)

// IsAdmitted возвращает true для ACTIVE.
func (s ConsumerState) IsAdmitted() bool {
	return s == ConsumerStateActive
}

// IsRejected возвращает true для REJECTED и PERMANENTLY_REJECTED.
func (s ConsumerState) IsRejected() bool {
	return s == ConsumerStateRejected || s == ConsumerStatePermanentlyRejected
}
