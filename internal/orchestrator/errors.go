package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrStepNotFound — step не найден.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepExists — step с таким ID уже создан.
	ErrStepExists = errors.New("step already exists")

	// ErrStepFinished — step уже завершён.
	ErrStepFinished = errors.New("step already finished")

	// ErrUnknownDefinition — definition с таким kind не зарегистрирован.
	ErrUnknownDefinition = errors.New("unknown step definition")

	// ErrInvalidDefinition — definition не прошёл валидацию.
	ErrInvalidDefinition = errors.New("invalid step definition")

	// ErrTransform — transform фазы вернул ошибку.
	ErrTransform = errors.New("phase transform failed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// AdmissionRejectedError — unit отказал в допуске.
type AdmissionRejectedError struct {
	Unit  string
	State domain.ConsumerState
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission to %s rejected: %s", e.Unit, e.State)
}

// IsAdmissionRejected возвращает true, если ошибка — AdmissionRejectedError.
func IsAdmissionRejected(err error) bool {
	var e *AdmissionRejectedError
	return errors.As(err, &e)
}

// IsPhaseFailure возвращает true, если ошибка фазы уже зафиксирована
// в step как FAILED (отказ допуска, ошибка transform, отказ исполнителя).
func IsPhaseFailure(err error) bool {
	return isPhaseFailure(err)
}
