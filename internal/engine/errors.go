package engine

import "errors"

// Ошибки валидации ChainSpec.
var (
	// ErrEmptyName — у цепочки нет имени.
	ErrEmptyName = errors.New("chain has empty name")

	// ErrEmptyPhases — цепочка не содержит фаз.
	ErrEmptyPhases = errors.New("chain has no phases")

	// ErrEmptyPhaseName — фаза не имеет имени.
	ErrEmptyPhaseName = errors.New("phase has empty name")

	// ErrDuplicatePhase — несколько фаз с одинаковым именем.
	ErrDuplicatePhase = errors.New("duplicate phase name")

	// ErrUnknownTaskType — неизвестный тип задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidTimeout — таймаут не парсится или отрицателен.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidConstraint — некорректное описание ограничения.
	ErrInvalidConstraint = errors.New("invalid constraint")

	// ErrDuplicateChain — несколько цепочек с одинаковым именем.
	ErrDuplicateChain = errors.New("duplicate chain name")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Chain   string // имя цепочки
	Phase   string // имя фазы, если ошибка в фазе
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	prefix := "chain " + e.Chain
	if e.Phase != "" {
		prefix += " phase " + e.Phase
	}
	return prefix + ": " + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(chain, phase, field, message string, err error) *ValidationError {
	return &ValidationError{
		Chain:   chain,
		Phase:   phase,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
