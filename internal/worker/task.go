package worker

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Stepwise/internal/domain"
)

// TaskSpec — payload envelope'а, понятный worker'у.
//
// Ядро передаёт payload непрозрачно; TaskSpec кодирует его в JSON
// catalog (при рендеринге фазы) и декодирует worker.
type TaskSpec struct {
	// Type — тип executor'а: "http", "delay", "transform".
	Type string `json:"type"`

	// Config — отрендеренная конфигурация executor'а.
	Config map[string]any `json:"config,omitempty"`

	// Retry — политика повторов внутри worker'а.
	Retry *domain.RetryPolicy `json:"retry,omitempty"`
}

// Encode сериализует spec в payload envelope'а.
func (s TaskSpec) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode task spec: %w", err)
	}
	return data, nil
}

// DecodeTaskSpec разбирает payload envelope'а.
func DecodeTaskSpec(payload []byte) (TaskSpec, error) {
	var spec TaskSpec
	if len(payload) == 0 {
		return spec, fmt.Errorf("%w: empty payload", ErrInvalidTaskSpec)
	}
	if err := json.Unmarshal(payload, &spec); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidTaskSpec, err)
	}
	if spec.Type == "" {
		return spec, fmt.Errorf("%w: type is required", ErrInvalidTaskSpec)
	}
	if spec.Config == nil {
		spec.Config = make(map[string]any)
	}
	return spec, nil
}

// Task — одна задача, переданная executor'у.
type Task struct {
	CorrelationID string
	StepID        string
	PhaseIndex    int

	// Type — тип executor'а.
	Type string

	// Config — отрендеренная конфигурация.
	Config map[string]any

	// Attempt — номер текущей попытки (с 1).
	Attempt int
}

// CanRetry проверяет, осталась ли ещё попытка.
func (t *Task) CanRetry(maxAttempts int) bool {
	return t.Attempt < maxAttempts
}
