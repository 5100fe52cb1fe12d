package mq

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepwise/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

const (
	MessageTypeStepPending   MessageType = "step.pending"
	MessageTypeStepFinished  MessageType = "step.finished"
	MessageTypeTaskReady     MessageType = "task.ready"
	MessageTypeTaskCompleted MessageType = "task.completed"
)

// Message — конверт сообщения.
//
// При декодировании Payload остаётся json.RawMessage и разбирается
// ParsePayload в конкретный тип.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// UnmarshalJSON сохраняет payload необработанным.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID        string          `json:"id"`
		Type      MessageType     `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*m = Message{ID: wire.ID, Type: wire.Type, Timestamp: wire.Timestamp}
	if len(wire.Payload) > 0 {
		m.Payload = wire.Payload
	}
	return nil
}

// StepPendingPayload — запрос на запуск step из очереди.
type StepPendingPayload struct {
	StepID string          `json:"step_id"`
	Kind   string          `json:"kind"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// TaskReadyPayload — envelope для удалённого исполнителя.
type TaskReadyPayload struct {
	CorrelationID string        `json:"correlation_id"`
	StepID        string        `json:"step_id"`
	PhaseIndex    int           `json:"phase_index"`
	Payload       []byte        `json:"payload,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	DispatchedAt  time.Time     `json:"dispatched_at"`
}

// ReadyFromEnvelope переводит envelope диспетчера в payload очереди.
func ReadyFromEnvelope(env domain.TaskEnvelope) TaskReadyPayload {
	return TaskReadyPayload{
		CorrelationID: env.CorrelationID,
		StepID:        env.StepID,
		PhaseIndex:    env.PhaseIndex,
		Payload:       env.Payload,
		Timeout:       env.Timeout,
		DispatchedAt:  env.DispatchedAt,
	}
}

// TaskCompletedPayload — результат исполнителя, адресованный по correlation ID.
type TaskCompletedPayload struct {
	CorrelationID string              `json:"correlation_id"`
	StepID        string              `json:"step_id"`
	PhaseIndex    int                 `json:"phase_index"`
	Status        domain.ResultStatus `json:"status"`
	Output        []byte              `json:"output,omitempty"`
	Error         string              `json:"error,omitempty"`
	Diagnostics   []domain.Diagnostic `json:"diagnostics,omitempty"`
	Attempts      int                 `json:"attempts"`
}

// Result преобразует payload в результат фазы.
func (p TaskCompletedPayload) Result() domain.Result {
	return domain.Result{
		Status:      p.Status,
		Output:      p.Output,
		Error:       p.Error,
		Diagnostics: p.Diagnostics,
	}
}
