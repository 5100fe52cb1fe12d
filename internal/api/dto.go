package api

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
)

// Step DTOs

// StartStepRequest — запрос на запуск step.
type StartStepRequest struct {
	// ID — идентификатор step; пустой — будет сгенерирован.
	ID    string          `json:"id,omitempty"`
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StepResponse — ответ со step.
type StepResponse struct {
	ID            string              `json:"id"`
	Kind          string              `json:"kind"`
	Status        string              `json:"status"`
	PhaseIndex    int                 `json:"phase_index"`
	PhaseCount    int                 `json:"phase_count"`
	ChainEnded    bool                `json:"chain_ended"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	HeldConsumer  *domain.ConsumerRef `json:"held_consumer,omitempty"`
	State         json.RawMessage     `json:"state,omitempty"`
	StateVersion  int                 `json:"state_version"`
	Diagnostics   []domain.Diagnostic `json:"diagnostics,omitempty"`
	Error         string              `json:"error,omitempty"`
	FailedPhase   int                 `json:"failed_phase"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	FinishedAt    *time.Time          `json:"finished_at,omitempty"`
}

// StepFromDomain конвертирует domain.StepExecution в StepResponse.
//
// Continuation отдаётся как JSON, если он им является; иначе опускается.
func StepFromDomain(s *domain.StepExecution) StepResponse {
	resp := StepResponse{
		ID:            s.ID,
		Kind:          s.Kind,
		Status:        string(s.Status),
		PhaseIndex:    s.PhaseIndex,
		PhaseCount:    s.PhaseCount,
		ChainEnded:    s.ChainEnded,
		CorrelationID: s.CorrelationID,
		HeldConsumer:  s.HeldConsumer,
		StateVersion:  s.Continuation.Version,
		Diagnostics:   s.Diagnostics,
		Error:         s.Error,
		FailedPhase:   s.FailedPhase,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		FinishedAt:    s.FinishedAt,
	}
	if len(s.Continuation.Data) > 0 && json.Valid(s.Continuation.Data) {
		resp.State = json.RawMessage(s.Continuation.Data)
	}
	return resp
}

// Constraint DTOs

// ConsumerResponse — ответ с consumer.
type ConsumerResponse struct {
	ID           string     `json:"id"`
	Permits      int        `json:"permits"`
	State        string     `json:"state"`
	Order        int64      `json:"order"`
	Owner        string     `json:"owner,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
}

// UnitResponse — ответ с состоянием unit.
type UnitResponse struct {
	Unit          string             `json:"unit"`
	Capacity      int                `json:"capacity"`
	MaxQueue      int                `json:"max_queue,omitempty"`
	ActivePermits int                `json:"active_permits"`
	Active        []ConsumerResponse `json:"active"`
	Blocked       []ConsumerResponse `json:"blocked"`
}

// UnitFromSnapshot конвертирует constraint.Snapshot в UnitResponse.
func UnitFromSnapshot(s constraint.Snapshot) UnitResponse {
	return UnitResponse{
		Unit:          s.Unit,
		Capacity:      s.Capacity,
		MaxQueue:      s.MaxQueue,
		ActivePermits: s.ActivePermits,
		Active:        consumersFromDomain(s.Active),
		Blocked:       consumersFromDomain(s.Blocked),
	}
}

func consumersFromDomain(cs []domain.Consumer) []ConsumerResponse {
	out := make([]ConsumerResponse, len(cs))
	for i, c := range cs {
		out[i] = ConsumerResponse{
			ID:           c.ID,
			Permits:      c.Permits,
			State:        string(c.State),
			Order:        c.Order,
			Owner:        c.Owner,
			RegisteredAt: c.RegisteredAt,
			AcquiredAt:   c.AcquiredAt,
		}
	}
	return out
}

// Callback DTOs

// CallbackRequest — результат удалённой задачи.
type CallbackRequest struct {
	Status      string              `json:"status"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	Diagnostics []domain.Diagnostic `json:"diagnostics,omitempty"`
}

// Result конвертирует запрос в domain.Result.
func (r CallbackRequest) Result() domain.Result {
	return domain.Result{
		Status:      domain.ResultStatus(r.Status),
		Output:      []byte(r.Output),
		Error:       r.Error,
		Diagnostics: r.Diagnostics,
	}
}

// CallbackResponse — ответ на callback.
type CallbackResponse struct {
	CorrelationID string `json:"correlation_id"`

	// Applied — false, если handle уже разрешён или неизвестен.
	Applied bool `json:"applied"`
}
