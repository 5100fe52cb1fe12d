package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Steps — Step Chain Executor с точки зрения API.
type Steps interface {
	StartByKind(ctx context.Context, stepID, kind string, input []byte) (*domain.StepExecution, error)
	GetStep(ctx context.Context, stepID string) (*domain.StepExecution, error)
	CancelStep(ctx context.Context, stepID string) (*domain.StepExecution, error)
	Kinds() []string
}

// Constraints — чтение состояния Resource Constraint Service.
type Constraints interface {
	Units() []string
	Snapshot(unit string) (constraint.Snapshot, bool)
}

// Callbacks принимает результаты удалённых исполнителей.
type Callbacks interface {
	OnCompletion(ctx context.Context, correlationID string, result domain.Result) (bool, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	steps       Steps
	constraints Constraints
	callbacks   Callbacks
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Steps       Steps
	Constraints Constraints

	// Callbacks — опционально; nil отключает POST /callbacks.
	Callbacks Callbacks

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		steps:       cfg.Steps,
		constraints: cfg.Constraints,
		callbacks:   cfg.Callbacks,
		logger:      logger,
	}
}

// log возвращает логгер запроса (с request_id, если есть).
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context(), h.logger)
}
