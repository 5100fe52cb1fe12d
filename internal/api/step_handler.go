package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ListKinds возвращает зарегистрированные definitions.
// GET /api/v1/kinds
func (h *Handler) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds := h.steps.Kinds()
	List(w, kinds, len(kinds))
}

// StartStep запускает step по kind.
// POST /api/v1/steps
//
// Отказ в допуске на фазе 0 возвращается синхронно (409) вместе с
// итоговым состоянием step.
func (h *Handler) StartStep(w http.ResponseWriter, r *http.Request) {
	var req StartStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		BadRequest(w, "kind is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var input []byte
	if len(req.Input) > 0 && string(req.Input) != "null" {
		input = []byte(req.Input)
	}

	step, err := h.steps.StartByKind(r.Context(), req.ID, req.Kind, input)
	if HandleStepError(w, h.log(r), err, step) {
		return
	}

	Created(w, StepFromDomain(step))
}

// GetStep возвращает step по ID.
// GET /api/v1/steps/{id}
func (h *Handler) GetStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		BadRequest(w, "invalid step id")
		return
	}

	step, err := h.steps.GetStep(r.Context(), id)
	if HandleStepError(w, h.log(r), err, nil) {
		return
	}

	Success(w, StepFromDomain(step))
}

// CancelStep отменяет step.
// POST /api/v1/steps/{id}/cancel
func (h *Handler) CancelStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		BadRequest(w, "invalid step id")
		return
	}

	step, err := h.steps.CancelStep(r.Context(), id)
	if HandleStepError(w, h.log(r), err, nil) {
		return
	}

	h.log(r).Info("step cancelled via API", "step_id", id)
	Success(w, StepFromDomain(step))
}
