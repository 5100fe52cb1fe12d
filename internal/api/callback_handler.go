package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Callback принимает результат удалённой задачи по correlation handle.
// POST /api/v1/callbacks/{correlation_id}
//
// Повторный или поздний callback не ошибка: ответ 200 с applied=false.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.callbacks == nil {
		NotFound(w, "callbacks are not enabled")
		return
	}

	correlationID := r.PathValue("correlation_id")
	if correlationID == "" {
		BadRequest(w, "correlation_id is required")
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	switch domain.ResultStatus(req.Status) {
	case domain.ResultStatusSucceeded, domain.ResultStatusFailed:
	default:
		BadRequest(w, "status must be SUCCEEDED or FAILED")
		return
	}

	applied, err := h.callbacks.OnCompletion(r.Context(), correlationID, req.Result())
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}

	if !applied {
		h.log(r).Debug("stale callback ignored", "correlation_id", correlationID)
	}

	Success(w, CallbackResponse{CorrelationID: correlationID, Applied: applied})
}
