package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/orchestrator"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeRejected       ErrorCode = "ADMISSION_REJECTED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Step — итоговое состояние step, если оно успело сохраниться.
	Step *StepResponse `json:"step,omitempty"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// Unavailable отправляет ошибку 503.
func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// MethodNotAllowed отправляет ошибку 405.
func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
}

// HandleStepError преобразует ошибку оркестратора в HTTP ответ.
//
// step — состояние step на момент ошибки (может быть nil). Для отказа
// в допуске оно прикладывается к ответу: step уже завершён как FAILED.
func HandleStepError(w http.ResponseWriter, logger *slog.Logger, err error, step *domain.StepExecution) bool {
	if err == nil {
		return false
	}

	var detail *StepResponse
	if step != nil {
		resp := StepFromDomain(step)
		detail = &resp
	}

	switch {
	case errors.Is(err, orchestrator.ErrStepNotFound), errors.Is(err, domain.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownDefinition):
		BadRequest(w, err.Error())
	case errors.Is(err, orchestrator.ErrStepExists):
		Conflict(w, err.Error())
	case errors.Is(err, orchestrator.ErrStepFinished):
		InvalidState(w, err.Error())
	case errors.Is(err, orchestrator.ErrOrchestratorStopped):
		Unavailable(w, err.Error())
	case orchestrator.IsAdmissionRejected(err):
		JSON(w, http.StatusConflict, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeRejected,
			Message: err.Error(),
			Step:    detail,
		}})
	case constraint.IsAdmissionError(err), orchestrator.IsPhaseFailure(err):
		JSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeInvalidState,
			Message: err.Error(),
			Step:    detail,
		}})
	default:
		InternalError(w, logger, err)
	}
	return true
}
