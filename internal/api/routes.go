package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(h.logger),
		Logging(h.logger),
		Recovery(h.logger),
	)

	// Definitions
	mux.Handle("GET /api/v1/kinds", chain(http.HandlerFunc(h.ListKinds)))

	// Steps
	mux.Handle("POST /api/v1/steps", chain(http.HandlerFunc(h.StartStep)))
	mux.Handle("GET /api/v1/steps/{id}", chain(http.HandlerFunc(h.GetStep)))
	mux.Handle("POST /api/v1/steps/{id}/cancel", chain(http.HandlerFunc(h.CancelStep)))

	// Constraints
	mux.Handle("GET /api/v1/constraints", chain(http.HandlerFunc(h.ListConstraints)))
	mux.Handle("GET /api/v1/constraints/{unit...}", chain(http.HandlerFunc(h.GetConstraint)))

	// Callbacks
	mux.Handle("POST /api/v1/callbacks/{correlation_id}", chain(http.HandlerFunc(h.Callback)))
}
