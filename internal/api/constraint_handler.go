package api

import "net/http"

// ListConstraints возвращает состояние всех известных units.
// GET /api/v1/constraints
func (h *Handler) ListConstraints(w http.ResponseWriter, r *http.Request) {
	units := h.constraints.Units()

	result := make([]UnitResponse, 0, len(units))
	for _, unit := range units {
		snap, ok := h.constraints.Snapshot(unit)
		if !ok {
			continue
		}
		result = append(result, UnitFromSnapshot(snap))
	}

	List(w, result, len(result))
}

// GetConstraint возвращает состояние одного unit.
// GET /api/v1/constraints/{unit...}
//
// Ключ unit может содержать "/" (области видимости), поэтому маршрут
// забирает остаток пути целиком.
func (h *Handler) GetConstraint(w http.ResponseWriter, r *http.Request) {
	unit := r.PathValue("unit")
	if unit == "" {
		BadRequest(w, "unit is required")
		return
	}

	snap, ok := h.constraints.Snapshot(unit)
	if !ok {
		NotFound(w, "unit not found")
		return
	}

	Success(w, UnitFromSnapshot(snap))
}
