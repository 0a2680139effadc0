package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
)

// statusFor maps the scheduler/storage error taxonomy (spec §7) onto an
// HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNoResources):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrWrongRunner):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrCASMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorBody{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}
