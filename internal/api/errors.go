package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/t77yq/telemetry-hub/internal/alarm"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, tenant.ErrInvalidToken), errors.Is(err, tenant.ErrUnboundScope):
		return http.StatusUnauthorized
	case errors.Is(err, tenant.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, tenant.ErrInvalidIdentifier), errors.Is(err, alarm.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, alarm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alarm.ErrInvalidTransition),
		errors.Is(err, alarm.ErrInvalidState),
		errors.Is(err, alarm.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if status < http.StatusInternalServerError {
		message = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
