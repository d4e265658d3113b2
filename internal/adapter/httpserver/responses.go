// Package httpserver contains HTTP handlers and middleware for the fleet
// orchestrator's ingress API.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// errorEnvelope mirrors the original's {detail, error:{type, code?, meta?}}
// response shape (spec.md 7's "User-visible behavior").
type errorEnvelope struct {
	Detail string   `json:"detail"`
	Error  apiError `json:"error"`
}

type apiError struct {
	Type string      `json:"type"`
	Code interface{} `json:"code,omitempty"`
	Meta interface{} `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy to an HTTP status and the
// errorEnvelope shape. meta carries request-specific detail (e.g. a
// validation field name) when available.
func writeError(w http.ResponseWriter, _ *http.Request, err error, meta interface{}) {
	status := http.StatusInternalServerError
	errType := "internal_error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		errType = "not_found"
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNoAvailableProfile), errors.Is(err, domain.ErrWatermarkDisabled):
		status = http.StatusUnprocessableEntity
		errType = "service_error"
	case errors.Is(err, domain.ErrTokenAuthFailure):
		status = http.StatusUnauthorized
		errType = "token_auth_failure"
	case errors.Is(err, domain.ErrCFChallenge):
		status = http.StatusBadGateway
		errType = "cf_challenge"
	case errors.Is(err, domain.ErrAPI):
		status = http.StatusBadGateway
		errType = "api_error"
	case errors.Is(err, domain.ErrConnection):
		status = http.StatusBadGateway
		errType = "connection_error"
	case errors.Is(err, domain.ErrOverload):
		status = http.StatusServiceUnavailable
		errType = "overload"
	case errors.Is(err, domain.ErrCancellation):
		status = http.StatusConflict
		errType = "cancellation"
	case errors.Is(err, domain.ErrInternal):
		status = http.StatusInternalServerError
		errType = "internal_error"
	}
	writeJSON(w, status, errorEnvelope{Detail: err.Error(), Error: apiError{Type: errType, Meta: meta}})
}
