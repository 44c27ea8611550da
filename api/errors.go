package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/andrebq/authbox/oauth"
	"github.com/andrebq/authbox/password"
)

type (
	errorBody struct {
		Error string `json:"error"`
	}

	validationError struct {
		msg string
	}
)

func (v validationError) Error() string { return v.msg }

func statusFor(err error) int {
	var upstream oauth.UpstreamFailure
	var invalid validationError
	var weak password.PolicyViolation
	switch {
	case errors.As(err, &invalid), errors.As(err, &weak):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gate.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gate.ErrInvalidCredentials), errors.Is(err, gate.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gate.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		lg := logutil.GetOrDefault(r.Context())
		lg.Error().Err(err).Msg("Unexpected error")
		msg = "internal server error"
	} else if status == http.StatusBadGateway {
		lg := logutil.GetOrDefault(r.Context())
		lg.Warn().Err(err).Msg("Upstream failure")
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
