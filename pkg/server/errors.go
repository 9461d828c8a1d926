package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/session"
	"github.com/germanamz/relay/pkg/store"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: APIError{Code: code, Message: msg}})
}

// statusOf maps an error returned before a response started to a status and
// error code.
func statusOf(err error) (int, string) {
	var cfgErr *toolbox.ConfigError

	switch {
	case errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest, "invalid_conversation_id"
	case errors.Is(err, session.ErrEmptyTurn):
		return http.StatusBadRequest, "empty_turn"
	case errors.Is(err, session.ErrInvalidDecision):
		return http.StatusBadRequest, "invalid_decision"
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "config_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	writeErr(w, status, code, msg)
}
