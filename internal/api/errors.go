package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/exchange"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// conversationError maps conversation errors onto HTTP responses.
func conversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNoChannel):
		httpError(w, http.StatusConflict, "no_channel", "%v", err)
	case errors.Is(err, conversation.ErrEmptyQuestion):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, conversation.ErrUnknownAction), errors.Is(err, exchange.ErrUnknownExchange):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, conversation.ErrNoQueue):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}
