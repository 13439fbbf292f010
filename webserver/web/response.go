package web

import (
	"encoding/json"
	"net/http"

	"github.com/mordilloSan/go-logger/logger"
)

// Message is one server-to-client WebSocket frame: action name to value.
type Message map[string]any

func termMsg(action string, v any) Message { return Message{"terminal:" + action: v} }

func notice(err *ActionError) Message { return Message{"go:notice": err} }

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warnf("[Router] encode JSON response: %v", err)
	}
}

// WriteError writes {"error": message} with the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
