package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes returned in the error envelope.
const (
	CodeInternal       = "INTERNAL_ERROR"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeDegraded       = "DEGRADED"
	CodeNotImplemented = "NOT_IMPLEMENTED"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with status 200.
func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "status", status, "error", err)
	}
}
