// Package httputil writes the JSON bodies of the worker's operational
// endpoints.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
)

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("json encode failed", "component", "httputil", "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Unavailable writes a 503 with a generic message and logs the cause.
func Unavailable(w http.ResponseWriter, code string, err error) {
	logger.Error("dependency unavailable", "component", "httputil", "code", code, "error", err)
	JSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "service unavailable", Code: code})
}
