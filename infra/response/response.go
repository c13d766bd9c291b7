// Package response standardizes the JSON shapes written by the API edge.
package response

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/middle"
)

// Response is the standardized success envelope.
type Response struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorBody is the standardized error shape: a machine code, a human
// message and enough request context to find the failure in the logs.
type ErrorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
	Path          string `json:"path"`
}

// Success writes a successful response with data.
func Success(w http.ResponseWriter, statusCode int, message string, data any) {
	WriteJSON(w, statusCode, Response{
		Code:    statusCode,
		Success: true,
		Message: message,
		Data:    data,
	})
}

// DomainError maps a gateway error onto the wire: HTTP status and machine
// code come from the error taxonomy.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := gateway.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", err, logger.LogContext{
			CorrelationID: middle.GetCorrelationID(r.Context()),
			Fields:        map[string]any{"path": r.URL.Path},
		})
	}
	Error(w, r, status, gateway.ErrorCode(err), err.Error())
}

// Error writes an error response with an explicit status and code.
func Error(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	WriteJSON(w, statusCode, ErrorBody{
		Error:         code,
		Message:       message,
		CorrelationID: middle.GetCorrelationID(r.Context()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Path:          r.URL.Path,
	})
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
