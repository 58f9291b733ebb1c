package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"delegator/internal/task"
)

// ErrorCode is a stable, machine-readable error class.
type ErrorCode string

const (
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeShutdown     ErrorCode = "SHUTTING_DOWN"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is the error member of the envelope.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Response is the envelope every endpoint answers with.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

func newRequestID() string {
	return "req_" + uuid.NewString()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *APIError) {
	respondJSON(w, status, reqID, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *APIError) {
	resp := Response{
		Status:    "ok",
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// respondTaskError maps scheduler errors onto HTTP statuses.
func respondTaskError(w http.ResponseWriter, reqID string, err error) {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, reqID, http.StatusBadRequest, &APIError{Code: CodeValidation, Message: ve.Error(), Field: ve.Field})
	case errors.Is(err, task.ErrNotFound):
		respondError(w, reqID, http.StatusNotFound, &APIError{Code: CodeNotFound, Message: err.Error()})
	case errors.Is(err, task.ErrTerminal):
		respondError(w, reqID, http.StatusConflict, &APIError{Code: CodeConflict, Message: err.Error()})
	case errors.Is(err, task.ErrShutdown):
		respondError(w, reqID, http.StatusServiceUnavailable, &APIError{Code: CodeShutdown, Message: err.Error()})
	default:
		respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: CodeInternal, Message: err.Error()})
	}
}
