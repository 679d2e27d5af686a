package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
)

// ApiResponse is the envelope for every JSON API response.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServiceErrorResponse is the body written for a structured service error.
type ServiceErrorResponse struct {
	Error       string                 `json:"error"`
	Message     string                 `json:"message"`
	Details     map[string]any         `json:"details,omitempty"`
	FieldErrors []apperrors.FieldError `json:"field_errors,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// StatusForCode maps an error code to the HTTP status returned for it.
func StatusForCode(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidNodeData:
		return http.StatusBadRequest
	case apperrors.CodeNodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeDuplicateNodeSlug, apperrors.CodeNodeHasDependencies:
		return http.StatusConflict
	case apperrors.CodeServiceNotInitialized, apperrors.CodeServiceNotAvailable,
		apperrors.CodeDependencyNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err as a JSON error body. Structured service errors keep
// their code, details and field errors; anything else becomes a 500 without internals.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, body := serviceErrorBody(err, logger)
	if err := WriteJSON(w, status, body); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// serviceErrorBody logs err at the level matching its status and builds the response body.
func serviceErrorBody(err error, logger *zap.Logger) (int, ServiceErrorResponse) {
	var se *apperrors.ServiceError
	if !errors.As(err, &se) {
		logger.Error("Request failed", zap.Error(err))
		return http.StatusInternalServerError, ServiceErrorResponse{
			Error:   string(apperrors.CodeService),
			Message: "internal error",
		}
	}

	status := StatusForCode(se.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("code", string(se.Code)), zap.Error(err))
	} else {
		logger.Debug("Request rejected", zap.String("code", string(se.Code)), zap.Error(err))
	}
	return status, ServiceErrorResponse{
		Error:       string(se.Code),
		Message:     se.Message,
		Details:     se.Details,
		FieldErrors: se.FieldErrors,
	}
}
