package tools

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// Errors the caller can act on are returned as successful tool results
// carrying this body, so the client sees the details instead of a bare
// protocol failure.
type ErrorResponse struct {
	Error       bool                   `json:"error"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Details     any                    `json:"details,omitempty"`
	FieldErrors []apperrors.FieldError `json:"field_errors,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable errors (invalid parameters, unknown node).
// System failures should still be returned as Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return newErrorResult(ErrorResponse{Error: true, Code: code, Message: message})
}

// NewErrorResultWithDetails creates an error result with additional context.
//
// Example:
//
//	return NewErrorResultWithDetails(
//	    "invalid_parameters",
//	    "invalid status value",
//	    map[string]any{"parameter": "status", "expected": statuses},
//	), nil
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	return newErrorResult(ErrorResponse{Error: true, Code: code, Message: message, Details: details})
}

func newErrorResult(resp ErrorResponse) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// actionableCodes are service error codes the caller can fix or retry.
var actionableCodes = map[apperrors.Code]bool{
	apperrors.CodeInvalidNodeData:       true,
	apperrors.CodeDuplicateNodeSlug:     true,
	apperrors.CodeNodeNotFound:          true,
	apperrors.CodeNodeHasDependencies:   true,
	apperrors.CodeServiceNotAvailable:   true,
	apperrors.CodeServiceNotInitialized: true,
}

// HandleServiceError converts an error from the knowledge node service into a
// tool result. Actionable service errors become structured results keyed by
// their code; anything else is returned as a Go error.
//
// Example usage:
//
//	node, err := deps.Service.GetNode(ctx, id)
//	if err != nil {
//	    return HandleServiceError(err)
//	}
func HandleServiceError(err error) (*mcp.CallToolResult, error) {
	var se *apperrors.ServiceError
	if errors.As(err, &se) && actionableCodes[se.Code] {
		return newErrorResult(ErrorResponse{
			Error:       true,
			Code:        string(se.Code),
			Message:     se.Message,
			Details:     detailsOrNil(se.Details),
			FieldErrors: se.FieldErrors,
		}), nil
	}
	return nil, err
}

func detailsOrNil(d map[string]any) any {
	if len(d) == 0 {
		return nil
	}
	return d
}

// inputErrorPatterns are substrings of errors caused by caller input rather
// than server failures. These are logged at DEBUG, not ERROR.
var inputErrorPatterns = []string{
	"not found",
	"validation failed",
	"already in use",
	"invalid",
	"missing required",
	"cannot be empty",
}

// IsInputError returns true if err was caused by caller input:
// actionable service errors and parameter failures.
func IsInputError(err error) bool {
	if err == nil {
		return false
	}

	var se *apperrors.ServiceError
	if errors.As(err, &se) {
		return actionableCodes[se.Code] && se.Code != apperrors.CodeServiceNotAvailable &&
			se.Code != apperrors.CodeServiceNotInitialized
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range inputErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
