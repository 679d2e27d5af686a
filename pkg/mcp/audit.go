package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/logging"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/observability"
)

// metricsService is the service label tool calls are recorded under.
const metricsService = "mcp"

// maxParamSize is the maximum size of a string parameter written to the audit log.
const maxParamSize = 1024

// maxPreviewSize caps the result preview in the audit log.
const maxPreviewSize = 200

// AuditLogger logs MCP tool calls and records their outcome as metrics.
type AuditLogger struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger. metrics may be nil.
func NewAuditLogger(logger *zap.Logger, metrics *observability.Metrics) *AuditLogger {
	return &AuditLogger{
		logger:  logger.Named("mcp-audit"),
		metrics: metrics,
	}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(_ context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	duration := a.elapsed(id)
	summary := summarizeResult(result)

	// A structured error result counts as a failed call for the tool's metrics.
	var outcome error
	if code, ok := summary["error_code"].(string); ok {
		outcome = fmt.Errorf("tool returned %s", code)
	}
	a.metrics.ObserveOperation(metricsService, req.Params.Name, duration, outcome)

	a.logger.Info("Tool call",
		zap.String("tool", req.Params.Name),
		zap.Duration("duration", duration),
		zap.Any("params", sanitizeParams(req.Params.Arguments)),
		zap.Any("result", summary))
}

func (a *AuditLogger) onError(_ context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}

	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	duration := a.elapsed(id)
	a.metrics.ObserveOperation(metricsService, req.Params.Name, duration, err)

	a.logger.Error("Tool call failed",
		zap.String("tool", req.Params.Name),
		zap.Duration("duration", duration),
		zap.Any("params", sanitizeParams(req.Params.Arguments)),
		zap.String("error", logging.SanitizeError(err)))
}

func (a *AuditLogger) elapsed(id any) time.Duration {
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		return time.Since(v.(time.Time))
	}
	return 0
}

// sensitiveParamKeys are substrings of parameter keys whose values are hashed.
var sensitiveParamKeys = []string{"password", "secret", "token", "api_key", "apikey", "credential"}

// sanitizeParams sanitizes request parameters before logging.
// Applies: long string truncation, sensitive value hashing.
func sanitizeParams(args any) map[string]any {
	params, ok := args.(map[string]any)
	if !ok || len(params) == 0 {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if isSensitiveKey(key) {
		return hashSensitiveValue(value)
	}

	switch val := value.(type) {
	case string:
		if len(val) > maxParamSize {
			return val[:maxParamSize] + "...[truncated]"
		}
		return val
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveParamKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// hashSensitiveValue returns a SHA-256 hash prefix for sensitive values,
// allowing correlation across audit entries without storing the actual value.
func hashSensitiveValue(value any) string {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	default:
		str = fmt.Sprintf("%v", v)
	}
	hash := sha256.Sum256([]byte(str))
	return "sha256:" + hex.EncodeToString(hash[:8])
}

// summarizeResult creates a compact summary of the tool result.
func summarizeResult(result *mcplib.CallToolResult) map[string]any {
	if result == nil {
		return nil
	}

	summary := map[string]any{
		"is_error": result.IsError,
	}

	if len(result.Content) > 0 {
		summary["content_count"] = len(result.Content)
		for _, c := range result.Content {
			if tc, ok := c.(mcplib.TextContent); ok {
				text := tc.Text
				extractCounts(text, summary)
				if result.IsError {
					extractErrorCode(text, summary)
				}
				if len(text) > maxPreviewSize {
					text = text[:maxPreviewSize] + "...[truncated]"
				}
				summary["preview"] = text
				break
			}
		}
	}

	return summary
}

// extractCounts copies the page size fields of list and search responses.
func extractCounts(text string, summary map[string]any) {
	var partial struct {
		Total   *int `json:"total"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err == nil && partial.Total != nil {
		summary["total"] = *partial.Total
		summary["has_more"] = partial.HasMore
	}
}

func extractErrorCode(text string, summary map[string]any) {
	var partial struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err == nil && partial.Code != "" {
		summary["error_code"] = partial.Code
	}
}
