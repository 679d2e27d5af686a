package tools

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

func arguments(req mcp.CallToolRequest) map[string]any {
	args, _ := req.Params.Arguments.(map[string]any)
	return args
}

// getOptionalString extracts an optional string argument from the request.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	val, _ := arguments(req)[key].(string)
	return val
}

// getOptionalStringPtr returns nil when key was not supplied, so updates can
// tell "absent" from "empty".
func getOptionalStringPtr(req mcp.CallToolRequest, key string) *string {
	val, ok := arguments(req)[key].(string)
	if !ok {
		return nil
	}
	return &val
}

// getOptionalInt extracts an optional integer argument. JSON numbers arrive as float64.
func getOptionalInt(req mcp.CallToolRequest, key string) (int, bool) {
	switch v := arguments(req)[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func getOptionalBool(req mcp.CallToolRequest, key string) (bool, bool) {
	val, ok := arguments(req)[key].(bool)
	return val, ok
}

// getOptionalStringSlice returns nil when key is absent and an error when any
// element is not a string.
func getOptionalStringSlice(req mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := arguments(req)[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter '%s' must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("parameter '%s[%d]' must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

func getOptionalObject(req mcp.CallToolRequest, key string) (map[string]any, error) {
	raw, ok := arguments(req)[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter '%s' must be an object", key)
	}
	return obj, nil
}

// requireUUID reads a required UUID parameter.
func requireUUID(req mcp.CallToolRequest, key string) (uuid.UUID, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, err
	}
	raw = trimString(raw)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s format: %q is not a valid UUID", key, raw)
	}
	return id, nil
}
