package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// HealthProber is any service that can report its own health.
type HealthProber interface {
	Health(ctx context.Context) services.Health
}

type healthResult struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services []services.Health `json:"services,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// Status is "ok" unless a probed service is degraded or unhealthy.
func RegisterHealthTool(s *server.MCPServer, version string, probes ...HealthProber) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := healthResult{Status: "ok", Version: version}
		for _, p := range probes {
			h := p.Health(ctx)
			res.Services = append(res.Services, h)
			switch {
			case h.Status == services.HealthUnhealthy:
				res.Status = string(services.HealthUnhealthy)
			case h.Status == services.HealthDegraded && res.Status == "ok":
				res.Status = string(services.HealthDegraded)
			}
		}

		result, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
