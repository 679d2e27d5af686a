// Package tools provides MCP tool implementations for ekaya-knowledge.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// KnowledgeNodeToolDeps contains dependencies for knowledge node tools.
type KnowledgeNodeToolDeps struct {
	Service services.KnowledgeNodeService
	Logger  *zap.Logger
}

// KnowledgeNodeToolNames lists every tool registered by RegisterKnowledgeNodeTools.
var KnowledgeNodeToolNames = []string{
	"get_knowledge_node",
	"list_knowledge_nodes",
	"search_knowledge_nodes",
	"create_knowledge_node",
	"update_knowledge_node",
	"delete_knowledge_node",
	"link_knowledge_nodes",
	"unlink_knowledge_nodes",
	"knowledge_node_statistics",
}

// RegisterKnowledgeNodeTools registers the knowledge node MCP tools.
func RegisterKnowledgeNodeTools(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	registerGetKnowledgeNodeTool(s, deps)
	registerListKnowledgeNodesTool(s, deps)
	registerSearchKnowledgeNodesTool(s, deps)
	registerCreateKnowledgeNodeTool(s, deps)
	registerUpdateKnowledgeNodeTool(s, deps)
	registerDeleteKnowledgeNodeTool(s, deps)
	registerLinkKnowledgeNodesTool(s, deps)
	registerUnlinkKnowledgeNodesTool(s, deps)
	registerStatisticsTool(s, deps)
}

type getKnowledgeNodeResponse struct {
	Node     *models.KnowledgeNode `json:"node"`
	Versions []*models.NodeVersion `json:"versions,omitempty"`
}

func registerGetKnowledgeNodeTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"get_knowledge_node",
		mcp.WithDescription(
			"Fetch one knowledge node by id or slug. Deleted nodes are still returned by id. "+
				"Set include_versions to also return the node's version history, oldest first.",
		),
		mcp.WithString("node_id", mcp.Description("UUID of the node. Either node_id or slug is required")),
		mcp.WithString("slug", mcp.Description("Slug of the node (e.g., 'deployment-runbook')")),
		mcp.WithBoolean("include_versions", mcp.Description("Include version history (default: false)")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			node *models.KnowledgeNode
			err  error
		)
		switch {
		case getOptionalString(req, "node_id") != "":
			id, parseErr := requireUUID(req, "node_id")
			if parseErr != nil {
				return NewErrorResult("invalid_parameters", parseErr.Error()), nil
			}
			node, err = deps.Service.GetNode(ctx, id)
		case trimString(getOptionalString(req, "slug")) != "":
			node, err = deps.Service.GetNodeBySlug(ctx, trimString(getOptionalString(req, "slug")))
		default:
			return NewErrorResult("invalid_parameters", "either node_id or slug is required"), nil
		}
		if err != nil {
			return deps.serviceError("get_knowledge_node", err)
		}

		resp := getKnowledgeNodeResponse{Node: node}
		if withVersions, _ := getOptionalBool(req, "include_versions"); withVersions {
			resp.Versions, err = deps.Service.GetVersions(ctx, node.ID)
			if err != nil {
				return deps.serviceError("get_knowledge_node", err)
			}
		}
		return jsonResult(resp)
	})
}

func registerListKnowledgeNodesTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"list_knowledge_nodes",
		mcp.WithDescription(
			"List knowledge nodes with optional filters. Deleted nodes are hidden unless status='deleted' "+
				"or include_deleted=true. Results are paged; check has_more and use offset for the next page.",
		),
		mcp.WithString("type", mcp.Description("Filter by type: document, note, concept, reference, template")),
		mcp.WithString("status", mcp.Description("Filter by status: draft, published, archived, deleted")),
		mcp.WithArray("tags", mcp.Description("Only nodes carrying all of these tags"), stringItems),
		mcp.WithString("author", mcp.Description("Filter by author")),
		mcp.WithBoolean("include_deleted", mcp.Description("Include soft-deleted nodes (default: false)")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1-100 (default: 20)")),
		mcp.WithNumber("offset", mcp.Description("Number of nodes to skip (default: 0)")),
		mcp.WithString("sort_by", mcp.Description("created_at, updated_at, title or version (default: created_at)")),
		mcp.WithString("sort_order", mcp.Description("asc or desc (default: desc)")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filters, result := parseNodeFilters(req)
		if result != nil {
			return result, nil
		}

		page := models.Pagination{
			SortBy:    getOptionalString(req, "sort_by"),
			SortOrder: models.SortDirection(getOptionalString(req, "sort_order")),
		}
		page.Limit, _ = getOptionalInt(req, "limit")
		page.Offset, _ = getOptionalInt(req, "offset")

		nodes, err := deps.Service.ListNodes(ctx, filters, page)
		if err != nil {
			return deps.serviceError("list_knowledge_nodes", err)
		}
		return jsonResult(nodes)
	})
}

func registerSearchKnowledgeNodesTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"search_knowledge_nodes",
		mcp.WithDescription(
			"Full-text search over knowledge node titles, content and tags, best match first. "+
				"Content is omitted unless include_content=true.",
		),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithString("type", mcp.Description("Filter by type")),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithArray("tags", mcp.Description("Only nodes carrying all of these tags"), stringItems),
		mcp.WithNumber("limit", mcp.Description("Page size, 1-100 (default: 20)")),
		mcp.WithNumber("offset", mcp.Description("Number of hits to skip (default: 0)")),
		mcp.WithBoolean("include_content", mcp.Description("Return node content (default: false)")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		query = trimString(query)
		if query == "" {
			return NewErrorResult("invalid_parameters", "parameter 'query' cannot be empty"), nil
		}

		filters, result := parseNodeFilters(req)
		if result != nil {
			return result, nil
		}
		opts := models.NodeSearchOptions{Type: filters.Type, Status: filters.Status, Tags: filters.Tags}
		opts.Limit, _ = getOptionalInt(req, "limit")
		opts.Offset, _ = getOptionalInt(req, "offset")
		opts.IncludeContent, _ = getOptionalBool(req, "include_content")

		page, err := deps.Service.SearchNodes(ctx, query, opts)
		if err != nil {
			return deps.serviceError("search_knowledge_nodes", err)
		}
		return jsonResult(page)
	})
}

func registerCreateKnowledgeNodeTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"create_knowledge_node",
		append([]mcp.ToolOption{
			mcp.WithDescription(
				"Create a knowledge node. A slug is generated from the title when omitted. "+
					"Published nodes need content; template nodes need metadata.templateVersion. "+
					"Validation failures are returned with one entry per rejected field.",
			),
			mcp.WithString("title", mcp.Required(), mcp.Description("Title, 3-255 characters")),
		}, nodeWriteParams()...)...,
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, result := parseNodeInput(req)
		if result != nil {
			return result, nil
		}
		if input.Title == nil {
			return NewErrorResult("invalid_parameters", "missing required parameter 'title'"), nil
		}
		input.Author = getOptionalStringPtr(req, "author")

		node, err := deps.Service.CreateNode(ctx, input)
		if err != nil {
			return deps.serviceError("create_knowledge_node", err)
		}
		return jsonResult(node)
	})
}

func registerUpdateKnowledgeNodeTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"update_knowledge_node",
		append([]mcp.ToolOption{
			mcp.WithDescription(
				"Update fields of a knowledge node. Only supplied fields change; the previous state is kept "+
					"as a version. Author cannot be changed. Setting status away from 'deleted' restores a node.",
			),
			mcp.WithString("node_id", mcp.Required(), mcp.Description("UUID of the node to update")),
			mcp.WithString("title", mcp.Description("New title, 3-255 characters")),
		}, nodeWriteParams()...)...,
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireUUID(req, "node_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		input, result := parseNodeInput(req)
		if result != nil {
			return result, nil
		}
		input.Author = getOptionalStringPtr(req, "author")

		node, err := deps.Service.UpdateNode(ctx, id, input)
		if err != nil {
			return deps.serviceError("update_knowledge_node", err)
		}
		return jsonResult(node)
	})
}

func registerDeleteKnowledgeNodeTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"delete_knowledge_node",
		mcp.WithDescription(
			"Soft-delete a knowledge node. The node keeps its history and can be restored with "+
				"update_knowledge_node. Fails with NODE_HAS_DEPENDENCIES while other nodes reference it.",
		),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("UUID of the node to delete")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireUUID(req, "node_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		if err := deps.Service.DeleteNode(ctx, id); err != nil {
			return deps.serviceError("delete_knowledge_node", err)
		}
		return jsonResult(map[string]any{"node_id": id.String(), "deleted": true})
	})
}

func registerLinkKnowledgeNodesTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"link_knowledge_nodes",
		mcp.WithDescription("Record that the source node references the target node. A referenced node cannot be deleted."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("UUID of the referencing node")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("UUID of the referenced node")),
		mcp.WithString("type", mcp.Description("Relationship type (default: related)")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, target, result := parseLinkParams(req)
		if result != nil {
			return result, nil
		}
		rel, err := deps.Service.LinkNodes(ctx, source, target, trimString(getOptionalString(req, "type")))
		if err != nil {
			return deps.serviceError("link_knowledge_nodes", err)
		}
		return jsonResult(rel)
	})
}

func registerUnlinkKnowledgeNodesTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"unlink_knowledge_nodes",
		mcp.WithDescription("Remove a reference between two nodes. Without type, every reference from source to target is removed."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("UUID of the referencing node")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("UUID of the referenced node")),
		mcp.WithString("type", mcp.Description("Relationship type to remove")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, target, result := parseLinkParams(req)
		if result != nil {
			return result, nil
		}
		if err := deps.Service.UnlinkNodes(ctx, source, target, trimString(getOptionalString(req, "type"))); err != nil {
			return deps.serviceError("unlink_knowledge_nodes", err)
		}
		return jsonResult(map[string]any{"source_id": source.String(), "target_id": target.String(), "removed": true})
	})
}

type statisticsResponse struct {
	*models.NodeStatistics
	Report *models.NodeReport `json:"report,omitempty"`
}

func registerStatisticsTool(s *server.MCPServer, deps *KnowledgeNodeToolDeps) {
	tool := mcp.NewTool(
		"knowledge_node_statistics",
		mcp.WithDescription(
			"Counts of non-deleted nodes by type and status, top tags and 30 days of activity. "+
				"Set include_report for content size, version, growth and author breakdowns.",
		),
		mcp.WithBoolean("include_report", mcp.Description("Include the extended report (default: false)")),
		mcp.WithNumber("days", mcp.Description("Growth window in days for the report, max 365 (default: 30)")),
		mcp.WithNumber("authors", mcp.Description("Number of top authors in the report, max 100 (default: 10)")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Service.GetStatistics(ctx)
		if err != nil {
			return deps.serviceError("knowledge_node_statistics", err)
		}
		resp := statisticsResponse{NodeStatistics: stats}

		if withReport, _ := getOptionalBool(req, "include_report"); withReport {
			days, _ := getOptionalInt(req, "days")
			authors, _ := getOptionalInt(req, "authors")
			resp.Report, err = deps.Service.GetReport(ctx, days, authors)
			if err != nil {
				return deps.serviceError("knowledge_node_statistics", err)
			}
		}
		return jsonResult(resp)
	})
}

var stringItems = mcp.Items(map[string]any{"type": "string"})

// nodeWriteParams are the optional parameters shared by create and update.
func nodeWriteParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("slug", mcp.Description("URL-safe identifier: lowercase letters, digits and single hyphens, max 100")),
		mcp.WithString("content", mcp.Description("Node body, up to 10MB")),
		mcp.WithString("type", mcp.Description("document, note, concept, reference or template (default: document)")),
		mcp.WithString("status", mcp.Description("draft, published, archived or deleted (default: draft)")),
		mcp.WithArray("tags", mcp.Description("Up to 50 tags of letters, digits, '-' and '_'"), stringItems),
		mcp.WithObject("metadata", mcp.Description("JSON object, max depth 10 and 64KB serialized")),
		mcp.WithString("author", mcp.Description("Author id; honoured on create only (default: system)")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	}
}

// parseNodeInput builds the write payload. Field rules are left to the service
// validator so callers get every violation at once.
func parseNodeInput(req mcp.CallToolRequest) (*models.NodeInput, *mcp.CallToolResult) {
	input := &models.NodeInput{
		Title:   getOptionalStringPtr(req, "title"),
		Slug:    getOptionalStringPtr(req, "slug"),
		Content: getOptionalStringPtr(req, "content"),
	}
	if v := getOptionalStringPtr(req, "type"); v != nil {
		t := models.NodeType(*v)
		input.Type = &t
	}
	if v := getOptionalStringPtr(req, "status"); v != nil {
		st := models.NodeStatus(*v)
		input.Status = &st
	}

	tags, err := getOptionalStringSlice(req, "tags")
	if err != nil {
		return nil, NewErrorResult("invalid_parameters", err.Error())
	}
	input.Tags = tags

	metadata, err := getOptionalObject(req, "metadata")
	if err != nil {
		return nil, NewErrorResult("invalid_parameters", err.Error())
	}
	if metadata != nil {
		input.Metadata = models.Metadata(metadata)
	}
	return input, nil
}

func parseNodeFilters(req mcp.CallToolRequest) (models.NodeFilters, *mcp.CallToolResult) {
	var filters models.NodeFilters

	if v := trimString(getOptionalString(req, "type")); v != "" {
		filters.Type = models.NodeType(v)
		if !filters.Type.IsValid() {
			return filters, NewErrorResultWithDetails("invalid_parameters", "invalid type value", map[string]any{
				"parameter": "type",
				"expected":  models.ValidNodeTypes,
				"actual":    v,
			})
		}
	}
	if v := trimString(getOptionalString(req, "status")); v != "" {
		filters.Status = models.NodeStatus(v)
		if !filters.Status.IsValid() {
			return filters, NewErrorResultWithDetails("invalid_parameters", "invalid status value", map[string]any{
				"parameter": "status",
				"expected":  models.ValidNodeStatuses,
				"actual":    v,
			})
		}
	}

	tags, err := getOptionalStringSlice(req, "tags")
	if err != nil {
		return filters, NewErrorResult("invalid_parameters", err.Error())
	}
	filters.Tags = tags
	filters.Author = trimString(getOptionalString(req, "author"))
	filters.IncludeDeleted, _ = getOptionalBool(req, "include_deleted")
	return filters, nil
}

func parseLinkParams(req mcp.CallToolRequest) (source, target uuid.UUID, result *mcp.CallToolResult) {
	sourceID, err := requireUUID(req, "source_id")
	if err != nil {
		return source, target, NewErrorResult("invalid_parameters", err.Error())
	}
	targetID, err := requireUUID(req, "target_id")
	if err != nil {
		return source, target, NewErrorResult("invalid_parameters", err.Error())
	}
	return sourceID, targetID, nil
}

// serviceError logs at the level matching who caused the failure and converts it.
func (d *KnowledgeNodeToolDeps) serviceError(tool string, err error) (*mcp.CallToolResult, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if IsInputError(err) {
		logger.Debug("Tool rejected input", zap.String("tool", tool), zap.Error(err))
	} else {
		logger.Error("Tool failed", zap.String("tool", tool), zap.Error(err))
	}
	result, goErr := HandleServiceError(err)
	if goErr != nil {
		return nil, fmt.Errorf("%s failed: %w", tool, goErr)
	}
	return result, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonResult, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonResult)), nil
}
