package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// Request body caps. A single node body must fit the largest valid content
// even when JSON escaping doubles it; a bulk body carries several nodes.
const (
	maxNodeBodyBytes  = 2*services.MaxContentBytes + 1<<20
	maxBulkBodyBytes  = 4 * maxNodeBodyBytes
	maxSmallBodyBytes = 64 << 10
)

// ============================================================================
// Request/Response Types
// ============================================================================

// LinkNodesRequest for POST /api/nodes/{nid}/links
type LinkNodesRequest struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type,omitempty"`
}

// BulkRequest for POST /api/nodes/bulk
type BulkRequest struct {
	Operations []models.BulkOperation `json:"operations"`
}

// BulkResponse carries the applied entries even when the batch stopped early.
type BulkResponse struct {
	Results []models.BulkResult   `json:"results"`
	Error   *ServiceErrorResponse `json:"error,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// KnowledgeNodeHandler exposes the knowledge node service over HTTP.
type KnowledgeNodeHandler struct {
	service services.KnowledgeNodeService
	logger  *zap.Logger
}

// NewKnowledgeNodeHandler creates a new knowledge node handler.
func NewKnowledgeNodeHandler(service services.KnowledgeNodeService, logger *zap.Logger) *KnowledgeNodeHandler {
	return &KnowledgeNodeHandler{
		service: service,
		logger:  logger.Named("node-handler"),
	}
}

// RegisterRoutes registers the knowledge node routes on the given mux.
func (h *KnowledgeNodeHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/nodes"

	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("GET "+base+"/search", h.Search)
	mux.HandleFunc("GET "+base+"/statistics", h.Statistics)
	mux.HandleFunc("GET "+base+"/report", h.Report)
	mux.HandleFunc("POST "+base+"/bulk", h.Bulk)
	mux.HandleFunc("GET "+base+"/{nid}", h.Get)
	mux.HandleFunc("PUT "+base+"/{nid}", h.Update)
	mux.HandleFunc("DELETE "+base+"/{nid}", h.Delete)
	mux.HandleFunc("GET "+base+"/{nid}/versions", h.Versions)
	mux.HandleFunc("GET "+base+"/{nid}/versions/{version}", h.Version)
	mux.HandleFunc("POST "+base+"/{nid}/links", h.Link)
	mux.HandleFunc("DELETE "+base+"/{nid}/links/{tid}", h.Unlink)

	// Slugs live under their own prefix so they never collide with node IDs.
	mux.HandleFunc("GET /api/slugs/{slug}", h.GetBySlug)
}

// List handles GET /api/nodes
func (h *KnowledgeNodeHandler) List(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	page, ok := h.parsePagination(w, r)
	if !ok {
		return
	}

	result, err := h.service.ListNodes(r.Context(), filters, page)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, result)
}

// Create handles POST /api/nodes
func (h *KnowledgeNodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.NodeInput
	if !h.decodeBody(w, r, maxNodeBodyBytes, &input) {
		return
	}

	node, err := h.service.CreateNode(r.Context(), &input)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusCreated, node)
}

// Get handles GET /api/nodes/{nid}
func (h *KnowledgeNodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}

	node, err := h.service.GetNode(r.Context(), nodeID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, node)
}

// GetBySlug handles GET /api/slugs/{slug}
func (h *KnowledgeNodeHandler) GetBySlug(w http.ResponseWriter, r *http.Request) {
	node, err := h.service.GetNodeBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, node)
}

// Update handles PUT /api/nodes/{nid}
func (h *KnowledgeNodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}

	var input models.NodeInput
	if !h.decodeBody(w, r, maxNodeBodyBytes, &input) {
		return
	}

	node, err := h.service.UpdateNode(r.Context(), nodeID, &input)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, node)
}

// Delete handles DELETE /api/nodes/{nid}
func (h *KnowledgeNodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.service.DeleteNode(r.Context(), nodeID); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Search handles GET /api/nodes/search?q=...
func (h *KnowledgeNodeHandler) Search(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.badRequest(w, "invalid_limit", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.badRequest(w, "invalid_offset", "offset must be an integer")
		return
	}
	includeContent, err := queryBool(r, "include_content")
	if err != nil {
		h.badRequest(w, "invalid_include_content", "include_content must be a boolean")
		return
	}

	opts := models.NodeSearchOptions{
		Type:           filters.Type,
		Status:         filters.Status,
		Tags:           filters.Tags,
		Limit:          limit,
		Offset:         offset,
		IncludeContent: includeContent,
	}
	result, err := h.service.SearchNodes(r.Context(), r.URL.Query().Get("q"), opts)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, result)
}

// Versions handles GET /api/nodes/{nid}/versions
func (h *KnowledgeNodeHandler) Versions(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}

	versions, err := h.service.GetVersions(r.Context(), nodeID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, versions)
}

// Version handles GET /api/nodes/{nid}/versions/{version}
func (h *KnowledgeNodeHandler) Version(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		h.badRequest(w, "invalid_version", "version must be a positive integer")
		return
	}

	snapshot, err := h.service.GetVersion(r.Context(), nodeID, version)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, snapshot)
}

// Link handles POST /api/nodes/{nid}/links
func (h *KnowledgeNodeHandler) Link(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}

	var req LinkNodesRequest
	if !h.decodeBody(w, r, maxSmallBodyBytes, &req) {
		return
	}
	r.SetPathValue("tid", strings.TrimSpace(req.TargetID))
	targetID, ok := ParseTargetID(w, r, h.logger)
	if !ok {
		return
	}

	rel, err := h.service.LinkNodes(r.Context(), sourceID, targetID, req.Type)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusCreated, rel)
}

// Unlink handles DELETE /api/nodes/{nid}/links/{tid}?type=...
func (h *KnowledgeNodeHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := ParseNodeID(w, r, h.logger)
	if !ok {
		return
	}
	targetID, ok := ParseTargetID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.service.UnlinkNodes(r.Context(), sourceID, targetID, r.URL.Query().Get("type")); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

// Bulk handles POST /api/nodes/bulk. A failed entry stops the batch; the entries
// applied before it are returned alongside the error.
func (h *KnowledgeNodeHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !h.decodeBody(w, r, maxBulkBodyBytes, &req) {
		return
	}
	if len(req.Operations) == 0 {
		h.badRequest(w, "validation_error", "operations is required")
		return
	}

	results, err := h.service.BulkOperations(r.Context(), req.Operations)
	if err == nil {
		h.writeData(w, http.StatusOK, BulkResponse{Results: results})
		return
	}

	status, body := serviceErrorBody(err, h.logger)
	if writeErr := WriteJSON(w, status, ApiResponse{
		Success: false,
		Data:    BulkResponse{Results: results, Error: &body},
		Error:   body.Error,
		Message: body.Message,
	}); writeErr != nil {
		h.logger.Error("Failed to write response", zap.Error(writeErr))
	}
}

// Statistics handles GET /api/nodes/statistics
func (h *KnowledgeNodeHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStatistics(r.Context())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, stats)
}

// Report handles GET /api/nodes/report?days=30&authors=10
func (h *KnowledgeNodeHandler) Report(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		h.badRequest(w, "invalid_days", "days must be an integer")
		return
	}
	authors, err := queryInt(r, "authors", 0)
	if err != nil {
		h.badRequest(w, "invalid_authors", "authors must be an integer")
		return
	}

	report, err := h.service.GetReport(r.Context(), days, authors)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.writeData(w, http.StatusOK, report)
}

func (h *KnowledgeNodeHandler) parseFilters(w http.ResponseWriter, r *http.Request) (models.NodeFilters, bool) {
	q := r.URL.Query()
	filters := models.NodeFilters{
		Type:   models.NodeType(strings.TrimSpace(q.Get("type"))),
		Status: models.NodeStatus(strings.TrimSpace(q.Get("status"))),
		Tags:   queryList(r, "tags"),
		Author: strings.TrimSpace(q.Get("author")),
	}
	if filters.Type != "" && !filters.Type.IsValid() {
		h.badRequest(w, "invalid_type", "unknown node type "+strconv.Quote(string(filters.Type)))
		return filters, false
	}
	if filters.Status != "" && !filters.Status.IsValid() {
		h.badRequest(w, "invalid_status", "unknown node status "+strconv.Quote(string(filters.Status)))
		return filters, false
	}

	var err error
	if filters.CreatedAfter, err = queryTime(r, "created_after"); err != nil {
		h.badRequest(w, "invalid_created_after", "created_after must be an RFC 3339 timestamp")
		return filters, false
	}
	if filters.CreatedBefore, err = queryTime(r, "created_before"); err != nil {
		h.badRequest(w, "invalid_created_before", "created_before must be an RFC 3339 timestamp")
		return filters, false
	}
	if filters.IncludeDeleted, err = queryBool(r, "include_deleted"); err != nil {
		h.badRequest(w, "invalid_include_deleted", "include_deleted must be a boolean")
		return filters, false
	}
	return filters, true
}

func (h *KnowledgeNodeHandler) parsePagination(w http.ResponseWriter, r *http.Request) (models.Pagination, bool) {
	page := models.Pagination{
		SortBy:    r.URL.Query().Get("sort_by"),
		SortOrder: models.SortDirection(strings.ToLower(r.URL.Query().Get("sort_order"))),
	}
	var err error
	if page.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.badRequest(w, "invalid_limit", "limit must be an integer")
		return page, false
	}
	if page.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.badRequest(w, "invalid_offset", "offset must be an integer")
		return page, false
	}
	return page, true
}

func (h *KnowledgeNodeHandler) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit)
			if err := ErrorResponse(w, http.StatusRequestEntityTooLarge, "request_too_large", msg); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return false
		}
		h.badRequest(w, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func (h *KnowledgeNodeHandler) badRequest(w http.ResponseWriter, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *KnowledgeNodeHandler) writeData(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
