package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// mockNodeService implements services.KnowledgeNodeService for tool tests.
// It records the last arguments it saw; err, when set, is returned by every call.
type mockNodeService struct {
	nodes    map[uuid.UUID]*models.KnowledgeNode
	versions []*models.NodeVersion
	stats    *models.NodeStatistics
	report   *models.NodeReport
	search   *models.NodeSearchPage
	health   services.Health
	err      error

	lastInput   *models.NodeInput
	lastFilters models.NodeFilters
	lastPage    models.Pagination
	lastQuery   string
	lastSearch  models.NodeSearchOptions
	lastDays    int
	lastAuthors int
	lastRelType string
	deleted     []uuid.UUID
}

var _ services.KnowledgeNodeService = (*mockNodeService)(nil)

func newMockNodeService() *mockNodeService {
	return &mockNodeService{
		nodes:  make(map[uuid.UUID]*models.KnowledgeNode),
		health: services.Health{Service: services.KnowledgeNodeServiceName, Status: services.HealthHealthy},
	}
}

func (m *mockNodeService) add(title, slug string) *models.KnowledgeNode {
	node := &models.KnowledgeNode{
		ID:        uuid.New(),
		Slug:      slug,
		Title:     title,
		Type:      models.NodeTypeDocument,
		Status:    models.NodeStatusDraft,
		Author:    "alice",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Version:   1,
	}
	m.nodes[node.ID] = node
	return node
}

func (m *mockNodeService) Name() string                           { return services.KnowledgeNodeServiceName }
func (m *mockNodeService) State() services.ServiceState           { return services.StateReady }
func (m *mockNodeService) Initialize(context.Context) error       { return nil }
func (m *mockNodeService) Shutdown(context.Context) error         { return nil }
func (m *mockNodeService) Health(context.Context) services.Health { return m.health }
func (m *mockNodeService) Stats() services.ServiceStats           { return services.ServiceStats{} }

func (m *mockNodeService) CreateNode(_ context.Context, input *models.NodeInput) (*models.KnowledgeNode, error) {
	m.lastInput = input
	if m.err != nil {
		return nil, m.err
	}
	node := m.add(*input.Title, "created")
	return node, nil
}

func (m *mockNodeService) GetNode(_ context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	if m.err != nil {
		return nil, m.err
	}
	node, ok := m.nodes[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNodeNotFound, "node "+id.String()+" not found").
			WithDetail("node_id", id.String())
	}
	return node, nil
}

func (m *mockNodeService) GetNodeBySlug(_ context.Context, slug string) (*models.KnowledgeNode, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, n := range m.nodes {
		if n.Slug == slug {
			return n, nil
		}
	}
	return nil, apperrors.New(apperrors.CodeNodeNotFound, "no node with slug "+slug)
}

func (m *mockNodeService) UpdateNode(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	m.lastInput = input
	node, err := m.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := node.Clone()
	if input.Title != nil {
		updated.Title = *input.Title
	}
	updated.Version++
	m.nodes[id] = updated
	return updated, nil
}

func (m *mockNodeService) DeleteNode(_ context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockNodeService) ListNodes(_ context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error) {
	m.lastFilters = filters
	m.lastPage = page
	if m.err != nil {
		return nil, m.err
	}
	out := &models.NodePage{Limit: page.Limit, Offset: page.Offset}
	for _, n := range m.nodes {
		out.Nodes = append(out.Nodes, n)
	}
	out.Total = len(out.Nodes)
	return out, nil
}

func (m *mockNodeService) SearchNodes(_ context.Context, query string, opts models.NodeSearchOptions) (*models.NodeSearchPage, error) {
	m.lastQuery = query
	m.lastSearch = opts
	if m.err != nil {
		return nil, m.err
	}
	if m.search == nil {
		return &models.NodeSearchPage{}, nil
	}
	return m.search, nil
}

func (m *mockNodeService) GetVersions(context.Context, uuid.UUID) ([]*models.NodeVersion, error) {
	return m.versions, m.err
}

func (m *mockNodeService) GetVersion(_ context.Context, _ uuid.UUID, version int) (*models.NodeVersion, error) {
	for _, v := range m.versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, apperrors.New(apperrors.CodeNodeNotFound, "no such version")
}

func (m *mockNodeService) LinkNodes(_ context.Context, source, target uuid.UUID, relType string) (*models.NodeRelationship, error) {
	m.lastRelType = relType
	if m.err != nil {
		return nil, m.err
	}
	if relType == "" {
		relType = "related"
	}
	return &models.NodeRelationship{SourceID: source, TargetID: target, Type: relType}, nil
}

func (m *mockNodeService) UnlinkNodes(_ context.Context, _, _ uuid.UUID, relType string) error {
	m.lastRelType = relType
	return m.err
}

func (m *mockNodeService) BulkOperations(context.Context, []models.BulkOperation) ([]models.BulkResult, error) {
	return nil, m.err
}

func (m *mockNodeService) GetStatistics(context.Context) (*models.NodeStatistics, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.stats == nil {
		return &models.NodeStatistics{}, nil
	}
	return m.stats, nil
}

func (m *mockNodeService) GetReport(_ context.Context, days, authors int) (*models.NodeReport, error) {
	m.lastDays = days
	m.lastAuthors = authors
	if m.report == nil {
		return &models.NodeReport{}, m.err
	}
	return m.report, m.err
}

func (m *mockNodeService) ReindexAll(context.Context) (*services.ReindexResult, error) {
	return &services.ReindexResult{}, m.err
}

// toolResponse is the decoded JSON-RPC reply to a tools/call request.
type toolResponse struct {
	Text    string
	IsError bool
	// RPCError is set when the handler returned a Go error.
	RPCError string
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) toolResponse {
	t.Helper()

	request, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	result := s.HandleMessage(context.Background(), request)
	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var response struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))

	if response.Error != nil {
		return toolResponse{RPCError: response.Error.Message}
	}
	out := toolResponse{IsError: response.Result.IsError}
	if len(response.Result.Content) > 0 {
		out.Text = response.Result.Content[0].Text
	}
	return out
}

func decodeError(t *testing.T, resp toolResponse) ErrorResponse {
	t.Helper()
	require.True(t, resp.IsError, "expected an error result, got %q", resp.Text)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Text), &errResp))
	return errResp
}
