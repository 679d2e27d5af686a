package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// mockNodeService is a configurable KnowledgeNodeService for handler tests.
// err, when set, is returned by every operation.
type mockNodeService struct {
	nodes       map[uuid.UUID]*models.KnowledgeNode
	health      services.Health
	bulkResults []models.BulkResult
	err         error

	lastInput   *models.NodeInput
	lastFilters models.NodeFilters
	lastPage    models.Pagination
	lastQuery   string
	lastSearch  models.NodeSearchOptions
	lastDays    int
	lastAuthors int
	lastLink    [2]uuid.UUID
	lastRelType string
	lastBulk    []models.BulkOperation
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
		Type:      models.NodeTypeNote,
		Status:    models.NodeStatusDraft,
		Author:    "bob",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Version:   1,
	}
	m.nodes[node.ID] = node
	return node
}

func (m *mockNodeService) notFound(id uuid.UUID) error {
	return apperrors.New(apperrors.CodeNodeNotFound, "node "+id.String()+" not found").
		WithDetail("node_id", id.String())
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
	title := ""
	if input.Title != nil {
		title = *input.Title
	}
	return m.add(title, "created"), nil
}

func (m *mockNodeService) GetNode(_ context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	if m.err != nil {
		return nil, m.err
	}
	node, ok := m.nodes[id]
	if !ok {
		return nil, m.notFound(id)
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

func (m *mockNodeService) DeleteNode(ctx context.Context, id uuid.UUID) error {
	if _, err := m.GetNode(ctx, id); err != nil {
		return err
	}
	delete(m.nodes, id)
	return nil
}

func (m *mockNodeService) ListNodes(_ context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error) {
	m.lastFilters = filters
	m.lastPage = page
	if m.err != nil {
		return nil, m.err
	}
	out := &models.NodePage{Nodes: []*models.KnowledgeNode{}, Limit: page.Limit, Offset: page.Offset}
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
	return &models.NodeSearchPage{Results: []models.NodeSearchHit{}, Limit: opts.Limit}, nil
}

func (m *mockNodeService) GetVersions(ctx context.Context, id uuid.UUID) ([]*models.NodeVersion, error) {
	node, err := m.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return []*models.NodeVersion{{NodeID: id, Version: 1, Title: node.Title, Author: node.Author}}, nil
}

func (m *mockNodeService) GetVersion(_ context.Context, id uuid.UUID, version int) (*models.NodeVersion, error) {
	if version != 1 {
		return nil, apperrors.New(apperrors.CodeNodeNotFound, "no such version")
	}
	return &models.NodeVersion{NodeID: id, Version: 1}, nil
}

func (m *mockNodeService) LinkNodes(_ context.Context, source, target uuid.UUID, relType string) (*models.NodeRelationship, error) {
	m.lastLink = [2]uuid.UUID{source, target}
	m.lastRelType = relType
	if m.err != nil {
		return nil, m.err
	}
	return &models.NodeRelationship{SourceID: source, TargetID: target, Type: relType}, nil
}

func (m *mockNodeService) UnlinkNodes(_ context.Context, source, target uuid.UUID, relType string) error {
	m.lastLink = [2]uuid.UUID{source, target}
	m.lastRelType = relType
	return m.err
}

func (m *mockNodeService) BulkOperations(_ context.Context, ops []models.BulkOperation) ([]models.BulkResult, error) {
	m.lastBulk = ops
	return m.bulkResults, m.err
}

func (m *mockNodeService) GetStatistics(context.Context) (*models.NodeStatistics, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.NodeStatistics{}, nil
}

func (m *mockNodeService) GetReport(_ context.Context, days, authors int) (*models.NodeReport, error) {
	m.lastDays = days
	m.lastAuthors = authors
	if m.err != nil {
		return nil, m.err
	}
	return &models.NodeReport{}, nil
}

func (m *mockNodeService) ReindexAll(context.Context) (*services.ReindexResult, error) {
	return &services.ReindexResult{}, m.err
}
