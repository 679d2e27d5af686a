package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/search"
)

// ============================================================================
// In-memory node repository
// ============================================================================

type mockNodeRepo struct {
	mu            sync.Mutex
	nodes         map[uuid.UUID]*models.KnowledgeNode
	versions      map[uuid.UUID][]*models.NodeVersion
	relationships []models.NodeRelationship

	countBySlugCalls int
	calls            []string

	createErr      error
	updateErr      error
	verifySchemErr error
	pingErr        error
	queryErr       error
}

func newMockNodeRepo() *mockNodeRepo {
	return &mockNodeRepo{
		nodes:    make(map[uuid.UUID]*models.KnowledgeNode),
		versions: make(map[uuid.UUID][]*models.NodeVersion),
	}
}

var _ repositories.KnowledgeNodeRepository = (*mockNodeRepo)(nil)

func (m *mockNodeRepo) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockNodeRepo) slugTaken(slug string, exclude *uuid.UUID) bool {
	for _, n := range m.nodes {
		if n.Slug == slug && !n.IsDeleted() && (exclude == nil || n.ID != *exclude) {
			return true
		}
	}
	return false
}

func (m *mockNodeRepo) Create(ctx context.Context, input *models.NodeInput, authorID string) (*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create")
	if m.createErr != nil {
		return nil, m.createErr
	}

	now := time.Now().UTC()
	node := &models.KnowledgeNode{
		ID:        uuid.New(),
		Type:      models.NodeTypeDocument,
		Status:    models.NodeStatusDraft,
		Tags:      []string{},
		Metadata:  models.Metadata{},
		Author:    authorID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	node.Slug = node.ID.String()
	applyInput(node, input)
	if m.slugTaken(node.Slug, nil) {
		return nil, apperrors.ErrConflict
	}
	m.nodes[node.ID] = node
	return node.Clone(), nil
}

func applyInput(node *models.KnowledgeNode, input *models.NodeInput) {
	if input.Title != nil {
		node.Title = *input.Title
	}
	if input.Slug != nil && *input.Slug != "" {
		node.Slug = *input.Slug
	}
	if input.Content != nil {
		node.Content = *input.Content
	}
	if input.Type != nil {
		node.Type = *input.Type
	}
	if input.Status != nil {
		node.Status = *input.Status
	}
	if input.Tags != nil {
		node.Tags = append([]string{}, input.Tags...)
	}
	if input.Metadata != nil {
		node.Metadata = input.Metadata.Clone()
	}
}

func (m *mockNodeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetByID")
	n, ok := m.nodes[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return n.Clone(), nil
}

func (m *mockNodeRepo) GetBySlug(ctx context.Context, slug string) (*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetBySlug")
	for _, n := range m.nodes {
		if n.Slug == slug && !n.IsDeleted() {
			return n.Clone(), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockNodeRepo) Update(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Update")
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	next := n.Clone()
	applyInput(next, input)
	if !next.IsDeleted() && m.slugTaken(next.Slug, &id) {
		return nil, apperrors.ErrConflict
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	m.nodes[id] = next
	return next.Clone(), nil
}

// UpdateWithSnapshot applies the update and its history row together: any
// injected failure leaves both untouched.
func (m *mockNodeRepo) UpdateWithSnapshot(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateWithSnapshot")
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	next := n.Clone()
	applyInput(next, input)
	if !next.IsDeleted() && m.slugTaken(next.Slug, &id) {
		return nil, apperrors.ErrConflict
	}

	m.versions[id] = append(m.versions[id], &models.NodeVersion{
		ID:        uuid.New(),
		NodeID:    n.ID,
		Version:   n.Version,
		Title:     n.Title,
		Content:   n.Content,
		Metadata:  n.Metadata.Clone(),
		Author:    n.Author,
		CreatedAt: time.Now().UTC(),
	})
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	m.nodes[id] = next
	return next.Clone(), nil
}

func (m *mockNodeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete")
	n, ok := m.nodes[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	n.Status = models.NodeStatusDeleted
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockNodeRepo) Query(ctx context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Query")
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var matched []*models.KnowledgeNode
	for _, n := range m.nodes {
		switch {
		case filters.Status != "" && n.Status != filters.Status:
			continue
		case filters.Status == "" && !filters.IncludeDeleted && n.IsDeleted():
			continue
		case filters.Type != "" && n.Type != filters.Type:
			continue
		case filters.Author != "" && n.Author != filters.Author:
			continue
		}
		matched = append(matched, n.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := page.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return &models.NodePage{
		Nodes:   matched[offset:end],
		Total:   len(matched),
		Limit:   limit,
		Offset:  offset,
		HasMore: end < len(matched),
	}, nil
}

func (m *mockNodeRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetByIDs")
	out := make([]*models.KnowledgeNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (m *mockNodeRepo) CountBySlug(ctx context.Context, slug string, excludeID *uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countBySlugCalls++
	if m.slugTaken(slug, excludeID) {
		return 1, nil
	}
	return 0, nil
}

func (m *mockNodeRepo) CountActive(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, node := range m.nodes {
		if !node.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (m *mockNodeRepo) CheckDependencies(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, r := range m.relationships {
		if r.TargetID == nodeID {
			ids = append(ids, r.SourceID)
		}
	}
	return ids, nil
}

func (m *mockNodeRepo) AddRelationship(ctx context.Context, rel *models.NodeRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rel.Type == "" {
		rel.Type = "related"
	}
	rel.CreatedAt = time.Now().UTC()
	m.relationships = append(m.relationships, *rel)
	return nil
}

func (m *mockNodeRepo) RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.relationships[:0]
	removed := 0
	for _, r := range m.relationships {
		if r.SourceID == sourceID && r.TargetID == targetID && (relType == "" || r.Type == relType) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.relationships = kept
	if removed == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (m *mockNodeRepo) GetVersions(ctx context.Context, nodeID uuid.UUID) ([]*models.NodeVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := append([]*models.NodeVersion(nil), m.versions[nodeID]...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].Version > vs[j].Version })
	return vs, nil
}

func (m *mockNodeRepo) GetVersion(ctx context.Context, nodeID uuid.UUID, version int) (*models.NodeVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[nodeID] {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockNodeRepo) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockNodeRepo) VerifySchema(ctx context.Context) error {
	return m.verifySchemErr
}

func (m *mockNodeRepo) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// ============================================================================
// Stats repository
// ============================================================================

type mockStatsRepo struct {
	byType   map[string]int
	byStatus map[string]int
	tags     []models.CountBucket
	activity []models.ActivityPoint
	err      error

	growthDays  int
	authorLimit int
}

var _ repositories.KnowledgeNodeStatsRepository = (*mockStatsRepo)(nil)

func (m *mockStatsRepo) CountByType(context.Context) (map[string]int, error) {
	return m.byType, m.err
}

func (m *mockStatsRepo) CountByStatus(context.Context) (map[string]int, error) {
	return m.byStatus, m.err
}

func (m *mockStatsRepo) TopTags(_ context.Context, limit int) ([]models.CountBucket, error) {
	if len(m.tags) > limit {
		return m.tags[:limit], m.err
	}
	return m.tags, m.err
}

func (m *mockStatsRepo) RecentActivity(_ context.Context, days int) ([]models.ActivityPoint, error) {
	return m.activity, m.err
}

func (m *mockStatsRepo) ContentSizeDistribution(context.Context) ([]models.SizeBucket, error) {
	return []models.SizeBucket{{Label: "empty", Count: 1}}, m.err
}

func (m *mockStatsRepo) VersionDistribution(context.Context) ([]models.CountBucket, error) {
	return []models.CountBucket{{Key: "1", Count: 2}}, m.err
}

func (m *mockStatsRepo) GrowthCurve(_ context.Context, days int) ([]models.GrowthPoint, error) {
	m.growthDays = days
	return []models.GrowthPoint{}, m.err
}

func (m *mockStatsRepo) TopAuthors(_ context.Context, limit int) ([]models.AuthorCount, error) {
	m.authorLimit = limit
	return []models.AuthorCount{}, m.err
}

// ============================================================================
// Search index
// ============================================================================

type mockIndex struct {
	mu        sync.Mutex
	docs      map[string]search.Document
	created   []string
	indexErr  error
	removeErr error
	searchErr error
	hits      []search.Hit
	lastReq   search.Request
}

func newMockIndex() *mockIndex {
	return &mockIndex{docs: make(map[string]search.Document)}
}

var _ search.Index = (*mockIndex)(nil)

func (m *mockIndex) CreateIndex(_ context.Context, name string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, name)
	return nil
}

func (m *mockIndex) Index(_ context.Context, _ string, doc search.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexErr != nil {
		return m.indexErr
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *mockIndex) Remove(_ context.Context, _ string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.docs, id)
	return nil
}

func (m *mockIndex) Search(_ context.Context, req search.Request) (*search.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return &search.Response{
		Results: m.hits,
		Total:   len(m.hits),
		Limit:   req.Limit,
		Offset:  req.Offset,
	}, nil
}

func (m *mockIndex) docCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *mockIndex) hasDoc(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[id.String()]
	return ok
}

// ============================================================================
// Event bus and cache
// ============================================================================

type recordedEvent struct {
	name    string
	payload models.NodeEvent
}

type recordingBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBus) Emit(_ context.Context, name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, _ := payload.(models.NodeEvent)
	b.events = append(b.events, recordedEvent{name: name, payload: ev})
}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.name
	}
	return out
}

func (b *recordingBus) last() recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

var errCacheDown = errors.New("cache down")

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string, any) (bool, error) { return false, errCacheDown }
func (brokenCache) Set(context.Context, string, any, time.Duration) error {
	return errCacheDown
}
func (brokenCache) Delete(context.Context, string) error { return errCacheDown }
func (brokenCache) Ping(context.Context) error           { return errCacheDown }
