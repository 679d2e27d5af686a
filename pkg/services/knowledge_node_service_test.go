package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/cache"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/search"
)

type nodeServiceFixture struct {
	svc    KnowledgeNodeService
	search NodeSearchService
	repo   *mockNodeRepo
	index  *mockIndex
	cache  *cache.MemoryCache
	bus    *recordingBus
}

type fixtureOption func(*KnowledgeNodeDeps)

func withCache(c cache.Cache) fixtureOption {
	return func(d *KnowledgeNodeDeps) { d.Cache = c }
}

func newNodeServiceFixture(t *testing.T, opts ...fixtureOption) *nodeServiceFixture {
	t.Helper()
	f := &nodeServiceFixture{
		repo:  newMockNodeRepo(),
		index: newMockIndex(),
		cache: cache.NewMemoryCache(100, zap.NewNop()),
		bus:   &recordingBus{},
	}
	f.search = NewNodeSearchService(f.repo, f.index, NodeSearchConfig{}, nil, zap.NewNop())

	deps := KnowledgeNodeDeps{
		Repo:       f.repo,
		Validator:  NewNodeValidator(f.repo, zap.NewNop()),
		Search:     f.search,
		Statistics: NewNodeStatisticsService(&mockStatsRepo{byStatus: map[string]int{}}, zap.NewNop()),
		Cache:      f.cache,
		Bus:        f.bus,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = NewKnowledgeNodeService(deps, KnowledgeNodeConfig{}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, f.search.Initialize(ctx))
	require.NoError(t, f.svc.Initialize(ctx))
	t.Cleanup(func() {
		_ = f.svc.Shutdown(ctx)
		_ = f.search.Shutdown(ctx)
	})
	return f
}

func (f *nodeServiceFixture) create(t *testing.T, title string) *models.KnowledgeNode {
	t.Helper()
	node, err := f.svc.CreateNode(context.Background(), &models.NodeInput{
		Title:   strPtr(title),
		Content: strPtr("Body of " + title),
		Author:  strPtr("alice"),
	})
	require.NoError(t, err)
	return node
}

func TestKnowledgeNodeService_RequiresInitialization(t *testing.T) {
	repo := newMockNodeRepo()
	svc := NewKnowledgeNodeService(KnowledgeNodeDeps{
		Repo:      repo,
		Validator: NewNodeValidator(repo, zap.NewNop()),
		Search:    NewNodeSearchService(repo, nil, NodeSearchConfig{}, nil, zap.NewNop()),
	}, KnowledgeNodeConfig{}, zap.NewNop())

	_, err := svc.GetNode(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeServiceNotInitialized))

	// The search service is a declared dependency.
	err = svc.Initialize(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDependencyNotInitialized))
}

func TestKnowledgeNodeService_MissingSearchDependency(t *testing.T) {
	repo := newMockNodeRepo()
	svc := NewKnowledgeNodeService(KnowledgeNodeDeps{
		Repo:      repo,
		Validator: NewNodeValidator(repo, zap.NewNop()),
	}, KnowledgeNodeConfig{}, zap.NewNop())

	err := svc.Initialize(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDependencyNotFound))
}

func TestKnowledgeNodeService_InitFailsOnMissingSchema(t *testing.T) {
	repo := newMockNodeRepo()
	repo.verifySchemErr = errors.New("missing tables: knowledge_nodes")
	search := NewNodeSearchService(repo, nil, NodeSearchConfig{}, nil, zap.NewNop())
	require.NoError(t, search.Initialize(context.Background()))

	svc := NewKnowledgeNodeService(KnowledgeNodeDeps{
		Repo:      repo,
		Validator: NewNodeValidator(repo, zap.NewNop()),
		Search:    search,
	}, KnowledgeNodeConfig{}, zap.NewNop())

	err := svc.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeServiceInit))
	assert.ErrorIs(t, err, &apperrors.ServiceError{Code: apperrors.CodeDatabase})
	assert.Equal(t, StateFailed, svc.State())
}

func TestKnowledgeNodeService_CreateNode(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()

	node := f.create(t, "Hello, World!")
	assert.Equal(t, 1, node.Version)
	assert.Equal(t, "hello-world", node.Slug)
	assert.Equal(t, "alice", node.Author)

	byID, err := f.svc.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, byID.ID)

	bySlug, err := f.svc.GetNodeBySlug(ctx, "hello-world")
	require.NoError(t, err)
	assert.Equal(t, node.ID, bySlug.ID)

	require.NoError(t, f.search.Flush(ctx))
	assert.True(t, f.index.hasDoc(node.ID))

	ev := f.bus.last()
	assert.Equal(t, models.EventNodeCreated, ev.name)
	assert.Equal(t, KnowledgeNodeServiceName, ev.payload.Service)
	assert.Equal(t, node.ID, ev.payload.Node.ID)

	stats := f.svc.Stats()
	assert.Equal(t, int64(1), stats.Custom["active_nodes"])
	assert.Contains(t, stats.Custom, "last_created_at")
}

func TestKnowledgeNodeService_CreateDefaultsAuthorAndGeneratesSlugSuffix(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNode(ctx, &models.NodeInput{Title: strPtr("Same title")})
	require.NoError(t, err)
	second, err := f.svc.CreateNode(ctx, &models.NodeInput{Title: strPtr("Same title")})
	require.NoError(t, err)

	assert.Equal(t, DefaultAuthor, first.Author)
	assert.Equal(t, "same-title", first.Slug)
	assert.Equal(t, "same-title-1", second.Slug)
}

func TestKnowledgeNodeService_CreateValidationError(t *testing.T) {
	f := newNodeServiceFixture(t)

	_, err := f.svc.CreateNode(context.Background(), &models.NodeInput{
		Title:   strPtr("Launch plan"),
		Status:  statusPtr(models.NodeStatusPublished),
		Content: strPtr(""),
	})
	require.Error(t, err)

	var se *apperrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperrors.CodeInvalidNodeData, se.Code)
	assert.Equal(t, KnowledgeNodeServiceName, se.Service)
	assert.Equal(t, "CreateNode", se.Operation)
	fe := findError(se.FieldErrors, "content")
	require.NotNil(t, fe)
	assert.Equal(t, ValidationRequiredForStatus, fe.Code)
	assert.Equal(t, 0, f.repo.callCount("Create"))
}

func TestKnowledgeNodeService_DuplicateSlug(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	input := func() *models.NodeInput {
		return &models.NodeInput{Title: strPtr("Runbook"), Slug: strPtr("runbook")}
	}

	first, err := f.svc.CreateNode(ctx, input())
	require.NoError(t, err)

	_, err = f.svc.CreateNode(ctx, input())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDuplicateNodeSlug))

	require.NoError(t, f.svc.DeleteNode(ctx, first.ID))

	again, err := f.svc.CreateNode(ctx, input())
	require.NoError(t, err)
	assert.Equal(t, "runbook", again.Slug)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestKnowledgeNodeService_CreateSurvivesIndexOutage(t *testing.T) {
	f := newNodeServiceFixture(t)
	f.index.indexErr = errors.New("search cluster unreachable")

	node := f.create(t, "Resilient node")
	require.NotNil(t, node)
	require.NoError(t, f.search.Flush(context.Background()))
	assert.False(t, f.index.hasDoc(node.ID))
}

func TestKnowledgeNodeService_UpdateNode(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Original title")

	// Prime the cache.
	_, err := f.svc.GetNode(ctx, node.ID)
	require.NoError(t, err)

	updated, err := f.svc.UpdateNode(ctx, node.ID, &models.NodeInput{Title: strPtr("X marks it")})
	require.NoError(t, err)
	assert.Equal(t, node.Version+1, updated.Version)

	fresh, err := f.svc.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "X marks it", fresh.Title, "next read must not be stale")

	versions, err := f.svc.GetVersions(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, node.Version, versions[0].Version)
	assert.Equal(t, "Original title", versions[0].Title)

	v, err := f.svc.GetVersion(ctx, node.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Original title", v.Title)

	_, err = f.svc.GetVersion(ctx, node.ID, 7)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))

	ev := f.bus.last()
	assert.Equal(t, models.EventNodeUpdated, ev.name)
	assert.Equal(t, node.Version, ev.payload.PreviousVersion)
	assert.Equal(t, 0, f.repo.callCount("Update"), "updates always go through the snapshotting write")
}

func TestKnowledgeNodeService_FailedUpdateLeavesHistoryUnchanged(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Steady state")

	f.repo.updateErr = errors.New("connection reset")
	_, err := f.svc.UpdateNode(ctx, node.ID, &models.NodeInput{Title: strPtr("Lost write")})
	require.Error(t, err)
	f.repo.updateErr = nil

	versions, err := f.svc.GetVersions(ctx, node.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	updated, err := f.svc.UpdateNode(ctx, node.ID, &models.NodeInput{Title: strPtr("Kept write")})
	require.NoError(t, err)
	assert.Equal(t, node.Version+1, updated.Version)

	versions, err = f.svc.GetVersions(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1, "exactly one snapshot of the replaced version")
	assert.Equal(t, node.Version, versions[0].Version)
	assert.Equal(t, "Steady state", versions[0].Title)
}

func TestKnowledgeNodeService_UpdateSlugInvalidatesOldSlug(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Moving target")

	_, err := f.svc.GetNodeBySlug(ctx, node.Slug)
	require.NoError(t, err)

	_, err = f.svc.UpdateNode(ctx, node.ID, &models.NodeInput{Slug: strPtr("new-home")})
	require.NoError(t, err)

	_, err = f.svc.GetNodeBySlug(ctx, node.Slug)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))

	moved, err := f.svc.GetNodeBySlug(ctx, "new-home")
	require.NoError(t, err)
	assert.Equal(t, node.ID, moved.ID)
}

func TestKnowledgeNodeService_UpdateErrors(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	a := f.create(t, "First node")
	b := f.create(t, "Second node")

	_, err := f.svc.UpdateNode(ctx, uuid.New(), &models.NodeInput{Title: strPtr("Nobody")})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))

	_, err = f.svc.UpdateNode(ctx, a.ID, &models.NodeInput{Slug: strPtr(b.Slug)})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDuplicateNodeSlug))

	_, err = f.svc.UpdateNode(ctx, a.ID, &models.NodeInput{Author: strPtr("mallory")})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData))

	_, err = f.svc.UpdateNode(ctx, a.ID, &models.NodeInput{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData))

	assert.Equal(t, 0, f.repo.callCount("UpdateWithSnapshot"), "rejected updates never reach the store")
}

func TestKnowledgeNodeService_DeleteNode(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	keep := f.create(t, "Survivor")
	node := f.create(t, "Doomed node")

	_, err := f.svc.UpdateNode(ctx, node.ID, &models.NodeInput{Title: strPtr("Doomed node v2")})
	require.NoError(t, err)

	page, err := f.svc.ListNodes(ctx, models.NodeFilters{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.NoError(t, f.search.Flush(ctx))

	require.NoError(t, f.svc.DeleteNode(ctx, node.ID))
	require.NoError(t, f.search.Flush(ctx))

	page, err = f.svc.ListNodes(ctx, models.NodeFilters{}, models.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total, "list cache invalidated on delete")
	assert.Equal(t, keep.ID, page.Nodes[0].ID)

	got, err := f.svc.GetNode(ctx, node.ID)
	require.NoError(t, err, "deleted nodes stay retrievable by id")
	assert.Equal(t, models.NodeStatusDeleted, got.Status)

	versions, err := f.svc.GetVersions(ctx, node.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	assert.False(t, f.index.hasDoc(node.ID))
	assert.Equal(t, models.EventNodeDeleted, f.bus.last().name)
	assert.Equal(t, int64(1), f.svc.Stats().Custom["active_nodes"])

	err = f.svc.DeleteNode(ctx, node.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound), "second delete")
}

func TestKnowledgeNodeService_DeleteGuard(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	target := f.create(t, "Referenced node")
	source := f.create(t, "Referencing node")

	rel, err := f.svc.LinkNodes(ctx, source.ID, target.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "related", rel.Type)
	assert.Equal(t, models.EventNodeLinked, f.bus.last().name)

	err = f.svc.DeleteNode(ctx, target.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeHasDependencies))
	assert.Equal(t, 0, f.repo.callCount("Delete"))

	stored, err := f.svc.GetNode(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusDraft, stored.Status)

	require.NoError(t, f.svc.UnlinkNodes(ctx, source.ID, target.ID, ""))
	assert.Equal(t, models.EventNodeUnlinked, f.bus.last().name)
	require.NoError(t, f.svc.DeleteNode(ctx, target.ID))

	err = f.svc.UnlinkNodes(ctx, source.ID, target.ID, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))
}

func TestKnowledgeNodeService_LinkValidation(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Lonely node")

	_, err := f.svc.LinkNodes(ctx, node.ID, node.ID, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData))

	_, err = f.svc.LinkNodes(ctx, node.ID, uuid.New(), "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))
}

func TestKnowledgeNodeService_ListCaching(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	f.create(t, "Cached list node")

	filters := models.NodeFilters{Type: models.NodeTypeDocument, Tags: []string{"b", "a"}}
	_, err := f.svc.ListNodes(ctx, filters, models.Pagination{Limit: 10})
	require.NoError(t, err)
	_, err = f.svc.ListNodes(ctx, models.NodeFilters{Tags: []string{"a", "b"}, Type: models.NodeTypeDocument}, models.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.callCount("Query"), "equal filters share a cache entry")

	_, err = f.svc.ListNodes(ctx, filters, models.Pagination{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, f.repo.callCount("Query"))
}

func TestListCacheKey(t *testing.T) {
	a := listCacheKey(models.NodeFilters{Type: models.NodeTypeNote, Author: "alice", Tags: []string{"x", "y"}},
		models.Pagination{Limit: 20, SortBy: "title", SortOrder: models.SortAsc})
	b := listCacheKey(models.NodeFilters{Author: "alice", Tags: []string{"y", "x"}, Type: models.NodeTypeNote},
		models.Pagination{Limit: 20, SortBy: "title", SortOrder: "ASC"})
	assert.Equal(t, a, b)
	assert.Contains(t, a, "nodes:list:")

	distinct := map[string]bool{
		listCacheKey(models.NodeFilters{}, models.Pagination{}):                                   true,
		listCacheKey(models.NodeFilters{Type: models.NodeTypeNote}, models.Pagination{}):          true,
		listCacheKey(models.NodeFilters{Status: models.NodeStatusDraft}, models.Pagination{}):     true,
		listCacheKey(models.NodeFilters{IncludeDeleted: true}, models.Pagination{}):               true,
		listCacheKey(models.NodeFilters{}, models.Pagination{Offset: 20}):                         true,
		listCacheKey(models.NodeFilters{}, models.Pagination{SortBy: "title"}):                    true,
		listCacheKey(models.NodeFilters{Author: "type=note"}, models.Pagination{}):                true,
		listCacheKey(models.NodeFilters{Tags: []string{"a,b"}}, models.Pagination{}):             true,
		listCacheKey(models.NodeFilters{Tags: []string{"a", "b"}}, models.Pagination{}):          true,
		listCacheKey(models.NodeFilters{}, models.Pagination{SortOrder: models.SortDesc}):         true,
	}
	assert.Len(t, distinct, 10)
}

func TestKnowledgeNodeService_SearchNodes(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Searchable node")
	f.index.hits = []search.Hit{{ID: node.ID.String(), Score: 1}}

	page, err := f.svc.SearchNodes(ctx, "searchable", models.NodeSearchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, node.ID, page.Results[0].Node.ID)

	// Served from cache until a mutation invalidates search pages.
	f.index.hits = nil
	page, err = f.svc.SearchNodes(ctx, "searchable", models.NodeSearchOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)

	f.create(t, "Another node")
	page, err = f.svc.SearchNodes(ctx, "searchable", models.NodeSearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestKnowledgeNodeService_SearchWithoutBackend(t *testing.T) {
	repo := newMockNodeRepo()
	search := NewNodeSearchService(repo, nil, NodeSearchConfig{}, nil, zap.NewNop())
	require.NoError(t, search.Initialize(context.Background()))
	svc := NewKnowledgeNodeService(KnowledgeNodeDeps{
		Repo:      repo,
		Validator: NewNodeValidator(repo, zap.NewNop()),
		Search:    search,
	}, KnowledgeNodeConfig{}, zap.NewNop())
	require.NoError(t, svc.Initialize(context.Background()))

	_, err := svc.SearchNodes(context.Background(), "anything", models.NodeSearchOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeServiceNotAvailable))

	_, err = svc.ReindexAll(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeServiceNotAvailable))
}

func TestKnowledgeNodeService_BulkOperations(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	existing := f.create(t, "Existing node")

	ops := []models.BulkOperation{
		{Op: models.BulkOpCreate, Data: &models.NodeInput{Title: strPtr("Bulk one")}},
		{Op: models.BulkOpUpdate, ID: existing.ID.String(), Data: &models.NodeInput{Title: strPtr("Existing, renamed")}},
		{Op: models.BulkOpCreate, Data: &models.NodeInput{Title: strPtr("no")}},
		{Op: models.BulkOpCreate, Data: &models.NodeInput{Title: strPtr("Never applied")}},
	}

	results, err := f.svc.BulkOperations(ctx, ops)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData), "failing entry keeps its code")
	assert.Contains(t, err.Error(), "bulk operation 2")

	var se *apperrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Details["bulk_index"])
	assert.Equal(t, "BulkOperations", se.Operation)

	require.Len(t, results, 2, "completed entries are returned")
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "Bulk one", results[0].Node.Title)
	assert.Equal(t, "Existing, renamed", results[1].Node.Title)

	_, err = f.svc.GetNodeBySlug(ctx, "bulk-one")
	require.NoError(t, err, "no rollback of applied entries")
	_, err = f.svc.GetNodeBySlug(ctx, "never-applied")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNodeNotFound))
}

func TestKnowledgeNodeService_BulkDeleteAndBadEntries(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()
	node := f.create(t, "Bulk delete me")

	results, err := f.svc.BulkOperations(ctx, []models.BulkOperation{
		{Op: models.BulkOpDelete, ID: node.ID.String()},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Node)

	_, err = f.svc.BulkOperations(ctx, []models.BulkOperation{{Op: models.BulkOpDelete, ID: "nope"}})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData))

	_, err = f.svc.BulkOperations(ctx, []models.BulkOperation{{Op: "upsert"}})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidNodeData))
}

func TestKnowledgeNodeService_CacheFailuresAreMisses(t *testing.T) {
	f := newNodeServiceFixture(t, withCache(brokenCache{}))
	ctx := context.Background()

	node := f.create(t, "Cacheless node")
	got, err := f.svc.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)

	h := f.svc.Health(ctx)
	assert.Equal(t, HealthDegraded, h.Status)
}

func TestKnowledgeNodeService_Health(t *testing.T) {
	f := newNodeServiceFixture(t)
	ctx := context.Background()

	h := f.svc.Health(ctx)
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, "up", h.Details["database"])

	f.repo.pingErr = errors.New("connection refused")
	h = f.svc.Health(ctx)
	assert.Equal(t, HealthUnhealthy, h.Status)
	assert.Contains(t, h.Message, "connection refused")
}

func TestKnowledgeNodeService_GetStatistics(t *testing.T) {
	f := newNodeServiceFixture(t)

	stats, err := f.svc.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	report, err := f.svc.GetReport(context.Background(), 7, 5)
	require.NoError(t, err)
	assert.NotNil(t, report)
}

func TestKnowledgeNodeService_ReindexAll(t *testing.T) {
	f := newNodeServiceFixture(t)
	f.create(t, "Reindex one")
	f.create(t, "Reindex two")
	require.NoError(t, f.search.Flush(context.Background()))
	f.index.docs = map[string]search.Document{}

	result, err := f.svc.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 2, f.index.docCount())
}
