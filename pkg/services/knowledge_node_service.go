package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/cache"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/events"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/observability"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
)

const KnowledgeNodeServiceName = "KnowledgeNodeService"

const (
	DefaultNodeTTL = 300 * time.Second
	DefaultListTTL = 60 * time.Second
	DefaultAuthor  = "system"

	cacheKeyPrefix      = "nodes:"
	cacheListPattern    = "nodes:list:*"
	cacheSearchPattern  = "nodes:search:*"
	defaultMemoryCached = 1000
)

// KnowledgeNodeService is the public contract for managing knowledge nodes.
// Every operation fails with SERVICE_NOT_INITIALIZED until Initialize succeeds.
type KnowledgeNodeService interface {
	Lifecycle

	CreateNode(ctx context.Context, input *models.NodeInput) (*models.KnowledgeNode, error)
	// GetNode returns deleted nodes too; only listings hide them.
	GetNode(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error)
	GetNodeBySlug(ctx context.Context, slug string) (*models.KnowledgeNode, error)
	UpdateNode(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error)
	DeleteNode(ctx context.Context, id uuid.UUID) error
	ListNodes(ctx context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error)
	SearchNodes(ctx context.Context, query string, opts models.NodeSearchOptions) (*models.NodeSearchPage, error)

	GetVersions(ctx context.Context, id uuid.UUID) ([]*models.NodeVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*models.NodeVersion, error)

	LinkNodes(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*models.NodeRelationship, error)
	UnlinkNodes(ctx context.Context, sourceID, targetID uuid.UUID, relType string) error

	// BulkOperations applies ops in order and stops at the first failure.
	// Results of the entries applied before it are returned with the error;
	// they are not rolled back.
	BulkOperations(ctx context.Context, ops []models.BulkOperation) ([]models.BulkResult, error)

	GetStatistics(ctx context.Context) (*models.NodeStatistics, error)
	GetReport(ctx context.Context, days, authors int) (*models.NodeReport, error)
	ReindexAll(ctx context.Context) (*ReindexResult, error)
}

// KnowledgeNodeDeps are the collaborators of KnowledgeNodeService.
// Cache and Bus are optional.
type KnowledgeNodeDeps struct {
	Repo       repositories.KnowledgeNodeRepository
	Validator  NodeValidator
	Search     NodeSearchService
	Statistics NodeStatisticsService
	Cache      cache.Cache
	Bus        events.Bus
	Metrics    *observability.Metrics
}

// KnowledgeNodeConfig holds cache lifetimes and defaults.
type KnowledgeNodeConfig struct {
	NodeTTL       time.Duration
	ListTTL       time.Duration
	DefaultAuthor string
}

type knowledgeNodeService struct {
	*ServiceBase

	repo      repositories.KnowledgeNodeRepository
	validator NodeValidator
	search    NodeSearchService
	stats     NodeStatisticsService
	cache     cache.Cache
	bus       events.Bus
	metrics   *observability.Metrics
	cfg       KnowledgeNodeConfig
	logger    *zap.Logger

	activeNodes atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	mu          sync.Mutex
	lastCreated time.Time
}

// NewKnowledgeNodeService wires the orchestrator. The search service is a
// declared dependency and must be initialized first.
func NewKnowledgeNodeService(deps KnowledgeNodeDeps, cfg KnowledgeNodeConfig, logger *zap.Logger) KnowledgeNodeService {
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = DefaultNodeTTL
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = DefaultListTTL
	}
	if cfg.DefaultAuthor == "" {
		cfg.DefaultAuthor = DefaultAuthor
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache(defaultMemoryCached, logger)
	}
	if deps.Bus == nil {
		deps.Bus = events.Nop{}
	}

	s := &knowledgeNodeService{
		repo:      deps.Repo,
		validator: deps.Validator,
		search:    deps.Search,
		stats:     deps.Statistics,
		cache:     deps.Cache,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.Named("knowledge-nodes"),
	}

	var searchDep Lifecycle
	if deps.Search != nil {
		searchDep = deps.Search
	}
	s.ServiceBase = NewServiceBase(KnowledgeNodeServiceName, LifecycleHooks{
		OnInitialize: s.onInitialize,
		OnShutdown:   s.onShutdown,
		CheckHealth:  s.checkHealth,
		CollectStats: s.collectStats,
	}, logger, deps.Metrics, Dependency{Name: NodeSearchServiceName, Service: searchDep})
	return s
}

var _ KnowledgeNodeService = (*knowledgeNodeService)(nil)

// ============================================================================
// Lifecycle hooks
// ============================================================================

func (s *knowledgeNodeService) onInitialize(ctx context.Context) error {
	if err := s.repo.VerifySchema(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "knowledge node schema is not available", err)
	}

	count, err := s.repo.CountActive(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "failed to count active nodes", err)
	}
	s.activeNodes.Store(count)
	s.metrics.SetActiveNodes(count)

	s.logger.Info("Knowledge node service ready", zap.Int64("active_nodes", count))
	return nil
}

func (s *knowledgeNodeService) onShutdown(context.Context) error {
	s.logger.Info("Knowledge node service stopping",
		zap.Int64("active_nodes", s.activeNodes.Load()),
		zap.Int64("cache_hits", s.cacheHits.Load()),
		zap.Int64("cache_misses", s.cacheMisses.Load()))
	return nil
}

func (s *knowledgeNodeService) checkHealth(ctx context.Context) Health {
	h := Health{
		Status: HealthHealthy,
		Details: map[string]any{
			"active_nodes":   s.activeNodes.Load(),
			"cache_hit_rate": s.hitRate(),
		},
	}

	if err := s.repo.Ping(ctx); err != nil {
		h.Status = HealthUnhealthy
		h.Message = "database unreachable: " + err.Error()
		h.Details["database"] = "down"
		return h
	}
	h.Details["database"] = "up"

	if err := s.cache.Ping(ctx); err != nil {
		h.Status = HealthDegraded
		h.Message = "cache unreachable: " + err.Error()
		h.Details["cache"] = "down"
	} else {
		h.Details["cache"] = "up"
	}

	searchHealth := s.search.Health(ctx)
	h.Details["search"] = searchHealth.Status
	if searchHealth.Status != HealthHealthy && h.Status == HealthHealthy {
		h.Status = HealthDegraded
		h.Message = "search: " + searchHealth.Message
	}
	return h
}

func (s *knowledgeNodeService) collectStats() map[string]any {
	stats := map[string]any{
		"active_nodes":   s.activeNodes.Load(),
		"cache_hits":     s.cacheHits.Load(),
		"cache_misses":   s.cacheMisses.Load(),
		"cache_hit_rate": s.hitRate(),
	}

	s.mu.Lock()
	if !s.lastCreated.IsZero() {
		stats["last_created_at"] = s.lastCreated
	}
	s.mu.Unlock()

	if c, ok := s.cache.(interface{ Stats() cache.Stats }); ok {
		stats["cache"] = c.Stats()
	}
	return stats
}

func (s *knowledgeNodeService) hitRate() float64 {
	hits := s.cacheHits.Load()
	total := hits + s.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ============================================================================
// Node CRUD
// ============================================================================

func (s *knowledgeNodeService) CreateNode(ctx context.Context, input *models.NodeInput) (*models.KnowledgeNode, error) {
	return runOperation(ctx, s.ServiceBase, "CreateNode", func(ctx context.Context) (*models.KnowledgeNode, error) {
		return s.createNode(ctx, input)
	})
}

func (s *knowledgeNodeService) createNode(ctx context.Context, input *models.NodeInput) (*models.KnowledgeNode, error) {
	if input == nil {
		input = &models.NodeInput{}
	}
	if err := s.validator.ValidateNodeData(input, ValidateOptions{}).Err(); err != nil {
		return nil, err
	}

	data := *input
	if data.Slug != nil && *data.Slug != "" {
		unique, err := s.validator.IsSlugUnique(ctx, *data.Slug, nil)
		if err != nil {
			return nil, err
		}
		if !unique {
			return nil, duplicateSlug(*data.Slug)
		}
	} else {
		slug, err := s.validator.GenerateUniqueSlug(ctx, *data.Title)
		if err != nil {
			return nil, err
		}
		data.Slug = &slug
	}

	author := s.cfg.DefaultAuthor
	if data.Author != nil {
		author = *data.Author
	}

	node, err := s.repo.Create(ctx, &data, author)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, duplicateSlug(*data.Slug)
		}
		s.logger.Error("Failed to create node", zap.String("slug", *data.Slug), zap.Error(err))
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	s.search.IndexNode(ctx, node)
	s.invalidateNode(ctx, node.ID, node.Slug)

	if !node.IsDeleted() {
		s.activeNodes.Add(1)
		s.metrics.AddActiveNodes(1)
	}
	s.metrics.NodeMutation("created")
	s.mu.Lock()
	s.lastCreated = node.CreatedAt
	s.mu.Unlock()

	s.emit(ctx, models.EventNodeCreated, models.NodeEvent{Node: node.Clone()})

	s.logger.Info("Node created",
		zap.String("node_id", node.ID.String()),
		zap.String("slug", node.Slug),
		zap.String("type", string(node.Type)))
	return node, nil
}

func (s *knowledgeNodeService) GetNode(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	return runOperation(ctx, s.ServiceBase, "GetNode", func(ctx context.Context) (*models.KnowledgeNode, error) {
		return s.getNode(ctx, id)
	})
}

func (s *knowledgeNodeService) getNode(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	key := nodeCacheKey(id)

	var cached models.KnowledgeNode
	if s.cacheGet(ctx, "node", key, &cached) {
		return &cached, nil
	}

	node, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nodeNotFound(id)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	s.cacheSet(ctx, key, node, s.cfg.NodeTTL)
	return node, nil
}

func (s *knowledgeNodeService) GetNodeBySlug(ctx context.Context, slug string) (*models.KnowledgeNode, error) {
	return runOperation(ctx, s.ServiceBase, "GetNodeBySlug", func(ctx context.Context) (*models.KnowledgeNode, error) {
		key := slugCacheKey(slug)

		var cached models.KnowledgeNode
		if s.cacheGet(ctx, "slug", key, &cached) {
			return &cached, nil
		}

		node, err := s.repo.GetBySlug(ctx, slug)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.New(apperrors.CodeNodeNotFound,
					fmt.Sprintf("no node with slug %q", slug)).WithDetail("slug", slug)
			}
			return nil, fmt.Errorf("failed to get node by slug: %w", err)
		}

		s.cacheSet(ctx, key, node, s.cfg.NodeTTL)
		return node, nil
	})
}

func (s *knowledgeNodeService) UpdateNode(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	return runOperation(ctx, s.ServiceBase, "UpdateNode", func(ctx context.Context) (*models.KnowledgeNode, error) {
		return s.updateNode(ctx, id, input)
	})
}

// updateNode validates against the current row, then has the repository
// snapshot and update it in one transaction. A failed write leaves neither.
func (s *knowledgeNodeService) updateNode(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nodeNotFound(id)
		}
		return nil, fmt.Errorf("failed to load node for update: %w", err)
	}

	if input == nil || input.IsEmpty() {
		return nil, apperrors.Invalid([]apperrors.FieldError{{
			Field:   "input",
			Message: "at least one field must be supplied",
			Code:    ValidationRequired,
		}})
	}
	if err := s.validator.ValidateNodeData(input, ValidateOptions{IsUpdate: true, Existing: existing}).Err(); err != nil {
		return nil, err
	}

	// A slug change, or restoring a deleted node onto its old slug, must not
	// collide with a live node.
	slugToCheck := ""
	switch {
	case input.Slug != nil && *input.Slug != existing.Slug:
		slugToCheck = *input.Slug
	case existing.IsDeleted() && input.Status != nil && *input.Status != models.NodeStatusDeleted:
		slugToCheck = existing.Slug
	}
	if slugToCheck != "" {
		unique, err := s.validator.IsSlugUnique(ctx, slugToCheck, &id)
		if err != nil {
			return nil, err
		}
		if !unique {
			return nil, duplicateSlug(slugToCheck)
		}
	}

	updated, err := s.repo.UpdateWithSnapshot(ctx, id, input)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			return nil, nodeNotFound(id)
		case errors.Is(err, apperrors.ErrConflict):
			slug := existing.Slug
			if input.Slug != nil {
				slug = *input.Slug
			}
			return nil, duplicateSlug(slug)
		}
		s.logger.Error("Failed to update node", zap.String("node_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to update node: %w", err)
	}

	s.search.IndexNode(ctx, updated)
	s.invalidateNode(ctx, id, existing.Slug, updated.Slug)

	switch {
	case existing.IsDeleted() && !updated.IsDeleted():
		s.activeNodes.Add(1)
		s.metrics.AddActiveNodes(1)
	case !existing.IsDeleted() && updated.IsDeleted():
		s.activeNodes.Add(-1)
		s.metrics.AddActiveNodes(-1)
	}
	s.metrics.NodeMutation("updated")

	s.emit(ctx, models.EventNodeUpdated, models.NodeEvent{
		Node:            updated.Clone(),
		PreviousVersion: updated.Version - 1,
	})
	return updated, nil
}

func (s *knowledgeNodeService) DeleteNode(ctx context.Context, id uuid.UUID) error {
	return runVoid(ctx, s.ServiceBase, "DeleteNode", func(ctx context.Context) error {
		return s.deleteNode(ctx, id)
	})
}

func (s *knowledgeNodeService) deleteNode(ctx context.Context, id uuid.UUID) error {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nodeNotFound(id)
		}
		return fmt.Errorf("failed to load node for delete: %w", err)
	}
	if existing.IsDeleted() {
		return nodeNotFound(id)
	}

	dependents, err := s.repo.CheckDependencies(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check node dependencies: %w", err)
	}
	if len(dependents) > 0 {
		ids := make([]string, len(dependents))
		for i, d := range dependents {
			ids[i] = d.String()
		}
		return apperrors.New(apperrors.CodeNodeHasDependencies,
			fmt.Sprintf("node %s is referenced by %d other node(s)", id, len(dependents))).
			WithDetail("node_id", id.String()).
			WithDetail("dependents", ids)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nodeNotFound(id)
		}
		s.logger.Error("Failed to delete node", zap.String("node_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete node: %w", err)
	}

	s.search.RemoveFromIndex(ctx, id)
	s.invalidateNode(ctx, id, existing.Slug)

	s.activeNodes.Add(-1)
	s.metrics.AddActiveNodes(-1)
	s.metrics.NodeMutation("deleted")

	deleted := existing.Clone()
	deleted.Status = models.NodeStatusDeleted
	s.emit(ctx, models.EventNodeDeleted, models.NodeEvent{Node: deleted})

	s.logger.Info("Node deleted", zap.String("node_id", id.String()), zap.String("slug", existing.Slug))
	return nil
}

// ============================================================================
// Queries
// ============================================================================

func (s *knowledgeNodeService) ListNodes(ctx context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error) {
	return runOperation(ctx, s.ServiceBase, "ListNodes", func(ctx context.Context) (*models.NodePage, error) {
		key := listCacheKey(filters, page)

		var cached models.NodePage
		if s.cacheGet(ctx, "list", key, &cached) {
			return &cached, nil
		}

		result, err := s.repo.Query(ctx, filters, page)
		if err != nil {
			return nil, fmt.Errorf("failed to list nodes: %w", err)
		}

		s.cacheSet(ctx, key, result, s.cfg.ListTTL)
		return result, nil
	})
}

func (s *knowledgeNodeService) SearchNodes(ctx context.Context, query string, opts models.NodeSearchOptions) (*models.NodeSearchPage, error) {
	return runOperation(ctx, s.ServiceBase, "SearchNodes", func(ctx context.Context) (*models.NodeSearchPage, error) {
		key := searchCacheKey(query, opts)

		var cached models.NodeSearchPage
		if s.cacheGet(ctx, "search", key, &cached) {
			return &cached, nil
		}

		result, err := s.search.SearchNodes(ctx, query, opts)
		if err != nil {
			return nil, err
		}

		s.cacheSet(ctx, key, result, s.cfg.ListTTL)
		return result, nil
	})
}

func (s *knowledgeNodeService) GetVersions(ctx context.Context, id uuid.UUID) ([]*models.NodeVersion, error) {
	return runOperation(ctx, s.ServiceBase, "GetVersions", func(ctx context.Context) ([]*models.NodeVersion, error) {
		if _, err := s.getNode(ctx, id); err != nil {
			return nil, err
		}
		versions, err := s.repo.GetVersions(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get versions: %w", err)
		}
		return versions, nil
	})
}

func (s *knowledgeNodeService) GetVersion(ctx context.Context, id uuid.UUID, version int) (*models.NodeVersion, error) {
	return runOperation(ctx, s.ServiceBase, "GetVersion", func(ctx context.Context) (*models.NodeVersion, error) {
		v, err := s.repo.GetVersion(ctx, id, version)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.New(apperrors.CodeNodeNotFound,
					fmt.Sprintf("node %s has no version %d", id, version)).
					WithDetail("node_id", id.String()).
					WithDetail("version", version)
			}
			return nil, fmt.Errorf("failed to get version: %w", err)
		}
		return v, nil
	})
}

// ============================================================================
// Relationships
// ============================================================================

func (s *knowledgeNodeService) LinkNodes(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*models.NodeRelationship, error) {
	return runOperation(ctx, s.ServiceBase, "LinkNodes", func(ctx context.Context) (*models.NodeRelationship, error) {
		if sourceID == targetID {
			return nil, apperrors.Invalid([]apperrors.FieldError{{
				Field:   "target_id",
				Message: "a node cannot reference itself",
				Code:    ValidationInvalidValue,
			}})
		}
		for _, id := range []uuid.UUID{sourceID, targetID} {
			node, err := s.getNode(ctx, id)
			if err != nil {
				return nil, err
			}
			if node.IsDeleted() {
				return nil, nodeNotFound(id)
			}
		}

		rel := &models.NodeRelationship{SourceID: sourceID, TargetID: targetID, Type: relType}
		if err := s.repo.AddRelationship(ctx, rel); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.New(apperrors.CodeNodeNotFound, "relationship endpoint no longer exists")
			}
			return nil, fmt.Errorf("failed to link nodes: %w", err)
		}

		s.emit(ctx, models.EventNodeLinked, models.NodeEvent{Relationship: rel})
		return rel, nil
	})
}

func (s *knowledgeNodeService) UnlinkNodes(ctx context.Context, sourceID, targetID uuid.UUID, relType string) error {
	return runVoid(ctx, s.ServiceBase, "UnlinkNodes", func(ctx context.Context) error {
		if err := s.repo.RemoveRelationship(ctx, sourceID, targetID, relType); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.New(apperrors.CodeNodeNotFound,
					fmt.Sprintf("no relationship from %s to %s", sourceID, targetID)).
					WithDetail("source_id", sourceID.String()).
					WithDetail("target_id", targetID.String())
			}
			return fmt.Errorf("failed to unlink nodes: %w", err)
		}

		s.emit(ctx, models.EventNodeUnlinked, models.NodeEvent{
			Relationship: &models.NodeRelationship{SourceID: sourceID, TargetID: targetID, Type: relType},
		})
		return nil
	})
}

// ============================================================================
// Bulk, statistics, maintenance
// ============================================================================

func (s *knowledgeNodeService) BulkOperations(ctx context.Context, ops []models.BulkOperation) ([]models.BulkResult, error) {
	return runOperation(ctx, s.ServiceBase, "BulkOperations", func(ctx context.Context) ([]models.BulkResult, error) {
		results := make([]models.BulkResult, 0, len(ops))
		for i, op := range ops {
			if err := ctx.Err(); err != nil {
				return results, fmt.Errorf("bulk operation %d not started: %w", i, err)
			}

			result, err := s.applyBulk(ctx, op)
			if err != nil {
				s.logger.Warn("Bulk operation stopped",
					zap.Int("index", i),
					zap.String("op", string(op.Op)),
					zap.Int("completed", len(results)),
					zap.Error(err))
				return results, bulkFailure(i, op, err)
			}
			result.Index = i
			results = append(results, result)
		}
		return results, nil
	})
}

func (s *knowledgeNodeService) applyBulk(ctx context.Context, op models.BulkOperation) (models.BulkResult, error) {
	result := models.BulkResult{Op: op.Op, ID: op.ID}

	if op.Op == models.BulkOpCreate {
		node, err := s.createNode(ctx, op.Data)
		if err != nil {
			return result, err
		}
		result.ID = node.ID.String()
		result.Node = node
		return result, nil
	}

	id, err := uuid.Parse(op.ID)
	if err != nil && (op.Op == models.BulkOpUpdate || op.Op == models.BulkOpDelete) {
		return result, apperrors.Invalid([]apperrors.FieldError{{
			Field:   "id",
			Message: fmt.Sprintf("invalid node id %q", op.ID),
			Code:    ValidationInvalidFormat,
		}})
	}

	switch op.Op {
	case models.BulkOpUpdate:
		node, err := s.updateNode(ctx, id, op.Data)
		if err != nil {
			return result, err
		}
		result.Node = node
		return result, nil
	case models.BulkOpDelete:
		return result, s.deleteNode(ctx, id)
	default:
		return result, apperrors.Invalid([]apperrors.FieldError{{
			Field:   "op",
			Message: fmt.Sprintf("unknown bulk operation %q", op.Op),
			Code:    ValidationInvalidValue,
		}})
	}
}

func (s *knowledgeNodeService) GetStatistics(ctx context.Context) (*models.NodeStatistics, error) {
	return runOperation(ctx, s.ServiceBase, "GetStatistics", s.stats.GetStatistics)
}

func (s *knowledgeNodeService) GetReport(ctx context.Context, days, authors int) (*models.NodeReport, error) {
	return runOperation(ctx, s.ServiceBase, "GetReport", func(ctx context.Context) (*models.NodeReport, error) {
		return s.stats.GetReport(ctx, days, authors)
	})
}

func (s *knowledgeNodeService) ReindexAll(ctx context.Context) (*ReindexResult, error) {
	return runOperation(ctx, s.ServiceBase, "ReindexAll", func(ctx context.Context) (*ReindexResult, error) {
		result, err := s.search.ReindexAllNodes(ctx)
		if err != nil {
			return nil, err
		}
		s.cacheDelete(ctx, cacheSearchPattern)
		return result, nil
	})
}

// ============================================================================
// Cache and events
// ============================================================================

// cacheGet treats cache errors as misses.
func (s *knowledgeNodeService) cacheGet(ctx context.Context, family, key string, dest any) bool {
	found, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		s.metrics.CacheError("get")
		found = false
	}
	if found {
		s.cacheHits.Add(1)
		s.metrics.CacheHit(family)
	} else {
		s.cacheMisses.Add(1)
		s.metrics.CacheMiss(family)
	}
	return found
}

func (s *knowledgeNodeService) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		s.metrics.CacheError("set")
	}
}

func (s *knowledgeNodeService) cacheDelete(ctx context.Context, pattern string) {
	if err := s.cache.Delete(ctx, pattern); err != nil {
		s.logger.Warn("Cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		s.metrics.CacheError("delete")
	}
}

// invalidateNode drops the point entries for id and every given slug, and all
// list and search pages.
func (s *knowledgeNodeService) invalidateNode(ctx context.Context, id uuid.UUID, slugs ...string) {
	s.cacheDelete(ctx, nodeCacheKey(id))
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		s.cacheDelete(ctx, slugCacheKey(slug))
	}
	s.cacheDelete(ctx, cacheListPattern)
	s.cacheDelete(ctx, cacheSearchPattern)
}

func (s *knowledgeNodeService) emit(ctx context.Context, name string, event models.NodeEvent) {
	event.Type = name
	event.Service = KnowledgeNodeServiceName
	event.At = time.Now().UTC()
	s.bus.Emit(ctx, name, event)
}

func nodeCacheKey(id uuid.UUID) string {
	return cacheKeyPrefix + id.String()
}

// slugCacheKey cannot collide with nodeCacheKey: a slug never contains ':'.
func slugCacheKey(slug string) string {
	return cacheKeyPrefix + "slug:" + slug
}

// listCacheKey encodes filters and paging with sorted keys, so equal queries
// share a key whatever order they were built in.
func listCacheKey(filters models.NodeFilters, page models.Pagination) string {
	v := url.Values{}
	if filters.Type != "" {
		v.Set("type", string(filters.Type))
	}
	if filters.Status != "" {
		v.Set("status", string(filters.Status))
	}
	if len(filters.Tags) > 0 {
		v["tags"] = sortedCopy(filters.Tags)
	}
	if filters.Author != "" {
		v.Set("author", filters.Author)
	}
	if filters.CreatedAfter != nil {
		v.Set("created_after", filters.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if filters.CreatedBefore != nil {
		v.Set("created_before", filters.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if filters.IncludeDeleted {
		v.Set("include_deleted", "true")
	}
	addPaging(v, page.Limit, page.Offset)
	if page.SortBy != "" {
		v.Set("sort_by", page.SortBy)
	}
	if page.SortOrder != "" {
		v.Set("sort_order", strings.ToLower(string(page.SortOrder)))
	}
	return cacheKeyPrefix + "list:" + v.Encode()
}

func searchCacheKey(query string, opts models.NodeSearchOptions) string {
	v := url.Values{}
	v.Set("q", query)
	if opts.Type != "" {
		v.Set("type", string(opts.Type))
	}
	if opts.Status != "" {
		v.Set("status", string(opts.Status))
	}
	if len(opts.Tags) > 0 {
		v["tags"] = sortedCopy(opts.Tags)
	}
	if opts.IncludeContent {
		v.Set("content", "true")
	}
	addPaging(v, opts.Limit, opts.Offset)
	return cacheKeyPrefix + "search:" + v.Encode()
}

func addPaging(v url.Values, limit, offset int) {
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(offset))
}

// sortedCopy keeps each tag a separate query value so "a,b" and ["a" "b"] differ.
func sortedCopy(values []string) []string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return sorted
}

func nodeNotFound(id uuid.UUID) *apperrors.ServiceError {
	return apperrors.New(apperrors.CodeNodeNotFound, fmt.Sprintf("node %s not found", id)).
		WithDetail("node_id", id.String())
}

func duplicateSlug(slug string) *apperrors.ServiceError {
	return apperrors.New(apperrors.CodeDuplicateNodeSlug, fmt.Sprintf("slug %q is already in use", slug)).
		WithDetail("slug", slug)
}

// bulkFailure keeps the failing entry's code so callers can branch on it.
func bulkFailure(index int, op models.BulkOperation, err error) error {
	var se *apperrors.ServiceError
	if errors.As(err, &se) {
		se.Message = fmt.Sprintf("bulk operation %d (%s) failed: %s", index, op.Op, se.Message)
		return se.WithDetail("bulk_index", index).WithDetail("bulk_op", string(op.Op))
	}
	return fmt.Errorf("bulk operation %d (%s) failed: %w", index, op.Op, err)
}
