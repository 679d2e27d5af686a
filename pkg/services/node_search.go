package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/observability"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/search"
)

const (
	NodeSearchServiceName = "NodeSearchService"
	DefaultNodeIndexName  = "knowledge_nodes"

	reindexBatchSize    = 100
	backgroundIndexWait = 30 * time.Second
)

// IndexFailureFunc observes index writes that failed in the background.
type IndexFailureFunc func(operation string, nodeID uuid.UUID, err error)

// ReindexResult summarizes a full reindex.
type ReindexResult struct {
	Indexed  int           `json:"indexed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// NodeSearchService keeps the full-text index in step with the node store.
// Index writes are fire-and-forget: they never fail the caller, and their
// failures are reported through the failure hook, logs and metrics only.
type NodeSearchService interface {
	Lifecycle

	// Available reports whether a search backend is configured.
	Available() bool
	InitializeIndexes(ctx context.Context) error
	IndexNode(ctx context.Context, node *models.KnowledgeNode)
	RemoveFromIndex(ctx context.Context, nodeID uuid.UUID)
	// Flush blocks until background index writes started so far have finished.
	Flush(ctx context.Context) error
	SearchNodes(ctx context.Context, query string, opts models.NodeSearchOptions) (*models.NodeSearchPage, error)
	ReindexAllNodes(ctx context.Context) (*ReindexResult, error)
}

// NodeSearchConfig configures NewNodeSearchService.
type NodeSearchConfig struct {
	IndexName      string
	OnIndexFailure IndexFailureFunc
}

type nodeSearchService struct {
	*ServiceBase

	repo      repositories.KnowledgeNodeRepository
	index     search.Index
	indexName string
	onFailure IndexFailureFunc
	metrics   *observability.Metrics
	logger    *zap.Logger

	inflight sync.WaitGroup
	queueMu  sync.Mutex
	queues   map[uuid.UUID][]indexTask
	indexed  atomic.Int64
	removed  atomic.Int64
	failures atomic.Int64
}

// NewNodeSearchService creates a NodeSearchService. index may be nil, in which
// case indexing is skipped and searches fail with SERVICE_NOT_AVAILABLE.
func NewNodeSearchService(
	repo repositories.KnowledgeNodeRepository,
	index search.Index,
	cfg NodeSearchConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) NodeSearchService {
	if cfg.IndexName == "" {
		cfg.IndexName = DefaultNodeIndexName
	}
	s := &nodeSearchService{
		repo:      repo,
		index:     index,
		indexName: cfg.IndexName,
		onFailure: cfg.OnIndexFailure,
		metrics:   metrics,
		logger:    logger.Named("node-search"),
		queues:    make(map[uuid.UUID][]indexTask),
	}
	s.ServiceBase = NewServiceBase(NodeSearchServiceName, LifecycleHooks{
		OnInitialize: s.InitializeIndexes,
		OnShutdown:   s.Flush,
		CheckHealth:  s.checkHealth,
		CollectStats: s.collectStats,
	}, logger, metrics)
	return s
}

var _ NodeSearchService = (*nodeSearchService)(nil)

func (s *nodeSearchService) Available() bool {
	return s.index != nil
}

// InitializeIndexes creates the node index. Without a backend it is a no-op.
func (s *nodeSearchService) InitializeIndexes(ctx context.Context) error {
	if s.index == nil {
		s.logger.Info("No search backend configured, node search disabled")
		return nil
	}

	settings := map[string]any{
		"fields":     []string{"title", "content", "tags"},
		"filterable": []string{"type", "status", "slug", "author"},
	}
	if err := s.index.CreateIndex(ctx, s.indexName, settings); err != nil {
		// Search is optional: a broken backend must not keep the service down.
		s.logger.Warn("Failed to create search index",
			zap.String("index", s.indexName),
			zap.Error(err))
		s.metrics.IndexFailure("create_index")
		return nil
	}

	s.logger.Info("Search index ready", zap.String("index", s.indexName))
	return nil
}

// IndexNode writes node to the index in the background. Deleted nodes are
// removed instead.
func (s *nodeSearchService) IndexNode(ctx context.Context, node *models.KnowledgeNode) {
	if s.index == nil || node == nil {
		return
	}
	if node.IsDeleted() {
		s.RemoveFromIndex(ctx, node.ID)
		return
	}

	doc := nodeDocument(node)
	s.spawn(ctx, "index", node.ID, func(ctx context.Context) error {
		if err := s.index.Index(ctx, s.indexName, doc); err != nil {
			return err
		}
		s.indexed.Add(1)
		return nil
	})
}

// RemoveFromIndex drops a node from the index in the background.
func (s *nodeSearchService) RemoveFromIndex(ctx context.Context, nodeID uuid.UUID) {
	if s.index == nil {
		return
	}
	s.spawn(ctx, "remove", nodeID, func(ctx context.Context) error {
		if err := s.index.Remove(ctx, s.indexName, nodeID.String()); err != nil {
			return err
		}
		s.removed.Add(1)
		return nil
	})
}

// indexTask is one queued write for a single node.
type indexTask struct {
	operation string
	ctx       context.Context
	fn        func(ctx context.Context) error
}

// spawn queues fn behind any pending writes for the same node and runs it
// detached from the caller's cancellation. Writes for one node apply in the
// order they were issued; different nodes proceed independently.
func (s *nodeSearchService) spawn(ctx context.Context, operation string, nodeID uuid.UUID, fn func(ctx context.Context) error) {
	task := indexTask{operation: operation, ctx: context.WithoutCancel(ctx), fn: fn}

	s.inflight.Add(1)
	s.queueMu.Lock()
	pending, draining := s.queues[nodeID]
	s.queues[nodeID] = append(pending, task)
	s.queueMu.Unlock()

	if !draining {
		go s.drain(nodeID)
	}
}

// drain runs a node's queued writes one at a time until the queue is empty.
func (s *nodeSearchService) drain(nodeID uuid.UUID) {
	for {
		s.queueMu.Lock()
		pending := s.queues[nodeID]
		if len(pending) == 0 {
			delete(s.queues, nodeID)
			s.queueMu.Unlock()
			return
		}
		task := pending[0]
		s.queues[nodeID] = pending[1:]
		s.queueMu.Unlock()

		s.runTask(nodeID, task)
	}
}

func (s *nodeSearchService) runTask(nodeID uuid.UUID, task indexTask) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(task.ctx, backgroundIndexWait)
	defer cancel()

	if err := safeCall(func() error { return task.fn(ctx) }); err != nil {
		s.reportFailure(task.operation, nodeID, err)
	}
}

func (s *nodeSearchService) reportFailure(operation string, nodeID uuid.UUID, err error) {
	s.failures.Add(1)
	s.metrics.IndexFailure(operation)
	s.logger.Warn("Search index write failed",
		zap.String("operation", operation),
		zap.String("node_id", nodeID.String()),
		zap.Error(err))
	if s.onFailure != nil {
		s.onFailure(operation, nodeID, err)
	}
}

func (s *nodeSearchService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *nodeSearchService) SearchNodes(ctx context.Context, query string, opts models.NodeSearchOptions) (*models.NodeSearchPage, error) {
	return runOperation(ctx, s.ServiceBase, "SearchNodes", func(ctx context.Context) (*models.NodeSearchPage, error) {
		if s.index == nil {
			return nil, apperrors.New(apperrors.CodeServiceNotAvailable, "search is not configured")
		}

		req := search.Request{
			Index:   s.indexName,
			Query:   query,
			Filters: make(map[string]string),
			Tags:    opts.Tags,
			Limit:   opts.Limit,
			Offset:  opts.Offset,
		}
		if opts.Type != "" {
			req.Filters["type"] = string(opts.Type)
		}
		if opts.Status != "" {
			req.Filters["status"] = string(opts.Status)
		}

		resp, err := s.index.Search(ctx, req)
		if err != nil {
			if errors.Is(err, search.ErrUnavailable) {
				return nil, apperrors.Wrap(apperrors.CodeServiceNotAvailable, "search backend unavailable", err)
			}
			return nil, apperrors.Wrap(apperrors.CodeService, "search failed", err)
		}

		ids := make([]uuid.UUID, 0, len(resp.Results))
		for _, hit := range resp.Results {
			id, err := uuid.Parse(hit.ID)
			if err != nil {
				s.logger.Warn("Ignoring search hit with invalid id", zap.String("id", hit.ID))
				continue
			}
			ids = append(ids, id)
		}

		nodes, err := s.repo.GetByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load search hits: %w", err)
		}
		byID := make(map[uuid.UUID]*models.KnowledgeNode, len(nodes))
		for _, n := range nodes {
			byID[n.ID] = n
		}

		page := &models.NodeSearchPage{
			Results: make([]models.NodeSearchHit, 0, len(ids)),
			Total:   resp.Total,
			Limit:   resp.Limit,
			Offset:  resp.Offset,
			HasMore: resp.HasMore,
		}
		for _, hit := range resp.Results {
			id, err := uuid.Parse(hit.ID)
			if err != nil {
				continue
			}
			node, ok := byID[id]
			if !ok || node.IsDeleted() {
				continue
			}
			if !opts.IncludeContent {
				node.Content = ""
			}
			page.Results = append(page.Results, models.NodeSearchHit{Node: node, Score: hit.Score})
		}
		return page, nil
	})
}

// ReindexAllNodes walks every non-deleted node in fixed-size pages and indexes
// each synchronously. Individual failures are counted, not returned.
func (s *nodeSearchService) ReindexAllNodes(ctx context.Context) (*ReindexResult, error) {
	return runOperation(ctx, s.ServiceBase, "ReindexAllNodes", func(ctx context.Context) (*ReindexResult, error) {
		if s.index == nil {
			return nil, apperrors.New(apperrors.CodeServiceNotAvailable, "search is not configured")
		}

		start := time.Now()
		result := &ReindexResult{}
		page := models.Pagination{
			Limit:     reindexBatchSize,
			SortBy:    "created_at",
			SortOrder: models.SortAsc,
		}

		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			batch, err := s.repo.Query(ctx, models.NodeFilters{}, page)
			if err != nil {
				return nil, fmt.Errorf("failed to read nodes for reindex at offset %d: %w", page.Offset, err)
			}

			for _, node := range batch.Nodes {
				if err := s.index.Index(ctx, s.indexName, nodeDocument(node)); err != nil {
					result.Failed++
					s.reportFailure("reindex", node.ID, err)
					continue
				}
				result.Indexed++
			}

			if !batch.HasMore || len(batch.Nodes) == 0 {
				break
			}
			page.Offset += len(batch.Nodes)
		}

		result.Duration = time.Since(start)
		s.logger.Info("Reindex complete",
			zap.Int("indexed", result.Indexed),
			zap.Int("failed", result.Failed),
			zap.Duration("elapsed", result.Duration))
		return result, nil
	})
}

func (s *nodeSearchService) checkHealth(context.Context) Health {
	if s.index == nil {
		return Health{
			Status:  HealthHealthy,
			Message: "search disabled",
			Details: map[string]any{"available": false},
		}
	}

	h := Health{
		Status:  HealthHealthy,
		Details: map[string]any{"available": true, "index": s.indexName},
	}
	if b, ok := s.index.(interface{ State() string }); ok {
		state := b.State()
		h.Details["breaker"] = state
		if state != "closed" {
			h.Status = HealthDegraded
			h.Message = "search breaker is " + state
		}
	}
	return h
}

func (s *nodeSearchService) collectStats() map[string]any {
	return map[string]any{
		"available":      s.index != nil,
		"indexed":        s.indexed.Load(),
		"removed":        s.removed.Load(),
		"index_failures": s.failures.Load(),
	}
}

func nodeDocument(node *models.KnowledgeNode) search.Document {
	return search.Document{
		ID:    node.ID.String(),
		Title: node.Title,
		Body:  node.Content,
		Tags:  node.Tags,
		Fields: map[string]string{
			"type":   string(node.Type),
			"status": string(node.Status),
			"slug":   node.Slug,
			"author": node.Author,
		},
	}
}
