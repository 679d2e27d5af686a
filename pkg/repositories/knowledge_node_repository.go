package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/database"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
)

const (
	defaultNodePageLimit = 20
	maxNodePageLimit     = 100
)

// KnowledgeNodeRepository is the only component that issues SQL for knowledge
// nodes, their version history and their relationships.
type KnowledgeNodeRepository interface {
	Create(ctx context.Context, input *models.NodeInput, authorID string) (*models.KnowledgeNode, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error)
	GetBySlug(ctx context.Context, slug string) (*models.KnowledgeNode, error)
	Update(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error)
	UpdateWithSnapshot(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Query(ctx context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.KnowledgeNode, error)
	CountBySlug(ctx context.Context, slug string, excludeID *uuid.UUID) (int, error)
	CountActive(ctx context.Context) (int64, error)

	CheckDependencies(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error)
	AddRelationship(ctx context.Context, rel *models.NodeRelationship) error
	RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) error

	GetVersions(ctx context.Context, nodeID uuid.UUID) ([]*models.NodeVersion, error)
	GetVersion(ctx context.Context, nodeID uuid.UUID, version int) (*models.NodeVersion, error)

	Ping(ctx context.Context) error
	VerifySchema(ctx context.Context) error
}

type knowledgeNodeRepository struct {
	db database.Querier
}

// NewKnowledgeNodeRepository creates a KnowledgeNodeRepository on db.
// db must be safe for concurrent use: Query runs its count and page in parallel.
func NewKnowledgeNodeRepository(db database.Querier) KnowledgeNodeRepository {
	return &knowledgeNodeRepository{db: db}
}

var _ KnowledgeNodeRepository = (*knowledgeNodeRepository)(nil)

const nodeColumns = `id, slug, title, content, type, status, tags, metadata, author, created_at, updated_at, version`

// nodeSortColumns maps accepted sort keys to columns. Anything else sorts by created_at.
var nodeSortColumns = map[string]string{
	"created_at": "created_at",
	"created":    "created_at",
	"updated_at": "updated_at",
	"updated":    "updated_at",
	"title":      "title",
	"slug":       "slug",
	"type":       "type",
	"status":     "status",
	"author":     "author",
	"version":    "version",
}

func (r *knowledgeNodeRepository) Create(ctx context.Context, input *models.NodeInput, authorID string) (*models.KnowledgeNode, error) {
	id := uuid.New()

	slug := id.String()
	if input.Slug != nil && *input.Slug != "" {
		slug = *input.Slug
	}
	nodeType := models.NodeTypeDocument
	if input.Type != nil {
		nodeType = *input.Type
	}
	status := models.NodeStatusDraft
	if input.Status != nil {
		status = *input.Status
	}
	var title, content string
	if input.Title != nil {
		title = *input.Title
	}
	if input.Content != nil {
		content = *input.Content
	}

	tagsJSON, err := encodeTags(input.Tags)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := encodeMetadata(input.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO knowledge_nodes (
			id, slug, title, content, type, status, tags, metadata, author, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		RETURNING ` + nodeColumns

	row := r.db.QueryRow(ctx, query,
		id, slug, title, content, nodeType, status, tagsJSON, metadataJSON, authorID)
	node, err := scanNode(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("slug %q already in use: %w", slug, apperrors.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create knowledge node: %w", err)
	}

	return node, nil
}

func (r *knowledgeNodeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM knowledge_nodes WHERE id = $1`

	node, err := scanNode(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge node: %w", err)
	}
	return node, nil
}

// GetBySlug only sees live nodes; a deleted node's slug belongs to nobody.
func (r *knowledgeNodeRepository) GetBySlug(ctx context.Context, slug string) (*models.KnowledgeNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM knowledge_nodes
		WHERE slug = $1 AND status <> 'deleted'`

	node, err := scanNode(r.db.QueryRow(ctx, query, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge node by slug: %w", err)
	}
	return node, nil
}

// Update writes only the supplied fields without recording history.
// The version bump and timestamp are part of the same statement.
func (r *knowledgeNodeRepository) Update(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	return updateNode(ctx, r.db, id, input)
}

// UpdateWithSnapshot records the current row as a history entry and applies
// input in one transaction. The row is locked first, so concurrent updates
// serialize and every bumped version has exactly one matching snapshot.
func (r *knowledgeNodeRepository) UpdateWithSnapshot(ctx context.Context, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	current, err := scanNode(tx.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM knowledge_nodes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock knowledge node: %w", err)
	}

	if _, err := insertVersion(ctx, tx, current); err != nil {
		return nil, err
	}

	updated, err := updateNode(ctx, tx, id, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit node update: %w", err)
	}
	return updated, nil
}

func updateNode(ctx context.Context, q database.Querier, id uuid.UUID, input *models.NodeInput) (*models.KnowledgeNode, error) {
	sets := make([]string, 0, 9)
	args := []any{id}
	argIdx := 2

	set := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if input.Title != nil {
		set("title", *input.Title)
	}
	if input.Slug != nil {
		set("slug", *input.Slug)
	}
	if input.Content != nil {
		set("content", *input.Content)
	}
	if input.Type != nil {
		set("type", *input.Type)
	}
	if input.Status != nil {
		set("status", *input.Status)
	}
	if input.Tags != nil {
		tagsJSON, err := encodeTags(input.Tags)
		if err != nil {
			return nil, err
		}
		set("tags", tagsJSON)
	}
	if input.Metadata != nil {
		metadataJSON, err := encodeMetadata(input.Metadata)
		if err != nil {
			return nil, err
		}
		set("metadata", metadataJSON)
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE knowledge_nodes
		SET %s
		WHERE id = $1
		RETURNING %s`, strings.Join(sets, ", "), nodeColumns)

	node, err := scanNode(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("slug already in use: %w", apperrors.ErrConflict)
		}
		return nil, fmt.Errorf("failed to update knowledge node: %w", err)
	}
	return node, nil
}

// Delete is a soft delete: the row, its history and its relationships remain.
func (r *knowledgeNodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE knowledge_nodes
		SET status = 'deleted', updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *knowledgeNodeRepository) Query(ctx context.Context, filters models.NodeFilters, page models.Pagination) (*models.NodePage, error) {
	limit, offset := normalizeNodePage(page.Limit, page.Offset)

	conditions := make([]string, 0, 6)
	args := make([]any, 0, 6)
	argIdx := 1

	switch {
	case filters.Status != "":
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filters.Status)
		argIdx++
	case !filters.IncludeDeleted:
		conditions = append(conditions, "status <> 'deleted'")
	}
	if filters.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filters.Type)
		argIdx++
	}
	if len(filters.Tags) > 0 {
		tagsJSON, err := encodeTags(filters.Tags)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf("tags @> $%d", argIdx))
		args = append(args, tagsJSON)
		argIdx++
	}
	if filters.Author != "" {
		conditions = append(conditions, fmt.Sprintf("author = $%d", argIdx))
		args = append(args, filters.Author)
		argIdx++
	}
	if filters.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filters.CreatedAfter)
		argIdx++
	}
	if filters.CreatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *filters.CreatedBefore)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sortColumn, ok := nodeSortColumns[page.SortBy]
	if !ok {
		sortColumn = "created_at"
	}
	direction := "DESC"
	if page.SortOrder == models.SortAsc {
		direction = "ASC"
	}

	countQuery := `SELECT COUNT(*) FROM knowledge_nodes ` + where
	listQuery := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_nodes
		%s
		ORDER BY %s %s, id %s
		LIMIT $%d OFFSET $%d`, nodeColumns, where, sortColumn, direction, direction, argIdx, argIdx+1)
	listArgs := append(append([]any(nil), args...), limit, offset)

	var (
		total int
		nodes []*models.KnowledgeNode
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.db.QueryRow(gctx, countQuery, args...).Scan(&total); err != nil {
			return fmt.Errorf("failed to count knowledge nodes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rows, err := r.db.Query(gctx, listQuery, listArgs...)
		if err != nil {
			return fmt.Errorf("failed to query knowledge nodes: %w", err)
		}
		nodes, err = collectNodes(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.NodePage{
		Nodes:   nodes,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(nodes) < total,
	}, nil
}

// GetByIDs returns the nodes that exist, in no particular order. Deleted
// nodes are included; callers filter as they need.
func (r *knowledgeNodeRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.KnowledgeNode, error) {
	if len(ids) == 0 {
		return []*models.KnowledgeNode{}, nil
	}

	query := `SELECT ` + nodeColumns + ` FROM knowledge_nodes WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge nodes: %w", err)
	}
	return collectNodes(rows)
}

func (r *knowledgeNodeRepository) CountBySlug(ctx context.Context, slug string, excludeID *uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM knowledge_nodes WHERE slug = $1 AND status <> 'deleted'`
	args := []any{slug}
	if excludeID != nil {
		query += ` AND id <> $2`
		args = append(args, *excludeID)
	}

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count slug: %w", err)
	}
	return count, nil
}

func (r *knowledgeNodeRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_nodes WHERE status <> 'deleted'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active nodes: %w", err)
	}
	return count, nil
}

// CheckDependencies returns the IDs of nodes holding a relationship that
// points at nodeID. Referrers count even when they are themselves soft-deleted.
func (r *knowledgeNodeRepository) CheckDependencies(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT source_node_id
		FROM knowledge_node_relationships
		WHERE target_node_id = $1
		ORDER BY source_node_id`

	rows, err := r.db.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check node dependencies: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return ids, nil
}

func (r *knowledgeNodeRepository) AddRelationship(ctx context.Context, rel *models.NodeRelationship) error {
	if rel.Type == "" {
		rel.Type = "related"
	}

	query := `
		INSERT INTO knowledge_node_relationships (source_node_id, target_node_id, relationship_type, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (source_node_id, target_node_id, relationship_type) DO UPDATE
			SET relationship_type = EXCLUDED.relationship_type
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, rel.SourceID, rel.TargetID, rel.Type).Scan(&rel.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to add relationship: %w", err)
	}
	return nil
}

func (r *knowledgeNodeRepository) RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) error {
	query := `
		DELETE FROM knowledge_node_relationships
		WHERE source_node_id = $1 AND target_node_id = $2`
	args := []any{sourceID, targetID}
	if relType != "" {
		query += ` AND relationship_type = $3`
		args = append(args, relType)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to remove relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// insertVersion writes node, as it is now, to the history table.
func insertVersion(ctx context.Context, q database.Querier, node *models.KnowledgeNode) (*models.NodeVersion, error) {
	metadataJSON, err := encodeMetadata(node.Metadata)
	if err != nil {
		return nil, err
	}

	v := &models.NodeVersion{
		ID:       uuid.New(),
		NodeID:   node.ID,
		Version:  node.Version,
		Title:    node.Title,
		Content:  node.Content,
		Metadata: node.Metadata.Clone(),
		Author:   node.Author,
	}

	query := `
		INSERT INTO knowledge_node_versions (id, node_id, version, title, content, metadata, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at`

	err = q.QueryRow(ctx, query,
		v.ID, v.NodeID, v.Version, v.Title, v.Content, metadataJSON, v.Author,
	).Scan(&v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create node version: %w", err)
	}
	return v, nil
}

func (r *knowledgeNodeRepository) GetVersions(ctx context.Context, nodeID uuid.UUID) ([]*models.NodeVersion, error) {
	query := `
		SELECT id, node_id, version, title, content, metadata, author, created_at
		FROM knowledge_node_versions
		WHERE node_id = $1
		ORDER BY version DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get node versions: %w", err)
	}
	defer rows.Close()

	versions := make([]*models.NodeVersion, 0)
	for rows.Next() {
		v, err := scanNodeVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node versions: %w", err)
	}
	return versions, nil
}

func (r *knowledgeNodeRepository) GetVersion(ctx context.Context, nodeID uuid.UUID, version int) (*models.NodeVersion, error) {
	query := `
		SELECT id, node_id, version, title, content, metadata, author, created_at
		FROM knowledge_node_versions
		WHERE node_id = $1 AND version = $2
		ORDER BY created_at DESC
		LIMIT 1`

	v, err := scanNodeVersion(r.db.QueryRow(ctx, query, nodeID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *knowledgeNodeRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// VerifySchema checks that every table the repository depends on exists.
func (r *knowledgeNodeRepository) VerifySchema(ctx context.Context) error {
	required := []string{"knowledge_nodes", "knowledge_node_versions", "knowledge_node_relationships"}

	var missing []string
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(array_agg(t.name), '{}')
		FROM unnest($1::text[]) AS t(name)
		WHERE to_regclass(t.name) IS NULL`, required).Scan(&missing)
	if err != nil {
		return fmt.Errorf("failed to verify schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func normalizeNodePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultNodePageLimit
	}
	if limit > maxNodePageLimit {
		limit = maxNodePageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return data, nil
}

func encodeMetadata(m models.Metadata) ([]byte, error) {
	if m == nil {
		m = models.Metadata{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}

func collectNodes(rows pgx.Rows) ([]*models.KnowledgeNode, error) {
	defer rows.Close()

	nodes := make([]*models.KnowledgeNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge nodes: %w", err)
	}
	return nodes, nil
}

// scanNode decodes one knowledge_nodes row. JSONB columns are decoded here so
// raw JSON never leaves the repository.
func scanNode(row pgx.Row) (*models.KnowledgeNode, error) {
	var (
		n            models.KnowledgeNode
		tagsJSON     []byte
		metadataJSON []byte
	)
	err := row.Scan(
		&n.ID, &n.Slug, &n.Title, &n.Content, &n.Type, &n.Status,
		&tagsJSON, &metadataJSON, &n.Author, &n.CreatedAt, &n.UpdatedAt, &n.Version,
	)
	if err != nil {
		return nil, err
	}

	n.Tags = []string{}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &n.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for node %s: %w", n.ID, err)
		}
	}
	n.Metadata = models.Metadata{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for node %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func scanNodeVersion(row pgx.Row) (*models.NodeVersion, error) {
	var (
		v            models.NodeVersion
		metadataJSON []byte
	)
	err := row.Scan(&v.ID, &v.NodeID, &v.Version, &v.Title, &v.Content, &metadataJSON, &v.Author, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node version: %w", err)
	}

	v.Metadata = models.Metadata{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &v.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode version metadata: %w", err)
		}
	}
	return &v, nil
}
