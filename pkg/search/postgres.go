package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/database"
)

// PostgresIndex stores documents in search_documents with a weighted tsvector
// and ranks them with ts_rank over websearch_to_tsquery.
type PostgresIndex struct {
	db     database.Querier
	logger *zap.Logger
}

var _ Index = (*PostgresIndex)(nil)

// NewPostgresIndex creates an index over the search_documents table.
// Text is parsed with the 'simple' configuration so no language stemming applies.
func NewPostgresIndex(db database.Querier, logger *zap.Logger) *PostgresIndex {
	return &PostgresIndex{
		db:     db,
		logger: logger.Named("search"),
	}
}

func (p *PostgresIndex) CreateIndex(ctx context.Context, name string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode index settings: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO search_indexes (name, settings)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET settings = EXCLUDED.settings`, name, raw)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return nil
}

func (p *PostgresIndex) Index(ctx context.Context, name string, doc Document) error {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	fields := doc.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	// Title outranks tags, tags outrank body.
	query := `
		INSERT INTO search_documents (index_name, doc_id, title, body, tags, fields, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			setweight(to_tsvector('simple', $3), 'A') ||
			setweight(to_tsvector('simple', $7), 'B') ||
			setweight(to_tsvector('simple', $4), 'C'),
			NOW())
		ON CONFLICT (index_name, doc_id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			tags = EXCLUDED.tags,
			fields = EXCLUDED.fields,
			document = EXCLUDED.document,
			updated_at = NOW()`

	_, err = p.db.Exec(ctx, query,
		name, doc.ID, doc.Title, doc.Body, tagsJSON, fieldsJSON, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
	}
	return nil
}

func (p *PostgresIndex) Remove(ctx context.Context, name, id string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM search_documents WHERE index_name = $1 AND doc_id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("failed to remove document %s: %w", id, err)
	}
	return nil
}

func (p *PostgresIndex) Search(ctx context.Context, req Request) (*Response, error) {
	limit, offset := normalizePage(req.Limit, req.Offset)

	conditions := []string{
		"index_name = $1",
		"document @@ websearch_to_tsquery('simple', $2)",
	}
	args := []any{req.Index, req.Query}
	argIdx := 3

	// sorted so the generated SQL is stable
	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conditions = append(conditions, fmt.Sprintf("fields ->> $%d::text = $%d", argIdx, argIdx+1))
		args = append(args, k, req.Filters[k])
		argIdx += 2
	}

	if len(req.Tags) > 0 {
		tagsJSON, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tag filter: %w", err)
		}
		conditions = append(conditions, fmt.Sprintf("tags @> $%d", argIdx))
		args = append(args, tagsJSON)
		argIdx++
	}

	query := fmt.Sprintf(`
		SELECT doc_id,
			ts_rank(document, websearch_to_tsquery('simple', $2)) AS score,
			COUNT(*) OVER () AS total
		FROM search_documents
		WHERE %s
		ORDER BY score DESC, doc_id
		LIMIT $%d OFFSET $%d`, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		p.logger.Error("Full-text search failed",
			zap.String("index", req.Index),
			zap.Error(err))
		return nil, fmt.Errorf("failed to search %s: %w", req.Index, err)
	}
	defer rows.Close()

	resp := &Response{Results: []Hit{}, Limit: limit, Offset: offset}
	for rows.Next() {
		var (
			hit   Hit
			score float32
			total int64
		)
		if err := rows.Scan(&hit.ID, &score, &total); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.Score = float64(score)
		resp.Total = int(total)
		resp.Results = append(resp.Results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search hits: %w", err)
	}

	// an offset past the last hit returns no rows and therefore no window total
	if len(resp.Results) == 0 && offset > 0 {
		var total int
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM search_documents WHERE %s`, strings.Join(conditions, " AND "))
		if err := p.db.QueryRow(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
			return nil, fmt.Errorf("failed to count search hits: %w", err)
		}
		resp.Total = total
	}

	resp.HasMore = offset+len(resp.Results) < resp.Total
	return resp, nil
}
