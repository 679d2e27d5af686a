package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/database"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
)

// KnowledgeNodeStatsRepository runs read-only aggregate queries over knowledge nodes.
// Every report except CountByStatus ignores soft-deleted nodes.
type KnowledgeNodeStatsRepository interface {
	CountByType(ctx context.Context) (map[string]int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	TopTags(ctx context.Context, limit int) ([]models.CountBucket, error)
	RecentActivity(ctx context.Context, days int) ([]models.ActivityPoint, error)
	ContentSizeDistribution(ctx context.Context) ([]models.SizeBucket, error)
	VersionDistribution(ctx context.Context) ([]models.CountBucket, error)
	GrowthCurve(ctx context.Context, days int) ([]models.GrowthPoint, error)
	TopAuthors(ctx context.Context, limit int) ([]models.AuthorCount, error)
}

type knowledgeNodeStatsRepository struct {
	db database.Querier
}

// NewKnowledgeNodeStatsRepository creates a KnowledgeNodeStatsRepository on db.
func NewKnowledgeNodeStatsRepository(db database.Querier) KnowledgeNodeStatsRepository {
	return &knowledgeNodeStatsRepository{db: db}
}

var _ KnowledgeNodeStatsRepository = (*knowledgeNodeStatsRepository)(nil)

// contentSizeBuckets are half-open byte ranges; a zero upper bound is unbounded.
var contentSizeBuckets = []models.SizeBucket{
	{Label: "empty", MinBytes: 0, MaxBytes: 1},
	{Label: "<1KB", MinBytes: 1, MaxBytes: 1 << 10},
	{Label: "1KB-10KB", MinBytes: 1 << 10, MaxBytes: 10 << 10},
	{Label: "10KB-100KB", MinBytes: 10 << 10, MaxBytes: 100 << 10},
	{Label: "100KB-1MB", MinBytes: 100 << 10, MaxBytes: 1 << 20},
	{Label: ">=1MB", MinBytes: 1 << 20},
}

var versionBucketOrder = []string{"1", "2", "3-5", "6-10", "11+"}

func (r *knowledgeNodeStatsRepository) CountByType(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `
		SELECT type, COUNT(*)
		FROM knowledge_nodes
		WHERE status <> 'deleted'
		GROUP BY type`, "type")
}

// CountByStatus includes the deleted bucket so deletions stay auditable.
func (r *knowledgeNodeStatsRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `
		SELECT status, COUNT(*)
		FROM knowledge_nodes
		GROUP BY status`, "status")
}

func (r *knowledgeNodeStatsRepository) countBy(ctx context.Context, query, label string) (map[string]int, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes by %s: %w", label, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", label, err)
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s counts: %w", label, err)
	}
	return counts, nil
}

func (r *knowledgeNodeStatsRepository) TopTags(ctx context.Context, limit int) ([]models.CountBucket, error) {
	query := `
		SELECT tag, COUNT(*) AS uses
		FROM knowledge_nodes, jsonb_array_elements_text(tags) AS tag
		WHERE status <> 'deleted'
		GROUP BY tag
		ORDER BY uses DESC, tag
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top tags: %w", err)
	}
	return collectBuckets(rows, "tag")
}

// RecentActivity returns one point per day for the last days days, oldest
// first, including days with no activity.
func (r *knowledgeNodeStatsRepository) RecentActivity(ctx context.Context, days int) ([]models.ActivityPoint, error) {
	query := `
		WITH days AS (
			SELECT generate_series(
				date_trunc('day', NOW()) - ($1::int - 1) * INTERVAL '1 day',
				date_trunc('day', NOW()),
				INTERVAL '1 day') AS day
		)
		SELECT d.day,
			COUNT(n.id) FILTER (WHERE n.created_at >= d.day AND n.created_at < d.day + INTERVAL '1 day'),
			COUNT(n.id) FILTER (WHERE n.version > 1 AND n.updated_at >= d.day AND n.updated_at < d.day + INTERVAL '1 day')
		FROM days d
		LEFT JOIN knowledge_nodes n
			ON n.status <> 'deleted'
			AND ((n.created_at >= d.day AND n.created_at < d.day + INTERVAL '1 day')
				OR (n.updated_at >= d.day AND n.updated_at < d.day + INTERVAL '1 day'))
		GROUP BY d.day
		ORDER BY d.day`

	rows, err := r.db.Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent activity: %w", err)
	}
	defer rows.Close()

	points := make([]models.ActivityPoint, 0, days)
	for rows.Next() {
		var p models.ActivityPoint
		if err := rows.Scan(&p.Day, &p.Created, &p.Updated); err != nil {
			return nil, fmt.Errorf("failed to scan activity point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}
	return points, nil
}

func (r *knowledgeNodeStatsRepository) ContentSizeDistribution(ctx context.Context) ([]models.SizeBucket, error) {
	query := `
		SELECT CASE
			WHEN octet_length(content) = 0 THEN 'empty'
			WHEN octet_length(content) < 1024 THEN '<1KB'
			WHEN octet_length(content) < 10240 THEN '1KB-10KB'
			WHEN octet_length(content) < 102400 THEN '10KB-100KB'
			WHEN octet_length(content) < 1048576 THEN '100KB-1MB'
			ELSE '>=1MB'
		END AS bucket, COUNT(*)
		FROM knowledge_nodes
		WHERE status <> 'deleted'
		GROUP BY bucket`

	counts, err := r.countBy(ctx, query, "content size")
	if err != nil {
		return nil, err
	}

	buckets := make([]models.SizeBucket, len(contentSizeBuckets))
	copy(buckets, contentSizeBuckets)
	for i := range buckets {
		buckets[i].Count = counts[buckets[i].Label]
	}
	return buckets, nil
}

func (r *knowledgeNodeStatsRepository) VersionDistribution(ctx context.Context) ([]models.CountBucket, error) {
	query := `
		SELECT CASE
			WHEN version = 1 THEN '1'
			WHEN version = 2 THEN '2'
			WHEN version <= 5 THEN '3-5'
			WHEN version <= 10 THEN '6-10'
			ELSE '11+'
		END AS bucket, COUNT(*)
		FROM knowledge_nodes
		WHERE status <> 'deleted'
		GROUP BY bucket`

	counts, err := r.countBy(ctx, query, "version")
	if err != nil {
		return nil, err
	}

	buckets := make([]models.CountBucket, 0, len(versionBucketOrder))
	for _, key := range versionBucketOrder {
		buckets = append(buckets, models.CountBucket{Key: key, Count: counts[key]})
	}
	return buckets, nil
}

// GrowthCurve returns daily creations for the last days days with the running
// total of live nodes, counting everything created before the window.
func (r *knowledgeNodeStatsRepository) GrowthCurve(ctx context.Context, days int) ([]models.GrowthPoint, error) {
	query := `
		WITH days AS (
			SELECT generate_series(
				date_trunc('day', NOW()) - ($1::int - 1) * INTERVAL '1 day',
				date_trunc('day', NOW()),
				INTERVAL '1 day') AS day
		)
		SELECT d.day,
			COUNT(n.id),
			(SELECT COUNT(*) FROM knowledge_nodes
			 WHERE status <> 'deleted'
			 AND created_at < date_trunc('day', NOW()) - ($1::int - 1) * INTERVAL '1 day')
		FROM days d
		LEFT JOIN knowledge_nodes n
			ON n.status <> 'deleted'
			AND n.created_at >= d.day
			AND n.created_at < d.day + INTERVAL '1 day'
		GROUP BY d.day
		ORDER BY d.day`

	rows, err := r.db.Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to get growth curve: %w", err)
	}
	defer rows.Close()

	points := make([]models.GrowthPoint, 0, days)
	running := 0
	for rows.Next() {
		var (
			day     time.Time
			created int
			before  int
		)
		if err := rows.Scan(&day, &created, &before); err != nil {
			return nil, fmt.Errorf("failed to scan growth point: %w", err)
		}
		if len(points) == 0 {
			running = before
		}
		running += created
		points = append(points, models.GrowthPoint{Day: day, Created: created, Cumulative: running})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating growth curve: %w", err)
	}
	return points, nil
}

func (r *knowledgeNodeStatsRepository) TopAuthors(ctx context.Context, limit int) ([]models.AuthorCount, error) {
	query := `
		SELECT author, COUNT(*) AS nodes, MAX(updated_at)
		FROM knowledge_nodes
		WHERE status <> 'deleted'
		GROUP BY author
		ORDER BY nodes DESC, author
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top authors: %w", err)
	}
	defer rows.Close()

	authors := make([]models.AuthorCount, 0)
	for rows.Next() {
		var a models.AuthorCount
		if err := rows.Scan(&a.Author, &a.Nodes, &a.LastWrite); err != nil {
			return nil, fmt.Errorf("failed to scan author count: %w", err)
		}
		authors = append(authors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating authors: %w", err)
	}
	return authors, nil
}

func collectBuckets(rows pgx.Rows, label string) ([]models.CountBucket, error) {
	defer rows.Close()

	buckets := make([]models.CountBucket, 0)
	for rows.Next() {
		var b models.CountBucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan %s bucket: %w", label, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s buckets: %w", label, err)
	}
	return buckets, nil
}
