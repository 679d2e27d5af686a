package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
)

const (
	statisticsTopTags      = 10
	statisticsActivityDays = 30
	maxReportWindow        = 365
	maxReportRows          = 100
)

// NodeStatisticsService produces read-only aggregate views of the corpus.
type NodeStatisticsService interface {
	// GetStatistics gathers its four reports concurrently. Total excludes
	// deleted nodes while ByStatus still reports them.
	GetStatistics(ctx context.Context) (*models.NodeStatistics, error)
	ContentSizeDistribution(ctx context.Context) ([]models.SizeBucket, error)
	VersionDistribution(ctx context.Context) ([]models.CountBucket, error)
	GrowthCurve(ctx context.Context, days int) ([]models.GrowthPoint, error)
	TopAuthors(ctx context.Context, limit int) ([]models.AuthorCount, error)
	// GetReport runs the four secondary reports concurrently.
	GetReport(ctx context.Context, days, authors int) (*models.NodeReport, error)
}

type nodeStatisticsService struct {
	stats  repositories.KnowledgeNodeStatsRepository
	logger *zap.Logger
}

func NewNodeStatisticsService(stats repositories.KnowledgeNodeStatsRepository, logger *zap.Logger) NodeStatisticsService {
	return &nodeStatisticsService{
		stats:  stats,
		logger: logger.Named("node-statistics"),
	}
}

var _ NodeStatisticsService = (*nodeStatisticsService)(nil)

func (s *nodeStatisticsService) GetStatistics(ctx context.Context) (*models.NodeStatistics, error) {
	var (
		byType   map[string]int
		byStatus map[string]int
		topTags  []models.CountBucket
		activity []models.ActivityPoint
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		byType, err = s.stats.CountByType(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		byStatus, err = s.stats.CountByStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		topTags, err = s.stats.TopTags(gctx, statisticsTopTags)
		return err
	})
	g.Go(func() error {
		var err error
		activity, err = s.stats.RecentActivity(gctx, statisticsActivityDays)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to gather node statistics", zap.Error(err))
		return nil, fmt.Errorf("failed to gather node statistics: %w", err)
	}

	total := 0
	for status, count := range byStatus {
		if status == string(models.NodeStatusDeleted) {
			continue
		}
		total += count
	}

	return &models.NodeStatistics{
		Total:          total,
		ByType:         byType,
		ByStatus:       byStatus,
		TopTags:        topTags,
		RecentActivity: activity,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

func (s *nodeStatisticsService) ContentSizeDistribution(ctx context.Context) ([]models.SizeBucket, error) {
	return s.stats.ContentSizeDistribution(ctx)
}

func (s *nodeStatisticsService) VersionDistribution(ctx context.Context) ([]models.CountBucket, error) {
	return s.stats.VersionDistribution(ctx)
}

func (s *nodeStatisticsService) GrowthCurve(ctx context.Context, days int) ([]models.GrowthPoint, error) {
	return s.stats.GrowthCurve(ctx, clamp(days, statisticsActivityDays, maxReportWindow))
}

func (s *nodeStatisticsService) TopAuthors(ctx context.Context, limit int) ([]models.AuthorCount, error) {
	return s.stats.TopAuthors(ctx, clamp(limit, statisticsTopTags, maxReportRows))
}

// clamp replaces non-positive n with def and caps it at limit.
func clamp(n, def, limit int) int {
	if n <= 0 {
		return def
	}
	if n > limit {
		return limit
	}
	return n
}

func (s *nodeStatisticsService) GetReport(ctx context.Context, days, authors int) (*models.NodeReport, error) {
	report := &models.NodeReport{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report.ContentSizes, err = s.ContentSizeDistribution(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		report.Versions, err = s.VersionDistribution(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		report.Growth, err = s.GrowthCurve(gctx, days)
		return err
	})
	g.Go(func() error {
		var err error
		report.TopAuthors, err = s.TopAuthors(gctx, authors)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to build node report", zap.Error(err))
		return nil, fmt.Errorf("failed to build node report: %w", err)
	}

	report.GeneratedAt = time.Now().UTC()
	return report, nil
}
