package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/internal/repository"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

type cohortReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.CohortDetail, error)
	GetEnrollmentStats(ctx context.Context, id string) (*models.CohortEnrollmentStats, error)
}

type cohortCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CohortService serves cohort reads through a Redis cache. Detail and stats
// carry separate TTLs since enrollment counts move much faster than dates.
type CohortService struct {
	cohorts   cohortReader
	cache     cohortCache
	detailTTL time.Duration
	statsTTL  time.Duration
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewCohortService constructs the service.
func NewCohortService(cohorts cohortReader, cache cohortCache, detailTTL, statsTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *CohortService {
	if detailTTL <= 0 {
		detailTTL = 5 * time.Minute
	}
	if statsTTL <= 0 {
		statsTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CohortService{
		cohorts:   cohorts,
		cache:     cache,
		detailTTL: detailTTL,
		statsTTL:  statsTTL,
		metrics:   metrics,
		logger:    logger,
	}
}

// GetDetail returns a cohort with its program, cache-first. The bool reports
// whether the read was served from cache.
func (s *CohortService) GetDetail(ctx context.Context, cohortID string) (*models.CohortDetail, bool, error) {
	key := repository.CohortDetailKey(cohortID)
	var cached models.CohortDetail
	if s.cache != nil {
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, true, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Sugar().Warnw("cohort detail cache read failed", "cohort_id", cohortID, "error", err)
		}
		s.metrics.RecordCacheOperation(false)
	}

	detail, err := s.cohorts.FindDetailByID(ctx, cohortID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "cohort not found")
		}
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, detail, s.detailTTL); err != nil {
			s.logger.Sugar().Warnw("cohort detail cache write failed", "cohort_id", cohortID, "error", err)
		}
	}
	return detail, false, nil
}

// GetStats returns enrollment pressure for a cohort, cache-first. The bool
// reports whether the read was served from cache.
func (s *CohortService) GetStats(ctx context.Context, cohortID string) (*models.CohortEnrollmentStats, bool, error) {
	key := repository.CohortStatsKey(cohortID)
	var cached models.CohortEnrollmentStats
	if s.cache != nil {
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, true, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Sugar().Warnw("cohort stats cache read failed", "cohort_id", cohortID, "error", err)
		}
		s.metrics.RecordCacheOperation(false)
	}

	stats, err := s.cohorts.GetEnrollmentStats(ctx, cohortID)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, s.statsTTL); err != nil {
			s.logger.Sugar().Warnw("cohort stats cache write failed", "cohort_id", cohortID, "error", err)
		}
	}
	return stats, false, nil
}

// Invalidate drops every cached payload for the cohort.
func (s *CohortService) Invalidate(ctx context.Context, cohortID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, repository.CohortKeyPattern(cohortID)); err != nil {
		s.logger.Sugar().Warnw("cohort cache invalidation failed", "cohort_id", cohortID, "error", err)
	}
}
