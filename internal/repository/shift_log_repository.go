package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/swimbuddz/academy-api/internal/models"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

const shiftLogColumns = `l.id, l.cohort_id, l.idempotency_key, l.actor_auth_id, l.reason,
        l.old_start_date, l.old_end_date, l.new_start_date, l.new_end_date,
        l.delta_seconds, l.options, l.results, l.warnings, l.created_at`

// ShiftLogRepository persists the timeline-shift audit trail.
type ShiftLogRepository struct {
	db *sqlx.DB
}

// NewShiftLogRepository constructs the repository.
func NewShiftLogRepository(db *sqlx.DB) *ShiftLogRepository {
	return &ShiftLogRepository{db: db}
}

func (r *ShiftLogRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Insert appends an audit row. A duplicate (cohort_id, idempotency_key)
// surfaces as ErrIdempotencyConflict so the caller can return the winner.
func (r *ShiftLogRepository) Insert(ctx context.Context, exec sqlx.ExtContext, log *models.CohortTimelineShiftLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if log.Warnings == nil {
		log.Warnings = pq.StringArray{}
	}
	const query = `INSERT INTO cohort_timeline_shift_logs
        (id, cohort_id, idempotency_key, actor_auth_id, reason,
         old_start_date, old_end_date, new_start_date, new_end_date,
         delta_seconds, options, results, warnings, created_at)
        VALUES (:id, :cohort_id, :idempotency_key, :actor_auth_id, :reason,
         :old_start_date, :old_end_date, :new_start_date, :new_end_date,
         :delta_seconds, :options, :results, :warnings, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, log); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return appErrors.Wrap(err, appErrors.ErrIdempotencyConflict.Code,
				appErrors.ErrIdempotencyConflict.Status, appErrors.ErrIdempotencyConflict.Message)
		}
		return fmt.Errorf("insert shift log: %w", err)
	}
	return nil
}

// FindByKey returns the audit row recorded under the idempotency key, or nil
// when no shift with that key was applied.
func (r *ShiftLogRepository) FindByKey(ctx context.Context, exec sqlx.ExtContext, cohortID, key string) (*models.CohortTimelineShiftLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM cohort_timeline_shift_logs l
        WHERE l.cohort_id = $1 AND l.idempotency_key = $2`, shiftLogColumns)
	var log models.CohortTimelineShiftLog
	if err := sqlx.GetContext(ctx, r.exec(exec), &log, query, cohortID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find shift log by key: %w", err)
	}
	return &log, nil
}

// ListByCohort returns the cohort's shift history, newest first.
func (r *ShiftLogRepository) ListByCohort(ctx context.Context, cohortID string, page, pageSize int) ([]models.CohortTimelineShiftLog, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s FROM cohort_timeline_shift_logs l
        WHERE l.cohort_id = $1 ORDER BY l.created_at DESC LIMIT %d OFFSET %d`, shiftLogColumns, pageSize, offset)
	var logs []models.CohortTimelineShiftLog
	if err := r.db.SelectContext(ctx, &logs, query, cohortID); err != nil {
		return nil, 0, fmt.Errorf("list shift logs: %w", err)
	}

	const countQuery = `SELECT COUNT(*) FROM cohort_timeline_shift_logs l WHERE l.cohort_id = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, cohortID); err != nil {
		return nil, 0, fmt.Errorf("count shift logs: %w", err)
	}
	return logs, total, nil
}
