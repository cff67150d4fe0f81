package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swimbuddz/academy-api/internal/models"
)

const cohortColumns = `c.id, c.program_id, c.name, c.start_date, c.end_date, c.status, c.capacity,
        c.require_approval, c.admin_dropout_approval, c.price_override, c.installment_plan_enabled,
        c.installment_count, c.installment_deposit_amount, c.created_at, c.updated_at`

// CohortRepository handles persistence of cohorts.
type CohortRepository struct {
	db *sqlx.DB
}

// NewCohortRepository constructs the repository.
func NewCohortRepository(db *sqlx.DB) *CohortRepository {
	return &CohortRepository{db: db}
}

func (r *CohortRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindDetailByID returns a cohort joined with its program.
func (r *CohortRepository) FindDetailByID(ctx context.Context, id string) (*models.CohortDetail, error) {
	query := fmt.Sprintf(`SELECT %s,
        p.name AS program_name, p.duration_weeks AS program_duration_weeks,
        p.price_amount AS program_price_amount, p.currency AS program_currency
        FROM cohorts c
        JOIN programs p ON p.id = c.program_id
        WHERE c.id = $1`, cohortColumns)
	var detail models.CohortDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindByIDForUpdate locks the cohort row for the duration of the transaction.
func (r *CohortRepository) FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Cohort, error) {
	query := fmt.Sprintf(`SELECT %s FROM cohorts c WHERE c.id = $1 FOR UPDATE`, cohortColumns)
	var cohort models.Cohort
	if err := sqlx.GetContext(ctx, r.exec(exec), &cohort, query, id); err != nil {
		return nil, err
	}
	return &cohort, nil
}

// UpdateTimeline persists new cohort dates and status, bumping updated_at.
func (r *CohortRepository) UpdateTimeline(ctx context.Context, exec sqlx.ExtContext, id string, start, end time.Time, status models.CohortStatus) error {
	const query = `UPDATE cohorts SET start_date = $2, end_date = $3, status = $4, updated_at = NOW() WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, id, start, end, status); err != nil {
		return fmt.Errorf("update cohort timeline: %w", err)
	}
	return nil
}

// GetEnrollmentStats aggregates enrollment pressure for a cohort.
func (r *CohortRepository) GetEnrollmentStats(ctx context.Context, id string) (*models.CohortEnrollmentStats, error) {
	const query = `SELECT c.capacity,
        COUNT(*) FILTER (WHERE e.status = $2) AS enrolled_count,
        COUNT(*) FILTER (WHERE e.status = $3) AS waitlist_count
        FROM cohorts c
        LEFT JOIN enrollments e ON e.cohort_id = c.id
        WHERE c.id = $1
        GROUP BY c.capacity`
	var row struct {
		Capacity      int `db:"capacity"`
		EnrolledCount int `db:"enrolled_count"`
		WaitlistCount int `db:"waitlist_count"`
	}
	if err := r.db.GetContext(ctx, &row, query, id, models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlist); err != nil {
		return nil, err
	}
	remaining := row.Capacity - row.EnrolledCount
	if remaining < 0 {
		remaining = 0
	}
	return &models.CohortEnrollmentStats{
		CohortID:       id,
		Capacity:       row.Capacity,
		EnrolledCount:  row.EnrolledCount,
		WaitlistCount:  row.WaitlistCount,
		SpotsRemaining: remaining,
		IsAtCapacity:   row.Capacity > 0 && row.EnrolledCount >= row.Capacity,
	}, nil
}
