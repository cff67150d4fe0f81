package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/swimbuddz/academy-api/internal/models"
)

const enrollmentColumns = `e.id, e.member_id, e.member_auth_id, e.program_id, e.cohort_id,
        e.status, e.payment_status, e.payment_reference, e.paid_at,
        e.uses_installments, e.access_suspended,
        e.missed_installments_count, e.paid_installments_count, e.total_installments,
        e.reminders_sent, e.price_snapshot_amount, e.currency_snapshot,
        e.created_at, e.updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByIDForUpdate locks the enrollment row for the duration of the
// transaction so billing writers never interleave.
func (r *EnrollmentRepository) FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments e WHERE e.id = $1 FOR UPDATE`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with cohort and program context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf(`SELECT %s,
        c.name AS cohort_name, c.start_date AS cohort_start_date, c.end_date AS cohort_end_date,
        c.require_approval AS cohort_require_approval, c.admin_dropout_approval AS cohort_dropout_approval,
        p.name AS program_name, p.duration_weeks AS program_duration_weeks
        FROM enrollments e
        JOIN cohorts c ON c.id = e.cohort_id
        JOIN programs p ON p.id = e.program_id
        WHERE e.id = $1`, enrollmentColumns)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListByCohort returns enrollments for a cohort with optional status filter.
func (r *EnrollmentRepository) ListByCohort(ctx context.Context, cohortID string, status models.EnrollmentStatus, page, pageSize int) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
        JOIN cohorts c ON c.id = e.cohort_id
        JOIN programs p ON p.id = e.program_id`
	conditions := []string{"e.cohort_id = $1"}
	args := []interface{}{cohortID}

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, status)
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s,
        c.name AS cohort_name, c.start_date AS cohort_start_date, c.end_date AS cohort_end_date,
        c.require_approval AS cohort_require_approval, c.admin_dropout_approval AS cohort_dropout_approval,
        p.name AS program_name, p.duration_weeks AS program_duration_weeks
        %s ORDER BY e.created_at DESC LIMIT %d OFFSET %d`, enrollmentColumns, base+clause, pageSize, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list cohort enrollments: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count cohort enrollments: %w", err)
	}
	return enrollments, total, nil
}

// InitInstallmentPlan records the opt-in and the price snapshot the plan was
// built from.
func (r *EnrollmentRepository) InitInstallmentPlan(ctx context.Context, exec sqlx.ExtContext, id string, total int, snapshotAmount int64, currency string) error {
	const query = `UPDATE enrollments
        SET uses_installments = TRUE, total_installments = $2,
            price_snapshot_amount = $3, currency_snapshot = $4, updated_at = NOW()
        WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, id, total, snapshotAmount, currency); err != nil {
		return fmt.Errorf("init installment plan: %w", err)
	}
	return nil
}

// UpdateBillingState persists the derived billing fields in one statement.
func (r *EnrollmentRepository) UpdateBillingState(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error {
	const query = `UPDATE enrollments
        SET status = $2, payment_status = $3, payment_reference = $4, paid_at = $5,
            access_suspended = $6, missed_installments_count = $7,
            paid_installments_count = $8, reminders_sent = $9, updated_at = NOW()
        WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query,
		e.ID, e.Status, e.PaymentStatus, e.PaymentReference, e.PaidAt,
		e.AccessSuspended, e.MissedInstallmentsCount,
		e.PaidInstallmentsCount, e.RemindersSent,
	); err != nil {
		return fmt.Errorf("update billing state: %w", err)
	}
	return nil
}

// AppendReminderKey records a dedup key if not already present.
func (r *EnrollmentRepository) AppendReminderKey(ctx context.Context, exec sqlx.ExtContext, id, key string) error {
	const query = `UPDATE enrollments
        SET reminders_sent = array_append(reminders_sent, $2), updated_at = NOW()
        WHERE id = $1 AND NOT ($2 = ANY(reminders_sent))`
	if _, err := r.exec(exec).ExecContext(ctx, query, id, key); err != nil {
		return fmt.Errorf("append reminder key: %w", err)
	}
	return nil
}

// ResetStartReminderKeys strips the countdown reminder keys for every
// enrollment in the cohort so a shifted start date re-triggers them.
// Returns the number of enrollments touched.
func (r *EnrollmentRepository) ResetStartReminderKeys(ctx context.Context, exec sqlx.ExtContext, cohortID string, keys []string) (int, error) {
	const query = `UPDATE enrollments
        SET reminders_sent = (
            SELECT COALESCE(array_agg(k), '{}') FROM unnest(reminders_sent) AS k
            WHERE NOT (k = ANY($2))
        ), updated_at = NOW()
        WHERE cohort_id = $1 AND reminders_sent && $2`
	result, err := r.exec(exec).ExecContext(ctx, query, cohortID, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("reset start reminder keys: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset start reminder keys: %w", err)
	}
	return int(affected), nil
}

// NotifyTarget is an enrollment's member contact handle for cohort-wide
// notifications.
type NotifyTarget struct {
	EnrollmentID string `db:"enrollment_id"`
	MemberID     string `db:"member_id"`
	MemberAuthID string `db:"member_auth_id"`
}

// ListNotifyTargets returns members whose enrollment status warrants a
// timeline-change notification.
func (r *EnrollmentRepository) ListNotifyTargets(ctx context.Context, cohortID string, statuses []models.EnrollmentStatus) ([]NotifyTarget, error) {
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	const query = `SELECT e.id AS enrollment_id, e.member_id, e.member_auth_id
        FROM enrollments e
        WHERE e.cohort_id = $1 AND e.status = ANY($2)
        ORDER BY e.created_at`
	var targets []NotifyTarget
	if err := r.db.SelectContext(ctx, &targets, query, cohortID, pq.Array(raw)); err != nil {
		return nil, fmt.Errorf("list notify targets: %w", err)
	}
	return targets, nil
}
