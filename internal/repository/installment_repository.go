package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swimbuddz/academy-api/internal/models"
)

const installmentColumns = `i.id, i.enrollment_id, i.installment_number, i.amount, i.due_at,
        i.status, i.paid_at, i.payment_reference, i.created_at, i.updated_at`

// InstallmentRepository handles persistence of enrollment installments.
type InstallmentRepository struct {
	db *sqlx.DB
}

// NewInstallmentRepository constructs the repository.
func NewInstallmentRepository(db *sqlx.DB) *InstallmentRepository {
	return &InstallmentRepository{db: db}
}

func (r *InstallmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListByEnrollment returns the enrollment's schedule ordered by number.
func (r *InstallmentRepository) ListByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) ([]models.EnrollmentInstallment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_installments i
        WHERE i.enrollment_id = $1 ORDER BY i.installment_number`, installmentColumns)
	var installments []models.EnrollmentInstallment
	if err := sqlx.SelectContext(ctx, r.exec(exec), &installments, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	return installments, nil
}

// BulkCreate persists a freshly built schedule.
func (r *InstallmentRepository) BulkCreate(ctx context.Context, exec sqlx.ExtContext, installments []models.EnrollmentInstallment) error {
	if len(installments) == 0 {
		return nil
	}
	const query = `INSERT INTO enrollment_installments
        (id, enrollment_id, installment_number, amount, due_at, status, created_at, updated_at)
        VALUES (:id, :enrollment_id, :installment_number, :amount, :due_at, :status, NOW(), NOW())`
	for idx := range installments {
		if installments[idx].ID == "" {
			installments[idx].ID = uuid.NewString()
		}
		if installments[idx].Status == "" {
			installments[idx].Status = models.InstallmentStatusPending
		}
	}
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, installments); err != nil {
		return fmt.Errorf("bulk create installments: %w", err)
	}
	return nil
}

// MarkPaid settles one installment.
func (r *InstallmentRepository) MarkPaid(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, number int, reference *string, paidAt time.Time) error {
	const query = `UPDATE enrollment_installments
        SET status = $3, paid_at = $4, payment_reference = $5, updated_at = NOW()
        WHERE enrollment_id = $1 AND installment_number = $2`
	if _, err := r.exec(exec).ExecContext(ctx, query, enrollmentID, number, models.InstallmentStatusPaid, paidAt, reference); err != nil {
		return fmt.Errorf("mark installment paid: %w", err)
	}
	return nil
}

// DeleteByEnrollment removes an enrollment's schedule outright, used when an
// admin clears the plan after a full-balance payoff.
func (r *InstallmentRepository) DeleteByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (int, error) {
	const query = `DELETE FROM enrollment_installments WHERE enrollment_id = $1`
	result, err := r.exec(exec).ExecContext(ctx, query, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("delete installments: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete installments: %w", err)
	}
	return int(affected), nil
}

// MarkMissed flips overdue pending installments to MISSED. Returns the
// numbers of the installments it changed.
func (r *InstallmentRepository) MarkMissed(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, numbers []int) error {
	if len(numbers) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE enrollment_installments
        SET status = ?, updated_at = NOW()
        WHERE enrollment_id = ? AND installment_number IN (?) AND status = ?`,
		models.InstallmentStatusMissed, enrollmentID, numbers, models.InstallmentStatusPending)
	if err != nil {
		return fmt.Errorf("mark installments missed: %w", err)
	}
	e := r.exec(exec)
	query = e.Rebind(query)
	if _, err := e.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark installments missed: %w", err)
	}
	return nil
}

// CountMissed counts MISSED rows for an enrollment.
func (r *InstallmentRepository) CountMissed(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollment_installments
        WHERE enrollment_id = $1 AND status = $2`
	var count int
	if err := sqlx.GetContext(ctx, r.exec(exec), &count, query, enrollmentID, models.InstallmentStatusMissed); err != nil {
		return 0, fmt.Errorf("count missed installments: %w", err)
	}
	return count, nil
}

const dueInstallmentSelect = `SELECT i.id, i.enrollment_id, i.installment_number, i.amount, i.due_at,
        i.status, i.paid_at, i.payment_reference, i.created_at, i.updated_at,
        e.status AS enrollment_status, e.member_id, e.member_auth_id,
        e.total_installments, e.currency_snapshot, e.reminders_sent,
        p.name AS program_name, c.name AS cohort_name
        FROM enrollment_installments i
        JOIN enrollments e ON e.id = i.enrollment_id
        JOIN programs p ON p.id = e.program_id
        JOIN cohorts c ON c.id = e.cohort_id`

// ListDueWithin returns pending installments whose due_at fell inside the
// trailing window [now-window, now], excluding enrollments past saving.
// Feeds the auto-deduction worker.
func (r *InstallmentRepository) ListDueWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.DueInstallment, error) {
	query := dueInstallmentSelect + `
        WHERE i.status = $1 AND i.due_at >= $2 AND i.due_at <= $3
        AND e.status NOT IN ($4, $5, $6)
        ORDER BY i.due_at`
	var due []models.DueInstallment
	if err := r.db.SelectContext(ctx, &due, query,
		models.InstallmentStatusPending, now.Add(-window), now,
		models.EnrollmentStatusDropped, models.EnrollmentStatusWaitlist, models.EnrollmentStatusGraduated); err != nil {
		return nil, fmt.Errorf("list due installments: %w", err)
	}
	return due, nil
}

// ListUpcoming returns pending installments due within the horizon,
// for the reminder worker.
func (r *InstallmentRepository) ListUpcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]models.DueInstallment, error) {
	query := dueInstallmentSelect + `
        WHERE i.status = $1 AND i.due_at > $2 AND i.due_at <= $3
        AND e.status NOT IN ($4, $5)
        ORDER BY i.due_at`
	var due []models.DueInstallment
	if err := r.db.SelectContext(ctx, &due, query,
		models.InstallmentStatusPending, now, now.Add(horizon),
		models.EnrollmentStatusDropped, models.EnrollmentStatusWaitlist); err != nil {
		return nil, fmt.Errorf("list upcoming installments: %w", err)
	}
	return due, nil
}

// ListOverdueEnrollments returns distinct enrollment IDs holding pending
// installments past the grace cutoff. Feeds the compliance sweep. Dropped
// enrollments stay in scope so their remaining schedule still decays to
// MISSED.
func (r *InstallmentRepository) ListOverdueEnrollments(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `SELECT DISTINCT i.enrollment_id
        FROM enrollment_installments i
        JOIN enrollments e ON e.id = i.enrollment_id
        WHERE i.status = $1 AND i.due_at < $2
        AND e.uses_installments = TRUE
        AND e.status IN ($3, $4, $5, $6)`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query,
		models.InstallmentStatusPending, cutoff,
		models.EnrollmentStatusEnrolled, models.EnrollmentStatusPendingApproval,
		models.EnrollmentStatusDropoutPending, models.EnrollmentStatusDropped); err != nil {
		return nil, fmt.Errorf("list overdue enrollments: %w", err)
	}
	return ids, nil
}

// ShiftPendingByCohort rebases the due dates of every pending installment in
// the cohort by the timeline delta. Returns how many rows moved.
func (r *InstallmentRepository) ShiftPendingByCohort(ctx context.Context, exec sqlx.ExtContext, cohortID string, delta time.Duration) (int, error) {
	const query = `UPDATE enrollment_installments i
        SET due_at = i.due_at + $2 * INTERVAL '1 second', updated_at = NOW()
        FROM enrollments e
        WHERE e.id = i.enrollment_id AND e.cohort_id = $1 AND i.status = $3`
	result, err := r.exec(exec).ExecContext(ctx, query, cohortID, int64(delta.Seconds()), models.InstallmentStatusPending)
	if err != nil {
		return 0, fmt.Errorf("shift pending installments: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("shift pending installments: %w", err)
	}
	return int(affected), nil
}

// CountPendingByCohort counts pending installments across a cohort, used by
// the shift preview.
func (r *InstallmentRepository) CountPendingByCohort(ctx context.Context, cohortID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollment_installments i
        JOIN enrollments e ON e.id = i.enrollment_id
        WHERE e.cohort_id = $1 AND i.status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, cohortID, models.InstallmentStatusPending); err != nil {
		return 0, fmt.Errorf("count pending installments: %w", err)
	}
	return count, nil
}
