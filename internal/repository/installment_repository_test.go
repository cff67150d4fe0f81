package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/swimbuddz/academy-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock, func() { db.Close() }
}

func TestInstallmentRepositoryListByEnrollment(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "enrollment_id", "installment_number", "amount", "due_at",
		"status", "paid_at", "payment_reference", "created_at", "updated_at",
	}).
		AddRow("ins-1", "enr-1", 1, int64(50000), now, models.InstallmentStatusPaid, now, "ref-1", now, now).
		AddRow("ins-2", "enr-1", 2, int64(50000), now.Add(4*7*24*time.Hour), models.InstallmentStatusPending, nil, nil, now, now)

	mock.ExpectQuery(`SELECT .+ FROM enrollment_installments i\s+WHERE i\.enrollment_id = \$1 ORDER BY i\.installment_number`).
		WithArgs("enr-1").
		WillReturnRows(rows)

	installments, err := repo.ListByEnrollment(context.Background(), nil, "enr-1")
	require.NoError(t, err)
	require.Len(t, installments, 2)
	require.True(t, installments[0].Settled())
	require.False(t, installments[1].Settled())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallmentRepositoryMarkMissed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	mock.ExpectExec(`UPDATE enrollment_installments\s+SET status = \$1, updated_at = NOW\(\)\s+WHERE enrollment_id = \$2 AND installment_number IN \(\$3, \$4\) AND status = \$5`).
		WithArgs(models.InstallmentStatusMissed, "enr-1", 1, 2, models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.MarkMissed(context.Background(), nil, "enr-1", []int{1, 2})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallmentRepositoryMarkMissedNoRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	err := repo.MarkMissed(context.Background(), nil, "enr-1", nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallmentRepositoryShiftPendingByCohort(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	mock.ExpectExec(`UPDATE enrollment_installments i\s+SET due_at = i\.due_at \+ \$2 \* INTERVAL '1 second', updated_at = NOW\(\)`).
		WithArgs("coh-1", int64(14*24*3600), models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 6))

	moved, err := repo.ShiftPendingByCohort(context.Background(), nil, "coh-1", 14*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 6, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallmentRepositoryListOverdueEnrollments(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	cutoff := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	// Dropped enrollments are swept alongside active ones so their remaining
	// pending installments still go MISSED.
	mock.ExpectQuery(`SELECT DISTINCT i\.enrollment_id\s+FROM enrollment_installments i\s+JOIN enrollments e ON e\.id = i\.enrollment_id\s+WHERE i\.status = \$1 AND i\.due_at < \$2\s+AND e\.uses_installments = TRUE\s+AND e\.status IN \(\$3, \$4, \$5, \$6\)`).
		WithArgs(models.InstallmentStatusPending, cutoff,
			models.EnrollmentStatusEnrolled, models.EnrollmentStatusPendingApproval,
			models.EnrollmentStatusDropoutPending, models.EnrollmentStatusDropped).
		WillReturnRows(sqlmock.NewRows([]string{"enrollment_id"}).AddRow("enr-1").AddRow("enr-2"))

	ids, err := repo.ListOverdueEnrollments(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, []string{"enr-1", "enr-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallmentRepositoryCountMissed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInstallmentRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrollment_installments\s+WHERE enrollment_id = \$1 AND status = \$2`).
		WithArgs("enr-1", models.InstallmentStatusMissed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountMissed(context.Background(), nil, "enr-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
