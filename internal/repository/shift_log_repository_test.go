package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/swimbuddz/academy-api/internal/models"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

func TestShiftLogRepositoryInsertDuplicateKey(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewShiftLogRepository(db)

	mock.ExpectExec(`INSERT INTO cohort_timeline_shift_logs`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_shift_logs_cohort_key"})

	key := "shift-2025-03"
	err := repo.Insert(context.Background(), nil, &models.CohortTimelineShiftLog{
		CohortID:       "coh-1",
		IdempotencyKey: &key,
		ActorAuthID:    "admin-1",
		OldStartDate:   time.Now(),
		OldEndDate:     time.Now(),
		NewStartDate:   time.Now(),
		NewEndDate:     time.Now(),
	})
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrIdempotencyConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftLogRepositoryFindByKeyMissing(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewShiftLogRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM cohort_timeline_shift_logs l\s+WHERE l\.cohort_id = \$1 AND l\.idempotency_key = \$2`).
		WithArgs("coh-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	log, err := repo.FindByKey(context.Background(), nil, "coh-1", "missing")
	require.NoError(t, err)
	require.Nil(t, log)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftLogRepositoryFindByKeyReturnsRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewShiftLogRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "cohort_id", "idempotency_key", "actor_auth_id", "reason",
		"old_start_date", "old_end_date", "new_start_date", "new_end_date",
		"delta_seconds", "options", "results", "warnings", "created_at",
	}).AddRow(
		"log-1", "coh-1", "shift-2025-03", "admin-1", nil,
		now, now, now.Add(14*24*time.Hour), now.Add(14*24*time.Hour),
		int64(14*24*3600),
		[]byte(`{"shift_sessions":true}`),
		[]byte(`{"sessions_shifted":3}`),
		pq.StringArray{"session ses-4 not shiftable (completed)"}, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM cohort_timeline_shift_logs l`).
		WithArgs("coh-1", "shift-2025-03").
		WillReturnRows(rows)

	log, err := repo.FindByKey(context.Background(), nil, "coh-1", "shift-2025-03")
	require.NoError(t, err)
	require.NotNil(t, log)
	require.True(t, log.Options.ShiftSessions)
	require.Equal(t, 3, log.Results.SessionsShifted)
	require.Len(t, log.Warnings, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
