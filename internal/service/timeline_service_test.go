package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/internal/repository"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

type fakeTimelineCohorts struct {
	cohort         *models.Cohort
	timelineStart  time.Time
	timelineEnd    time.Time
	timelineStatus models.CohortStatus
	updated        int
	updateErr      error
}

func (f *fakeTimelineCohorts) FindByIDForUpdate(context.Context, sqlx.ExtContext, string) (*models.Cohort, error) {
	return f.cohort, nil
}

func (f *fakeTimelineCohorts) FindDetailByID(context.Context, string) (*models.CohortDetail, error) {
	return &models.CohortDetail{Cohort: *f.cohort, ProgramDurationWeeks: 12}, nil
}

func (f *fakeTimelineCohorts) UpdateTimeline(_ context.Context, _ sqlx.ExtContext, _ string, start, end time.Time, status models.CohortStatus) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated++
	f.timelineStart = start
	f.timelineEnd = end
	f.timelineStatus = status
	return nil
}

type fakeShiftLogs struct {
	prior       *models.CohortTimelineShiftLog
	inserted    []*models.CohortTimelineShiftLog
	insertErr   error
	insertTried bool
	winner      *models.CohortTimelineShiftLog
}

func (f *fakeShiftLogs) Insert(_ context.Context, _ sqlx.ExtContext, log *models.CohortTimelineShiftLog) error {
	f.insertTried = true
	if f.insertErr != nil {
		return f.insertErr
	}
	log.ID = "log-1"
	f.inserted = append(f.inserted, log)
	return nil
}

func (f *fakeShiftLogs) FindByKey(_ context.Context, _ sqlx.ExtContext, _ string, key string) (*models.CohortTimelineShiftLog, error) {
	if f.prior != nil && f.prior.IdempotencyKey != nil && *f.prior.IdempotencyKey == key {
		return f.prior, nil
	}
	for _, l := range f.inserted {
		if l.IdempotencyKey != nil && *l.IdempotencyKey == key {
			return l, nil
		}
	}
	if f.insertTried && f.winner != nil {
		return f.winner, nil
	}
	return nil, nil
}

func (f *fakeShiftLogs) ListByCohort(context.Context, string, int, int) ([]models.CohortTimelineShiftLog, int, error) {
	var out []models.CohortTimelineShiftLog
	for _, l := range f.inserted {
		out = append(out, *l)
	}
	return out, len(out), nil
}

type fakeShiftInstallments struct {
	pending    int
	shiftCalls []time.Duration
	shiftErr   error
}

func (f *fakeShiftInstallments) ShiftPendingByCohort(_ context.Context, _ sqlx.ExtContext, _ string, delta time.Duration) (int, error) {
	if f.shiftErr != nil {
		return 0, f.shiftErr
	}
	f.shiftCalls = append(f.shiftCalls, delta)
	return f.pending, nil
}

func (f *fakeShiftInstallments) CountPendingByCohort(context.Context, string) (int, error) {
	return f.pending, nil
}

type fakeShiftEnrollments struct {
	targets   []repository.NotifyTarget
	resets    int
	resetKeys []string
}

func (f *fakeShiftEnrollments) ResetStartReminderKeys(_ context.Context, _ sqlx.ExtContext, _ string, keys []string) (int, error) {
	f.resetKeys = keys
	return f.resets, nil
}

func (f *fakeShiftEnrollments) ListNotifyTargets(context.Context, string, []models.EnrollmentStatus) ([]repository.NotifyTarget, error) {
	return f.targets, nil
}

type sessionUpdate struct {
	id      string
	startAt time.Time
}

type fakeSessions struct {
	sessions []client.Session
	failOn   map[string]error
	updates  []sessionUpdate
}

func (f *fakeSessions) ListCohortSessions(context.Context, string) ([]client.Session, error) {
	return f.sessions, nil
}

func (f *fakeSessions) UpdateSessionTime(_ context.Context, id string, startAt time.Time) error {
	if err := f.failOn[id]; err != nil {
		return err
	}
	f.updates = append(f.updates, sessionUpdate{id: id, startAt: startAt})
	return nil
}

type fakeCache struct {
	patterns []string
}

func (f *fakeCache) DeleteByPattern(_ context.Context, pattern string) error {
	f.patterns = append(f.patterns, pattern)
	return nil
}

type timelineFixture struct {
	svc          *TimelineService
	mock         sqlmock.Sqlmock
	cohorts      *fakeTimelineCohorts
	sessions     *fakeSessions
	logs         *fakeShiftLogs
	installments *fakeShiftInstallments
	enrollments  *fakeShiftEnrollments
	mailer       *fakeMailer
	cache        *fakeCache
}

var cohortUpdatedAt = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func newTimelineFixture(t *testing.T, now time.Time) *timelineFixture {
	t.Helper()
	db, mock := newTxProvider(t)

	f := &timelineFixture{
		mock: mock,
		cohorts: &fakeTimelineCohorts{cohort: &models.Cohort{
			ID:        "coh-1",
			Name:      "March Cohort",
			StartDate: testCohortStart,
			EndDate:   testCohortStart.AddDate(0, 0, 12*7),
			Status:    models.CohortStatusActive,
			UpdatedAt: cohortUpdatedAt,
		}},
		sessions: &fakeSessions{
			sessions: []client.Session{
				{ID: "sess-1", Title: "Week 1", Status: "scheduled", StartAt: testCohortStart.Add(10 * time.Hour)},
				{ID: "sess-2", Title: "Week 2", Status: "scheduled", StartAt: testCohortStart.AddDate(0, 0, 7).Add(10 * time.Hour)},
				{ID: "sess-3", Title: "Week 3", Status: "in_progress", StartAt: testCohortStart.AddDate(0, 0, 14).Add(10 * time.Hour)},
				{ID: "sess-4", Title: "Orientation", Status: "completed", StartAt: testCohortStart.AddDate(0, 0, -3)},
			},
			failOn: map[string]error{},
		},
		logs:         &fakeShiftLogs{},
		installments: &fakeShiftInstallments{pending: 5},
		enrollments: &fakeShiftEnrollments{
			targets: []repository.NotifyTarget{
				{EnrollmentID: "enr-1", MemberID: "mem-1", MemberAuthID: "auth-1"},
				{EnrollmentID: "enr-2", MemberID: "mem-2", MemberAuthID: "auth-2"},
			},
			resets: 2,
		},
		mailer: &fakeMailer{},
		cache:  &fakeCache{},
	}
	members := &fakeMembers{contact: &client.MemberContact{MemberID: "mem-1", Email: "ada@example.com", FirstName: "Ada"}}

	f.svc = NewTimelineService(db, f.cohorts, f.enrollments, f.installments, f.logs,
		f.sessions, members, f.mailer, f.cache, testClock{t: now}, "https://app.example.com", nil, zap.NewNop())
	return f
}

func shiftBy14Days() dto.TimelineShiftRequest {
	return dto.TimelineShiftRequest{
		NewStartDate: testCohortStart.AddDate(0, 0, 14),
		NewEndDate:   testCohortStart.AddDate(0, 0, 12*7+14),
	}
}

func noopShift() dto.TimelineShiftRequest {
	return dto.TimelineShiftRequest{
		NewStartDate: testCohortStart,
		NewEndDate:   testCohortStart.AddDate(0, 0, 12*7),
	}
}

func TestTimelinePreviewRejectsChangedDuration(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))

	req := shiftBy14Days()
	req.NewEndDate = req.NewEndDate.AddDate(0, 0, 1)
	_, err := f.svc.Preview(context.Background(), "coh-1", req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidShiftWindow))
}

func TestTimelinePreviewReportsNoopAsApplied(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))

	preview, err := f.svc.Preview(context.Background(), "coh-1", noopShift())
	require.NoError(t, err)

	assert.True(t, preview.AlreadyApplied)
	assert.Zero(t, preview.DeltaSeconds)
	assert.Empty(t, preview.Sessions)
	assert.Zero(t, preview.PendingInstallments)
	assert.Zero(t, preview.MembersToNotify)
}

func TestTimelinePreviewNoopIgnoresStaleToken(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))

	req := noopShift()
	stale := cohortUpdatedAt.Add(-time.Hour)
	req.ExpectedUpdatedAt = &stale

	preview, err := f.svc.Preview(context.Background(), "coh-1", req)
	require.NoError(t, err)
	assert.True(t, preview.AlreadyApplied)
}

func TestTimelinePreviewReportsImpacts(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))

	preview, err := f.svc.Preview(context.Background(), "coh-1", shiftBy14Days())
	require.NoError(t, err)

	assert.Equal(t, int64(14*24*3600), preview.DeltaSeconds)
	assert.Equal(t, "14 day(s)", preview.DeltaHumanized)
	assert.False(t, preview.AlreadyApplied)
	assert.Equal(t, 3, preview.ShiftableCount)
	assert.Equal(t, 1, preview.BlockedCount)
	assert.Equal(t, 5, preview.PendingInstallments)
	assert.Equal(t, 2, preview.MembersToNotify)
	require.Len(t, preview.Sessions, 4)
	require.NotNil(t, preview.Sessions[0].ProposedAt)
	assert.True(t, preview.Sessions[0].ProposedAt.Equal(f.sessions.sessions[0].StartAt.AddDate(0, 0, 14)))
	assert.Nil(t, preview.Sessions[3].ProposedAt)

	// Preview never touches the sessions service.
	assert.Empty(t, f.sessions.updates)
	assert.Zero(t, f.cohorts.updated)
}

func TestTimelineApplyShiftsEverything(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	req := shiftBy14Days()
	key := "shift-abc"
	resp, err := f.svc.Apply(context.Background(), "coh-1", req, "admin-1", &key)
	require.NoError(t, err)

	// Every shiftable session moved by the delta; the completed one did not.
	require.Len(t, f.sessions.updates, 3)
	assert.Equal(t, "sess-1", f.sessions.updates[0].id)
	assert.True(t, f.sessions.updates[0].startAt.Equal(f.sessions.sessions[0].StartAt.AddDate(0, 0, 14)))

	require.Equal(t, 1, f.cohorts.updated)
	assert.True(t, f.cohorts.timelineStart.Equal(req.NewStartDate))
	assert.True(t, f.cohorts.timelineEnd.Equal(req.NewEndDate))
	assert.Equal(t, models.CohortStatusActive, f.cohorts.timelineStatus)

	require.Len(t, f.installments.shiftCalls, 1)
	assert.Equal(t, 14*24*time.Hour, f.installments.shiftCalls[0])
	assert.Equal(t, []string{"7_days", "3_days", "1_days"}, f.enrollments.resetKeys)

	assert.Len(t, f.mailer.sent, 2)
	assert.Equal(t, "cohort_timeline_changed", f.mailer.sent[0].Template)

	require.Len(t, f.logs.inserted, 1)
	logged := f.logs.inserted[0]
	require.NotNil(t, logged.IdempotencyKey)
	assert.Equal(t, "shift-abc", *logged.IdempotencyKey)
	assert.Equal(t, "admin-1", logged.ActorAuthID)
	assert.Contains(t, logged.Warnings, "session sess-4 (completed) kept its current time")

	assert.False(t, resp.Results.AlreadyApplied)
	assert.Equal(t, 3, resp.Results.SessionsShifted)
	assert.Equal(t, 1, resp.Results.SessionsSkipped)
	assert.Equal(t, 5, resp.Results.PendingInstallmentsShifted)
	assert.Equal(t, 2, resp.Results.ReminderResetsApplied)
	assert.Equal(t, 2, resp.Results.NotificationAttempts)
	assert.Equal(t, 2, resp.Results.NotificationSent)

	assert.Equal(t, []string{repository.CohortKeyPattern("coh-1")}, f.cache.patterns)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTimelineApplyNoopConsumesIdempotencyKey(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	key := "shift-noop"
	resp, err := f.svc.Apply(context.Background(), "coh-1", noopShift(), "admin-1", &key)
	require.NoError(t, err)

	assert.True(t, resp.Results.AlreadyApplied)
	assert.Zero(t, resp.DeltaSeconds)

	// The key is consumed by an audit row, but nothing else moves.
	require.Len(t, f.logs.inserted, 1)
	assert.True(t, f.logs.inserted[0].Results.AlreadyApplied)
	assert.Empty(t, f.sessions.updates)
	assert.Zero(t, f.cohorts.updated)
	assert.Empty(t, f.installments.shiftCalls)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTimelineApplyNoopIgnoresStaleToken(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	req := noopShift()
	stale := cohortUpdatedAt.Add(-time.Hour)
	req.ExpectedUpdatedAt = &stale

	resp, err := f.svc.Apply(context.Background(), "coh-1", req, "admin-1", nil)
	require.NoError(t, err)
	assert.True(t, resp.Results.AlreadyApplied)
	assert.Empty(t, f.sessions.updates)
	assert.Zero(t, f.cohorts.updated)
}

func TestTimelineApplyReplaysIdempotencyKey(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	key := "shift-abc"
	f.logs.prior = &models.CohortTimelineShiftLog{
		ID:             "log-0",
		CohortID:       "coh-1",
		IdempotencyKey: &key,
		Results:        models.TimelineShiftResults{SessionsShifted: 3, PendingInstallmentsShifted: 5},
	}

	resp, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", &key)
	require.NoError(t, err)

	// The stored results come back verbatim.
	assert.Equal(t, f.logs.prior.Results, resp.Results)
	assert.Equal(t, "log-0", resp.LogID)
	assert.Empty(t, f.sessions.updates)
	assert.Zero(t, f.cohorts.updated)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTimelineApplyRetryReturnsFirstResponse(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	key := "shift-abc"
	first, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", &key)
	require.NoError(t, err)

	second, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", &key)
	require.NoError(t, err)

	// A retried key gets the identical response; the saga did not run again.
	assert.Equal(t, *first, *second)
	assert.Len(t, f.sessions.updates, 3)
	assert.Equal(t, 1, f.cohorts.updated)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTimelineApplyRejectsStaleToken(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	req := shiftBy14Days()
	stale := cohortUpdatedAt.Add(-time.Hour)
	req.ExpectedUpdatedAt = &stale

	_, err := f.svc.Apply(context.Background(), "coh-1", req, "admin-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConcurrentModification))
	assert.Empty(t, f.sessions.updates)
}

func TestTimelineApplyRejectsFinishedCohort(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	f.cohorts.cohort.Status = models.CohortStatusCompleted

	_, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidShiftWindow))
	assert.Empty(t, f.sessions.updates)
	assert.Zero(t, f.cohorts.updated)
}

func TestTimelineApplySessionFailureCompensates(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	f.sessions.failOn["sess-3"] = errors.New("sessions service timeout")

	_, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrCollaboratorUnavailable))

	// The two sessions patched before the failure are restored, newest first.
	require.Len(t, f.sessions.updates, 4)
	assert.Equal(t, "sess-1", f.sessions.updates[0].id)
	assert.Equal(t, "sess-2", f.sessions.updates[1].id)
	assert.Equal(t, "sess-2", f.sessions.updates[2].id)
	assert.True(t, f.sessions.updates[2].startAt.Equal(f.sessions.sessions[1].StartAt))
	assert.Equal(t, "sess-1", f.sessions.updates[3].id)
	assert.True(t, f.sessions.updates[3].startAt.Equal(f.sessions.sessions[0].StartAt))

	assert.Zero(t, f.cohorts.updated)
	assert.Empty(t, f.installments.shiftCalls)
	assert.Empty(t, f.logs.inserted)
}

func TestTimelineApplyDbFailureRestoresShiftedSessions(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	f.cohorts.updateErr = errors.New("db down")

	_, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", nil)
	require.Error(t, err)

	// Exactly the three sessions this apply patched are restored to their
	// original times, newest first.
	require.Len(t, f.sessions.updates, 6)
	assert.Equal(t, "sess-3", f.sessions.updates[3].id)
	assert.True(t, f.sessions.updates[3].startAt.Equal(f.sessions.sessions[2].StartAt))
	assert.Equal(t, "sess-2", f.sessions.updates[4].id)
	assert.True(t, f.sessions.updates[4].startAt.Equal(f.sessions.sessions[1].StartAt))
	assert.Equal(t, "sess-1", f.sessions.updates[5].id)
	assert.True(t, f.sessions.updates[5].startAt.Equal(f.sessions.sessions[0].StartAt))

	assert.Empty(t, f.installments.shiftCalls)
	assert.Empty(t, f.logs.inserted)
}

func TestTimelineApplyDemotesActiveCohort(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	req := shiftBy14Days()
	demote := true
	req.SetStatusToOpenIfFuture = &demote

	resp, err := f.svc.Apply(context.Background(), "coh-1", req, "admin-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.CohortStatusOpen, f.cohorts.timelineStatus)
	assert.Contains(t, resp.Warnings, "cohort status moved back to OPEN")
}

func TestTimelineApplyReturnsWinnerOnInsertConflict(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	key := "shift-abc"
	f.logs.insertErr = appErrors.Clone(appErrors.ErrIdempotencyConflict, "duplicate idempotency key")
	f.logs.winner = &models.CohortTimelineShiftLog{
		ID:             "log-9",
		CohortID:       "coh-1",
		IdempotencyKey: &key,
		Results:        models.TimelineShiftResults{SessionsShifted: 3},
	}

	resp, err := f.svc.Apply(context.Background(), "coh-1", shiftBy14Days(), "admin-1", &key)
	require.NoError(t, err)
	assert.Equal(t, "log-9", resp.LogID)
	assert.Equal(t, f.logs.winner.Results, resp.Results)

	// The winner's committed session patches stand; no restore calls follow
	// the three forward patches.
	assert.Len(t, f.sessions.updates, 3)
	for _, u := range f.sessions.updates {
		assert.NotEqual(t, "sess-4", u.id)
	}
}

func TestTimelineListShifts(t *testing.T) {
	f := newTimelineFixture(t, testCohortStart.AddDate(0, 0, -30))
	f.logs.inserted = append(f.logs.inserted, &models.CohortTimelineShiftLog{ID: "log-1", CohortID: "coh-1"})

	out, total, err := f.svc.ListShifts(context.Background(), "coh-1", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, out, 1)
	assert.Equal(t, "log-1", out[0].LogID)
}
