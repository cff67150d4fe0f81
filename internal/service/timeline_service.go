package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/internal/repository"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
	"github.com/swimbuddz/academy-api/pkg/scheduler"
)

// startReminderKeys are the cohort-start reminder marks invalidated when the
// timeline moves, so members get a fresh countdown to the new date.
var startReminderKeys = []string{"7_days", "3_days", "1_days"}

// shiftableSessionStatuses are the session states the saga may reschedule.
// Completed or cancelled sessions keep their historical times.
var shiftableSessionStatuses = map[string]bool{
	"draft":       true,
	"scheduled":   true,
	"in_progress": true,
}

// notifyStatuses are the enrollment states that get a timeline-change email.
var notifyStatuses = []models.EnrollmentStatus{
	models.EnrollmentStatusEnrolled,
	models.EnrollmentStatusPendingApproval,
}

type timelineCohortStore interface {
	FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Cohort, error)
	FindDetailByID(ctx context.Context, id string) (*models.CohortDetail, error)
	UpdateTimeline(ctx context.Context, exec sqlx.ExtContext, id string, start, end time.Time, status models.CohortStatus) error
}

type shiftLogStore interface {
	Insert(ctx context.Context, exec sqlx.ExtContext, log *models.CohortTimelineShiftLog) error
	FindByKey(ctx context.Context, exec sqlx.ExtContext, cohortID, key string) (*models.CohortTimelineShiftLog, error)
	ListByCohort(ctx context.Context, cohortID string, page, pageSize int) ([]models.CohortTimelineShiftLog, int, error)
}

type shiftInstallmentStore interface {
	ShiftPendingByCohort(ctx context.Context, exec sqlx.ExtContext, cohortID string, delta time.Duration) (int, error)
	CountPendingByCohort(ctx context.Context, cohortID string) (int, error)
}

type shiftEnrollmentStore interface {
	ResetStartReminderKeys(ctx context.Context, exec sqlx.ExtContext, cohortID string, keys []string) (int, error)
	ListNotifyTargets(ctx context.Context, cohortID string, statuses []models.EnrollmentStatus) ([]repository.NotifyTarget, error)
}

type cacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

// TimelineService orchestrates cohort timeline shifts: the cohort dates, its
// scheduled sessions, pending installment due dates and start reminders all
// move together, members get notified, and an audit row records the outcome.
// Session updates live in another service, so the apply runs as a saga with
// reverse-order compensation when a mid-flight update fails.
type TimelineService struct {
	db           txProvider
	cohorts      timelineCohortStore
	enrollments  shiftEnrollmentStore
	installments shiftInstallmentStore
	shiftLogs    shiftLogStore
	sessions     client.Sessions
	members      client.Members
	mailer       client.Mailer
	cache        cacheInvalidator
	clock        scheduler.Clock
	frontendURL  string
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewTimelineService constructs the orchestrator.
func NewTimelineService(db txProvider, cohorts timelineCohortStore, enrollments shiftEnrollmentStore, installments shiftInstallmentStore, shiftLogs shiftLogStore, sessions client.Sessions, members client.Members, mailer client.Mailer, cache cacheInvalidator, clock scheduler.Clock, frontendURL string, metrics *MetricsService, logger *zap.Logger) *TimelineService {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineService{
		db:           db,
		cohorts:      cohorts,
		enrollments:  enrollments,
		installments: installments,
		shiftLogs:    shiftLogs,
		sessions:     sessions,
		members:      members,
		mailer:       mailer,
		cache:        cache,
		clock:        clock,
		frontendURL:  frontendURL,
		metrics:      metrics,
		logger:       logger,
	}
}

// validateWindow enforces the shift invariants: a positive window and an
// unchanged cohort duration. A zero delta is valid; it means the dates are
// already where the request wants them.
func validateWindow(oldStart, oldEnd, newStart, newEnd time.Time) (time.Duration, error) {
	if !newEnd.After(newStart) {
		return 0, appErrors.Clone(appErrors.ErrInvalidShiftWindow, "new_end_date must be after new_start_date")
	}
	if newEnd.Sub(newStart) != oldEnd.Sub(oldStart) {
		return 0, appErrors.Clone(appErrors.ErrInvalidShiftWindow,
			"cohort duration must not change; shift start and end by the same amount")
	}
	return newStart.Sub(oldStart), nil
}

// Preview reports what applying the shift would do, without mutating
// anything. Admins call this before committing a reschedule. A request whose
// dates already match the cohort reports already_applied with no impacts.
func (s *TimelineService) Preview(ctx context.Context, cohortID string, req dto.TimelineShiftRequest) (*dto.TimelineShiftPreview, error) {
	cohort, err := s.cohorts.FindDetailByID(ctx, cohortID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "cohort not found")
		}
		return nil, fmt.Errorf("load cohort: %w", err)
	}

	delta, err := validateWindow(cohort.StartDate, cohort.EndDate, req.NewStartDate, req.NewEndDate)
	if err != nil {
		return nil, err
	}
	alreadyApplied := req.NewStartDate.Equal(cohort.StartDate) && req.NewEndDate.Equal(cohort.EndDate)
	if !alreadyApplied && req.ExpectedUpdatedAt != nil && !cohort.UpdatedAt.Equal(*req.ExpectedUpdatedAt) {
		return nil, appErrors.Clone(appErrors.ErrConcurrentModification,
			"cohort was modified since it was read, re-fetch and retry")
	}
	opts := req.Options()

	preview := &dto.TimelineShiftPreview{
		CohortID:       cohortID,
		OldStartDate:   cohort.StartDate,
		OldEndDate:     cohort.EndDate,
		NewStartDate:   req.NewStartDate,
		NewEndDate:     req.NewEndDate,
		DeltaSeconds:   int64(delta.Seconds()),
		DeltaHumanized: humanizeDelta(delta),
		AlreadyApplied: alreadyApplied,
	}
	if alreadyApplied {
		return preview, nil
	}

	if opts.ShiftSessions {
		sessions, err := s.sessions.ListCohortSessions(ctx, cohortID)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			impact := dto.SessionImpact{
				SessionID: sess.ID,
				Title:     sess.Title,
				Status:    sess.Status,
				Shiftable: shiftableSessionStatuses[sess.Status],
				CurrentAt: sess.StartAt,
			}
			if impact.Shiftable {
				proposed := sess.StartAt.Add(delta)
				impact.ProposedAt = &proposed
				preview.ShiftableCount++
			} else {
				preview.BlockedCount++
				preview.Warnings = append(preview.Warnings,
					fmt.Sprintf("session %s (%s) will keep its current time", sess.ID, sess.Status))
			}
			preview.Sessions = append(preview.Sessions, impact)
		}
	}

	if opts.ShiftInstallments {
		pending, err := s.installments.CountPendingByCohort(ctx, cohortID)
		if err != nil {
			return nil, err
		}
		preview.PendingInstallments = pending
	}

	if opts.NotifyMembers {
		targets, err := s.enrollments.ListNotifyTargets(ctx, cohortID, notifyStatuses)
		if err != nil {
			return nil, err
		}
		preview.MembersToNotify = len(targets)
	}

	if opts.SetStatusToOpenIfFuture && cohort.Status == models.CohortStatusActive && req.NewStartDate.After(s.clock.Now()) {
		preview.Warnings = append(preview.Warnings, "cohort status will move back to OPEN")
	}
	return preview, nil
}

// shiftedSession remembers the original time for compensation.
type shiftedSession struct {
	id     string
	oldAt  time.Time
	status string
}

// Apply executes the shift. The cohort row is locked for the whole saga, and
// the idempotency key is checked under that lock so a duplicate submit
// serializes behind the first apply and replays its recorded outcome.
// External session updates run first so a failure there can abort before any
// database state moves, with the sessions this apply patched restored in
// reverse order. Dates that already match the request take the
// already-applied path: the key is consumed and success reported without
// re-running the saga.
func (s *TimelineService) Apply(ctx context.Context, cohortID string, req dto.TimelineShiftRequest, actorAuthID string, idempotencyKey *string) (*dto.TimelineShiftResponse, error) {
	var key string
	if idempotencyKey != nil {
		key = strings.TrimSpace(*idempotencyKey)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin timeline shift: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cohort, err := s.cohorts.FindByIDForUpdate(ctx, tx, cohortID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "cohort not found")
		}
		return nil, fmt.Errorf("lock cohort: %w", err)
	}

	if key != "" {
		prior, err := s.shiftLogs.FindByKey(ctx, tx, cohortID, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.replay(prior), nil
		}
	}

	if cohort.Status == models.CohortStatusCompleted || cohort.Status == models.CohortStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrInvalidShiftWindow,
			"cannot timeline-shift a completed or cancelled cohort")
	}

	delta, err := validateWindow(cohort.StartDate, cohort.EndDate, req.NewStartDate, req.NewEndDate)
	if err != nil {
		return nil, err
	}

	// A retry that arrives after the dates landed is not a conflict, even
	// with a stale concurrency token.
	alreadyApplied := req.NewStartDate.Equal(cohort.StartDate) && req.NewEndDate.Equal(cohort.EndDate)
	if !alreadyApplied && req.ExpectedUpdatedAt != nil && !cohort.UpdatedAt.Equal(*req.ExpectedUpdatedAt) {
		return nil, appErrors.Clone(appErrors.ErrConcurrentModification,
			"cohort was modified since it was read, re-fetch and retry")
	}

	opts := req.Options()
	now := s.clock.Now()
	log := s.logger.Sugar().With("cohort_id", cohortID, "delta", delta.String())

	var keyPtr *string
	if key != "" {
		keyPtr = &key
	}
	shiftLog := &models.CohortTimelineShiftLog{
		CohortID:       cohortID,
		IdempotencyKey: keyPtr,
		ActorAuthID:    actorAuthID,
		Reason:         req.Reason,
		OldStartDate:   cohort.StartDate,
		OldEndDate:     cohort.EndDate,
		NewStartDate:   req.NewStartDate,
		NewEndDate:     req.NewEndDate,
		DeltaSeconds:   int64(delta.Seconds()),
		Options:        opts,
		Warnings:       pq.StringArray{},
		CreatedAt:      now,
	}
	results := &shiftLog.Results

	if alreadyApplied {
		return s.recordAlreadyApplied(ctx, tx, cohortID, key, shiftLog)
	}

	var shifted []shiftedSession
	if opts.ShiftSessions {
		shifted, err = s.shiftSessions(ctx, cohortID, delta, shiftLog, log)
		if err != nil {
			return nil, err
		}
	}

	status := cohort.Status
	if opts.SetStatusToOpenIfFuture && status == models.CohortStatusActive && req.NewStartDate.After(now) {
		status = models.CohortStatusOpen
		shiftLog.Warnings = append(shiftLog.Warnings, "cohort status moved back to OPEN")
	}
	if err := s.cohorts.UpdateTimeline(ctx, tx, cohortID, req.NewStartDate, req.NewEndDate, status); err != nil {
		s.compensateSessions(ctx, shifted, log)
		return nil, err
	}

	if opts.ShiftInstallments {
		moved, err := s.installments.ShiftPendingByCohort(ctx, tx, cohortID, delta)
		if err != nil {
			s.compensateSessions(ctx, shifted, log)
			return nil, err
		}
		results.PendingInstallmentsShifted = moved
	}

	if opts.ResetStartReminders {
		reset, err := s.enrollments.ResetStartReminderKeys(ctx, tx, cohortID, startReminderKeys)
		if err != nil {
			s.compensateSessions(ctx, shifted, log)
			return nil, err
		}
		results.ReminderResetsApplied = reset
	}

	if opts.NotifyMembers {
		s.notifyMembers(ctx, cohortID, cohort, req, shiftLog, log)
	}

	if err := s.shiftLogs.Insert(ctx, tx, shiftLog); err != nil {
		if appErrors.Is(err, appErrors.ErrIdempotencyConflict) && key != "" {
			// A concurrent apply with the same key won and committed; its
			// session patches stand, so return its outcome untouched.
			winner, findErr := s.shiftLogs.FindByKey(ctx, nil, cohortID, key)
			if findErr == nil && winner != nil {
				return s.replay(winner), nil
			}
		}
		s.compensateSessions(ctx, shifted, log)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.compensateSessions(ctx, shifted, log)
		return nil, fmt.Errorf("commit timeline shift: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.DeleteByPattern(ctx, repository.CohortKeyPattern(cohortID)); err != nil {
			log.Warnw("cache invalidation failed", "error", err)
		}
	}

	s.metrics.RecordShiftApplied()
	log.Infow("timeline shift applied",
		"sessions_shifted", results.SessionsShifted,
		"installments_shifted", results.PendingInstallmentsShifted,
		"notified", results.NotificationSent)

	resp := dto.NewTimelineShiftResponse(shiftLog)
	return &resp, nil
}

// recordAlreadyApplied handles the zero-delta apply: the dates already match,
// so success is reported and, when a key was supplied, the key is consumed by
// an audit row so retries replay instead of re-validating.
func (s *TimelineService) recordAlreadyApplied(ctx context.Context, tx *sqlx.Tx, cohortID, key string, shiftLog *models.CohortTimelineShiftLog) (*dto.TimelineShiftResponse, error) {
	shiftLog.Results.AlreadyApplied = true

	if key == "" {
		resp := dto.NewTimelineShiftResponse(shiftLog)
		return &resp, nil
	}

	if err := s.shiftLogs.Insert(ctx, tx, shiftLog); err != nil {
		if appErrors.Is(err, appErrors.ErrIdempotencyConflict) {
			winner, findErr := s.shiftLogs.FindByKey(ctx, nil, cohortID, key)
			if findErr == nil && winner != nil {
				return s.replay(winner), nil
			}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit timeline shift: %w", err)
	}

	resp := dto.NewTimelineShiftResponse(shiftLog)
	return &resp, nil
}

// replay projects the stored audit row so a retried key gets the first
// response back unchanged.
func (s *TimelineService) replay(prior *models.CohortTimelineShiftLog) *dto.TimelineShiftResponse {
	resp := dto.NewTimelineShiftResponse(prior)
	return &resp
}

// shiftSessions patches every shiftable session to its new time, returning
// what moved so a later failure can restore exactly those sessions in
// reverse order.
func (s *TimelineService) shiftSessions(ctx context.Context, cohortID string, delta time.Duration, shiftLog *models.CohortTimelineShiftLog, log *zap.SugaredLogger) ([]shiftedSession, error) {
	sessions, err := s.sessions.ListCohortSessions(ctx, cohortID)
	if err != nil {
		return nil, err
	}

	var done []shiftedSession
	for _, sess := range sessions {
		if !shiftableSessionStatuses[sess.Status] {
			shiftLog.Results.SessionsSkipped++
			shiftLog.Warnings = append(shiftLog.Warnings,
				fmt.Sprintf("session %s (%s) kept its current time", sess.ID, sess.Status))
			continue
		}
		if err := s.sessions.UpdateSessionTime(ctx, sess.ID, sess.StartAt.Add(delta)); err != nil {
			log.Errorw("session shift failed, compensating", "session_id", sess.ID, "error", err)
			s.compensateSessions(ctx, done, log)
			return nil, appErrors.Wrap(err, appErrors.ErrCollaboratorUnavailable.Code,
				appErrors.ErrCollaboratorUnavailable.Status,
				fmt.Sprintf("failed to reschedule session %s", sess.ID))
		}
		done = append(done, shiftedSession{id: sess.ID, oldAt: sess.StartAt, status: sess.Status})
	}
	shiftLog.Results.SessionsShifted = len(done)
	return done, nil
}

// compensateSessions restores the sessions this apply patched to their
// original times, newest first. A failed restore is logged and skipped; the
// admin resolves those by hand.
func (s *TimelineService) compensateSessions(ctx context.Context, done []shiftedSession, log *zap.SugaredLogger) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := s.sessions.UpdateSessionTime(ctx, done[i].id, done[i].oldAt); err != nil {
			log.Errorw("session rollback failed, manual fix required",
				"session_id", done[i].id, "restore_to", done[i].oldAt, "error", err)
		}
	}
}

// notifyMembers emails active and pending members about the new dates.
// Notification failures never abort the shift; counts land in the audit row.
func (s *TimelineService) notifyMembers(ctx context.Context, cohortID string, cohort *models.Cohort, req dto.TimelineShiftRequest, shiftLog *models.CohortTimelineShiftLog, log *zap.SugaredLogger) {
	targets, err := s.enrollments.ListNotifyTargets(ctx, cohortID, notifyStatuses)
	if err != nil {
		log.Warnw("cannot list members to notify", "error", err)
		shiftLog.Warnings = append(shiftLog.Warnings, "member notification skipped: listing failed")
		return
	}

	for _, target := range targets {
		shiftLog.Results.NotificationAttempts++
		contact, err := s.members.GetContact(ctx, target.MemberID)
		if err != nil || contact == nil || contact.Email == "" {
			log.Warnw("member contact unavailable for shift notice",
				"member_id", target.MemberID, "error", err)
			continue
		}
		email := client.Email{
			To:       contact.Email,
			Subject:  fmt.Sprintf("%s: new cohort dates", cohort.Name),
			Template: "cohort_timeline_changed",
			Data: map[string]interface{}{
				"member_name":    contact.FirstName,
				"cohort_name":    cohort.Name,
				"old_start_date": cohort.StartDate.Format("2006-01-02"),
				"new_start_date": req.NewStartDate.Format("2006-01-02"),
				"new_end_date":   req.NewEndDate.Format("2006-01-02"),
				"reason":         derefOrEmpty(req.Reason),
				"enrollment_url": fmt.Sprintf("%s/account/academy/enrollments/%s", s.frontendURL, target.EnrollmentID),
			},
		}
		if err := s.mailer.Send(ctx, email); err != nil {
			log.Warnw("shift notice email failed", "member_id", target.MemberID, "error", err)
			continue
		}
		shiftLog.Results.NotificationSent++
	}
}

// ListShifts returns the cohort's audit trail, newest first.
func (s *TimelineService) ListShifts(ctx context.Context, cohortID string, page, pageSize int) ([]dto.TimelineShiftResponse, int, error) {
	logs, total, err := s.shiftLogs.ListByCohort(ctx, cohortID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	out := make([]dto.TimelineShiftResponse, 0, len(logs))
	for i := range logs {
		out = append(out, dto.NewTimelineShiftResponse(&logs[i]))
	}
	return out, total, nil
}

func humanizeDelta(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	switch {
	case days > 0 && hours > 0:
		return fmt.Sprintf("%s%dd %dh", sign, days, hours)
	case days > 0:
		return fmt.Sprintf("%s%d day(s)", sign, days)
	default:
		return fmt.Sprintf("%s%d hour(s)", sign, int(d.Hours()))
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
