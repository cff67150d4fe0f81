package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
	"github.com/swimbuddz/academy-api/pkg/scheduler"
)

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type enrollmentStore interface {
	FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ListByCohort(ctx context.Context, cohortID string, status models.EnrollmentStatus, page, pageSize int) ([]models.EnrollmentDetail, int, error)
	InitInstallmentPlan(ctx context.Context, exec sqlx.ExtContext, id string, total int, snapshotAmount int64, currency string) error
	UpdateBillingState(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error
	AppendReminderKey(ctx context.Context, exec sqlx.ExtContext, id, key string) error
}

type installmentStore interface {
	ListByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) ([]models.EnrollmentInstallment, error)
	BulkCreate(ctx context.Context, exec sqlx.ExtContext, installments []models.EnrollmentInstallment) error
	MarkPaid(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, number int, reference *string, paidAt time.Time) error
	MarkMissed(ctx context.Context, exec sqlx.ExtContext, enrollmentID string, numbers []int) error
	DeleteByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (int, error)
}

type cohortStore interface {
	FindDetailByID(ctx context.Context, id string) (*models.CohortDetail, error)
}

// EnrollmentService owns the installment plan lifecycle: creation, state
// derivation on read, payment settlement and dropout administration.
type EnrollmentService struct {
	db           txProvider
	enrollments  enrollmentStore
	installments installmentStore
	cohorts      cohortStore
	clock        scheduler.Clock
	grace        time.Duration
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewEnrollmentService constructs the service.
func NewEnrollmentService(db txProvider, enrollments enrollmentStore, installments installmentStore, cohorts cohortStore, clock scheduler.Clock, grace time.Duration, metrics *MetricsService, logger *zap.Logger) *EnrollmentService {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	if grace <= 0 {
		grace = GraceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		db:           db,
		enrollments:  enrollments,
		installments: installments,
		cohorts:      cohorts,
		clock:        clock,
		grace:        grace,
		metrics:      metrics,
		logger:       logger,
	}
}

// EnsurePlan creates the installment schedule for an opted-in enrollment if
// it does not exist yet, and returns it. Existing rows are returned as-is.
// The price and currency are snapshotted so later price edits never rewrite
// a live plan.
func (s *EnrollmentService) EnsurePlan(ctx context.Context, enrollmentID string) ([]models.EnrollmentInstallment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure plan: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	enrollment, err := s.enrollments.FindByIDForUpdate(ctx, tx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}

	existing, err := s.installments.ListByEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, tx.Commit()
	}

	if !enrollment.UsesInstallments {
		return nil, nil
	}
	if enrollment.PaymentStatus == models.PaymentStatusPaid {
		return nil, nil
	}
	if enrollment.CohortID == nil {
		return nil, nil
	}

	cohort, err := s.cohorts.FindDetailByID(ctx, *enrollment.CohortID)
	if err != nil {
		return nil, fmt.Errorf("load cohort: %w", err)
	}
	if !cohort.InstallmentPlanEnabled {
		return nil, nil
	}

	fee := cohort.TotalFee()
	if enrollment.PriceSnapshotAmount != nil {
		fee = *enrollment.PriceSnapshotAmount
	}

	schedule, err := BuildSchedule(ScheduleParams{
		TotalFee:        fee,
		DurationWeeks:   cohort.ProgramDurationWeeks,
		CohortStart:     cohort.StartDate,
		CountOverride:   cohort.InstallmentCount,
		DepositOverride: cohort.InstallmentDepositAmount,
	})
	if err != nil {
		return nil, err
	}
	for i := range schedule {
		schedule[i].EnrollmentID = enrollmentID
	}

	if err := s.installments.BulkCreate(ctx, tx, schedule); err != nil {
		return nil, err
	}
	if err := s.enrollments.InitInstallmentPlan(ctx, tx, enrollmentID, len(schedule), fee, cohort.ProgramCurrency); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure plan: %w", err)
	}

	s.logger.Sugar().Infow("installment plan created",
		"enrollment_id", enrollmentID, "installments", len(schedule), "total_fee", fee)
	return schedule, nil
}

// SyncResult reports what a sync-on-read changed.
type SyncResult struct {
	Enrollment     *models.Enrollment
	Installments   []models.EnrollmentInstallment
	NewlyMissed    []int
	NewlyEscalated bool
}

// syncLocked runs the overdue sweep and state derivation for an enrollment
// already locked in tx, persisting whatever changed.
func (s *EnrollmentService) syncLocked(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment, cohort *models.CohortDetail, now time.Time) (*SyncResult, error) {
	installments, err := s.installments.ListByEnrollment(ctx, tx, enrollment.ID)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Enrollment: enrollment, Installments: installments}
	if len(installments) == 0 {
		return result, nil
	}

	result.NewlyMissed = MarkOverdue(installments, now, s.grace)
	if len(result.NewlyMissed) > 0 {
		if err := s.installments.MarkMissed(ctx, tx, enrollment.ID, result.NewlyMissed); err != nil {
			return nil, err
		}
		s.metrics.RecordInstallmentsMissed(len(result.NewlyMissed))
	}

	before := enrollment.Status
	if err := SyncEnrollmentState(enrollment, installments, SyncContext{
		DurationWeeks:        cohort.ProgramDurationWeeks,
		CohortStart:          cohort.StartDate,
		RequireApproval:      cohort.RequireApproval,
		AdminDropoutApproval: cohort.AdminDropoutApproval,
		Now:                  now,
	}); err != nil {
		return nil, err
	}
	result.NewlyEscalated = before != enrollment.Status &&
		(enrollment.Status == models.EnrollmentStatusDropoutPending || enrollment.Status == models.EnrollmentStatusDropped)
	if result.NewlyEscalated {
		s.metrics.RecordDropoutEscalation()
	}

	if err := s.enrollments.UpdateBillingState(ctx, tx, enrollment); err != nil {
		return nil, err
	}
	return result, nil
}

// Sync locks the enrollment, sweeps overdue installments and rederives its
// state. This is the sync-on-read entry point and the per-enrollment unit of
// the compliance sweep.
func (s *EnrollmentService) Sync(ctx context.Context, enrollmentID string) (*SyncResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	enrollment, err := s.enrollments.FindByIDForUpdate(ctx, tx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}
	if enrollment.CohortID == nil {
		return &SyncResult{Enrollment: enrollment}, tx.Commit()
	}
	cohort, err := s.cohorts.FindDetailByID(ctx, *enrollment.CohortID)
	if err != nil {
		return nil, fmt.Errorf("load cohort: %w", err)
	}

	result, err := s.syncLocked(ctx, tx, enrollment, cohort, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync: %w", err)
	}
	return result, nil
}

// GetDetail returns a freshly synced enrollment view.
func (s *EnrollmentService) GetDetail(ctx context.Context, enrollmentID string) (*dto.EnrollmentView, error) {
	if _, err := s.Sync(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return s.buildView(ctx, enrollmentID)
}

// GetForMember returns the member's own enrollment, freshly synced.
func (s *EnrollmentService) GetForMember(ctx context.Context, enrollmentID, memberAuthID string) (*dto.EnrollmentView, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, err
	}
	if detail.MemberAuthID != memberAuthID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another member")
	}
	return s.GetDetail(ctx, enrollmentID)
}

// ListByCohort returns enrollments for admin listings. Enrollments holding an
// installment plan are synced first so the listing reflects current overdue
// state; a failed sync is logged and the stored row is served as-is.
func (s *EnrollmentService) ListByCohort(ctx context.Context, cohortID string, status models.EnrollmentStatus, page, pageSize int) ([]models.EnrollmentDetail, int, error) {
	details, total, err := s.enrollments.ListByCohort(ctx, cohortID, status, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	refreshed := false
	for i := range details {
		if !details[i].UsesInstallments {
			continue
		}
		if _, err := s.Sync(ctx, details[i].ID); err != nil {
			s.logger.Sugar().Warnw("enrollment sync failed during listing",
				"enrollment_id", details[i].ID, "error", err)
			continue
		}
		refreshed = true
	}
	if refreshed {
		return s.enrollments.ListByCohort(ctx, cohortID, status, page, pageSize)
	}
	return details, total, nil
}

// MarkPaid settles an installment (or the entire plan) and rederives state.
func (s *EnrollmentService) MarkPaid(ctx context.Context, enrollmentID string, req dto.MarkPaidRequest) (*dto.EnrollmentView, error) {
	now := s.clock.Now()
	if req.PaidAt != nil {
		now = *req.PaidAt
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark paid: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	enrollment, err := s.enrollments.FindByIDForUpdate(ctx, tx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}

	var cohort *models.CohortDetail
	if enrollment.CohortID != nil {
		cohort, err = s.cohorts.FindDetailByID(ctx, *enrollment.CohortID)
		if err != nil {
			return nil, fmt.Errorf("load cohort: %w", err)
		}
	}

	installments, err := s.installments.ListByEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		return nil, err
	}

	switch {
	case len(installments) == 0:
		// No plan: settle the enrollment directly.
		enrollment.PaymentStatus = models.PaymentStatusPaid
		enrollment.PaymentReference = req.PaymentReference
		enrollment.PaidAt = &now
		s.maybePromote(enrollment, cohort)
		if err := s.enrollments.UpdateBillingState(ctx, tx, enrollment); err != nil {
			return nil, err
		}

	case req.ClearInstallments:
		// Full payoff: remove the plan and reset the derived counters. The
		// behavioral history goes with the plan; the member settled in full.
		if _, err := s.installments.DeleteByEnrollment(ctx, tx, enrollmentID); err != nil {
			return nil, err
		}
		enrollment.UsesInstallments = false
		enrollment.TotalInstallments = 0
		enrollment.PaidInstallmentsCount = 0
		enrollment.MissedInstallmentsCount = 0
		enrollment.AccessSuspended = false
		enrollment.PaymentStatus = models.PaymentStatusPaid
		enrollment.PaidAt = &now
		if req.PaymentReference != nil {
			enrollment.PaymentReference = req.PaymentReference
		}
		s.maybePromote(enrollment, cohort)
		if err := s.enrollments.UpdateBillingState(ctx, tx, enrollment); err != nil {
			return nil, err
		}

	default:
		target, err := pickInstallment(installments, req)
		if err != nil {
			return nil, err
		}
		if target != nil && !target.Settled() {
			if err := s.installments.MarkPaid(ctx, tx, enrollmentID, target.InstallmentNumber, req.PaymentReference, now); err != nil {
				return nil, err
			}
			target.Status = models.InstallmentStatusPaid
			target.PaidAt = &now
			target.PaymentReference = req.PaymentReference
		}
		if req.PaymentReference != nil {
			enrollment.PaymentReference = req.PaymentReference
		}
		if cohort == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment has no cohort")
		}
		if _, err := s.syncLocked(ctx, tx, enrollment, cohort, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark paid: %w", err)
	}
	return s.buildView(ctx, enrollmentID)
}

// AdminDropoutAction resolves a DROPOUT_PENDING enrollment. Approval drops
// the member for good; reversal reinstates them without erasing the missed
// count.
func (s *EnrollmentService) AdminDropoutAction(ctx context.Context, enrollmentID string, req dto.DropoutActionRequest, actorID string) (*dto.EnrollmentView, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dropout action: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	enrollment, err := s.enrollments.FindByIDForUpdate(ctx, tx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}
	if enrollment.Status != models.EnrollmentStatusDropoutPending {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("enrollment is not in dropout_pending state (current: %s)", enrollment.Status))
	}

	var cohort *models.CohortDetail
	if enrollment.CohortID != nil {
		cohort, err = s.cohorts.FindDetailByID(ctx, *enrollment.CohortID)
		if err != nil {
			return nil, fmt.Errorf("load cohort: %w", err)
		}
	}

	switch req.Action {
	case dto.DropoutActionApprove:
		enrollment.Status = models.EnrollmentStatusDropped
		enrollment.AccessSuspended = true
		enrollment.PaymentStatus = models.PaymentStatusFailed
		s.logger.Sugar().Infow("dropout approved", "enrollment_id", enrollmentID, "actor", actorID)

	case dto.DropoutActionReverse:
		requiresApproval := cohort != nil && cohort.RequireApproval
		reinstated := models.EnrollmentStatusEnrolled
		if requiresApproval {
			reinstated = models.EnrollmentStatusPendingApproval
		}
		enrollment.Status = reinstated
		enrollment.AccessSuspended = false
		enrollment.PaymentStatus = models.PaymentStatusPaid

		// Re-sync so access reflects the actual installment state; the missed
		// count is permanent and stays untouched.
		if cohort != nil {
			installments, err := s.installments.ListByEnrollment(ctx, tx, enrollmentID)
			if err != nil {
				return nil, err
			}
			if err := SyncEnrollmentState(enrollment, installments, SyncContext{
				DurationWeeks:        cohort.ProgramDurationWeeks,
				CohortStart:          cohort.StartDate,
				RequireApproval:      requiresApproval,
				AdminDropoutApproval: cohort.AdminDropoutApproval,
				Now:                  s.clock.Now(),
			}); err != nil {
				return nil, err
			}
			// The admin reinstated manually; the sync must not park the
			// enrollment back in a dropout state.
			if enrollment.Status == models.EnrollmentStatusDropped || enrollment.Status == models.EnrollmentStatusDropoutPending {
				enrollment.Status = reinstated
			}
		}
		s.logger.Sugar().Infow("dropout reversed", "enrollment_id", enrollmentID, "actor", actorID)

	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid action, must be 'approve' or 'reverse'")
	}

	if err := s.enrollments.UpdateBillingState(ctx, tx, enrollment); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dropout action: %w", err)
	}
	return s.buildView(ctx, enrollmentID)
}

func (s *EnrollmentService) maybePromote(e *models.Enrollment, cohort *models.CohortDetail) {
	if e.Status != models.EnrollmentStatusPendingApproval {
		return
	}
	if cohort == nil || !cohort.RequireApproval {
		e.Status = models.EnrollmentStatusEnrolled
	}
}

func pickInstallment(installments []models.EnrollmentInstallment, req dto.MarkPaidRequest) (*models.EnrollmentInstallment, error) {
	if req.InstallmentID != nil {
		for i := range installments {
			if installments[i].ID == *req.InstallmentID {
				return &installments[i], nil
			}
		}
		return nil, appErrors.Clone(appErrors.ErrValidation, "installment_id is invalid")
	}
	if req.InstallmentNumber != nil {
		for i := range installments {
			if installments[i].InstallmentNumber == *req.InstallmentNumber {
				return &installments[i], nil
			}
		}
		return nil, appErrors.Clone(appErrors.ErrValidation, "installment_number is invalid")
	}
	for i := range installments {
		if !installments[i].Settled() {
			return &installments[i], nil
		}
	}
	return nil, nil
}

func (s *EnrollmentService) buildView(ctx context.Context, enrollmentID string) (*dto.EnrollmentView, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment detail: %w", err)
	}
	installments, err := s.installments.ListByEnrollment(ctx, nil, enrollmentID)
	if err != nil {
		return nil, err
	}

	view := &dto.EnrollmentView{
		ID:                      detail.ID,
		MemberID:                detail.MemberID,
		ProgramID:               detail.ProgramID,
		ProgramName:             detail.ProgramName,
		CohortID:                detail.CohortID,
		CohortName:              detail.CohortName,
		Status:                  detail.Status,
		PaymentStatus:           detail.PaymentStatus,
		UsesInstallments:        detail.UsesInstallments,
		AccessSuspended:         detail.AccessSuspended,
		MissedInstallmentsCount: detail.MissedInstallmentsCount,
		PaidInstallmentsCount:   detail.PaidInstallmentsCount,
		TotalInstallments:       detail.TotalInstallments,
	}
	currency := detail.Currency()
	for _, ins := range installments {
		view.Installments = append(view.Installments, dto.NewInstallmentView(ins, currency))
		if !ins.Settled() {
			view.OutstandingAmount += ins.Amount
			if view.NextDueAt == nil || ins.DueAt.Before(*view.NextDueAt) {
				due := ins.DueAt
				view.NextDueAt = &due
			}
		}
	}
	return view, nil
}
