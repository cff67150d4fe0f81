package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/pkg/jobs"
)

// DropoutNoticePayload carries the context an admin needs to review a
// pending dropout. It is the payload type of the billing notice queue.
type DropoutNoticePayload struct {
	EnrollmentID string
	MemberID     string
	MissedCount  int
}

type overdueEnrollmentStore interface {
	ListOverdueEnrollments(ctx context.Context, cutoff time.Time) ([]string, error)
}

type enrollmentSyncer interface {
	Sync(ctx context.Context, enrollmentID string) (*SyncResult, error)
}

type enrollmentDetailReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
}

type noticeEnqueuer interface {
	Enqueue(job jobs.Job[DropoutNoticePayload]) error
}

// ComplianceService is the periodic sweep that marks overdue installments
// MISSED and rederives enrollment state, catching enrollments nobody has
// read since their grace window lapsed. It never creates plans; it only
// reacts to schedules that already exist.
type ComplianceService struct {
	installments overdueEnrollmentStore
	enrollments  enrollmentDetailReader
	syncer       enrollmentSyncer
	queue        noticeEnqueuer
	grace        time.Duration
	logger       *zap.Logger
}

// NewComplianceService constructs the sweep.
func NewComplianceService(installments overdueEnrollmentStore, enrollments enrollmentDetailReader, syncer enrollmentSyncer, queue noticeEnqueuer, grace time.Duration, logger *zap.Logger) *ComplianceService {
	if grace <= 0 {
		grace = GraceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceService{
		installments: installments,
		enrollments:  enrollments,
		syncer:       syncer,
		queue:        queue,
		grace:        grace,
		logger:       logger,
	}
}

// RunOnce sweeps every enrollment holding installments past the grace
// cutoff. Per-enrollment failures are logged and the sweep moves on.
func (s *ComplianceService) RunOnce(ctx context.Context, now time.Time) error {
	ids, err := s.installments.ListOverdueEnrollments(ctx, now.Add(-s.grace))
	if err != nil {
		return fmt.Errorf("load overdue enrollments: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	log := s.logger.Sugar()
	swept, escalated := 0, 0
	for _, id := range ids {
		result, err := s.syncer.Sync(ctx, id)
		if err != nil {
			log.Warnw("compliance sync failed", "enrollment_id", id, "error", err)
			continue
		}
		swept++
		if result.NewlyEscalated && result.Enrollment.Status == models.EnrollmentStatusDropoutPending {
			escalated++
			s.enqueueDropoutNotice(result.Enrollment, log)
		}
	}

	log.Infow("compliance sweep complete", "candidates", len(ids), "swept", swept, "escalated", escalated)
	return nil
}

func (s *ComplianceService) enqueueDropoutNotice(e *models.Enrollment, log *zap.SugaredLogger) {
	if s.queue == nil {
		return
	}
	err := s.queue.Enqueue(jobs.Job[DropoutNoticePayload]{
		ID: uuid.NewString(),
		Payload: DropoutNoticePayload{
			EnrollmentID: e.ID,
			MemberID:     e.MemberID,
			MissedCount:  e.MissedInstallmentsCount,
		},
	})
	if err != nil {
		log.Errorw("failed to enqueue dropout notice", "enrollment_id", e.ID, "error", err)
	}
}

// DropoutNoticeHandler builds the queue handler that emails admins about an
// enrollment awaiting a dropout decision.
func DropoutNoticeHandler(enrollments enrollmentDetailReader, members client.Members, mailer client.Mailer, adminEmail string, logger *zap.Logger) jobs.Handler[DropoutNoticePayload] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobs.Job[DropoutNoticePayload]) error {
		payload := job.Payload
		if adminEmail == "" {
			logger.Sugar().Warnw("no admin email configured, dropping dropout notice",
				"enrollment_id", payload.EnrollmentID)
			return nil
		}

		detail, err := enrollments.FindDetailByID(ctx, payload.EnrollmentID)
		if err != nil {
			return fmt.Errorf("load enrollment %s: %w", payload.EnrollmentID, err)
		}

		memberName := ""
		if contact, err := members.GetContact(ctx, payload.MemberID); err == nil && contact != nil {
			memberName = contact.FirstName
		} else if err != nil {
			logger.Sugar().Warnw("member contact lookup failed for dropout notice",
				"member_id", payload.MemberID, "error", err)
		}

		email := client.Email{
			To:       adminEmail,
			Subject:  "Enrollment pending dropout review",
			Template: "admin_dropout_pending",
			Data: map[string]interface{}{
				"enrollment_id":       payload.EnrollmentID,
				"member_id":           payload.MemberID,
				"member_name":         memberName,
				"program_name":        detail.ProgramName,
				"cohort_name":         detail.CohortName,
				"missed_installments": payload.MissedCount,
			},
		}
		if err := mailer.Send(ctx, email); err != nil {
			return fmt.Errorf("send dropout notice: %w", err)
		}
		logger.Sugar().Infow("dropout notice sent", "enrollment_id", payload.EnrollmentID)
		return nil
	}
}
