package dto

import (
	"time"

	"github.com/swimbuddz/academy-api/internal/models"
)

// TimelineShiftRequest moves a cohort's start and end dates by the same
// amount. ExpectedUpdatedAt is the optimistic-concurrency token read with the
// cohort; a stale token rejects the request unless the cohort dates already
// match, which reports already_applied instead.
type TimelineShiftRequest struct {
	NewStartDate time.Time `json:"new_start_date" binding:"required"`
	NewEndDate   time.Time `json:"new_end_date" binding:"required"`

	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
	Reason            *string    `json:"reason"`

	ShiftSessions           *bool `json:"shift_sessions"`
	ShiftInstallments       *bool `json:"shift_installments"`
	ResetStartReminders     *bool `json:"reset_start_reminders"`
	NotifyMembers           *bool `json:"notify_members"`
	SetStatusToOpenIfFuture *bool `json:"set_status_to_open_if_future"`
}

// Options resolves the request toggles against their defaults. Every
// propagation step defaults on except the status demotion.
func (r *TimelineShiftRequest) Options() models.TimelineShiftOptions {
	opt := models.TimelineShiftOptions{
		ShiftSessions:       true,
		ShiftInstallments:   true,
		ResetStartReminders: true,
		NotifyMembers:       true,
	}
	if r.ShiftSessions != nil {
		opt.ShiftSessions = *r.ShiftSessions
	}
	if r.ShiftInstallments != nil {
		opt.ShiftInstallments = *r.ShiftInstallments
	}
	if r.ResetStartReminders != nil {
		opt.ResetStartReminders = *r.ResetStartReminders
	}
	if r.NotifyMembers != nil {
		opt.NotifyMembers = *r.NotifyMembers
	}
	if r.SetStatusToOpenIfFuture != nil {
		opt.SetStatusToOpenIfFuture = *r.SetStatusToOpenIfFuture
	}
	return opt
}

// SessionImpact previews how one scheduled session would be affected.
type SessionImpact struct {
	SessionID  string     `json:"session_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Shiftable  bool       `json:"shiftable"`
	CurrentAt  time.Time  `json:"current_at"`
	ProposedAt *time.Time `json:"proposed_at,omitempty"`
}

// TimelineShiftPreview reports what an apply with the same payload would do,
// without mutating anything. AlreadyApplied means the cohort dates already
// match the request; impact sections are skipped in that case.
type TimelineShiftPreview struct {
	CohortID            string          `json:"cohort_id"`
	OldStartDate        time.Time       `json:"old_start_date"`
	OldEndDate          time.Time       `json:"old_end_date"`
	NewStartDate        time.Time       `json:"new_start_date"`
	NewEndDate          time.Time       `json:"new_end_date"`
	DeltaSeconds        int64           `json:"delta_seconds"`
	DeltaHumanized      string          `json:"delta_humanized"`
	AlreadyApplied      bool            `json:"already_applied"`
	Sessions            []SessionImpact `json:"sessions"`
	ShiftableCount      int             `json:"shiftable_count"`
	BlockedCount        int             `json:"blocked_count"`
	PendingInstallments int             `json:"pending_installments"`
	MembersToNotify     int             `json:"members_to_notify"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// TimelineShiftResponse is the apply (or replay) outcome.
type TimelineShiftResponse struct {
	LogID          string                      `json:"log_id"`
	CohortID       string                      `json:"cohort_id"`
	IdempotencyKey *string                     `json:"idempotency_key,omitempty"`
	OldStartDate   time.Time                   `json:"old_start_date"`
	OldEndDate     time.Time                   `json:"old_end_date"`
	NewStartDate   time.Time                   `json:"new_start_date"`
	NewEndDate     time.Time                   `json:"new_end_date"`
	DeltaSeconds   int64                       `json:"delta_seconds"`
	Options        models.TimelineShiftOptions `json:"options"`
	Results        models.TimelineShiftResults `json:"results"`
	Warnings       []string                    `json:"warnings,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
}

// NewTimelineShiftResponse projects a persisted audit row.
func NewTimelineShiftResponse(log *models.CohortTimelineShiftLog) TimelineShiftResponse {
	return TimelineShiftResponse{
		LogID:          log.ID,
		CohortID:       log.CohortID,
		IdempotencyKey: log.IdempotencyKey,
		OldStartDate:   log.OldStartDate,
		OldEndDate:     log.OldEndDate,
		NewStartDate:   log.NewStartDate,
		NewEndDate:     log.NewEndDate,
		DeltaSeconds:   log.DeltaSeconds,
		Options:        log.Options,
		Results:        log.Results,
		Warnings:       log.Warnings,
		CreatedAt:      log.CreatedAt,
	}
}
