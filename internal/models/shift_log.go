package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// TimelineShiftOptions records which propagation steps a shift requested.
// Persisted as JSONB on the audit row.
type TimelineShiftOptions struct {
	ShiftSessions           bool `json:"shift_sessions"`
	ShiftInstallments       bool `json:"shift_installments"`
	ResetStartReminders     bool `json:"reset_start_reminders"`
	NotifyMembers           bool `json:"notify_members"`
	SetStatusToOpenIfFuture bool `json:"set_status_to_open_if_future"`
}

// Value marshals options to JSON for persistence.
func (o TimelineShiftOptions) Value() (driver.Value, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal shift options: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the options struct.
func (o *TimelineShiftOptions) Scan(value interface{}) error {
	return scanJSON(value, o, "shift options")
}

// TimelineShiftResults captures the counts an apply produced. Replays of the
// same idempotency key return these verbatim.
type TimelineShiftResults struct {
	AlreadyApplied             bool `json:"already_applied"`
	SessionsShifted            int  `json:"sessions_shifted"`
	SessionsSkipped            int  `json:"sessions_skipped"`
	PendingInstallmentsShifted int  `json:"pending_installments_shifted"`
	ReminderResetsApplied      int  `json:"reminder_resets_applied"`
	NotificationAttempts       int  `json:"notification_attempts"`
	NotificationSent           int  `json:"notification_sent"`
}

// Value marshals results to JSON for persistence.
func (r TimelineShiftResults) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal shift results: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the results struct.
func (r *TimelineShiftResults) Scan(value interface{}) error {
	return scanJSON(value, r, "shift results")
}

// CohortTimelineShiftLog is the append-only audit row for an applied (or
// replayed) timeline shift. Unique on (cohort_id, idempotency_key).
type CohortTimelineShiftLog struct {
	ID             string               `db:"id" json:"id"`
	CohortID       string               `db:"cohort_id" json:"cohort_id"`
	IdempotencyKey *string              `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ActorAuthID    string               `db:"actor_auth_id" json:"actor_auth_id"`
	Reason         *string              `db:"reason" json:"reason,omitempty"`
	OldStartDate   time.Time            `db:"old_start_date" json:"old_start_date"`
	OldEndDate     time.Time            `db:"old_end_date" json:"old_end_date"`
	NewStartDate   time.Time            `db:"new_start_date" json:"new_start_date"`
	NewEndDate     time.Time            `db:"new_end_date" json:"new_end_date"`
	DeltaSeconds   int64                `db:"delta_seconds" json:"delta_seconds"`
	Options        TimelineShiftOptions `db:"options" json:"options"`
	Results        TimelineShiftResults `db:"results" json:"results"`
	Warnings       pq.StringArray       `db:"warnings" json:"warnings"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
}

func scanJSON(value interface{}, dest interface{}, what string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported %s type %T", what, value)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}
