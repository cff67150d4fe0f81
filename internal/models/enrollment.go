package models

import (
	"time"

	"github.com/lib/pq"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPendingApproval EnrollmentStatus = "PENDING_APPROVAL"
	EnrollmentStatusWaitlist        EnrollmentStatus = "WAITLIST"
	EnrollmentStatusEnrolled        EnrollmentStatus = "ENROLLED"
	EnrollmentStatusDropoutPending  EnrollmentStatus = "DROPOUT_PENDING"
	EnrollmentStatusDropped         EnrollmentStatus = "DROPPED"
	EnrollmentStatusGraduated       EnrollmentStatus = "GRADUATED"
)

// PaymentStatus tracks the financial state of an enrollment.
type PaymentStatus string

// Possible payment statuses.
const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
	PaymentStatusWaived  PaymentStatus = "WAIVED"
)

// InstallmentStatus tracks a single installment's state. MISSED is permanent
// on the installment row even if the amount is settled later.
type InstallmentStatus string

// Possible installment statuses.
const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusWaived  InstallmentStatus = "WAIVED"
	InstallmentStatusMissed  InstallmentStatus = "MISSED"
)

// Enrollment links a member to a program and (usually) a cohort, and carries
// the derived installment-billing state.
type Enrollment struct {
	ID           string  `db:"id" json:"id"`
	MemberID     string  `db:"member_id" json:"member_id"`
	MemberAuthID string  `db:"member_auth_id" json:"member_auth_id"`
	ProgramID    string  `db:"program_id" json:"program_id"`
	CohortID     *string `db:"cohort_id" json:"cohort_id,omitempty"`

	Status           EnrollmentStatus `db:"status" json:"status"`
	PaymentStatus    PaymentStatus    `db:"payment_status" json:"payment_status"`
	PaymentReference *string          `db:"payment_reference" json:"payment_reference,omitempty"`
	PaidAt           *time.Time       `db:"paid_at" json:"paid_at,omitempty"`

	// UsesInstallments is set once at checkout opt-in. Background jobs never
	// enable it.
	UsesInstallments bool `db:"uses_installments" json:"uses_installments"`
	AccessSuspended  bool `db:"access_suspended" json:"access_suspended"`

	// MissedInstallmentsCount is a permanent behavioral counter. It only ever
	// increases, even across admin dropout reversals.
	MissedInstallmentsCount int `db:"missed_installments_count" json:"missed_installments_count"`
	PaidInstallmentsCount   int `db:"paid_installments_count" json:"paid_installments_count"`
	TotalInstallments       int `db:"total_installments" json:"total_installments"`

	// RemindersSent holds reminder and deduction-attempt dedup keys.
	RemindersSent pq.StringArray `db:"reminders_sent" json:"reminders_sent"`

	// Price snapshot frozen at schedule creation so later price edits do not
	// retroactively change an existing plan.
	PriceSnapshotAmount *int64  `db:"price_snapshot_amount" json:"price_snapshot_amount,omitempty"`
	CurrencySnapshot    *string `db:"currency_snapshot" json:"currency_snapshot,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasReminderKey reports whether the dedup key was already recorded.
func (e *Enrollment) HasReminderKey(key string) bool {
	for _, k := range e.RemindersSent {
		if k == key {
			return true
		}
	}
	return false
}

// Currency returns the snapshot currency, defaulting to NGN.
func (e *Enrollment) Currency() string {
	if e.CurrencySnapshot != nil && *e.CurrencySnapshot != "" {
		return *e.CurrencySnapshot
	}
	return "NGN"
}

// EnrollmentInstallment is one scheduled partial payment toward an
// enrollment's total fee. Amount is in minor currency units.
type EnrollmentInstallment struct {
	ID                string            `db:"id" json:"id"`
	EnrollmentID      string            `db:"enrollment_id" json:"enrollment_id"`
	InstallmentNumber int               `db:"installment_number" json:"installment_number"`
	Amount            int64             `db:"amount" json:"amount"`
	DueAt             time.Time         `db:"due_at" json:"due_at"`
	Status            InstallmentStatus `db:"status" json:"status"`
	PaidAt            *time.Time        `db:"paid_at" json:"paid_at,omitempty"`
	PaymentReference  *string           `db:"payment_reference" json:"payment_reference,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Settled reports whether the installment no longer requires payment.
func (i *EnrollmentInstallment) Settled() bool {
	return i.Status == InstallmentStatusPaid || i.Status == InstallmentStatusWaived
}

// EnrollmentDetail bundles an enrollment with its cohort/program context.
type EnrollmentDetail struct {
	Enrollment
	CohortName           string    `db:"cohort_name" json:"cohort_name"`
	CohortStartDate      time.Time `db:"cohort_start_date" json:"cohort_start_date"`
	CohortEndDate        time.Time `db:"cohort_end_date" json:"cohort_end_date"`
	CohortRequireApproval bool     `db:"cohort_require_approval" json:"cohort_require_approval"`
	CohortDropoutApproval bool     `db:"cohort_dropout_approval" json:"cohort_dropout_approval"`
	ProgramName          string    `db:"program_name" json:"program_name"`
	ProgramDurationWeeks int       `db:"program_duration_weeks" json:"program_duration_weeks"`
}

// DueInstallment pairs a due installment with the enrollment context the
// billing workers need.
type DueInstallment struct {
	EnrollmentInstallment
	EnrollmentStatus     EnrollmentStatus `db:"enrollment_status"`
	MemberID             string           `db:"member_id"`
	MemberAuthID         string           `db:"member_auth_id"`
	TotalInstallments    int              `db:"total_installments"`
	CurrencySnapshot     *string          `db:"currency_snapshot"`
	RemindersSent        pq.StringArray   `db:"reminders_sent"`
	ProgramName          string           `db:"program_name"`
	CohortName           string           `db:"cohort_name"`
}

// InstallmentCurrency returns the enrollment snapshot currency for the row.
func (d *DueInstallment) InstallmentCurrency() string {
	if d.CurrencySnapshot != nil && *d.CurrencySnapshot != "" {
		return *d.CurrencySnapshot
	}
	return "NGN"
}

// HasReminderKey reports whether the dedup key was already recorded.
func (d *DueInstallment) HasReminderKey(key string) bool {
	for _, k := range d.RemindersSent {
		if k == key {
			return true
		}
	}
	return false
}
