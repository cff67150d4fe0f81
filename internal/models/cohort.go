package models

import "time"

// CohortStatus represents the lifecycle of a cohort.
type CohortStatus string

// Possible cohort statuses.
const (
	CohortStatusOpen      CohortStatus = "OPEN"
	CohortStatusActive    CohortStatus = "ACTIVE"
	CohortStatusCompleted CohortStatus = "COMPLETED"
	CohortStatusCancelled CohortStatus = "CANCELLED"
)

// Cohort is a dated run of a Program. Duration (end - start) is constant
// across timeline shifts.
type Cohort struct {
	ID              string       `db:"id" json:"id"`
	ProgramID       string       `db:"program_id" json:"program_id"`
	Name            string       `db:"name" json:"name"`
	StartDate       time.Time    `db:"start_date" json:"start_date"`
	EndDate         time.Time    `db:"end_date" json:"end_date"`
	Status          CohortStatus `db:"status" json:"status"`
	Capacity        int          `db:"capacity" json:"capacity"`
	RequireApproval bool         `db:"require_approval" json:"require_approval"`

	// AdminDropoutApproval routes second-miss escalations through a human
	// instead of dropping automatically.
	AdminDropoutApproval bool `db:"admin_dropout_approval" json:"admin_dropout_approval"`

	PriceOverride            *int64 `db:"price_override" json:"price_override,omitempty"`
	InstallmentPlanEnabled   bool   `db:"installment_plan_enabled" json:"installment_plan_enabled"`
	InstallmentCount         *int   `db:"installment_count" json:"installment_count,omitempty"`
	InstallmentDepositAmount *int64 `db:"installment_deposit_amount" json:"installment_deposit_amount,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CohortDetail enriches Cohort with its program.
type CohortDetail struct {
	Cohort
	ProgramName          string `db:"program_name" json:"program_name"`
	ProgramDurationWeeks int    `db:"program_duration_weeks" json:"program_duration_weeks"`
	ProgramPriceAmount   int64  `db:"program_price_amount" json:"program_price_amount"`
	ProgramCurrency      string `db:"program_currency" json:"program_currency"`
}

// TotalFee resolves the effective enrollment fee for the cohort.
func (c *CohortDetail) TotalFee() int64 {
	if c.PriceOverride != nil {
		return *c.PriceOverride
	}
	return c.ProgramPriceAmount
}

// CohortEnrollmentStats summarises enrollment pressure for a cohort.
type CohortEnrollmentStats struct {
	CohortID       string `json:"cohort_id"`
	Capacity       int    `json:"capacity"`
	EnrolledCount  int    `json:"enrolled_count"`
	WaitlistCount  int    `json:"waitlist_count"`
	SpotsRemaining int    `json:"spots_remaining"`
	IsAtCapacity   bool   `json:"is_at_capacity"`
}
