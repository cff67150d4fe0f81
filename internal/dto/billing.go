package dto

import (
	"time"

	"github.com/swimbuddz/academy-api/internal/models"
)

// MarkPaidRequest settles an installment (or the whole plan) on behalf of a
// member, typically called service-to-service by payments.
type MarkPaidRequest struct {
	// InstallmentID or InstallmentNumber selects the target; when both are
	// empty the first unresolved installment is settled.
	InstallmentID     *string `json:"installment_id"`
	InstallmentNumber *int    `json:"installment_number" binding:"omitempty,min=1"`

	PaymentReference *string    `json:"payment_reference"`
	PaidAt           *time.Time `json:"paid_at"`

	// ClearInstallments removes the plan entirely after a full-balance payoff.
	ClearInstallments bool `json:"clear_installments"`
}

// DropoutAction is an admin decision on a DROPOUT_PENDING enrollment.
type DropoutAction string

const (
	DropoutActionApprove DropoutAction = "approve"
	DropoutActionReverse DropoutAction = "reverse"
)

// DropoutActionRequest resolves a pending dropout escalation.
type DropoutActionRequest struct {
	Action DropoutAction `json:"action" binding:"required,oneof=approve reverse"`
	Reason *string       `json:"reason"`
}

// InstallmentView is the API projection of a scheduled installment.
type InstallmentView struct {
	InstallmentNumber int        `json:"installment_number"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	DueAt             time.Time  `json:"due_at"`
	Status            string     `json:"status"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	PaymentReference  *string    `json:"payment_reference,omitempty"`
}

// EnrollmentView is the API projection of an enrollment with its plan.
type EnrollmentView struct {
	ID                      string                  `json:"id"`
	MemberID                string                  `json:"member_id"`
	ProgramID               string                  `json:"program_id"`
	ProgramName             string                  `json:"program_name"`
	CohortID                *string                 `json:"cohort_id,omitempty"`
	CohortName              string                  `json:"cohort_name,omitempty"`
	Status                  models.EnrollmentStatus `json:"status"`
	PaymentStatus           models.PaymentStatus    `json:"payment_status"`
	UsesInstallments        bool                    `json:"uses_installments"`
	AccessSuspended         bool                    `json:"access_suspended"`
	MissedInstallmentsCount int                     `json:"missed_installments_count"`
	PaidInstallmentsCount   int                     `json:"paid_installments_count"`
	TotalInstallments       int                     `json:"total_installments"`
	NextDueAt               *time.Time              `json:"next_due_at,omitempty"`
	OutstandingAmount       int64                   `json:"outstanding_amount"`
	Installments            []InstallmentView       `json:"installments,omitempty"`
}

// NewInstallmentView projects a persisted installment row.
func NewInstallmentView(in models.EnrollmentInstallment, currency string) InstallmentView {
	return InstallmentView{
		InstallmentNumber: in.InstallmentNumber,
		Amount:            in.Amount,
		Currency:          currency,
		DueAt:             in.DueAt,
		Status:            string(in.Status),
		PaidAt:            in.PaidAt,
		PaymentReference:  in.PaymentReference,
	}
}
