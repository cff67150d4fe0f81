package service

import (
	"time"

	"github.com/swimbuddz/academy-api/internal/models"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

// Installment plans are laid out in 4-week blocks. Fees above the cap
// threshold split into at most three installments so large balances are not
// stretched across a whole long program.
const (
	BlockWeeks = 4
	BlockDuration = BlockWeeks * 7 * 24 * time.Hour

	threeInstallmentCapThreshold int64 = 150_000
	maxInstallmentsOverCap             = 3

	// GraceWindow is how long past due_at a pending installment may stay
	// unpaid before it counts as missed.
	GraceWindow = 24 * time.Hour
)

// ValidateDuration rejects program durations a block schedule cannot cover.
func ValidateDuration(durationWeeks int) error {
	if durationWeeks <= 0 {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, "program duration must be greater than 0 weeks")
	}
	if durationWeeks%BlockWeeks != 0 {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, "program duration must be a multiple of 4 weeks")
	}
	return nil
}

// BlockCount returns how many 4-week blocks the program spans.
func BlockCount(durationWeeks int) (int, error) {
	if err := ValidateDuration(durationWeeks); err != nil {
		return 0, err
	}
	return durationWeeks / BlockWeeks, nil
}

// InstallmentCount resolves the default installment count for a fee and
// duration.
func InstallmentCount(totalFee int64, durationWeeks int) (int, error) {
	blocks, err := BlockCount(durationWeeks)
	if err != nil {
		return 0, err
	}
	if totalFee > threeInstallmentCapThreshold && blocks > maxInstallmentsOverCap {
		return maxInstallmentsOverCap, nil
	}
	return blocks, nil
}

// SplitAmounts divides the fee evenly, assigning the rounding remainder to
// the last installment so earlier payments stay uniform.
func SplitAmounts(totalFee int64, count int) ([]int64, error) {
	if totalFee < 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidSchedule, "total fee cannot be negative")
	}
	if count <= 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidSchedule, "installment count must be greater than 0")
	}
	base := totalFee / int64(count)
	remainder := totalFee - base*int64(count)
	amounts := make([]int64, count)
	for i := range amounts {
		amounts[i] = base
	}
	amounts[count-1] += remainder
	return amounts, nil
}

// ScheduleParams are the inputs to BuildSchedule.
type ScheduleParams struct {
	TotalFee      int64
	DurationWeeks int
	CohortStart   time.Time

	// CountOverride, when ≥ 2, replaces the derived installment count.
	CountOverride *int

	// DepositOverride, when positive, fixes the first installment amount; the
	// rest of the fee splits evenly with any leftover on the second.
	DepositOverride *int64
}

// BuildSchedule produces the installment rows for an enrollment.
// Installment i falls due at cohortStart + (i-1) blocks; the first is due at
// the cohort start itself. Deterministic for equal inputs.
func BuildSchedule(p ScheduleParams) ([]models.EnrollmentInstallment, error) {
	if p.TotalFee <= 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidSchedule, "total fee must be greater than 0")
	}

	count, err := InstallmentCount(p.TotalFee, p.DurationWeeks)
	if err != nil {
		return nil, err
	}
	if p.CountOverride != nil && *p.CountOverride >= 2 {
		count = *p.CountOverride
	}

	var amounts []int64
	if p.DepositOverride != nil && *p.DepositOverride > 0 && count >= 2 {
		deposit := *p.DepositOverride
		if deposit >= p.TotalFee {
			return nil, appErrors.Clone(appErrors.ErrInvalidSchedule, "deposit must be less than the total fee")
		}
		remaining := p.TotalFee - deposit
		subsequent := remaining / int64(count-1)
		leftover := remaining - subsequent*int64(count-1)
		amounts = make([]int64, count)
		amounts[0] = deposit
		for i := 1; i < count; i++ {
			amounts[i] = subsequent
		}
		amounts[1] += leftover
	} else {
		amounts, err = SplitAmounts(p.TotalFee, count)
		if err != nil {
			return nil, err
		}
	}

	start := p.CohortStart.UTC()
	schedule := make([]models.EnrollmentInstallment, count)
	for i, amount := range amounts {
		schedule[i] = models.EnrollmentInstallment{
			InstallmentNumber: i + 1,
			Amount:            amount,
			DueAt:             start.Add(time.Duration(i) * BlockDuration),
			Status:            models.InstallmentStatusPending,
		}
	}
	return schedule, nil
}

// CurrentBlockNumber returns which 4-week block the cohort is in at now,
// clamped to [1, blocks].
func CurrentBlockNumber(now, cohortStart time.Time, durationWeeks int) (int, error) {
	blocks, err := BlockCount(durationWeeks)
	if err != nil {
		return 0, err
	}
	if !now.After(cohortStart) {
		return 1, nil
	}
	elapsed := int(now.Sub(cohortStart) / BlockDuration)
	current := elapsed + 1
	if current < 1 {
		current = 1
	}
	if current > blocks {
		current = blocks
	}
	return current, nil
}

// MarkOverdue flips PENDING installments whose grace window has closed to
// MISSED, in place. Returns the numbers of the installments it changed.
// Idempotent: a second pass over the same slice changes nothing.
func MarkOverdue(installments []models.EnrollmentInstallment, now time.Time, grace time.Duration) []int {
	var changed []int
	for idx := range installments {
		ins := &installments[idx]
		if ins.Status == models.InstallmentStatusPending && !ins.DueAt.Add(grace).After(now) {
			ins.Status = models.InstallmentStatusMissed
			changed = append(changed, ins.InstallmentNumber)
		}
	}
	return changed
}

// SyncContext carries the cohort facts state derivation depends on.
type SyncContext struct {
	DurationWeeks        int
	CohortStart          time.Time
	RequireApproval      bool
	AdminDropoutApproval bool
	Now                  time.Time
}

// SyncEnrollmentState recomputes the enrollment's derived billing fields from
// its installment rows.
//
// The installment rows are the authority for the missed count, but
// missed_installments_count never decreases: paying a missed installment late
// restores access without erasing the behavioral history. At two or more
// misses the enrollment escalates once, to DROPOUT_PENDING when the cohort
// routes dropouts through an admin and straight to DROPPED otherwise.
func SyncEnrollmentState(e *models.Enrollment, installments []models.EnrollmentInstallment, sc SyncContext) error {
	total := len(installments)
	paidCount := 0
	missedCount := 0
	for i := range installments {
		if installments[i].Settled() {
			paidCount++
		}
		if installments[i].Status == models.InstallmentStatusMissed {
			missedCount++
		}
	}

	e.TotalInstallments = total
	e.PaidInstallmentsCount = paidCount
	if missedCount > e.MissedInstallmentsCount {
		e.MissedInstallmentsCount = missedCount
	}

	// Waitlisted members owe nothing yet; no suspension or escalation.
	if e.Status == models.EnrollmentStatusWaitlist {
		e.AccessSuspended = false
		if paidCount > 0 {
			e.PaymentStatus = models.PaymentStatusPaid
		} else {
			e.PaymentStatus = models.PaymentStatusPending
		}
		return nil
	}

	requiredBlock, err := CurrentBlockNumber(sc.Now, sc.CohortStart, sc.DurationWeeks)
	if err != nil {
		return err
	}
	required := requiredBlock
	if required > total {
		required = total
	}

	requiredUnpaid := false
	for i := range installments {
		if installments[i].InstallmentNumber <= required && !installments[i].Settled() {
			requiredUnpaid = true
			break
		}
	}

	if e.MissedInstallmentsCount >= 2 {
		if e.Status != models.EnrollmentStatusDropped && e.Status != models.EnrollmentStatusDropoutPending {
			if sc.AdminDropoutApproval {
				e.Status = models.EnrollmentStatusDropoutPending
			} else {
				e.Status = models.EnrollmentStatusDropped
			}
		}
		e.AccessSuspended = true
		e.PaymentStatus = models.PaymentStatusFailed
	} else {
		e.AccessSuspended = requiredUnpaid
		switch {
		case paidCount == 0:
			e.PaymentStatus = models.PaymentStatusPending
		case requiredUnpaid:
			e.PaymentStatus = models.PaymentStatusFailed
		default:
			e.PaymentStatus = models.PaymentStatusPaid
			if e.Status == models.EnrollmentStatusPendingApproval && !sc.RequireApproval {
				e.Status = models.EnrollmentStatusEnrolled
			}
		}
	}

	if total > 0 && paidCount >= total && e.PaidAt == nil {
		now := sc.Now
		e.PaidAt = &now
	}
	return nil
}
