package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/pkg/currency"
)

// reminderDays are the days-before-due marks a reminder goes out on.
var reminderDays = map[int]bool{7: true, 3: true, 1: true}

// reminderHorizon comfortably covers the farthest reminder mark.
const reminderHorizon = 8 * 24 * time.Hour

type upcomingInstallmentStore interface {
	ListUpcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]models.DueInstallment, error)
}

// ReminderService emails members ahead of installment due dates, at the
// 7, 3 and 1 day marks. Each reminder carries the member's wallet standing
// so they know whether auto-deduction will cover the installment.
type ReminderService struct {
	installments upcomingInstallmentStore
	marks        attemptKeyWriter
	wallet       client.Wallet
	members      client.Members
	mailer       client.Mailer
	frontendURL  string
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewReminderService constructs the worker.
func NewReminderService(installments upcomingInstallmentStore, marks attemptKeyWriter, wallet client.Wallet, members client.Members, mailer client.Mailer, frontendURL string, metrics *MetricsService, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderService{
		installments: installments,
		marks:        marks,
		wallet:       wallet,
		members:      members,
		mailer:       mailer,
		frontendURL:  frontendURL,
		metrics:      metrics,
		logger:       logger,
	}
}

// ReminderKey is the per-installment, per-mark dedup key.
func ReminderKey(installmentNumber, daysUntil int) string {
	return fmt.Sprintf("installment_%d_%dd", installmentNumber, daysUntil)
}

// daysUntilDue is a calendar-date difference, so a reminder fires on the
// whole day regardless of the hour the worker ticks.
func daysUntilDue(now, dueAt time.Time) int {
	nowDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dueDate := time.Date(dueAt.Year(), dueAt.Month(), dueAt.Day(), 0, 0, 0, 0, time.UTC)
	return int(dueDate.Sub(nowDate) / (24 * time.Hour))
}

// RunOnce sends due reminders for one tick. Send failures are logged and the
// dedup key is left unrecorded so the next tick retries.
func (s *ReminderService) RunOnce(ctx context.Context, now time.Time) error {
	upcoming, err := s.installments.ListUpcoming(ctx, now, reminderHorizon)
	if err != nil {
		return fmt.Errorf("load upcoming installments: %w", err)
	}

	for i := range upcoming {
		s.remind(ctx, &upcoming[i], now)
	}
	return nil
}

func (s *ReminderService) remind(ctx context.Context, ins *models.DueInstallment, now time.Time) {
	days := daysUntilDue(now, ins.DueAt)
	if !reminderDays[days] {
		return
	}

	key := ReminderKey(ins.InstallmentNumber, days)
	if ins.HasReminderKey(key) {
		return
	}

	log := s.logger.Sugar().With(
		"enrollment_id", ins.EnrollmentID,
		"installment_number", ins.InstallmentNumber,
		"days_until", days,
	)

	contact, err := s.members.GetContact(ctx, ins.MemberID)
	if err != nil {
		log.Warnw("member contact lookup failed", "error", err)
		return
	}
	if contact == nil || contact.Email == "" {
		log.Warnw("member has no email, skipping reminder")
		return
	}

	bubblesNeeded := currency.KoboToBubbles(ins.Amount)
	var balance int64
	sufficient := false
	if check, err := s.wallet.CheckBalance(ctx, ins.MemberAuthID, bubblesNeeded); err != nil {
		log.Warnw("wallet balance check failed", "error", err)
	} else {
		balance = check.CurrentBalance
		sufficient = check.Sufficient
	}
	shortfall := bubblesNeeded - balance
	if shortfall < 0 {
		shortfall = 0
	}

	email := client.Email{
		To:       contact.Email,
		Subject:  fmt.Sprintf("Installment due in %d day(s)", days),
		Template: "installment_payment_reminder",
		Data: map[string]interface{}{
			"member_name":        contact.FirstName,
			"program_name":       ins.ProgramName,
			"cohort_name":        ins.CohortName,
			"installment_number": ins.InstallmentNumber,
			"total_installments": ins.TotalInstallments,
			"amount":             currency.FormatNaira(ins.Amount),
			"currency":           ins.InstallmentCurrency(),
			"due_at":             ins.DueAt.Format(time.RFC3339),
			"days_until":         days,
			"wallet_balance":     balance,
			"wallet_shortfall":   shortfall,
			"wallet_sufficient":  sufficient,
			"topup_url":          fmt.Sprintf("%s/account/wallet/topup", s.frontendURL),
			"enrollment_url":     fmt.Sprintf("%s/account/academy/enrollments/%s", s.frontendURL, ins.EnrollmentID),
		},
	}
	if err := s.mailer.Send(ctx, email); err != nil {
		log.Warnw("reminder email failed", "error", err)
		return
	}

	// Only a delivered reminder counts; a failed send retries next tick.
	if err := s.marks.AppendReminderKey(ctx, nil, ins.EnrollmentID, key); err != nil {
		log.Errorw("failed to record reminder key", "error", err)
		return
	}
	s.metrics.RecordReminder(days)
	log.Infow("installment reminder sent", "email", contact.Email)
}
