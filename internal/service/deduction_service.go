package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/pkg/currency"
)

type dueInstallmentStore interface {
	ListDueWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.DueInstallment, error)
}

type attemptKeyWriter interface {
	AppendReminderKey(ctx context.Context, exec sqlx.ExtContext, id, key string) error
}

type installmentPayer interface {
	MarkPaid(ctx context.Context, enrollmentID string, req dto.MarkPaidRequest) (*dto.EnrollmentView, error)
}

// DeductionService is the wallet auto-deduction worker. Each run covers the
// installments that fell due in the trailing window: sufficient wallet
// balance pays the installment from Bubbles; any outcome that left the
// wallet undebited sends the member a hosted checkout fallback instead.
// Either way the attempt is recorded so the next tick skips the installment.
type DeductionService struct {
	installments dueInstallmentStore
	marks        attemptKeyWriter
	payer        installmentPayer
	wallet       client.Wallet
	payments     client.Payments
	members      client.Members
	mailer       client.Mailer
	window       time.Duration
	frontendURL  string
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewDeductionService constructs the worker.
func NewDeductionService(installments dueInstallmentStore, marks attemptKeyWriter, payer installmentPayer, wallet client.Wallet, payments client.Payments, members client.Members, mailer client.Mailer, window time.Duration, frontendURL string, metrics *MetricsService, logger *zap.Logger) *DeductionService {
	if window <= 0 {
		window = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeductionService{
		installments: installments,
		marks:        marks,
		payer:        payer,
		wallet:       wallet,
		payments:     payments,
		members:      members,
		mailer:       mailer,
		window:       window,
		frontendURL:  frontendURL,
		metrics:      metrics,
		logger:       logger,
	}
}

// DeductionAttemptKey is the dedup marker recorded per installment.
func DeductionAttemptKey(installmentNumber int) string {
	return fmt.Sprintf("wallet_deduction_%d", installmentNumber)
}

// DebitIdempotencyKey makes wallet debits safe to retry across ticks.
func DebitIdempotencyKey(enrollmentID string, installmentNumber int) string {
	return fmt.Sprintf("wallet-installment-%s-%d", enrollmentID, installmentNumber)
}

// RunOnce processes one deduction window. Individual failures are logged and
// never abort the batch; the task itself only errors when the due query does.
func (s *DeductionService) RunOnce(ctx context.Context, now time.Time) error {
	due, err := s.installments.ListDueWithin(ctx, now, s.window)
	if err != nil {
		return fmt.Errorf("load due installments: %w", err)
	}

	for i := range due {
		s.processInstallment(ctx, &due[i], now)
	}
	return nil
}

func (s *DeductionService) processInstallment(ctx context.Context, ins *models.DueInstallment, now time.Time) {
	log := s.logger.Sugar().With(
		"enrollment_id", ins.EnrollmentID,
		"installment_number", ins.InstallmentNumber,
	)

	attemptKey := DeductionAttemptKey(ins.InstallmentNumber)
	if ins.HasReminderKey(attemptKey) {
		return
	}

	bubblesNeeded := currency.KoboToBubbles(ins.Amount)
	idempotencyKey := DebitIdempotencyKey(ins.EnrollmentID, ins.InstallmentNumber)

	contact, err := s.members.GetContact(ctx, ins.MemberID)
	if err != nil {
		log.Warnw("member contact lookup failed", "error", err)
		contact = nil
	}

	debited := false
	check, err := s.wallet.CheckBalance(ctx, ins.MemberAuthID, bubblesNeeded)
	switch {
	case err != nil:
		log.Warnw("wallet balance check failed", "error", err)
		s.metrics.RecordDeduction("error")

	case check.Sufficient:
		_, err := s.wallet.Debit(ctx, client.DebitRequest{
			MemberAuthID:  ins.MemberAuthID,
			AmountBubbles: bubblesNeeded,
			Narration: fmt.Sprintf("Academy installment %d for %s - %s",
				ins.InstallmentNumber, ins.ProgramName, ins.CohortName),
			Reference:      ins.ID,
			IdempotencyKey: idempotencyKey,
		})
		switch {
		case err == nil:
			debited = true
			log.Infow("wallet auto-deduction successful", "bubbles", bubblesNeeded)
		case errors.Is(err, client.ErrInsufficientBalance):
			// Balance moved between check and debit.
			s.metrics.RecordDeduction("insufficient_balance")
		default:
			log.Warnw("wallet debit failed", "error", err)
			s.metrics.RecordDeduction("error")
		}

	default:
		s.metrics.RecordDeduction("insufficient_balance")
	}

	if debited {
		s.settleAfterDebit(ctx, ins, idempotencyKey, now, contact, log)
	} else {
		// Whatever kept the wallet from paying, the member still gets a
		// checkout link to settle within the grace window.
		s.sendCheckoutFallback(ctx, ins, contact, log)
	}

	// Record the attempt even when nothing was collected, so the member is
	// not hammered every tick.
	if err := s.marks.AppendReminderKey(ctx, nil, ins.EnrollmentID, attemptKey); err != nil {
		log.Errorw("failed to record deduction attempt", "error", err)
	}
}

// settleAfterDebit marks the installment paid after a successful wallet
// debit. A failure here means money left the wallet without the installment
// closing, which must surface loudly for reconciliation.
func (s *DeductionService) settleAfterDebit(ctx context.Context, ins *models.DueInstallment, reference string, now time.Time, contact *client.MemberContact, log *zap.SugaredLogger) {
	number := ins.InstallmentNumber
	_, err := s.payer.MarkPaid(ctx, ins.EnrollmentID, dto.MarkPaidRequest{
		InstallmentNumber: &number,
		PaymentReference:  &reference,
		PaidAt:            &now,
	})
	if err != nil {
		log.Errorw("wallet debited but mark-paid failed, manual reconciliation required",
			"reference", reference, "error", err)
		s.metrics.RecordDeduction("error")
		return
	}
	s.metrics.RecordDeduction("success")

	if contact == nil || contact.Email == "" {
		return
	}
	email := client.Email{
		To:       contact.Email,
		Subject:  "Installment payment received",
		Template: "installment_payment_confirmation",
		Data: map[string]interface{}{
			"member_name":        contact.FirstName,
			"installment_number": ins.InstallmentNumber,
			"total_installments": ins.TotalInstallments,
			"amount":             currency.FormatNaira(ins.Amount),
			"currency":           ins.InstallmentCurrency(),
			"payment_reference":  reference,
			"payment_method":     "wallet",
		},
	}
	if err := s.mailer.Send(ctx, email); err != nil {
		log.Warnw("payment confirmation email failed", "error", err)
	}
}

// sendCheckoutFallback emails a hosted checkout link so the member can pay
// before the grace window closes. The installment itself stays untouched.
func (s *DeductionService) sendCheckoutFallback(ctx context.Context, ins *models.DueInstallment, contact *client.MemberContact, log *zap.SugaredLogger) {
	if contact == nil || contact.Email == "" {
		log.Warnw("cannot send checkout fallback, no member email")
		return
	}

	link, err := s.payments.CreatePaymentLink(ctx, client.PaymentLinkRequest{
		MemberAuthID: ins.MemberAuthID,
		Email:        contact.Email,
		Amount:       ins.Amount,
		Currency:     ins.InstallmentCurrency(),
		Reference:    DebitIdempotencyKey(ins.EnrollmentID, ins.InstallmentNumber),
		Narration: fmt.Sprintf("Academy installment %d for %s - %s",
			ins.InstallmentNumber, ins.ProgramName, ins.CohortName),
		CallbackURL: fmt.Sprintf("%s/account/academy/enrollments/%s", s.frontendURL, ins.EnrollmentID),
	})
	if err != nil {
		log.Errorw("checkout link creation failed", "error", err)
		return
	}

	email := client.Email{
		To:       contact.Email,
		Subject:  "Installment due today",
		Template: "installment_payment_reminder",
		Data: map[string]interface{}{
			"member_name":         contact.FirstName,
			"program_name":        ins.ProgramName,
			"cohort_name":         ins.CohortName,
			"installment_number":  ins.InstallmentNumber,
			"total_installments":  ins.TotalInstallments,
			"amount":              currency.FormatNaira(ins.Amount),
			"currency":            ins.InstallmentCurrency(),
			"days_until":          0,
			"checkout_url":        link.URL,
			"insufficient_wallet": true,
		},
	}
	if err := s.mailer.Send(ctx, email); err != nil {
		log.Errorw("checkout fallback email failed", "error", err)
		return
	}
	log.Infow("sent checkout fallback", "email", contact.Email)
}
