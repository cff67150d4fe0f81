package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/client"
	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
)

type fakeDueStore struct {
	due []models.DueInstallment
	err error
}

func (f *fakeDueStore) ListDueWithin(context.Context, time.Time, time.Duration) ([]models.DueInstallment, error) {
	return f.due, f.err
}

func (f *fakeDueStore) ListUpcoming(context.Context, time.Time, time.Duration) ([]models.DueInstallment, error) {
	return f.due, f.err
}

type fakeKeyWriter struct {
	keys []string
	err  error
}

func (f *fakeKeyWriter) AppendReminderKey(_ context.Context, _ sqlx.ExtContext, _, key string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

type fakePayer struct {
	requests []dto.MarkPaidRequest
	err      error
}

func (f *fakePayer) MarkPaid(_ context.Context, _ string, req dto.MarkPaidRequest) (*dto.EnrollmentView, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &dto.EnrollmentView{}, nil
}

type fakeWallet struct {
	balance    int64
	balanceErr error
	debitErr   error
	debits     []client.DebitRequest
}

func (f *fakeWallet) CheckBalance(_ context.Context, _ string, required int64) (*client.BalanceCheck, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &client.BalanceCheck{
		Sufficient:     f.balance >= required,
		CurrentBalance: f.balance,
		RequiredAmount: required,
	}, nil
}

func (f *fakeWallet) Debit(_ context.Context, req client.DebitRequest) (*client.DebitResult, error) {
	f.debits = append(f.debits, req)
	if f.debitErr != nil {
		return nil, f.debitErr
	}
	return &client.DebitResult{TransactionID: "txn-1", BalanceAfter: f.balance - req.AmountBubbles}, nil
}

type fakePayments struct {
	links []client.PaymentLinkRequest
	err   error
}

func (f *fakePayments) CreatePaymentLink(_ context.Context, req client.PaymentLinkRequest) (*client.PaymentLink, error) {
	f.links = append(f.links, req)
	if f.err != nil {
		return nil, f.err
	}
	return &client.PaymentLink{URL: "https://pay.example/abc", Reference: req.Reference}, nil
}

type fakeMembers struct {
	contact *client.MemberContact
	err     error
}

func (f *fakeMembers) GetContact(context.Context, string) (*client.MemberContact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.contact, nil
}

type fakeMailer struct {
	sent []client.Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, email client.Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

func dueInstallment(number int, amount int64, keys ...string) models.DueInstallment {
	return models.DueInstallment{
		EnrollmentInstallment: models.EnrollmentInstallment{
			ID:                "ins-" + string(rune('0'+number)),
			EnrollmentID:      "enr-1",
			InstallmentNumber: number,
			Amount:            amount,
			DueAt:             time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			Status:            models.InstallmentStatusPending,
		},
		EnrollmentStatus:  models.EnrollmentStatusEnrolled,
		MemberID:          "mem-1",
		MemberAuthID:      "auth-1",
		TotalInstallments: 3,
		RemindersSent:     pq.StringArray(keys),
		ProgramName:       "Stroke Development",
		CohortName:        "March Cohort",
	}
}

func TestDeductionSuccessfulDebit(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(2, 50_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{}
	wallet := &fakeWallet{balance: 10}
	payments := &fakePayments{}
	members := &fakeMembers{contact: &client.MemberContact{MemberID: "mem-1", Email: "m@example.com", FirstName: "Ada"}}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, payments, members, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	// 50_000 kobo needs 5 Bubbles.
	require.Len(t, wallet.debits, 1)
	assert.Equal(t, int64(5), wallet.debits[0].AmountBubbles)
	assert.Equal(t, "wallet-installment-enr-1-2", wallet.debits[0].IdempotencyKey)

	require.Len(t, payer.requests, 1)
	require.NotNil(t, payer.requests[0].InstallmentNumber)
	assert.Equal(t, 2, *payer.requests[0].InstallmentNumber)
	require.NotNil(t, payer.requests[0].PaymentReference)
	assert.Equal(t, "wallet-installment-enr-1-2", *payer.requests[0].PaymentReference)
	require.NotNil(t, payer.requests[0].PaidAt)
	assert.True(t, payer.requests[0].PaidAt.Equal(now))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "installment_payment_confirmation", mailer.sent[0].Template)
	assert.Equal(t, []string{"wallet_deduction_2"}, marks.keys)
	assert.Empty(t, payments.links)
}

func TestDeductionInsufficientBalance(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(1, 100_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{}
	wallet := &fakeWallet{balance: 3}
	payments := &fakePayments{}
	members := &fakeMembers{contact: &client.MemberContact{MemberID: "mem-1", Email: "m@example.com", FirstName: "Ada"}}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, payments, members, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Empty(t, wallet.debits)
	assert.Empty(t, payer.requests)
	require.Len(t, payments.links, 1)
	assert.Equal(t, int64(100_000), payments.links[0].Amount)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "installment_payment_reminder", mailer.sent[0].Template)
	assert.Equal(t, true, mailer.sent[0].Data["insufficient_wallet"])
	assert.Equal(t, "https://pay.example/abc", mailer.sent[0].Data["checkout_url"])

	// The attempt is still recorded so the member is not re-emailed each tick.
	assert.Equal(t, []string{"wallet_deduction_1"}, marks.keys)
}

func TestDeductionSkipsAlreadyAttempted(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(2, 50_000, "wallet_deduction_2")}}
	marks := &fakeKeyWriter{}
	wallet := &fakeWallet{balance: 100}
	payer := &fakePayer{}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, &fakePayments{}, &fakeMembers{}, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Empty(t, wallet.debits)
	assert.Empty(t, payer.requests)
	assert.Empty(t, marks.keys)
	assert.Empty(t, mailer.sent)
}

func TestDeductionDebitOkMarkPaidFails(t *testing.T) {
	// Money left the wallet but the installment did not close. The worker must
	// record the attempt, skip the confirmation email and not retry the debit.
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(3, 20_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{err: errors.New("db down")}
	wallet := &fakeWallet{balance: 50}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, &fakePayments{},
		&fakeMembers{contact: &client.MemberContact{Email: "m@example.com"}}, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Len(t, wallet.debits, 1)
	assert.Len(t, payer.requests, 1)
	assert.Empty(t, mailer.sent)
	assert.Equal(t, []string{"wallet_deduction_3"}, marks.keys)
}

func TestDeductionBalanceCheckErrorSendsFallback(t *testing.T) {
	// A wallet service outage must not leave the member with nothing: the
	// checkout fallback still goes out and the attempt is recorded.
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(2, 50_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{}
	wallet := &fakeWallet{balanceErr: errors.New("wallet unreachable")}
	payments := &fakePayments{}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, payments,
		&fakeMembers{contact: &client.MemberContact{Email: "m@example.com"}}, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Empty(t, wallet.debits)
	assert.Empty(t, payer.requests)
	require.Len(t, payments.links, 1)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "installment_payment_reminder", mailer.sent[0].Template)
	assert.Equal(t, []string{"wallet_deduction_2"}, marks.keys)
}

func TestDeductionDebitErrorSendsFallback(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(1, 50_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{}
	wallet := &fakeWallet{balance: 10, debitErr: errors.New("wallet timeout")}
	payments := &fakePayments{}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, payments,
		&fakeMembers{contact: &client.MemberContact{Email: "m@example.com"}}, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Len(t, wallet.debits, 1)
	assert.Empty(t, payer.requests)
	require.Len(t, payments.links, 1)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"wallet_deduction_1"}, marks.keys)
}

func TestDeductionDebitRacesToInsufficient(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 30, 0, 0, time.UTC)
	store := &fakeDueStore{due: []models.DueInstallment{dueInstallment(1, 50_000)}}
	marks := &fakeKeyWriter{}
	payer := &fakePayer{}
	wallet := &fakeWallet{balance: 10, debitErr: client.ErrInsufficientBalance}
	payments := &fakePayments{}
	mailer := &fakeMailer{}

	svc := NewDeductionService(store, marks, payer, wallet, payments,
		&fakeMembers{contact: &client.MemberContact{Email: "m@example.com"}}, mailer,
		time.Hour, "https://app.example", nil, zap.NewNop())
	require.NoError(t, svc.RunOnce(context.Background(), now))

	assert.Len(t, wallet.debits, 1)
	assert.Empty(t, payer.requests)
	assert.Len(t, payments.links, 1)
	assert.Equal(t, []string{"wallet_deduction_1"}, marks.keys)
}
