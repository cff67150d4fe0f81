package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/models"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

type testClock struct{ t time.Time }

func (c testClock) Now() time.Time { return c.t }

func newTxProvider(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

type fakeEnrollmentStore struct {
	enrollment *models.Enrollment
	detail     *models.EnrollmentDetail
	list       []models.EnrollmentDetail
	listCalls  int
	updates    int
	initTotal  int
	initAmount int64
	keys       []string
}

func (f *fakeEnrollmentStore) FindByIDForUpdate(_ context.Context, _ sqlx.ExtContext, _ string) (*models.Enrollment, error) {
	if f.enrollment == nil {
		return nil, sql.ErrNoRows
	}
	return f.enrollment, nil
}

func (f *fakeEnrollmentStore) FindDetailByID(context.Context, string) (*models.EnrollmentDetail, error) {
	if f.detail != nil {
		return f.detail, nil
	}
	if f.enrollment == nil {
		return nil, sql.ErrNoRows
	}
	return &models.EnrollmentDetail{Enrollment: *f.enrollment}, nil
}

func (f *fakeEnrollmentStore) ListByCohort(context.Context, string, models.EnrollmentStatus, int, int) ([]models.EnrollmentDetail, int, error) {
	f.listCalls++
	return f.list, len(f.list), nil
}

func (f *fakeEnrollmentStore) InitInstallmentPlan(_ context.Context, _ sqlx.ExtContext, _ string, total int, snapshotAmount int64, _ string) error {
	f.initTotal = total
	f.initAmount = snapshotAmount
	return nil
}

func (f *fakeEnrollmentStore) UpdateBillingState(_ context.Context, _ sqlx.ExtContext, _ *models.Enrollment) error {
	f.updates++
	return nil
}

func (f *fakeEnrollmentStore) AppendReminderKey(_ context.Context, _ sqlx.ExtContext, _, key string) error {
	f.keys = append(f.keys, key)
	return nil
}

type fakePlanStore struct {
	installments []models.EnrollmentInstallment
	created      []models.EnrollmentInstallment
	paid         []int
	missed       []int
	deleted      int
}

func (f *fakePlanStore) ListByEnrollment(context.Context, sqlx.ExtContext, string) ([]models.EnrollmentInstallment, error) {
	return f.installments, nil
}

func (f *fakePlanStore) BulkCreate(_ context.Context, _ sqlx.ExtContext, installments []models.EnrollmentInstallment) error {
	f.created = installments
	return nil
}

func (f *fakePlanStore) MarkPaid(_ context.Context, _ sqlx.ExtContext, _ string, number int, _ *string, _ time.Time) error {
	f.paid = append(f.paid, number)
	return nil
}

func (f *fakePlanStore) MarkMissed(_ context.Context, _ sqlx.ExtContext, _ string, numbers []int) error {
	f.missed = append(f.missed, numbers...)
	return nil
}

func (f *fakePlanStore) DeleteByEnrollment(context.Context, sqlx.ExtContext, string) (int, error) {
	f.deleted = len(f.installments)
	f.installments = nil
	return f.deleted, nil
}

type fakeCohortDetailStore struct {
	detail *models.CohortDetail
}

func (f *fakeCohortDetailStore) FindDetailByID(context.Context, string) (*models.CohortDetail, error) {
	if f.detail == nil {
		return nil, sql.ErrNoRows
	}
	return f.detail, nil
}

var testCohortStart = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func testCohortDetail() *models.CohortDetail {
	return &models.CohortDetail{
		Cohort: models.Cohort{
			ID:                     "coh-1",
			Name:                   "March Cohort",
			StartDate:              testCohortStart,
			EndDate:                testCohortStart.AddDate(0, 0, 12*7),
			Status:                 models.CohortStatusActive,
			InstallmentPlanEnabled: true,
			AdminDropoutApproval:   true,
		},
		ProgramName:          "Stroke Development",
		ProgramDurationWeeks: 12,
		ProgramPriceAmount:   100_000,
		ProgramCurrency:      "NGN",
	}
}

func baseEnrollment() *models.Enrollment {
	cohortID := "coh-1"
	return &models.Enrollment{
		ID:               "enr-1",
		MemberID:         "mem-1",
		MemberAuthID:     "auth-1",
		ProgramID:        "prog-1",
		CohortID:         &cohortID,
		Status:           models.EnrollmentStatusEnrolled,
		PaymentStatus:    models.PaymentStatusPending,
		UsesInstallments: true,
	}
}

func newEnrollmentService(t *testing.T, store *fakeEnrollmentStore, plan *fakePlanStore, cohorts *fakeCohortDetailStore, now time.Time) (*EnrollmentService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newTxProvider(t)
	svc := NewEnrollmentService(db, store, plan, cohorts, testClock{t: now}, GraceWindow, nil, zap.NewNop())
	return svc, mock
}

func TestEnsurePlanCreatesSchedule(t *testing.T) {
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	plan := &fakePlanStore{}
	cohorts := &fakeCohortDetailStore{detail: testCohortDetail()}
	svc, mock := newEnrollmentService(t, store, plan, cohorts, testCohortStart.AddDate(0, 0, -7))

	mock.ExpectBegin()
	mock.ExpectCommit()

	schedule, err := svc.EnsurePlan(context.Background(), "enr-1")
	require.NoError(t, err)
	require.Len(t, schedule, 3)

	var sum int64
	for _, ins := range plan.created {
		sum += ins.Amount
		assert.Equal(t, "enr-1", ins.EnrollmentID)
	}
	assert.Equal(t, int64(100_000), sum)
	// Rounding remainder lands on the last installment.
	assert.Equal(t, int64(33_333), plan.created[0].Amount)
	assert.Equal(t, int64(33_334), plan.created[2].Amount)
	assert.True(t, plan.created[0].DueAt.Equal(testCohortStart))
	assert.True(t, plan.created[1].DueAt.Equal(testCohortStart.Add(BlockDuration)))

	assert.Equal(t, 3, store.initTotal)
	assert.Equal(t, int64(100_000), store.initAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsurePlanReturnsExistingSchedule(t *testing.T) {
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, Amount: 50_000, Status: models.InstallmentStatusPaid},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, Amount: 50_000, Status: models.InstallmentStatusPending},
	}}
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectCommit()

	schedule, err := svc.EnsurePlan(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Len(t, schedule, 2)
	assert.Nil(t, plan.created)
	assert.Zero(t, store.initTotal)
}

func TestEnsurePlanSkipsWhenNotOptedIn(t *testing.T) {
	enrollment := baseEnrollment()
	enrollment.UsesInstallments = false
	store := &fakeEnrollmentStore{enrollment: enrollment}
	svc, mock := newEnrollmentService(t, store, &fakePlanStore{}, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectRollback()

	schedule, err := svc.EnsurePlan(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Nil(t, schedule)
}

func TestMarkPaidSettlesFirstUnresolved(t *testing.T) {
	paidAt := testCohortStart
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, Amount: 33_333, DueAt: testCohortStart, Status: models.InstallmentStatusPaid, PaidAt: &paidAt},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, Amount: 33_333, DueAt: testCohortStart.Add(BlockDuration), Status: models.InstallmentStatusPending},
		{EnrollmentID: "enr-1", InstallmentNumber: 3, Amount: 33_334, DueAt: testCohortStart.Add(2 * BlockDuration), Status: models.InstallmentStatusPending},
	}}
	now := testCohortStart.AddDate(0, 0, 10)
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, now)

	mock.ExpectBegin()
	mock.ExpectCommit()

	ref := "paystack-ref-1"
	view, err := svc.MarkPaid(context.Background(), "enr-1", dto.MarkPaidRequest{PaymentReference: &ref})
	require.NoError(t, err)

	assert.Equal(t, []int{2}, plan.paid)
	assert.Equal(t, 2, store.enrollment.PaidInstallmentsCount)
	assert.Equal(t, models.PaymentStatusPaid, store.enrollment.PaymentStatus)
	assert.False(t, store.enrollment.AccessSuspended)
	assert.Equal(t, int64(33_334), view.OutstandingAmount)
	require.NotNil(t, view.NextDueAt)
}

func TestMarkPaidClearInstallments(t *testing.T) {
	enrollment := baseEnrollment()
	enrollment.Status = models.EnrollmentStatusPendingApproval
	enrollment.MissedInstallmentsCount = 1
	enrollment.TotalInstallments = 3
	store := &fakeEnrollmentStore{enrollment: enrollment}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, Status: models.InstallmentStatusMissed},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, Status: models.InstallmentStatusPending},
		{EnrollmentID: "enr-1", InstallmentNumber: 3, Status: models.InstallmentStatusPending},
	}}
	detail := testCohortDetail()
	detail.RequireApproval = false
	now := testCohortStart.AddDate(0, 0, 30)
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: detail}, now)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err := svc.MarkPaid(context.Background(), "enr-1", dto.MarkPaidRequest{ClearInstallments: true})
	require.NoError(t, err)

	assert.Equal(t, 3, plan.deleted)
	assert.False(t, store.enrollment.UsesInstallments)
	assert.Zero(t, store.enrollment.TotalInstallments)
	assert.Zero(t, store.enrollment.MissedInstallmentsCount)
	assert.False(t, store.enrollment.AccessSuspended)
	assert.Equal(t, models.PaymentStatusPaid, store.enrollment.PaymentStatus)
	assert.Equal(t, models.EnrollmentStatusEnrolled, store.enrollment.Status)
	require.NotNil(t, store.enrollment.PaidAt)
}

func TestMarkPaidRejectsUnknownInstallmentNumber(t *testing.T) {
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, Status: models.InstallmentStatusPending},
	}}
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectRollback()

	number := 9
	_, err := svc.MarkPaid(context.Background(), "enr-1", dto.MarkPaidRequest{InstallmentNumber: &number})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	assert.Empty(t, plan.paid)
}

func TestDropoutActionRequiresPendingState(t *testing.T) {
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	svc, mock := newEnrollmentService(t, store, &fakePlanStore{}, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.AdminDropoutAction(context.Background(), "enr-1", dto.DropoutActionRequest{Action: dto.DropoutActionApprove}, "admin-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestDropoutApprove(t *testing.T) {
	enrollment := baseEnrollment()
	enrollment.Status = models.EnrollmentStatusDropoutPending
	enrollment.MissedInstallmentsCount = 2
	store := &fakeEnrollmentStore{enrollment: enrollment}
	svc, mock := newEnrollmentService(t, store, &fakePlanStore{}, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err := svc.AdminDropoutAction(context.Background(), "enr-1", dto.DropoutActionRequest{Action: dto.DropoutActionApprove}, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusDropped, store.enrollment.Status)
	assert.True(t, store.enrollment.AccessSuspended)
	assert.Equal(t, models.PaymentStatusFailed, store.enrollment.PaymentStatus)
	assert.Equal(t, 2, store.enrollment.MissedInstallmentsCount)
}

func TestDropoutReversePreservesMissedCount(t *testing.T) {
	enrollment := baseEnrollment()
	enrollment.Status = models.EnrollmentStatusDropoutPending
	enrollment.AccessSuspended = true
	enrollment.MissedInstallmentsCount = 2
	store := &fakeEnrollmentStore{enrollment: enrollment}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, Status: models.InstallmentStatusMissed},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, Status: models.InstallmentStatusMissed},
		{EnrollmentID: "enr-1", InstallmentNumber: 3, Status: models.InstallmentStatusPending},
	}}
	now := testCohortStart.AddDate(0, 0, 60)
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, now)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err := svc.AdminDropoutAction(context.Background(), "enr-1", dto.DropoutActionRequest{Action: dto.DropoutActionReverse}, "admin-1")
	require.NoError(t, err)

	// The re-sync re-escalates on the permanent missed count, and the manual
	// override forces the status back out of the dropout states.
	assert.Equal(t, models.EnrollmentStatusEnrolled, store.enrollment.Status)
	assert.Equal(t, 2, store.enrollment.MissedInstallmentsCount)
}

func TestSyncMarksOverdueAndEscalates(t *testing.T) {
	enrollment := baseEnrollment()
	store := &fakeEnrollmentStore{enrollment: enrollment}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, DueAt: testCohortStart, Status: models.InstallmentStatusPending},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, DueAt: testCohortStart.Add(BlockDuration), Status: models.InstallmentStatusPending},
		{EnrollmentID: "enr-1", InstallmentNumber: 3, DueAt: testCohortStart.Add(2 * BlockDuration), Status: models.InstallmentStatusPending},
	}}
	// Both of the first two installments are more than a day overdue.
	now := testCohortStart.Add(BlockDuration + 3*24*time.Hour)
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, now)

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Sync(context.Background(), "enr-1")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, result.NewlyMissed)
	assert.True(t, result.NewlyEscalated)
	assert.Equal(t, models.EnrollmentStatusDropoutPending, store.enrollment.Status)
	assert.True(t, store.enrollment.AccessSuspended)
	assert.Equal(t, 2, store.enrollment.MissedInstallmentsCount)
}

func TestSyncAutoDropsWithoutAdminApproval(t *testing.T) {
	enrollment := baseEnrollment()
	store := &fakeEnrollmentStore{enrollment: enrollment}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, DueAt: testCohortStart, Status: models.InstallmentStatusPending},
		{EnrollmentID: "enr-1", InstallmentNumber: 2, DueAt: testCohortStart.Add(BlockDuration), Status: models.InstallmentStatusPending},
	}}
	detail := testCohortDetail()
	detail.AdminDropoutApproval = false
	now := testCohortStart.Add(BlockDuration + 3*24*time.Hour)
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: detail}, now)

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Sync(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.True(t, result.NewlyEscalated)
	assert.Equal(t, models.EnrollmentStatusDropped, store.enrollment.Status)
}

func TestListByCohortSyncsInstallmentPlans(t *testing.T) {
	enrollment := baseEnrollment()
	store := &fakeEnrollmentStore{
		enrollment: enrollment,
		list:       []models.EnrollmentDetail{{Enrollment: *enrollment}},
	}
	plan := &fakePlanStore{installments: []models.EnrollmentInstallment{
		{EnrollmentID: "enr-1", InstallmentNumber: 1, DueAt: testCohortStart, Status: models.InstallmentStatusPending},
	}}
	svc, mock := newEnrollmentService(t, store, plan, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, total, err := svc.ListByCohort(context.Background(), "coh-1", "", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	// One listing before the sync, one refresh after.
	assert.Equal(t, 2, store.listCalls)
	assert.Equal(t, 1, store.updates)
}

func TestGetForMemberRejectsOtherMembers(t *testing.T) {
	store := &fakeEnrollmentStore{enrollment: baseEnrollment()}
	svc, _ := newEnrollmentService(t, store, &fakePlanStore{}, &fakeCohortDetailStore{detail: testCohortDetail()}, testCohortStart)

	_, err := svc.GetForMember(context.Background(), "enr-1", "someone-else")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}
