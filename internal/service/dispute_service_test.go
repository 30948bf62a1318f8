package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/psp"
	"github.com/unitask/unitask-backend/internal/repository"
)

type mockDisputeStore struct {
	mock.Mock
}

func (m *mockDisputeStore) Create(ctx context.Context, q repository.Queryer, d *models.TaskDispute) error {
	args := m.Called(ctx, q, d)
	if args.Error(0) == nil {
		d.ID = 11
	}
	return args.Error(0)
}

func (m *mockDisputeStore) GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.TaskDispute, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TaskDispute), args.Error(1)
}

func (m *mockDisputeStore) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.TaskDispute, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TaskDispute), args.Error(1)
}

func (m *mockDisputeStore) GetPendingByTask(ctx context.Context, q repository.Queryer, taskID int64) (*models.TaskDispute, error) {
	args := m.Called(ctx, q, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TaskDispute), args.Error(1)
}

func (m *mockDisputeStore) Resolve(ctx context.Context, q repository.Queryer, id int64, status, resolvedBy, note string, at time.Time) error {
	return m.Called(ctx, q, id, status, resolvedBy, note, at).Error(0)
}

func (m *mockDisputeStore) ListByStatus(ctx context.Context, status string, limit, offset int) ([]models.TaskDispute, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]models.TaskDispute), args.Error(1)
}

type mockDisputeTaskStore struct {
	mock.Mock
}

func (m *mockDisputeTaskStore) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Task, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *mockDisputeTaskStore) UpdateStatus(ctx context.Context, q repository.Queryer, id int64, status string) error {
	return m.Called(ctx, q, id, status).Error(0)
}

func (m *mockDisputeTaskStore) SetCompleted(ctx context.Context, q repository.Queryer, id int64, at time.Time) error {
	return m.Called(ctx, q, id, at).Error(0)
}

func (m *mockDisputeTaskStore) MarkConfirmed(ctx context.Context, q repository.Queryer, id int64, paidToUserID string, auto bool, at time.Time) error {
	return m.Called(ctx, q, id, paidToUserID, auto, at).Error(0)
}

func (m *mockDisputeTaskStore) SetEscrowAmount(ctx context.Context, q repository.Queryer, id int64, amount decimal.Decimal) error {
	return m.Called(ctx, q, id, amount).Error(0)
}

func (m *mockDisputeTaskStore) AppendHistory(ctx context.Context, q repository.Queryer, h *models.TaskHistory) error {
	return m.Called(ctx, q, h).Error(0)
}

type refunderStub struct {
	refunds []decimal.Decimal
	err     error
}

func (r *refunderStub) ExecuteRefund(ctx context.Context, task *models.Task, amount decimal.Decimal, reason string) (*psp.Refund, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.refunds = append(r.refunds, amount)
	return &psp.Refund{ID: "re_1", Status: "succeeded"}, nil
}

func TestOpenDispute_RequiresPendingConfirmation(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	svc := NewDisputeService(disputes, tasks, payments, &refunderStub{}, &mockTransferEngine{}, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusInProgress}, nil)
	dbMock.ExpectRollback()

	_, err := svc.OpenDispute(ctx, "U1", 1, "not done at all")
	assert.True(t, apperror.IsPrecondition(err))
}

func TestOpenDispute_SecondPendingDisputeConflicts(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	svc := NewDisputeService(disputes, tasks, payments, &refunderStub{}, &mockTransferEngine{}, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusPendingConfirmation}, nil)
	disputes.On("GetPendingByTask", ctx, mock.Anything, int64(1)).
		Return(&models.TaskDispute{ID: 9, TaskID: 1, Status: models.DisputeStatusPending}, nil)
	dbMock.ExpectRollback()

	_, err := svc.OpenDispute(ctx, "U1", 1, "still nothing")
	assert.True(t, apperror.IsConflict(err))
}

func TestOpenDispute_FreezesTask(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	notes := &notifierStub{}
	svc := NewDisputeService(disputes, tasks, payments, &refunderStub{}, &mockTransferEngine{}, notes)
	ctx := context.Background()

	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Title: "Fix bike", Status: models.TaskStatusPendingConfirmation}, nil)
	disputes.On("GetPendingByTask", ctx, mock.Anything, int64(1)).
		Return(nil, repository.ErrDisputeNotFound)
	disputes.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)
	tasks.On("UpdateStatus", ctx, mock.Anything, int64(1), models.TaskStatusDisputed).Return(nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	dispute, err := svc.OpenDispute(ctx, "U1", 1, "work not done")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusPending, dispute.Status)
	require.Len(t, notes.notes, 1)
	assert.Equal(t, "U2", notes.notes[0].UserID)
}

func TestResolveDispute_UnknownResolutionType(t *testing.T) {
	dbConn, _ := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	svc := NewDisputeService(&mockDisputeStore{}, &mockDisputeTaskStore{}, payments, &refunderStub{}, &mockTransferEngine{}, &notifierStub{})

	err := svc.ResolveDispute(context.Background(), "A1", 11, "split_the_difference", "", nil)
	assert.True(t, apperror.IsValidation(err))
}

func TestResolveDispute_PartialRefundMustBeBelowEscrow(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	svc := NewDisputeService(disputes, tasks, payments, &refunderStub{}, &mockTransferEngine{}, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	disputes.On("GetByIDForUpdate", ctx, mock.Anything, int64(11)).
		Return(&models.TaskDispute{ID: 11, TaskID: 1, Status: models.DisputeStatusPending}, nil)
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusDisputed, EscrowAmount: decimal.NewFromInt(30)}, nil)
	dbMock.ExpectRollback()

	amount := decimal.NewFromInt(30)
	err := svc.ResolveDispute(ctx, "A1", 11, models.ResolutionPartialRefund, "half done", &amount)
	assert.True(t, apperror.IsValidation(err))
}

func TestResolveDispute_PartialRefundSendsRemainderToTaker(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	refunder := &refunderStub{}
	engine := &mockTransferEngine{}
	svc := NewDisputeService(disputes, tasks, payments, refunder, engine, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	disputes.On("GetByIDForUpdate", ctx, mock.Anything, int64(11)).
		Return(&models.TaskDispute{ID: 11, TaskID: 1, Status: models.DisputeStatusPending}, nil)
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{
			ID: 1, PosterID: "U1", TakerID: strPtr("U2"), IsPaid: true,
			Status: models.TaskStatusDisputed, EscrowAmount: decimal.NewFromInt(30),
		}, nil)
	tasks.On("SetCompleted", ctx, mock.Anything, int64(1), mock.Anything).Return(nil)
	payments.On("CreateRefundRequest", ctx, mock.Anything, mock.Anything).Return(nil)
	payments.On("CompleteRefundRequest", ctx, mock.Anything, mock.Anything, "re_1", mock.Anything).Return(nil)
	tasks.On("SetEscrowAmount", ctx, mock.Anything, int64(1), decimal.NewFromInt(20)).Return(nil)
	engine.On("CreateTransferRecord", ctx, mock.Anything, mock.MatchedBy(func(task *models.Task) bool {
		return task.EscrowAmount.Equal(decimal.NewFromInt(20))
	})).Return(&models.PaymentTransfer{ID: 7}, nil)
	disputes.On("Resolve", ctx, mock.Anything, int64(11), models.DisputeStatusResolved, "A1", mock.Anything, mock.Anything).Return(nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()
	engine.On("ExecuteTransferAsync", int64(7)).Return()

	amount := decimal.NewFromInt(10)
	err := svc.ResolveDispute(ctx, "A1", 11, models.ResolutionPartialRefund, "partially done", &amount)
	require.NoError(t, err)
	require.Len(t, refunder.refunds, 1)
	assert.True(t, refunder.refunds[0].Equal(decimal.NewFromInt(10)))
	engine.AssertCalled(t, "ExecuteTransferAsync", int64(7))
}

func TestResolveDispute_RefundFailureRollsBackResolution(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	refunder := &refunderStub{err: errors.New("psp unavailable")}
	svc := NewDisputeService(disputes, tasks, payments, refunder, &mockTransferEngine{}, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	disputes.On("GetByIDForUpdate", ctx, mock.Anything, int64(11)).
		Return(&models.TaskDispute{ID: 11, TaskID: 1, Status: models.DisputeStatusPending}, nil)
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{
			ID: 1, PosterID: "U1", IsPaid: true,
			Status: models.TaskStatusDisputed, EscrowAmount: decimal.NewFromInt(30),
		}, nil)
	tasks.On("UpdateStatus", ctx, mock.Anything, int64(1), models.TaskStatusCancelled).Return(nil)
	payments.On("CreateRefundRequest", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectRollback()

	err := svc.ResolveDispute(ctx, "A1", 11, models.ResolutionRefundPoster, "no show", nil)
	require.Error(t, err)
	disputes.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveDispute_DismissRestoresConfirmationFlow(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	tasks := &mockDisputeTaskStore{}
	engine := &mockTransferEngine{}
	svc := NewDisputeService(disputes, tasks, payments, &refunderStub{}, engine, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	disputes.On("GetByIDForUpdate", ctx, mock.Anything, int64(11)).
		Return(&models.TaskDispute{ID: 11, TaskID: 1, Status: models.DisputeStatusPending}, nil)
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusDisputed, EscrowAmount: decimal.NewFromInt(30)}, nil)
	tasks.On("UpdateStatus", ctx, mock.Anything, int64(1), models.TaskStatusPendingConfirmation).Return(nil)
	disputes.On("Resolve", ctx, mock.Anything, int64(11), models.DisputeStatusDismissed, "A1", mock.Anything, mock.Anything).Return(nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	err := svc.ResolveDispute(ctx, "A1", 11, models.ResolutionDismiss, "work is fine", nil)
	require.NoError(t, err)
	engine.AssertNotCalled(t, "CreateTransferRecord", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveDispute_AlreadyResolvedConflicts(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	payments := &mockPaymentStore{db: dbConn}
	disputes := &mockDisputeStore{}
	svc := NewDisputeService(disputes, &mockDisputeTaskStore{}, payments, &refunderStub{}, &mockTransferEngine{}, &notifierStub{})
	ctx := context.Background()

	dbMock.ExpectBegin()
	disputes.On("GetByIDForUpdate", ctx, mock.Anything, int64(11)).
		Return(&models.TaskDispute{ID: 11, TaskID: 1, Status: models.DisputeStatusResolved}, nil)
	dbMock.ExpectRollback()

	err := svc.ResolveDispute(ctx, "A1", 11, models.ResolutionDismiss, "", nil)
	assert.True(t, apperror.IsConflict(err))
}
