package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/models"
)

func TestAutoCancelExpired_CancelsPastDeadline(t *testing.T) {
	svc, tasks, _, _, _, _, dbMock := newTaskService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	deadline := now.Add(-time.Hour)

	tasks.On("ListExpiredOpen", ctx, now, 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	dbMock.ExpectExec("^SAVEPOINT auto_cancel_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusOpen, Deadline: &deadline}, nil)
	tasks.On("UpdateStatus", ctx, mock.Anything, int64(1), models.TaskStatusCancelled).Return(nil)
	tasks.On("RejectPendingApplications", ctx, mock.Anything, int64(1), int64(0)).
		Return([]models.TaskApplication{}, nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectExec("^RELEASE SAVEPOINT auto_cancel_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	dbMock.ExpectCommit()

	n, err := svc.AutoCancelExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoCancelExpired_RecheckUnderLockSkipsTakenTask(t *testing.T) {
	svc, tasks, _, _, _, _, dbMock := newTaskService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	tasks.On("ListExpiredOpen", ctx, now, 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	dbMock.ExpectExec("^SAVEPOINT auto_cancel_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusTaken}, nil)
	dbMock.ExpectExec("^RELEASE SAVEPOINT auto_cancel_0$").WillReturnResult(sqlmock.NewResult(0, 0))
	dbMock.ExpectCommit()

	n, err := svc.AutoCancelExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	tasks.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRevertUnpaidApprovals_ReopensTaskAndApplication(t *testing.T) {
	svc, tasks, _, notes, _, _, dbMock := newTaskService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	tasks.On("ListStalePendingPayment", ctx, now.Add(-24*time.Hour), 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Title: "Fix bike", Status: models.TaskStatusPendingPayment}, nil)
	tasks.On("GetActiveApplication", ctx, mock.Anything, int64(1), "U2").
		Return(&models.TaskApplication{ID: 5, TaskID: 1, ApplicantID: "U2", Status: models.ApplicationStatusApproved}, nil)
	tasks.On("UpdateApplicationStatus", ctx, mock.Anything, int64(5), models.ApplicationStatusPending).Return(nil)
	tasks.On("ClearTaker", ctx, mock.Anything, int64(1)).Return(nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	n, err := svc.RevertUnpaidApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, notes.notes, 2)
	assert.Equal(t, "U1", notes.notes[0].UserID)
	assert.Equal(t, "U2", notes.notes[1].UserID)
}

func TestRevertUnpaidApprovals_PaidTaskLeftAlone(t *testing.T) {
	svc, tasks, _, _, _, _, dbMock := newTaskService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	tasks.On("ListStalePendingPayment", ctx, now.Add(-24*time.Hour), 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusPendingPayment, IsPaid: true}, nil)
	dbMock.ExpectCommit()

	n, err := svc.RevertUnpaidApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	tasks.AssertNotCalled(t, "ClearTaker", mock.Anything, mock.Anything, mock.Anything)
}

func TestAutoConfirmExpired_ConfirmsWithAutoFlag(t *testing.T) {
	svc, tasks, _, _, _, engine, dbMock := newTaskService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	tasks.On("ListExpiredConfirmation", ctx, now.Add(-7*24*time.Hour), 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusPendingConfirmation}, nil)
	tasks.On("SetCompleted", ctx, mock.Anything, int64(1), now).Return(nil)
	tasks.On("MarkConfirmed", ctx, mock.Anything, int64(1), "U2", true, now).Return(nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.MatchedBy(func(h *models.TaskHistory) bool {
		return h.Action == "auto_confirmed" && h.UserID == nil
	})).Return(nil)
	dbMock.ExpectCommit()

	n, err := svc.AutoConfirmExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	engine.AssertNotCalled(t, "ExecuteTransferAsync", mock.Anything)
}

func TestAutoConfirmExpired_EscrowedTaskPaysOut(t *testing.T) {
	svc, tasks, _, _, _, engine, dbMock := newTaskService(t)
	ctx := context.Background()

	tasks.On("ListExpiredConfirmation", ctx, mock.Anything, 200).Return([]int64{1}, nil)
	dbMock.ExpectBegin()
	tasks.On("GetByIDForUpdate", ctx, mock.Anything, int64(1)).
		Return(&models.Task{
			ID: 1, PosterID: "U1", TakerID: strPtr("U2"),
			Status: models.TaskStatusPendingConfirmation, EscrowAmount: decimal.NewFromInt(30),
		}, nil)
	tasks.On("SetCompleted", ctx, mock.Anything, int64(1), mock.Anything).Return(nil)
	engine.On("CreateTransferRecord", ctx, mock.Anything, mock.Anything).
		Return(&models.PaymentTransfer{ID: 7, TaskID: 1}, nil)
	tasks.On("AppendHistory", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()
	engine.On("ExecuteTransferAsync", int64(7)).Return()

	n, err := svc.AutoConfirmExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	engine.AssertCalled(t, "ExecuteTransferAsync", int64(7))
}
