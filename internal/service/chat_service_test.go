package service

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

type mockMessageStore struct {
	mock.Mock
	db *sqlx.DB
}

func (m *mockMessageStore) DB() *sqlx.DB { return m.db }

func (m *mockMessageStore) Create(ctx context.Context, q repository.Queryer, msg *models.Message) error {
	args := m.Called(ctx, q, msg)
	if args.Error(0) == nil {
		msg.ID = 55
	}
	return args.Error(0)
}

func (m *mockMessageStore) ListByTask(ctx context.Context, taskID int64, limit, offset int) ([]models.Message, error) {
	args := m.Called(ctx, taskID, limit, offset)
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *mockMessageStore) CountPrestartNotes(ctx context.Context, taskID int64, senderID string, since time.Time) (int, error) {
	args := m.Called(ctx, taskID, senderID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockMessageStore) InsertReads(ctx context.Context, q repository.Queryer, userID string, messageIDs []int64, at time.Time) error {
	return m.Called(ctx, q, userID, messageIDs, at).Error(0)
}

func (m *mockMessageStore) ListUnreadIDs(ctx context.Context, q repository.Queryer, taskID int64, userID string, upto int64) ([]int64, error) {
	args := m.Called(ctx, q, taskID, userID, upto)
	return args.Get(0).([]int64), args.Error(1)
}

func (m *mockMessageStore) GetCursor(ctx context.Context, q repository.Queryer, taskID int64, userID string) (*models.MessageReadCursor, error) {
	args := m.Called(ctx, q, taskID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MessageReadCursor), args.Error(1)
}

func (m *mockMessageStore) BumpCursor(ctx context.Context, q repository.Queryer, taskID int64, userID string, messageID int64, at time.Time) error {
	return m.Called(ctx, q, taskID, userID, messageID, at).Error(0)
}

func (m *mockMessageStore) UnreadCountByCursor(ctx context.Context, taskID int64, userID string, cursor int64) (int, error) {
	args := m.Called(ctx, taskID, userID, cursor)
	return args.Int(0), args.Error(1)
}

func (m *mockMessageStore) UnreadCountByReads(ctx context.Context, taskID int64, userID string) (int, error) {
	args := m.Called(ctx, taskID, userID)
	return args.Int(0), args.Error(1)
}

type chatTaskStoreStub struct {
	task *models.Task
}

func (s *chatTaskStoreStub) GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.Task, error) {
	if s.task == nil {
		return nil, repository.ErrTaskNotFound
	}
	return s.task, nil
}

type pusherStub struct {
	events []string
	users  []string
}

func (p *pusherStub) PushToUser(userID string, event string, payload interface{}) {
	p.users = append(p.users, userID)
	p.events = append(p.events, event)
}

func newChatService(t *testing.T, task *models.Task) (*ChatService, *mockMessageStore, *pusherStub) {
	t.Helper()
	dbConn, _ := newTxDB(t)
	messages := &mockMessageStore{db: dbConn}
	pusher := &pusherStub{}
	return NewChatService(messages, &chatTaskStoreStub{task: task}, pusher), messages, pusher
}

func TestSendMessage_BothSidesWriteOnceInProgress(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusInProgress}
	svc, messages, pusher := newChatService(t, task)
	ctx := context.Background()

	messages.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)

	msg, err := svc.SendMessage(ctx, "U2", 1, "U1", "on my way", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(55), msg.ID)
	require.Len(t, pusher.users, 1)
	assert.Equal(t, "U1", pusher.users[0])
	assert.Equal(t, "message", pusher.events[0])
}

func TestSendMessage_StrangerForbidden(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusInProgress}
	svc, _, _ := newChatService(t, task)

	_, err := svc.SendMessage(context.Background(), "U9", 1, "U1", "hello", nil, nil)
	assert.True(t, apperror.IsForbidden(err))
}

func TestSendMessage_TakerCannotWriteBeforeStart(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusTaken}
	svc, _, _ := newChatService(t, task)

	_, err := svc.SendMessage(context.Background(), "U2", 1, "U1", "when do we start?", nil, nil)
	assert.True(t, apperror.IsForbidden(err))
}

func TestSendMessage_PosterNeedsPrestartFlagBeforeStart(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusTaken}
	svc, _, _ := newChatService(t, task)

	_, err := svc.SendMessage(context.Background(), "U1", 1, "U2", "plain message", nil, nil)
	assert.True(t, apperror.IsForbidden(err))
}

func TestSendMessage_PrestartNoteWithinLimits(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusOpen}
	svc, messages, _ := newChatService(t, task)
	ctx := context.Background()

	messages.On("CountPrestartNotes", ctx, int64(1), "U1", mock.Anything).Return(0, nil)
	messages.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)

	msg, err := svc.SendMessage(ctx, "U1", 1, "U2", "bring a ladder", nil,
		models.MessageMeta{"is_prestart_note": true})
	require.NoError(t, err)
	assert.True(t, msg.Meta.IsPrestartNote())
}

func TestSendMessage_PrestartMinuteLimit(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusOpen}
	svc, messages, _ := newChatService(t, task)
	ctx := context.Background()

	messages.On("CountPrestartNotes", ctx, int64(1), "U1", mock.Anything).Return(1, nil).Once()

	_, err := svc.SendMessage(ctx, "U1", 1, "U2", "one more thing", nil,
		models.MessageMeta{"is_prestart_note": true})
	assert.True(t, apperror.IsConflict(err))
}

func TestSendMessage_ChatClosedAfterCompletion(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusCompleted}
	svc, _, _ := newChatService(t, task)

	_, err := svc.SendMessage(context.Background(), "U1", 1, "U2", "thanks again", nil, nil)
	assert.True(t, apperror.IsPrecondition(err))
}

func TestSendMessage_CurrencyMismatchRejected(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusInProgress, Currency: "GBP"}
	svc, _, _ := newChatService(t, task)

	_, err := svc.SendMessage(context.Background(), "U1", 1, "U2", "offer", nil,
		models.MessageMeta{"currency": "USD", "amount": 20})
	assert.True(t, apperror.IsValidation(err))
}

func TestMarkRead_InsertsReceiptsAndBumpsCursor(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusInProgress}
	dbConn, dbMock := newTxDB(t)
	messages := &mockMessageStore{db: dbConn}
	svc := NewChatService(messages, &chatTaskStoreStub{task: task}, nil)
	ctx := context.Background()

	dbMock.ExpectBegin()
	messages.On("ListUnreadIDs", ctx, mock.Anything, int64(1), "U1", int64(50)).
		Return([]int64{48, 49, 50}, nil)
	messages.On("InsertReads", ctx, mock.Anything, "U1", []int64{48, 49, 50}, mock.Anything).Return(nil)
	messages.On("BumpCursor", ctx, mock.Anything, int64(1), "U1", int64(50), mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	require.NoError(t, svc.MarkRead(ctx, "U1", 1, 50))
}

func TestMarkRead_NothingUnreadStillBumpsCursor(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusInProgress}
	dbConn, dbMock := newTxDB(t)
	messages := &mockMessageStore{db: dbConn}
	svc := NewChatService(messages, &chatTaskStoreStub{task: task}, nil)
	ctx := context.Background()

	dbMock.ExpectBegin()
	messages.On("ListUnreadIDs", ctx, mock.Anything, int64(1), "U1", int64(50)).
		Return([]int64{}, nil)
	messages.On("BumpCursor", ctx, mock.Anything, int64(1), "U1", int64(50), mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	require.NoError(t, svc.MarkRead(ctx, "U1", 1, 50))
	messages.AssertNotCalled(t, "InsertReads", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUnreadCount_PrefersCursor(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusInProgress}
	svc, messages, _ := newChatService(t, task)
	ctx := context.Background()

	messages.On("GetCursor", ctx, mock.Anything, int64(1), "U1").
		Return(&models.MessageReadCursor{TaskID: 1, UserID: "U1", LastReadMessageID: 40}, nil)
	messages.On("UnreadCountByCursor", ctx, int64(1), "U1", int64(40)).Return(3, nil)

	n, err := svc.UnreadCount(ctx, "U1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	messages.AssertNotCalled(t, "UnreadCountByReads", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnreadCount_FallsBackToReceipts(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", Status: models.TaskStatusInProgress}
	svc, messages, _ := newChatService(t, task)
	ctx := context.Background()

	messages.On("GetCursor", ctx, mock.Anything, int64(1), "U1").Return(nil, nil)
	messages.On("UnreadCountByReads", ctx, int64(1), "U1").Return(5, nil)

	n, err := svc.UnreadCount(ctx, "U1", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestListMessages_ParticipantOnly(t *testing.T) {
	task := &models.Task{ID: 1, PosterID: "U1", TakerID: strPtr("U2"), Status: models.TaskStatusInProgress}
	svc, messages, _ := newChatService(t, task)
	ctx := context.Background()

	messages.On("ListByTask", ctx, int64(1), 50, 0).Return([]models.Message{{ID: 1}}, nil)

	msgs, err := svc.ListMessages(ctx, "U2", 1, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = svc.ListMessages(ctx, "U9", 1, 50, 0)
	assert.True(t, apperror.IsForbidden(err))
}
