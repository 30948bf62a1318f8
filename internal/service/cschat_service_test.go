package service

import (
	"context"
	"errors"
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

type mockCSChatStore struct {
	mock.Mock
	db *sqlx.DB
}

func (m *mockCSChatStore) DB() *sqlx.DB { return m.db }

func (m *mockCSChatStore) GetChat(ctx context.Context, q repository.Queryer, chatID int64) (*models.CustomerServiceChat, error) {
	args := m.Called(ctx, q, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CustomerServiceChat), args.Error(1)
}

func (m *mockCSChatStore) GetActiveChatByUser(ctx context.Context, userID string) (*models.CustomerServiceChat, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CustomerServiceChat), args.Error(1)
}

func (m *mockCSChatStore) CreateChat(ctx context.Context, q repository.Queryer, chat *models.CustomerServiceChat) error {
	args := m.Called(ctx, q, chat)
	if args.Error(0) == nil {
		chat.ID = 77
	}
	return args.Error(0)
}

func (m *mockCSChatStore) EndChat(ctx context.Context, q repository.Queryer, chatID int64, reason string, at time.Time) error {
	return m.Called(ctx, q, chatID, reason, at).Error(0)
}

func (m *mockCSChatStore) ListChatsByService(ctx context.Context, serviceID string, ended bool, limit int) ([]models.CustomerServiceChat, error) {
	args := m.Called(ctx, serviceID, ended, limit)
	return args.Get(0).([]models.CustomerServiceChat), args.Error(1)
}

func (m *mockCSChatStore) TrimEndedChats(ctx context.Context, serviceID string, cap int) (int64, error) {
	args := m.Called(ctx, serviceID, cap)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCSChatStore) CreateMessage(ctx context.Context, q repository.Queryer, msg *models.CustomerServiceMessage) error {
	args := m.Called(ctx, q, msg)
	if args.Error(0) == nil {
		msg.ID = 88
	}
	return args.Error(0)
}

func (m *mockCSChatStore) UpdateMessageStatus(ctx context.Context, q repository.Queryer, messageID int64, status string) error {
	return m.Called(ctx, q, messageID, status).Error(0)
}

func (m *mockCSChatStore) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.CustomerServiceMessage, error) {
	args := m.Called(ctx, chatID, limit, offset)
	return args.Get(0).([]models.CustomerServiceMessage), args.Error(1)
}

func (m *mockCSChatStore) Enqueue(ctx context.Context, userID string, at time.Time) (*models.CustomerServiceQueue, error) {
	args := m.Called(ctx, userID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CustomerServiceQueue), args.Error(1)
}

func (m *mockCSChatStore) OldestWaiting(ctx context.Context, tx *sqlx.Tx) (*models.CustomerServiceQueue, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CustomerServiceQueue), args.Error(1)
}

func (m *mockCSChatStore) AssignQueueEntry(ctx context.Context, q repository.Queryer, entryID int64, serviceID string, at time.Time) error {
	return m.Called(ctx, q, entryID, serviceID, at).Error(0)
}

func (m *mockCSChatStore) CountWaiting(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCSChatStore) FreeServices(ctx context.Context, q repository.Queryer) ([]string, error) {
	args := m.Called(ctx, q)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockCSChatStore) CountOnlineServices(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCSChatStore) AvgChatDurationSeconds(ctx context.Context, n int) (float64, error) {
	args := m.Called(ctx, n)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockCSChatStore) ListTimedOutChats(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).([]models.CustomerServiceChat), args.Error(1)
}

func (m *mockCSChatStore) ListIdleUnwarned(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).([]models.CustomerServiceChat), args.Error(1)
}

func (m *mockCSChatStore) MarkWarned(ctx context.Context, q repository.Queryer, chatID int64, at time.Time) error {
	return m.Called(ctx, q, chatID, at).Error(0)
}

func TestRequestChat_ReturnsExistingActiveChat(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetActiveChatByUser", ctx, "U1").
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1"}, nil)

	chat, entry, err := svc.RequestChat(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), chat.ID)
	assert.Nil(t, entry)
	chats.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestRequestChat_EnqueuesAndAssignsFreeAgent(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	pusher := &pusherStub{}
	svc := NewCSChatService(chats, pusher, nil)
	ctx := context.Background()

	// Активного чата нет, в очередь, один свободный оператор.
	chats.On("GetActiveChatByUser", ctx, "U1").
		Return(nil, repository.ErrChatNotFound).Once()
	chats.On("Enqueue", ctx, "U1", mock.Anything).
		Return(&models.CustomerServiceQueue{ID: 3, UserID: "U1", Status: models.QueueStatusWaiting}, nil)

	dbMock.ExpectBegin()
	chats.On("FreeServices", ctx, mock.Anything).Return([]string{"CS1"}, nil).Once()
	chats.On("OldestWaiting", ctx, mock.Anything).
		Return(&models.CustomerServiceQueue{ID: 3, UserID: "U1"}, nil).Once()
	chats.On("AssignQueueEntry", ctx, mock.Anything, int64(3), "CS1", mock.Anything).Return(nil)
	chats.On("CreateChat", ctx, mock.Anything, mock.Anything).Return(nil)
	dbMock.ExpectCommit()

	// Второй круг диспетчера: очередь пуста.
	dbMock.ExpectBegin()
	chats.On("FreeServices", ctx, mock.Anything).Return([]string{}, nil).Once()
	dbMock.ExpectCommit()

	chats.On("GetActiveChatByUser", ctx, "U1").
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1"}, nil).Once()

	chat, entry, err := svc.RequestChat(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Nil(t, entry)
	assert.Contains(t, pusher.users, "U1")
	assert.Contains(t, pusher.users, "CS1")
}

func TestRequestChat_NoFreeAgentLeavesUserWaiting(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetActiveChatByUser", ctx, "U1").Return(nil, repository.ErrChatNotFound)
	chats.On("Enqueue", ctx, "U1", mock.Anything).
		Return(&models.CustomerServiceQueue{ID: 3, UserID: "U1", Status: models.QueueStatusWaiting}, nil)
	dbMock.ExpectBegin()
	chats.On("FreeServices", ctx, mock.Anything).Return([]string{}, nil)
	dbMock.ExpectCommit()

	chat, entry, err := svc.RequestChat(ctx, "U1")
	require.NoError(t, err)
	assert.Nil(t, chat)
	require.NotNil(t, entry)
	assert.Equal(t, models.QueueStatusWaiting, entry.Status)
}

func TestSendCSMessage_EndedChatRejected(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetChat", ctx, mock.Anything, int64(77)).
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1", IsEnded: true}, nil)

	_, err := svc.SendMessage(ctx, "U1", 77, "hello?", false)
	assert.True(t, apperror.IsPrecondition(err))
}

func TestSendCSMessage_AgentOfAnotherChatForbidden(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetChat", ctx, mock.Anything, int64(77)).
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1"}, nil)

	_, err := svc.SendMessage(ctx, "CS2", 77, "how can I help", true)
	assert.True(t, apperror.IsForbidden(err))
}

func TestSendCSMessage_DeliveredOncePushed(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	pusher := &pusherStub{}
	svc := NewCSChatService(chats, pusher, nil)
	ctx := context.Background()

	chats.On("GetChat", ctx, mock.Anything, int64(77)).
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1"}, nil)
	chats.On("CreateMessage", ctx, mock.Anything, mock.Anything).Return(nil)
	chats.On("UpdateMessageStatus", ctx, mock.Anything, int64(88), models.CSMessageStatusDelivered).Return(nil)

	msg, err := svc.SendMessage(ctx, "U1", 77, "my payment failed", false)
	require.NoError(t, err)
	assert.Equal(t, models.CSMessageStatusDelivered, msg.Status)
	require.Len(t, pusher.users, 1)
	assert.Equal(t, "CS1", pusher.users[0])
}

func TestEndChat_TrimsHistoryAndRedispatches(t *testing.T) {
	dbConn, dbMock := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetChat", ctx, mock.Anything, int64(77)).
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1"}, nil)
	chats.On("EndChat", ctx, mock.Anything, int64(77), "resolved", mock.Anything).Return(nil)
	chats.On("TrimEndedChats", ctx, "CS1", 50).Return(int64(2), nil)
	dbMock.ExpectBegin()
	chats.On("FreeServices", ctx, mock.Anything).Return([]string{}, nil)
	dbMock.ExpectCommit()

	require.NoError(t, svc.EndChat(ctx, "CS1", 77, "resolved"))
	chats.AssertCalled(t, "TrimEndedChats", ctx, "CS1", 50)
}

func TestEndChat_AlreadyEndedIsNoop(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	svc := NewCSChatService(chats, nil, nil)
	ctx := context.Background()

	chats.On("GetChat", ctx, mock.Anything, int64(77)).
		Return(&models.CustomerServiceChat{ID: 77, UserID: "U1", ServiceID: "CS1", IsEnded: true}, nil)

	require.NoError(t, svc.EndChat(ctx, "U1", 77, "bye"))
	chats.AssertNotCalled(t, "EndChat", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWarnIdleChats_WarnsBothPartiesOnce(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	pusher := &pusherStub{}
	svc := NewCSChatService(chats, pusher, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	// Предупреждение уходит за chatWarnLead до авто-завершения.
	cutoff := now.Add(-(chatIdleTimeout - chatWarnLead))
	chats.On("ListIdleUnwarned", ctx, cutoff).
		Return([]models.CustomerServiceChat{{ID: 77, UserID: "U1", ServiceID: "CS1"}}, nil)
	chats.On("MarkWarned", ctx, mock.Anything, int64(77), now).Return(nil)

	warned, err := svc.WarnIdleChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warned)
	assert.ElementsMatch(t, []string{"U1", "CS1"}, pusher.users)
	assert.Equal(t, []string{"cs_chat_timeout_warning", "cs_chat_timeout_warning"}, pusher.events)
	chats.AssertCalled(t, "MarkWarned", ctx, mock.Anything, int64(77), now)
}

func TestWarnIdleChats_SkipsChatWhenMarkFails(t *testing.T) {
	dbConn, _ := newTxDB(t)
	chats := &mockCSChatStore{db: dbConn}
	pusher := &pusherStub{}
	svc := NewCSChatService(chats, pusher, nil)
	ctx := context.Background()

	chats.On("ListIdleUnwarned", ctx, mock.Anything).
		Return([]models.CustomerServiceChat{{ID: 77, UserID: "U1", ServiceID: "CS1"}}, nil)
	chats.On("MarkWarned", ctx, mock.Anything, int64(77), mock.Anything).
		Return(errors.New("row gone"))

	warned, err := svc.WarnIdleChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, warned)
	assert.Empty(t, pusher.users)
}

func TestEstimatedWaitSeconds(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		dbConn, _ := newTxDB(t)
		chats := &mockCSChatStore{db: dbConn}
		svc := NewCSChatService(chats, nil, nil)
		chats.On("CountWaiting", ctx).Return(0, nil)

		sec, err := svc.EstimatedWaitSeconds(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, sec)
	})

	t.Run("no agents online", func(t *testing.T) {
		dbConn, _ := newTxDB(t)
		chats := &mockCSChatStore{db: dbConn}
		svc := NewCSChatService(chats, nil, nil)
		chats.On("CountWaiting", ctx).Return(4, nil)
		chats.On("CountOnlineServices", ctx).Return(0, nil)

		sec, err := svc.EstimatedWaitSeconds(ctx)
		require.NoError(t, err)
		assert.Equal(t, -1, sec)
	})

	t.Run("average scaled by queue and agents", func(t *testing.T) {
		dbConn, _ := newTxDB(t)
		chats := &mockCSChatStore{db: dbConn}
		svc := NewCSChatService(chats, nil, nil)
		chats.On("CountWaiting", ctx).Return(4, nil)
		chats.On("CountOnlineServices", ctx).Return(2, nil)
		chats.On("AvgChatDurationSeconds", ctx, 100).Return(300.0, nil)

		sec, err := svc.EstimatedWaitSeconds(ctx)
		require.NoError(t, err)
		assert.Equal(t, 600, sec)
	})
}
