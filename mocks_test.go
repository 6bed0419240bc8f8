package convo

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	tele "gopkg.in/telebot.v4"
)

// MockStorage is a mock implementation of Storage interface using testify/mock
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) EnsureIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) UpsertUser(ctx context.Context, rec UserRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStorage) GetUser(ctx context.Context, id int64) (UserRecord, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(UserRecord), args.Bool(1), args.Error(2)
}

func (m *MockStorage) ListUsers(ctx context.Context) ([]UserRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).([]UserRecord), args.Error(1)
}

func (m *MockStorage) SetUserDisabled(ctx context.Context, id int64, disabled bool) error {
	args := m.Called(ctx, id, disabled)
	return args.Error(0)
}

func (m *MockStorage) TouchUserAsync(id int64) {
	m.Called(id)
}

func (m *MockStorage) UpsertChat(ctx context.Context, rec ChatRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStorage) TouchChatAsync(id int64) {
	m.Called(id)
}

func (m *MockStorage) ListConversations(ctx context.Context, name string) ([]ConversationRecord, error) {
	args := m.Called(ctx, name)
	return args.Get(0).([]ConversationRecord), args.Error(1)
}

func (m *MockStorage) SaveConversationAsync(name, key, state string) {
	m.Called(name, key, state)
}

func (m *MockStorage) DeleteConversationAsync(name, key string) {
	m.Called(name, key)
}

func (m *MockStorage) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockClient is a mock implementation of Client interface using testify/mock
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SendMessage(chatID int64, text string, options ...any) (int, error) {
	args := m.Called(chatID, text, options)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) EditMessage(chatID int64, msgID int, text string, options ...any) error {
	args := m.Called(chatID, msgID, text, options)
	return args.Error(0)
}

func (m *MockClient) DeleteMessage(chatID int64, msgID int) error {
	args := m.Called(chatID, msgID)
	return args.Error(0)
}

func (m *MockClient) AnswerCallback(callbackID string, text ...string) error {
	args := m.Called(callbackID, text)
	return args.Error(0)
}

// MockPoller feeds prepared updates into the bot, it implements tele.Poller.
type MockPoller struct {
	updates chan tele.Update
	stopped bool
	mu      sync.Mutex
}

func NewMockPoller() *MockPoller {
	return &MockPoller{
		updates: make(chan tele.Update, 10),
	}
}

func (m *MockPoller) Poll(bot *tele.Bot, updates chan tele.Update, stop chan struct{}) {
	for {
		select {
		case upd := <-m.updates:
			select {
			case updates <- upd:
			case <-stop:
				m.mu.Lock()
				m.stopped = true
				m.mu.Unlock()
				return
			}
		case <-stop:
			m.mu.Lock()
			m.stopped = true
			m.mu.Unlock()
			return
		}
	}
}

func (m *MockPoller) SendUpdate(upd tele.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		select {
		case m.updates <- upd:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// MockLogger is a mock implementation of Logger interface using testify/mock
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.Called(msg, args)
}

// MockUpdateLogger is a mock implementation of UpdateLogger interface using testify/mock
type MockUpdateLogger struct {
	mock.Mock
}

func (m *MockUpdateLogger) Log(t UpdateType, args ...any) {
	m.Called(t, args)
}

// testContext implements Context without a running bot, for handler and
// middleware tests. It mirrors the real context: AnswerCallback is
// idempotent and fails for non-callback updates.
type testContext struct {
	botData  *Store
	chatData *Store
	userData *Store
	client   Client
	log      Logger

	upd       Update
	err       error
	answers   int
	answerErr error
}

func newTestContext(u Update, client Client) *testContext {
	return &testContext{
		botData:  NewStore(),
		chatData: NewStore(),
		userData: NewStore(),
		client:   client,
		log:      NoopLogger{},
		upd:      u,
	}
}

func (c *testContext) BotData() *Store  { return c.botData }
func (c *testContext) ChatData() *Store { return c.chatData }
func (c *testContext) UserData() *Store { return c.userData }
func (c *testContext) Client() Client   { return c.client }
func (c *testContext) Err() error       { return c.err }
func (c *testContext) Logger() Logger   { return c.log }

func (c *testContext) AnswerCallback(text ...string) error {
	if !c.upd.IsCallback {
		return errNotCallback
	}
	if c.answers > 0 {
		return nil
	}
	c.answers++
	return c.answerErr
}

func textUpdate(userID, chatID int64, msgID int, text string) Update {
	return Update{
		UserID:    userID,
		ChatID:    chatID,
		MessageID: msgID,
		Text:      text,
	}
}

func callbackUpdate(userID, chatID int64, msgID int, unique, data string) Update {
	return Update{
		UserID:         userID,
		ChatID:         chatID,
		MessageID:      msgID,
		IsCallback:     true,
		CallbackID:     "cb",
		CallbackUnique: unique,
		CallbackData:   data,
	}
}

func teleTextUpdate(id int, userID int64, msgID int, text string) tele.Update {
	return tele.Update{
		ID: id,
		Message: &tele.Message{
			ID:     msgID,
			Text:   text,
			Sender: &tele.User{ID: userID, FirstName: "Test", Username: "testuser"},
			Chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
		},
	}
}

func teleCallbackUpdate(id int, userID int64, msgID int, data string) tele.Update {
	return tele.Update{
		ID: id,
		Callback: &tele.Callback{
			ID:     "cb-1",
			Sender: &tele.User{ID: userID, FirstName: "Test", Username: "testuser"},
			Data:   data,
			Message: &tele.Message{
				ID:   msgID,
				Chat: &tele.Chat{ID: userID, Type: tele.ChatPrivate},
			},
		},
	}
}

func boolPtr(v bool) *bool { return &v }
