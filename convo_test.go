package convo

import (
	"context"
	"testing"
	"time"

	"github.com/maxbolgarin/contem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

// newOfflineBot builds a bot that never talks to Telegram: offline telebot,
// mock poller, memory storage and a silent logger.
func newOfflineBot(t *testing.T, mutate ...func(*Options)) *Bot {
	t.Helper()

	opts := Options{Poller: NewMockPoller()}
	opts.Config.TestMode = true
	opts.Config.LogUpdates = boolPtr(false)
	opts.Config.EnableLogging = boolPtr(false)
	for _, f := range mutate {
		f(&opts)
	}

	b, err := NewWithOptions(contem.New(), "dummy-token", opts)
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func TestNewRequiresToken(t *testing.T) {
	_, err := NewWithOptions(contem.New(), "", Options{})
	assert.Error(t, err)
}

func TestHandleEndpoints(t *testing.T) {
	b := newOfflineBot(t)
	h := func(u Update, c Context) (State, error) { return StateNone, nil }

	b.Handle("/stats", h)
	_, ok := b.commandHandlers.Lookup("/stats")
	assert.True(t, ok, "command endpoint")

	b.Handle("\fpick", h)
	_, ok = b.callbackHandlers.Lookup("pick")
	assert.True(t, ok, "raw callback endpoint")

	b.Handle("hello", h)
	_, ok = b.textHandlers.Lookup("hello")
	assert.True(t, ok, "exact text endpoint")

	b.Handle(NewCodec[struct{ ID int }]("confirm"), h)
	_, ok = b.callbackHandlers.Lookup("confirm")
	assert.True(t, ok, "codec endpoint")

	b.Handle(tele.Btn{Text: "Close", Unique: "close"}, h)
	_, ok = b.callbackHandlers.Lookup("close")
	assert.True(t, ok, "telebot button endpoint")

	assert.Nil(t, b.textFallback)
	b.SetTextHandler(h)
	assert.NotNil(t, b.textFallback)

	assert.Nil(t, b.callbackFallback)
	b.SetCallbackHandler(h)
	assert.NotNil(t, b.callbackFallback)

	b.SetStartHandler(h)
	_, ok = b.commandHandlers.Lookup("/start")
	assert.True(t, ok, "start endpoint")
}

func TestHandleUnsupportedEndpoint(t *testing.T) {
	log := &MockLogger{}
	log.On("Error", mock.Anything, mock.Anything).Return()
	log.On("Info", mock.Anything, mock.Anything).Return()

	b := newOfflineBot(t, func(o *Options) {
		o.Logger = log
		o.Config.EnableLogging = boolPtr(true)
	})

	b.Handle(42, func(u Update, c Context) (State, error) { return StateNone, nil })
	log.AssertCalled(t, "Error", "unsupported endpoint type, handler is not registered", mock.Anything)
}

func TestHandleAppliesMiddlewares(t *testing.T) {
	b := newOfflineBot(t)

	var calls int
	b.Handle("/stats", func(u Update, c Context) (State, error) {
		calls++
		return StateNone, nil
	}, AdminOnly(1))

	client := &MockClient{}
	u := textUpdate(2, 2, 10, "/stats")
	_, err := b.routeText(u, newTestContext(u, client))
	require.NoError(t, err)
	assert.Zero(t, calls, "non-admin must not reach the handler")

	u = textUpdate(1, 1, 11, "/stats")
	_, err = b.routeText(u, newTestContext(u, client))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRouteTextPrecedence(t *testing.T) {
	b := newOfflineBot(t)

	var visited []string
	mark := func(name string, st State) HandlerFunc {
		return func(u Update, c Context) (State, error) {
			visited = append(visited, name)
			return st, nil
		}
	}

	conv, err := NewConversation("order").
		Entry("/order", mark("entry", "drink")).
		OnState("drink", mark("drink", StateEnd)).
		Build()
	require.NoError(t, err)
	require.NoError(t, b.Mount(conv))

	b.Handle("/order", mark("command", StateNone))
	b.Handle("/help", mark("help", StateNone))
	b.Handle("hello", mark("exact", StateNone))
	b.SetTextHandler(mark("fallback", StateNone))

	client := &MockClient{}
	send := func(msgID int, text string) {
		u := textUpdate(1, 1, msgID, text)
		_, err := b.routeText(u, newTestContext(u, client))
		require.NoError(t, err)
	}

	send(1, "/order")  // the dialog entry wins over the command handler
	send(2, "latte")   // the active dialog claims plain text before handlers
	send(3, "/help")   // the dialog ended, commands are routed again
	send(4, "hello")   // exact text handler
	send(5, "sign me") // nothing claimed it

	assert.Equal(t, []string{"entry", "drink", "help", "exact", "fallback"}, visited)
}

func TestRouteCallbackPrecedence(t *testing.T) {
	b := newOfflineBot(t)

	var got string
	b.Handle("\fpick", func(u Update, c Context) (State, error) {
		got = u.CallbackData
		return StateNone, nil
	})
	var fallback bool
	b.SetCallbackHandler(func(u Update, c Context) (State, error) {
		fallback = true
		return StateNone, nil
	})

	client := &MockClient{}
	u := callbackUpdate(1, 1, 5, "pick", `{"n":"latte"}`)
	_, err := b.routeCallback(u, newTestContext(u, client))
	require.NoError(t, err)
	assert.Equal(t, `{"n":"latte"}`, got)
	assert.False(t, fallback)

	u = callbackUpdate(1, 1, 6, "other", "x")
	_, err = b.routeCallback(u, newTestContext(u, client))
	require.NoError(t, err)
	assert.True(t, fallback)
}

func TestMountDuplicateName(t *testing.T) {
	b := newOfflineBot(t)

	first, err := NewConversation("order").Entry("/order", stateHandler(StateEnd)).Build()
	require.NoError(t, err)
	second, err := NewConversation("order").Entry("/other", stateHandler(StateEnd)).Build()
	require.NoError(t, err)

	require.NoError(t, b.Mount(first))
	assert.Error(t, b.Mount(second))
}

func TestMasterMiddlewareDropsBrokenUpdates(t *testing.T) {
	b := newOfflineBot(t)

	assert.False(t, b.masterMiddleware(nil))
	assert.False(t, b.masterMiddleware(&tele.Update{ID: 1}), "update without sender")
}

func TestMasterMiddlewareTracksBlocking(t *testing.T) {
	b := newOfflineBot(t)

	upd := teleTextUpdate(1, 5, 1, "hi")
	require.True(t, b.masterMiddleware(&upd))

	kick := tele.Update{MyChatMember: &tele.ChatMemberUpdate{
		Sender:        &tele.User{ID: 5},
		NewChatMember: &tele.ChatMember{Role: tele.Kicked},
	}}
	assert.False(t, b.masterMiddleware(&kick), "chat member updates stop at the bookkeeping")

	user, found := b.User(5)
	require.True(t, found)
	assert.True(t, user.Disabled)

	back := tele.Update{MyChatMember: &tele.ChatMemberUpdate{
		Sender:        &tele.User{ID: 5},
		NewChatMember: &tele.ChatMember{Role: tele.Member},
	}}
	assert.False(t, b.masterMiddleware(&back))

	user, found = b.User(5)
	require.True(t, found)
	assert.False(t, user.Disabled)
}

func TestAddMiddlewareCanDropUpdate(t *testing.T) {
	b := newOfflineBot(t)
	b.AddMiddleware(func(upd *tele.Update) bool { return false })

	upd := teleTextUpdate(2, 6, 1, "hi")
	assert.False(t, b.masterMiddleware(&upd))
}

func TestRegistration(t *testing.T) {
	b := newOfflineBot(t)

	upd := teleTextUpdate(1, 9, 1, "/start")
	require.True(t, b.masterMiddleware(&upd))

	assert.False(t, b.IsRegistered(9))
	require.NoError(t, b.SetRegistered(context.Background(), 9, true))
	assert.True(t, b.IsRegistered(9))
	assert.Len(t, b.Users(), 1)
}

func TestBotLifecycle(t *testing.T) {
	poller := NewMockPoller()
	b := newOfflineBot(t, func(o *Options) { o.Poller = poller })

	done := make(chan struct{})
	b.Handle("/ping", func(u Update, c Context) (State, error) {
		close(done)
		return StateNone, nil
	})

	b.Start()
	poller.SendUpdate(teleTextUpdate(1, 42, 1, "/ping"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	b.Stop()
	b.Stop() // stopping twice must be safe
}

func TestBotSendsRegistrationHint(t *testing.T) {
	poller := NewMockPoller()
	client := &MockClient{}
	sent := make(chan struct{})
	client.On("SendMessage", int64(42), notRegisteredText, mock.Anything).
		Return(1, nil).
		Run(func(mock.Arguments) { close(sent) })

	b := newOfflineBot(t, func(o *Options) {
		o.Poller = poller
		o.Client = client
	})
	b.Handle("/profile", func(u Update, c Context) (State, error) {
		return StateNone, NotRegisteredError(u.UserID)
	})

	b.Start()
	poller.SendUpdate(teleTextUpdate(1, 42, 1, "/profile"))

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("registration hint was not sent")
	}
	client.AssertExpectations(t)
}

func TestBotAnswersCallbacks(t *testing.T) {
	poller := NewMockPoller()
	client := &MockClient{}
	answered := make(chan struct{})
	client.On("AnswerCallback", "cb-1", mock.Anything).
		Return(nil).
		Run(func(mock.Arguments) { close(answered) })

	b := newOfflineBot(t, func(o *Options) {
		o.Poller = poller
		o.Client = client
	})

	pick := NewCodec[struct{}]("pick")
	b.Handle(pick, Inject(pick, func(u Update, c Context, _ struct{}) (State, error) {
		return StateNone, nil
	}))

	b.Start()
	poller.SendUpdate(teleCallbackUpdate(1, 42, 7, "\fpick|{}"))

	select {
	case <-answered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not answered")
	}
}
