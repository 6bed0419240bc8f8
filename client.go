package convo

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

var (
	errEmptyChatID = errm.New("empty chat id")
	errEmptyMsgID  = errm.New("empty msg id")
)

// Client is the outbound surface available to handlers and middlewares.
// It is implemented by the telebot-backed client and can be mocked in tests.
type Client interface {
	// SendMessage sends a text message to the chat and returns the sent
	// message ID.
	SendMessage(chatID int64, text string, options ...any) (int, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(chatID int64, msgID int, text string, options ...any) error

	// DeleteMessage deletes a message from the chat.
	DeleteMessage(chatID int64, msgID int) error

	// AnswerCallback acknowledges a callback query, with an optional
	// notification text.
	AnswerCallback(callbackID string, text ...string) error
}

// teleClient wraps *tele.Bot with ID guards and default send options.
type teleClient struct {
	bot *tele.Bot
	log Logger

	defaultOptions []any
	middlewares    []MiddlewareFunc
}

func newTeleClient(token string, cfg Config, log Logger, poller tele.Poller) (*teleClient, error) {
	c := &teleClient{
		log:            log,
		defaultOptions: []any{cfg.ParseMode},
	}

	if cfg.NoPreview {
		c.defaultOptions = append(c.defaultOptions, tele.NoPreview)
	}
	if poller == nil {
		poller = &tele.LongPoller{Timeout: cfg.LPTimeout}
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  tele.NewMiddlewarePoller(poller, c.middleware),
		Client:  &http.Client{Timeout: 2 * cfg.LPTimeout},
		Offline: cfg.TestMode,
		Verbose: cfg.Debug && !cfg.TestMode,
		OnError: func(err error, ctx tele.Context) {
			var chatID int64
			if ctx != nil && ctx.Chat() != nil {
				chatID = ctx.Chat().ID
			}
			c.log.Error("bot.OnError", "error", err, "chat_id", chatID)
		},
	})
	if err != nil {
		return nil, errm.Wrap(err, "new telebot")
	}
	c.bot = bot

	return c, nil
}

func (c *teleClient) start() {
	c.log.Info("bot is starting")
	lang.Go(c.log, c.bot.Start)
}

func (c *teleClient) stop() {
	c.bot.Stop()
}

func (c *teleClient) addMiddleware(f MiddlewareFunc) {
	c.middlewares = append(c.middlewares, f)
}

func (c *teleClient) middleware(upd *tele.Update) bool {
	for _, f := range c.middlewares {
		if !f(upd) {
			return false
		}
	}
	return true
}

func (c *teleClient) handle(endpoint any, handler tele.HandlerFunc) {
	c.bot.Handle(endpoint, handler)
}

func (c *teleClient) SendMessage(chatID int64, text string, options ...any) (int, error) {
	if chatID == 0 {
		return 0, errEmptyChatID
	}

	m, err := c.bot.Send(chatIDWrapper(chatID), text, append(options, c.defaultOptions...)...)
	if err != nil {
		return 0, err
	}

	return m.ID, nil
}

func (c *teleClient) EditMessage(chatID int64, msgID int, text string, options ...any) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}

	_, err := c.bot.Edit(getEditable(chatID, msgID), text, append(options, c.defaultOptions...)...)
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			c.log.Warn("message is not modified", "msg_id", msgID, "chat_id", chatID, "method", "Bot.Edit")
			return nil
		}
		if IsNotFoundEditMsgErr(err) {
			c.log.Warn("message to edit not found", "msg_id", msgID, "chat_id", chatID, "method", "Bot.Edit")
		}
		return err
	}

	return nil
}

func (c *teleClient) DeleteMessage(chatID int64, msgID int) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}

	return c.bot.Delete(getEditable(chatID, msgID))
}

func (c *teleClient) AnswerCallback(callbackID string, text ...string) error {
	if callbackID == "" {
		return errm.New("empty callback id")
	}
	return c.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{
		Text: lang.First(text),
	})
}

// chatIDWrapper makes a recipient from a raw chat ID.
type chatIDWrapper int64

func (c chatIDWrapper) Recipient() string {
	return strconv.FormatInt(int64(c), 10)
}

func getEditable(chatID int64, msgID int) tele.Editable {
	return &tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}}
}
