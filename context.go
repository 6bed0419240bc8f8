package convo

// Context carries the scoped stores, the outbound client and the captured
// handler error through one update. A new Context is created for every
// update; the stores it returns are shared between updates with the same
// user and chat IDs.
type Context interface {
	// BotData returns the process-wide store shared by all handlers.
	BotData() *Store

	// ChatData returns the store scoped to the effective chat.
	ChatData() *Store

	// UserData returns the store scoped to the effective user.
	UserData() *Store

	// Client returns the outbound client.
	Client() Client

	// AnswerCallback acknowledges the update's callback query. It is
	// idempotent within one update: the second and further calls are no-ops.
	// It returns an error for non-callback updates.
	AnswerCallback(text ...string) error

	// Err returns the captured handler error consumed by the error dispatch
	// boundary. It is nil while the handler chain is still running.
	Err() error

	// Logger returns the bot logger.
	Logger() Logger
}

type ctxImpl struct {
	b   *Bot
	upd Update

	err      error
	answered bool
}

func (b *Bot) newContext(u Update) *ctxImpl {
	return &ctxImpl{b: b, upd: u}
}

func (c *ctxImpl) BotData() *Store {
	return c.b.botStore
}

func (c *ctxImpl) ChatData() *Store {
	return c.b.chatStores.get(c.upd.ChatID)
}

func (c *ctxImpl) UserData() *Store {
	return c.b.userStores.get(c.upd.UserID)
}

func (c *ctxImpl) Client() Client {
	return c.b.client
}

func (c *ctxImpl) AnswerCallback(text ...string) error {
	if !c.upd.IsCallback {
		return errNotCallback
	}
	if c.answered {
		return nil
	}
	c.answered = true
	return c.b.client.AnswerCallback(c.upd.CallbackID, text...)
}

func (c *ctxImpl) Err() error {
	return c.err
}

func (c *ctxImpl) Logger() Logger {
	return c.b.log
}

func (c *ctxImpl) setError(err error) {
	c.err = err
}
