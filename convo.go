// Package convo is a framework for building Telegram bots around
// multi-step dialogs. It routes updates through composable middlewares
// into conversation state machines, keeps per-user and per-chat data,
// persists records and dialog state in optional MongoDB storage and
// exposes Prometheus metrics.
package convo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// Bot wires the update pipeline together: poller level middlewares, record
// bookkeeping, dialog routing, plain handlers and the terminal error
// boundary.
type Bot struct {
	ctx     context.Context
	cfg     Config
	log     Logger
	rlog    UpdateLogger
	client  Client
	tclient *teleClient
	storage Storage
	manager *manager
	metrics *metrics

	botStore   *Store
	chatStores *storeCache
	userStores *storeCache

	conversations *abstract.SafeSlice[*Conversation]
	middlewares   *abstract.SafeSlice[MiddlewareFunc]

	commandHandlers  *abstract.SafeMap[string, HandlerFunc]
	callbackHandlers *abstract.SafeMap[string, HandlerFunc]
	textHandlers     *abstract.SafeMap[string, HandlerFunc]
	textFallback     HandlerFunc
	callbackFallback HandlerFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a bot ready to accept handlers and dialogs. The storage is
// prepared before the bot can see any traffic: indexes are created and
// users are preloaded here, and polling begins only in Start. The bot
// registers its shutdown on the provided context.
func New(ctx contem.Context, token string, opts ...func(*Options)) (*Bot, error) {
	var o Options
	for _, f := range opts {
		f(&o)
	}
	return NewWithOptions(ctx, token, o)
}

// NewWithOptions is New with an assembled Options value.
func NewWithOptions(ctx contem.Context, token string, optsRaw Options) (*Bot, error) {
	if token == "" {
		return nil, errm.New("token cannot be empty")
	}
	opts, err := prepareOpts(optsRaw)
	if err != nil {
		return nil, errm.Wrap(err, "prepare opts")
	}

	m := newMetrics(opts.Metrics)

	tclient, err := newTeleClient(token, opts.Config, opts.Logger, opts.Poller)
	if err != nil {
		return nil, errm.Wrap(err, "new client")
	}

	client := opts.Client
	if client == nil {
		client = tclient
	}
	client = wrapClientWithMetrics(client, m)

	prepCtx, cancel := context.WithTimeout(ctx, storageOpTimeout)
	defer cancel()

	if err := opts.Storage.EnsureIndexes(prepCtx); err != nil {
		return nil, errm.Wrap(err, "ensure indexes")
	}

	mgr, err := newManager(prepCtx, opts.Storage, opts.Config.CacheCapacity, opts.Logger, m)
	if err != nil {
		return nil, errm.Wrap(err, "new manager")
	}

	chatStores, err := newStoreCache(opts.Config.CacheCapacity, opts.Config.CacheTTL)
	if err != nil {
		return nil, errm.Wrap(err, "new chat stores")
	}
	userStores, err := newStoreCache(opts.Config.CacheCapacity, opts.Config.CacheTTL)
	if err != nil {
		return nil, errm.Wrap(err, "new user stores")
	}

	b := &Bot{
		ctx:     ctx,
		cfg:     opts.Config,
		log:     opts.Logger,
		rlog:    opts.UpdateLogger,
		client:  client,
		tclient: tclient,
		storage: opts.Storage,
		manager: mgr,
		metrics: m,

		botStore:   NewStore(),
		chatStores: chatStores,
		userStores: userStores,

		conversations: abstract.NewSafeSlice[*Conversation](),
		middlewares:   abstract.NewSafeSlice[MiddlewareFunc](),

		commandHandlers:  abstract.NewSafeMap[string, HandlerFunc](),
		callbackHandlers: abstract.NewSafeMap[string, HandlerFunc](),
		textHandlers:     abstract.NewSafeMap[string, HandlerFunc](),

		stopCh: make(chan struct{}),
	}

	tclient.addMiddleware(b.masterMiddleware)
	tclient.handle(tele.OnText, b.adapter(b.routeText))
	tclient.handle(tele.OnCallback, b.adapter(b.routeCallback))

	ctx.AddFunc(b.Stop)

	return b, nil
}

// Start begins consuming updates and runs the periodic cache cleanup.
func (b *Bot) Start() {
	b.tclient.start()
	lang.Go(b.log, b.runHousekeeping)
	b.log.Info("bot started", "test_mode", b.cfg.TestMode)
}

// Stop stops polling and releases bot resources. It is safe to call more
// than once and is registered on the shutdown context by New.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.tclient.stop()
		b.manager.close()

		ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
		defer cancel()
		if err := b.storage.Close(ctx); err != nil {
			b.log.Warn("cannot close storage", "error", err)
		}
		b.log.Info("bot stopped")
	})
}

// Bot returns the underlying telebot instance.
func (b *Bot) Bot() *tele.Bot {
	return b.tclient.bot
}

// Client returns the outbound client the bot uses for sends and edits.
func (b *Bot) Client() Client {
	return b.client
}

// User returns the record of the given user.
func (b *Bot) User(id int64) (UserRecord, bool) {
	return b.manager.user(id)
}

// Users returns records of all cached users.
func (b *Bot) Users() []UserRecord {
	return b.manager.allUsers()
}

// SetRegistered marks the user as registered or not. Handlers that demand
// registration return NotRegisteredError for users without the mark.
func (b *Bot) SetRegistered(ctx context.Context, id int64, registered bool) error {
	return b.manager.setRegistered(ctx, id, registered)
}

// IsRegistered reports whether the user finished registration.
func (b *Bot) IsRegistered(id int64) bool {
	return b.manager.isRegistered(id)
}

// AddMiddleware adds poller level middlewares that run on the raw update
// before any routing. Return false from a middleware to drop the update.
func (b *Bot) AddMiddleware(f ...MiddlewareFunc) {
	b.middlewares.Append(f...)
}

// Mount attaches built dialogs to the bot. Mounted dialogs see every text
// and callback update before plain handlers. Persistent dialogs restore
// their active scopes here, so mount before Start.
func (b *Bot) Mount(convs ...*Conversation) error {
	for _, conv := range convs {
		duplicate := !b.conversations.Range(func(c *Conversation) bool {
			return c.Name() != conv.Name()
		})
		if duplicate {
			return errm.New("conversation is already mounted", "name", conv.Name())
		}

		ctx, cancel := context.WithTimeout(b.ctx, storageOpTimeout)
		err := conv.bind(ctx, b.log, b.storage, b.metrics)
		cancel()
		if err != nil {
			return errm.Wrap(err, "bind conversation", "name", conv.Name())
		}

		b.conversations.Append(conv)
		b.log.Info("dialog mounted", "name", conv.Name(), "active", conv.ActiveCount())
	}
	return nil
}

// Handle registers a handler for the endpoint. Supported endpoints are
// commands ("/start"), callback endpoints (tele.Btn, Codec or a
// "\f"-prefixed unique), exact message texts, tele.OnText for leftover
// texts and tele.OnCallback for leftover callbacks. Middlewares wrap the
// handler with the first one outermost.
//
// Dialogs mounted on the bot always see the update first; the handler
// runs only when no dialog claims it.
func (b *Bot) Handle(endpoint any, h HandlerFunc, mws ...Middleware) {
	h = Chain(h, mws...)

	switch e := endpoint.(type) {
	case string:
		switch {
		case e == tele.OnText:
			b.textFallback = h
		case e == tele.OnCallback:
			b.callbackFallback = h
		case strings.HasPrefix(e, "\f"):
			b.callbackHandlers.Set(strings.TrimPrefix(e, "\f"), h)
		case strings.HasPrefix(e, "/"):
			b.commandHandlers.Set(e, h)
		default:
			b.textHandlers.Set(e, h)
		}
	case tele.CallbackEndpoint:
		b.callbackHandlers.Set(strings.TrimPrefix(e.CallbackUnique(), "\f"), h)
	default:
		b.log.Error("unsupported endpoint type, handler is not registered", "endpoint", endpoint)
	}
}

// SetStartHandler registers the handler for the start command.
func (b *Bot) SetStartHandler(h HandlerFunc, mws ...Middleware) {
	b.Handle(startCommand, h, mws...)
}

// SetTextHandler registers the handler for texts nothing else claimed.
func (b *Bot) SetTextHandler(h HandlerFunc, mws ...Middleware) {
	b.Handle(tele.OnText, h, mws...)
}

// SetCallbackHandler registers the handler for callbacks nothing else
// claimed.
func (b *Bot) SetCallbackHandler(h HandlerFunc, mws ...Middleware) {
	b.Handle(tele.OnCallback, h, mws...)
}

// masterMiddleware runs at the poller level on every raw update. It keeps
// the block bookkeeping, makes sure records exist before any handler runs
// and applies user middlewares.
func (b *Bot) masterMiddleware(upd *tele.Update) bool {
	defer lang.Recover(b.log)

	if upd == nil {
		return false
	}

	if upd.MyChatMember != nil {
		b.handleChatMemberUpdate(upd.MyChatMember)
		return false
	}

	sender := getSender(upd)
	if sender == nil {
		b.log.Debug("drop update without sender", "update_id", upd.ID)
		b.metrics.incDropped("no_sender")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
	defer cancel()

	if err := b.manager.prepare(ctx, sender, getChat(upd)); err != nil {
		b.log.Error("cannot prepare records", "error", err, "user_id", sender.ID, "username", sender.Username)
		b.metrics.incError(metricsErrorInternal)
		if _, serr := b.client.SendMessage(sender.ID, DefaultApologyText); serr != nil {
			b.log.Warn("cannot send apology", "error", serr, "user_id", sender.ID)
		}
		return false
	}

	b.metrics.incUpdate(updateTypeOf(upd))
	b.logUpdate(upd, sender)

	return b.middlewares.Range(func(mf MiddlewareFunc) bool {
		return mf(upd)
	})
}

// handleChatMemberUpdate tracks when users block or unblock the bot.
func (b *Bot) handleChatMemberUpdate(cmu *tele.ChatMemberUpdate) {
	if cmu.NewChatMember == nil || cmu.Sender == nil {
		return
	}
	switch cmu.NewChatMember.Role {
	case tele.Kicked, tele.Left:
		b.log.Info("bot is blocked or kicked", "user_id", cmu.Sender.ID, "username", cmu.Sender.Username)
		b.manager.setUserDisabled(cmu.Sender.ID, true)
	case tele.Member:
		b.log.Info("bot is unblocked", "user_id", cmu.Sender.ID, "username", cmu.Sender.Username)
		b.manager.setUserDisabled(cmu.Sender.ID, false)
	}
}

// adapter turns a HandlerFunc into a telebot handler. It recovers panics
// into errors and feeds them to the dispatch boundary. Telebot never sees
// an error: the boundary is terminal. Callback acknowledgement is not done
// here, it belongs to Inject or to the handler itself.
func (b *Bot) adapter(h HandlerFunc) tele.HandlerFunc {
	return func(tc tele.Context) error {
		raw := tc.Update()
		u, ok := newUpdate(&raw)
		if !ok {
			b.metrics.incDropped("malformed")
			return nil
		}

		tm := abstract.StartTimer()
		b.metrics.incHandlersInFlight()
		defer b.metrics.decHandlersInFlight()

		c := b.newContext(u)

		_, err := runProtected(h, u, c)
		if err != nil {
			c.setError(err)
			b.dispatchError(u, c)
		}

		b.metrics.observeHandlerDuration(updateTypeOf(&raw), tm.ElapsedTime())
		return nil
	}
}

// routeText routes messages: dialogs first, then the command table, exact
// text handlers and finally the text fallback.
func (b *Bot) routeText(u Update, c Context) (State, error) {
	if handled, err := b.offerToConversations(u, c); handled || err != nil {
		return StateNone, err
	}

	if cmd := u.Command(); cmd != "" {
		if h, ok := b.commandHandlers.Lookup(cmd); ok {
			return h(u, c)
		}
	}
	if h, ok := b.textHandlers.Lookup(u.Text); ok {
		return h(u, c)
	}
	if b.textFallback != nil {
		return b.textFallback(u, c)
	}

	b.log.Debug("no handler for message", updateFields(u)...)
	b.metrics.incDropped("no_handler")
	return StateNone, nil
}

// routeCallback routes callbacks: dialogs first, then the unique table and
// finally the callback fallback.
func (b *Bot) routeCallback(u Update, c Context) (State, error) {
	if handled, err := b.offerToConversations(u, c); handled || err != nil {
		return StateNone, err
	}

	if h, ok := b.callbackHandlers.Lookup(u.CallbackUnique); ok {
		return h(u, c)
	}
	if b.callbackFallback != nil {
		return b.callbackFallback(u, c)
	}

	b.log.Debug("no handler for callback", updateFields(u, "unique", u.CallbackUnique)...)
	b.metrics.incDropped("no_handler")
	return StateNone, nil
}

// offerToConversations gives every mounted dialog a chance to claim the
// update, in mount order. The first claim wins.
func (b *Bot) offerToConversations(u Update, c Context) (bool, error) {
	var (
		handled bool
		err     error
	)
	b.conversations.Range(func(conv *Conversation) bool {
		handled, err = conv.process(u, c)
		return !handled && err == nil
	})
	return handled, err
}

// logUpdate writes one line per update through the update logger.
func (b *Bot) logUpdate(upd *tele.Update, sender *tele.User) {
	if !*b.cfg.LogUpdates {
		return
	}

	fields := make([]any, 0, 12)
	fields = append(fields, "user_id", sender.ID, "username", sender.Username)

	switch {
	case upd.Callback != nil:
		var (
			payload = upd.Callback.Data
			button  = upd.Callback.Unique
		)
		if upd.Callback.Message != nil {
			fields = append(fields, "msg_id", upd.Callback.Message.ID)
		}
		if match := cbackRx.FindAllStringSubmatch(payload, -1); match != nil {
			button, payload = match[0][1], match[0][3]
		}
		fields = lang.AppendIfAll(fields, "button", any(button))
		fields = lang.AppendIfAll(fields, "payload", any(truncateText(payload, MaxTextLenInLogs)))

		b.rlog.Log(CallbackUpdate, fields...)

	case upd.Message != nil:
		fields = append(fields, "msg_id", upd.Message.ID,
			"text", truncateText(upd.Message.Text, MaxTextLenInLogs))

		b.rlog.Log(MessageUpdate, fields...)
	}
}

// runHousekeeping clears hot caches on the configured interval, so record
// and per-user data memory stays bounded between restarts.
func (b *Bot) runHousekeeping() {
	ticker := time.NewTicker(b.cfg.CacheClearInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			cleared := b.userStores.len()
			b.userStores.clear()
			b.manager.clear()
			b.log.Info("periodic cache clear", "user_stores", cleared)
		}
	}
}

func updateTypeOf(upd *tele.Update) UpdateType {
	if upd.Callback != nil {
		return CallbackUpdate
	}
	return MessageUpdate
}
