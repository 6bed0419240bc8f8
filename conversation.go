package convo

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

// ConversationBuilder assembles a multi-step dialog as a finite state
// machine. Entry points start the dialog, state handlers advance it and
// fallbacks catch updates no state handler claimed. Build validates the
// configuration and returns an immutable Conversation.
type ConversationBuilder struct {
	name         string
	persistent   bool
	perUser      bool
	perChat      bool
	perMessage   bool
	allowReentry bool

	entries     []entryPoint
	states      map[State][]HandlerFunc
	children    map[State][]*Conversation
	fallbacks   []HandlerFunc
	mapToParent map[State]State
	middlewares []Middleware
}

type entryPoint struct {
	endpoint string
	handler  HandlerFunc
}

// NewConversation creates a builder for a dialog with the given name.
// The name identifies the dialog in logs and persistent storage, so it
// must be unique across the application. Dialogs are tracked per user in
// a chat by default; use PerUser, PerChat and PerMessage to change that.
func NewConversation(name string) *ConversationBuilder {
	return &ConversationBuilder{
		name:        name,
		perUser:     true,
		perChat:     true,
		states:      make(map[State][]HandlerFunc),
		children:    make(map[State][]*Conversation),
		mapToParent: make(map[State]State),
	}
}

// Entry registers a handler that can start the dialog. The endpoint is
// matched like a bot endpoint: "/command" matches the command, a codec or
// "\f"-prefixed unique matches callbacks, tele.OnText matches plain text
// and any other string matches the message text verbatim.
func (b *ConversationBuilder) Entry(endpoint string, h HandlerFunc) *ConversationBuilder {
	b.entries = append(b.entries, entryPoint{endpoint: endpoint, handler: h})
	return b
}

// EntryCallback registers an entry point for callbacks with the given
// button unique.
func (b *ConversationBuilder) EntryCallback(unique string, h HandlerFunc) *ConversationBuilder {
	return b.Entry("\f"+unique, h)
}

// OnState registers a handler for the given state. Handlers of one state
// are tried in order; a handler returns StateNone to pass the update to
// the next one.
func (b *ConversationBuilder) OnState(s State, h HandlerFunc) *ConversationBuilder {
	b.states[s] = append(b.states[s], h)
	return b
}

// OnChild nests an already built dialog inside the given state. While the
// parent stays in that state, updates are offered to the child first. When
// the child reaches a state present in its MapToParent table, the child
// ends and the parent transitions to the mapped state.
func (b *ConversationBuilder) OnChild(s State, child *Conversation) *ConversationBuilder {
	b.children[s] = append(b.children[s], child)
	return b
}

// Fallback registers a handler that runs when no state handler claimed the
// update. Fallbacks are tried in order until one returns something other
// than StateNone.
func (b *ConversationBuilder) Fallback(h HandlerFunc) *ConversationBuilder {
	b.fallbacks = append(b.fallbacks, h)
	return b
}

// PerUser toggles keying the dialog by the user ID.
func (b *ConversationBuilder) PerUser(v bool) *ConversationBuilder {
	b.perUser = v
	return b
}

// PerChat toggles keying the dialog by the chat ID.
func (b *ConversationBuilder) PerChat(v bool) *ConversationBuilder {
	b.perChat = v
	return b
}

// PerMessage additionally keys the dialog by the message the callback is
// attached to. It requires all entry points to be callback endpoints.
func (b *ConversationBuilder) PerMessage(v bool) *ConversationBuilder {
	b.perMessage = v
	return b
}

// AllowReentry lets entry points fire while the dialog is already active,
// restarting it from the entry handler.
func (b *ConversationBuilder) AllowReentry() *ConversationBuilder {
	b.allowReentry = true
	return b
}

// Persistent stores the dialog state in the bot storage, so active dialogs
// survive a restart.
func (b *ConversationBuilder) Persistent() *ConversationBuilder {
	b.persistent = true
	return b
}

// MapToParent declares which of the dialog states hand control back to the
// parent when the dialog is nested with OnChild. Reaching a key state ends
// the child and moves the parent to the value state.
func (b *ConversationBuilder) MapToParent(m map[State]State) *ConversationBuilder {
	for k, v := range m {
		b.mapToParent[k] = v
	}
	return b
}

// Use wraps every entry, state and fallback handler with the given
// middlewares at build time. The first middleware becomes the outermost.
func (b *ConversationBuilder) Use(mws ...Middleware) *ConversationBuilder {
	b.middlewares = append(b.middlewares, mws...)
	return b
}

// Build validates the configuration and returns the runnable dialog.
// The returned Conversation is immutable and safe for concurrent use.
func (b *ConversationBuilder) Build() (*Conversation, error) {
	errs := errm.NewList()

	if b.name == "" {
		errs.Add(errm.New("conversation name is required"))
	}
	if len(b.entries) == 0 {
		errs.Add(errm.New("at least one entry point is required", "name", b.name))
	}
	if !b.perUser && !b.perChat {
		errs.Add(errm.New("at least one of per-user and per-chat keying is required", "name", b.name))
	}
	if b.perMessage {
		for _, e := range b.entries {
			if !strings.HasPrefix(e.endpoint, "\f") {
				errs.Add(errm.New("per-message dialogs accept only callback entry points",
					"name", b.name, "endpoint", e.endpoint))
			}
		}
	}
	for _, e := range b.entries {
		if e.handler == nil {
			errs.Add(errm.New("entry handler is nil", "name", b.name, "endpoint", e.endpoint))
		}
	}
	for s, hs := range b.states {
		if isReservedState(s) {
			errs.Add(errm.New("reserved state cannot have handlers", "name", b.name, "state", s))
		}
		for _, h := range hs {
			if h == nil {
				errs.Add(errm.New("state handler is nil", "name", b.name, "state", s))
			}
		}
	}
	for s, children := range b.children {
		if isReservedState(s) {
			errs.Add(errm.New("reserved state cannot have children", "name", b.name, "state", s))
		}
		for _, child := range children {
			if child == nil {
				errs.Add(errm.New("child dialog is nil", "name", b.name, "state", s))
			}
		}
	}
	for _, h := range b.fallbacks {
		if h == nil {
			errs.Add(errm.New("fallback handler is nil", "name", b.name))
		}
	}
	for s := range b.mapToParent {
		if s == StateNone {
			errs.Add(errm.New("empty state cannot be mapped to parent", "name", b.name))
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	c := &Conversation{
		name:         b.name,
		persistent:   b.persistent,
		perUser:      b.perUser,
		perChat:      b.perChat,
		perMessage:   b.perMessage,
		allowReentry: b.allowReentry,
		entries:      make([]entryPoint, len(b.entries)),
		states:       make(map[State][]HandlerFunc, len(b.states)),
		children:     make(map[State][]*Conversation, len(b.children)),
		fallbacks:    make([]HandlerFunc, len(b.fallbacks)),
		mapToParent:  make(map[State]State, len(b.mapToParent)),
		active:       abstract.NewSafeMap[string, State](),
		locks:        newKeyedLocks(),
		log:          NoopLogger{},
	}

	for i, e := range b.entries {
		c.entries[i] = entryPoint{endpoint: e.endpoint, handler: Chain(e.handler, b.middlewares...)}
	}
	for s, hs := range b.states {
		wrapped := make([]HandlerFunc, len(hs))
		for i, h := range hs {
			wrapped[i] = Chain(h, b.middlewares...)
		}
		c.states[s] = wrapped
	}
	for s, children := range b.children {
		c.children[s] = append([]*Conversation(nil), children...)
	}
	for i, h := range b.fallbacks {
		c.fallbacks[i] = Chain(h, b.middlewares...)
	}
	for k, v := range b.mapToParent {
		c.mapToParent[k] = v
	}

	return c, nil
}

// MustBuild is like Build but panics on validation errors.
func (b *ConversationBuilder) MustBuild() *Conversation {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

// Conversation is a built dialog. It routes updates between entry points,
// state handlers and fallbacks, keeps the active state per scope key and
// serializes processing within one key.
type Conversation struct {
	name         string
	persistent   bool
	perUser      bool
	perChat      bool
	perMessage   bool
	allowReentry bool

	entries     []entryPoint
	states      map[State][]HandlerFunc
	children    map[State][]*Conversation
	fallbacks   []HandlerFunc
	mapToParent map[State]State

	active  *abstract.SafeMap[string, State]
	locks   *keyedLocks
	log     Logger
	storage Storage
	metrics *metrics
}

// Name returns the dialog name.
func (c *Conversation) Name() string {
	return c.name
}

// ActiveState returns the current state for the update scope and whether
// the dialog is active there.
func (c *Conversation) ActiveState(u Update) (State, bool) {
	return c.active.Lookup(c.key(u))
}

// ActiveCount returns the number of scopes the dialog is active in.
func (c *Conversation) ActiveCount() int {
	return c.active.Len()
}

// bind attaches runtime dependencies and restores persistent state.
// It is called once when the dialog is mounted on a bot.
func (c *Conversation) bind(ctx context.Context, log Logger, storage Storage, m *metrics) error {
	if log != nil {
		c.log = log
	}
	c.metrics = m
	if !c.persistent || storage == nil {
		return nil
	}
	c.storage = storage

	records, err := storage.ListConversations(ctx, c.name)
	if err != nil {
		return errm.Wrap(err, "list conversations", "name", c.name)
	}
	for _, rec := range records {
		c.active.Set(rec.Key, State(rec.State))
	}
	if len(records) > 0 {
		c.log.Info("restored active dialogs", "name", c.name, "count", len(records))
	}
	return nil
}

// process offers the update to the dialog. It reports whether the dialog
// claimed the update. Processing within one scope key is serialized, so
// two updates from the same user never race on the state.
func (c *Conversation) process(u Update, ctx Context) (bool, error) {
	key := c.key(u)
	c.locks.lock(key)
	defer c.locks.unlock(key)

	current, isActive := c.active.Lookup(key)

	if !isActive || c.allowReentry {
		handled, err := c.tryEntries(u, ctx, key, isActive)
		if handled || err != nil {
			return handled, err
		}
	}
	if !isActive {
		return false, nil
	}
	return c.routeActive(u, ctx, key, current)
}

// processAsChild is the nested variant of process. On top of the handled
// flag it returns the parent state to transition to when the child reached
// a state from its MapToParent table, or StateNone to keep the parent
// where it is.
func (c *Conversation) processAsChild(u Update, ctx Context) (bool, State, error) {
	key := c.key(u)
	c.locks.lock(key)
	defer c.locks.unlock(key)

	current, isActive := c.active.Lookup(key)

	if !isActive || c.allowReentry {
		handled, parentNext, err := c.tryEntriesAsChild(u, ctx, key, isActive)
		if handled || err != nil {
			return handled, parentNext, err
		}
	}
	if !isActive {
		return false, StateNone, nil
	}

	for _, child := range c.children[current] {
		handled, next, err := child.processAsChild(u, ctx)
		if err != nil {
			return true, StateNone, err
		}
		if handled {
			if next != StateNone {
				return true, c.applyChildTransition(u, ctx, key, next, true)
			}
			return true, StateNone, nil
		}
	}

	for _, h := range c.states[current] {
		target, err := h(u, ctx)
		if err != nil {
			return true, StateNone, err
		}
		if target != StateNone {
			return true, c.applyChildTransition(u, ctx, key, target, true)
		}
	}

	for _, h := range c.fallbacks {
		target, err := h(u, ctx)
		if err != nil {
			return true, StateNone, err
		}
		if target != StateNone {
			return true, c.applyChildTransition(u, ctx, key, target, true)
		}
	}
	return false, StateNone, nil
}

func (c *Conversation) tryEntries(u Update, ctx Context, key string, wasActive bool) (bool, error) {
	for _, e := range c.entries {
		if !matchEndpoint(e.endpoint, u) {
			continue
		}
		target, err := e.handler(u, ctx)
		if err != nil {
			return true, err
		}
		if target == StateNone {
			return false, nil
		}
		c.applyTransition(u, ctx, key, target, wasActive)
		return true, nil
	}
	return false, nil
}

func (c *Conversation) tryEntriesAsChild(u Update, ctx Context, key string, wasActive bool) (bool, State, error) {
	for _, e := range c.entries {
		if !matchEndpoint(e.endpoint, u) {
			continue
		}
		target, err := e.handler(u, ctx)
		if err != nil {
			return true, StateNone, err
		}
		if target == StateNone {
			return false, StateNone, nil
		}
		return true, c.applyChildTransition(u, ctx, key, target, wasActive), nil
	}
	return false, StateNone, nil
}

func (c *Conversation) routeActive(u Update, ctx Context, key string, current State) (bool, error) {
	for _, child := range c.children[current] {
		handled, next, err := child.processAsChild(u, ctx)
		if err != nil {
			return true, err
		}
		if handled {
			if next != StateNone {
				c.applyTransition(u, ctx, key, next, true)
			}
			return true, nil
		}
	}

	for _, h := range c.states[current] {
		target, err := h(u, ctx)
		if err != nil {
			return true, err
		}
		if target != StateNone {
			c.applyTransition(u, ctx, key, target, true)
			return true, nil
		}
	}

	for _, h := range c.fallbacks {
		target, err := h(u, ctx)
		if err != nil {
			return true, err
		}
		if target != StateNone {
			c.applyTransition(u, ctx, key, target, true)
			return true, nil
		}
	}
	return false, nil
}

// applyTransition moves the dialog to the target state. StateEnd tears the
// dialog down: the active entry, the chat data slot and the persistent
// record are removed. A transition to a state without handlers or children
// is kept but logged, since the dialog would otherwise get stuck silently.
func (c *Conversation) applyTransition(u Update, ctx Context, key string, target State, wasActive bool) {
	if target == StateEnd {
		c.teardown(u, ctx, key, wasActive)
		return
	}

	if _, ok := c.states[target]; !ok {
		if _, ok := c.children[target]; !ok {
			c.log.Warn("transition to state without handlers",
				"name", c.name, "state", target, "key", key)
		}
	}

	c.active.Set(key, target)
	if !wasActive {
		c.metrics.incConversationStarted(c.name)
	}
	c.metrics.setConversationsActive(c.name, c.active.Len())
	if c.persistent && c.storage != nil {
		c.storage.SaveConversationAsync(c.name, key, target.String())
	}
}

// applyChildTransition is applyTransition for the nested case. When the
// target is mapped to a parent state the child ends and the mapped state
// is returned for the parent to apply.
func (c *Conversation) applyChildTransition(u Update, ctx Context, key string, target State, wasActive bool) State {
	if parentNext, ok := c.mapToParent[target]; ok {
		c.teardown(u, ctx, key, wasActive)
		return parentNext
	}
	c.applyTransition(u, ctx, key, target, wasActive)
	return StateNone
}

func (c *Conversation) teardown(u Update, ctx Context, key string, wasActive bool) {
	c.active.Delete(key)
	ctx.ChatData().Delete(ConversationDataKey)
	if wasActive {
		c.metrics.incConversationEnded(c.name)
	}
	c.metrics.setConversationsActive(c.name, c.active.Len())
	if c.persistent && c.storage != nil {
		c.storage.DeleteConversationAsync(c.name, key)
	}
}

// key builds the scope key of the update from the per-user, per-chat and
// per-message settings.
func (c *Conversation) key(u Update) string {
	var b strings.Builder
	if c.perChat {
		b.WriteByte('c')
		b.WriteString(strconv.FormatInt(u.ChatID, 10))
	}
	if c.perUser {
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteByte('u')
		b.WriteString(strconv.FormatInt(u.UserID, 10))
	}
	if c.perMessage {
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteByte('m')
		b.WriteString(strconv.Itoa(u.MessageID))
	}
	return b.String()
}

// matchEndpoint reports whether the update triggers the endpoint.
func matchEndpoint(endpoint string, u Update) bool {
	if u.IsCallback {
		return strings.HasPrefix(endpoint, "\f") && endpoint[1:] == u.CallbackUnique
	}
	switch {
	case endpoint == tele.OnText:
		return u.Text != "" && !strings.HasPrefix(u.Text, "/")
	case strings.HasPrefix(endpoint, "/"):
		return u.Command() == endpoint
	default:
		return endpoint == u.Text
	}
}

// keyedLocks serializes work per string key. Lock entries are dropped as
// soon as the last holder releases them, so the map does not grow with the
// number of keys seen.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocks) lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedLock{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedLocks) unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
