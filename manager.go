package convo

import (
	"context"
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maypok86/otter"
	"github.com/panjf2000/ants/v2"
	tele "gopkg.in/telebot.v4"
)

const storageOpTimeout = 10 * time.Second

// manager keeps hot user and chat records in front of the storage. It
// admits records on first contact, refreshes last-seen marks on every
// update and drops disabled users from memory.
type manager struct {
	users   otter.Cache[int64, UserRecord]
	chats   otter.Cache[int64, ChatRecord]
	storage Storage
	pool    *ants.Pool
	log     Logger
	metrics *metrics
}

func newManager(ctx context.Context, storage Storage, capacity int, log Logger, m *metrics) (*manager, error) {
	users, err := otter.MustBuilder[int64, UserRecord](capacity).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build users cache")
	}
	chats, err := otter.MustBuilder[int64, ChatRecord](capacity).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build chats cache")
	}
	pool, err := ants.NewPool(capacity, ants.WithPreAlloc(true))
	if err != nil {
		return nil, errm.Wrap(err, "create worker pool")
	}

	mgr := &manager{
		users:   users,
		chats:   chats,
		storage: storage,
		pool:    pool,
		log:     log,
		metrics: m,
	}
	if err := mgr.preload(ctx); err != nil {
		return nil, errm.Wrap(err, "preload users")
	}
	return mgr, nil
}

// prepare makes sure records for the update participants exist before any
// handler runs. A user that was marked disabled becomes enabled again: an
// update from them proves the bot is not blocked anymore.
func (m *manager) prepare(ctx context.Context, tUser *tele.User, tChat *tele.Chat) error {
	if tUser != nil && tUser.ID != 0 {
		if err := m.ensureUser(ctx, tUser); err != nil {
			return errm.Wrap(err, "ensure user")
		}
	}
	if tChat != nil && tChat.ID != 0 {
		if err := m.ensureChat(ctx, tChat); err != nil {
			return errm.Wrap(err, "ensure chat")
		}
	}
	return nil
}

func (m *manager) ensureUser(ctx context.Context, tUser *tele.User) error {
	if user, ok := m.users.Get(tUser.ID); ok {
		user.LastSeenAt = time.Now().UTC()
		m.users.Set(tUser.ID, user)
		m.storage.TouchUserAsync(tUser.ID)
		return nil
	}

	user, found, err := m.storage.GetUser(ctx, tUser.ID)
	if err != nil {
		return errm.Wrap(err, "get user")
	}
	if !found {
		user = newUserRecord(tUser)
		if err := m.storage.UpsertUser(ctx, user); err != nil {
			return errm.Wrap(err, "upsert user")
		}
		m.log.Info("new user", "user_id", user.ID, "username", user.Username)
		m.metrics.incUserCreated()
	} else {
		user.LastSeenAt = time.Now().UTC()
		m.storage.TouchUserAsync(user.ID)
	}

	if user.Disabled {
		user.Disabled = false
		if err := m.storage.SetUserDisabled(ctx, user.ID, false); err != nil {
			m.log.Warn("cannot enable user", "user_id", user.ID, "error", err)
		} else {
			m.log.Info("user is enabled again", "user_id", user.ID)
		}
	}

	m.users.Set(user.ID, user)
	m.metrics.setUsersCached(m.users.Size())
	return nil
}

func (m *manager) ensureChat(ctx context.Context, tChat *tele.Chat) error {
	if chat, ok := m.chats.Get(tChat.ID); ok {
		chat.LastSeenAt = time.Now().UTC()
		m.chats.Set(tChat.ID, chat)
		m.storage.TouchChatAsync(tChat.ID)
		return nil
	}

	chat := newChatRecord(tChat)
	if err := m.storage.UpsertChat(ctx, chat); err != nil {
		return errm.Wrap(err, "upsert chat")
	}
	m.chats.Set(chat.ID, chat)
	return nil
}

// user returns the record for the given ID, falling back to the storage
// after a cache miss.
func (m *manager) user(id int64) (UserRecord, bool) {
	if user, ok := m.users.Get(id); ok {
		return user, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
	defer cancel()

	user, found, err := m.storage.GetUser(ctx, id)
	if err != nil {
		m.log.Warn("cannot get user after cache miss", "user_id", id, "error", err)
		return UserRecord{}, false
	}
	if !found {
		return UserRecord{}, false
	}
	m.users.Set(id, user)
	return user, true
}

func (m *manager) allUsers() []UserRecord {
	out := make([]UserRecord, 0, m.users.Size())
	m.users.Range(func(_ int64, user UserRecord) bool {
		out = append(out, user)
		return true
	})
	return out
}

func (m *manager) setUserDisabled(id int64, disabled bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
	defer cancel()

	if err := m.storage.SetUserDisabled(ctx, id, disabled); err != nil {
		m.log.Warn("cannot update disabled flag", "user_id", id, "disabled", disabled, "error", err)
	}
	if disabled {
		m.users.Delete(id)
		m.metrics.setUsersCached(m.users.Size())
		return
	}
	if user, ok := m.users.Get(id); ok {
		user.Disabled = false
		m.users.Set(id, user)
	}
}

func (m *manager) setRegistered(ctx context.Context, id int64, registered bool) error {
	user, ok := m.users.Get(id)
	if !ok {
		stored, found, err := m.storage.GetUser(ctx, id)
		if err != nil {
			return errm.Wrap(err, "get user")
		}
		if !found {
			return errm.New("unknown user", "user_id", id)
		}
		user = stored
	}

	user.Registered = registered
	if err := m.storage.UpsertUser(ctx, user); err != nil {
		return errm.Wrap(err, "upsert user")
	}
	m.users.Set(id, user)
	return nil
}

func (m *manager) isRegistered(id int64) bool {
	user, ok := m.user(id)
	return ok && user.Registered
}

// clear drops all cached records. The next update repopulates them from
// the storage, so stale profile data does not live forever.
func (m *manager) clear() {
	m.users.Clear()
	m.chats.Clear()
	m.metrics.setUsersCached(0)
	m.log.Debug("record cache cleared")
}

func (m *manager) close() {
	m.pool.Release()
}

// preload warms the cache with every enabled user from the storage.
func (m *manager) preload(ctx context.Context) error {
	tm := abstract.StartTimer()

	records, err := m.storage.ListUsers(ctx)
	if err != nil {
		return errm.Wrap(err, "list users")
	}
	if len(records) == 0 {
		return nil
	}

	var (
		errList = errm.NewSafeList()
		wg      sync.WaitGroup
		total   int
	)
	for _, rec := range records {
		if rec.Disabled {
			continue
		}
		wg.Add(1)
		m.pool.Submit(func() {
			defer wg.Done()
			if rec.ID == 0 {
				errList.Add(errm.New("user record without id", "username", rec.Username))
				return
			}
			m.users.Set(rec.ID, rec)
		})
		total++
	}
	wg.Wait()

	if errList.NotEmpty() {
		m.log.Warn("loaded users with errors", "loaded", m.users.Size(), "total", total, "error", errList.Err())
	} else {
		m.log.Info("loaded users", "count", total, "elapsed_time", tm.ElapsedTime())
	}
	m.metrics.setUsersCached(m.users.Size())
	return nil
}
