package convo

import (
	"context"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maypok86/otter"
)

// Storage persists users, chats and active dialog states. The bot works
// with the in-memory implementation out of the box; plug a database
// implementation through Options to survive restarts.
//
// Async methods are fire-and-forget: they must not block update handling
// and are free to order writes internally.
type Storage interface {
	// EnsureIndexes prepares the underlying collections. It is called once
	// before the bot starts consuming updates.
	EnsureIndexes(ctx context.Context) error

	UpsertUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, id int64) (UserRecord, bool, error)
	ListUsers(ctx context.Context) ([]UserRecord, error)
	SetUserDisabled(ctx context.Context, id int64, disabled bool) error
	TouchUserAsync(id int64)

	UpsertChat(ctx context.Context, chat ChatRecord) error
	TouchChatAsync(id int64)

	ListConversations(ctx context.Context, name string) ([]ConversationRecord, error)
	SaveConversationAsync(name, key, state string)
	DeleteConversationAsync(name, key string)

	Close(ctx context.Context) error
}

type convKey struct {
	name string
	key  string
}

// memoryStorage keeps records in process memory. User and chat records
// live in a bounded cache with TTL, dialog records are kept until deleted
// so an active dialog cannot vanish mid-flow.
type memoryStorage struct {
	users         otter.Cache[int64, UserRecord]
	chats         otter.Cache[int64, ChatRecord]
	conversations *abstract.SafeMap[convKey, ConversationRecord]
}

// NewMemoryStorage creates a Storage that keeps everything in memory.
// Capacity bounds the number of cached user and chat records, ttl evicts
// records that were not touched for that long.
func NewMemoryStorage(capacity int, ttl time.Duration) (Storage, error) {
	if capacity <= 0 {
		return nil, errm.New("capacity must be positive", "capacity", capacity)
	}
	if ttl <= 0 {
		return nil, errm.New("ttl must be positive", "ttl", ttl)
	}
	users, err := otter.MustBuilder[int64, UserRecord](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build users cache")
	}
	chats, err := otter.MustBuilder[int64, ChatRecord](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build chats cache")
	}
	return &memoryStorage{
		users:         users,
		chats:         chats,
		conversations: abstract.NewSafeMap[convKey, ConversationRecord](),
	}, nil
}

func (s *memoryStorage) EnsureIndexes(context.Context) error {
	return nil
}

func (s *memoryStorage) UpsertUser(_ context.Context, user UserRecord) error {
	s.users.Set(user.ID, user)
	return nil
}

func (s *memoryStorage) GetUser(_ context.Context, id int64) (UserRecord, bool, error) {
	user, ok := s.users.Get(id)
	return user, ok, nil
}

func (s *memoryStorage) ListUsers(context.Context) ([]UserRecord, error) {
	out := make([]UserRecord, 0, s.users.Size())
	s.users.Range(func(_ int64, user UserRecord) bool {
		out = append(out, user)
		return true
	})
	return out, nil
}

func (s *memoryStorage) SetUserDisabled(_ context.Context, id int64, disabled bool) error {
	user, ok := s.users.Get(id)
	if !ok {
		return nil
	}
	user.Disabled = disabled
	s.users.Set(id, user)
	return nil
}

func (s *memoryStorage) TouchUserAsync(id int64) {
	user, ok := s.users.Get(id)
	if !ok {
		return
	}
	user.LastSeenAt = time.Now().UTC()
	s.users.Set(id, user)
}

func (s *memoryStorage) UpsertChat(_ context.Context, chat ChatRecord) error {
	s.chats.Set(chat.ID, chat)
	return nil
}

func (s *memoryStorage) TouchChatAsync(id int64) {
	chat, ok := s.chats.Get(id)
	if !ok {
		return
	}
	chat.LastSeenAt = time.Now().UTC()
	s.chats.Set(id, chat)
}

func (s *memoryStorage) ListConversations(_ context.Context, name string) ([]ConversationRecord, error) {
	var out []ConversationRecord
	s.conversations.Range(func(k convKey, rec ConversationRecord) bool {
		if k.name == name {
			out = append(out, rec)
		}
		return true
	})
	return out, nil
}

func (s *memoryStorage) SaveConversationAsync(name, key, state string) {
	s.conversations.Set(convKey{name, key}, newConversationRecord(name, key, state))
}

func (s *memoryStorage) DeleteConversationAsync(name, key string) {
	s.conversations.Delete(convKey{name, key})
}

func (s *memoryStorage) Close(context.Context) error {
	s.users.Close()
	s.chats.Close()
	return nil
}
