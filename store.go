package convo

import (
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maypok86/otter"
)

// ConversationDataKey is the chat store key under which conversations keep
// their scratch data. It is cleared when a conversation ends or exits after
// a failure.
const ConversationDataKey = "conversation_data"

// Store is a mutable concurrent key-value container. Every chat and every
// user gets its own Store, plus one process-wide Store shared by all
// handlers.
type Store = abstract.SafeMap[string, any]

// NewStore creates an empty Store. Useful in tests and custom wiring.
func NewStore() *Store {
	return abstract.NewSafeMap[string, any]()
}

// storeCache keeps per-entity stores behind an otter cache so that idle
// entries expire and the housekeeping job can drop everything at once.
// Stores are created lazily on first access.
type storeCache struct {
	items otter.Cache[int64, *Store]
	mu    sync.Mutex
}

func newStoreCache(capacity int, ttl time.Duration) (*storeCache, error) {
	items, err := otter.MustBuilder[int64, *Store](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build cache")
	}
	return &storeCache{items: items}, nil
}

// get returns the store for the given ID, creating it if needed. Concurrent
// first accesses for the same ID get the same store.
func (s *storeCache) get(id int64) *Store {
	if st, ok := s.items.Get(id); ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.items.Get(id); ok {
		return st
	}
	st := NewStore()
	s.items.Set(id, st)

	return st
}

// clear drops all stores. The next access recreates them empty, which forces
// handlers to repopulate from persistent storage.
func (s *storeCache) clear() {
	s.items.Clear()
}

func (s *storeCache) len() int {
	return s.items.Size()
}
