package convo

import (
	"context"
	"testing"

	"github.com/maxbolgarin/errm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func newTestManager(t *testing.T, storage *MockStorage) *manager {
	t.Helper()
	m, err := newManager(context.Background(), storage, 100, NoopLogger{}, nil)
	require.NoError(t, err)
	t.Cleanup(m.close)
	return m
}

func emptyPreload(storage *MockStorage) {
	storage.On("ListUsers", mock.Anything).Return([]UserRecord{}, nil)
}

func TestManagerPrepareNewUser(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).Return(UserRecord{}, false, nil)
	storage.On("UpsertUser", mock.Anything, mock.Anything).Return(nil)
	storage.On("UpsertChat", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(t, storage)

	tUser := &tele.User{ID: 1, FirstName: "Test", Username: "testuser"}
	tChat := &tele.Chat{ID: 1, Type: tele.ChatPrivate}
	require.NoError(t, m.prepare(context.Background(), tUser, tChat))

	storage.AssertCalled(t, "UpsertUser", mock.Anything, mock.Anything)
	storage.AssertCalled(t, "UpsertChat", mock.Anything, mock.Anything)

	user, found := m.user(1)
	require.True(t, found)
	assert.Equal(t, "testuser", user.Username)
}

func TestManagerPrepareCachedUser(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).Return(UserRecord{}, false, nil)
	storage.On("UpsertUser", mock.Anything, mock.Anything).Return(nil)
	storage.On("UpsertChat", mock.Anything, mock.Anything).Return(nil)
	storage.On("TouchUserAsync", int64(1)).Return()
	storage.On("TouchChatAsync", int64(1)).Return()

	m := newTestManager(t, storage)

	tUser := &tele.User{ID: 1, FirstName: "Test"}
	tChat := &tele.Chat{ID: 1, Type: tele.ChatPrivate}
	require.NoError(t, m.prepare(context.Background(), tUser, tChat))
	require.NoError(t, m.prepare(context.Background(), tUser, tChat))

	// the second update goes through the cache: one storage read, one touch
	storage.AssertNumberOfCalls(t, "GetUser", 1)
	storage.AssertCalled(t, "TouchUserAsync", int64(1))
	storage.AssertCalled(t, "TouchChatAsync", int64(1))
}

func TestManagerPrepareKnownUser(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).
		Return(UserRecord{ID: 1, FirstName: "Old", Registered: true}, true, nil)
	storage.On("TouchUserAsync", int64(1)).Return()

	m := newTestManager(t, storage)

	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))

	// a known user is not inserted again
	storage.AssertNotCalled(t, "UpsertUser", mock.Anything, mock.Anything)
	assert.True(t, m.isRegistered(1))
}

func TestManagerPrepareEnablesDisabledUser(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).
		Return(UserRecord{ID: 1, FirstName: "Test", Disabled: true}, true, nil)
	storage.On("TouchUserAsync", int64(1)).Return()
	storage.On("SetUserDisabled", mock.Anything, int64(1), false).Return(nil)

	m := newTestManager(t, storage)

	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))
	storage.AssertCalled(t, "SetUserDisabled", mock.Anything, int64(1), false)

	user, found := m.user(1)
	require.True(t, found)
	assert.False(t, user.Disabled)
}

func TestManagerPrepareStorageError(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).
		Return(UserRecord{}, false, errm.New("db down"))

	m := newTestManager(t, storage)

	err := m.prepare(context.Background(), &tele.User{ID: 1}, nil)
	assert.Error(t, err)
}

func TestManagerPrepareSkipsEmptyIDs(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)

	m := newTestManager(t, storage)

	require.NoError(t, m.prepare(context.Background(), nil, nil))
	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 0}, &tele.Chat{ID: 0}))
	storage.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestManagerSetUserDisabled(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).Return(UserRecord{}, false, nil)
	storage.On("UpsertUser", mock.Anything, mock.Anything).Return(nil)
	storage.On("SetUserDisabled", mock.Anything, int64(1), true).Return(nil)

	m := newTestManager(t, storage)
	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))

	m.setUserDisabled(1, true)
	storage.AssertCalled(t, "SetUserDisabled", mock.Anything, int64(1), true)

	// the disabled user is dropped from memory, the next lookup hits storage
	_, found := m.user(1)
	assert.False(t, found)
}

func TestManagerSetRegistered(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).Return(UserRecord{}, false, nil)
	storage.On("UpsertUser", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(t, storage)
	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))

	assert.False(t, m.isRegistered(1))
	require.NoError(t, m.setRegistered(context.Background(), 1, true))
	assert.True(t, m.isRegistered(1))

	require.NoError(t, m.setRegistered(context.Background(), 1, false))
	assert.False(t, m.isRegistered(1))
}

func TestManagerSetRegisteredUnknownUser(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(9000)).Return(UserRecord{}, false, nil)

	m := newTestManager(t, storage)

	err := m.setRegistered(context.Background(), 9000, true)
	assert.Error(t, err)
}

func TestManagerPreload(t *testing.T) {
	storage := &MockStorage{}
	storage.On("ListUsers", mock.Anything).Return([]UserRecord{
		{ID: 1, FirstName: "A"},
		{ID: 2, FirstName: "B", Disabled: true},
		{ID: 3, FirstName: "C"},
	}, nil)

	m := newTestManager(t, storage)

	// enabled users are warm, the disabled one is skipped
	_, found := m.users.Get(1)
	assert.True(t, found)
	_, found = m.users.Get(2)
	assert.False(t, found)
	_, found = m.users.Get(3)
	assert.True(t, found)

	assert.Len(t, m.allUsers(), 2)
}

func TestManagerPreloadFails(t *testing.T) {
	storage := &MockStorage{}
	storage.On("ListUsers", mock.Anything).Return([]UserRecord(nil), errm.New("db down"))

	_, err := newManager(context.Background(), storage, 100, NoopLogger{}, nil)
	assert.Error(t, err)
}

func TestManagerClear(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(1)).Return(UserRecord{}, false, nil)
	storage.On("UpsertUser", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(t, storage)
	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))
	require.Len(t, m.allUsers(), 1)

	m.clear()
	assert.Empty(t, m.allUsers())

	// the next update repopulates the record from the storage
	storage.AssertNumberOfCalls(t, "GetUser", 1)
	require.NoError(t, m.prepare(context.Background(), &tele.User{ID: 1, FirstName: "Test"}, nil))
	storage.AssertNumberOfCalls(t, "GetUser", 2)
}

func TestManagerUserFallsBackToStorage(t *testing.T) {
	storage := &MockStorage{}
	emptyPreload(storage)
	storage.On("GetUser", mock.Anything, int64(7)).
		Return(UserRecord{ID: 7, FirstName: "Stored"}, true, nil)

	m := newTestManager(t, storage)

	user, found := m.user(7)
	require.True(t, found)
	assert.Equal(t, "Stored", user.FirstName)

	// the record is cached after the fallback read
	_, found = m.users.Get(7)
	assert.True(t, found)
}
