package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]models.User
	fail  bool
}

func (m *memStore) SaveUser(_ context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.users[u.ID] = u
	return nil
}

func (m *memStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func TestAddReplacesConnection(t *testing.T) {
	ctx := context.Background()
	store := &memStore{users: map[string]models.User{}}
	reg := NewRegistry(store, nil)

	_, replaced := reg.Add(ctx, models.User{ID: "u1", ConnectionID: "c1"})
	assert.False(t, replaced)

	prev, replaced := reg.Add(ctx, models.User{ID: "u1", ConnectionID: "c2"})
	require.True(t, replaced)
	assert.Equal(t, "c1", prev.ConnectionID)

	// the old connection closing must not remove the new one
	assert.False(t, reg.Remove(ctx, "u1", "c1"))
	u, ok := reg.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "c2", u.ConnectionID)
	assert.Equal(t, models.UserStatusIdle, u.Status)

	assert.True(t, reg.Remove(ctx, "u1", "c2"))
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, store.users)
}

func TestCallStatus(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)
	reg.Add(ctx, models.User{ID: "u1", ConnectionID: "c1"})

	assert.True(t, reg.IsAvailable("u1"))
	assert.False(t, reg.IsAvailable("ghost"))

	reg.SetInCall(ctx, "u1", "room-a")
	assert.False(t, reg.IsAvailable("u1"))

	// leaving a room the user is no longer bound to is ignored
	assert.False(t, reg.LeaveRoom(ctx, "u1", "room-b"))
	assert.False(t, reg.IsAvailable("u1"))

	assert.True(t, reg.LeaveRoom(ctx, "u1", "room-a"))
	assert.True(t, reg.IsAvailable("u1"))

	// a rebind to a newer room survives the old room's leave
	reg.SetInCall(ctx, "u1", "room-c")
	assert.False(t, reg.LeaveRoom(ctx, "u1", "room-a"))
	u, _ := reg.Get("u1")
	assert.Equal(t, "room-c", u.CurrentRoomID)
}

func TestListOrderedByConnectTime(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)
	now := time.Now()

	reg.Add(ctx, models.User{ID: "late", ConnectedAt: now.Add(time.Second)})
	reg.Add(ctx, models.User{ID: "early", ConnectedAt: now})

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
}

func TestStoreFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&memStore{users: map[string]models.User{}, fail: true}, nil)

	reg.Add(ctx, models.User{ID: "u1"})
	assert.True(t, reg.SetInCall(ctx, "u1", "r"))
	_, ok := reg.Get("u1")
	assert.True(t, ok)
}
