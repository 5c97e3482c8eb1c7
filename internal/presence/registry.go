// Package presence tracks which users are online, on which connection, and
// whether they are free to take a call.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

// Store mirrors online users to durable storage. Failures are logged only.
type Store interface {
	SaveUser(ctx context.Context, user models.User) error
	DeleteUser(ctx context.Context, userID string) error
}

// Registry is the in-memory presence map. Reads are advisory; the call and
// room managers re-validate at their own commit points.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*models.User
	store Store
	log   *zap.Logger
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		users: make(map[string]*models.User),
		store: store,
		log:   log,
	}
}

// Add registers user, replacing any previous record for the same id.
// The replaced record is returned so the caller can close its connection.
func (r *Registry) Add(ctx context.Context, user models.User) (models.User, bool) {
	if user.Status == "" {
		user.Status = models.UserStatusIdle
	}

	r.mu.Lock()
	prev, replaced := r.users[user.ID]
	u := user
	r.users[user.ID] = &u
	r.mu.Unlock()

	r.persist(ctx, user)

	if replaced {
		return *prev, true
	}
	return models.User{}, false
}

// Remove drops the user if connectionID is still their live connection.
// A stale connection closing after a reconnect is ignored.
func (r *Registry) Remove(ctx context.Context, userID, connectionID string) bool {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok || (connectionID != "" && u.ConnectionID != connectionID) {
		r.mu.Unlock()
		return false
	}
	delete(r.users, userID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteUser(ctx, userID); err != nil {
			r.log.Warn("failed to delete user record", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return true
}

func (r *Registry) Get(userID string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return models.User{}, false
	}
	return *u, true
}

// List returns every online user ordered by connection time
func (r *Registry) List() []models.User {
	r.mu.RLock()
	out := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// IsAvailable reports whether the user is online, idle and not bound to a room
func (r *Registry) IsAvailable(userID string) bool {
	u, ok := r.Get(userID)
	return ok && u.Available()
}

// SetInCall marks the user busy in roomID
func (r *Registry) SetInCall(ctx context.Context, userID, roomID string) bool {
	return r.update(ctx, userID, func(u *models.User) bool {
		u.Status = models.UserStatusInCall
		u.CurrentRoomID = roomID
		return true
	})
}

// LeaveRoom resets the user to idle only if they are still bound to roomID,
// so leaving an old room never clobbers a newer binding.
func (r *Registry) LeaveRoom(ctx context.Context, userID, roomID string) bool {
	return r.update(ctx, userID, func(u *models.User) bool {
		if u.CurrentRoomID != "" && u.CurrentRoomID != roomID {
			return false
		}
		u.Status = models.UserStatusIdle
		u.CurrentRoomID = ""
		return true
	})
}

func (r *Registry) update(ctx context.Context, userID string, fn func(u *models.User) bool) bool {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok || !fn(u) {
		r.mu.Unlock()
		return false
	}
	snapshot := *u
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return true
}

func (r *Registry) persist(ctx context.Context, user models.User) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveUser(ctx, user); err != nil {
		r.log.Warn("failed to save user record", zap.String("user_id", user.ID), zap.Error(err))
	}
}
