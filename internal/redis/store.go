package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/callsignal/internal/models"
	goredis "github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"
	userKeyPrefix = "user:"
)

func roomKey(id string) string { return roomKeyPrefix + id }
func userKey(id string) string { return userKeyPrefix + id }

// Store persists room snapshots and online-user records as JSON values
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewStore wraps client. A zero ttl keeps keys forever.
func NewStore(client *goredis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

// SaveRoom writes the full room snapshot under room:<id>
func (s *Store) SaveRoom(ctx context.Context, snap models.RoomSnapshot) error {
	if err := s.setJSON(ctx, roomKey(snap.RoomID), snap); err != nil {
		return fmt.Errorf("save room %s: %w", snap.RoomID, err)
	}
	return nil
}

// LoadRoom returns the stored snapshot, or nil when the room was never saved
func (s *Store) LoadRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var snap models.RoomSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &snap, nil
}

// SaveUser records an online user under user:<id>
func (s *Store) SaveUser(ctx context.Context, user models.User) error {
	if err := s.setJSON(ctx, userKey(user.ID), user); err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.client.Del(ctx, userKey(userID)).Err()
}

// Ping reports store connectivity for health checks
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
