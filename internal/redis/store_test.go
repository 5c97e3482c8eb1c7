package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/callsignal/config"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewStore(client, time.Hour), mr
}

func TestSaveAndLoadRoom(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	snap := models.RoomSnapshot{
		RoomID: "r1",
		Kind:   models.RoomKindGroup,
		HostID: "h",
		Status: models.RoomStatusActive,
		Participants: []models.SnapshotParticipant{
			{UserID: "h", Name: "Host", IsHost: true, Status: models.ParticipantAccepted},
		},
		Messages: []models.ChatMessage{{MessageID: "m1", Content: "hello"}},
	}
	require.NoError(t, store.SaveRoom(ctx, snap))
	assert.True(t, mr.Exists("room:r1"))
	assert.Equal(t, time.Hour, mr.TTL("room:r1"))
	raw, err := mr.Get("room:r1")
	require.NoError(t, err)
	assert.NotContains(t, raw, "connectionId")

	got, err := store.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h", got.HostID)
	assert.Equal(t, "hello", got.Messages[0].Content)

	got, err = store.LoadRoom(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadRoomCorrupt(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("room:bad", "{not json"))

	_, err := store.LoadRoom(context.Background(), "bad")
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, models.User{ID: "u1", DisplayName: "Ann"}))
	assert.True(t, mr.Exists("user:u1"))

	require.NoError(t, store.DeleteUser(ctx, "u1"))
	assert.False(t, mr.Exists("user:u1"))
	assert.NoError(t, store.Ping(ctx))
}

func TestConnectFails(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}
