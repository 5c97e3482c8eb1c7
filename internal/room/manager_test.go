package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/mossy-p/callsignal/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	rooms map[string]models.RoomSnapshot
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]models.RoomSnapshot)}
}

func (s *memStore) SaveRoom(_ context.Context, snap models.RoomSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.rooms[snap.RoomID] = snap
	return nil
}

func (s *memStore) LoadRoom(_ context.Context, roomID string) (*models.RoomSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

type fakeMedia struct {
	mu       sync.Mutex
	routers  map[string]int
	closed   map[string]int
	released map[string]int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{routers: map[string]int{}, closed: map[string]int{}, released: map[string]int{}}
}

func (f *fakeMedia) CreateRouter(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers[roomID]++
	return nil
}

func (f *fakeMedia) ReleaseParticipant(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[roomID+"/"+userID]++
}

func (f *fakeMedia) CloseRouter(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[roomID]++
}

func (f *fakeMedia) releasedCount(roomID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[roomID+"/"+userID]
}

func (f *fakeMedia) closedCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[roomID]
}

type notification struct {
	userID string
	event  models.EventType
	data   any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) NotifyUser(userID string, event models.EventType, data any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID, event, data})
	return true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mgr      *Manager
	store    *memStore
	media    *fakeMedia
	presence *presence.Registry
	notifier *fakeNotifier
	clock    *clock
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		media:    newFakeMedia(),
		presence: presence.NewRegistry(nil, nil),
		notifier: &fakeNotifier{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, u := range users {
		f.presence.Add(context.Background(), models.User{ID: u, DisplayName: u, ConnectionID: "conn-" + u})
	}
	f.mgr = NewManager(Config{
		MaxGroupParticipants: 50,
		HostGracePeriod:      30 * time.Second,
		EnableHostless:       true,
		Now:                  f.clock.Now,
	}, f.store, f.media, f.presence, f.notifier, nil)
	return f
}

func (f *fixture) groupRoom(t *testing.T, host string, guests ...string) string {
	t.Helper()
	ctx := context.Background()
	view, err := f.mgr.CreateRoom(ctx, CreateParams{HostID: host, HostName: host, Kind: models.RoomKindGroup})
	require.NoError(t, err)
	for _, g := range guests {
		_, err := f.mgr.AddParticipant(ctx, view.RoomID, g, g, "conn-"+g)
		require.NoError(t, err)
	}
	return view.RoomID
}

func TestDirectRoomSymmetry(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	view, err := f.mgr.OpenDirectRoom(ctx, DirectRoomParams{CallerID: "a", CallerName: "A", CalleeID: "b", CalleeName: "B"})
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, view.Status)
	require.Len(t, view.Participants, 2)
	for _, p := range view.Participants {
		assert.Equal(t, models.ParticipantAccepted, p.Status)
	}
	assert.False(t, f.presence.IsAvailable("a"))
	assert.False(t, f.presence.IsAvailable("b"))

	_, err = f.mgr.AddParticipant(ctx, view.RoomID, "c", "C", "conn-c")
	assert.ErrorIs(t, err, apperr.ErrRoomFull)

	res, err := f.mgr.RemoveParticipant(ctx, view.RoomID, "b")
	require.NoError(t, err)
	assert.True(t, res.ShouldEndCall)

	ended, err := f.mgr.EndCall(ctx, view.RoomID, "Call ended")
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = f.mgr.EndCall(ctx, view.RoomID, "Call ended")
	require.NoError(t, err)
	assert.False(t, ended)

	assert.Equal(t, 1, f.media.closedCount(view.RoomID))
	assert.Equal(t, 1, f.media.releasedCount(view.RoomID, "a"))
	assert.Equal(t, 1, f.media.releasedCount(view.RoomID, "b"))
	assert.True(t, f.presence.IsAvailable("a"))
	assert.True(t, f.presence.IsAvailable("b"))
	assert.Equal(t, models.RoomStatusEnded, f.store.rooms[view.RoomID].Status)
	assert.Equal(t, 0, f.mgr.Count())
}

func TestRejoinIsIdempotent(t *testing.T) {
	f := newFixture(t, "h", "g", "x")
	f.mgr.cfg.MaxGroupParticipants = 2
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")

	res, err := f.mgr.AddParticipant(ctx, roomID, "g", "g", "conn-g-2")
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, 2, res.Room.ParticipantCount)

	for _, p := range res.Room.Participants {
		if p.UserID == "g" {
			assert.Equal(t, "conn-g-2", p.ConnectionID)
		}
	}

	_, err = f.mgr.AddParticipant(ctx, roomID, "x", "x", "conn-x")
	assert.ErrorIs(t, err, apperr.ErrRoomFull)
}

func TestHostGracePeriodGoesHostless(t *testing.T) {
	f := newFixture(t, "h", "g")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")

	res, err := f.mgr.RemoveParticipant(ctx, roomID, "h")
	require.NoError(t, err)
	assert.True(t, res.WasHost)
	assert.False(t, res.ShouldEndCall)

	f.clock.Advance(29 * time.Second)
	grace, err := f.mgr.CheckHostGracePeriod(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, grace.Ended)
	assert.False(t, grace.Hostless)

	view, err := f.mgr.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, view.Status)
	assert.False(t, view.IsHostless)

	f.clock.Advance(time.Second)
	changed := f.mgr.CheckAllHostGracePeriods(ctx)
	require.Len(t, changed, 1)
	assert.True(t, changed[0].Hostless)

	view, err = f.mgr.Get(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, view.IsHostless)
	assert.Equal(t, models.RoomStatusActive, view.Status)

	// no further host recovery once hostless
	f.clock.Advance(time.Minute)
	assert.Empty(t, f.mgr.CheckAllHostGracePeriods(ctx))

	// the last one out ends a hostless room
	res, err = f.mgr.RemoveParticipant(ctx, roomID, "g")
	require.NoError(t, err)
	assert.True(t, res.ShouldEndCall)
}

func TestHostGracePeriodEndsEmptyRoom(t *testing.T) {
	f := newFixture(t, "h")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h")

	var endedReason string
	f.mgr.OnEnded(func(_ models.RoomSnapshot, reason string) { endedReason = reason })

	_, err := f.mgr.RemoveParticipant(ctx, roomID, "h")
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	grace, err := f.mgr.CheckHostGracePeriod(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, grace.Ended)
	assert.Equal(t, ReasonHostLeft, endedReason)
	assert.Equal(t, 1, f.media.closedCount(roomID))
	assert.True(t, f.presence.IsAvailable("h"))
}

func TestHostlessDisabledEndsRoom(t *testing.T) {
	f := newFixture(t, "h", "g")
	f.mgr.cfg.EnableHostless = false
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")

	_, err := f.mgr.RemoveParticipant(ctx, roomID, "h")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	grace, err := f.mgr.CheckHostGracePeriod(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, grace.Ended)
	assert.True(t, f.presence.IsAvailable("g"))
}

func TestHostReconnectStopsGracePeriod(t *testing.T) {
	f := newFixture(t, "h", "g")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")

	_, err := f.mgr.RemoveParticipant(ctx, roomID, "h")
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	res, err := f.mgr.AddParticipant(ctx, roomID, "h", "h", "conn-h-2")
	require.NoError(t, err)
	assert.True(t, res.HostReconnected)
	assert.False(t, res.Rejoined)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.mgr.CheckAllHostGracePeriods(ctx))

	view, err := f.mgr.Get(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, view.IsHostless)
	for _, p := range view.Participants {
		if p.UserID == "h" {
			assert.True(t, p.IsHost)
		}
	}

	ok, err := f.mgr.HandleHostReconnect(ctx, roomID, "h", "conn-h-3")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.mgr.HandleHostReconnect(ctx, roomID, "g", "conn-g-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentEndAndRemove(t *testing.T) {
	users := []string{"h"}
	for i := 0; i < 10; i++ {
		users = append(users, fmt.Sprintf("u%d", i))
	}
	f := newFixture(t, users...)
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", users[1:]...)

	var endedCount atomic.Int32
	f.mgr.OnEnded(func(models.RoomSnapshot, string) { endedCount.Add(1) })

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(2)
		go func(u string) {
			defer wg.Done()
			_, _ = f.mgr.RemoveParticipant(ctx, roomID, u)
		}(u)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.EndCall(ctx, roomID, "Host ended the call")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), endedCount.Load())
	assert.Equal(t, 1, f.media.closedCount(roomID))
	for _, u := range users {
		assert.Equal(t, 1, f.media.releasedCount(roomID, u), u)
		assert.True(t, f.presence.IsAvailable(u), u)
	}
}

func TestConcurrentGraceChecksEndOnce(t *testing.T) {
	f := newFixture(t, "h")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h")

	var endedCount atomic.Int32
	f.mgr.OnEnded(func(models.RoomSnapshot, string) { endedCount.Add(1) })

	_, err := f.mgr.RemoveParticipant(ctx, roomID, "h")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.CheckHostGracePeriod(ctx, roomID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), endedCount.Load())
	assert.Equal(t, 1, f.media.closedCount(roomID))
}

func TestChatAndReactions(t *testing.T) {
	f := newFixture(t, "h", "g", "outsider")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")

	msg, err := f.mgr.AddMessage(ctx, roomID, "g", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "g", msg.UserName)

	_, err = f.mgr.AddMessage(ctx, roomID, "outsider", "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)

	reply, err := f.mgr.AddMessage(ctx, roomID, "h", "hey", &models.ReplyRef{MessageID: msg.MessageID, UserName: "g", Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, msg.MessageID, reply.ReplyTo.MessageID)

	updated, err := f.mgr.ReactToMessage(ctx, roomID, msg.MessageID, "h", "😀")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, []string{"h"}, updated.Reactions[0].UserIDs)

	updated, err = f.mgr.ReactToMessage(ctx, roomID, msg.MessageID, "h", "😀")
	require.NoError(t, err)
	assert.Empty(t, updated.Reactions)

	_, err = f.mgr.ReactToMessage(ctx, roomID, "nope", "h", "😀")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	snap := f.store.rooms[roomID]
	assert.Len(t, snap.Messages, 2)
}

func TestMediaState(t *testing.T) {
	f := newFixture(t, "h")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h")

	p, err := f.mgr.UpdateMediaState(ctx, roomID, "h", true, true)
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.True(t, p.IsVideoEnabled)

	_, err = f.mgr.UpdateMediaState(ctx, roomID, "ghost", true, false)
	assert.ErrorIs(t, err, apperr.ErrParticipantNotFound)
}

func TestRestoreFromStore(t *testing.T) {
	f := newFixture(t, "h", "g")
	ctx := context.Background()
	roomID := f.groupRoom(t, "h", "g")
	_, err := f.mgr.AddMessage(ctx, roomID, "g", "before restart", nil)
	require.NoError(t, err)

	restarted := NewManager(f.mgr.cfg, f.store, f.media, f.presence, nil, nil)
	view, err := restarted.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.ParticipantCount)
	assert.Equal(t, 1, view.MessageCount)
	assert.Equal(t, 1, restarted.Count())
	assert.Equal(t, 2, f.media.routers[roomID])

	// connection ids are not persisted; a rejoin after restart binds a fresh one
	res, err := restarted.AddParticipant(ctx, roomID, "g", "g", "conn-g-restarted")
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	for _, p := range res.Room.Participants {
		if p.UserID == "g" {
			assert.Equal(t, "conn-g-restarted", p.ConnectionID)
		}
	}

	ended, err := restarted.EndCall(ctx, roomID, "done")
	require.NoError(t, err)
	assert.True(t, ended)

	// an ended snapshot is readable but never comes back to life
	again := NewManager(f.mgr.cfg, f.store, f.media, f.presence, nil, nil)
	_, err = again.AddParticipant(ctx, roomID, "g", "g", "c")
	assert.ErrorIs(t, err, apperr.ErrRoomEnded)
	assert.Equal(t, 0, again.Count())

	_, err = again.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
}

func TestCreateRoomRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t, "h")
	f.store.fail = true

	_, err := f.mgr.CreateRoom(context.Background(), CreateParams{HostID: "h", HostName: "h", Kind: models.RoomKindGroup})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, 0, f.mgr.Count())
	assert.True(t, f.presence.IsAvailable("h"))

	f.media.mu.Lock()
	defer f.media.mu.Unlock()
	assert.Len(t, f.media.closed, 1)
}

func TestInvitesOnlyReachAvailableUsers(t *testing.T) {
	f := newFixture(t, "h", "idle", "busy")
	ctx := context.Background()
	f.presence.SetInCall(ctx, "busy", "elsewhere")

	view, err := f.mgr.CreateRoom(ctx, CreateParams{
		HostID:     "h",
		HostName:   "h",
		Kind:       models.RoomKindGroup,
		Name:       "standup",
		InvitedIDs: []string{"idle", "busy", "offline", "idle", "h"},
	})
	require.NoError(t, err)
	assert.Equal(t, "standup", view.Name)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "idle", f.notifier.sent[0].userID)
	assert.Equal(t, models.EventRoomInvite, f.notifier.sent[0].event)
}

func TestInviteFlow(t *testing.T) {
	f := newFixture(t, "h", "g", "x")
	ctx := context.Background()

	view, err := f.mgr.CreateRoom(ctx, CreateParams{HostID: "h", HostName: "h", Kind: models.RoomKindDirect, InvitedIDs: []string{"g"}})
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusPending, view.Status)

	_, err = f.mgr.AcceptInvite(ctx, view.RoomID, "x", "x", "conn-x")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)

	res, err := f.mgr.RejectInvite(ctx, view.RoomID, "g")
	require.NoError(t, err)
	assert.True(t, res.ShouldEndCall)

	_, err = f.mgr.RejectInvite(ctx, view.RoomID, "g")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
}
