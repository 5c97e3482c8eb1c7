// Package room owns rooms, their participants and their chat. Every mutation
// of a room runs inside that room's critical section and ends by writing a
// full snapshot to the store.
package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/keylock"
	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

const maxDirectParticipants = 2

// Store persists room snapshots. LoadRoom returns nil, nil for unknown rooms.
type Store interface {
	SaveRoom(ctx context.Context, snap models.RoomSnapshot) error
	LoadRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error)
}

// MediaResources is the slice of the media bridge the manager needs.
// Release and close are best effort and never fail the caller.
type MediaResources interface {
	CreateRouter(ctx context.Context, roomID string) error
	ReleaseParticipant(roomID, userID string)
	CloseRouter(roomID string)
}

type Presence interface {
	Get(userID string) (models.User, bool)
	SetInCall(ctx context.Context, userID, roomID string) bool
	LeaveRoom(ctx context.Context, userID, roomID string) bool
}

type Notifier interface {
	NotifyUser(userID string, event models.EventType, data any) bool
}

type Config struct {
	MaxGroupParticipants int
	HostGracePeriod      time.Duration
	EnableHostless       bool
	Now                  func() time.Time
}

type Manager struct {
	cfg      Config
	store    Store
	media    MediaResources
	presence Presence
	notifier Notifier
	log      *zap.Logger
	locks    *keylock.Table

	mu    sync.RWMutex
	rooms map[string]*models.Room

	onEnded func(snap models.RoomSnapshot, reason string)
}

// NewManager wires the manager to its collaborators. store, media and
// notifier may be nil.
func NewManager(cfg Config, store Store, media MediaResources, presence Presence, notifier Notifier, log *zap.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxGroupParticipants <= 0 {
		cfg.MaxGroupParticipants = 50
	}
	if cfg.HostGracePeriod <= 0 {
		cfg.HostGracePeriod = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		media:    media,
		presence: presence,
		notifier: notifier,
		log:      log,
		locks:    keylock.New(),
		rooms:    make(map[string]*models.Room),
	}
}

// OnEnded registers a hook run after a room has ended, outside its critical section
func (m *Manager) OnEnded(fn func(snap models.RoomSnapshot, reason string)) {
	m.onEnded = fn
}

type CreateParams struct {
	HostID           string
	HostName         string
	HostConnectionID string
	Kind             models.RoomKind
	Name             string
	InvitedIDs       []string
}

// JoinResult describes the outcome of AddParticipant
type JoinResult struct {
	Room            models.RoomView
	Rejoined        bool
	HostReconnected bool
}

// RemoveResult describes the outcome of a leave. ShouldEndCall asks the
// caller to announce the end and then call EndCall.
type RemoveResult struct {
	Room          models.RoomView
	Removed       bool
	WasHost       bool
	ShouldEndCall bool
}

// GraceResult is the outcome of one host grace evaluation
type GraceResult struct {
	RoomID   string
	Ended    bool
	Hostless bool
}

func (m *Manager) lockRoom(roomID string) func() {
	return m.locks.Lock("room:" + roomID)
}

// CreateRoom allocates a room and its media router with the host as the
// first accepted participant. A failed router or snapshot write aborts the
// creation.
func (m *Manager) CreateRoom(ctx context.Context, p CreateParams) (models.RoomView, error) {
	return m.createRoom(ctx, p, true)
}

func (m *Manager) createRoom(ctx context.Context, p CreateParams, notifyInvitees bool) (models.RoomView, error) {
	if p.Kind != models.RoomKindDirect && p.Kind != models.RoomKindGroup {
		return models.RoomView{}, apperr.Invalid("unknown room kind "+string(p.Kind), nil)
	}

	name := p.Name
	if name == "" {
		if p.Kind == models.RoomKindGroup {
			name = "Group Call"
		} else {
			name = "Direct Call"
		}
	}

	roomID := uuid.NewString()
	if m.media != nil {
		if err := m.media.CreateRouter(ctx, roomID); err != nil {
			return models.RoomView{}, apperr.Upstream("create media router", err)
		}
	}

	now := m.cfg.Now()
	status := models.RoomStatusPending
	if p.Kind == models.RoomKindGroup {
		status = models.RoomStatusActive
	}
	room := &models.Room{
		RoomID:   roomID,
		Kind:     p.Kind,
		Name:     name,
		HostID:   p.HostID,
		HostName: p.HostName,
		Status:   status,
		Participants: map[string]*models.Participant{
			p.HostID: {
				UserID:              p.HostID,
				Name:                p.HostName,
				ConnectionID:        p.HostConnectionID,
				JoinedAt:            now,
				IsHost:              true,
				Status:              models.ParticipantAccepted,
				MediaStateUpdatedAt: now,
			},
		},
		InvitedIDs: dedupe(p.InvitedIDs, p.HostID),
		CreatedAt:  now,
		Messages:   []*models.ChatMessage{},
	}

	unlock := m.lockRoom(roomID)
	m.mu.Lock()
	m.rooms[roomID] = room
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRoom(ctx, room.Snapshot()); err != nil {
			m.mu.Lock()
			delete(m.rooms, roomID)
			m.mu.Unlock()
			unlock()
			if m.media != nil {
				m.media.CloseRouter(roomID)
			}
			return models.RoomView{}, apperr.Upstream("save room", err)
		}
	}
	view := room.View()
	invite := models.RoomInviteEvent{
		RoomID:   roomID,
		Kind:     room.Kind,
		Name:     room.Name,
		HostID:   room.HostID,
		HostName: room.HostName,
	}
	invited := append([]string(nil), room.InvitedIDs...)
	unlock()

	if m.presence != nil {
		m.presence.SetInCall(ctx, p.HostID, roomID)
	}

	m.log.Info("room created",
		zap.String("room_id", roomID),
		zap.String("kind", string(p.Kind)),
		zap.String("host_id", p.HostID))

	if notifyInvitees {
		m.notifyInvitees(invited, invite)
	}
	return view, nil
}

// notifyInvitees rings only invitees that are idle and unbound at send time
func (m *Manager) notifyInvitees(invited []string, invite models.RoomInviteEvent) {
	if m.notifier == nil || m.presence == nil {
		return
	}
	for _, id := range invited {
		u, ok := m.presence.Get(id)
		if !ok || !u.Available() {
			m.log.Debug("skipping invite", zap.String("room_id", invite.RoomID), zap.String("user_id", id))
			continue
		}
		m.notifier.NotifyUser(id, models.EventRoomInvite, invite)
	}
}

// load returns the live room, restoring it from the store when this process
// has never seen it. Ended rooms are returned but never re-inserted.
// Callers hold the room's critical section.
func (m *Manager) load(ctx context.Context, roomID string) (*models.Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}
	if m.store == nil {
		return nil, apperr.ErrRoomNotFound
	}

	snap, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, apperr.Upstream("load room", err)
	}
	if snap == nil {
		return nil, apperr.ErrRoomNotFound
	}

	room = models.RoomFromSnapshot(*snap)
	if room.Status == models.RoomStatusEnded {
		return room, nil
	}

	if m.media != nil {
		if err := m.media.CreateRouter(ctx, roomID); err != nil {
			m.log.Warn("failed to recreate router for restored room", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.rooms[roomID] = room
	m.mu.Unlock()

	m.log.Info("room restored from store", zap.String("room_id", roomID), zap.Int("participants", len(room.Participants)))
	return room, nil
}

func (m *Manager) loadLive(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomStatusEnded {
		return nil, apperr.ErrRoomEnded
	}
	return room, nil
}

// persist writes the snapshot; failures outside creation are logged and absorbed
func (m *Manager) persist(ctx context.Context, room *models.Room) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRoom(ctx, room.Snapshot()); err != nil {
		m.log.Error("failed to save room snapshot", zap.String("room_id", room.RoomID), zap.Error(err))
	}
}

func (m *Manager) Get(ctx context.Context, roomID string) (models.RoomView, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.load(ctx, roomID)
	if err != nil {
		return models.RoomView{}, err
	}
	return room.View(), nil
}

// IsParticipant reports whether userID is listed in a live room
func (m *Manager) IsParticipant(ctx context.Context, roomID, userID string) bool {
	view, err := m.Get(ctx, roomID)
	if err != nil || view.Status == models.RoomStatusEnded {
		return false
	}
	for _, p := range view.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Manager) capacity(room *models.Room) int {
	if room.Kind == models.RoomKindDirect {
		return maxDirectParticipants
	}
	return m.cfg.MaxGroupParticipants
}

// AddParticipant joins userID to the room. A user already listed only gets
// their connection rebound; that rejoin is not capacity checked.
func (m *Manager) AddParticipant(ctx context.Context, roomID, userID, name, connectionID string) (JoinResult, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return JoinResult{}, err
	}

	var res JoinResult
	if p, ok := room.Participants[userID]; ok {
		p.ConnectionID = connectionID
		res.Rejoined = true
		if p.IsHost && room.HostDisconnectedAt != nil && !room.IsHostless {
			room.HostDisconnectedAt = nil
			res.HostReconnected = true
		}
	} else {
		if len(room.Participants) >= m.capacity(room) {
			return JoinResult{}, apperr.ErrRoomFull
		}

		now := m.cfg.Now()
		p := &models.Participant{
			UserID:              userID,
			Name:                name,
			ConnectionID:        connectionID,
			JoinedAt:            now,
			Status:              models.ParticipantAccepted,
			MediaStateUpdatedAt: now,
		}
		if room.Kind == models.RoomKindDirect {
			p.Status = models.ParticipantPending
		}
		// the original host coming back during the grace period takes the host seat again
		if room.Kind == models.RoomKindGroup && userID == room.HostID && !room.IsHostless {
			p.IsHost = true
			if room.HostDisconnectedAt != nil {
				room.HostDisconnectedAt = nil
				res.HostReconnected = true
			}
		}
		room.Participants[userID] = p
	}

	m.persist(ctx, room)
	if m.presence != nil {
		m.presence.SetInCall(ctx, userID, roomID)
	}

	if res.HostReconnected {
		m.log.Info("host reconnected", zap.String("room_id", roomID), zap.String("user_id", userID))
	}
	res.Room = room.View()
	return res, nil
}

// HandleHostReconnect rebinds the host's connection and stops the grace
// period. It reports false when the room ended, went hostless, or userID is
// not the listed host.
func (m *Manager) HandleHostReconnect(ctx context.Context, roomID, userID, connectionID string) (bool, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.load(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room.HostID != userID || room.Status == models.RoomStatusEnded || room.IsHostless {
		return false, nil
	}
	host, ok := room.Participants[userID]
	if !ok {
		return false, nil
	}

	host.ConnectionID = connectionID
	room.HostDisconnectedAt = nil
	m.persist(ctx, room)
	return true, nil
}

// RemoveParticipant releases the user's media, drops them from the room and
// frees their presence. Leaving a room that already ended is a no-op.
func (m *Manager) RemoveParticipant(ctx context.Context, roomID, userID string) (RemoveResult, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.load(ctx, roomID)
	if err != nil {
		return RemoveResult{}, err
	}
	if room.Status == models.RoomStatusEnded {
		return RemoveResult{Room: room.View()}, nil
	}

	p, ok := room.Participants[userID]
	if !ok {
		return RemoveResult{Room: room.View()}, nil
	}

	res := m.removeLocked(ctx, room, p)
	m.persist(ctx, room)
	res.Room = room.View()

	m.log.Info("participant removed",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Bool("was_host", res.WasHost),
		zap.Bool("should_end", res.ShouldEndCall))
	return res, nil
}

func (m *Manager) removeLocked(ctx context.Context, room *models.Room, p *models.Participant) RemoveResult {
	if m.media != nil {
		m.media.ReleaseParticipant(room.RoomID, p.UserID)
	}
	delete(room.Participants, p.UserID)
	if m.presence != nil {
		m.presence.LeaveRoom(ctx, p.UserID, room.RoomID)
	}

	res := RemoveResult{Removed: true, WasHost: p.IsHost}
	switch {
	case room.Kind == models.RoomKindDirect:
		res.ShouldEndCall = true
	case p.IsHost && !room.IsHostless:
		now := m.cfg.Now()
		room.HostDisconnectedAt = &now
	case room.IsHostless && len(room.Participants) == 0:
		// nobody is left to end a hostless room
		res.ShouldEndCall = true
	}
	return res
}

// AcceptInvite marks userID as accepted, adding them if needed, and
// activates a pending room.
func (m *Manager) AcceptInvite(ctx context.Context, roomID, userID, name, connectionID string) (models.RoomView, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return models.RoomView{}, err
	}

	p, ok := room.Participants[userID]
	if ok {
		p.Status = models.ParticipantAccepted
		if connectionID != "" {
			p.ConnectionID = connectionID
		}
	} else {
		if room.Kind == models.RoomKindDirect && !contains(room.InvitedIDs, userID) {
			return models.RoomView{}, apperr.ErrNotParticipant
		}
		if len(room.Participants) >= m.capacity(room) {
			return models.RoomView{}, apperr.ErrRoomFull
		}
		now := m.cfg.Now()
		room.Participants[userID] = &models.Participant{
			UserID:              userID,
			Name:                name,
			ConnectionID:        connectionID,
			JoinedAt:            now,
			Status:              models.ParticipantAccepted,
			MediaStateUpdatedAt: now,
		}
	}
	if room.Status == models.RoomStatusPending {
		room.Status = models.RoomStatusActive
	}

	m.persist(ctx, room)
	if m.presence != nil {
		m.presence.SetInCall(ctx, userID, roomID)
	}
	return room.View(), nil
}

// RejectInvite removes an invited or pending user. A rejected direct room
// must be ended by the caller.
func (m *Manager) RejectInvite(ctx context.Context, roomID, userID string) (RemoveResult, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return RemoveResult{}, err
	}

	p, listed := room.Participants[userID]
	invited := contains(room.InvitedIDs, userID)
	if !listed && !invited {
		return RemoveResult{}, apperr.ErrNotParticipant
	}
	room.InvitedIDs = remove(room.InvitedIDs, userID)

	res := RemoveResult{}
	if listed {
		p.Status = models.ParticipantRejected
		res = m.removeLocked(ctx, room, p)
	}
	if room.Kind == models.RoomKindDirect {
		res.ShouldEndCall = true
	}

	m.persist(ctx, room)
	res.Room = room.View()
	return res, nil
}

type DirectRoomParams struct {
	CallerID           string
	CallerName         string
	CallerConnectionID string
	CalleeID           string
	CalleeName         string
	CalleeConnectionID string
}

// OpenDirectRoom creates an active direct room with both parties accepted.
// Nothing is left behind on failure.
func (m *Manager) OpenDirectRoom(ctx context.Context, p DirectRoomParams) (models.RoomView, error) {
	view, err := m.createRoom(ctx, CreateParams{
		HostID:           p.CallerID,
		HostName:         p.CallerName,
		HostConnectionID: p.CallerConnectionID,
		Kind:             models.RoomKindDirect,
		InvitedIDs:       []string{p.CalleeID},
	}, false)
	if err != nil {
		return models.RoomView{}, err
	}

	accepted, err := m.AcceptInvite(ctx, view.RoomID, p.CalleeID, p.CalleeName, p.CalleeConnectionID)
	if err != nil {
		if _, endErr := m.EndCall(ctx, view.RoomID, "Call setup failed"); endErr != nil {
			m.log.Warn("failed to clean up direct room", zap.String("room_id", view.RoomID), zap.Error(endErr))
		}
		return models.RoomView{}, err
	}
	return accepted, nil
}

// EndCall ends the room once. It reports false if the room had already ended.
func (m *Manager) EndCall(ctx context.Context, roomID, reason string) (bool, error) {
	unlock := m.lockRoom(roomID)
	room, err := m.load(ctx, roomID)
	if err != nil {
		unlock()
		return false, err
	}
	if room.Status == models.RoomStatusEnded {
		unlock()
		return false, nil
	}
	snap := m.endLocked(ctx, room, reason)
	unlock()

	m.ended(snap, reason)
	return true, nil
}

// endLocked tears the room down. Release errors never stop the teardown.
func (m *Manager) endLocked(ctx context.Context, room *models.Room, reason string) models.RoomSnapshot {
	now := m.cfg.Now()
	room.Status = models.RoomStatusEnded
	room.EndedAt = &now
	room.HostDisconnectedAt = nil

	for _, p := range room.Participants {
		if m.media != nil {
			m.media.ReleaseParticipant(room.RoomID, p.UserID)
		}
		if m.presence != nil {
			m.presence.LeaveRoom(ctx, p.UserID, room.RoomID)
		}
	}
	if m.media != nil {
		m.media.CloseRouter(room.RoomID)
	}

	m.persist(ctx, room)
	m.mu.Lock()
	delete(m.rooms, room.RoomID)
	m.mu.Unlock()

	m.log.Info("room ended", zap.String("room_id", room.RoomID), zap.String("reason", reason))
	return room.Snapshot()
}

func (m *Manager) ended(snap models.RoomSnapshot, reason string) {
	if m.onEnded != nil {
		m.onEnded(snap, reason)
	}
}

// ActiveRooms lists rooms that have not ended, oldest first
func (m *Manager) ActiveRooms(ctx context.Context) []models.RoomView {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	views := make([]models.RoomView, 0, len(ids))
	for _, id := range ids {
		unlock := m.lockRoom(id)
		m.mu.RLock()
		room, ok := m.rooms[id]
		m.mu.RUnlock()
		if ok && room.Status != models.RoomStatusEnded {
			views = append(views, room.View())
		}
		unlock()
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].RoomID < views[j].RoomID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// GroupRooms lists active group rooms, the set shown in room lists
func (m *Manager) GroupRooms(ctx context.Context) []models.RoomView {
	all := m.ActiveRooms(ctx)
	out := all[:0]
	for _, v := range all {
		if v.Kind == models.RoomKindGroup {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of rooms held in memory
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
