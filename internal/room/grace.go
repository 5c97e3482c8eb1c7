package room

import (
	"context"

	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

// ReasonHostLeft is the end reason when the host never came back
const ReasonHostLeft = "Host left the call"

// CheckHostGracePeriod evaluates one room whose host disconnected. Once the
// grace period has elapsed the room turns hostless if anyone else is still
// present, otherwise it ends. Overlapping checks for the same room are
// skipped rather than queued.
func (m *Manager) CheckHostGracePeriod(ctx context.Context, roomID string) (GraceResult, error) {
	res := GraceResult{RoomID: roomID}

	release, ok := m.locks.TryLock("grace:" + roomID)
	if !ok {
		m.log.Debug("grace check already running", zap.String("room_id", roomID))
		return res, nil
	}
	defer release()

	unlock := m.lockRoom(roomID)
	room, err := m.load(ctx, roomID)
	if err != nil {
		unlock()
		return res, err
	}
	if room.Status == models.RoomStatusEnded || room.HostDisconnectedAt == nil || room.IsHostless {
		unlock()
		return res, nil
	}
	if m.cfg.Now().Sub(*room.HostDisconnectedAt) < m.cfg.HostGracePeriod {
		unlock()
		return res, nil
	}

	if m.cfg.EnableHostless && room.NonHostCount() > 0 {
		room.IsHostless = true
		room.HostDisconnectedAt = nil
		m.persist(ctx, room)
		unlock()

		m.log.Info("room switched to hostless mode", zap.String("room_id", roomID))
		res.Hostless = true
		return res, nil
	}

	snap := m.endLocked(ctx, room, ReasonHostLeft)
	unlock()

	m.ended(snap, ReasonHostLeft)
	res.Ended = true
	return res, nil
}

// CheckAllHostGracePeriods runs CheckHostGracePeriod over every live room and
// returns the rooms whose state changed.
func (m *Manager) CheckAllHostGracePeriods(ctx context.Context) []GraceResult {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id, room := range m.rooms {
		if room.Kind == models.RoomKindGroup {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var changed []GraceResult
	for _, id := range ids {
		res, err := m.CheckHostGracePeriod(ctx, id)
		if err != nil {
			m.log.Warn("grace check failed", zap.String("room_id", id), zap.Error(err))
			continue
		}
		if res.Ended || res.Hostless {
			changed = append(changed, res)
		}
	}
	return changed
}
