package models

import (
	"sort"
	"time"
)

// RoomKind distinguishes 1:1 rooms from multi-party rooms
type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

// RoomStatus is the lifecycle state of a room
type RoomStatus string

const (
	RoomStatusPending RoomStatus = "pending"
	RoomStatusActive  RoomStatus = "active"
	RoomStatusEnded   RoomStatus = "ended"
)

// ParticipantStatus tracks whether a participant accepted the room invitation
type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantRejected ParticipantStatus = "rejected"
)

// Participant is a user's membership in a room
type Participant struct {
	UserID              string            `json:"userId"`
	Name                string            `json:"name"`
	ConnectionID        string            `json:"connectionId"`
	JoinedAt            time.Time         `json:"joinedAt"`
	IsHost              bool              `json:"isHost"`
	Status              ParticipantStatus `json:"status"`
	IsMuted             bool              `json:"isMuted"`
	IsVideoEnabled      bool              `json:"isVideoEnabled"`
	MediaStateUpdatedAt time.Time         `json:"mediaStateUpdatedAt"`
}

// SnapshotParticipant is the durable form of a participant. Connection ids
// belong to the live session and are not persisted.
type SnapshotParticipant struct {
	UserID              string            `json:"userId"`
	Name                string            `json:"name"`
	JoinedAt            time.Time         `json:"joinedAt"`
	IsHost              bool              `json:"isHost"`
	Status              ParticipantStatus `json:"status"`
	IsMuted             bool              `json:"isMuted"`
	IsVideoEnabled      bool              `json:"isVideoEnabled"`
	MediaStateUpdatedAt time.Time         `json:"mediaStateUpdatedAt"`
}

// Room is the authoritative in-memory room state owned by the room manager.
// It is not safe for concurrent use; callers hold the room's critical section.
type Room struct {
	RoomID             string
	Kind               RoomKind
	Name               string
	HostID             string
	HostName           string
	Status             RoomStatus
	Participants       map[string]*Participant
	InvitedIDs         []string
	CreatedAt          time.Time
	EndedAt            *time.Time
	HostDisconnectedAt *time.Time
	IsHostless         bool
	Messages           []*ChatMessage
}

// RoomSnapshot is the durable form of a room written to the store
type RoomSnapshot struct {
	RoomID             string                `json:"roomId"`
	Kind               RoomKind              `json:"kind"`
	Name               string                `json:"name"`
	HostID             string                `json:"hostId"`
	HostName           string                `json:"hostName"`
	Status             RoomStatus            `json:"status"`
	Participants       []SnapshotParticipant `json:"participants"`
	InvitedIDs         []string              `json:"invitedIds,omitempty"`
	CreatedAt          time.Time             `json:"createdAt"`
	EndedAt            *time.Time            `json:"endedAt,omitempty"`
	HostDisconnectedAt *time.Time            `json:"hostDisconnectedAt,omitempty"`
	IsHostless         bool                  `json:"isHostless"`
	Messages           []ChatMessage         `json:"messages"`
}

// RoomView is the serialized room sent to clients
type RoomView struct {
	RoomID           string        `json:"roomId"`
	Kind             RoomKind      `json:"kind"`
	Name             string        `json:"name"`
	HostID           string        `json:"hostId"`
	HostName         string        `json:"hostName"`
	Status           RoomStatus    `json:"status"`
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participantCount"`
	CreatedAt        time.Time     `json:"createdAt"`
	IsHostless       bool          `json:"isHostless"`
	MessageCount     int           `json:"messageCount"`
}

// SortedParticipants returns copies of the participants ordered by join time
func (r *Room) SortedParticipants() []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// NonHostCount returns the number of participants other than the host
func (r *Room) NonHostCount() int {
	n := 0
	for _, p := range r.Participants {
		if !p.IsHost {
			n++
		}
	}
	return n
}

// FindMessage returns the message with the given id, or nil
func (r *Room) FindMessage(messageID string) *ChatMessage {
	for _, m := range r.Messages {
		if m.MessageID == messageID {
			return m
		}
	}
	return nil
}

// Snapshot copies the room into its durable form
func (r *Room) Snapshot() RoomSnapshot {
	msgs := make([]ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = m.Clone()
	}
	sorted := r.SortedParticipants()
	participants := make([]SnapshotParticipant, len(sorted))
	for i, p := range sorted {
		participants[i] = SnapshotParticipant{
			UserID:              p.UserID,
			Name:                p.Name,
			JoinedAt:            p.JoinedAt,
			IsHost:              p.IsHost,
			Status:              p.Status,
			IsMuted:             p.IsMuted,
			IsVideoEnabled:      p.IsVideoEnabled,
			MediaStateUpdatedAt: p.MediaStateUpdatedAt,
		}
	}
	return RoomSnapshot{
		RoomID:             r.RoomID,
		Kind:               r.Kind,
		Name:               r.Name,
		HostID:             r.HostID,
		HostName:           r.HostName,
		Status:             r.Status,
		Participants:       participants,
		InvitedIDs:         append([]string(nil), r.InvitedIDs...),
		CreatedAt:          r.CreatedAt,
		EndedAt:            copyTime(r.EndedAt),
		HostDisconnectedAt: copyTime(r.HostDisconnectedAt),
		IsHostless:         r.IsHostless,
		Messages:           msgs,
	}
}

// View copies the room into the shape sent to clients
func (r *Room) View() RoomView {
	participants := r.SortedParticipants()
	return RoomView{
		RoomID:           r.RoomID,
		Kind:             r.Kind,
		Name:             r.Name,
		HostID:           r.HostID,
		HostName:         r.HostName,
		Status:           r.Status,
		Participants:     participants,
		ParticipantCount: len(participants),
		CreatedAt:        r.CreatedAt,
		IsHostless:       r.IsHostless,
		MessageCount:     len(r.Messages),
	}
}

// RoomFromSnapshot rebuilds an in-memory room from its durable form
func RoomFromSnapshot(s RoomSnapshot) *Room {
	room := &Room{
		RoomID:             s.RoomID,
		Kind:               s.Kind,
		Name:               s.Name,
		HostID:             s.HostID,
		HostName:           s.HostName,
		Status:             s.Status,
		Participants:       make(map[string]*Participant, len(s.Participants)),
		InvitedIDs:         append([]string(nil), s.InvitedIDs...),
		CreatedAt:          s.CreatedAt,
		EndedAt:            copyTime(s.EndedAt),
		HostDisconnectedAt: copyTime(s.HostDisconnectedAt),
		IsHostless:         s.IsHostless,
		Messages:           make([]*ChatMessage, 0, len(s.Messages)),
	}
	// connection ids are filled in again when participants rejoin
	for _, p := range s.Participants {
		room.Participants[p.UserID] = &Participant{
			UserID:              p.UserID,
			Name:                p.Name,
			JoinedAt:            p.JoinedAt,
			IsHost:              p.IsHost,
			Status:              p.Status,
			IsMuted:             p.IsMuted,
			IsVideoEnabled:      p.IsVideoEnabled,
			MediaStateUpdatedAt: p.MediaStateUpdatedAt,
		}
	}
	for _, m := range s.Messages {
		m := m.Clone()
		room.Messages = append(room.Messages, &m)
	}
	return room
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
