package room

import (
	"context"

	"github.com/google/uuid"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
)

// AddMessage appends a chat message from a participant
func (m *Manager) AddMessage(ctx context.Context, roomID, userID, content string, replyTo *models.ReplyRef) (models.ChatMessage, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	p, ok := room.Participants[userID]
	if !ok {
		return models.ChatMessage{}, apperr.ErrNotParticipant
	}

	msg := &models.ChatMessage{
		MessageID: uuid.NewString(),
		UserID:    userID,
		UserName:  p.Name,
		Content:   content,
		Timestamp: m.cfg.Now(),
		Reactions: []models.Reaction{},
	}
	if replyTo != nil {
		r := *replyTo
		msg.ReplyTo = &r
	}
	room.Messages = append(room.Messages, msg)

	m.persist(ctx, room)
	return msg.Clone(), nil
}

// ReactToMessage toggles userID's emoji reaction on a message
func (m *Manager) ReactToMessage(ctx context.Context, roomID, messageID, userID, emoji string) (models.ChatMessage, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if _, ok := room.Participants[userID]; !ok {
		return models.ChatMessage{}, apperr.ErrNotParticipant
	}
	msg := room.FindMessage(messageID)
	if msg == nil {
		return models.ChatMessage{}, apperr.ErrMessageNotFound
	}

	msg.ToggleReaction(userID, emoji)

	m.persist(ctx, room)
	return msg.Clone(), nil
}

// UpdateMediaState records a participant's mute and camera flags
func (m *Manager) UpdateMediaState(ctx context.Context, roomID, userID string, muted, videoEnabled bool) (models.Participant, error) {
	unlock := m.lockRoom(roomID)
	defer unlock()

	room, err := m.loadLive(ctx, roomID)
	if err != nil {
		return models.Participant{}, err
	}
	p, ok := room.Participants[userID]
	if !ok {
		return models.Participant{}, apperr.ErrParticipantNotFound
	}

	p.IsMuted = muted
	p.IsVideoEnabled = videoEnabled
	p.MediaStateUpdatedAt = m.cfg.Now()

	m.persist(ctx, room)
	return *p, nil
}
