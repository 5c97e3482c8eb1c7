package models

import "time"

// ReplyRef quotes the message a chat message replies to
type ReplyRef struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	UserName  string `json:"userName" validate:"max=100"`
	Content   string `json:"content" validate:"max=4000"`
}

// Reaction is the set of users that reacted to a message with one emoji
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
	Count   int      `json:"count"`
}

// ChatMessage is an append-only room chat entry
type ChatMessage struct {
	MessageID string     `json:"messageId"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ReplyTo   *ReplyRef  `json:"replyTo,omitempty"`
	Reactions []Reaction `json:"reactions"`
}

// Clone returns a deep copy of the message
func (m *ChatMessage) Clone() ChatMessage {
	out := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	out.Reactions = make([]Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		out.Reactions[i] = Reaction{
			Emoji:   r.Emoji,
			UserIDs: append([]string(nil), r.UserIDs...),
			Count:   r.Count,
		}
	}
	return out
}

// ToggleReaction adds userID to the emoji's reaction or removes it if already
// present. A reaction with no users left is dropped from the message.
// It reports whether the user's reaction is present afterwards.
func (m *ChatMessage) ToggleReaction(userID, emoji string) bool {
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Emoji != emoji {
			continue
		}
		for j, id := range r.UserIDs {
			if id == userID {
				r.UserIDs = append(r.UserIDs[:j], r.UserIDs[j+1:]...)
				r.Count = len(r.UserIDs)
				if r.Count == 0 {
					m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
				}
				return false
			}
		}
		r.UserIDs = append(r.UserIDs, userID)
		r.Count = len(r.UserIDs)
		return true
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserIDs: []string{userID}, Count: 1})
	return true
}
