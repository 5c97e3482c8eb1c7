package models

import "time"

// UserStatus is a user's call availability
type UserStatus string

const (
	UserStatusIdle   UserStatus = "idle"
	UserStatusInCall UserStatus = "in_call"
)

// User is an online user bound to exactly one live connection
type User struct {
	ID            string     `json:"userId"`
	DisplayName   string     `json:"name"`
	ConnectionID  string     `json:"connectionId"`
	Status        UserStatus `json:"status"`
	CurrentRoomID string     `json:"currentRoomId,omitempty"`
	ConnectedAt   time.Time  `json:"connectedAt"`
}

// Available reports whether the user can be rung or invited
func (u User) Available() bool {
	return u.Status == UserStatusIdle && u.CurrentRoomID == ""
}
