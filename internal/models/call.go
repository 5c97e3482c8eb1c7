package models

import "time"

// CallState is the negotiation state of a direct call
type CallState string

const (
	CallStatePending   CallState = "pending"
	CallStateAccepted  CallState = "accepted"
	CallStateRejected  CallState = "rejected"
	CallStateCancelled CallState = "cancelled"
	CallStateTimedOut  CallState = "timed_out"
)

// Terminal reports whether no further transition is possible from s
func (s CallState) Terminal() bool {
	return s != CallStatePending
}

// PendingCall is a direct call between ringing and its outcome
type PendingCall struct {
	CallID     string     `json:"callId"`
	State      CallState  `json:"state"`
	CallerID   string     `json:"callerId"`
	CallerName string     `json:"callerName"`
	CalleeID   string     `json:"calleeId"`
	CalleeName string     `json:"calleeName"`
	CreatedAt  time.Time  `json:"createdAt"`
	RoomID     string     `json:"roomId,omitempty"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
}
