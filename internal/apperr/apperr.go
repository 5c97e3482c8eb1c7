// Package apperr defines the error taxonomy shared by the managers and the
// gateway. Expected races (not found, wrong actor, lost CAS, full room) are
// ordinary values reported to the requester, never panics.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the requester should treat them
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream_failure"
	KindInvalid      Kind = "invalid"
)

// Error is a classified application error
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so wrapped copies of a sentinel
// still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrCallNotFound        = newErr(KindNotFound, "call_not_found", "call not found")
	ErrRoomNotFound        = newErr(KindNotFound, "room_not_found", "room not found")
	ErrUserNotFound        = newErr(KindNotFound, "user_not_found", "user not found")
	ErrTargetNotFound      = newErr(KindNotFound, "target_not_found", "target user is not online")
	ErrParticipantNotFound = newErr(KindNotFound, "participant_not_found", "participant not found")
	ErrMessageNotFound     = newErr(KindNotFound, "message_not_found", "message not found")
	ErrProducerNotFound    = newErr(KindNotFound, "producer_not_found", "producer not found")
	ErrRouterNotFound      = newErr(KindNotFound, "router_not_found", "router not found")
	ErrTransportNotFound   = newErr(KindNotFound, "transport_not_found", "transport not found")
	ErrConsumerNotFound    = newErr(KindNotFound, "consumer_not_found", "consumer not found")

	ErrUnauthorized   = newErr(KindUnauthorized, "unauthorized", "not allowed to perform this action")
	ErrNotHost        = newErr(KindUnauthorized, "not_host", "only the host can end this call")
	ErrNotParticipant = newErr(KindUnauthorized, "not_participant", "not a participant of this room")

	ErrCallNoLongerAvailable = newErr(KindConflict, "call_no_longer_available", "call is no longer available")
	ErrRoomFull              = newErr(KindConflict, "room_full", "room is full")
	ErrTargetBusy            = newErr(KindConflict, "target_busy", "user is in another call")
	ErrTargetRinging         = &Error{Kind: KindConflict, Code: "target_ringing", Message: "user is already being called", Retryable: true}
	ErrRoomEnded             = newErr(KindConflict, "room_ended", "room has ended")
	ErrCallIDInUse           = newErr(KindConflict, "call_id_in_use", "call id already used for a different call")
	ErrCannotConsume         = newErr(KindConflict, "cannot_consume", "cannot consume this producer")

	ErrSelfCall = newErr(KindInvalid, "self_call", "cannot call yourself")
)

// Invalid wraps a malformed-request error
func Invalid(msg string, err error) error {
	return &Error{Kind: KindInvalid, Code: "invalid_request", Message: msg, Err: err}
}

// Upstream wraps a failure of the store or the media engine
func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Code: "upstream_failure", Message: op + " failed", Retryable: true, Err: err}
}

// KindOf returns the kind of err, or KindUpstream for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// As extracts the classified error, wrapping unclassified errors as upstream failures
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindUpstream, Code: "internal", Message: "internal error", Err: err}
}
