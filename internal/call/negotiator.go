// Package call negotiates direct calls. Each call is a small state machine
// whose only non-terminal state is pending; every transition is a
// compare-and-set on that one record, so exactly one of racing accept,
// reject, cancel or timeout wins.
package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/keylock"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/mossy-p/callsignal/internal/room"
	"github.com/mossy-p/callsignal/internal/sweep"
	"go.uber.org/zap"
)

const (
	ReasonRejected       = "Call rejected"
	ReasonAcceptedOther  = "User accepted another call"
	ReasonDisconnected   = "User disconnected"
	ReasonCallerCancel   = "Caller cancelled"
	ReasonRingingTimeout = "No answer"
	ReasonCallerBusy     = "Caller is in another call"
)

type Presence interface {
	Get(userID string) (models.User, bool)
}

// Rooms is the room manager as seen by call negotiation: it may only ask
// for a direct room to be opened.
type Rooms interface {
	OpenDirectRoom(ctx context.Context, p room.DirectRoomParams) (models.RoomView, error)
}

type Notifier interface {
	NotifyUser(userID string, event models.EventType, data any) bool
}

type Config struct {
	Timeout   time.Duration
	Retention time.Duration
	Now       func() time.Time
}

type entry struct {
	mu   sync.Mutex
	call models.PendingCall
}

// cas moves the call from one state to another only if it is still in from
func (e *entry) cas(from, to models.CallState, now time.Time) (models.PendingCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.call.State != from {
		return e.call, false
	}
	e.call.State = to
	switch {
	case to == models.CallStatePending:
		e.call.SettledAt = nil
	case to != models.CallStateAccepted:
		e.call.SettledAt = &now
	}
	return e.call, true
}

func (e *entry) load() models.PendingCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call
}

// finish records the room of an accepted call and starts its retention clock
func (e *entry) finish(roomID string, now time.Time) models.PendingCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call.RoomID = roomID
	e.call.SettledAt = &now
	return e.call
}

type Negotiator struct {
	cfg      Config
	presence Presence
	rooms    Rooms
	notifier Notifier
	log      *zap.Logger

	mu    sync.RWMutex
	calls map[string]*entry

	// accepting serializes accepts by the same callee so one user can never
	// win two calls at once
	accepting *keylock.Table

	onSettled func(call models.PendingCall)
}

func NewNegotiator(cfg Config, presence Presence, rooms Rooms, notifier Notifier, log *zap.Logger) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{
		cfg:       cfg,
		presence:  presence,
		rooms:     rooms,
		notifier:  notifier,
		log:       log,
		calls:     make(map[string]*entry),
		accepting: keylock.New(),
	}
}

// OnSettled registers a hook that sees every call reaching a terminal state
func (n *Negotiator) OnSettled(fn func(call models.PendingCall)) {
	n.onSettled = fn
}

func (n *Negotiator) settled(call models.PendingCall) {
	if n.onSettled != nil {
		n.onSettled(call)
	}
}

func (n *Negotiator) notify(userID string, event models.EventType, data any) {
	if n.notifier == nil {
		return
	}
	if !n.notifier.NotifyUser(userID, event, data) {
		n.log.Debug("notification not delivered", zap.String("user_id", userID), zap.String("event", string(event)))
	}
}

func (n *Negotiator) entry(callID string) *entry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.calls[callID]
}

// ringing reports whether calleeID already has a pending inbound call.
// The answer is advisory; acceptance is what settles competing rings.
func (n *Negotiator) ringing(calleeID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, e := range n.calls {
		c := e.load()
		if c.CalleeID == calleeID && c.State == models.CallStatePending {
			return true
		}
	}
	return false
}

// Initiate rings calleeID. Repeating an initiate with the same callId and
// parties is a no-op.
func (n *Negotiator) Initiate(ctx context.Context, callID, callerID, callerName, calleeID string) error {
	if callerID == calleeID {
		return apperr.ErrSelfCall
	}
	callee, ok := n.presence.Get(calleeID)
	if !ok {
		return apperr.ErrTargetNotFound
	}

	if e := n.entry(callID); e != nil {
		c := e.load()
		if c.CallerID == callerID && c.CalleeID == calleeID {
			return nil
		}
		return apperr.ErrCallIDInUse
	}

	if callee.Status == models.UserStatusInCall || callee.CurrentRoomID != "" {
		return apperr.ErrTargetBusy
	}
	if n.ringing(calleeID) {
		return apperr.ErrTargetRinging
	}

	call := models.PendingCall{
		CallID:     callID,
		State:      models.CallStatePending,
		CallerID:   callerID,
		CallerName: callerName,
		CalleeID:   calleeID,
		CalleeName: callee.DisplayName,
		CreatedAt:  n.cfg.Now(),
	}
	if !n.insert(call) {
		return apperr.ErrCallIDInUse
	}

	n.log.Info("call created",
		zap.String("call_id", callID),
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID))

	n.notify(calleeID, models.EventIncomingCall, models.IncomingCallEvent{
		CallID:     callID,
		CallerID:   callerID,
		CallerName: callerName,
	})
	return nil
}

func (n *Negotiator) insert(call models.PendingCall) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.calls[call.CallID]; exists {
		return false
	}
	n.calls[call.CallID] = &entry{call: call}
	return true
}

// Accept settles the call as accepted, opens the direct room and declines
// every other call ringing the acceptor. If the room cannot be opened the
// call goes back to pending and only the acceptor sees the error.
func (n *Negotiator) Accept(ctx context.Context, callID, acceptorID string) (models.RoomView, error) {
	e := n.entry(callID)
	if e == nil {
		return models.RoomView{}, apperr.ErrCallNotFound
	}
	if e.load().CalleeID != acceptorID {
		return models.RoomView{}, apperr.ErrUnauthorized
	}

	release := n.accepting.Lock(acceptorID)
	defer release()

	call, ok := e.cas(models.CallStatePending, models.CallStateAccepted, n.cfg.Now())
	if !ok {
		return models.RoomView{}, apperr.ErrCallNoLongerAvailable
	}

	// the acceptor may have entered a room while ringing; the call keeps ringing
	callee, _ := n.presence.Get(acceptorID)
	if callee.Status == models.UserStatusInCall || callee.CurrentRoomID != "" {
		e.cas(models.CallStateAccepted, models.CallStatePending, n.cfg.Now())
		return models.RoomView{}, apperr.ErrTargetBusy
	}

	caller, online := n.presence.Get(call.CallerID)
	if !online || caller.CurrentRoomID != "" {
		if cancelled, ok := e.cas(models.CallStateAccepted, models.CallStateCancelled, n.cfg.Now()); ok {
			if online {
				n.notify(cancelled.CallerID, models.EventCallRejected, models.CallRejectedEvent{
					CallID: cancelled.CallID,
					UserID: acceptorID,
					Reason: ReasonCallerBusy,
				})
			}
			n.settled(cancelled)
		}
		return models.RoomView{}, apperr.ErrCallNoLongerAvailable
	}

	view, err := n.rooms.OpenDirectRoom(ctx, room.DirectRoomParams{
		CallerID:           call.CallerID,
		CallerName:         call.CallerName,
		CallerConnectionID: caller.ConnectionID,
		CalleeID:           call.CalleeID,
		CalleeName:         call.CalleeName,
		CalleeConnectionID: callee.ConnectionID,
	})
	if err != nil {
		e.cas(models.CallStateAccepted, models.CallStatePending, n.cfg.Now())
		n.log.Error("failed to open room for accepted call", zap.String("call_id", callID), zap.Error(err))
		return models.RoomView{}, err
	}

	call = e.finish(view.RoomID, n.cfg.Now())
	n.declineOthers(acceptorID, callID)

	evt := models.CallAcceptedEvent{CallID: callID, RoomID: view.RoomID, Room: &view}
	n.notify(call.CallerID, models.EventCallAccepted, evt)
	n.notify(call.CalleeID, models.EventCallAccepted, evt)

	n.log.Info("call accepted", zap.String("call_id", callID), zap.String("room_id", view.RoomID))
	n.settled(call)
	return view, nil
}

func (n *Negotiator) declineOthers(calleeID, acceptedID string) {
	for _, e := range n.snapshot() {
		c := e.load()
		if c.CallID == acceptedID || c.CalleeID != calleeID {
			continue
		}
		declined, ok := e.cas(models.CallStatePending, models.CallStateRejected, n.cfg.Now())
		if !ok {
			continue
		}
		n.notify(declined.CallerID, models.EventCallRejected, models.CallRejectedEvent{
			CallID: declined.CallID,
			UserID: calleeID,
			Reason: ReasonAcceptedOther,
		})
		n.settled(declined)
	}
}

// Reject declines a ringing call on behalf of its callee
func (n *Negotiator) Reject(ctx context.Context, callID, rejectorID, reason string) error {
	e := n.entry(callID)
	if e == nil {
		return apperr.ErrCallNotFound
	}
	if e.load().CalleeID != rejectorID {
		return apperr.ErrUnauthorized
	}

	call, ok := e.cas(models.CallStatePending, models.CallStateRejected, n.cfg.Now())
	if !ok {
		return apperr.ErrCallNoLongerAvailable
	}
	if reason == "" {
		reason = ReasonRejected
	}
	n.notify(call.CallerID, models.EventCallRejected, models.CallRejectedEvent{
		CallID: callID,
		UserID: rejectorID,
		Reason: reason,
	})
	n.settled(call)
	return nil
}

// Cancel withdraws a ringing call on behalf of its caller
func (n *Negotiator) Cancel(ctx context.Context, callID, cancellerID string) error {
	e := n.entry(callID)
	if e == nil {
		return apperr.ErrCallNotFound
	}
	if e.load().CallerID != cancellerID {
		return apperr.ErrUnauthorized
	}

	call, ok := e.cas(models.CallStatePending, models.CallStateCancelled, n.cfg.Now())
	if !ok {
		return apperr.ErrCallNoLongerAvailable
	}
	n.notify(call.CalleeID, models.EventCallCancelled, models.CallCancelledEvent{
		CallID: callID,
		Reason: ReasonCallerCancel,
	})
	n.settled(call)
	return nil
}

// DropUser settles every ringing call that involves a disconnected user
func (n *Negotiator) DropUser(ctx context.Context, userID string) {
	for _, e := range n.snapshot() {
		c := e.load()
		switch userID {
		case c.CallerID:
			if call, ok := e.cas(models.CallStatePending, models.CallStateCancelled, n.cfg.Now()); ok {
				n.notify(call.CalleeID, models.EventCallCancelled, models.CallCancelledEvent{
					CallID: call.CallID,
					Reason: ReasonDisconnected,
				})
				n.settled(call)
			}
		case c.CalleeID:
			if call, ok := e.cas(models.CallStatePending, models.CallStateRejected, n.cfg.Now()); ok {
				n.notify(call.CallerID, models.EventCallRejected, models.CallRejectedEvent{
					CallID: call.CallID,
					UserID: userID,
					Reason: ReasonDisconnected,
				})
				n.settled(call)
			}
		}
	}
}

// Sweep times out calls that rang too long and evicts settled calls past
// their retention. It returns the number of calls that timed out.
func (n *Negotiator) Sweep(ctx context.Context) int {
	now := n.cfg.Now()
	timedOut := 0

	for _, e := range n.snapshot() {
		c := e.load()
		if c.State != models.CallStatePending || now.Sub(c.CreatedAt) <= n.cfg.Timeout {
			continue
		}
		call, ok := e.cas(models.CallStatePending, models.CallStateTimedOut, now)
		if !ok {
			continue
		}
		timedOut++
		n.log.Info("call timed out", zap.String("call_id", call.CallID))

		n.notify(call.CallerID, models.EventCallTimedOut, models.CallTimedOutEvent{CallID: call.CallID})
		n.notify(call.CalleeID, models.EventCallCancelled, models.CallCancelledEvent{
			CallID: call.CallID,
			Reason: ReasonRingingTimeout,
		})
		n.settled(call)
	}

	n.mu.Lock()
	for id, e := range n.calls {
		c := e.load()
		if c.SettledAt != nil && now.Sub(*c.SettledAt) >= n.cfg.Retention {
			delete(n.calls, id)
		}
	}
	n.mu.Unlock()

	return timedOut
}

// Run sweeps every interval until ctx is cancelled
func (n *Negotiator) Run(ctx context.Context, interval time.Duration) {
	sweep.Run(ctx, interval, func(ctx context.Context) { n.Sweep(ctx) })
}

func (n *Negotiator) snapshot() []*entry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*entry, 0, len(n.calls))
	for _, e := range n.calls {
		out = append(out, e)
	}
	return out
}

func (n *Negotiator) Get(callID string) (models.PendingCall, bool) {
	e := n.entry(callID)
	if e == nil {
		return models.PendingCall{}, false
	}
	return e.load(), true
}

// Pending lists ringing calls, oldest first
func (n *Negotiator) Pending() []models.PendingCall {
	var out []models.PendingCall
	for _, e := range n.snapshot() {
		if c := e.load(); c.State == models.CallStatePending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (n *Negotiator) PendingCount() int {
	return len(n.Pending())
}
