// Package gateway binds live websocket connections to users and translates
// their requests into presence, call, room and media operations. It owns the
// per-room stream announcements and every broadcast; it holds no
// authoritative session state of its own.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/call"
	"github.com/mossy-p/callsignal/internal/history"
	"github.com/mossy-p/callsignal/internal/metrics"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/mossy-p/callsignal/internal/presence"
	"github.com/mossy-p/callsignal/internal/room"
	"github.com/mossy-p/callsignal/internal/sweep"
	"go.uber.org/zap"
)

const (
	ReasonParticipantLeft = "Participant left the call"
	ReasonInviteRejected  = "Call was rejected"
	ReasonEndedByHost     = "Call ended by host"
)

type Deps struct {
	Hub      *Hub
	Presence *presence.Registry
	Calls    *call.Negotiator
	Rooms    *room.Manager
	Media    *MediaBridge
	History  history.Recorder
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

type Gateway struct {
	hub      *Hub
	presence *presence.Registry
	calls    *call.Negotiator
	rooms    *room.Manager
	media    *MediaBridge
	history  history.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	channels *channels
	validate *validator.Validate
}

// New builds the gateway and hooks it into the managers' end-of-life events
func New(d Deps) *Gateway {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.History == nil {
		d.History = history.Nop{}
	}
	g := &Gateway{
		hub:      d.Hub,
		presence: d.Presence,
		calls:    d.Calls,
		rooms:    d.Rooms,
		media:    d.Media,
		history:  d.History,
		metrics:  d.Metrics,
		log:      d.Log,
		channels: newChannels(),
		validate: validator.New(),
	}
	g.rooms.OnEnded(g.roomEnded)
	g.calls.OnSettled(g.callSettled)
	return g
}

// Serve runs one connection until its socket closes
func (g *Gateway) Serve(ctx context.Context, c *Client) {
	g.Connect(ctx, c)
	go c.writePump()
	c.readPump(ctx, g)
	g.Disconnect(ctx, c)
}

// Connect registers a new connection. A previous connection of the same user
// is told it was replaced and closed; the user keeps their room binding.
func (g *Gateway) Connect(ctx context.Context, c *Client) {
	if prev := g.hub.Register(c); prev != nil {
		prev.sendJSON(models.Event{Type: models.EventSessionReplaced})
		prev.Close()
		g.log.Info("session replaced", zap.String("user_id", c.UserID))
	}

	prev, replaced := g.presence.Add(ctx, models.User{
		ID:           c.UserID,
		DisplayName:  c.Name,
		ConnectionID: c.ID,
		Status:       models.UserStatusIdle,
		ConnectedAt:  time.Now(),
	})
	if replaced && prev.CurrentRoomID != "" && g.rooms.IsParticipant(ctx, prev.CurrentRoomID, c.UserID) {
		g.presence.SetInCall(ctx, c.UserID, prev.CurrentRoomID)
	}

	g.log.Info("client connected", zap.String("user_id", c.UserID), zap.String("connection_id", c.ID))

	c.sendJSON(models.Event{
		Type: models.EventRoomListUpdated,
		Data: models.RoomListEvent{Rooms: g.rooms.GroupRooms(ctx)},
	})
	g.broadcastPresence()
}

// Disconnect runs the leave sequence for a closed connection. A connection
// that was already replaced leaves nothing behind to clean up.
func (g *Gateway) Disconnect(ctx context.Context, c *Client) {
	c.Close()
	if !g.hub.Unregister(c) {
		return
	}

	if u, ok := g.presence.Get(c.UserID); ok && u.CurrentRoomID != "" {
		if err := g.leave(ctx, c.UserID, u.CurrentRoomID); err != nil {
			g.log.Warn("leave on disconnect failed",
				zap.String("user_id", c.UserID),
				zap.String("room_id", u.CurrentRoomID),
				zap.Error(err))
		}
	}
	g.calls.DropUser(ctx, c.UserID)
	g.presence.Remove(ctx, c.UserID, c.ID)

	g.log.Info("client disconnected", zap.String("user_id", c.UserID), zap.String("connection_id", c.ID))
	g.broadcastPresence()
}

// Handle dispatches one request and builds its response
func (g *Gateway) Handle(ctx context.Context, c *Client, req models.Request) models.Response {
	data, err := g.dispatch(ctx, c, req)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUpstream {
			g.log.Error("request failed",
				zap.String("type", string(req.Type)),
				zap.String("user_id", c.UserID),
				zap.Error(err))
		} else {
			g.log.Debug("request rejected",
				zap.String("type", string(req.Type)),
				zap.String("user_id", c.UserID),
				zap.Error(err))
		}
		return errorResponse(req.ID, err)
	}
	return models.Response{ID: req.ID, Type: models.ResponseType, OK: true, Data: data}
}

func errorResponse(id string, err error) models.Response {
	e := apperr.As(err)
	return models.Response{
		ID:   id,
		Type: models.ResponseType,
		Error: &models.ErrorPayload{
			Code:      e.Code,
			Message:   e.Message,
			Retryable: e.Retryable,
		},
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, req models.Request) (any, error) {
	switch req.Type {
	case models.RequestCreateRoom:
		return g.handleCreateRoom(ctx, c, req.Data)
	case models.RequestJoinRoom:
		return g.handleJoinRoom(ctx, c, req.Data)
	case models.RequestLeaveRoom:
		return g.handleLeaveRoom(ctx, c, req.Data)
	case models.RequestEndCall:
		return g.handleEndCall(ctx, c, req.Data)
	case models.RequestCallUser:
		return g.handleCallUser(ctx, c, req.Data)
	case models.RequestAcceptCall:
		return g.handleAcceptCall(ctx, c, req.Data)
	case models.RequestRejectCall:
		return g.handleRejectCall(ctx, c, req.Data)
	case models.RequestCancelCall:
		return g.handleCancelCall(ctx, c, req.Data)
	case models.RequestAcceptInvite:
		return g.handleAcceptInvite(ctx, c, req.Data)
	case models.RequestRejectInvite:
		return g.handleRejectInvite(ctx, c, req.Data)
	case models.RequestSendMessage:
		return g.handleSendMessage(ctx, c, req.Data)
	case models.RequestReactToMessage:
		return g.handleReactToMessage(ctx, c, req.Data)
	case models.RequestMediaStateChanged:
		return g.handleMediaState(ctx, c, req.Data)
	case models.RequestGetRooms:
		return models.RoomListEvent{Rooms: g.rooms.GroupRooms(ctx)}, nil
	case models.RequestGetOnlineUsers:
		return models.PresenceEvent{Users: g.presence.List()}, nil
	case models.RequestGetRouterRtpCapabilities:
		return g.handleCapabilities(ctx, c, req.Data)
	case models.RequestCreateTransport:
		return g.handleCreateTransport(ctx, c, req.Data)
	case models.RequestConnectTransport:
		return g.handleConnectTransport(ctx, c, req.Data)
	case models.RequestProduce:
		return g.handleProduce(ctx, c, req.Data)
	case models.RequestConsume:
		return g.handleConsume(ctx, c, req.Data)
	case models.RequestResumeConsumer:
		return g.handleResumeConsumer(ctx, c, req.Data)
	case models.RequestCloseProducer:
		return g.handleCloseProducer(ctx, c, req.Data)
	default:
		return nil, apperr.Invalid("unknown request type "+string(req.Type), nil)
	}
}

// decode unmarshals and validates a request payload
func (g *Gateway) decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Invalid("malformed request data", err)
	}
	if err := g.validate.Struct(v); err != nil {
		return apperr.Invalid("invalid request data", err)
	}
	return nil
}

// toRoom sends an event to every connection bound to the room except skip
func (g *Gateway) toRoom(roomID, skip string, event models.EventType, data any) {
	for _, userID := range g.channels.members(roomID) {
		if userID != skip {
			g.hub.NotifyUser(userID, event, data)
		}
	}
}

func (g *Gateway) deliverStream(userID string, evt models.NewStreamEvent) {
	g.hub.NotifyUser(userID, models.EventNewStream, evt)
}

func (g *Gateway) broadcastPresence() {
	g.hub.Broadcast(models.EventPresenceUpdated, models.PresenceEvent{Users: g.presence.List()})
}

func (g *Gateway) broadcastRoomList(ctx context.Context) {
	g.hub.Broadcast(models.EventRoomListUpdated, models.RoomListEvent{Rooms: g.rooms.GroupRooms(ctx)})
}

// roomEnded runs once per room after the room manager tore it down
func (g *Gateway) roomEnded(snap models.RoomSnapshot, reason string) {
	notified := make(map[string]struct{})
	evt := models.CallEndedEvent{RoomID: snap.RoomID, Reason: reason}
	for _, userID := range g.channels.drop(snap.RoomID) {
		notified[userID] = struct{}{}
		g.hub.NotifyUser(userID, models.EventCallEnded, evt)
	}
	for _, p := range snap.Participants {
		if _, ok := notified[p.UserID]; !ok {
			g.hub.NotifyUser(p.UserID, models.EventCallEnded, evt)
		}
	}

	g.metrics.RoomEnded(reason)
	g.history.RecordRoom(snap, reason)

	ctx := context.Background()
	g.broadcastRoomList(ctx)
	g.broadcastPresence()
}

func (g *Gateway) callSettled(c models.PendingCall) {
	g.metrics.CallSettled(c.State)
	g.history.RecordCall(c)
}

// CheckGrace evaluates every host grace period and announces rooms that went hostless
func (g *Gateway) CheckGrace(ctx context.Context) {
	changed := g.rooms.CheckAllHostGracePeriods(ctx)
	hostless := false
	for _, res := range changed {
		if res.Hostless {
			hostless = true
			g.toRoom(res.RoomID, "", models.EventRoomHostless, models.RoomHostlessEvent{RoomID: res.RoomID})
		}
	}
	if hostless {
		g.broadcastRoomList(ctx)
	}
}

// RunGraceSweep checks host grace periods every interval until ctx is done
func (g *Gateway) RunGraceSweep(ctx context.Context, interval time.Duration) {
	sweep.Run(ctx, interval, g.CheckGrace)
}
