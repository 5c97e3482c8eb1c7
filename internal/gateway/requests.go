package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/media"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/mossy-p/callsignal/internal/room"
	"go.uber.org/zap"
)

type ack struct {
	Message string `json:"message,omitempty"`
}

type callAck struct {
	CallID string `json:"callId"`
}

type acceptCallResult struct {
	RoomID string          `json:"roomId"`
	Room   models.RoomView `json:"room"`
}

type capabilitiesResult struct {
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type transportResult struct {
	Params media.TransportParams `json:"params"`
}

type produceResult struct {
	ProducerID string `json:"producerId"`
}

type consumeResult struct {
	Params media.ConsumerParams `json:"params"`
}

type closeProducerResult struct {
	ProducerID string `json:"producerId"`
	Tracked    bool   `json:"tracked"`
}

// Rooms

func (g *Gateway) handleCreateRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CreateRoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	view, err := g.rooms.CreateRoom(ctx, room.CreateParams{
		HostID:           c.UserID,
		HostName:         c.Name,
		HostConnectionID: c.ID,
		Kind:             req.Kind,
		Name:             req.Name,
		InvitedIDs:       req.InvitedIDs,
	})
	if err != nil {
		return nil, err
	}
	g.joinChannel(ctx, view.RoomID, c.UserID, c.ID)

	g.broadcastRoomList(ctx)
	g.broadcastPresence()
	return view, nil
}

// handleJoinRoom joins the room, then replays existing streams and media
// states to the joiner. Everything queued here reaches the joiner before the
// join response.
func (g *Gateway) handleJoinRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	res, err := g.rooms.AddParticipant(ctx, req.RoomID, c.UserID, c.Name, c.ID)
	if err != nil {
		return nil, err
	}

	replayed, ok := g.joinChannel(ctx, req.RoomID, c.UserID, c.ID)
	if !ok {
		return nil, apperr.ErrRoomEnded
	}
	g.metrics.StreamsAnnounced(true, replayed)

	g.toRoom(req.RoomID, c.UserID, models.EventUserJoined, models.UserJoinedEvent{
		RoomID: req.RoomID,
		UserID: c.UserID,
		Name:   c.Name,
	})

	for _, p := range res.Room.Participants {
		state := models.MediaStateEvent{
			RoomID:         req.RoomID,
			UserID:         p.UserID,
			IsMuted:        p.IsMuted,
			IsVideoEnabled: p.IsVideoEnabled,
		}
		if p.UserID == c.UserID {
			g.toRoom(req.RoomID, c.UserID, models.EventMediaStateUpdated, state)
			continue
		}
		g.hub.NotifyUser(c.UserID, models.EventMediaStateUpdated, state)
	}

	if res.HostReconnected {
		g.log.Info("host back within grace period", zap.String("room_id", req.RoomID), zap.String("user_id", c.UserID))
	}

	g.broadcastPresence()
	if res.Room.Kind == models.RoomKindGroup {
		g.broadcastRoomList(ctx)
	}
	return res.Room, nil
}

// joinChannel binds the connection to the room's channel after the room
// manager admitted the user. The room may have ended in between, and its end
// hook may already have dropped the channel, so the binding is checked again
// and undone if the user is no longer a participant.
func (g *Gateway) joinChannel(ctx context.Context, roomID, userID, connectionID string) (int, bool) {
	replayed := g.channels.join(roomID, userID, connectionID, g.deliverStream)
	if g.rooms.IsParticipant(ctx, roomID, userID) {
		return replayed, true
	}
	g.channels.leave(roomID, userID)
	return replayed, false
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.leave(ctx, c.UserID, req.RoomID); err != nil {
		return nil, err
	}
	return ack{Message: "Left room successfully"}, nil
}

// leave is shared by explicit leaves and disconnects
func (g *Gateway) leave(ctx context.Context, userID, roomID string) error {
	res, err := g.rooms.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}

	for _, rec := range g.channels.leave(roomID, userID) {
		g.toRoom(roomID, userID, models.EventStreamClosed, models.StreamClosedEvent{
			RoomID:     roomID,
			ProducerID: rec.ProducerID,
			UserID:     rec.UserID,
			Kind:       rec.Kind,
		})
	}

	if res.ShouldEndCall {
		if _, err := g.rooms.EndCall(ctx, roomID, ReasonParticipantLeft); err != nil {
			g.log.Warn("failed to end room after leave", zap.String("room_id", roomID), zap.Error(err))
		}
		return nil
	}

	if res.Removed {
		g.toRoom(roomID, userID, models.EventUserLeft, models.UserLeftEvent{RoomID: roomID, UserID: userID})
	}
	g.broadcastPresence()
	g.broadcastRoomList(ctx)
	return nil
}

// handleEndCall lets the host, or anyone in a hostless room, end it
func (g *Gateway) handleEndCall(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	view, err := g.rooms.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if view.Status == models.RoomStatusEnded {
		return nil, apperr.ErrRoomEnded
	}
	if view.IsHostless {
		if !g.rooms.IsParticipant(ctx, req.RoomID, c.UserID) {
			return nil, apperr.ErrNotParticipant
		}
	} else if view.HostID != c.UserID {
		return nil, apperr.ErrNotHost
	}

	if _, err := g.rooms.EndCall(ctx, req.RoomID, ReasonEndedByHost); err != nil {
		return nil, err
	}
	return ack{Message: "Call ended successfully"}, nil
}

// Direct calls

func (g *Gateway) handleCallUser(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CallUserRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.calls.Initiate(ctx, req.CallID, c.UserID, c.Name, req.TargetUserID); err != nil {
		return nil, err
	}
	return callAck{CallID: req.CallID}, nil
}

func (g *Gateway) handleAcceptCall(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CallRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	view, err := g.calls.Accept(ctx, req.CallID, c.UserID)
	if err != nil {
		return nil, err
	}
	for _, p := range view.Participants {
		g.joinChannel(ctx, view.RoomID, p.UserID, p.ConnectionID)
	}

	g.broadcastPresence()
	return acceptCallResult{RoomID: view.RoomID, Room: view}, nil
}

func (g *Gateway) handleRejectCall(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CallRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.calls.Reject(ctx, req.CallID, c.UserID, req.Reason); err != nil {
		return nil, err
	}
	return callAck{CallID: req.CallID}, nil
}

func (g *Gateway) handleCancelCall(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CallRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.calls.Cancel(ctx, req.CallID, c.UserID); err != nil {
		return nil, err
	}
	return callAck{CallID: req.CallID}, nil
}

// Invites

func (g *Gateway) handleAcceptInvite(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	view, err := g.rooms.AcceptInvite(ctx, req.RoomID, c.UserID, c.Name, c.ID)
	if err != nil {
		return nil, err
	}
	replayed, ok := g.joinChannel(ctx, req.RoomID, c.UserID, c.ID)
	if !ok {
		return nil, apperr.ErrRoomEnded
	}
	g.metrics.StreamsAnnounced(true, replayed)

	g.toRoom(req.RoomID, c.UserID, models.EventCallAccepted, models.CallAcceptedEvent{
		RoomID: req.RoomID,
		UserID: c.UserID,
	})
	g.broadcastRoomList(ctx)
	g.broadcastPresence()
	return view, nil
}

func (g *Gateway) handleRejectInvite(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	res, err := g.rooms.RejectInvite(ctx, req.RoomID, c.UserID)
	if err != nil {
		return nil, err
	}
	g.channels.leave(req.RoomID, c.UserID)

	if res.ShouldEndCall {
		if _, err := g.rooms.EndCall(ctx, req.RoomID, ReasonInviteRejected); err != nil {
			return nil, err
		}
		return ack{Message: "Call rejected and ended"}, nil
	}

	g.toRoom(req.RoomID, c.UserID, models.EventCallRejected, models.CallRejectedEvent{
		RoomID: req.RoomID,
		UserID: c.UserID,
	})
	g.broadcastRoomList(ctx)
	return ack{Message: "Call rejected successfully"}, nil
}

// Chat

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.SendMessageRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	msg, err := g.rooms.AddMessage(ctx, req.RoomID, c.UserID, req.Content, req.ReplyTo)
	if err != nil {
		return nil, err
	}
	g.toRoom(req.RoomID, "", models.EventNewMessage, models.NewMessageEvent{RoomID: req.RoomID, Message: msg})
	return msg, nil
}

func (g *Gateway) handleReactToMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.ReactRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	msg, err := g.rooms.ReactToMessage(ctx, req.RoomID, req.MessageID, c.UserID, req.Emoji)
	if err != nil {
		return nil, err
	}
	g.toRoom(req.RoomID, "", models.EventMessageReaction, models.MessageReactionEvent{
		RoomID:    req.RoomID,
		MessageID: msg.MessageID,
		Reactions: msg.Reactions,
	})
	return msg, nil
}

func (g *Gateway) handleMediaState(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.MediaStateRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	p, err := g.rooms.UpdateMediaState(ctx, req.RoomID, c.UserID, req.IsMuted, req.IsVideoEnabled)
	if err != nil {
		return nil, err
	}
	g.toRoom(req.RoomID, c.UserID, models.EventMediaStateUpdated, models.MediaStateEvent{
		RoomID:         req.RoomID,
		UserID:         c.UserID,
		IsMuted:        p.IsMuted,
		IsVideoEnabled: p.IsVideoEnabled,
	})
	return ack{}, nil
}

// Media

func (g *Gateway) requireParticipant(ctx context.Context, roomID, userID string) error {
	if !g.rooms.IsParticipant(ctx, roomID, userID) {
		return apperr.ErrNotParticipant
	}
	return nil
}

func (g *Gateway) handleCapabilities(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.RoomRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.requireParticipant(ctx, req.RoomID, c.UserID); err != nil {
		return nil, err
	}
	caps, err := g.media.Capabilities(req.RoomID)
	if err != nil {
		return nil, err
	}
	return capabilitiesResult{RTPCapabilities: caps}, nil
}

func (g *Gateway) handleCreateTransport(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CreateTransportRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.requireParticipant(ctx, req.RoomID, c.UserID); err != nil {
		return nil, err
	}
	params, err := g.media.CreateTransport(ctx, req.RoomID, c.UserID, req.Direction)
	if err != nil {
		return nil, err
	}
	return transportResult{Params: params}, nil
}

func (g *Gateway) handleConnectTransport(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.ConnectTransportRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	var dtls media.DTLSParameters
	if err := json.Unmarshal(req.DTLSParameters, &dtls); err != nil {
		return nil, apperr.Invalid("malformed dtlsParameters", err)
	}
	if err := g.media.ConnectTransport(ctx, req.RoomID, c.UserID, req.TransportID, dtls); err != nil {
		return nil, err
	}
	return ack{}, nil
}

// handleProduce starts a stream and announces it to the rest of the room
func (g *Gateway) handleProduce(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.ProduceRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	var params media.RTPParameters
	if err := json.Unmarshal(req.RTPParameters, &params); err != nil {
		return nil, apperr.Invalid("malformed rtpParameters", err)
	}
	if err := g.requireParticipant(ctx, req.RoomID, c.UserID); err != nil {
		return nil, err
	}

	producerID, err := g.media.Produce(ctx, req.RoomID, c.UserID, req.TransportID, req.Kind, params)
	if err != nil {
		return nil, err
	}

	sent := g.channels.announce(req.RoomID, models.ProducerRecord{
		ProducerID: producerID,
		UserID:     c.UserID,
		Kind:       req.Kind,
		AppData:    req.AppData,
	}, g.deliverStream)
	g.metrics.StreamsAnnounced(false, sent)

	g.log.Debug("producer created",
		zap.String("room_id", req.RoomID),
		zap.String("user_id", c.UserID),
		zap.String("producer_id", producerID),
		zap.String("kind", string(req.Kind)))
	return produceResult{ProducerID: producerID}, nil
}

func (g *Gateway) handleConsume(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.ConsumeRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	var caps media.RTPCapabilities
	if err := json.Unmarshal(req.RTPCapabilities, &caps); err != nil {
		return nil, apperr.Invalid("malformed rtpCapabilities", err)
	}
	if err := g.requireParticipant(ctx, req.RoomID, c.UserID); err != nil {
		return nil, err
	}

	params, err := g.media.Consume(ctx, req.RoomID, c.UserID, req.ProducerID, caps)
	if err != nil {
		return nil, err
	}
	return consumeResult{Params: params}, nil
}

func (g *Gateway) handleResumeConsumer(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.ResumeConsumerRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}
	if err := g.media.ResumeConsumer(req.RoomID, c.UserID, req.ConsumerID); err != nil {
		return nil, err
	}
	return ack{}, nil
}

// handleCloseProducer ends a stream. Without a tracked record it still
// broadcasts streamClosed from the fields the client supplied, and says so.
func (g *Gateway) handleCloseProducer(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req models.CloseProducerRequest
	if err := g.decode(raw, &req); err != nil {
		return nil, err
	}

	roomID, rec, tracked := g.channels.closeProducer(req.RoomID, c.UserID, req.ProducerID)
	if !tracked {
		if req.RoomID == "" {
			return nil, apperr.ErrProducerNotFound
		}
		roomID = req.RoomID
		rec = models.ProducerRecord{ProducerID: req.ProducerID, UserID: c.UserID, Kind: req.Kind}
		g.log.Warn("closing untracked producer",
			zap.String("room_id", roomID),
			zap.String("user_id", c.UserID),
			zap.String("producer_id", req.ProducerID))
	}

	if err := g.media.CloseProducer(roomID, c.UserID, req.ProducerID); err != nil && !errors.Is(err, apperr.ErrProducerNotFound) {
		g.log.Warn("failed to close producer", zap.String("producer_id", req.ProducerID), zap.Error(err))
	}

	g.toRoom(roomID, c.UserID, models.EventStreamClosed, models.StreamClosedEvent{
		RoomID:     roomID,
		ProducerID: rec.ProducerID,
		UserID:     rec.UserID,
		Kind:       rec.Kind,
	})
	return closeProducerResult{ProducerID: req.ProducerID, Tracked: tracked}, nil
}
