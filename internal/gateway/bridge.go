package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/media"
	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

type owner struct {
	roomID string
	userID string
}

// session is everything one participant holds on the media engine in one room
type session struct {
	transports map[string]string // transport id -> direction
	producers  map[string]models.MediaKind
	consumers  map[string]string // consumer id -> producer id
}

func newSession() *session {
	return &session{
		transports: make(map[string]string),
		producers:  make(map[string]models.MediaKind),
		consumers:  make(map[string]string),
	}
}

func (s *session) transportFor(direction string) (string, bool) {
	for id, dir := range s.transports {
		if dir == direction {
			return id, true
		}
	}
	return "", false
}

// MediaBridge maps rooms and participants onto media engine objects. It is
// the room manager's MediaResources and the only caller of the engine.
type MediaBridge struct {
	engine media.Engine
	log    *zap.Logger

	mu       sync.Mutex
	routers  map[string]string // room id -> router id
	sessions map[owner]*session
}

func NewMediaBridge(engine media.Engine, log *zap.Logger) *MediaBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &MediaBridge{
		engine:   engine,
		log:      log,
		routers:  make(map[string]string),
		sessions: make(map[owner]*session),
	}
}

// engineErr keeps classified engine errors and wraps the rest as upstream failures
func engineErr(op string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	return apperr.Upstream(op, err)
}

// CreateRouter allocates the room's router unless it already has one
func (b *MediaBridge) CreateRouter(ctx context.Context, roomID string) error {
	b.mu.Lock()
	_, exists := b.routers[roomID]
	b.mu.Unlock()
	if exists {
		return nil
	}

	routerID, err := b.engine.CreateRouter(ctx)
	if err != nil {
		return engineErr("create router", err)
	}

	b.mu.Lock()
	if _, raced := b.routers[roomID]; raced {
		b.mu.Unlock()
		b.engine.CloseRouter(routerID)
		return nil
	}
	b.routers[roomID] = routerID
	b.mu.Unlock()

	b.log.Debug("router created", zap.String("room_id", roomID), zap.String("router_id", routerID))
	return nil
}

// CloseRouter tears down the router and everything still attached to it
func (b *MediaBridge) CloseRouter(roomID string) {
	b.mu.Lock()
	routerID, ok := b.routers[roomID]
	delete(b.routers, roomID)
	for o := range b.sessions {
		if o.roomID == roomID {
			delete(b.sessions, o)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := b.engine.CloseRouter(routerID); err != nil {
		b.log.Warn("failed to close router", zap.String("room_id", roomID), zap.Error(err))
	}
}

// ReleaseParticipant closes the participant's transports, which takes their
// producers and consumers with them.
func (b *MediaBridge) ReleaseParticipant(roomID, userID string) {
	b.mu.Lock()
	s, ok := b.sessions[owner{roomID, userID}]
	delete(b.sessions, owner{roomID, userID})
	b.mu.Unlock()

	if !ok {
		return
	}
	for id := range s.transports {
		if err := b.engine.CloseTransport(id); err != nil && !errors.Is(err, apperr.ErrTransportNotFound) {
			b.log.Warn("failed to close transport",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.String("transport_id", id),
				zap.Error(err))
		}
	}
}

func (b *MediaBridge) router(roomID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.routers[roomID]
	if !ok {
		return "", apperr.ErrRouterNotFound
	}
	return id, nil
}

func (b *MediaBridge) Capabilities(roomID string) (media.RTPCapabilities, error) {
	routerID, err := b.router(roomID)
	if err != nil {
		return media.RTPCapabilities{}, err
	}
	caps, err := b.engine.RouterCapabilities(routerID)
	if err != nil {
		return media.RTPCapabilities{}, engineErr("router capabilities", err)
	}
	return caps, nil
}

// CreateTransport opens a transport in the given direction. A participant
// holds one transport per direction; creating another replaces it.
func (b *MediaBridge) CreateTransport(ctx context.Context, roomID, userID, direction string) (media.TransportParams, error) {
	if direction != DirectionSend && direction != DirectionReceive {
		return media.TransportParams{}, apperr.Invalid("unknown transport direction "+direction, nil)
	}
	routerID, err := b.router(roomID)
	if err != nil {
		return media.TransportParams{}, err
	}

	params, err := b.engine.CreateTransport(ctx, routerID)
	if err != nil {
		return media.TransportParams{}, engineErr("create transport", err)
	}

	b.mu.Lock()
	o := owner{roomID, userID}
	s, ok := b.sessions[o]
	if !ok {
		s = newSession()
		b.sessions[o] = s
	}
	old, replaced := s.transportFor(direction)
	if replaced {
		delete(s.transports, old)
	}
	s.transports[params.ID] = direction
	b.mu.Unlock()

	if replaced {
		if err := b.engine.CloseTransport(old); err != nil && !errors.Is(err, apperr.ErrTransportNotFound) {
			b.log.Warn("failed to close replaced transport", zap.String("transport_id", old), zap.Error(err))
		}
	}
	return params, nil
}

// owns reports whether the participant's session passes check
func (b *MediaBridge) owns(roomID, userID string, check func(s *session) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[owner{roomID, userID}]
	return ok && check(s)
}

func (b *MediaBridge) ConnectTransport(ctx context.Context, roomID, userID, transportID string, dtls media.DTLSParameters) error {
	if !b.owns(roomID, userID, func(s *session) bool { _, ok := s.transports[transportID]; return ok }) {
		return apperr.ErrTransportNotFound
	}
	if err := b.engine.ConnectTransport(ctx, transportID, dtls); err != nil {
		return engineErr("connect transport", err)
	}
	return nil
}

func (b *MediaBridge) Produce(ctx context.Context, roomID, userID, transportID string, kind models.MediaKind, params media.RTPParameters) (string, error) {
	if !b.owns(roomID, userID, func(s *session) bool { return s.transports[transportID] == DirectionSend }) {
		return "", apperr.ErrTransportNotFound
	}
	producerID, err := b.engine.Produce(ctx, transportID, kind, params)
	if err != nil {
		return "", engineErr("produce", err)
	}

	b.mu.Lock()
	if s, ok := b.sessions[owner{roomID, userID}]; ok {
		s.producers[producerID] = kind
	}
	b.mu.Unlock()
	return producerID, nil
}

// Consume subscribes the participant's receive transport to producerID. The
// consumer starts paused.
func (b *MediaBridge) Consume(ctx context.Context, roomID, userID, producerID string, caps media.RTPCapabilities) (media.ConsumerParams, error) {
	routerID, err := b.router(roomID)
	if err != nil {
		return media.ConsumerParams{}, err
	}
	if !b.engine.CanConsume(routerID, producerID, caps) {
		return media.ConsumerParams{}, apperr.ErrCannotConsume
	}

	b.mu.Lock()
	var transportID string
	if s, ok := b.sessions[owner{roomID, userID}]; ok {
		transportID, _ = s.transportFor(DirectionReceive)
	}
	b.mu.Unlock()
	if transportID == "" {
		return media.ConsumerParams{}, apperr.ErrTransportNotFound
	}

	params, err := b.engine.Consume(ctx, transportID, producerID, caps)
	if err != nil {
		return media.ConsumerParams{}, engineErr("consume", err)
	}

	b.mu.Lock()
	if s, ok := b.sessions[owner{roomID, userID}]; ok {
		s.consumers[params.ID] = producerID
	}
	b.mu.Unlock()
	return params, nil
}

func (b *MediaBridge) ResumeConsumer(roomID, userID, consumerID string) error {
	if !b.owns(roomID, userID, func(s *session) bool { _, ok := s.consumers[consumerID]; return ok }) {
		return apperr.ErrConsumerNotFound
	}
	if err := b.engine.ResumeConsumer(consumerID); err != nil {
		return engineErr("resume consumer", err)
	}
	return nil
}

func (b *MediaBridge) CloseProducer(roomID, userID, producerID string) error {
	b.mu.Lock()
	s, ok := b.sessions[owner{roomID, userID}]
	if ok {
		_, ok = s.producers[producerID]
		delete(s.producers, producerID)
	}
	b.mu.Unlock()
	if !ok {
		return apperr.ErrProducerNotFound
	}

	if err := b.engine.CloseProducer(producerID); err != nil {
		return engineErr("close producer", err)
	}
	return nil
}

func (b *MediaBridge) WorkerCount() int {
	return b.engine.WorkerCount()
}
