package media

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// hostCandidatePriority is the RFC 8445 priority of a UDP host candidate, component 1
const hostCandidatePriority = (1<<24)*126 + (1<<8)*65535 + (256 - 1)

var errEngineClosed = errors.New("media engine closed")

type Config struct {
	NumWorkers  int
	MinPort     int
	MaxPort     int
	ListenIP    string
	AnnouncedIP string
}

type worker struct {
	id      int
	routers int
}

type router struct {
	id         string
	worker     *worker
	codecs     []webrtc.RTPCodecParameters
	transports map[string]struct{}
}

type transport struct {
	id        string
	routerID  string
	port      uint16
	ice       webrtc.ICEParameters
	remote    *DTLSParameters
	producers map[string]struct{}
	consumers map[string]struct{}
}

type producer struct {
	id          string
	routerID    string
	transportID string
	kind        models.MediaKind
	params      RTPParameters
	consumers   map[string]struct{}
}

type consumer struct {
	id          string
	transportID string
	producerID  string
	paused      bool
}

// LocalEngine is an in-process SFU control plane. It allocates routers on
// a round-robin worker pool and keeps the router/transport/producer/consumer
// graph so closes cascade the way a real SFU does.
type LocalEngine struct {
	cfg          Config
	fingerprints []webrtc.DTLSFingerprint
	log          *zap.Logger

	mu         sync.Mutex
	closed     bool
	workers    []*worker
	nextWorker int
	nextPort   int
	routers    map[string]*router
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

// NewLocalEngine starts the worker pool and generates the DTLS certificate
// shared by every transport.
func NewLocalEngine(cfg Config, log *zap.Logger) (*LocalEngine, error) {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.MinPort <= 0 || cfg.MaxPort < cfg.MinPort || cfg.MaxPort > 65535 {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", cfg.MinPort, cfg.MaxPort)
	}
	if err := resolveAddresses(&cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}

	e := &LocalEngine{
		cfg:          cfg,
		fingerprints: fingerprints,
		log:          log,
		nextPort:     cfg.MinPort,
		routers:      make(map[string]*router),
		transports:   make(map[string]*transport),
		producers:    make(map[string]*producer),
		consumers:    make(map[string]*consumer),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		e.workers = append(e.workers, &worker{id: i})
	}

	log.Info("media workers started",
		zap.Int("workers", cfg.NumWorkers),
		zap.Int("rtc_min_port", cfg.MinPort),
		zap.Int("rtc_max_port", cfg.MaxPort),
		zap.String("listen_ip", cfg.ListenIP),
		zap.String("announced_ip", cfg.AnnouncedIP))
	return e, nil
}

// resolveAddresses validates the listen address and fills in the announced
// address from it. A wildcard listen address needs an explicit announced one.
func resolveAddresses(cfg *Config) error {
	if cfg.ListenIP == "" {
		cfg.ListenIP = "0.0.0.0"
	}
	listen := net.ParseIP(cfg.ListenIP)
	if listen == nil {
		return fmt.Errorf("invalid media listen ip %q", cfg.ListenIP)
	}
	if cfg.AnnouncedIP == "" {
		if listen.IsUnspecified() {
			return fmt.Errorf("media announced ip is required when listening on %s", cfg.ListenIP)
		}
		cfg.AnnouncedIP = cfg.ListenIP
		return nil
	}
	if net.ParseIP(cfg.AnnouncedIP) == nil {
		return fmt.Errorf("invalid media announced ip %q", cfg.AnnouncedIP)
	}
	return nil
}

func (e *LocalEngine) WorkerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return len(e.workers)
}

func (e *LocalEngine) CreateRouter(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", errEngineClosed
	}

	w := e.workers[e.nextWorker]
	e.nextWorker = (e.nextWorker + 1) % len(e.workers)
	w.routers++

	r := &router{
		id:         uuid.NewString(),
		worker:     w,
		codecs:     DefaultCodecs(),
		transports: make(map[string]struct{}),
	}
	e.routers[r.id] = r

	e.log.Debug("router created", zap.String("router_id", r.id), zap.Int("worker", w.id))
	return r.id, nil
}

func (e *LocalEngine) RouterCapabilities(routerID string) (RTPCapabilities, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routers[routerID]
	if !ok {
		return RTPCapabilities{}, apperr.ErrRouterNotFound
	}
	return capabilitiesOf(r.codecs), nil
}

func (e *LocalEngine) CloseRouter(routerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routers[routerID]
	if !ok {
		return apperr.ErrRouterNotFound
	}
	for id := range r.transports {
		e.closeTransportLocked(id)
	}
	r.worker.routers--
	delete(e.routers, routerID)
	return nil
}

func (e *LocalEngine) CreateTransport(ctx context.Context, routerID string) (TransportParams, error) {
	if err := ctx.Err(); err != nil {
		return TransportParams{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return TransportParams{}, errEngineClosed
	}

	r, ok := e.routers[routerID]
	if !ok {
		return TransportParams{}, apperr.ErrRouterNotFound
	}

	t := &transport{
		id:       uuid.NewString(),
		routerID: routerID,
		port:     e.allocPortLocked(),
		ice: webrtc.ICEParameters{
			UsernameFragment: randomToken(16),
			Password:         randomToken(32),
			ICELite:          true,
		},
		producers: make(map[string]struct{}),
		consumers: make(map[string]struct{}),
	}
	e.transports[t.id] = t
	r.transports[t.id] = struct{}{}

	return TransportParams{
		ID:            t.id,
		ICEParameters: t.ice,
		ICECandidates: []ICECandidate{e.hostCandidate(t.port)},
		DTLSParameters: DTLSParameters{
			Role:         webrtc.DTLSRoleAuto.String(),
			Fingerprints: e.fingerprints,
		},
	}, nil
}

func (e *LocalEngine) hostCandidate(port uint16) ICECandidate {
	c := webrtc.ICECandidate{
		Foundation: "udpcandidate",
		Priority:   hostCandidatePriority,
		Address:    e.cfg.AnnouncedIP,
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
	return ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
	}
}

func (e *LocalEngine) allocPortLocked() uint16 {
	port := e.nextPort
	e.nextPort++
	if e.nextPort > e.cfg.MaxPort {
		e.nextPort = e.cfg.MinPort
	}
	return uint16(port)
}

func (e *LocalEngine) ConnectTransport(ctx context.Context, transportID string, dtls DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := parseDTLSRole(dtls.Role); err != nil {
		return apperr.Invalid("invalid dtls parameters", err)
	}
	if len(dtls.Fingerprints) == 0 {
		return apperr.Invalid("invalid dtls parameters", errors.New("no fingerprints"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return apperr.ErrTransportNotFound
	}
	if t.remote != nil {
		return apperr.Invalid("transport already connected", nil)
	}
	remote := dtls
	t.remote = &remote
	return nil
}

func parseDTLSRole(role string) (webrtc.DTLSRole, error) {
	switch strings.ToLower(role) {
	case "", "auto":
		return webrtc.DTLSRoleAuto, nil
	case "client":
		return webrtc.DTLSRoleClient, nil
	case "server":
		return webrtc.DTLSRoleServer, nil
	default:
		return webrtc.DTLSRoleUnknown, fmt.Errorf("unknown dtls role %q", role)
	}
}

func (e *LocalEngine) CloseTransport(transportID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.transports[transportID]; !ok {
		return apperr.ErrTransportNotFound
	}
	e.closeTransportLocked(transportID)
	return nil
}

func (e *LocalEngine) closeTransportLocked(transportID string) {
	t, ok := e.transports[transportID]
	if !ok {
		return
	}
	for id := range t.producers {
		e.closeProducerLocked(id)
	}
	for id := range t.consumers {
		e.closeConsumerLocked(id)
	}
	if r, ok := e.routers[t.routerID]; ok {
		delete(r.transports, transportID)
	}
	delete(e.transports, transportID)
}

func (e *LocalEngine) Produce(ctx context.Context, transportID string, kind models.MediaKind, params RTPParameters) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(params.Codecs) == 0 {
		return "", apperr.Invalid("rtpParameters has no codecs", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return "", apperr.ErrTransportNotFound
	}
	r := e.routers[t.routerID]
	for _, c := range params.Codecs {
		if kindOfMime(c.MimeType) != kind {
			return "", apperr.Invalid(fmt.Sprintf("codec %s does not match kind %s", c.MimeType, kind), nil)
		}
		if !routerSupports(r.codecs, c) {
			return "", apperr.Invalid(fmt.Sprintf("codec %s not supported", c.MimeType), nil)
		}
	}

	p := &producer{
		id:          uuid.NewString(),
		routerID:    t.routerID,
		transportID: transportID,
		kind:        kind,
		params:      params,
		consumers:   make(map[string]struct{}),
	}
	e.producers[p.id] = p
	t.producers[p.id] = struct{}{}
	return p.id, nil
}

func (e *LocalEngine) CloseProducer(producerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.producers[producerID]; !ok {
		return apperr.ErrProducerNotFound
	}
	e.closeProducerLocked(producerID)
	return nil
}

func (e *LocalEngine) closeProducerLocked(producerID string) {
	p, ok := e.producers[producerID]
	if !ok {
		return
	}
	for id := range p.consumers {
		e.closeConsumerLocked(id)
	}
	if t, ok := e.transports[p.transportID]; ok {
		delete(t.producers, producerID)
	}
	delete(e.producers, producerID)
}

func (e *LocalEngine) CanConsume(routerID, producerID string, caps RTPCapabilities) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.producers[producerID]
	if !ok || p.routerID != routerID {
		return false
	}
	return len(negotiate(p.params.Codecs, caps)) > 0
}

// Consume creates a paused consumer; the client resumes it once its track is wired
func (e *LocalEngine) Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (ConsumerParams, error) {
	if err := ctx.Err(); err != nil {
		return ConsumerParams{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return ConsumerParams{}, apperr.ErrTransportNotFound
	}
	p, ok := e.producers[producerID]
	if !ok {
		return ConsumerParams{}, apperr.ErrProducerNotFound
	}
	if p.routerID != t.routerID {
		return ConsumerParams{}, apperr.ErrCannotConsume
	}
	codecs := negotiate(p.params.Codecs, caps)
	if len(codecs) == 0 {
		return ConsumerParams{}, apperr.ErrCannotConsume
	}

	c := &consumer{
		id:          uuid.NewString(),
		transportID: transportID,
		producerID:  producerID,
		paused:      true,
	}
	e.consumers[c.id] = c
	t.consumers[c.id] = struct{}{}
	p.consumers[c.id] = struct{}{}

	return ConsumerParams{
		ID:         c.id,
		ProducerID: producerID,
		Kind:       p.kind,
		RTPParameters: RTPParameters{
			MID:    c.id[:8],
			Codecs: codecs,
		},
		Paused: true,
	}, nil
}

func (e *LocalEngine) ResumeConsumer(consumerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.consumers[consumerID]
	if !ok {
		return apperr.ErrConsumerNotFound
	}
	c.paused = false
	return nil
}

func (e *LocalEngine) CloseConsumer(consumerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.consumers[consumerID]; !ok {
		return apperr.ErrConsumerNotFound
	}
	e.closeConsumerLocked(consumerID)
	return nil
}

func (e *LocalEngine) closeConsumerLocked(consumerID string) {
	c, ok := e.consumers[consumerID]
	if !ok {
		return
	}
	if t, ok := e.transports[c.transportID]; ok {
		delete(t.consumers, consumerID)
	}
	if p, ok := e.producers[c.producerID]; ok {
		delete(p.consumers, consumerID)
	}
	delete(e.consumers, consumerID)
}

// Close tears down every router and stops the workers
func (e *LocalEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	for id, r := range e.routers {
		for tid := range r.transports {
			e.closeTransportLocked(tid)
		}
		delete(e.routers, id)
	}
	e.closed = true
	return nil
}

// randomToken returns n hex characters
func randomToken(n int) string {
	var sb strings.Builder
	for sb.Len() < n {
		sb.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return sb.String()[:n]
}
