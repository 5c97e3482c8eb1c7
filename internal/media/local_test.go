package media

import (
	"context"
	"testing"

	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *LocalEngine {
	t.Helper()
	e, err := NewLocalEngine(Config{NumWorkers: 2, MinPort: 40000, MaxPort: 40001, AnnouncedIP: "192.0.2.10"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func opusParams() RTPParameters {
	return RTPParameters{Codecs: []Codec{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 100}}}
}

func TestCreateTransport(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	routerID, err := e.CreateRouter(ctx)
	require.NoError(t, err)

	caps, err := e.RouterCapabilities(routerID)
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 3)
	assert.Equal(t, models.MediaKindAudio, caps.Codecs[0].Kind)
	assert.Equal(t, models.MediaKindVideo, caps.Codecs[1].Kind)

	tp, err := e.CreateTransport(ctx, routerID)
	require.NoError(t, err)
	require.Len(t, tp.ICECandidates, 1)
	assert.Equal(t, "192.0.2.10", tp.ICECandidates[0].IP)
	assert.Equal(t, "udp", tp.ICECandidates[0].Protocol)
	assert.Equal(t, "host", tp.ICECandidates[0].Type)
	assert.Equal(t, uint16(40000), tp.ICECandidates[0].Port)
	assert.True(t, tp.ICEParameters.ICELite)
	assert.Len(t, tp.ICEParameters.UsernameFragment, 16)
	assert.NotEmpty(t, tp.DTLSParameters.Fingerprints)

	// ports wrap around the configured range
	tp2, _ := e.CreateTransport(ctx, routerID)
	tp3, _ := e.CreateTransport(ctx, routerID)
	assert.Equal(t, uint16(40001), tp2.ICECandidates[0].Port)
	assert.Equal(t, uint16(40000), tp3.ICECandidates[0].Port)

	_, err = e.CreateTransport(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrRouterNotFound)
}

func TestConnectTransport(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	routerID, _ := e.CreateRouter(ctx)
	tp, _ := e.CreateTransport(ctx, routerID)

	fp := []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}

	err := e.ConnectTransport(ctx, tp.ID, DTLSParameters{Role: "bogus", Fingerprints: fp})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	require.NoError(t, e.ConnectTransport(ctx, tp.ID, DTLSParameters{Role: "client", Fingerprints: fp}))
	assert.Error(t, e.ConnectTransport(ctx, tp.ID, DTLSParameters{Role: "client", Fingerprints: fp}))
	assert.ErrorIs(t, e.ConnectTransport(ctx, "nope", DTLSParameters{Role: "client", Fingerprints: fp}), apperr.ErrTransportNotFound)
}

func TestProduceConsume(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	routerID, _ := e.CreateRouter(ctx)
	send, _ := e.CreateTransport(ctx, routerID)
	recv, _ := e.CreateTransport(ctx, routerID)

	_, err := e.Produce(ctx, send.ID, models.MediaKindVideo, opusParams())
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	producerID, err := e.Produce(ctx, send.ID, models.MediaKindAudio, opusParams())
	require.NoError(t, err)

	videoOnly := RTPCapabilities{Codecs: []Codec{{MimeType: "video/VP8", ClockRate: 90000}}}
	assert.False(t, e.CanConsume(routerID, producerID, videoOnly))

	caps := RTPCapabilities{Codecs: []Codec{{MimeType: "AUDIO/OPUS", ClockRate: 48000, Channels: 2}}}
	require.True(t, e.CanConsume(routerID, producerID, caps))

	cp, err := e.Consume(ctx, recv.ID, producerID, caps)
	require.NoError(t, err)
	assert.True(t, cp.Paused)
	assert.Equal(t, models.MediaKindAudio, cp.Kind)
	require.NoError(t, e.ResumeConsumer(cp.ID))

	// closing the producer closes its consumers
	require.NoError(t, e.CloseProducer(producerID))
	assert.ErrorIs(t, e.ResumeConsumer(cp.ID), apperr.ErrConsumerNotFound)
	assert.ErrorIs(t, e.CloseProducer(producerID), apperr.ErrProducerNotFound)
}

func TestCloseRouterCascades(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	routerID, _ := e.CreateRouter(ctx)
	send, _ := e.CreateTransport(ctx, routerID)
	producerID, err := e.Produce(ctx, send.ID, models.MediaKindAudio, opusParams())
	require.NoError(t, err)

	require.NoError(t, e.CloseRouter(routerID))
	assert.ErrorIs(t, e.CloseTransport(send.ID), apperr.ErrTransportNotFound)
	assert.ErrorIs(t, e.CloseProducer(producerID), apperr.ErrProducerNotFound)
	assert.ErrorIs(t, e.CloseRouter(routerID), apperr.ErrRouterNotFound)
}

func TestWorkersRoundRobin(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.CreateRouter(ctx)
	b, _ := e.CreateRouter(ctx)
	c, _ := e.CreateRouter(ctx)

	assert.Equal(t, 0, e.routers[a].worker.id)
	assert.Equal(t, 1, e.routers[b].worker.id)
	assert.Equal(t, 0, e.routers[c].worker.id)
	assert.Equal(t, 2, e.WorkerCount())

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.WorkerCount())
	_, err := e.CreateRouter(ctx)
	assert.ErrorIs(t, err, errEngineClosed)
}

func TestListenAndAnnouncedAddresses(t *testing.T) {
	ctx := context.Background()

	e, err := NewLocalEngine(Config{MinPort: 40000, MaxPort: 40010, ListenIP: "10.0.0.5"}, nil)
	require.NoError(t, err)
	defer e.Close()

	routerID, err := e.CreateRouter(ctx)
	require.NoError(t, err)
	tp, err := e.CreateTransport(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", tp.ICECandidates[0].IP)

	_, err = NewLocalEngine(Config{MinPort: 40000, MaxPort: 40010, ListenIP: "0.0.0.0"}, nil)
	assert.Error(t, err)

	_, err = NewLocalEngine(Config{MinPort: 40000, MaxPort: 40010, ListenIP: "not-an-ip", AnnouncedIP: "192.0.2.10"}, nil)
	assert.Error(t, err)

	_, err = NewLocalEngine(Config{MinPort: 40000, MaxPort: 40010, AnnouncedIP: "nope"}, nil)
	assert.Error(t, err)
}
