// Package media is the boundary to the selective forwarding unit. The
// gateway is its only caller; room and call state never see these types.
package media

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/pion/webrtc/v4"
)

// Engine creates and tears down the per-room media objects of an SFU
type Engine interface {
	CreateRouter(ctx context.Context) (string, error)
	RouterCapabilities(routerID string) (RTPCapabilities, error)
	CloseRouter(routerID string) error

	CreateTransport(ctx context.Context, routerID string) (TransportParams, error)
	ConnectTransport(ctx context.Context, transportID string, dtls DTLSParameters) error
	CloseTransport(transportID string) error

	Produce(ctx context.Context, transportID string, kind models.MediaKind, params RTPParameters) (string, error)
	CloseProducer(producerID string) error

	CanConsume(routerID, producerID string, caps RTPCapabilities) bool
	Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (ConsumerParams, error)
	ResumeConsumer(consumerID string) error
	CloseConsumer(consumerID string) error

	WorkerCount() int
	Close() error
}

// Codec is one entry of a capability or parameter list
type Codec struct {
	Kind                 models.MediaKind      `json:"kind,omitempty"`
	MimeType             string                `json:"mimeType"`
	ClockRate            uint32                `json:"clockRate"`
	Channels             uint16                `json:"channels,omitempty"`
	PreferredPayloadType uint8                 `json:"preferredPayloadType,omitempty"`
	PayloadType          uint8                 `json:"payloadType,omitempty"`
	SDPFmtpLine          string                `json:"sdpFmtpLine,omitempty"`
	RTCPFeedback         []webrtc.RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPCapabilities is what a router or a receiving client can handle
type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// RTPParameters describes a stream being sent or received
type RTPParameters struct {
	MID       string          `json:"mid,omitempty"`
	Codecs    []Codec         `json:"codecs"`
	Encodings json.RawMessage `json:"encodings,omitempty"`
}

// ICECandidate is a transport address the client should try
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSParameters carries the role and certificate fingerprints of one side
type DTLSParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is returned to the client after createTransport
type TransportParams struct {
	ID             string               `json:"id"`
	ICEParameters  webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates  []ICECandidate       `json:"iceCandidates"`
	DTLSParameters DTLSParameters       `json:"dtlsParameters"`
}

// ConsumerParams is returned to the client after consume
type ConsumerParams struct {
	ID            string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          models.MediaKind `json:"kind"`
	RTPParameters RTPParameters    `json:"rtpParameters"`
	Paused        bool             `json:"paused"`
}
