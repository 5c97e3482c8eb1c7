package media

import (
	"strings"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/pion/webrtc/v4"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
}

// DefaultCodecs is the codec set every router offers
func DefaultCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeOpus,
				ClockRate:    48000,
				Channels:     2,
				RTCPFeedback: []webrtc.RTCPFeedback{{Type: webrtc.TypeRTCPFBTransportCC}},
			},
			PayloadType: 100,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				SDPFmtpLine:  "x-google-start-bitrate=1000",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 101,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
	}
}

// kindOfMime maps "audio/opus" to audio and "video/VP8" to video
func kindOfMime(mimeType string) models.MediaKind {
	prefix, _, _ := strings.Cut(mimeType, "/")
	switch webrtc.NewRTPCodecType(prefix) {
	case webrtc.RTPCodecTypeAudio:
		return models.MediaKindAudio
	case webrtc.RTPCodecTypeVideo:
		return models.MediaKindVideo
	default:
		return ""
	}
}

func codecFromPion(p webrtc.RTPCodecParameters) Codec {
	return Codec{
		Kind:                 kindOfMime(p.MimeType),
		MimeType:             p.MimeType,
		ClockRate:            p.ClockRate,
		Channels:             p.Channels,
		PreferredPayloadType: uint8(p.PayloadType),
		SDPFmtpLine:          p.SDPFmtpLine,
		RTCPFeedback:         p.RTCPFeedback,
	}
}

func capabilitiesOf(codecs []webrtc.RTPCodecParameters) RTPCapabilities {
	caps := RTPCapabilities{Codecs: make([]Codec, 0, len(codecs))}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, codecFromPion(c))
	}
	return caps
}

func sameCodec(a, b Codec) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	// audio channel count must agree when both sides state it
	if a.Channels != 0 && b.Channels != 0 && a.Channels != b.Channels {
		return false
	}
	return true
}

// routerSupports reports whether codec is offered by the router
func routerSupports(router []webrtc.RTPCodecParameters, codec Codec) bool {
	for _, c := range router {
		if sameCodec(codecFromPion(c), codec) {
			return true
		}
	}
	return false
}

// negotiate keeps the producer codecs the consumer can receive, in producer order
func negotiate(produced []Codec, caps RTPCapabilities) []Codec {
	var out []Codec
	for _, p := range produced {
		for _, c := range caps.Codecs {
			if sameCodec(p, c) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
