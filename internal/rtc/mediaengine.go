package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/splitstreamer/internal/config"
)

const (
	payloadTypeOpus = 111
	payloadTypeVP8  = 96
	payloadTypeVP9  = 98
	payloadTypeH264 = 125
)

type codecEntry struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}

// supportedCodecs lists every codec a branch may receive, audio first
func supportedCodecs(feedback config.RTCPFeedbackConfig) []codecEntry {
	video := func(mime, fmtp string, pt webrtc.PayloadType) codecEntry {
		return codecEntry{
			kind: webrtc.RTPCodecTypeVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     mime,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: feedback.Video,
				},
				PayloadType: pt,
			},
		}
	}

	return []codecEntry{
		{
			kind: webrtc.RTPCodecTypeAudio,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeOpus,
					ClockRate:    48000,
					Channels:     2,
					SDPFmtpLine:  "minptime=10;useinbandfec=1",
					RTCPFeedback: feedback.Audio,
				},
				PayloadType: payloadTypeOpus,
			},
		},
		video(webrtc.MimeTypeVP8, "", payloadTypeVP8),
		video(webrtc.MimeTypeVP9, "profile-id=0", payloadTypeVP9),
		video(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", payloadTypeH264),
	}
}

// newMediaEngine registers the enabled codecs, header extensions and the
// default interceptors. Each PeerConnection gets its own pair.
func newMediaEngine(enabled []config.CodecSpec, direction config.DirectionConfig) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	me := &webrtc.MediaEngine{}

	for _, c := range supportedCodecs(direction.RTCPFeedback) {
		if !isCodecEnabled(enabled, c.params.RTPCodecCapability) {
			continue
		}
		if err := me.RegisterCodec(c.params, c.kind); err != nil {
			return nil, nil, err
		}
	}

	extensions := map[webrtc.RTPCodecType][]string{
		webrtc.RTPCodecTypeAudio: direction.RTPHeaderExtension.Audio,
		webrtc.RTPCodecTypeVideo: direction.RTPHeaderExtension.Video,
	}
	for kind, uris := range extensions {
		for _, uri := range uris {
			if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, kind); err != nil {
				return nil, nil, err
			}
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, nil, err
	}

	return me, registry, nil
}

// isCodecEnabled matches on mime type and, when given, on the fmtp line
func isCodecEnabled(codecs []config.CodecSpec, capability webrtc.RTPCodecCapability) bool {
	for _, c := range codecs {
		if !strings.EqualFold(c.Mime, capability.MimeType) {
			continue
		}
		if c.FmtpLine == "" || strings.EqualFold(c.FmtpLine, capability.SDPFmtpLine) {
			return true
		}
	}

	return false
}
