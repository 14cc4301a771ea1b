package rtc

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/config"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

// PCTransport is a receive-only peer connection. Remote candidates that
// arrive before the remote description are held back until it is set.
type PCTransport struct {
	pc *webrtc.PeerConnection

	lock              sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
}

type TransportParams struct {
	Name          string
	EnabledCodecs []config.CodecSpec
	Config        *config.WebRTCConfig
	// ICEServers are added to the configured ones
	ICEServers []webrtc.ICEServer
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	pc, err := newPeerConnection(params)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		pc:                pc,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	t.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		if state == webrtc.ICEGathererStateComplete {
			log.Debug().Str("service", "transport").Str("branch", params.Name).Msg("ICE gathering complete")
		}
	})

	return t, nil
}

func newPeerConnection(params TransportParams) (*webrtc.PeerConnection, error) {
	log.Debug().Str("service", "transport").Str("branch", params.Name).Msg("create new peer connection")

	me, ir, err := newMediaEngine(params.EnabledCodecs, params.Config.Publisher)
	if err != nil {
		return nil, err
	}

	se := params.Config.SettingEngine
	se.DisableMediaEngineCopy(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)

	conf := params.Config.Configuration
	conf.ICEServers = mergeICEServers(conf.ICEServers, params.ICEServers)

	return api.NewPeerConnection(conf)
}

func mergeICEServers(base, extra []webrtc.ICEServer) []webrtc.ICEServer {
	merged := make([]webrtc.ICEServer, 0, len(base)+len(extra))
	seen := make(map[string]bool)

	for _, server := range append(append([]webrtc.ICEServer{}, base...), extra...) {
		key := strings.Join(server.URLs, ",") + "|" + server.Username
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, server)
	}

	return merged
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.pc.RemoteDescription() != nil {
		return t.pc.AddICECandidate(candidate)
	}

	t.pendingCandidates = append(t.pendingCandidates, candidate)

	return nil
}

func (t *PCTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			log.Warn().Err(err).Str("service", "transport").Msg("drop pending ICE candidate")
		}
	}

	t.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}

func (t *PCTransport) Close() {
	_ = t.pc.Close()
}
