package rtc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

var (
	errNoTransport     = errors.New("branch has no peer connection")
	errBranchClosed    = errors.New("branch is closed")
	errTransportExists = errors.New("ICE servers must be set before the peer connection is created")
	errMLineIndexRange = errors.New("m-line index out of range")
)

// Branch is a peer's receive-only peer connection, or the fallback source
// which has no connection at all. The connection is created on attach, or
// earlier if negotiation starts first.
type Branch struct {
	name   string
	kind   media.BranchKind
	engine *Engine

	lock         sync.Mutex
	transport    *PCTransport
	iceServers   []webrtc.ICEServer
	onCandidate  func(mlineIndex uint32, candidate string)
	onReady      func(kind media.StreamKind)
	ready        map[media.StreamKind]bool
	videoSSRC    webrtc.SSRC
	hasVideoSSRC bool

	closed atomic.Bool
}

func newBranch(name string, kind media.BranchKind, engine *Engine) *Branch {
	return &Branch{
		name:   name,
		kind:   kind,
		engine: engine,
		ready:  make(map[media.StreamKind]bool),
	}
}

func (b *Branch) Name() string {
	return b.name
}

func (b *Branch) ensureTransport() (*PCTransport, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.kind != media.PeerBranch {
		return nil, errNoTransport
	}
	if b.closed.Load() {
		return nil, errBranchClosed
	}
	if b.transport != nil {
		return b.transport, nil
	}

	t, err := NewPCTransport(TransportParams{
		Name:          b.name,
		EnabledCodecs: b.engine.params.EnabledCodecs,
		Config:        b.engine.params.Config,
		ICEServers:    b.iceServers,
	})
	if err != nil {
		return nil, err
	}

	t.pc.OnICECandidate(b.handleICECandidate)
	t.pc.OnConnectionStateChange(b.handleStateChange)
	t.pc.OnTrack(b.handleTrack)

	b.transport = t

	return t, nil
}

func (b *Branch) addICEServer(server webrtc.ICEServer) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.kind != media.PeerBranch {
		return errNoTransport
	}
	if b.transport != nil {
		return errTransportExists
	}
	b.iceServers = append(b.iceServers, server)

	return nil
}

func (b *Branch) CreateOffer(done func(media.SessionDescription, error)) {
	b.engine.post(func() {
		t, err := b.ensureTransport()
		if err != nil {
			done(media.SessionDescription{}, err)
			return
		}
		offer, err := t.pc.CreateOffer(nil)
		done(media.SessionDescription{Type: media.SDPOffer, SDP: offer.SDP}, err)
	})
}

func (b *Branch) CreateAnswer(done func(media.SessionDescription, error)) {
	b.engine.post(func() {
		t, err := b.ensureTransport()
		if err != nil {
			done(media.SessionDescription{}, err)
			return
		}
		answer, err := t.pc.CreateAnswer(nil)
		done(media.SessionDescription{Type: media.SDPAnswer, SDP: answer.SDP}, err)
	})
}

func (b *Branch) SetLocalDescription(desc media.SessionDescription) error {
	t, err := b.ensureTransport()
	if err != nil {
		return err
	}

	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	})
}

func (b *Branch) SetRemoteDescription(desc media.SessionDescription) error {
	t, err := b.ensureTransport()
	if err != nil {
		return err
	}

	return t.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	})
}

func (b *Branch) AddICECandidate(mlineIndex uint32, candidate string) error {
	if mlineIndex > math.MaxUint16 {
		return fmt.Errorf("%w: %d", errMLineIndexRange, mlineIndex)
	}

	t, err := b.ensureTransport()
	if err != nil {
		return err
	}

	index := uint16(mlineIndex)

	return t.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: &index,
	})
}

func (b *Branch) OnICECandidate(fn func(mlineIndex uint32, candidate string)) {
	b.lock.Lock()
	b.onCandidate = fn
	b.lock.Unlock()
}

func (b *Branch) OnStreamReady(fn func(kind media.StreamKind)) {
	b.lock.Lock()
	b.onReady = fn
	b.lock.Unlock()
}

// handleICECandidate runs on a pion goroutine, the callback is moved to the
// engine worker so it follows the description that triggered gathering.
func (b *Branch) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	init := candidate.ToJSON()
	var mlineIndex uint32
	if init.SDPMLineIndex != nil {
		mlineIndex = uint32(*init.SDPMLineIndex)
	}

	b.engine.post(func() {
		b.lock.Lock()
		fn := b.onCandidate
		b.lock.Unlock()

		if fn != nil && !b.closed.Load() {
			fn(mlineIndex, init.Candidate)
		}
	})
}

func (b *Branch) handleStateChange(state webrtc.PeerConnectionState) {
	log.Debug().Str("service", "branch").Str("branch", b.name).Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Add(1)
		b.engine.emit(media.Event{Kind: media.EventStateChanged, Source: b.name, Debug: state.String()})
	case webrtc.PeerConnectionStateFailed:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Add(1)
		b.engine.emit(media.Event{
			Kind:   media.EventWarning,
			Source: b.name,
			Err:    fmt.Errorf("peer connection of %s failed", b.name),
		})
	}
}

func (b *Branch) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var kind media.StreamKind
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		kind = media.Audio
	case webrtc.RTPCodecTypeVideo:
		kind = media.Video
	default:
		return
	}

	log.Debug().Str("service", "branch").Str("branch", b.name).Str("kind", kind.String()).Str("codec", track.Codec().MimeType).Msg("on media track")

	first := b.trackStarted(kind, track.SSRC())

	// one keyframe loop per branch, it follows the latest video SSRC
	if first && kind == media.Video {
		go b.keyframeLoop()
	}
	go b.readTrack(kind, track)

	if first {
		b.engine.post(func() {
			b.lock.Lock()
			fn := b.onReady
			b.lock.Unlock()

			if fn != nil && !b.closed.Load() {
				fn(kind)
			}
		})
	}
}

// trackStarted records a remote track and reports whether it is the first of its kind
func (b *Branch) trackStarted(kind media.StreamKind, ssrc webrtc.SSRC) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	first := !b.ready[kind]
	b.ready[kind] = true
	if kind == media.Video {
		b.videoSSRC = ssrc
		b.hasVideoSSRC = true
	}

	return first
}

func (b *Branch) readTrack(kind media.StreamKind, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("service", "branch").Str("branch", b.name).Str("kind", kind.String()).Msg("track ended")
			return
		}

		b.engine.forward(b, kind, pkt)
	}
}

// keyframeLoop asks for a keyframe on an interval while the branch feeds the output
func (b *Branch) keyframeLoop() {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for range ticker.C {
		if b.closed.Load() {
			return
		}

		if b.engine.isActive(b, media.Video) {
			b.requestKeyframe()
		}
	}
}

func (b *Branch) requestKeyframe() {
	b.lock.Lock()
	t, ssrc, ok := b.transport, b.videoSSRC, b.hasVideoSSRC
	b.lock.Unlock()

	if t == nil || !ok {
		return
	}

	if err := t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	}); err != nil {
		log.Warn().Err(err).Str("service", "branch").Str("branch", b.name).Msg("failed to send PLI")
	}
}

func (b *Branch) close() {
	if b.closed.Swap(true) {
		return
	}

	b.lock.Lock()
	t := b.transport
	b.lock.Unlock()

	log.Debug().Str("service", "branch").Str("branch", b.name).Msg("close branch")

	if t != nil {
		// closing may block while candidates are being gathered
		go t.Close()
	}
}
