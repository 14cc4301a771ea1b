package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/protocol"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

type NegotiationState int

const (
	StateNew NegotiationState = iota
	StateOfferPending
	StateAnswerPending
	StateEstablished
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferPending:
		return "offer-pending"
	case StateAnswerPending:
		return "answer-pending"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("NegotiationState(%d)", int(s))
	}
}

// Peer is the negotiation state of one remote viewer. It is owned by the
// registry table; asynchronous callbacks reach it through a peerRef.
type Peer struct {
	ID     core.PeerID
	branch media.Branch
	outbox *Outbox

	mu    sync.Mutex
	state NegotiationState
	// creating is set while an offer or answer is being produced by the engine
	creating bool
	// offerSent is set once the local offer went out, an answer is only valid after it
	offerSent   bool
	running     bool
	whenRunning []func()
}

func newPeer(id core.PeerID, branch media.Branch, outbox *Outbox) *Peer {
	return &Peer{
		ID:     id,
		branch: branch,
		outbox: outbox,
		state:  StateNew,
	}
}

func (p *Peer) State() NegotiationState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func (p *Peer) Branch() media.Branch {
	return p.branch
}

// Running reports whether the engine finished attaching the peer's branch
func (p *Peer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

func (p *Peer) startNegotiation(ref peerRef) error {
	p.mu.Lock()
	switch {
	case p.state == StateClosed:
		p.mu.Unlock()
		return ErrPeerClosed
	case p.creating, p.state == StateOfferPending, p.state == StateAnswerPending:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrNegotiationPending, p.ID, state)
	}
	p.state = StateOfferPending
	p.creating = true
	p.offerSent = false
	p.mu.Unlock()

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("start negotiation")

	p.whenBranchRunning(func() {
		if _, ok := ref.upgrade(); !ok {
			return
		}
		p.branch.CreateOffer(ref.onOfferCreated)
	})

	return nil
}

func (p *Peer) handleSDP(ref peerRef, desc *protocol.SDP) error {
	switch desc.Type {
	case protocol.SDPAnswer:
		return p.handleAnswer(desc.SDP)
	case protocol.SDPOffer:
		return p.handleOffer(ref, desc.SDP)
	default:
		return fmt.Errorf("%w: sdp type %q", ErrMalformedMessage, desc.Type)
	}
}

func (p *Peer) handleAnswer(body string) error {
	p.mu.Lock()
	state, offerSent := p.state, p.offerSent
	p.mu.Unlock()

	if state == StateClosed {
		return ErrPeerClosed
	}
	if state != StateOfferPending || !offerSent {
		return fmt.Errorf("%w: unexpected answer from %s while %s", ErrNegotiation, p.ID, state)
	}
	if err := validateSDP(body); err != nil {
		return fmt.Errorf("%w: answer from %s: %v", ErrNegotiation, p.ID, err)
	}

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("received answer")

	if err := p.branch.SetRemoteDescription(media.SessionDescription{Type: media.SDPAnswer, SDP: body}); err != nil {
		return fmt.Errorf("%w: set remote answer of %s: %v", ErrNegotiation, p.ID, err)
	}

	p.mu.Lock()
	if p.state == StateOfferPending {
		p.state = StateEstablished
	}
	p.mu.Unlock()

	telemetry.ServiceOperationCounter.WithLabelValues("negotiation", "success", "").Add(1)

	return nil
}

func (p *Peer) handleOffer(ref peerRef, body string) error {
	if err := validateSDP(body); err != nil {
		return fmt.Errorf("%w: offer from %s: %v", ErrNegotiation, p.ID, err)
	}

	p.mu.Lock()
	switch {
	case p.state == StateClosed:
		p.mu.Unlock()
		return ErrPeerClosed
	case p.creating, p.state == StateOfferPending, p.state == StateAnswerPending:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: offer from %s while %s", ErrNegotiationPending, p.ID, state)
	}
	p.state = StateAnswerPending
	p.creating = true
	p.mu.Unlock()

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("received offer")

	if err := p.branch.SetRemoteDescription(media.SessionDescription{Type: media.SDPOffer, SDP: body}); err != nil {
		return fmt.Errorf("%w: set remote offer of %s: %v", ErrNegotiation, p.ID, err)
	}

	// the answer has to reference a live transport
	p.whenBranchRunning(func() {
		if _, ok := ref.upgrade(); !ok {
			return
		}
		p.branch.CreateAnswer(ref.onAnswerCreated)
	})

	return nil
}

func (p *Peer) handleICE(ice *protocol.ICE) error {
	if p.State() == StateClosed {
		return ErrPeerClosed
	}

	if err := p.branch.AddICECandidate(ice.SDPMLineIndex, ice.Candidate); err != nil {
		return fmt.Errorf("add ICE candidate of %s: %w", p.ID, err)
	}

	return nil
}

func (p *Peer) whenBranchRunning(fn func()) {
	p.mu.Lock()
	if !p.running {
		p.whenRunning = append(p.whenRunning, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	fn()
}

func (p *Peer) markRunning() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.running = true
	pending := p.whenRunning
	p.whenRunning = nil
	p.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateClosed
	p.creating = false
	p.whenRunning = nil
}

func validateSDP(body string) error {
	if !strings.HasPrefix(body, "v=") {
		return errors.New("session description does not start with v=")
	}

	desc := sdp.SessionDescription{}

	return desc.Unmarshal([]byte(body))
}

// peerRef is what continuations hold instead of the peer. It resolves only
// while this very peer is still registered under id, so results arriving
// after removal (or after the id was reused) are dropped.
type peerRef struct {
	registry *Registry
	id       core.PeerID
	peer     *Peer
}

func (ref peerRef) upgrade() (*Peer, bool) {
	ref.registry.lock.RLock()
	p, ok := ref.registry.peers[ref.id]
	ref.registry.lock.RUnlock()

	if !ok || p != ref.peer {
		return nil, false
	}

	return p, true
}

func (ref peerRef) onOfferCreated(desc media.SessionDescription, err error) {
	p, ok := ref.upgrade()
	if !ok {
		log.Debug().Str("service", "peer").Str("ID", string(ref.id)).Msg("offer created for a removed peer, discard")
		return
	}
	if err != nil {
		ref.registry.failPeer(ref, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err))
		return
	}

	if err := p.branch.SetLocalDescription(desc); err != nil {
		ref.registry.failPeer(ref, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err))
		return
	}

	p.mu.Lock()
	if p.state != StateOfferPending {
		p.mu.Unlock()
		return
	}
	p.creating = false
	p.offerSent = true
	p.mu.Unlock()

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("send offer")
	p.outbox.Push(protocol.NewSDPServerMessage(p.ID, protocol.SDPOffer, desc.SDP))
}

func (ref peerRef) onAnswerCreated(desc media.SessionDescription, err error) {
	p, ok := ref.upgrade()
	if !ok {
		log.Debug().Str("service", "peer").Str("ID", string(ref.id)).Msg("answer created for a removed peer, discard")
		return
	}
	if err != nil {
		ref.registry.failPeer(ref, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err))
		return
	}

	if err := p.branch.SetLocalDescription(desc); err != nil {
		ref.registry.failPeer(ref, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err))
		return
	}

	p.mu.Lock()
	if p.state != StateAnswerPending {
		p.mu.Unlock()
		return
	}
	p.creating = false
	p.state = StateEstablished
	p.mu.Unlock()

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("send answer")
	p.outbox.Push(protocol.NewSDPServerMessage(p.ID, protocol.SDPAnswer, desc.SDP))
	telemetry.ServiceOperationCounter.WithLabelValues("negotiation", "success", "").Add(1)
}

func (ref peerRef) onLocalCandidate(mlineIndex uint32, candidate string) {
	p, ok := ref.upgrade()
	if !ok {
		return
	}

	p.outbox.Push(protocol.NewICEServerMessage(p.ID, mlineIndex, candidate))
}

func (ref peerRef) onStreamReady(kind media.StreamKind) {
	ref.registry.linkStream(ref, kind)
}

func (ref peerRef) onAttached(err error) {
	p, ok := ref.upgrade()
	if !ok {
		return
	}
	if err != nil {
		ref.registry.failPeer(ref, fmt.Errorf("attach branch: %w", err))
		return
	}

	log.Debug().Str("service", "peer").Str("ID", string(p.ID)).Msg("branch is running")
	p.markRunning()
}
