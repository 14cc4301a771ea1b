package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/eventbus"
	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/protocol"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

// Notifier receives lifecycle events, it must not block
type Notifier interface {
	Dispatch(e *eventbus.Event)
}

type Options struct {
	Engine       media.Engine
	STUNServer   string
	TURNServer   string
	AudioRouting AudioRouting
	// Policy picks the successor of a removed active branch, PriorityPolicy by default
	Policy   SelectionPolicy
	Notifier Notifier
}

// Registry owns the peer table, the output topology and the outbound
// signaling queue. There is exactly one per running mixer.
type Registry struct {
	engine     media.Engine
	stunServer string
	turnServer string
	notifier   Notifier
	outbox     *Outbox

	lock     sync.RWMutex
	peers    map[core.PeerID]*Peer
	topology *Topology
}

// NewRegistry builds the fallback branch and makes it the active one
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Engine == nil {
		return nil, errors.New("media engine is required")
	}
	if opts.Policy == nil {
		opts.Policy = PriorityPolicy
	}
	switch opts.AudioRouting {
	case "":
		opts.AudioRouting = AudioMix
	case AudioMix, AudioDiscard:
	default:
		return nil, fmt.Errorf("unknown audio routing %q", opts.AudioRouting)
	}

	r := &Registry{
		engine:     opts.Engine,
		stunServer: opts.STUNServer,
		turnServer: opts.TURNServer,
		notifier:   opts.Notifier,
		outbox:     NewOutbox(),
		peers:      make(map[core.PeerID]*Peer),
		topology:   newTopology(opts.Engine, opts.Policy, opts.AudioRouting),
	}

	fallback, err := r.engine.CreateBranch(core.FallbackBranch, media.FallbackBranch)
	if err != nil {
		return nil, fmt.Errorf("create fallback branch: %w", err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.topology.add(core.FallbackBranch, fallback, media.FallbackBranch, FallbackPriority)
	for _, kind := range media.StreamKinds {
		if _, err := r.topology.link(core.FallbackBranch, kind); err != nil {
			return nil, fmt.Errorf("link fallback %s: %w", kind, err)
		}
	}
	if err := r.topology.markReady(core.FallbackBranch); err != nil {
		return nil, err
	}

	r.engine.Attach(fallback, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("service", "registry").Msg("failed to attach fallback branch")
		}
	})

	return r, nil
}

// AddPeer registers a new peer and attaches its branch. An offerer peer
// starts negotiating as soon as its branch runs.
func (r *Registry) AddPeer(id core.PeerID, offerer bool) error {
	if id == "" {
		return fmt.Errorf("%w: empty peer id", ErrMalformedMessage)
	}

	r.lock.Lock()
	if _, ok := r.peers[id]; ok || r.topology.has(string(id)) {
		r.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	branch, err := r.engine.CreateBranch(string(id), media.PeerBranch)
	if err != nil {
		r.lock.Unlock()
		return fmt.Errorf("create branch of %s: %w", id, err)
	}
	peer := newPeer(id, branch, r.outbox)
	r.peers[id] = peer
	r.topology.add(string(id), branch, media.PeerBranch, PeerPriority)
	r.lock.Unlock()

	log.Info().Str("service", "registry").Str("ID", string(id)).Bool("offerer", offerer).Msg("add peer")
	telemetry.PeerAdded()
	r.notify(eventbus.NewEvent(eventbus.PeerJoined, id))

	r.configureBranch(branch)

	ref := peerRef{registry: r, id: id, peer: peer}
	branch.OnICECandidate(ref.onLocalCandidate)
	branch.OnStreamReady(ref.onStreamReady)
	r.engine.Attach(branch, ref.onAttached)

	if offerer {
		return peer.startNegotiation(ref)
	}

	return nil
}

func (r *Registry) configureBranch(branch media.Branch) {
	if r.stunServer != "" {
		if err := r.engine.SetProperty(branch, media.PropertySTUNServer, r.stunServer); err != nil {
			log.Warn().Err(err).Str("service", "registry").Str("branch", branch.Name()).Msg("failed to set STUN server")
		}
	}
	if r.turnServer != "" {
		if err := r.engine.SetProperty(branch, media.PropertyTURNServer, r.turnServer); err != nil {
			log.Warn().Err(err).Str("service", "registry").Str("branch", branch.Name()).Msg("failed to set TURN server")
		}
	}
}

// RemovePeer is idempotent. The peer leaves the table at once, its branch is
// detached in the background and its output ports are released afterwards.
func (r *Registry) RemovePeer(id core.PeerID) {
	if !r.removePeer(id, nil) {
		log.Debug().Str("service", "registry").Str("ID", string(id)).Msg("remove unknown peer, skip")
	}
}

func (r *Registry) removePeer(id core.PeerID, expected *Peer) bool {
	r.lock.Lock()
	peer, ok := r.peers[id]
	if !ok || (expected != nil && peer != expected) {
		r.lock.Unlock()
		return false
	}
	delete(r.peers, id)
	ports, successor := r.topology.remove(string(id))
	r.lock.Unlock()

	peer.close()

	log.Info().Str("service", "registry").Str("ID", string(id)).Msg("remove peer")
	telemetry.PeerRemoved()
	r.notify(eventbus.NewEvent(eventbus.PeerLeft, id))
	if successor != "" {
		r.notifyActivated(successor)
	}

	r.engine.Detach(peer.branch, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("service", "registry").Str("ID", string(id)).Msg("failed to detach branch, its resources stay allocated")
			telemetry.ServiceOperationCounter.WithLabelValues("detach_branch", "error", "engine").Add(1)
			return
		}
		for _, port := range ports {
			if err := r.engine.ReleasePort(port); err != nil {
				log.Error().Err(err).Str("service", "registry").Str("port", port.Name()).Msg("failed to release port")
			}
		}
	})

	return true
}

// failPeer drops a peer whose negotiation or attachment failed
func (r *Registry) failPeer(ref peerRef, err error) {
	if _, ok := ref.upgrade(); !ok {
		return
	}

	log.Error().Err(err).Str("service", "registry").Str("ID", string(ref.id)).Msg("peer failed, remove it")

	if errors.Is(err, ErrNegotiation) {
		telemetry.ServiceOperationCounter.WithLabelValues("negotiation", "error", "negotiation_failed").Add(1)
		e := eventbus.NewEvent(eventbus.NegotiationFailed, ref.id)
		e.Error = err.Error()
		r.notify(e)
	}

	r.removePeer(ref.id, ref.peer)
}

// Negotiate triggers a local offer towards the peer
func (r *Registry) Negotiate(id core.PeerID) error {
	peer, ok := r.Peer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	return peer.startNegotiation(peerRef{registry: r, id: id, peer: peer})
}

// HandleMessage decodes a signaling frame and routes it
func (r *Registry) HandleMessage(payload []byte) error {
	msg, err := protocol.Parse(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return err
	}

	return r.Route(msg)
}

func (r *Registry) Route(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Hello:
		log.Info().Str("service", "registry").Str("ID", m.ID).Msg("registered at signaling server")
		return nil
	case *protocol.ClientJoin:
		return r.AddPeer(m.Peer, false)
	case *protocol.ClientDisconnect:
		r.RemovePeer(m.Peer)
		return nil
	case *protocol.ClientMessage:
		return r.routeToPeer(m.Peer, m.Payload)
	default:
		return fmt.Errorf("%w: unexpected %s message", ErrMalformedMessage, msg.GetType())
	}
}

func (r *Registry) routeToPeer(id core.PeerID, payload protocol.Payload) error {
	peer, ok := r.Peer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	ref := peerRef{registry: r, id: id, peer: peer}

	var err error
	switch p := payload.(type) {
	case *protocol.SDP:
		err = peer.handleSDP(ref, p)
	case *protocol.ICE:
		err = peer.handleICE(p)
	default:
		err = fmt.Errorf("%w: payload of %s", ErrMalformedMessage, id)
	}

	if errors.Is(err, ErrNegotiation) {
		r.failPeer(ref, err)
	}

	return err
}

// linkStream links freshly available media into the output. A ready video
// stream makes its branch the active one.
func (r *Registry) linkStream(ref peerRef, kind media.StreamKind) {
	r.lock.Lock()
	if p, ok := r.peers[ref.id]; !ok || p != ref.peer {
		r.lock.Unlock()
		return
	}
	_, err := r.topology.link(string(ref.id), kind)
	activated := false
	if err == nil && kind == media.Video {
		err = r.topology.markReady(string(ref.id))
		activated = err == nil
	}
	r.lock.Unlock()

	if err != nil {
		log.Error().Err(err).Str("service", "registry").Str("ID", string(ref.id)).Str("kind", kind.String()).Msg("failed to link stream")
		return
	}
	if activated {
		r.notifyActivated(string(ref.id))
	}
}

func (r *Registry) notifyActivated(branch string) {
	e := eventbus.NewEvent(eventbus.BranchActivated, "")
	if branch != core.FallbackBranch {
		e.PeerID = core.PeerID(branch)
	}
	e.Branch = branch
	r.notify(e)
}

func (r *Registry) notify(e *eventbus.Event) {
	if r.notifier != nil {
		r.notifier.Dispatch(e)
	}
}

func (r *Registry) Peer(id core.PeerID) (*Peer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.peers[id]

	return p, ok
}

// Peers returns registered peer ids in lexical order
func (r *Registry) Peers() []core.PeerID {
	r.lock.RLock()
	ids := make([]core.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.lock.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// ActiveBranch returns the name of the branch feeding the output
func (r *Registry) ActiveBranch() string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.topology.active
}

func (r *Registry) Outbox() *Outbox {
	return r.outbox
}

func (r *Registry) Engine() media.Engine {
	return r.engine
}

// Close removes every peer, stops the outbox and shuts the engine down
func (r *Registry) Close() error {
	for _, id := range r.Peers() {
		r.RemovePeer(id)
	}
	r.outbox.Close()

	return r.engine.Close()
}
