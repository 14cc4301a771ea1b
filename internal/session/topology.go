package session

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

// Priority hints set on output ports, lower is preferred
const (
	FallbackPriority uint32 = 10
	PeerPriority     uint32 = 0
)

type AudioRouting string

const (
	// AudioMix links peer audio into the output, following the active branch
	AudioMix AudioRouting = "mix"
	// AudioDiscard never links peer audio, the output keeps the fallback audio
	AudioDiscard AudioRouting = "discard"
)

// Candidate describes a ready branch that could feed the output
type Candidate struct {
	Branch   string
	Priority uint32
	// ReadySeq grows with every branch that becomes ready
	ReadySeq uint64
}

// SelectionPolicy picks the branch to activate when the active one goes away
type SelectionPolicy func(candidates []Candidate) string

// PriorityPolicy prefers the lowest priority value and, among equals, the
// branch that became ready last.
func PriorityPolicy(candidates []Candidate) string {
	best := -1
	for i, c := range candidates {
		if best < 0 {
			best = i
			continue
		}
		b := candidates[best]
		if c.Priority < b.Priority || (c.Priority == b.Priority && c.ReadySeq > b.ReadySeq) {
			best = i
		}
	}

	if best < 0 {
		return ""
	}

	return candidates[best].Branch
}

type topologyBranch struct {
	branch   media.Branch
	kind     media.BranchKind
	priority uint32
	ports    map[media.StreamKind]media.PortRef
	ready    bool
	readySeq uint64
}

// Topology tracks which branch feeds the output. It is not synchronized on
// its own: the registry lock guards it.
type Topology struct {
	engine   media.Engine
	policy   SelectionPolicy
	audio    AudioRouting
	branches map[string]*topologyBranch
	active   string
	seq      uint64
}

func newTopology(engine media.Engine, policy SelectionPolicy, audio AudioRouting) *Topology {
	return &Topology{
		engine:   engine,
		policy:   policy,
		audio:    audio,
		branches: make(map[string]*topologyBranch),
	}
}

func (t *Topology) has(name string) bool {
	_, ok := t.branches[name]
	return ok
}

func (t *Topology) add(name string, b media.Branch, kind media.BranchKind, priority uint32) {
	t.branches[name] = &topologyBranch{
		branch:   b,
		kind:     kind,
		priority: priority,
		ports:    make(map[media.StreamKind]media.PortRef),
	}
}

// link connects the branch's stream of the given kind to a fresh output port.
// It reports false when nothing had to be linked.
func (t *Topology) link(name string, kind media.StreamKind) (bool, error) {
	tb, ok := t.branches[name]
	if !ok {
		return false, fmt.Errorf("no branch %s in topology", name)
	}
	if _, ok := tb.ports[kind]; ok {
		return false, nil
	}
	if kind == media.Audio && tb.kind == media.PeerBranch && t.audio == AudioDiscard {
		return false, nil
	}

	port, err := t.engine.RequestDynamicPort(t.engine.Output(kind))
	if err != nil {
		return false, err
	}
	if err := t.engine.SetProperty(port, media.PropertyPriority, tb.priority); err != nil {
		log.Warn().Err(err).Str("service", "topology").Str("branch", name).Msg("failed to set port priority")
	}
	if err := t.engine.Link(tb.branch, kind, port); err != nil {
		if relErr := t.engine.ReleasePort(port); relErr != nil {
			log.Error().Err(relErr).Str("service", "topology").Str("port", port.Name()).Msg("failed to release port")
		}
		return false, err
	}
	tb.ports[kind] = port

	log.Debug().Str("service", "topology").Str("branch", name).Str("kind", kind.String()).Str("port", port.Name()).Msg("linked")

	// late audio of the active branch replaces the fallback audio
	if kind == media.Audio && t.active == name {
		t.selectPort(kind, port)
	}

	return true, nil
}

// markReady activates the branch: the most recently ready branch wins
func (t *Topology) markReady(name string) error {
	tb, ok := t.branches[name]
	if !ok {
		return fmt.Errorf("no branch %s in topology", name)
	}

	t.seq++
	tb.ready = true
	tb.readySeq = t.seq

	t.activate(name)

	return nil
}

func (t *Topology) activate(name string) {
	tb := t.branches[name]

	for _, kind := range media.StreamKinds {
		port, ok := tb.ports[kind]
		if !ok {
			port, ok = t.fallbackPort(kind)
		}
		if !ok {
			continue
		}
		t.selectPort(kind, port)
	}

	if t.active != name {
		telemetry.BranchSwitched()
	}
	t.active = name

	log.Info().Str("service", "topology").Str("branch", name).Msg("branch activated")
}

func (t *Topology) selectPort(kind media.StreamKind, port media.PortRef) {
	if err := t.engine.SetProperty(t.engine.Output(kind), media.PropertyActivePad, port); err != nil {
		log.Error().Err(err).Str("service", "topology").Str("port", port.Name()).Msg("failed to select port")
	}
}

func (t *Topology) fallbackPort(kind media.StreamKind) (media.PortRef, bool) {
	fb, ok := t.branches[core.FallbackBranch]
	if !ok {
		return media.PortRef{}, false
	}
	port, ok := fb.ports[kind]

	return port, ok
}

// remove drops the branch and returns the ports it held. If the branch was
// active, the selection policy picks its successor, which is returned.
func (t *Topology) remove(name string) ([]media.PortRef, string) {
	tb, ok := t.branches[name]
	if !ok {
		return nil, ""
	}
	delete(t.branches, name)

	ports := make([]media.PortRef, 0, len(tb.ports))
	for _, kind := range media.StreamKinds {
		if port, ok := tb.ports[kind]; ok {
			ports = append(ports, port)
		}
	}

	if t.active != name {
		return ports, ""
	}

	t.active = ""
	next := t.policy(t.candidates())
	if _, ok := t.branches[next]; !ok {
		if next != "" {
			log.Warn().Str("service", "topology").Str("branch", next).Msg("selection policy returned an unknown branch")
		}
		return ports, ""
	}
	t.activate(next)

	return ports, next
}

func (t *Topology) candidates() []Candidate {
	candidates := make([]Candidate, 0, len(t.branches))
	for name, tb := range t.branches {
		if !tb.ready {
			continue
		}
		candidates = append(candidates, Candidate{
			Branch:   name,
			Priority: tb.priority,
			ReadySeq: tb.readySeq,
		})
	}

	return candidates
}
