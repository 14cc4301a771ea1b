package rtc

import (
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

const switchPorts = 64

// Switch is an output selector: of all the branches linked to its ports only
// the one on the active port reaches the output.
type Switch struct {
	name  string
	kind  media.StreamKind
	ports *PortsAllocator

	lock       sync.RWMutex
	inputs     map[int]*Branch
	priorities map[int]uint32
	active     int
	rewriter   *rewriter
	out        io.Writer

	// dropping is set while writes to the output fail transiently
	dropping atomic.Bool
}

func newSwitch(kind media.StreamKind, ssrc uint32) *Switch {
	return &Switch{
		name:       kind.String() + "-switch",
		kind:       kind,
		ports:      NewPortsAllocator(switchPorts),
		inputs:     make(map[int]*Branch),
		priorities: make(map[int]uint32),
		active:     -1,
		rewriter:   newRewriter(ssrc),
	}
}

func (s *Switch) Name() string {
	return s.name
}

func (s *Switch) setOutput(out io.Writer) {
	s.lock.Lock()
	s.out = out
	s.lock.Unlock()
}

func (s *Switch) requestPort() (media.PortRef, error) {
	index, err := s.ports.Allocate()
	if err != nil {
		return media.PortRef{}, fmt.Errorf("%s: %w", s.name, err)
	}

	return media.PortRef{Owner: s, Index: index}, nil
}

func (s *Switch) releasePort(index int) error {
	if !s.ports.Allocated(index) {
		return fmt.Errorf("%w: %s.sink_%d", media.ErrUnknownHandle, s.name, index)
	}

	s.lock.Lock()
	delete(s.inputs, index)
	delete(s.priorities, index)
	if s.active == index {
		s.active = -1
	}
	s.lock.Unlock()

	s.ports.Deallocate(index)

	return nil
}

func (s *Switch) connect(index int, b *Branch) error {
	if !s.ports.Allocated(index) {
		return fmt.Errorf("%w: %s.sink_%d", media.ErrUnknownHandle, s.name, index)
	}

	s.lock.Lock()
	s.inputs[index] = b
	s.lock.Unlock()

	return nil
}

func (s *Switch) setPriority(index int, priority uint32) error {
	if !s.ports.Allocated(index) {
		return fmt.Errorf("%w: %s.sink_%d", media.ErrUnknownHandle, s.name, index)
	}

	s.lock.Lock()
	s.priorities[index] = priority
	s.lock.Unlock()

	return nil
}

// activate selects the port and returns the branch linked to it
func (s *Switch) activate(index int) (*Branch, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	b, ok := s.inputs[index]
	if !ok {
		return nil, fmt.Errorf("%w: %s.sink_%d is not linked", media.ErrUnknownHandle, s.name, index)
	}
	if s.active != index {
		s.active = index
		s.rewriter.switchSource()
	}

	return b, nil
}

func (s *Switch) activeBranch() *Branch {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.inputs[s.active]
}

// forward writes the packet out when it comes from the active branch. It
// reports whether the packet was written.
func (s *Switch) forward(from *Branch, pkt *rtp.Packet) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.out == nil || s.inputs[s.active] != from {
		return false, nil
	}

	s.rewriter.rewrite(pkt)

	payload, err := pkt.Marshal()
	if err != nil {
		return false, err
	}
	if _, err := s.out.Write(payload); err != nil {
		return false, err
	}

	telemetry.PacketForwarded(s.kind.String())

	return true, nil
}

// rewriter keeps the outgoing RTP stream continuous across source switches:
// one SSRC, sequence numbers and timestamps without jumps.
type rewriter struct {
	ssrc      uint32
	started   bool
	resync    bool
	lastSeq   uint16
	lastTS    uint32
	seqOffset uint16
	tsOffset  uint32
}

func newRewriter(ssrc uint32) *rewriter {
	return &rewriter{ssrc: ssrc}
}

func (r *rewriter) switchSource() {
	r.resync = true
}

func (r *rewriter) rewrite(pkt *rtp.Packet) {
	if !r.started {
		r.started = true
		r.resync = false
	} else if r.resync {
		r.seqOffset = r.lastSeq + 1 - pkt.SequenceNumber
		r.tsOffset = r.lastTS + 1 - pkt.Timestamp
		r.resync = false
	}

	pkt.SSRC = r.ssrc
	pkt.SequenceNumber += r.seqOffset
	pkt.Timestamp += r.tsOffset

	r.lastSeq = pkt.SequenceNumber
	r.lastTS = pkt.Timestamp
}
