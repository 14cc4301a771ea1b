// Package media describes the media engine the session core drives. The core
// only issues commands through Engine and Branch and consumes the engine's
// events; building and running the actual media graph is up to the implementation.
package media

import (
	"errors"
	"fmt"
)

type StreamKind int

const (
	Audio StreamKind = iota
	Video
)

var StreamKinds = []StreamKind{Audio, Video}

func (k StreamKind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

type BranchKind int

const (
	FallbackBranch BranchKind = iota
	PeerBranch
)

// Property keys understood by engines
const (
	PropertySTUNServer = "stun-server"
	PropertyTURNServer = "turn-server"
	// PropertyPriority is set on a PortRef, lower values are preferred
	PropertyPriority = "priority"
	// PropertyActivePad is set on an output handle with a PortRef value
	PropertyActivePad = "active-pad"
)

var (
	ErrUnknownHandle   = errors.New("unknown handle")
	ErrUnknownProperty = errors.New("unknown property")
	ErrEngineClosed    = errors.New("engine closed")
)

// Handle is an opaque reference to an element owned by the engine
type Handle interface {
	Name() string
}

// PortRef is a dynamic input port requested on an output handle
type PortRef struct {
	Owner Handle
	Index int
}

func (p PortRef) Name() string {
	return fmt.Sprintf("%s.sink_%d", p.Owner.Name(), p.Index)
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType
	SDP  string
}

type EventKind int

const (
	EventError EventKind = iota
	EventWarning
	EventLatency
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventLatency:
		return "latency"
	case EventStateChanged:
		return "state-changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a health message posted by the engine
type Event struct {
	Kind   EventKind
	Source string
	Err    error
	Debug  string
}

// Engine is the command side of the media engine. Long running operations
// (Attach, Detach, offer and answer creation) complete on the engine's own
// worker through the done continuation, which is invoked exactly once.
type Engine interface {
	Start() error
	Output(kind StreamKind) Handle
	CreateBranch(name string, kind BranchKind) (Branch, error)
	Attach(b Branch, done func(error))
	Detach(b Branch, done func(error))
	// Link connects the branch's stream of the given kind to an output port
	Link(b Branch, kind StreamKind, port PortRef) error
	SetProperty(h Handle, key string, value interface{}) error
	RequestDynamicPort(h Handle) (PortRef, error)
	ReleasePort(port PortRef) error
	RecalculateLatency() error
	Events() <-chan Event
	Close() error
}

// Branch is one peer's (or the fallback's) segment of the media graph
type Branch interface {
	Handle
	CreateOffer(done func(SessionDescription, error))
	CreateAnswer(done func(SessionDescription, error))
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(mlineIndex uint32, candidate string) error
	OnICECandidate(fn func(mlineIndex uint32, candidate string))
	// OnStreamReady fires once per stream kind when media from the remote starts flowing
	OnStreamReady(fn func(kind StreamKind))
}
