// Package mediatest provides a deterministic in-memory media engine.
// Asynchronous work is queued and only runs when the test calls Flush.
package mediatest

import (
	"sync"

	"github.com/isqad/splitstreamer/internal/media"
)

type handle string

func (h handle) Name() string {
	return string(h)
}

type Link struct {
	Branch string
	Kind   media.StreamKind
	Port   media.PortRef
}

type Engine struct {
	// AttachErr and DetachErr are returned through the continuation of every attach/detach
	AttachErr error
	DetachErr error

	mu         sync.Mutex
	jobs       []func()
	started    bool
	closed     bool
	outputs    map[media.StreamKind]handle
	branches   map[string]*Branch
	properties map[string]map[string]interface{}
	ports      map[string]int
	links      []Link
	attached   []string
	detached   []string
	released   []media.PortRef
	latency    int
	events     chan media.Event
}

func NewEngine() *Engine {
	return &Engine{
		outputs: map[media.StreamKind]handle{
			media.Audio: handle("audio-switch"),
			media.Video: handle("video-switch"),
		},
		branches:   make(map[string]*Branch),
		properties: make(map[string]map[string]interface{}),
		ports:      make(map[string]int),
		events:     make(chan media.Event, 16),
	}
}

func (e *Engine) enqueue(job func()) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
}

// Flush runs queued continuations, including the ones they queue, until none are left.
func (e *Engine) Flush() {
	for {
		e.mu.Lock()
		if len(e.jobs) == 0 {
			e.mu.Unlock()
			return
		}
		job := e.jobs[0]
		e.jobs = e.jobs[1:]
		e.mu.Unlock()

		job()
	}
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.jobs)
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return media.ErrEngineClosed
	}
	e.started = true

	return nil
}

func (e *Engine) Output(kind media.StreamKind) media.Handle {
	return e.outputs[kind]
}

func (e *Engine) CreateBranch(name string, kind media.BranchKind) (media.Branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, media.ErrEngineClosed
	}
	b := &Branch{name: name, kind: kind, engine: e}
	e.branches[name] = b

	return b, nil
}

func (e *Engine) Attach(b media.Branch, done func(error)) {
	e.enqueue(func() {
		e.mu.Lock()
		err := e.AttachErr
		if err == nil {
			e.attached = append(e.attached, b.Name())
		}
		e.mu.Unlock()

		done(err)
	})
}

func (e *Engine) Detach(b media.Branch, done func(error)) {
	e.enqueue(func() {
		e.mu.Lock()
		err := e.DetachErr
		e.detached = append(e.detached, b.Name())
		if err == nil && e.branches[b.Name()] == b {
			delete(e.branches, b.Name())
		}
		e.mu.Unlock()

		done(err)
	})
}

func (e *Engine) Link(b media.Branch, kind media.StreamKind, port media.PortRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.links = append(e.links, Link{Branch: b.Name(), Kind: kind, Port: port})

	return nil
}

func (e *Engine) SetProperty(h media.Handle, key string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	props, ok := e.properties[h.Name()]
	if !ok {
		props = make(map[string]interface{})
		e.properties[h.Name()] = props
	}
	props[key] = value

	return nil
}

func (e *Engine) RequestDynamicPort(h media.Handle) (media.PortRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.ports[h.Name()]
	e.ports[h.Name()] = idx + 1

	return media.PortRef{Owner: h, Index: idx}, nil
}

func (e *Engine) ReleasePort(port media.PortRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.released = append(e.released, port)

	return nil
}

func (e *Engine) RecalculateLatency() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latency++

	return nil
}

func (e *Engine) Events() <-chan media.Event {
	return e.events
}

// Emit posts an engine event as the engine's bus would
func (e *Engine) Emit(ev media.Event) {
	e.events <- ev
}

// CloseEvents ends the event stream as a stopped engine would
func (e *Engine) CloseEvents() {
	close(e.events)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	return nil
}

func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.started
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Engine) Branch(name string) *Branch {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.branches[name]
}

func (e *Engine) Property(h media.Handle, key string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.properties[h.Name()][key]

	return v, ok
}

// ActivePad returns the port selected on the output of the given kind
func (e *Engine) ActivePad(kind media.StreamKind) (media.PortRef, bool) {
	v, ok := e.Property(e.Output(kind), media.PropertyActivePad)
	if !ok {
		return media.PortRef{}, false
	}
	port, ok := v.(media.PortRef)

	return port, ok
}

func (e *Engine) Links() []Link {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Link(nil), e.links...)
}

// LinkedBranch returns the branch linked to port, if any
func (e *Engine) LinkedBranch(port media.PortRef) (string, bool) {
	for _, l := range e.Links() {
		if l.Port == port {
			return l.Branch, true
		}
	}

	return "", false
}

func (e *Engine) Attached() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.attached...)
}

func (e *Engine) Detached() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.detached...)
}

func (e *Engine) Released() []media.PortRef {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]media.PortRef(nil), e.released...)
}

func (e *Engine) LatencyRecalculations() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.latency
}
