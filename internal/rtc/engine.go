// Package rtc is the pion backed media engine. Every peer branch is a
// receive-only peer connection; the output switches forward the RTP of the
// active branch to a UDP destination without decoding it.
package rtc

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"

	"github.com/gammazero/deque"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/config"
	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

const eventsBuffer = 64

var errForeignBranch = errors.New("branch does not belong to this engine")

type EngineParams struct {
	EnabledCodecs []config.CodecSpec
	Config        *config.WebRTCConfig
	// OutputAddress is the UDP destination of the output streams
	OutputAddress string
}

type Engine struct {
	params EngineParams

	queue    *jobQueue
	switches map[media.StreamKind]*Switch

	lock     sync.Mutex
	branches map[string]*Branch
	output   net.Conn
	events   chan media.Event
	closed   bool
	stopped  chan struct{}
}

func NewEngine(params EngineParams) *Engine {
	e := &Engine{
		params: params,
		queue:  newJobQueue(),
		switches: map[media.StreamKind]*Switch{
			media.Audio: newSwitch(media.Audio, rand.Uint32()),
			media.Video: newSwitch(media.Video, rand.Uint32()),
		},
		branches: make(map[string]*Branch),
		events:   make(chan media.Event, eventsBuffer),
		stopped:  make(chan struct{}),
	}

	go e.run()

	return e
}

// run is the engine worker: continuations and pion callbacks execute here, one at a time
func (e *Engine) run() {
	defer close(e.stopped)

	for {
		job, ok := e.queue.next()
		if !ok {
			return
		}
		job()
	}
}

func (e *Engine) post(job func()) {
	if !e.queue.push(job) {
		log.Debug().Str("service", "engine").Msg("engine is closed, drop job")
	}
}

func (e *Engine) emit(ev media.Event) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return
	}

	select {
	case e.events <- ev:
	default:
		log.Warn().Str("service", "engine").Str("kind", ev.Kind.String()).Str("source", ev.Source).Msg("events buffer is full, drop event")
	}
}

// Start opens the UDP output
func (e *Engine) Start() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return media.ErrEngineClosed
	}
	if e.output != nil || e.params.OutputAddress == "" {
		return nil
	}

	conn, err := net.Dial("udp", e.params.OutputAddress)
	if err != nil {
		return fmt.Errorf("open output %s: %w", e.params.OutputAddress, err)
	}
	e.output = conn
	for _, sw := range e.switches {
		sw.setOutput(conn)
	}

	log.Info().Str("service", "engine").Str("output", e.params.OutputAddress).Msg("engine started")

	return nil
}

func (e *Engine) Output(kind media.StreamKind) media.Handle {
	return e.switches[kind]
}

func (e *Engine) CreateBranch(name string, kind media.BranchKind) (media.Branch, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return nil, media.ErrEngineClosed
	}

	b := newBranch(name, kind, e)
	e.branches[name] = b

	return b, nil
}

func (e *Engine) branch(b media.Branch) (*Branch, error) {
	rb, ok := b.(*Branch)
	if !ok || rb.engine != e {
		return nil, errForeignBranch
	}

	return rb, nil
}

// Attach puts the branch into the running graph, a peer branch gets its
// peer connection here unless negotiation already created it.
func (e *Engine) Attach(b media.Branch, done func(error)) {
	e.post(func() {
		rb, err := e.branch(b)
		if err != nil {
			done(err)
			return
		}
		if rb.kind == media.PeerBranch {
			if _, err := rb.ensureTransport(); err != nil {
				done(fmt.Errorf("create peer connection of %s: %w", rb.name, err))
				return
			}
		}

		log.Debug().Str("service", "engine").Str("branch", rb.name).Msg("branch attached")
		done(nil)
	})
}

func (e *Engine) Detach(b media.Branch, done func(error)) {
	e.post(func() {
		rb, err := e.branch(b)
		if err != nil {
			done(err)
			return
		}

		e.lock.Lock()
		if e.branches[rb.name] == rb {
			delete(e.branches, rb.name)
		}
		e.lock.Unlock()

		rb.close()
		done(nil)
	})
}

func (e *Engine) Link(b media.Branch, kind media.StreamKind, port media.PortRef) error {
	rb, err := e.branch(b)
	if err != nil {
		return err
	}
	sw, ok := port.Owner.(*Switch)
	if !ok || e.switches[kind] != sw {
		return fmt.Errorf("%w: %s is not the %s output", media.ErrUnknownHandle, port.Name(), kind)
	}

	if err := sw.connect(port.Index, rb); err != nil {
		return err
	}

	e.emit(media.Event{Kind: media.EventLatency, Source: port.Name()})

	return nil
}

func (e *Engine) SetProperty(h media.Handle, key string, value interface{}) error {
	switch target := h.(type) {
	case *Branch:
		return e.setBranchProperty(target, key, value)
	case media.PortRef:
		sw, ok := target.Owner.(*Switch)
		if !ok {
			return fmt.Errorf("%w: %s", media.ErrUnknownHandle, target.Name())
		}
		if key != media.PropertyPriority {
			return fmt.Errorf("%w: %s on %s", media.ErrUnknownProperty, key, target.Name())
		}
		priority, ok := value.(uint32)
		if !ok {
			return fmt.Errorf("priority must be uint32, got %T", value)
		}
		return sw.setPriority(target.Index, priority)
	case *Switch:
		if key != media.PropertyActivePad {
			return fmt.Errorf("%w: %s on %s", media.ErrUnknownProperty, key, target.Name())
		}
		port, ok := value.(media.PortRef)
		if !ok || port.Owner != media.Handle(target) {
			return fmt.Errorf("%w: active pad of %s", media.ErrUnknownHandle, target.Name())
		}
		b, err := target.activate(port.Index)
		if err != nil {
			return err
		}
		if target.kind == media.Video {
			go b.requestKeyframe()
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", media.ErrUnknownHandle, h.Name())
	}
}

func (e *Engine) setBranchProperty(b *Branch, key string, value interface{}) error {
	switch key {
	case media.PropertySTUNServer, media.PropertyTURNServer:
	default:
		return fmt.Errorf("%w: %s on %s", media.ErrUnknownProperty, key, b.name)
	}

	uri, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s must be a string, got %T", key, value)
	}
	server, err := config.ICEServer(uri)
	if err != nil {
		return err
	}

	return b.addICEServer(server)
}

func (e *Engine) RequestDynamicPort(h media.Handle) (media.PortRef, error) {
	sw, ok := h.(*Switch)
	if !ok {
		return media.PortRef{}, fmt.Errorf("%w: %s", media.ErrUnknownHandle, h.Name())
	}

	return sw.requestPort()
}

func (e *Engine) ReleasePort(port media.PortRef) error {
	sw, ok := port.Owner.(*Switch)
	if !ok {
		return fmt.Errorf("%w: %s", media.ErrUnknownHandle, port.Name())
	}

	return sw.releasePort(port.Index)
}

// RecalculateLatency has nothing to rebuild: packets are forwarded as they
// arrive and pion's interceptors own the jitter. The rewriter is left alone so
// the stream on air keeps its timestamps.
func (e *Engine) RecalculateLatency() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return media.ErrEngineClosed
	}
	log.Debug().Str("service", "engine").Msg("latency recalculated")

	return nil
}

func (e *Engine) Events() <-chan media.Event {
	return e.events
}

// forward hands the packet to the switch. A receiver that is not listening
// yet only costs dropped packets and one warning per outage; any other write
// failure is fatal.
func (e *Engine) forward(b *Branch, kind media.StreamKind, pkt *rtp.Packet) {
	sw := e.switches[kind]

	written, err := sw.forward(b, pkt)
	switch {
	case err == nil:
		if written {
			sw.dropping.Store(false)
		}
	case isTransientWriteError(err):
		telemetry.PacketDropped(kind.String())
		if !sw.dropping.Swap(true) {
			e.emit(media.Event{Kind: media.EventWarning, Source: sw.Name(), Err: err})
		}
	default:
		e.emit(media.Event{Kind: media.EventError, Source: sw.Name(), Err: err})
	}
}

func isTransientWriteError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func (e *Engine) isActive(b *Branch, kind media.StreamKind) bool {
	return e.switches[kind].activeBranch() == b
}

// Close tears down every branch and stops the worker. The events channel is
// closed once the worker has drained its queue.
func (e *Engine) Close() error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil
	}
	e.closed = true
	branches := make([]*Branch, 0, len(e.branches))
	for _, b := range e.branches {
		branches = append(branches, b)
	}
	e.branches = make(map[string]*Branch)
	output := e.output
	e.lock.Unlock()

	for _, b := range branches {
		b.close()
	}

	e.queue.close()
	<-e.stopped

	e.lock.Lock()
	close(e.events)
	e.lock.Unlock()

	if output != nil {
		return output.Close()
	}

	return nil
}

// jobQueue is an unbounded FIFO so posting from the worker itself never blocks
type jobQueue struct {
	lock   sync.Mutex
	jobs   deque.Deque[func()]
	ready  chan struct{}
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{ready: make(chan struct{}, 1)}
}

func (q *jobQueue) push(job func()) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.jobs.PushBack(job)
	q.lock.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	return true
}

// next blocks for the next job. It reports false once the queue is closed and empty.
func (q *jobQueue) next() (func(), bool) {
	for {
		q.lock.Lock()
		if q.jobs.Len() > 0 {
			job := q.jobs.PopFront()
			q.lock.Unlock()
			return job, true
		}
		if q.closed {
			q.lock.Unlock()
			return nil, false
		}
		q.lock.Unlock()

		<-q.ready
	}
}

func (q *jobQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
