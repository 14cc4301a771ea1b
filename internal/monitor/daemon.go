// Package monitor follows session lifecycle events published on NATS and
// keeps a live view of the mixer: who is connected and which branch is on air.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/eventbus"
)

const DefaultQueue = "splitstreamer-monitor"

// Snapshot is the state rebuilt from the event stream
type Snapshot struct {
	Peers    []core.PeerID
	OnAir    string
	Failures int
}

type Daemon struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	queue   string

	lock     sync.RWMutex
	peers    map[core.PeerID]struct{}
	onAir    string
	failures int

	errors chan error
	stop   chan struct{}
	once   sync.Once
}

func New(natsAddr, subject, queue string) (*Daemon, error) {
	nc, err := nats.Connect(natsAddr, nats.NoEcho(), nats.Name("splitstreamer-monitor"))
	if err != nil {
		return nil, err
	}

	d := newDaemon(subject, queue)
	d.nc = nc

	return d, nil
}

func newDaemon(subject, queue string) *Daemon {
	if queue == "" {
		queue = DefaultQueue
	}

	return &Daemon{
		subject: subject,
		queue:   queue,
		peers:   make(map[core.PeerID]struct{}),
		onAir:   core.FallbackBranch,
		errors:  make(chan error, 16),
		stop:    make(chan struct{}),
	}
}

// Run blocks until Stop is called
func (d *Daemon) Run() error {
	log.Info().Str("service", "monitor").Str("subject", d.subject).Msg("start monitor daemon")

	var err error
	d.sub, err = d.nc.QueueSubscribe(d.subject, d.queue, func(msg *nats.Msg) {
		if err := d.handle(msg.Data); err != nil {
			select {
			case d.errors <- err:
			default:
			}
		}
	})
	if err != nil {
		return err
	}

	for {
		select {
		case err := <-d.errors:
			log.Error().Err(err).Str("service", "monitor").Msg("")
		case <-d.stop:
			return d.shutdown()
		}
	}
}

func (d *Daemon) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Daemon) shutdown() error {
	log.Info().Str("service", "monitor").Msg("stop monitor daemon")

	if err := d.sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("service", "monitor").Msg("failed to unsubscribe")
	}

	return d.nc.Drain()
}

func (d *Daemon) handle(data []byte) error {
	e := &eventbus.Event{}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(e); err != nil {
		return fmt.Errorf("decode event: %v, payload: %s", err, string(data))
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	switch e.Type {
	case eventbus.PeerJoined:
		d.peers[e.PeerID] = struct{}{}
	case eventbus.PeerLeft:
		delete(d.peers, e.PeerID)
	case eventbus.BranchActivated:
		d.onAir = e.Branch
	case eventbus.NegotiationFailed:
		d.failures++
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	log.Info().
		Str("service", "monitor").
		Str("type", string(e.Type)).
		Str("ID", string(e.PeerID)).
		Str("branch", e.Branch).
		Str("error", e.Error).
		Int("peers", len(d.peers)).
		Msg("event")

	return nil
}

func (d *Daemon) Snapshot() Snapshot {
	d.lock.RLock()
	defer d.lock.RUnlock()

	peers := make([]core.PeerID, 0, len(d.peers))
	for id := range d.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	return Snapshot{Peers: peers, OnAir: d.onAir, Failures: d.failures}
}
