package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/telemetry"
)

const (
	dispatcherQueueSize = 256
	publishTimeout      = 3 * time.Second
)

// Dispatcher fans lifecycle events out to publishers on its own goroutine,
// so session code never waits on redis, NATS or the database.
type Dispatcher struct {
	publishers []Publisher
	events     chan *Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		publishers: publishers,
		events:     make(chan *Event, dispatcherQueueSize),
		done:       make(chan struct{}),
	}
}

// Dispatch never blocks: when the queue is full the event is dropped.
func (d *Dispatcher) Dispatch(e *Event) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.events <- e:
	default:
		log.Warn().Str("service", "dispatcher").Str("type", string(e.Type)).Msg("event queue is full, drop event")
		telemetry.ServiceOperationCounter.WithLabelValues("dispatch_event", "error", "queue_full").Add(1)
	}
}

// Run publishes queued events until ctx is done or Close is called
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case e := <-d.events:
			d.publish(ctx, e)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, e *Event) {
	for _, p := range d.publishers {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.Publish(pctx, e)
		cancel()

		if err != nil {
			log.Error().Err(err).Str("service", "dispatcher").Str("type", string(e.Type)).Msg("failed to publish event")
			telemetry.ServiceOperationCounter.WithLabelValues("publish_event", "error", "publisher").Add(1)
			continue
		}
		telemetry.ServiceOperationCounter.WithLabelValues("publish_event", "success", "").Add(1)
	}
}

// Drain publishes what is still queued, meant for shutdown once producers stopped
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case e := <-d.events:
			d.publish(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
