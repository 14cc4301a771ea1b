package mixer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/media"
	"github.com/isqad/splitstreamer/internal/session"
	"github.com/isqad/splitstreamer/internal/telemetry"
)

// ErrEngineFatal ends the loop when the media engine reports an error
var ErrEngineFatal = errors.New("media engine error")

// Transport is the signaling connection of the mixer
type Transport interface {
	// Messages is closed when the remote side goes away
	Messages() <-chan []byte
	Send(ctx context.Context, payload []byte) error
}

// Loop interleaves inbound signaling, engine events and outbound signaling.
// It is the only place where messages are written to the transport.
type Loop struct {
	transport Transport
	registry  *session.Registry
	engine    media.Engine
}

func NewLoop(transport Transport, registry *session.Registry) *Loop {
	return &Loop{
		transport: transport,
		registry:  registry,
		engine:    registry.Engine(),
	}
}

func (l *Loop) Run(ctx context.Context) error {
	inbound := l.transport.Messages()
	events := l.engine.Events()
	outbox := l.registry.Outbox()
	ready := outbox.Ready()
	done := outbox.Done()

	for {
		if events == nil && ready == nil {
			log.Info().Str("service", "loop").Msg("no more events, stop")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-inbound:
			if !ok {
				log.Info().Str("service", "loop").Msg("signaling connection closed")
				return nil
			}
			l.handleInbound(payload)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := l.handleEvent(ev); err != nil {
				return err
			}
		case <-ready:
			if err := l.flush(ctx); err != nil {
				return err
			}
		case <-done:
			if err := l.flush(ctx); err != nil {
				return err
			}
			ready, done = nil, nil
		}
	}
}

func (l *Loop) handleInbound(payload []byte) {
	if err := l.registry.HandleMessage(payload); err != nil {
		log.Warn().Err(err).Str("service", "loop").Msg("drop signaling message")

		errorType := "internal"
		switch {
		case errors.Is(err, session.ErrMalformedMessage):
			errorType = "malformed_message"
		case errors.Is(err, session.ErrUnknownPeer):
			errorType = "unknown_peer"
		case errors.Is(err, session.ErrDuplicatePeer):
			errorType = "duplicate_peer"
		case errors.Is(err, session.ErrNegotiationPending):
			errorType = "negotiation_pending"
		case errors.Is(err, session.ErrNegotiation):
			errorType = "negotiation"
		}
		telemetry.ServiceOperationCounter.WithLabelValues("signaling_message", "error", errorType).Add(1)
		return
	}

	telemetry.ServiceOperationCounter.WithLabelValues("signaling_message", "success", "").Add(1)
}

func (l *Loop) handleEvent(ev media.Event) error {
	switch ev.Kind {
	case media.EventError:
		log.Error().Err(ev.Err).Str("service", "loop").Str("source", ev.Source).Str("debug", ev.Debug).Msg("engine error")
		return fmt.Errorf("%w: %s: %v", ErrEngineFatal, ev.Source, ev.Err)
	case media.EventWarning:
		log.Warn().Err(ev.Err).Str("service", "loop").Str("source", ev.Source).Str("debug", ev.Debug).Msg("engine warning")
	case media.EventLatency:
		if err := l.engine.RecalculateLatency(); err != nil {
			log.Warn().Err(err).Str("service", "loop").Msg("failed to recalculate latency")
		}
	default:
		log.Debug().Str("service", "loop").Str("source", ev.Source).Str("kind", ev.Kind.String()).Msg("engine event")
	}

	return nil
}

// flush writes every queued message in the order it was produced
func (l *Loop) flush(ctx context.Context) error {
	for _, m := range l.registry.Outbox().Drain() {
		payload, err := m.ToJSON()
		if err != nil {
			log.Error().Err(err).Str("service", "loop").Str("type", string(m.GetType())).Msg("can't encode message")
			continue
		}

		if err := l.transport.Send(ctx, payload); err != nil {
			return fmt.Errorf("send %s: %w", m.GetType(), err)
		}
	}

	return nil
}
