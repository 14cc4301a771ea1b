package eventbus

import (
	"context"

	"github.com/isqad/splitstreamer/internal/core"
)

// StorePublisher records lifecycle events in the peer session log
type StorePublisher struct {
	repo core.PeerSessionsDBStorer
}

func NewStorePublisher(repo core.PeerSessionsDBStorer) *StorePublisher {
	return &StorePublisher{repo: repo}
}

func (p *StorePublisher) Publish(_ context.Context, e *Event) error {
	if e.PeerID == "" {
		return nil
	}

	switch e.Type {
	case PeerJoined:
		_, err := p.repo.Save(core.NewPeerSession(e.PeerID, e.Time))
		return err
	case PeerLeft:
		return p.repo.SetLeft(e.PeerID, e.Time)
	case BranchActivated:
		return p.repo.IncrementActivations(e.PeerID)
	case NegotiationFailed:
		return p.repo.SetFailure(e.PeerID, e.Error)
	default:
		return nil
	}
}
