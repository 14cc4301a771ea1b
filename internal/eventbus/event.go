package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/isqad/splitstreamer/internal/core"
)

type EventType string

const (
	PeerJoined        EventType = "peer_joined"
	PeerLeft          EventType = "peer_left"
	BranchActivated   EventType = "branch_activated"
	NegotiationFailed EventType = "negotiation_failed"
)

// Event is a session lifecycle notification published to the outside world
type Event struct {
	Type   EventType   `json:"type"`
	PeerID core.PeerID `json:"peer_id,omitempty"`
	Branch string      `json:"branch,omitempty"`
	Error  string      `json:"error,omitempty"`
	Time   time.Time   `json:"time"`
}

func NewEvent(t EventType, peerID core.PeerID) *Event {
	return &Event{
		Type:   t,
		PeerID: peerID,
		Time:   time.Now().UTC(),
	}
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}
