package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/splitstreamer/internal/core"
)

type MockPublisher struct {
	sync.Mutex
	Events []*Event
	Err    error
}

func (p *MockPublisher) Publish(_ context.Context, e *Event) error {
	p.Lock()
	defer p.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.Events = append(p.Events, e)

	return nil
}

func (p *MockPublisher) Received() []*Event {
	p.Lock()
	defer p.Unlock()

	return append([]*Event(nil), p.Events...)
}

func TestDispatcher(t *testing.T) {
	t.Run("fans out to every publisher", func(t *testing.T) {
		first := &MockPublisher{}
		failing := &MockPublisher{Err: errors.New("connection refused")}
		last := &MockPublisher{}

		d := NewDispatcher(first, failing, last)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go d.Run(ctx)

		d.Dispatch(NewEvent(PeerJoined, "alice"))
		d.Dispatch(NewEvent(PeerLeft, "alice"))

		assert.Eventually(t, func() bool {
			return len(first.Received()) == 2 && len(last.Received()) == 2
		}, time.Second, 10*time.Millisecond)

		events := last.Received()
		assert.Equal(t, PeerJoined, events[0].Type)
		assert.Equal(t, PeerLeft, events[1].Type)
		d.Close()
	})

	t.Run("does not block when nobody drains the queue", func(t *testing.T) {
		d := NewDispatcher(&MockPublisher{})

		for i := 0; i < dispatcherQueueSize*2; i++ {
			d.Dispatch(NewEvent(BranchActivated, "alice"))
		}

		assert.Len(t, d.events, dispatcherQueueSize)
	})

	t.Run("ignores events after close", func(t *testing.T) {
		d := NewDispatcher(&MockPublisher{})
		d.Close()
		d.Close()

		d.Dispatch(NewEvent(PeerJoined, "alice"))
		assert.Len(t, d.events, 0)
	})

	t.Run("drains queued events on shutdown", func(t *testing.T) {
		p := &MockPublisher{}
		d := NewDispatcher(p)

		d.Dispatch(NewEvent(PeerLeft, "alice"))
		d.Dispatch(NewEvent(PeerLeft, "bob"))
		d.Close()
		d.Drain(context.Background())

		events := p.Received()
		require.Len(t, events, 2)
		assert.Equal(t, core.PeerID("bob"), events[1].PeerID)
		assert.Len(t, d.events, 0)
	})
}

func TestEventToJSON(t *testing.T) {
	e := NewEvent(BranchActivated, "alice")
	e.Branch = "alice"
	e.Time = time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)

	b, err := e.ToJSON()
	require.Nil(t, err)
	assert.JSONEq(t, `{"type":"branch_activated","peer_id":"alice","branch":"alice","time":"2022-05-01T12:00:00Z"}`, string(b))
}
