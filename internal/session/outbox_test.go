package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isqad/splitstreamer/internal/protocol"
)

func TestOutbox(t *testing.T) {
	t.Run("keeps push order", func(t *testing.T) {
		o := NewOutbox()

		assert.True(t, o.Push(protocol.NewICEServerMessage("a", 0, "candidate:1")))
		assert.True(t, o.Push(protocol.NewICEServerMessage("b", 0, "candidate:2")))
		assert.True(t, o.Push(protocol.NewICEServerMessage("a", 1, "candidate:3")))
		assert.Equal(t, 3, o.Len())

		select {
		case <-o.Ready():
		default:
			t.Fatal("outbox is not ready")
		}

		messages := o.Drain()
		assert.Len(t, messages, 3)
		for i, candidate := range []string{"candidate:1", "candidate:2", "candidate:3"} {
			assert.Equal(t, candidate, messages[i].(*protocol.ServerMessage).Payload.(*protocol.ICE).Candidate)
		}
		assert.Empty(t, o.Drain())
	})

	t.Run("rejects pushes after close", func(t *testing.T) {
		o := NewOutbox()
		o.Close()
		o.Close()

		assert.False(t, o.Push(protocol.NewHello("server")))
		assert.Equal(t, 0, o.Len())

		select {
		case <-o.Done():
		default:
			t.Fatal("outbox is not done")
		}
	})
}
