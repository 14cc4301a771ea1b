package bot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/protocol"
)

type MockTransport struct {
	sync.Mutex
	Inbound chan []byte
	sent    [][]byte
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Inbound: make(chan []byte)}
}

func (t *MockTransport) Messages() <-chan []byte {
	return t.Inbound
}

func (t *MockTransport) Send(_ context.Context, payload []byte) error {
	t.Lock()
	defer t.Unlock()

	t.sent = append(t.sent, payload)

	return nil
}

// Sent decodes what the bot sent: the type and, for client messages, the packet
func (t *MockTransport) Sent(tb testing.TB) ([]protocol.Type, []protocol.PeerPacket) {
	t.Lock()
	defer t.Unlock()

	types := make([]protocol.Type, 0, len(t.sent))
	packets := make([]protocol.PeerPacket, 0)
	for _, payload := range t.sent {
		mt, data, err := protocol.Peek(payload)
		require.NoError(tb, err)
		types = append(types, mt)

		if mt == protocol.ClientMessageType {
			packet := protocol.PeerPacket{}
			require.NoError(tb, json.Unmarshal(data, &packet))
			packets = append(packets, packet)
		}
	}

	return types, packets
}

func encode(t *testing.T, m protocol.Message) []byte {
	payload, err := m.ToJSON()
	require.NoError(t, err)

	return payload
}

func firstOffer(packets []protocol.PeerPacket) (*protocol.SDP, bool) {
	for _, p := range packets {
		if sdp, ok := p.Payload.(*protocol.SDP); ok && sdp.Type == protocol.SDPOffer {
			return sdp, true
		}
	}

	return nil, false
}

func TestBot(t *testing.T) {
	ctx := context.Background()

	t.Run("joins after hello", func(t *testing.T) {
		transport := NewMockTransport()
		b := New(Options{})
		b.transport = transport
		defer b.Close()

		require.NoError(t, b.handleMessage(ctx, encode(t, protocol.NewHello("alice"))))

		types, _ := transport.Sent(t)
		assert.Equal(t, []protocol.Type{protocol.JoinType}, types)
		assert.Equal(t, "alice", b.id)
	})

	t.Run("offers video after join_ack", func(t *testing.T) {
		transport := NewMockTransport()
		b := New(Options{})
		b.transport = transport
		defer b.Close()

		require.NoError(t, b.handleMessage(ctx, encode(t, protocol.JoinAck{})))

		_, packets := transport.Sent(t)
		offer, ok := firstOffer(packets)
		require.True(t, ok)
		assert.Contains(t, offer.SDP, "m=video")
		for _, p := range packets {
			assert.Empty(t, p.Peer)
		}
	})

	t.Run("answer and candidates from the mixer", func(t *testing.T) {
		transport := NewMockTransport()
		b := New(Options{})
		b.transport = transport
		defer b.Close()

		require.NoError(t, b.handleMessage(ctx, encode(t, protocol.JoinAck{})))
		_, packets := transport.Sent(t)
		offer, ok := firstOffer(packets)
		require.True(t, ok)

		candidate := protocol.NewICEServerMessage("alice", 0, "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host")
		require.NoError(t, b.handleMessage(ctx, encode(t, candidate)))

		b.lock.Lock()
		assert.Len(t, b.pendingCandidates, 1)
		b.lock.Unlock()

		mixer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		require.NoError(t, err)
		defer mixer.Close()

		require.NoError(t, mixer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}))
		answer, err := mixer.CreateAnswer(nil)
		require.NoError(t, err)

		msg := protocol.NewSDPServerMessage(core.PeerID("alice"), protocol.SDPAnswer, answer.SDP)
		require.NoError(t, b.handleMessage(ctx, encode(t, msg)))

		b.lock.Lock()
		assert.Empty(t, b.pendingCandidates)
		assert.NotNil(t, b.peerConnection.RemoteDescription())
		b.lock.Unlock()
	})

	t.Run("server messages before join", func(t *testing.T) {
		b := New(Options{})
		b.transport = NewMockTransport()

		msg := protocol.NewSDPServerMessage("alice", protocol.SDPAnswer, "v=0\r\n")
		assert.ErrorIs(t, b.handleMessage(ctx, encode(t, msg)), errNoPeerConnection)
	})

	t.Run("run ends with the transport", func(t *testing.T) {
		transport := NewMockTransport()
		b := New(Options{})

		done := make(chan error, 1)
		go func() { done <- b.Run(ctx, transport) }()

		transport.Inbound <- encode(t, protocol.NewHello("alice"))
		close(transport.Inbound)

		assert.NoError(t, <-done)
		types, _ := transport.Sent(t)
		assert.Equal(t, []protocol.Type{protocol.JoinType}, types)
	})
}
