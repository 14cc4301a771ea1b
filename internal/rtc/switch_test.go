package rtc

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/splitstreamer/internal/media"
)

func packet(seq uint16, ts uint32, ssrc uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: []byte{0x01, 0x02},
	}
}

func TestRewriter(t *testing.T) {
	r := newRewriter(1234)

	first := packet(100, 9000, 1)
	r.rewrite(first)
	assert.Equal(t, uint32(1234), first.SSRC)
	assert.Equal(t, uint16(100), first.SequenceNumber)
	assert.Equal(t, uint32(9000), first.Timestamp)

	second := packet(101, 12000, 1)
	r.rewrite(second)
	assert.Equal(t, uint16(101), second.SequenceNumber)
	assert.Equal(t, uint32(12000), second.Timestamp)

	r.switchSource()

	other := packet(5000, 700, 2)
	r.rewrite(other)
	assert.Equal(t, uint32(1234), other.SSRC)
	assert.Equal(t, uint16(102), other.SequenceNumber)
	assert.Equal(t, uint32(12001), other.Timestamp)

	next := packet(5001, 3700, 2)
	r.rewrite(next)
	assert.Equal(t, uint16(103), next.SequenceNumber)
	assert.Equal(t, uint32(15001), next.Timestamp)
}

func TestRewriterWrapsAround(t *testing.T) {
	r := newRewriter(1)

	r.rewrite(packet(65535, 4294967295, 1))
	r.switchSource()

	p := packet(10, 10, 2)
	r.rewrite(p)
	assert.Equal(t, uint16(0), p.SequenceNumber)
	assert.Equal(t, uint32(0), p.Timestamp)
}

func TestPortsAllocator(t *testing.T) {
	p := NewPortsAllocator(2)

	first, err := p.Allocate()
	require.NoError(t, err)
	second, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	_, err = p.Allocate()
	assert.ErrorIs(t, err, errNoFreePorts)

	p.Deallocate(first)
	assert.False(t, p.Allocated(first))
	assert.True(t, p.Allocated(second))

	again, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.False(t, p.Allocated(-1))
	assert.False(t, p.Allocated(2))
}

func TestSwitch(t *testing.T) {
	a := &Branch{name: "a"}
	b := &Branch{name: "b"}

	newTestSwitch := func(t *testing.T) (*Switch, *bytes.Buffer, media.PortRef, media.PortRef) {
		sw := newSwitch(media.Video, 42)
		out := &bytes.Buffer{}
		sw.setOutput(out)

		portA, err := sw.requestPort()
		require.NoError(t, err)
		portB, err := sw.requestPort()
		require.NoError(t, err)
		require.NoError(t, sw.connect(portA.Index, a))
		require.NoError(t, sw.connect(portB.Index, b))

		return sw, out, portA, portB
	}

	t.Run("forwards only the active branch", func(t *testing.T) {
		sw, out, portA, _ := newTestSwitch(t)

		written, err := sw.forward(a, packet(1, 1, 7))
		require.NoError(t, err)
		assert.False(t, written)

		active, err := sw.activate(portA.Index)
		require.NoError(t, err)
		assert.Equal(t, a, active)

		written, err = sw.forward(b, packet(1, 1, 8))
		require.NoError(t, err)
		assert.False(t, written)
		assert.Zero(t, out.Len())

		written, err = sw.forward(a, packet(1, 1, 7))
		require.NoError(t, err)
		assert.True(t, written)

		sent := &rtp.Packet{}
		require.NoError(t, sent.Unmarshal(out.Bytes()))
		assert.Equal(t, uint32(42), sent.SSRC)
		assert.Equal(t, []byte{0x01, 0x02}, sent.Payload)
	})

	t.Run("activating an unlinked port fails", func(t *testing.T) {
		sw, _, _, _ := newTestSwitch(t)

		_, err := sw.activate(10)
		assert.ErrorIs(t, err, media.ErrUnknownHandle)
	})

	t.Run("releasing the active port silences the output", func(t *testing.T) {
		sw, out, portA, _ := newTestSwitch(t)

		_, err := sw.activate(portA.Index)
		require.NoError(t, err)
		require.NoError(t, sw.releasePort(portA.Index))
		assert.Nil(t, sw.activeBranch())

		written, err := sw.forward(a, packet(1, 1, 7))
		require.NoError(t, err)
		assert.False(t, written)
		assert.Zero(t, out.Len())

		assert.ErrorIs(t, sw.releasePort(portA.Index), media.ErrUnknownHandle)
	})

	t.Run("port names", func(t *testing.T) {
		_, _, portA, portB := newTestSwitch(t)

		assert.Equal(t, "video-switch.sink_0", portA.Name())
		assert.Equal(t, "video-switch.sink_1", portB.Name())
	})
}
