package session

import (
	"errors"

	"github.com/isqad/splitstreamer/internal/protocol"
)

var (
	ErrDuplicatePeer = errors.New("duplicate peer")
	ErrUnknownPeer   = errors.New("unknown peer")
	// ErrMalformedMessage is shared with the protocol decoder so callers can test for either
	ErrMalformedMessage = protocol.ErrMalformedMessage
	// ErrNegotiation tears the offending peer down
	ErrNegotiation        = errors.New("negotiation error")
	ErrNegotiationPending = errors.New("negotiation already in progress")
	ErrPeerClosed         = errors.New("peer is closed")
)
