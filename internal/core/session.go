package core

import (
	"time"
)

// PeerSession is one row of the peer session log:
//
//	CREATE TABLE peer_sessions (
//		id bigserial PRIMARY KEY,
//		peer_id text NOT NULL,
//		joined_at timestamptz NOT NULL,
//		left_at timestamptz,
//		activations integer NOT NULL DEFAULT 0,
//		failure text
//	);
type PeerSession struct {
	ID          int64      `json:"id,omitempty" db:"id"`
	PeerID      PeerID     `json:"peer_id" db:"peer_id"`
	JoinedAt    time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty" db:"left_at"`
	Activations int        `json:"activations" db:"activations"`
	Failure     *string    `json:"failure,omitempty" db:"failure"`
}

func NewPeerSession(peerID PeerID, joinedAt time.Time) *PeerSession {
	return &PeerSession{
		PeerID:   peerID,
		JoinedAt: joinedAt,
	}
}

// Open reports whether the peer has not left yet
func (s *PeerSession) Open() bool {
	return s.LeftAt == nil
}
