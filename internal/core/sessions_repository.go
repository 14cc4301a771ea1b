package core

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrPeerSessionNotFound = errors.New("peer session not found")

type PeerSessionsDBStorer interface {
	Save(*PeerSession) (*PeerSession, error)
	SetLeft(peerID PeerID, leftAt time.Time) error
	IncrementActivations(peerID PeerID) error
	SetFailure(peerID PeerID, reason string) error
	FindOpenByPeerID(peerID PeerID) (*PeerSession, error)
}

type PeerSessionsRepository struct {
	db *sqlx.DB
}

func NewPeerSessionsRepository(db *sqlx.DB) PeerSessionsDBStorer {
	return &PeerSessionsRepository{
		db: db,
	}
}

func (r *PeerSessionsRepository) Save(session *PeerSession) (*PeerSession, error) {
	var id int64

	err := r.db.Get(&id,
		`INSERT INTO peer_sessions
			(peer_id, joined_at)
		VALUES ($1, $2)
		RETURNING id`,
		string(session.PeerID),
		session.JoinedAt,
	)
	if err != nil {
		return nil, err
	}
	session.ID = id

	return session, nil
}

func (r *PeerSessionsRepository) SetLeft(peerID PeerID, leftAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE peer_sessions SET left_at = $1 WHERE peer_id = $2 AND left_at IS NULL`,
		leftAt,
		string(peerID),
	)
	return err
}

func (r *PeerSessionsRepository) IncrementActivations(peerID PeerID) error {
	_, err := r.db.Exec(
		`UPDATE peer_sessions SET activations = activations + 1 WHERE peer_id = $1 AND left_at IS NULL`,
		string(peerID),
	)
	return err
}

func (r *PeerSessionsRepository) SetFailure(peerID PeerID, reason string) error {
	_, err := r.db.Exec(
		`UPDATE peer_sessions SET failure = $1 WHERE peer_id = $2 AND left_at IS NULL`,
		reason,
		string(peerID),
	)
	return err
}

func (r *PeerSessionsRepository) FindOpenByPeerID(peerID PeerID) (*PeerSession, error) {
	session := &PeerSession{}

	err := r.db.Get(session,
		`SELECT
			id,
			peer_id,
			joined_at,
			left_at,
			activations,
			failure
		FROM peer_sessions
		WHERE peer_id = $1 AND left_at IS NULL
		ORDER BY joined_at DESC LIMIT 1`,
		string(peerID),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPeerSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}
