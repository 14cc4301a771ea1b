package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/session"
)

type PeerResponse struct {
	ID      core.PeerID `json:"id"`
	State   string      `json:"state"`
	Running bool        `json:"running"`
	OnAir   bool        `json:"on_air"`
}

type PeersResponse struct {
	ActiveBranch string         `json:"active_branch"`
	Peers        []PeerResponse `json:"peers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func PeersIndexHandler(peers PeersController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := peers.ActiveBranch()
		resp := PeersResponse{ActiveBranch: active, Peers: []PeerResponse{}}

		for _, id := range peers.Peers() {
			// the peer may have left between the two calls
			if p, ok := peers.Peer(id); ok {
				resp.Peers = append(resp.Peers, newPeerResponse(p, active))
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func PeerShowHandler(peers PeersController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.PeerID(chi.URLParam(r, "id"))

		p, ok := peers.Peer(id)
		if !ok {
			writeError(w, http.StatusNotFound, session.ErrUnknownPeer)
			return
		}

		writeJSON(w, http.StatusOK, newPeerResponse(p, peers.ActiveBranch()))
	}
}

func PeerDeleteHandler(peers PeersController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.PeerID(chi.URLParam(r, "id"))

		if _, ok := peers.Peer(id); !ok {
			writeError(w, http.StatusNotFound, session.ErrUnknownPeer)
			return
		}

		log.Info().Str("service", "api").Str("ID", string(id)).Msg("remove peer on request")
		peers.RemovePeer(id)

		w.WriteHeader(http.StatusNoContent)
	}
}

func PeerNegotiateHandler(peers PeersController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.PeerID(chi.URLParam(r, "id"))

		err := peers.Negotiate(id)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, session.ErrUnknownPeer):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, session.ErrNegotiationPending), errors.Is(err, session.ErrPeerClosed):
			writeError(w, http.StatusConflict, err)
		default:
			log.Error().Err(err).Str("service", "api").Str("ID", string(id)).Msg("can't start negotiation")
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func newPeerResponse(p *session.Peer, active string) PeerResponse {
	return PeerResponse{
		ID:      p.ID,
		State:   p.State().String(),
		Running: p.Running(),
		OnAir:   string(p.ID) == active,
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}
