// Package api is the mixer's control surface: operators list the connected
// peers, kick one out or ask for a fresh offer.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/session"
)

// PeersController is the part of the session registry the API drives
type PeersController interface {
	Peers() []core.PeerID
	Peer(id core.PeerID) (*session.Peer, bool)
	ActiveBranch() string
	RemovePeer(id core.PeerID)
	Negotiate(id core.PeerID) error
}

func Router(peers PeersController) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/peers", PeersIndexHandler(peers))
	r.Route("/peers/{id}", func(r chi.Router) {
		r.Get("/", PeerShowHandler(peers))
		r.Delete("/", PeerDeleteHandler(peers))
		r.Post("/negotiate", PeerNegotiateHandler(peers))
	})

	return r
}
