package ws

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// MixerHandler upgrades the mixer connection, only one mixer at a time
func MixerHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hub.MixerConnected() {
			http.Error(w, "mixer is already connected", http.StatusConflict)
			return
		}

		if err := hub.websocket.HandleRequestWithKeys(w, r, newSessionKeys(MixerID)); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle mixer request")
		}
	}
}

// ClientHandler upgrades a viewer connection under a fresh id
func ClientHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hub.MixerConnected() {
			http.Error(w, "no mixer connected", http.StatusServiceUnavailable)
			return
		}

		if err := hub.websocket.HandleRequestWithKeys(w, r, newSessionKeys(newClientID())); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle client request")
		}
	}
}
