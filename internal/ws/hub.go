package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/protocol"
)

const (
	// MixerID is the hub id of the single mixer connection
	MixerID = "server"

	sessionIDKey = "id"
)

var errNoSessionID = errors.New("websocket session has no id")

// Hub relays signaling between viewers and the mixer. Viewers must join
// before their messages reach the mixer, and all of them are dropped when
// the mixer leaves.
type Hub struct {
	websocket *melody.Melody

	lock    sync.RWMutex
	mixer   *melody.Session
	clients map[string]*melody.Session
	joined  map[string]bool
}

func NewHub(websocket *melody.Melody) *Hub {
	h := &Hub{
		websocket: websocket,
		clients:   make(map[string]*melody.Session),
		joined:    make(map[string]bool),
	}

	websocket.HandleConnect(h.handleConnect)
	websocket.HandleDisconnect(h.handleDisconnect)
	websocket.HandleMessage(h.handleMessage)
	websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	return h
}

// MixerConnected reports whether a mixer holds the mixer slot
func (h *Hub) MixerConnected() bool {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.mixer != nil
}

// Clients returns the number of connected viewers, joined or not
func (h *Hub) Clients() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.clients)
}

func (h *Hub) handleConnect(s *melody.Session) {
	id, err := sessionID(s)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("reject connection")
		closeSession(s)
		return
	}

	h.lock.Lock()
	if id == MixerID {
		if h.mixer != nil {
			h.lock.Unlock()
			log.Warn().Str("service", "ws").Msg("mixer is already connected, reject")
			closeSession(s)
			return
		}
		h.mixer = s
	} else {
		if h.mixer == nil {
			h.lock.Unlock()
			log.Warn().Str("service", "ws").Str("ID", id).Msg("no mixer connected, reject client")
			closeSession(s)
			return
		}
		h.clients[id] = s
	}
	h.lock.Unlock()

	log.Info().Str("service", "ws").Str("ID", id).Msg("connected")

	write(s, protocol.NewHello(id))
}

func (h *Hub) handleDisconnect(s *melody.Session) {
	id, err := sessionID(s)
	if err != nil {
		return
	}

	if id == MixerID {
		h.lock.Lock()
		if h.mixer != s {
			h.lock.Unlock()
			return
		}
		h.mixer = nil
		clients := make([]*melody.Session, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[string]*melody.Session)
		h.joined = make(map[string]bool)
		h.lock.Unlock()

		log.Warn().Str("service", "ws").Int("clients", len(clients)).Msg("mixer disconnected, drop all clients")

		for _, c := range clients {
			closeSession(c)
		}
		return
	}

	h.lock.Lock()
	if h.clients[id] != s {
		h.lock.Unlock()
		return
	}
	delete(h.clients, id)
	h.lock.Unlock()

	log.Info().Str("service", "ws").Str("ID", id).Msg("disconnected")

	h.leave(id)
}

func (h *Hub) handleMessage(s *melody.Session, msg []byte) {
	id, err := sessionID(s)
	if err != nil {
		closeSession(s)
		return
	}

	if id == MixerID {
		h.fromMixer(msg)
		return
	}

	h.fromClient(id, s, msg)
}

// fromMixer delivers a server_message verbatim to the joined viewer it names
func (h *Hub) fromMixer(msg []byte) {
	m, err := protocol.Parse(msg)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("invalid message from mixer")
		return
	}
	sm, ok := m.(*protocol.ServerMessage)
	if !ok {
		log.Error().Str("service", "ws").Str("type", string(m.GetType())).Msg("unexpected message from mixer")
		return
	}

	peer := string(sm.Peer)

	h.lock.RLock()
	client, ok := h.clients[peer]
	joined := h.joined[peer]
	h.lock.RUnlock()

	if !ok || !joined {
		log.Warn().Str("service", "ws").Str("ID", peer).Msg("message for unknown client, drop")
		return
	}

	if err := client.Write(msg); err != nil {
		log.Error().Err(err).Str("service", "ws").Str("ID", peer).Msg("write to client")
	}
}

func (h *Hub) fromClient(id string, s *melody.Session, msg []byte) {
	t, data, err := protocol.Peek(msg)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Str("ID", id).Msg("invalid message from client")
		return
	}

	switch t {
	case protocol.JoinType:
		h.join(id, s)
	case protocol.ClientMessageType:
		h.relay(id, data)
	case protocol.ClientDisconnectType:
		h.leave(id)
	default:
		log.Error().Str("service", "ws").Str("ID", id).Str("type", string(t)).Msg("unexpected message from client")
	}
}

func (h *Hub) join(id string, s *melody.Session) {
	h.lock.Lock()
	mixer := h.mixer
	if mixer == nil || h.joined[id] {
		h.lock.Unlock()
		return
	}
	h.joined[id] = true
	h.lock.Unlock()

	log.Info().Str("service", "ws").Str("ID", id).Msg("client joined")

	write(s, protocol.JoinAck{})
	write(mixer, protocol.NewClientJoin(core.PeerID(id)))
}

// relay stamps the sender id on a viewer's packet and hands it to the mixer
func (h *Hub) relay(id string, data json.RawMessage) {
	h.lock.RLock()
	mixer := h.mixer
	joined := h.joined[id]
	h.lock.RUnlock()

	if mixer == nil || !joined {
		log.Warn().Str("service", "ws").Str("ID", id).Msg("client_message before join, drop")
		return
	}

	packet := protocol.PeerPacket{}
	if err := json.Unmarshal(data, &packet); err != nil {
		log.Error().Err(err).Str("service", "ws").Str("ID", id).Msg("invalid client_message")
		return
	}

	write(mixer, protocol.NewClientMessage(core.PeerID(id), packet.Payload))
}

func (h *Hub) leave(id string) {
	h.lock.Lock()
	mixer := h.mixer
	joined := h.joined[id]
	delete(h.joined, id)
	h.lock.Unlock()

	if !joined || mixer == nil {
		return
	}

	log.Info().Str("service", "ws").Str("ID", id).Msg("client left")

	write(mixer, protocol.NewClientDisconnect(core.PeerID(id)))
}

func newSessionKeys(id string) map[string]interface{} {
	return map[string]interface{}{sessionIDKey: id}
}

func newClientID() string {
	return uuid.NewString()
}

func sessionID(s *melody.Session) (string, error) {
	v, ok := s.Get(sessionIDKey)
	if !ok {
		return "", errNoSessionID
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", errNoSessionID
	}

	return id, nil
}

func write(s *melody.Session, m protocol.Message) {
	payload, err := m.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Str("type", string(m.GetType())).Msg("encode message")
		return
	}
	if err := s.Write(payload); err != nil {
		log.Error().Err(err).Str("service", "ws").Str("type", string(m.GetType())).Msg("write message")
	}
}

func closeSession(s *melody.Session) {
	if err := s.Close(); err != nil {
		log.Debug().Err(err).Str("service", "ws").Msg("close websocket session")
	}
}
