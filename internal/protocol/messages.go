package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/isqad/splitstreamer/internal/core"
)

type Type string

const (
	HelloType            Type = "hello"
	JoinType             Type = "join"
	JoinAckType          Type = "join_ack"
	ClientJoinType       Type = "client_join"
	ClientDisconnectType Type = "client_disconnect"
	ClientMessageType    Type = "client_message"
	ServerMessageType    Type = "server_message"
)

var (
	ErrUnknownType      = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is one signaling frame: {"type": ..., "data": ...}
type Message interface {
	GetType() Type
	ToJSON() ([]byte, error)
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encode(t Type, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{Type: t, Data: raw})
}

// Peek returns the type and the raw data of a frame without decoding the data.
func Peek(payload []byte) (Type, json.RawMessage, error) {
	env := &envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: no type", ErrMalformedMessage)
	}

	return env.Type, env.Data, nil
}

func Parse(payload []byte) (Message, error) {
	t, data, err := Peek(payload)
	if err != nil {
		return nil, err
	}

	switch t {
	case HelloType:
		m := &Hello{}
		if err := decodeData(data, m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: hello without id", ErrMalformedMessage)
		}
		return m, nil
	case JoinType:
		return &Join{}, nil
	case JoinAckType:
		return &JoinAck{}, nil
	case ClientJoinType:
		m := &ClientJoin{}
		if err := decodeData(data, m); err != nil {
			return nil, err
		}
		if m.Peer == "" {
			return nil, fmt.Errorf("%w: %s without peer", ErrMalformedMessage, t)
		}
		return m, nil
	case ClientDisconnectType:
		m := &ClientDisconnect{}
		if err := decodeData(data, m); err != nil {
			return nil, err
		}
		if m.Peer == "" {
			return nil, fmt.Errorf("%w: %s without peer", ErrMalformedMessage, t)
		}
		return m, nil
	case ClientMessageType, ServerMessageType:
		packet := PeerPacket{}
		if err := decodeData(data, &packet); err != nil {
			return nil, err
		}
		if packet.Peer == "" {
			return nil, fmt.Errorf("%w: %s without peer", ErrMalformedMessage, t)
		}
		if t == ClientMessageType {
			return &ClientMessage{packet}, nil
		}
		return &ServerMessage{packet}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func MessageFromReader(reader io.Reader) (Message, error) {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	return Parse(payload)
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no data", ErrMalformedMessage)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return nil
}

type Hello struct {
	ID string `json:"id"`
}

func NewHello(id string) *Hello {
	return &Hello{ID: id}
}

func (m Hello) GetType() Type {
	return HelloType
}

func (m Hello) ToJSON() ([]byte, error) {
	return encode(HelloType, m)
}

// Join is sent by a viewer that wants to take part in the session
type Join struct{}

func (m Join) GetType() Type {
	return JoinType
}

func (m Join) ToJSON() ([]byte, error) {
	return encode(JoinType, struct{}{})
}

type JoinAck struct{}

func (m JoinAck) GetType() Type {
	return JoinAckType
}

func (m JoinAck) ToJSON() ([]byte, error) {
	return encode(JoinAckType, struct{}{})
}

type ClientJoin struct {
	Peer core.PeerID `json:"peer"`
}

func NewClientJoin(peer core.PeerID) *ClientJoin {
	return &ClientJoin{Peer: peer}
}

func (m ClientJoin) GetType() Type {
	return ClientJoinType
}

func (m ClientJoin) ToJSON() ([]byte, error) {
	return encode(ClientJoinType, m)
}

type ClientDisconnect struct {
	Peer core.PeerID `json:"peer"`
}

func NewClientDisconnect(peer core.PeerID) *ClientDisconnect {
	return &ClientDisconnect{Peer: peer}
}

func (m ClientDisconnect) GetType() Type {
	return ClientDisconnectType
}

func (m ClientDisconnect) ToJSON() ([]byte, error) {
	return encode(ClientDisconnectType, m)
}

// ClientMessage carries a viewer's payload towards the mixer
type ClientMessage struct {
	PeerPacket
}

func NewClientMessage(peer core.PeerID, payload Payload) *ClientMessage {
	return &ClientMessage{PeerPacket{Peer: peer, Payload: payload}}
}

func (m ClientMessage) GetType() Type {
	return ClientMessageType
}

func (m ClientMessage) ToJSON() ([]byte, error) {
	return encode(ClientMessageType, m.PeerPacket)
}

// ServerMessage carries the mixer's payload towards one viewer
type ServerMessage struct {
	PeerPacket
}

func NewServerMessage(peer core.PeerID, payload Payload) *ServerMessage {
	return &ServerMessage{PeerPacket{Peer: peer, Payload: payload}}
}

func NewSDPServerMessage(peer core.PeerID, kind SDPType, sdp string) *ServerMessage {
	return NewServerMessage(peer, &SDP{Type: kind, SDP: sdp})
}

func NewICEServerMessage(peer core.PeerID, mlineIndex uint32, candidate string) *ServerMessage {
	return NewServerMessage(peer, &ICE{Candidate: candidate, SDPMLineIndex: mlineIndex})
}

func (m ServerMessage) GetType() Type {
	return ServerMessageType
}

func (m ServerMessage) ToJSON() ([]byte, error) {
	return encode(ServerMessageType, m.PeerPacket)
}
