package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/isqad/splitstreamer/internal/core"
)

type PayloadType string

const (
	SDPPayload PayloadType = "sdp"
	ICEPayload PayloadType = "ice"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Payload is the peer-addressed part of client and server messages
type Payload interface {
	PayloadType() PayloadType
}

type SDP struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

func (p SDP) PayloadType() PayloadType {
	return SDPPayload
}

type ICE struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint32 `json:"sdpMLineIndex"`
}

func (p ICE) PayloadType() PayloadType {
	return ICEPayload
}

// PeerPacket is {"peer": ..., "type": "sdp"|"ice", "data": {...}}
type PeerPacket struct {
	Peer    core.PeerID
	Payload Payload
}

type rawPeerPacket struct {
	Peer core.PeerID     `json:"peer,omitempty"`
	Type PayloadType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (p PeerPacket) MarshalJSON() ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("%w: peer packet without payload", ErrMalformedMessage)
	}

	data, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(rawPeerPacket{
		Peer: p.Peer,
		Type: p.Payload.PayloadType(),
		Data: data,
	})
}

// UnmarshalJSON does not require the peer: viewers omit it and the hub fills it in.
func (p *PeerPacket) UnmarshalJSON(b []byte) error {
	raw := rawPeerPacket{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(raw.Data) == 0 {
		return fmt.Errorf("%w: %q payload without data", ErrMalformedMessage, raw.Type)
	}

	switch raw.Type {
	case SDPPayload:
		var sdp struct {
			Type *SDPType `json:"type"`
			SDP  *string  `json:"sdp"`
		}
		if err := json.Unmarshal(raw.Data, &sdp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if sdp.Type == nil || sdp.SDP == nil {
			return fmt.Errorf("%w: sdp payload requires type and sdp", ErrMalformedMessage)
		}
		if *sdp.Type != SDPOffer && *sdp.Type != SDPAnswer {
			return fmt.Errorf("%w: sdp type is neither offer nor answer but %q", ErrMalformedMessage, *sdp.Type)
		}
		p.Payload = &SDP{Type: *sdp.Type, SDP: *sdp.SDP}
	case ICEPayload:
		var ice struct {
			Candidate     *string `json:"candidate"`
			SDPMLineIndex *uint32 `json:"sdpMLineIndex"`
		}
		if err := json.Unmarshal(raw.Data, &ice); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if ice.Candidate == nil || ice.SDPMLineIndex == nil {
			return fmt.Errorf("%w: ice payload requires candidate and sdpMLineIndex", ErrMalformedMessage)
		}
		p.Payload = &ICE{Candidate: *ice.Candidate, SDPMLineIndex: *ice.SDPMLineIndex}
	default:
		return fmt.Errorf("%w: unknown payload type %q", ErrMalformedMessage, raw.Type)
	}

	p.Peer = raw.Peer

	return nil
}
