package mediatest

import (
	"fmt"
	"sync"

	"github.com/isqad/splitstreamer/internal/media"
)

type Candidate struct {
	MLineIndex uint32
	Candidate  string
}

type Branch struct {
	// OfferErr, AnswerErr and RemoteErr make the matching operation fail
	OfferErr  error
	AnswerErr error
	RemoteErr error

	name   string
	kind   media.BranchKind
	engine *Engine

	mu         sync.Mutex
	local      *media.SessionDescription
	remote     *media.SessionDescription
	candidates []Candidate
	offers     int
	answers    int
	onICE      func(uint32, string)
	onReady    func(media.StreamKind)
}

func (b *Branch) Name() string {
	return b.name
}

func (b *Branch) Kind() media.BranchKind {
	return b.kind
}

// SDP returns a minimal session description body for the branch
func SDP(name string, t media.SDPType) string {
	return fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=%s-%s\r\nt=0 0\r\n", name, t)
}

func (b *Branch) CreateOffer(done func(media.SessionDescription, error)) {
	b.mu.Lock()
	b.offers++
	b.mu.Unlock()

	b.engine.enqueue(func() {
		if b.OfferErr != nil {
			done(media.SessionDescription{}, b.OfferErr)
			return
		}
		done(media.SessionDescription{Type: media.SDPOffer, SDP: SDP(b.name, media.SDPOffer)}, nil)
	})
}

func (b *Branch) CreateAnswer(done func(media.SessionDescription, error)) {
	b.mu.Lock()
	b.answers++
	b.mu.Unlock()

	b.engine.enqueue(func() {
		if b.AnswerErr != nil {
			done(media.SessionDescription{}, b.AnswerErr)
			return
		}
		done(media.SessionDescription{Type: media.SDPAnswer, SDP: SDP(b.name, media.SDPAnswer)}, nil)
	})
}

func (b *Branch) SetLocalDescription(desc media.SessionDescription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.local = &desc

	return nil
}

func (b *Branch) SetRemoteDescription(desc media.SessionDescription) error {
	if b.RemoteErr != nil {
		return b.RemoteErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.remote = &desc

	return nil
}

func (b *Branch) AddICECandidate(mlineIndex uint32, candidate string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.candidates = append(b.candidates, Candidate{MLineIndex: mlineIndex, Candidate: candidate})

	return nil
}

func (b *Branch) OnICECandidate(fn func(uint32, string)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onICE = fn
}

func (b *Branch) OnStreamReady(fn func(media.StreamKind)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onReady = fn
}

// EmitICECandidate simulates a locally gathered candidate
func (b *Branch) EmitICECandidate(mlineIndex uint32, candidate string) {
	b.mu.Lock()
	fn := b.onICE
	b.mu.Unlock()

	if fn != nil {
		fn(mlineIndex, candidate)
	}
}

// EmitStreamReady simulates media of the given kind arriving from the remote
func (b *Branch) EmitStreamReady(kind media.StreamKind) {
	b.mu.Lock()
	fn := b.onReady
	b.mu.Unlock()

	if fn != nil {
		fn(kind)
	}
}

func (b *Branch) LocalDescription() *media.SessionDescription {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.local
}

func (b *Branch) RemoteDescription() *media.SessionDescription {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.remote
}

func (b *Branch) Candidates() []Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Candidate(nil), b.candidates...)
}

func (b *Branch) Offers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.offers
}

func (b *Branch) Answers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.answers
}
