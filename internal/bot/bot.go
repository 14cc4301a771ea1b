// Package bot is a synthetic viewer: it joins through the signaling hub the
// way a browser does and publishes a VP8 file to the mixer.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/config"
	"github.com/isqad/splitstreamer/internal/protocol"
	"github.com/isqad/splitstreamer/internal/signaling"
)

var errNoPeerConnection = errors.New("peer connection is not created yet")

// Transport is the signaling connection of the bot
type Transport interface {
	Messages() <-chan []byte
	Send(ctx context.Context, payload []byte) error
}

type Options struct {
	// URL of the hub viewer endpoint, e.g. ws://localhost:8443/
	URL        string
	VideoFile  string
	STUNServer string
}

type Bot struct {
	Options

	transport Transport
	id        string

	lock              sync.Mutex
	peerConnection    *webrtc.PeerConnection
	videoTrack        *webrtc.TrackLocalStaticSample
	pendingCandidates []webrtc.ICECandidateInit
	connected         chan struct{}
}

func New(options Options) *Bot {
	return &Bot{
		Options:   options,
		connected: make(chan struct{}),
	}
}

// Start runs the bot until interrupted or until the hub drops it
func (bot *Bot) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := signaling.Dial(ctx, bot.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	err = bot.Run(ctx, client)
	if errors.Is(err, context.Canceled) {
		log.Info().Str("service", "bot").Msg("interrupt")
		return nil
	}

	return err
}

func (bot *Bot) Run(ctx context.Context, transport Transport) error {
	bot.transport = transport
	defer bot.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-transport.Messages():
			if !ok {
				log.Info().Str("service", "bot").Msg("signaling connection closed")
				return nil
			}
			if err := bot.handleMessage(ctx, payload); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("handle message")
			}
		}
	}
}

func (bot *Bot) Close() {
	bot.lock.Lock()
	pc := bot.peerConnection
	bot.peerConnection = nil
	bot.lock.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("close peer connection")
		}
	}
}

func (bot *Bot) handleMessage(ctx context.Context, payload []byte) error {
	m, err := protocol.Parse(payload)
	if err != nil {
		return err
	}

	switch msg := m.(type) {
	case *protocol.Hello:
		bot.id = msg.ID
		log.Info().Str("service", "bot").Str("ID", bot.id).Msg("connected to the hub, join")
		return bot.send(ctx, protocol.Join{})
	case *protocol.JoinAck:
		return bot.createPeerConnection(ctx)
	case *protocol.ServerMessage:
		switch p := msg.Payload.(type) {
		case *protocol.SDP:
			return bot.handleSDP(ctx, p)
		case *protocol.ICE:
			index := uint16(p.SDPMLineIndex)
			return bot.addICECandidate(webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMLineIndex: &index})
		}
		return fmt.Errorf("%w: unexpected payload", protocol.ErrMalformedMessage)
	default:
		log.Warn().Str("service", "bot").Str("type", string(m.GetType())).Msg("unexpected message")
		return nil
	}
}

func (bot *Bot) send(ctx context.Context, m protocol.Message) error {
	payload, err := m.ToJSON()
	if err != nil {
		return err
	}

	return bot.transport.Send(ctx, payload)
}

func (bot *Bot) createPeerConnection(ctx context.Context) error {
	conf := webrtc.Configuration{}
	if bot.STUNServer != "" {
		server, err := config.ICEServer(bot.STUNServer)
		if err != nil {
			return err
		}
		conf.ICEServers = append(conf.ICEServers, server)
	}

	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// All candidates are gathered
			return
		}

		init := candidate.ToJSON()
		var index uint32
		if init.SDPMLineIndex != nil {
			index = uint32(*init.SDPMLineIndex)
		}

		msg := protocol.NewClientMessage("", &protocol.ICE{Candidate: init.Candidate, SDPMLineIndex: index})
		if err := bot.send(ctx, msg); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("send ICE candidate")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("service", "bot").Str("state", s.String()).Msg("peer connection state has changed")

		if s == webrtc.PeerConnectionStateConnected {
			bot.lock.Lock()
			select {
			case <-bot.connected:
			default:
				close(bot.connected)
			}
			bot.lock.Unlock()
		}
	})

	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "splitstreamer-bot")
	if err != nil {
		pc.Close()
		return err
	}

	rtpSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return err
	}

	// Read incoming RTCP packets, interceptors such as NACK need it
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	bot.lock.Lock()
	bot.peerConnection = pc
	bot.videoTrack = videoTrack
	bot.lock.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	if err := bot.send(ctx, protocol.NewClientMessage("", &protocol.SDP{Type: protocol.SDPOffer, SDP: offer.SDP})); err != nil {
		return err
	}

	if bot.VideoFile != "" {
		go func() {
			if err := bot.stream(ctx); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("stream video")
			}
		}()
	}

	return nil
}

func (bot *Bot) handleSDP(ctx context.Context, desc *protocol.SDP) error {
	bot.lock.Lock()
	pc := bot.peerConnection
	bot.lock.Unlock()

	if pc == nil {
		return errNoPeerConnection
	}

	if err := bot.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}); err != nil {
		return err
	}

	if desc.Type != protocol.SDPOffer {
		return nil
	}

	// the mixer renegotiates
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}

	return bot.send(ctx, protocol.NewClientMessage("", &protocol.SDP{Type: protocol.SDPAnswer, SDP: answer.SDP}))
}

func (bot *Bot) addICECandidate(candidate webrtc.ICECandidateInit) error {
	bot.lock.Lock()
	defer bot.lock.Unlock()

	if bot.peerConnection == nil {
		return errNoPeerConnection
	}
	if bot.peerConnection.RemoteDescription() != nil {
		return bot.peerConnection.AddICECandidate(candidate)
	}

	bot.pendingCandidates = append(bot.pendingCandidates, candidate)

	return nil
}

func (bot *Bot) setRemoteDescription(sdp webrtc.SessionDescription) error {
	bot.lock.Lock()
	defer bot.lock.Unlock()

	if bot.peerConnection == nil {
		return errNoPeerConnection
	}
	if err := bot.peerConnection.SetRemoteDescription(sdp); err != nil {
		return err
	}

	for _, candidate := range bot.pendingCandidates {
		if err := bot.peerConnection.AddICECandidate(candidate); err != nil {
			return err
		}
	}

	bot.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}

// stream sends the IVF file frame by frame once the connection is up
func (bot *Bot) stream(ctx context.Context) error {
	file, err := os.Open(bot.VideoFile)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-bot.connected:
	}

	log.Info().Str("service", "bot").Str("file", bot.VideoFile).Msg("start streaming")

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)

	// a ticker does not accumulate skew the way sleeping would
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			log.Info().Str("service", "bot").Msg("all video frames parsed and sent")
			return nil
		}
		if err != nil {
			return err
		}

		bot.lock.Lock()
		track := bot.videoTrack
		bot.lock.Unlock()

		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
