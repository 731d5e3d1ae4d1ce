// Package rtc implements the media side of a link on pion/webrtc.
package rtc

import (
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AudioLevelURI is the RFC 6464 client-to-mixer audio level header extension.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

const eventBuffer = 128

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Engine builds PeerConnections that share one codec and extension setup.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewEngine(iceServers []string) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level: %w", err)
	}
	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg: DefaultWebRTCConfig(iceServers),
	}, nil
}

// Factory is the peer.SessionFactory backed by this engine.
func (e *Engine) Factory() peer.SessionFactory {
	return func(remote domain.ParticipantID, emit func(peer.Event)) (peer.Session, error) {
		return e.NewConnection(remote, emit)
	}
}

// WebRTCConnection is one PeerConnection seen as a peer.Session. Engine
// callbacks are queued and handed to emit from a single goroutine, in order.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	logger zerolog.Logger

	events chan peer.Event
	done   chan struct{}

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	closed  bool
}

func (e *Engine) NewConnection(remote domain.ParticipantID, emit func(peer.Event)) (*WebRTCConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:      pc,
		remote:  remote,
		logger:  log.With().Str("module", "webrtc").Str("remote", remote.String()).Logger(),
		events:  make(chan peer.Event, eventBuffer),
		done:    make(chan struct{}),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.queue(peer.ConnectionState(s))
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.queue(peer.LocalCandidate(cand.ToJSON()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.queue(peer.RemoteTrack(track))
	})

	go func() {
		for {
			select {
			case ev := <-c.events:
				emit(ev)
			case <-c.done:
				return
			}
		}
	}()
	return c, nil
}

func (c *WebRTCConnection) queue(ev peer.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and keeps its RTCP drained.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[track.Kind()] = sender
	c.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s sender: %w", kind, domain.ErrNoSuchTrack)
	}
	return sender.ReplaceTrack(track)
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.pc.Close()
	close(c.done)
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
