package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/vad"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// maxPending bounds the bins kept between two Frame calls.
const maxPending = 512

var errSourceClosed = errors.New("audio level source closed")

// EnergyFromLevel maps an RFC 6464 level (0 loudest, 127 silent, in -dBov)
// onto the 0-255 energy scale the detector thresholds.
func EnergyFromLevel(level uint8) byte {
	if level > 127 {
		level = 127
	}
	return byte(255 - 2*int(level))
}

// AudioLevelSource feeds the detector from the audio-level header extension
// of a remote track, so no decoding is needed.
type AudioLevelSource struct {
	read func() (*rtp.Packet, error)

	mu      sync.Mutex
	pending []byte
	err     error
	closed  bool
}

// NewAudioLevelSource starts reading track. Reading stops when the track ends.
func NewAudioLevelSource(track *webrtc.TrackRemote) vad.Source {
	return newAudioLevelSource(func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

func newAudioLevelSource(read func() (*rtp.Packet, error)) *AudioLevelSource {
	s := &AudioLevelSource{read: read}
	go s.loop()
	return s
}

func (s *AudioLevelSource) loop() {
	for {
		pkt, err := s.read()
		if err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		level, ok := audioLevel(pkt)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if ok && len(s.pending) < maxPending {
			s.pending = append(s.pending, EnergyFromLevel(level))
		}
		s.mu.Unlock()
	}
}

// audioLevel finds the one-byte extension carrying the level. The id is
// negotiated per session, so every one-byte element is tried.
func audioLevel(pkt *rtp.Packet) (uint8, bool) {
	if pkt == nil || !pkt.Header.Extension {
		return 0, false
	}
	for _, id := range pkt.Header.GetExtensionIDs() {
		payload := pkt.Header.GetExtension(id)
		if len(payload) != 1 {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(payload); err != nil {
			continue
		}
		return ext.Level, true
	}
	return 0, false
}

// Frame returns the bins seen since the previous call. Once the track has
// ended and everything was handed out it returns the read error.
func (s *AudioLevelSource) Frame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}
	out := s.pending
	s.pending = nil
	if len(out) == 0 && s.err != nil {
		return nil, s.err
	}
	return out, nil
}

func (s *AudioLevelSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	return nil
}
