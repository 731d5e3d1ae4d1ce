package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	packetInterval = 20 * time.Millisecond
	opusClockRate  = 48000
	// audioLevelExtID is the id pion assigns to the first registered extension.
	audioLevelExtID = 1
)

// opusSilence is a single Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Capture is a synthetic microphone for headless participants: it produces
// Opus silence frames tagged with an audio level that follows Pattern.
type Capture struct {
	StreamID string
	// Denied makes every request fail like a refused device.
	Denied bool
	// Pattern alternates talking and pausing; empty means always quiet.
	Pattern []time.Duration

	mu    sync.Mutex
	audio *webrtc.TrackLocalStaticRTP
}

func (c *Capture) LocalTracks(_ context.Context, video bool) ([]webrtc.TrackLocal, error) {
	if c.Denied {
		return nil, fmt.Errorf("capture %s: %w", c.StreamID, domain.ErrMediaAccessDenied)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		}, "audio", c.StreamID)
		if err != nil {
			return nil, err
		}
		c.audio = audio
	}
	tracks := []webrtc.TrackLocal{c.audio}
	if video {
		v, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", c.StreamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, v)
	}
	return tracks, nil
}

// talking reports whether elapsed falls into a talking slot of the pattern.
func (c *Capture) talking(elapsed time.Duration) bool {
	if len(c.Pattern) == 0 {
		return false
	}
	var period time.Duration
	for _, d := range c.Pattern {
		period += d
	}
	if period <= 0 {
		return false
	}
	pos := elapsed % period
	for i, d := range c.Pattern {
		if pos < d {
			return i%2 == 0
		}
		pos -= d
	}
	return false
}

// Packet builds the n-th packet of the stream.
func (c *Capture) Packet(n uint32, elapsed time.Duration) (*rtp.Packet, error) {
	level := uint8(127)
	if c.talking(elapsed) {
		level = 10
	}
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: level < 127}.Marshal()
	if err != nil {
		return nil, err
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(n),
			Timestamp:      n * uint32(opusClockRate/1000*packetInterval.Milliseconds()),
		},
		Payload: opusSilence,
	}
	if err := pkt.Header.SetExtension(audioLevelExtID, ext); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Run writes packets to the audio track until ctx ends. LocalTracks must have
// been called first.
func (c *Capture) Run(ctx context.Context) error {
	c.mu.Lock()
	audio := c.audio
	c.mu.Unlock()
	if audio == nil {
		return fmt.Errorf("capture %s: no audio track", c.StreamID)
	}

	logger := log.With().Str("module", "webrtc").Str("stream", c.StreamID).Logger()
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()
	start := time.Now()
	for n := uint32(0); ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pkt, err := c.Packet(n, now.Sub(start))
			if err != nil {
				return err
			}
			if err := audio.WriteRTP(pkt); err != nil {
				logger.Debug().Err(err).Msg("write rtp")
			}
		}
	}
}
