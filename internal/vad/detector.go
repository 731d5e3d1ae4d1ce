// Package vad derives a debounced "speaking" signal from audio energy frames.
package vad

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultThreshold     = 25
	DefaultAttackFrames  = 2
	DefaultReleaseFrames = 8
	DefaultInterval      = 200 * time.Millisecond
)

type Config struct {
	// Threshold is compared against the mean frame energy on a 0-255 scale.
	Threshold     float64       `mapstructure:"threshold"`
	AttackFrames  int           `mapstructure:"attack_frames"`
	ReleaseFrames int           `mapstructure:"release_frames"`
	Interval      time.Duration `mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:     DefaultThreshold,
		AttackFrames:  DefaultAttackFrames,
		ReleaseFrames: DefaultReleaseFrames,
		Interval:      DefaultInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.AttackFrames <= 0 {
		c.AttackFrames = d.AttackFrames
	}
	if c.ReleaseFrames <= 0 {
		c.ReleaseFrames = d.ReleaseFrames
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Source yields the energy bins (0-255) observed since the previous call.
// An error ends sampling; Close releases analysis resources.
type Source interface {
	Frame() ([]byte, error)
	Close() error
}

type State struct {
	LoudFrames  int
	QuietFrames int
	Speaking    bool
}

// Detector owns the VAD state of one stream.
type Detector struct {
	cfg      Config
	onChange func(speaking bool)

	mu     sync.Mutex
	state  State
	muted  bool
	closed bool
}

// NewDetector returns a detector that calls onChange on every speaking flip.
// onChange runs under the detector lock and must not call back into it.
func NewDetector(cfg Config, onChange func(speaking bool)) *Detector {
	return &Detector{cfg: cfg.withDefaults(), onChange: onChange}
}

// Energy is the mean magnitude of a frame.
func Energy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum int
	for _, b := range frame {
		sum += int(b)
	}
	return float64(sum) / float64(len(frame))
}

// Sample feeds one frame and reports whether the speaking state flipped.
func (d *Detector) Sample(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	loud := !d.muted && Energy(frame) > d.cfg.Threshold
	if loud {
		d.state.LoudFrames++
		d.state.QuietFrames = 0
	} else {
		d.state.QuietFrames++
		d.state.LoudFrames = 0
	}

	switch {
	case !d.state.Speaking && d.state.LoudFrames >= d.cfg.AttackFrames:
		d.flipLocked(true)
		return true
	case d.state.Speaking && d.state.QuietFrames >= d.cfg.ReleaseFrames:
		d.flipLocked(false)
		return true
	}
	return false
}

// SetMuted gates the source. Muting a speaking source ends speech immediately.
func (d *Detector) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
	if muted && !d.closed {
		d.state.LoudFrames = 0
		if d.state.Speaking {
			d.flipLocked(false)
		}
	}
}

func (d *Detector) flipLocked(speaking bool) {
	d.state.Speaking = speaking
	if d.onChange != nil {
		d.onChange(speaking)
	}
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close stops event delivery. Idempotent.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Run samples src on the configured cadence until ctx ends or src fails.
// On return the source is released and the detector is closed.
func (d *Detector) Run(ctx context.Context, src Source) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer func() {
		ticker.Stop()
		d.Close()
		if err := src.Close(); err != nil {
			log.Debug().Err(err).Str("module", "vad").Msg("source close")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := src.Frame()
			if err != nil {
				log.Debug().Err(err).Str("module", "vad").Msg("source ended")
				return
			}
			d.Sample(frame)
		}
	}
}
