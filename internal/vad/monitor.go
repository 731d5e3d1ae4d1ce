package vad

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Event is published on speaking-state changes only.
type Event struct {
	Participant domain.ParticipantID
	Speaking    bool
}

type running struct {
	det    *Detector
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor runs one Detector per stream, keyed by participant.
type Monitor struct {
	cfg     Config
	publish func(Event)

	mu      sync.Mutex
	streams map[domain.ParticipantID]*running
}

func NewMonitor(cfg Config, publish func(Event)) *Monitor {
	return &Monitor{
		cfg:     cfg,
		publish: publish,
		streams: make(map[domain.ParticipantID]*running),
	}
}

// Attach starts sampling src for id, replacing any previous stream.
func (m *Monitor) Attach(ctx context.Context, id domain.ParticipantID, src Source) *Detector {
	m.Remove(id)

	det := NewDetector(m.cfg, func(speaking bool) {
		if m.publish != nil {
			m.publish(Event{Participant: id, Speaking: speaking})
		}
	})
	ctx, cancel := context.WithCancel(ctx)
	r := &running{det: det, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.streams[id] = r
	m.mu.Unlock()

	log.Info().Str("module", "vad").Str("participant", id.String()).Msg("stream attached")
	go func() {
		det.Run(ctx, src)
		close(r.done)

		m.mu.Lock()
		if m.streams[id] == r {
			delete(m.streams, id)
		}
		m.mu.Unlock()
	}()
	return det
}

// Remove stops sampling for id and waits until the sampler has exited.
func (m *Monitor) Remove(id domain.ParticipantID) {
	m.mu.Lock()
	r, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.det.Close()
	r.cancel()
	<-r.done
	log.Info().Str("module", "vad").Str("participant", id.String()).Msg("stream removed")
}

func (m *Monitor) Has(id domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

func (m *Monitor) SetMuted(id domain.ParticipantID, muted bool) {
	m.mu.Lock()
	r, ok := m.streams[id]
	m.mu.Unlock()
	if ok {
		r.det.SetMuted(muted)
	}
}

func (m *Monitor) Participants() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.streams)
}

func (m *Monitor) Close() {
	for _, id := range m.Participants() {
		m.Remove(id)
	}
}
