package vad

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type endlessSource struct {
	mu     sync.Mutex
	frame  []byte
	closed bool
}

func (s *endlessSource) Frame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, nil
}

func (s *endlessSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *endlessSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestMonitorPublishesAndRemoves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond

	var mu sync.Mutex
	var events []Event
	m := NewMonitor(cfg, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	src := &endlessSource{frame: loud}
	m.Attach(context.Background(), "bob", src)
	require.True(t, m.Has("bob"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, time.Millisecond)

	m.Remove("bob")
	require.False(t, m.Has("bob"))
	require.True(t, src.isClosed())

	mu.Lock()
	n := len(events)
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, n, "no events after removal")
	require.Equal(t, Event{Participant: "bob", Speaking: true}, events[0])
}

func TestMonitorAttachReplacesStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	m := NewMonitor(cfg, nil)
	defer m.Close()

	first := &endlessSource{frame: quiet}
	second := &endlessSource{frame: quiet}
	m.Attach(context.Background(), "bob", first)
	m.Attach(context.Background(), "bob", second)

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	require.Len(t, m.Participants(), 1)
}

func TestMonitorCloseRemovesAll(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	m.Attach(context.Background(), "a", &endlessSource{})
	m.Attach(context.Background(), "b", &endlessSource{})
	m.Close()
	require.Empty(t, m.Participants())
}
