package input

import (
	"context"
	"errors"
	"sync"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

var ErrSourceClosed = errors.New("event source closed")

// ChannelSource lets an embedding program push events directly. Close ends
// the stream.
type ChannelSource struct {
	name   string
	events chan domain.AuthEvent

	mu     sync.RWMutex
	closed bool
}

func NewChannelSource(name string, buffer int) *ChannelSource {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSource{name: name, events: make(chan domain.AuthEvent, buffer)}
}

func (s *ChannelSource) Name() string { return s.name }

func (s *ChannelSource) Start(context.Context) (<-chan domain.AuthEvent, <-chan error) {
	return s.events, nil
}

// Publish blocks until the event is accepted or ctx ends.
func (s *ChannelSource) Publish(ctx context.Context, ev domain.AuthEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSourceClosed
	}
	if ev.Source == "" {
		ev.Source = s.name
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals end of stream. Further Publish calls fail.
func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Stop leaves the stream open: a stopped consumer is not end of stream.
func (s *ChannelSource) Stop() error { return nil }
