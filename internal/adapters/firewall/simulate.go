package firewall

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Simulate logs intended firewall actions without touching the host. It is
// an operating mode, not a test double: it keeps the set of identities it
// would have blocked so status output stays meaningful.
type Simulate struct {
	mu    sync.Mutex
	rules map[string]struct{}
}

func NewSimulate() *Simulate {
	return &Simulate{rules: make(map[string]struct{})}
}

func (s *Simulate) Name() string { return "simulate" }

func (s *Simulate) Probe(context.Context) error { return nil }

func (s *Simulate) Block(_ context.Context, identity string) error {
	s.mu.Lock()
	_, exists := s.rules[identity]
	s.rules[identity] = struct{}{}
	s.mu.Unlock()

	if !exists {
		log.Info().Str("identity", identity).Msg("[SIMULATION] Would block identity")
	}
	return nil
}

func (s *Simulate) Unblock(_ context.Context, identity string) error {
	s.mu.Lock()
	_, exists := s.rules[identity]
	delete(s.rules, identity)
	s.mu.Unlock()

	if exists {
		log.Info().Str("identity", identity).Msg("[SIMULATION] Would unblock identity")
	}
	return nil
}

// Rules returns the identities currently blocked in simulation.
func (s *Simulate) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rules))
	for id := range s.rules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
