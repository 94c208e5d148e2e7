package input

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

type DemoConfig struct {
	// Rate is log lines per second.
	Rate          int
	BufferSize    int
	AttackPercent int
	Hostname      string
	Seed          int64
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Rate:          20,
		BufferSize:    1000,
		AttackPercent: 30,
		Hostname:      "demo-host",
	}
}

// DemoGenerator writes synthetic sshd log lines and feeds them through a
// parser, so a simulate-mode engine can be exercised without a real log.
// Traffic mixes legitimate logins, single-source brute force and a slow
// distributed sweep against one account.
type DemoGenerator struct {
	cfg    DemoConfig
	parser ports.LineParser

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	generated atomic.Uint64

	normalIPs   []netip.Addr
	attackerIPs []netip.Addr
	botnetIPs   []netip.Addr
	users       []string
	targets     []string
}

func NewDemoGenerator(cfg DemoConfig, parser ports.LineParser) *DemoGenerator {
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.AttackPercent < 0 || cfg.AttackPercent > 100 {
		cfg.AttackPercent = 30
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "demo-host"
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &DemoGenerator{
		cfg:         cfg,
		parser:      parser,
		stopChan:    make(chan struct{}),
		normalIPs:   generateIPPool(50, "192.168.10."),
		attackerIPs: generateIPPool(20, "45.33.12."),
		botnetIPs:   generateIPPool(200, "185.220.101."),
		users:       []string{"deploy", "alice", "bob", "ci"},
		targets:     []string{"root", "admin", "oracle", "test", "ubuntu", "postgres"},
	}
}

func generateIPPool(n int, prefix string) []netip.Addr {
	out := make([]netip.Addr, 0, n)
	for i := 1; i <= n && i < 255; i++ {
		out = append(out, netip.MustParseAddr(fmt.Sprintf("%s%d", prefix, i)))
	}
	return out
}

func (g *DemoGenerator) Name() string { return "demo" }

func (g *DemoGenerator) Start(ctx context.Context) (<-chan domain.AuthEvent, <-chan error) {
	events := make(chan domain.AuthEvent, g.cfg.BufferSize)
	errs := make(chan error, 10)

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		close(events)
		return events, errs
	}
	g.running = true
	g.stopChan = make(chan struct{})
	stop := g.stopChan
	g.mu.Unlock()

	go func() {
		defer close(events)
		defer close(errs)

		log.Info().Int("rate", g.cfg.Rate).Msg("Demo generator started")

		interval := time.Second / time.Duration(g.cfg.Rate)
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		rng := rand.New(rand.NewSource(g.cfg.Seed))
		pid := 4000

		for {
			select {
			case <-ctx.Done():
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped (context cancelled)")
				return
			case <-stop:
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped")
				return
			case now := <-ticker.C:
				pid++
				line := g.Line(rng, now, pid)
				ev, ok, err := g.parser.Parse(line)
				if err != nil || !ok {
					continue
				}
				ev.Source = g.Name()
				select {
				case events <- ev:
					g.generated.Add(1)
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	return events, errs
}

// Line renders one synthetic auth.log line.
func (g *DemoGenerator) Line(rng *rand.Rand, now time.Time, pid int) string {
	stamp := now.Format("2006-01-02T15:04:05.000000-07:00")
	port := 30000 + rng.Intn(30000)
	prefix := fmt.Sprintf("%s %s sshd[%d]: ", stamp, g.cfg.Hostname, pid)

	if rng.Intn(100) >= g.cfg.AttackPercent {
		ip := g.normalIPs[rng.Intn(len(g.normalIPs))]
		user := g.users[rng.Intn(len(g.users))]
		if rng.Intn(10) == 0 {
			return prefix + fmt.Sprintf("Failed password for %s from %s port %d ssh2", user, ip, port)
		}
		return prefix + fmt.Sprintf("Accepted publickey for %s from %s port %d ssh2: ED25519 SHA256:demo", user, ip, port)
	}

	switch rng.Intn(4) {
	case 0:
		ip := g.attackerIPs[rng.Intn(len(g.attackerIPs))]
		return prefix + fmt.Sprintf("Invalid user %s from %s port %d", g.targets[rng.Intn(len(g.targets))], ip, port)
	case 1:
		ip := g.botnetIPs[rng.Intn(len(g.botnetIPs))]
		return prefix + fmt.Sprintf("Failed password for root from %s port %d ssh2", ip, port)
	case 2:
		ip := g.attackerIPs[rng.Intn(len(g.attackerIPs))]
		return prefix + fmt.Sprintf("Connection closed by authenticating user %s %s port %d [preauth]",
			g.targets[rng.Intn(len(g.targets))], ip, port)
	default:
		ip := g.attackerIPs[rng.Intn(len(g.attackerIPs))]
		return prefix + fmt.Sprintf("Failed password for invalid user %s from %s port %d ssh2", g.targets[rng.Intn(len(g.targets))], ip, port)
	}
}

func (g *DemoGenerator) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return nil
	}
	close(g.stopChan)
	g.running = false
	return nil
}

func (g *DemoGenerator) Generated() uint64 {
	return g.generated.Load()
}
