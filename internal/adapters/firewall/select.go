package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// ErrNoBackend is returned by Select when no backend in the preference list
// is usable and simulation is not allowed.
var ErrNoBackend = errors.New("no firewall backend available")

// DefaultPreference is the probing order when none is configured.
var DefaultPreference = []string{"ufw", "iptables", "nftables"}

// Preparer is implemented by backends that need one-time host setup after a
// successful probe.
type Preparer interface {
	Prepare(ctx context.Context) error
}

type SelectOptions struct {
	Preference         []string
	Simulate           bool
	FallbackToSimulate bool

	Runner        CommandRunner
	IPTablesChain string
	NFTablesTable string
	Command       CommandTemplates
}

// Build constructs the named backend without probing it.
func Build(name string, opts SelectOptions) (ports.FirewallBackend, error) {
	switch strings.ToLower(name) {
	case "ufw":
		return NewUFW(opts.Runner), nil
	case "iptables":
		return NewIPTables(opts.Runner, opts.IPTablesChain), nil
	case "nftables", "nft":
		return NewNFTables(opts.Runner, opts.NFTablesTable), nil
	case "command":
		return NewCommand(opts.Runner, opts.Command)
	case "simulate":
		return NewSimulate(), nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", name)
	}
}

// Select returns the first backend in preference order whose probe
// succeeds. It is resolved once at startup.
func Select(ctx context.Context, opts SelectOptions) (ports.FirewallBackend, error) {
	if opts.Simulate {
		log.Info().Msg("Firewall simulation mode enabled, no rules will be applied")
		return NewSimulate(), nil
	}

	preference := opts.Preference
	if len(preference) == 0 {
		preference = DefaultPreference
	}

	var tried []string
	for _, name := range preference {
		backend, err := Build(name, opts)
		if err != nil {
			return nil, err
		}
		if err := backend.Probe(ctx); err != nil {
			log.Debug().Err(err).Str("backend", name).Msg("Firewall backend probe failed")
			tried = append(tried, name)
			continue
		}
		if p, ok := backend.(Preparer); ok {
			if err := p.Prepare(ctx); err != nil {
				log.Warn().Err(err).Str("backend", name).Msg("Firewall backend setup failed")
				tried = append(tried, name)
				continue
			}
		}
		log.Info().Str("backend", backend.Name()).Msg("Firewall backend selected")
		return backend, nil
	}

	if opts.FallbackToSimulate {
		log.Warn().Strs("tried", tried).Msg("No firewall backend available, running in simulation mode")
		return NewSimulate(), nil
	}
	return nil, fmt.Errorf("%w (tried %s)", ErrNoBackend, strings.Join(tried, ", "))
}
