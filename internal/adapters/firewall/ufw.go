package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// RuleComment tags every rule this program creates.
const RuleComment = "sshwarden"

// ErrInvalidIdentity is returned for identities that are not IP addresses.
// It is never retried.
var ErrInvalidIdentity = errors.New("identity is not an IP address")

func parseIdentity(identity string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(identity)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return addr.Unmap(), nil
}

// UFW drives Uncomplicated Firewall. ufw skips rules it already has, which
// makes block idempotent without a prior check.
type UFW struct {
	runner CommandRunner
	bin    string
}

func NewUFW(runner CommandRunner) *UFW {
	return &UFW{runner: runner, bin: "ufw"}
}

func (u *UFW) Name() string { return "ufw" }

func (u *UFW) Probe(ctx context.Context) error {
	out, err := u.runner.Run(ctx, u.bin, "status")
	if err != nil {
		return fmt.Errorf("%w: ufw status: %v", ports.ErrBackendUnavailable, err)
	}
	if !strings.Contains(string(out), "Status: active") {
		return fmt.Errorf("%w: ufw is inactive", ports.ErrBackendUnavailable)
	}
	return nil
}

func (u *UFW) Block(ctx context.Context, identity string) error {
	addr, err := parseIdentity(identity)
	if err != nil {
		return err
	}
	// prepend keeps the deny ahead of any allow rule for the ssh port.
	_, err = u.runner.Run(ctx, u.bin, "prepend", "deny", "from", addr.String(), "to", "any", "comment", RuleComment)
	if err != nil && outputContains(err, "invalid position") {
		// An empty rule list for this address family has no position 1.
		_, err = u.runner.Run(ctx, u.bin, "deny", "from", addr.String(), "to", "any", "comment", RuleComment)
	}
	if err != nil && !outputContains(err, "skipping") {
		return fmt.Errorf("ufw block %s: %w", addr, err)
	}
	return nil
}

func (u *UFW) Unblock(ctx context.Context, identity string) error {
	addr, err := parseIdentity(identity)
	if err != nil {
		return err
	}
	_, err = u.runner.Run(ctx, u.bin, "delete", "deny", "from", addr.String(), "to", "any", "comment", RuleComment)
	if err != nil && !outputContains(err, "non-existent") {
		return fmt.Errorf("ufw unblock %s: %w", addr, err)
	}
	return nil
}
