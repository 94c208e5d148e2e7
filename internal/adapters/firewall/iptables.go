package firewall

import (
	"context"
	"fmt"

	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// IPTables drives iptables for IPv4 identities and ip6tables for IPv6. Each
// mutation is preceded by a -C check so rules are never duplicated.
type IPTables struct {
	runner CommandRunner
	chain  string
}

func NewIPTables(runner CommandRunner, chain string) *IPTables {
	if chain == "" {
		chain = "INPUT"
	}
	return &IPTables{runner: runner, chain: chain}
}

func (t *IPTables) Name() string { return "iptables" }

func (t *IPTables) Probe(ctx context.Context) error {
	if _, err := t.runner.Run(ctx, "iptables", "-w", "-n", "-L", t.chain); err != nil {
		return fmt.Errorf("%w: iptables: %v", ports.ErrBackendUnavailable, err)
	}
	return nil
}

func (t *IPTables) ruleSpec(op, src string) []string {
	return []string{"-w", op, t.chain, "-s", src, "-m", "comment", "--comment", RuleComment, "-j", "DROP"}
}

// exists reports whether the drop rule for src is present. Exit status 1
// from -C means the rule is missing; anything else is a real failure.
func (t *IPTables) exists(ctx context.Context, bin, src string) (bool, error) {
	_, err := t.runner.Run(ctx, bin, t.ruleSpec("-C", src)...)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

func (t *IPTables) target(identity string) (bin, src string, err error) {
	addr, err := parseIdentity(identity)
	if err != nil {
		return "", "", err
	}
	if addr.Is6() {
		return "ip6tables", addr.String(), nil
	}
	return "iptables", addr.String(), nil
}

func (t *IPTables) Block(ctx context.Context, identity string) error {
	bin, src, err := t.target(identity)
	if err != nil {
		return err
	}
	ok, err := t.exists(ctx, bin, src)
	if err != nil {
		return fmt.Errorf("%s check %s: %w", bin, src, err)
	}
	if ok {
		return nil
	}
	if _, err := t.runner.Run(ctx, bin, t.ruleSpec("-I", src)...); err != nil {
		return fmt.Errorf("%s insert %s: %w", bin, src, err)
	}
	return nil
}

func (t *IPTables) Unblock(ctx context.Context, identity string) error {
	bin, src, err := t.target(identity)
	if err != nil {
		return err
	}
	ok, err := t.exists(ctx, bin, src)
	if err != nil {
		return fmt.Errorf("%s check %s: %w", bin, src, err)
	}
	if !ok {
		return nil
	}
	if _, err := t.runner.Run(ctx, bin, t.ruleSpec("-D", src)...); err != nil {
		return fmt.Errorf("%s delete %s: %w", bin, src, err)
	}
	return nil
}
