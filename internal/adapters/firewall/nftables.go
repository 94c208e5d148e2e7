package firewall

import (
	"context"
	"fmt"

	"github.com/xoelrdgz/sshwarden/internal/ports"
)

const (
	nftSet4  = "blocklist4"
	nftSet6  = "blocklist6"
	nftChain = "input"
)

// NFTables keeps blocked addresses in two named sets inside a dedicated
// inet table. Adding an element that is already present is a no-op in nft,
// and deleting a missing one is treated as success.
type NFTables struct {
	runner CommandRunner
	table  string
}

func NewNFTables(runner CommandRunner, table string) *NFTables {
	if table == "" {
		table = "sshwarden"
	}
	return &NFTables{runner: runner, table: table}
}

func (n *NFTables) Name() string { return "nftables" }

func (n *NFTables) Probe(ctx context.Context) error {
	if _, err := n.runner.Run(ctx, "nft", "list", "tables"); err != nil {
		return fmt.Errorf("%w: nft: %v", ports.ErrBackendUnavailable, err)
	}
	return nil
}

// Prepare creates the table, sets and drop rules. The chain is flushed
// first so repeated starts leave exactly one rule per family.
func (n *NFTables) Prepare(ctx context.Context) error {
	steps := [][]string{
		{"add", "table", "inet", n.table},
		{"add", "set", "inet", n.table, nftSet4, "{", "type", "ipv4_addr", ";", "}"},
		{"add", "set", "inet", n.table, nftSet6, "{", "type", "ipv6_addr", ";", "}"},
		{"add", "chain", "inet", n.table, nftChain,
			"{", "type", "filter", "hook", "input", "priority", "-10", ";", "policy", "accept", ";", "}"},
		{"flush", "chain", "inet", n.table, nftChain},
		{"add", "rule", "inet", n.table, nftChain, "ip", "saddr", "@" + nftSet4, "drop"},
		{"add", "rule", "inet", n.table, nftChain, "ip6", "saddr", "@" + nftSet6, "drop"},
	}
	for _, args := range steps {
		if _, err := n.runner.Run(ctx, "nft", args...); err != nil {
			return fmt.Errorf("nft setup: %w", err)
		}
	}
	return nil
}

func (n *NFTables) element(identity string) (set, elem string, err error) {
	addr, err := parseIdentity(identity)
	if err != nil {
		return "", "", err
	}
	if addr.Is6() {
		return nftSet6, addr.String(), nil
	}
	return nftSet4, addr.String(), nil
}

func (n *NFTables) Block(ctx context.Context, identity string) error {
	set, elem, err := n.element(identity)
	if err != nil {
		return err
	}
	if _, err := n.runner.Run(ctx, "nft", "add", "element", "inet", n.table, set, "{", elem, "}"); err != nil {
		return fmt.Errorf("nft add %s: %w", elem, err)
	}
	return nil
}

func (n *NFTables) Unblock(ctx context.Context, identity string) error {
	set, elem, err := n.element(identity)
	if err != nil {
		return err
	}
	_, err = n.runner.Run(ctx, "nft", "delete", "element", "inet", n.table, set, "{", elem, "}")
	if err != nil && !outputContains(err, "no such file or directory") {
		return fmt.Errorf("nft delete %s: %w", elem, err)
	}
	return nil
}
