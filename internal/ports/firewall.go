package ports

import (
	"context"
	"errors"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// ErrBackendUnavailable is returned by Probe when the backend cannot be used
// on this host.
var ErrBackendUnavailable = errors.New("firewall backend unavailable")

// FirewallBackend is the fixed capability set every packet filter adapter
// implements.
//
// Block and Unblock MUST be idempotent at the backend level: blocking an
// identity that already has a rule must not insert a second one, and
// unblocking an identity without a rule must succeed.
type FirewallBackend interface {
	Name() string

	// Probe checks whether the backend is installed and operational.
	Probe(ctx context.Context) error

	Block(ctx context.Context, identity string) error
	Unblock(ctx context.Context, identity string) error
}

// RuleController applies blocks on the selected backend and tracks the rule
// handle for each identity. Implemented by the firewall adapter's
// Controller, which adds retries on top of a FirewallBackend.
type RuleController interface {
	// Block returns the handle for identity's rule. The handle is valid even
	// when the error is non-nil, so the block can be retried later.
	Block(ctx context.Context, identity string) (domain.RuleHandle, error)

	// Unblock removes the rule behind handle; unknown handles succeed.
	Unblock(ctx context.Context, handle domain.RuleHandle) error

	// UnblockIdentity removes identity's rule when no handle is known.
	UnblockIdentity(ctx context.Context, identity string) error

	// Adopt registers a handle restored from persistent state.
	Adopt(handle domain.RuleHandle, identity string)

	Backend() string
	Simulated() bool
}
