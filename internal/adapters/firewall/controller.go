package firewall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// RetryPolicy bounds the retries of a single firewall operation.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CallTimeout:     10 * time.Second,
	}
}

// Controller applies and removes blocks on the selected backend. It owns the
// mapping from rule handle to identity; the ledger persists handles and
// hands them back through Adopt on startup.
//
// Thread Safety: safe for concurrent use by the outbound workers.
type Controller struct {
	backend  ports.FirewallBackend
	retry    RetryPolicy
	observer ports.MonitorObserver

	mu         sync.Mutex
	handles    map[domain.RuleHandle]string
	byIdentity map[string]domain.RuleHandle
}

var _ ports.RuleController = (*Controller)(nil)

func NewController(backend ports.FirewallBackend, retry RetryPolicy, observer ports.MonitorObserver) *Controller {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	return &Controller{
		backend:    backend,
		retry:      retry,
		observer:   observer,
		handles:    make(map[domain.RuleHandle]string),
		byIdentity: make(map[string]domain.RuleHandle),
	}
}

func (c *Controller) Backend() string {
	return c.backend.Name()
}

// Simulated reports whether the controller only logs actions.
func (c *Controller) Simulated() bool {
	_, ok := c.backend.(*Simulate)
	return ok
}

func newHandle() domain.RuleHandle {
	return domain.RuleHandle("sw-" + uuid.NewString())
}

// Adopt registers a persisted handle on startup.
func (c *Controller) Adopt(handle domain.RuleHandle, identity string) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[handle] = identity
	c.byIdentity[identity] = handle
}

// HandleFor returns the handle registered for identity.
func (c *Controller) HandleFor(identity string) (domain.RuleHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byIdentity[identity]
	return h, ok
}

// handleFor returns the existing handle for identity or registers a new one.
func (c *Controller) handleFor(identity string) domain.RuleHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.byIdentity[identity]; ok {
		return h
	}
	h := newHandle()
	c.handles[h] = identity
	c.byIdentity[identity] = h
	return h
}

// Block applies a drop rule for identity and returns its handle. The handle
// is returned even when every attempt failed, so the caller can record it
// and retry later. Blocking an identity that already has a handle reuses it
// and re-asserts the rule.
func (c *Controller) Block(ctx context.Context, identity string) (domain.RuleHandle, error) {
	handle := c.handleFor(identity)
	err := c.withRetry(ctx, "block", identity, func(ctx context.Context) error {
		return c.backend.Block(ctx, identity)
	})
	return handle, err
}

// Unblock removes the rule behind handle. Unknown handles succeed.
func (c *Controller) Unblock(ctx context.Context, handle domain.RuleHandle) error {
	c.mu.Lock()
	identity, ok := c.handles[handle]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("handle", string(handle)).Msg("Unblock for unknown rule handle ignored")
		return nil
	}

	err := c.withRetry(ctx, "unblock", identity, func(ctx context.Context) error {
		return c.backend.Unblock(ctx, identity)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.handles, handle)
	if c.byIdentity[identity] == handle {
		delete(c.byIdentity, identity)
	}
	c.mu.Unlock()
	return nil
}

// UnblockIdentity removes the rule for identity whether or not a handle is
// registered. Used for releases persisted without a handle.
func (c *Controller) UnblockIdentity(ctx context.Context, identity string) error {
	if h, ok := c.HandleFor(identity); ok {
		return c.Unblock(ctx, h)
	}
	return c.withRetry(ctx, "unblock", identity, func(ctx context.Context) error {
		return c.backend.Unblock(ctx, identity)
	})
}

func (c *Controller) withRetry(ctx context.Context, op, identity string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	start := time.Now()
	operation := func() error {
		attempt++
		callCtx := ctx
		if c.retry.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.retry.CallTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if errors.Is(err, ErrInvalidIdentity) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("op", op).
			Str("identity", identity).
			Str("backend", c.backend.Name()).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Firewall call failed, retrying")
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.Attempts-1)), ctx),
		notify)

	if c.observer != nil {
		c.observer.ObserveFirewallCall(op, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("op", op).
			Str("identity", identity).
			Str("backend", c.backend.Name()).
			Int("attempts", attempt).
			Msg("Firewall call failed")
	}
	return err
}
