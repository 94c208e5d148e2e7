package ports

import (
	"context"
	"errors"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

var (
	ErrNotBlocked     = errors.New("identity is not blocked")
	ErrMonitorStopped = errors.New("monitor is not running")
	ErrNotWhitelisted = errors.New("entry is not whitelisted")
)

// AdminControl is the synchronous control surface. Every call is executed on
// the monitor's decision loop.
type AdminControl interface {
	Unblock(ctx context.Context, identity string) error
	WhitelistAdd(ctx context.Context, entry string) error
	WhitelistRemove(ctx context.Context, entry string) error
	Whitelist(ctx context.Context) ([]string, error)
	Status(ctx context.Context) (domain.StatusSnapshot, error)
}
