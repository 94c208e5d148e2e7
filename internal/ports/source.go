package ports

import (
	"context"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// EventSource produces normalized authentication events.
//
// Contract:
//   - The event channel is closed on end-of-stream (replay finished, source
//     stopped). A live source never closes it on its own.
//   - Read errors that the source recovers from are reported on the error
//     channel and never close the event channel.
type EventSource interface {
	Start(ctx context.Context) (<-chan domain.AuthEvent, <-chan error)
	Stop() error
	Name() string
}

// LineParser turns one raw log line into an event. ok is false for lines
// that carry no authentication outcome.
type LineParser interface {
	Parse(line string) (event domain.AuthEvent, ok bool, err error)
}
