package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrInvalidEvent marks an event that cannot be processed. The monitor drops
// such events with a warning instead of failing.
var ErrInvalidEvent = errors.New("invalid auth event")

// ErrInvalidWhitelistEntry marks a whitelist entry that is neither an
// address nor a usable prefix.
var ErrInvalidWhitelistEntry = errors.New("invalid whitelist entry")

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeFailure
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailure:
		return "failure"
	case OutcomeSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// AuthEvent is a normalized authentication outcome produced by an event
// source. Time carries both the wall clock and, when produced locally, the
// monotonic reading.
type AuthEvent struct {
	Identity string
	Time     time.Time
	Outcome  Outcome
	Target   string
	Source   string
	Raw      string
}

func NewFailure(identity, target string, ts time.Time) AuthEvent {
	return AuthEvent{Identity: identity, Target: target, Time: ts, Outcome: OutcomeFailure}
}

func NewSuccess(identity, target string, ts time.Time) AuthEvent {
	return AuthEvent{Identity: identity, Target: target, Time: ts, Outcome: OutcomeSuccess}
}

// Normalize validates the event and returns a copy whose identity is the
// canonical textual form of the source address.
func (e AuthEvent) Normalize() (AuthEvent, error) {
	id, err := NormalizeIdentity(e.Identity)
	if err != nil {
		return e, err
	}
	if e.Outcome != OutcomeFailure && e.Outcome != OutcomeSuccess {
		return e, fmt.Errorf("%w: outcome %q", ErrInvalidEvent, e.Outcome)
	}
	if e.Time.IsZero() {
		return e, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	e.Identity = id
	return e, nil
}

// NormalizeIdentity parses an identity as an IP address and returns its
// canonical form. IPv4-mapped IPv6 addresses collapse to IPv4 and zones are
// dropped so the same host cannot occupy two ledger slots.
func NormalizeIdentity(identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidEvent)
	}
	addr, err := netip.ParseAddr(identity)
	if err != nil {
		return "", fmt.Errorf("%w: identity %q is not an IP address", ErrInvalidEvent, identity)
	}
	return addr.Unmap().WithZone("").String(), nil
}
