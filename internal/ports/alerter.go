// Package ports defines the primary and secondary port interfaces following
// hexagonal architecture (ports and adapters pattern).
//
// This package contains interfaces that define the contract between the
// decision engine and external infrastructure (event sources, firewall
// backends, durable storage, alert destinations).
//
// Design Principles:
//   - Interfaces are small and focused
//   - Dependencies flow inward (the domain package has no external dependencies)
//   - Implementations provided by adapters in internal/adapters/
package ports

import (
	"context"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// Alerter defines the interface for dispatching transition alerts to outputs.
//
// Implementations:
//   - JSONAlerter: Writes alerts as JSON lines to file or stdout
//   - MemoryAlerter: In-memory ring buffer surfaced in status snapshots
//   - LogAlerter: Structured log line per alert
//   - (External: chat, email, SIEM forwarders)
//
// Thread Safety: Implementations MUST be safe for concurrent Send() calls.
type Alerter interface {
	// Send dispatches an alert to the output destination.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - alert: Immutable alert to dispatch
	//
	// Returns:
	//   - nil on success
	//   - Error if dispatch fails (caller logs and moves on)
	Send(ctx context.Context, alert *domain.Alert) error

	// Flush forces pending alerts to be written to destination.
	// Called during graceful shutdown to ensure alert delivery.
	Flush() error

	// Close releases resources and ensures all alerts are flushed.
	Close() error
}

// AlertSubscriber defines the callback interface for alert notification.
// Used by the action pool to notify interested components (metrics, status).
type AlertSubscriber interface {
	// OnAlert is called synchronously from an outbound worker.
	// Implementation should return quickly.
	OnAlert(alert *domain.Alert)
}

// MonitorObserver receives pipeline measurements.
// Implemented by the Prometheus adapter for scraping by monitoring systems.
//
// Thread Safety: All methods MUST be safe for concurrent calls.
type MonitorObserver interface {
	// ObserveEvent is called once per accepted event with its outcome label.
	ObserveEvent(outcome string)

	// ObserveDrop is called once per rejected event (malformed, whitelisted).
	ObserveDrop(reason string)

	// ObserveBlock and ObserveRelease are called on ledger transitions.
	ObserveBlock(reason domain.BlockReason)
	ObserveRelease(reason domain.ReleaseReason)

	// ObserveFirewallCall records one backend operation after retries.
	ObserveFirewallCall(op string, ok bool, seconds float64)

	// SetLedgerGauges publishes current ledger sizes.
	SetLedgerGauges(active, unsynced, tracked int)

	// SetOutboundQueue publishes the outbound action backlog.
	SetOutboundQueue(n int)

	// ObserveStoreError is called once per failed ledger write-through.
	ObserveStoreError(op string)
}

// RecentAlerts exposes the most recent alerts for status snapshots.
type RecentAlerts interface {
	Recent(n int) []*domain.Alert
}
