package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// StatusSource answers status queries through the decision loop. The round
// trip doubles as the liveness probe.
type StatusSource interface {
	Status(ctx context.Context) (domain.StatusSnapshot, error)
}

type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Status        string        `json:"status"`
	Latency       time.Duration `json:"latency_ns"`
	ActiveBlocks  int           `json:"active_blocks"`
	Unsynced      int           `json:"unsynced_blocks"`
	Outbound      int           `json:"outbound_queued"`
	OutboundCap   int           `json:"outbound_capacity"`
	Utilization   float64       `json:"utilization_percent"`
	Backend       string        `json:"backend,omitempty"`
	Simulate      bool          `json:"simulate"`
	Uptime        time.Duration `json:"uptime_ns"`
	Reason        string        `json:"reason,omitempty"`
	CheckedAtUnix int64         `json:"checked_at"`
}

type HealthChecker struct {
	source      StatusSource
	maxLatency  time.Duration
	outboundCap int
	startTime   time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastCheckMu   sync.RWMutex
	checkInterval time.Duration
}

type HealthCheckerConfig struct {
	MaxLatency       time.Duration
	CheckInterval    time.Duration
	OutboundCapacity int
}

func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		MaxLatency:       500 * time.Millisecond,
		CheckInterval:    2 * time.Second,
		OutboundCapacity: 1024,
	}
}

func NewHealthChecker(source StatusSource, config HealthCheckerConfig) *HealthChecker {
	if config.MaxLatency <= 0 {
		config.MaxLatency = 500 * time.Millisecond
	}
	return &HealthChecker{
		source:        source,
		maxLatency:    config.MaxLatency,
		outboundCap:   config.OutboundCapacity,
		checkInterval: config.CheckInterval,
		startTime:     time.Now(),
	}
}

// Check returns a cached result when the last check is younger than the
// check interval.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.lastCheckMu.RLock()
	if !h.lastCheckTime.IsZero() && time.Since(h.lastCheckTime) < h.checkInterval {
		cached := h.lastCheck
		h.lastCheckMu.RUnlock()
		return cached
	}
	h.lastCheckMu.RUnlock()

	status := h.performCheck(ctx)

	h.lastCheckMu.Lock()
	h.lastCheck = status
	h.lastCheckTime = time.Now()
	h.lastCheckMu.Unlock()

	return status
}

func (h *HealthChecker) performCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Uptime:        time.Since(h.startTime),
		OutboundCap:   h.outboundCap,
		CheckedAtUnix: time.Now().Unix(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.maxLatency)
	defer cancel()

	start := time.Now()
	snap, err := h.source.Status(probeCtx)
	status.Latency = time.Since(start)

	switch {
	case errors.Is(err, ports.ErrMonitorStopped):
		status.Status = "OFFLINE"
		status.Reason = "monitor not running"
		return status
	case errors.Is(err, context.DeadlineExceeded):
		status.Status = "BLOCKED"
		status.Reason = "decision loop did not answer in time"
		return status
	case err != nil:
		status.Status = "ERROR"
		status.Reason = err.Error()
		return status
	}

	status.ActiveBlocks = len(snap.Blocks)
	status.Unsynced = snap.Unsynced()
	status.Outbound = snap.OutboundQueued
	status.Backend = snap.Backend
	status.Simulate = snap.Simulate
	if h.outboundCap > 0 {
		status.Utilization = float64(snap.OutboundQueued) / float64(h.outboundCap) * 100
	}

	if status.Latency > h.maxLatency {
		status.Status = "SLOW"
		status.Reason = fmt.Sprintf("latency %v exceeds threshold %v", status.Latency, h.maxLatency)
		return status
	}

	status.Healthy = true
	switch {
	case status.Unsynced > 0:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("%d blocks not confirmed by the firewall", status.Unsynced)
	case status.Utilization >= 80:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("outbound queue utilization elevated at %.1f%%", status.Utilization)
	default:
		status.Status = "HEALTHY"
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
