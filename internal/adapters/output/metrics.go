package output

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var (
	_ ports.MonitorObserver = (*PrometheusMetrics)(nil)
	_ ports.AlertSubscriber = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics records pipeline measurements on its own registry, so
// several engines in one process (tests) never collide.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	drops         *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	releases      *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	firewallCalls *prometheus.CounterVec
	firewallTime  *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
	activeBlocks  prometheus.Gauge
	unsynced      prometheus.Gauge
	tracked       prometheus.Gauge
	outbound      prometheus.Gauge
	memoryUsage   prometheus.GaugeFunc
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "sshwarden"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &PrometheusMetrics{registry: reg}

	m.events = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Authentication events processed by outcome",
	}, []string{"outcome"})

	m.drops = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not counted, by reason",
	}, []string{"reason"})

	m.blocks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_total",
		Help:      "Identities blocked by reason",
	}, []string{"reason"})

	m.releases = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "releases_total",
		Help:      "Blocks lifted by reason",
	}, []string{"reason"})

	m.alerts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts dispatched by kind and level",
	}, []string{"kind", "level"})

	m.firewallCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firewall_calls_total",
		Help:      "Firewall backend operations by result",
	}, []string{"op", "result"})

	m.firewallTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "firewall_call_duration_seconds",
		Help:      "Time spent in a firewall operation including retries",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"op"})

	m.storeErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_write_errors_total",
		Help:      "Ledger write-through operations that failed to persist",
	}, []string{"op"})

	m.activeBlocks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_blocks",
		Help:      "Blocks currently held by the ledger",
	})

	m.unsynced = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unsynced_blocks",
		Help:      "Blocks whose firewall rule is not confirmed",
	})

	m.tracked = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_identities",
		Help:      "Identities with a live failure window",
	})

	m.outbound = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbound_queue_size",
		Help:      "Firewall and alert actions waiting for a worker",
	})

	m.memoryUsage = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_bytes",
		Help:      "Current heap allocation in bytes",
	}, func() float64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.Alloc)
	})

	return m
}

func (m *PrometheusMetrics) ObserveEvent(outcome string) {
	m.events.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) ObserveDrop(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) ObserveBlock(reason domain.BlockReason) {
	m.blocks.WithLabelValues(string(reason)).Inc()
}

func (m *PrometheusMetrics) ObserveRelease(reason domain.ReleaseReason) {
	m.releases.WithLabelValues(string(reason)).Inc()
}

func (m *PrometheusMetrics) ObserveFirewallCall(op string, ok bool, seconds float64) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.firewallCalls.WithLabelValues(op, result).Inc()
	m.firewallTime.WithLabelValues(op).Observe(seconds)
}

func (m *PrometheusMetrics) SetLedgerGauges(active, unsynced, tracked int) {
	m.activeBlocks.Set(float64(active))
	m.unsynced.Set(float64(unsynced))
	m.tracked.Set(float64(tracked))
}

func (m *PrometheusMetrics) SetOutboundQueue(n int) {
	m.outbound.Set(float64(n))
}

func (m *PrometheusMetrics) ObserveStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) OnAlert(alert *domain.Alert) {
	m.alerts.WithLabelValues(string(alert.Kind), string(alert.Level)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
