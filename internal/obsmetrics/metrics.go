// Package obsmetrics exposes the Prometheus counters and gauges spec.md
// §7 requires be introspectable: upstream reconnect count, frames/sec,
// clients connected, subscriptions active, and drops by reason. Each
// binary is its own process, so metric names carry no per-binary prefix
// conflict; a "service" label on the process is left to the scrape
// config rather than baked into metric names, matching the teacher's
// own metrics.go style of flat global metric vars registered in init().
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_clients_connected",
		Help: "Current number of connected downstream clients",
	})

	ClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_clients_total",
		Help: "Total number of downstream clients accepted",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_subscriptions_active",
		Help: "Current number of active (channel,symbol) selectors held across all clients",
	})

	FramesInTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_frames_in_total",
		Help: "Total frames received from upstream",
	})

	FramesOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_frames_out_total",
		Help: "Total frames forwarded to downstream clients",
	})

	UpstreamReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_reconnects_total",
		Help: "Total upstream reconnect attempts by upstream name",
	}, []string{"upstream"})

	UpstreamStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_upstream_state",
		Help: "Current upstream connection state (1=streaming, 0=otherwise) by upstream name",
	}, []string{"upstream"})

	DropsByReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_client_drops_total",
		Help: "Total downstream client drops by reason",
	}, []string{"reason"})

	AggregationAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_aggregation_anomalies_total",
		Help: "Total discarded trades by anomaly kind (out_of_order, malformed)",
	}, []string{"kind"})

	BarsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_bars_emitted_total",
		Help: "Total bars emitted by interval",
	}, []string{"interval_ms"})

	ReplayRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_replay_requests_total",
		Help: "Total subscribe requests carrying a since parameter",
	})

	MalformedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_malformed_frames_total",
		Help: "Total malformed downstream control frames rejected",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_cpu_usage_percent",
		Help: "Current host CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_memory_bytes",
		Help: "Current Go heap bytes allocated",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_goroutines_active",
		Help: "Current number of active goroutines",
	})

	ConnectionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_connections_rejected_total",
		Help: "Total connection attempts rejected by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ClientsConnected,
		ClientsTotal,
		SubscriptionsActive,
		FramesInTotal,
		FramesOutTotal,
		UpstreamReconnectsTotal,
		UpstreamStateGauge,
		DropsByReason,
		AggregationAnomalies,
		BarsEmittedTotal,
		ReplayRequestsTotal,
		MalformedFramesTotal,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
		ConnectionsRejectedTotal,
	)
}

// Drop reasons shared by all three services' send paths.
const (
	DropReasonSlowConsumer  = "slow_consumer"
	DropReasonWriteError    = "write_error"
	DropReasonMalformedSpam = "malformed_spam"
	DropReasonCPUPause      = "cpu_pause"
)

// Aggregation anomaly kinds, per spec.md §7.
const (
	AnomalyOutOfOrder = "out_of_order"
	AnomalyMalformed  = "malformed"
)

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
