// Package telemetry centralizes the logging and metrics surface shared by
// every internal package: a bracketed-tag logger wrapping the standard log
// package, and a Prometheus registry of counters and gauges describing
// session and jitter-buffer health.
package telemetry

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Logger is a tagged logger following a "[component] message" convention,
// shared by every internal package instead of each calling the standard
// log package directly.
type Logger struct {
	tag string
}

// NewLogger returns a Logger that prefixes every line with "[tag]".
func NewLogger(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf("["+l.tag+"] "+format, args...)
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{"[" + l.tag + "]"}, args...)...)
}

// Metrics holds the Prometheus collectors for the receiver core. Counters
// and gauges that track a per-session quantity are labeled by session id.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	PacketsReceived    *prometheus.CounterVec
	PacketsLost        *prometheus.CounterVec
	PacketsDuplicate   *prometheus.CounterVec
	PacketsMalformed   prometheus.Counter
	PacketsUnattributed prometheus.Counter
	JitterMs           *prometheus.GaugeVec
	LatencyMs          *prometheus.GaugeVec
	BufferTargetMs     *prometheus.GaugeVec
	Underruns          *prometheus.CounterVec
	Overruns           *prometheus.CounterVec
	DroppedLate        *prometheus.CounterVec
	DroppedMemory      *prometheus.CounterVec
}

// NewMetrics registers all collectors against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chipaudio",
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered.",
		}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "packets_received_total",
			Help:      "Accepted audio packets per session.",
		}, []string{"session"}),
		PacketsLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "packets_lost_total",
			Help:      "Packets inferred lost via sequence gaps, per session.",
		}, []string{"session"}),
		PacketsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "packets_duplicate_total",
			Help:      "Duplicate packets dropped, per session.",
		}, []string{"session"}),
		PacketsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "packets_malformed_total",
			Help:      "Datagrams dropped for failing to parse.",
		}),
		PacketsUnattributed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "packets_unattributed_total",
			Help:      "Datagrams dropped for naming an unknown session.",
		}),
		JitterMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chipaudio",
			Name:      "jitter_ms",
			Help:      "Smoothed inter-arrival jitter estimate, per session.",
		}, []string{"session"}),
		LatencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chipaudio",
			Name:      "latency_ms",
			Help:      "Mean observed one-way latency estimate, per session.",
		}, []string{"session"}),
		BufferTargetMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chipaudio",
			Name:      "jitter_buffer_target_ms",
			Help:      "Current adaptive jitter buffer target, per session.",
		}, []string{"session"}),
		Underruns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "jitter_underruns_total",
			Help:      "Jitter buffer underruns, per session.",
		}, []string{"session"}),
		Overruns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "jitter_overruns_total",
			Help:      "Jitter buffer overruns, per session.",
		}, []string{"session"}),
		DroppedLate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "dropped_late_total",
			Help:      "Chunks dropped for arriving past their deadline, per session.",
		}, []string{"session"}),
		DroppedMemory: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chipaudio",
			Name:      "dropped_memory_pressure_total",
			Help:      "Inserts refused due to the per-session or aggregate memory cap, per session.",
		}, []string{"session"}),
	}
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format, for a wrapping binary to mount.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HealthHandler returns a trivial liveness handler ("ok"), the other half
// of the HTTP health/metrics surface alongside Handler.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
