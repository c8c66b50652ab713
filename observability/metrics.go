// Package observability bundles the relay's Prometheus registries: dispatch
// request/latency counters, settlement round-trip health, and degraded-mode
// queue depth. Shape follows the teacher's lazily-initialized, singleton
// registry-per-concern pattern.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type dispatchMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	dispatchMetricsOnce sync.Once
	dispatchRegistry    *dispatchMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	degradedMetricsOnce sync.Once
	degradedRegistry    *DegradedMetrics
)

// Dispatch returns the lazily-initialized registry tracking per-message-type
// dispatcher activity.
func Dispatch() *dispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchRegistry = &dispatchMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Total packets routed by message type and outcome.",
			}, []string{"type", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "errors_total",
				Help:      "Total dispatch errors segmented by message type and reason.",
			}, []string{"type", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution for handler invocations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "dispatch",
				Name:      "rate_limited_total",
				Help:      "Count of packets rejected by the rate limiter, by peer reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			dispatchRegistry.requests,
			dispatchRegistry.errors,
			dispatchRegistry.latency,
			dispatchRegistry.throttles,
		)
	})
	return dispatchRegistry
}

// Observe records the outcome of one dispatched packet.
func (m *dispatchMetrics) Observe(msgType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	msgType = nonEmpty(msgType, "unknown")
	outcome = nonEmpty(outcome, "unknown")
	m.requests.WithLabelValues(msgType, outcome).Inc()
	m.latency.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordError increments the dispatch error counter.
func (m *dispatchMetrics) RecordError(msgType, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(nonEmpty(msgType, "unknown"), nonEmpty(reason, "unspecified")).Inc()
}

// RecordThrottle increments the rate-limit counter for the given reason.
func (m *dispatchMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(nonEmpty(reason, "unspecified")).Inc()
}

// SettlementMetrics tracks the health of the settlement RPC round trip.
type SettlementMetrics struct {
	verifyLatency *prometheus.HistogramVec
	verifyErrors  *prometheus.CounterVec
	connState     prometheus.Gauge
}

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			verifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "settlement",
				Name:      "verify_duration_seconds",
				Help:      "Latency distribution for claim verification round trips.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			verifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "settlement",
				Name:      "verify_errors_total",
				Help:      "Count of settlement verification transport failures.",
			}, []string{"reason"}),
			connState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "settlement",
				Name:      "connection_up",
				Help:      "1 when the settlement websocket connection is established, 0 otherwise.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.verifyLatency,
			settlementRegistry.verifyErrors,
			settlementRegistry.connState,
		)
	})
	return settlementRegistry
}

// ObserveVerify records one claim verification round trip.
func (m *SettlementMetrics) ObserveVerify(valid bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	m.verifyLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordVerifyError increments the transport-failure counter.
func (m *SettlementMetrics) RecordVerifyError(reason string) {
	if m == nil {
		return
	}
	m.verifyErrors.WithLabelValues(nonEmpty(reason, "unknown")).Inc()
}

// SetConnectionUp toggles the connection_up gauge.
func (m *SettlementMetrics) SetConnectionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connState.Set(1)
		return
	}
	m.connState.Set(0)
}

// DegradedMetrics tracks the degraded-mode claim-verification queue.
type DegradedMetrics struct {
	queueDepth  prometheus.Gauge
	dropped     prometheus.Counter
	engaged     prometheus.Gauge
	drainLength *prometheus.HistogramVec
}

// Degraded returns the singleton degraded-mode metrics registry.
func Degraded() *DegradedMetrics {
	degradedMetricsOnce.Do(func() {
		degradedRegistry = &DegradedMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "degraded",
				Name:      "queue_depth",
				Help:      "Current number of entries awaiting deferred claim verification.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "degraded",
				Name:      "dropped_total",
				Help:      "Count of queue entries dropped due to overflow.",
			}),
			engaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "degraded",
				Name:      "engaged",
				Help:      "1 while the relay is in degraded (settlement-disconnected) mode, 0 otherwise.",
			}),
			drainLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "degraded",
				Name:      "drain_batch_size",
				Help:      "Distribution of batch sizes processed per drain cycle.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100},
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			degradedRegistry.queueDepth,
			degradedRegistry.dropped,
			degradedRegistry.engaged,
			degradedRegistry.drainLength,
		)
	})
	return degradedRegistry
}

// SetQueueDepth updates the current queue depth gauge.
func (m *DegradedMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordDropped increments the overflow-drop counter.
func (m *DegradedMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SetEngaged toggles the degraded-mode gauge.
func (m *DegradedMetrics) SetEngaged(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.engaged.Set(1)
		return
	}
	m.engaged.Set(0)
}

// RecordDrainBatch records the size of one drain batch.
func (m *DegradedMetrics) RecordDrainBatch(result string, size int) {
	if m == nil {
		return
	}
	m.drainLength.WithLabelValues(nonEmpty(result, "unknown")).Observe(float64(size))
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
