// Package metrics implements the relay's error-kind taxonomy and per-peer
// failure tracking, instrumented with the same dual Prometheus/
// OpenTelemetry pattern the teacher uses for its network metrics.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind is a closed taxonomy of handler-facing failure classes.
type Kind string

const (
	KindInvalidPacket               Kind = "invalid_packet"
	KindSignatureVerificationFailed Kind = "signature_verification_failed"
	KindDuplicateEvent              Kind = "duplicate_event"
	KindStorageError                Kind = "storage_error"
	KindMalformedFilter             Kind = "malformed_filter"
	KindSubscriptionNotFound        Kind = "subscription_not_found"
	KindRateLimited                 Kind = "rate_limited"
	KindUnknownError                Kind = "unknown_error"
)

var knownKinds = map[Kind]struct{}{
	KindInvalidPacket:               {},
	KindSignatureVerificationFailed: {},
	KindDuplicateEvent:              {},
	KindStorageError:                {},
	KindMalformedFilter:             {},
	KindSubscriptionNotFound:        {},
	KindRateLimited:                 {},
	KindUnknownError:                {},
}

// normalize maps any kind outside the closed set to KindUnknownError so
// counters never grow an unbounded label cardinality.
func normalize(k Kind) Kind {
	if _, ok := knownKinds[k]; ok {
		return k
	}
	return KindUnknownError
}

var (
	initOnce   sync.Once
	registered *registeredVecs
)

type registeredVecs struct {
	byKindPeer *prometheus.CounterVec
	total      prometheus.Counter
}

func registerOnce() *registeredVecs {
	initOnce.Do(func() {
		r := &registeredVecs{
			byKindPeer: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Count of handler errors by kind and peer.",
			}, []string{"kind", "peer"}),
			total: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_errors_grand_total",
				Help: "Total handler errors across all kinds and peers.",
			}),
		}
		prometheus.MustRegister(r.byKindPeer, r.total)
		registered = r
	})
	return registered
}

func meter() (metric.Meter, metric.Int64Counter) {
	m := otel.GetMeterProvider().Meter("nostream-ilp-sub003/metrics")
	counter, err := m.Int64Counter("relay.errors")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("nostream-ilp-sub003/metrics")
		counter, _ = fallback.Int64Counter("relay.errors")
		return fallback, counter
	}
	return m, counter
}

// Tracker classifies failures, counts them per (kind, peer), and throttles
// how many error responses may be emitted back to a peer per minute.
type Tracker struct {
	vecs          *registeredVecs
	otelCounter   metric.Int64Counter
	throttleLimit rate.Limit
	throttleBurst int

	mu        sync.Mutex
	throttles map[string]*rate.Limiter

	logFunc func(kind Kind, peer string, cause error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThrottle overrides the default 100/min per-peer error-response throttle.
func WithThrottle(perMinute int) Option {
	return func(t *Tracker) {
		if perMinute <= 0 {
			perMinute = 100
		}
		t.throttleLimit = rate.Limit(float64(perMinute) / 60.0)
		t.throttleBurst = perMinute
	}
}

// WithLogFunc overrides the structured-logging hook invoked by Handle.
func WithLogFunc(f func(kind Kind, peer string, cause error)) Option {
	return func(t *Tracker) { t.logFunc = f }
}

// New constructs a Tracker backed by the process-wide Prometheus registry.
func New(opts ...Option) *Tracker {
	_, counter := meter()
	t := &Tracker{
		vecs:          registerOnce(),
		otelCounter:   counter,
		throttleLimit: rate.Limit(100.0 / 60.0),
		throttleBurst: 100,
		throttles:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle classifies and counts an error, logs structured context, and
// reports whether an error response may still be emitted to peer (false
// means the per-peer error-response throttle has tripped).
func (t *Tracker) Handle(kind Kind, peer string, cause error) bool {
	k := normalize(kind)

	if t.logFunc != nil {
		t.logFunc(k, peer, cause)
	}

	label := peer
	if label == "" {
		label = "unknown"
	}
	t.vecs.byKindPeer.WithLabelValues(string(k), label).Inc()
	t.vecs.total.Inc()
	if t.otelCounter != nil {
		t.otelCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", string(k)),
			attribute.String("peer", label),
		))
	}

	if !t.allowResponse(label) {
		t.vecs.byKindPeer.WithLabelValues(string(KindRateLimited), label).Inc()
		t.vecs.total.Inc()
		return false
	}
	return true
}

func (t *Tracker) allowResponse(peer string) bool {
	t.mu.Lock()
	limiter, ok := t.throttles[peer]
	if !ok {
		limiter = rate.NewLimiter(t.throttleLimit, t.throttleBurst)
		t.throttles[peer] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}

// RemovePeer drops peer's error-response throttle state. The per-peer
// Prometheus counter series are left registered.
func (t *Tracker) RemovePeer(peer string) {
	if peer == "" {
		return
	}
	t.mu.Lock()
	delete(t.throttles, peer)
	t.mu.Unlock()
}

// Kind stringifies for logging.
func (k Kind) String() string { return string(k) }
