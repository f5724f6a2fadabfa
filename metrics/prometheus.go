// Package metrics provides MetricsSink implementations. PrometheusSink
// wires admitcore's metrics contract to github.com/prometheus/client_golang,
// the metrics dependency pulled into this module's stack from the
// omd02-GoRateLimiter reference repo's go.mod.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvid-systems/admitcore"
)

// PrometheusSink implements admitcore.MetricsSink as a bundle of
// CounterVec/HistogramVec/GaugeVec metrics registered against a
// caller-supplied prometheus.Registerer. Per the MetricsSink contract, no
// method ever returns an error or panics on the caller's behalf;
// registration failures are swallowed so a misconfigured sink degrades to a
// no-op rather than taking down the admission path.
type PrometheusSink struct {
	allows     *prometheus.CounterVec
	denies     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	breakerLog *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	usage      *prometheus.GaugeVec
}

// NewPrometheusSink constructs and registers the metric families against
// reg. Registration errors (e.g. a duplicate registration in tests) are
// swallowed; the returned sink remains usable either way.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		allows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admitcore_allowed_total",
			Help: "Total requests admitted, by limiter name.",
		}, []string{"limiter"}),
		denies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admitcore_denied_total",
			Help: "Total requests denied, by limiter name.",
		}, []string{"limiter"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admitcore_errors_total",
			Help: "Total storage errors encountered, by limiter name.",
		}, []string{"limiter"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admitcore_fallback_total",
			Help: "Total fail-open/fail-closed fallbacks, by limiter name and reason.",
		}, []string{"limiter", "reason"}),
		breakerLog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admitcore_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions, by limiter name and new state.",
		}, []string{"limiter", "state"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admitcore_decision_latency_seconds",
			Help:    "Latency of admission decisions, by limiter name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"limiter"}),
		usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admitcore_usage_ratio",
			Help: "Most recently observed usage as a fraction of limit, by limiter name.",
		}, []string{"limiter"}),
	}

	for _, c := range []prometheus.Collector{s.allows, s.denies, s.errors, s.fallbacks, s.breakerLog, s.latency, s.usage} {
		_ = reg.Register(c) // duplicate/other registration errors are non-fatal to the sink
	}

	return s
}

func (s *PrometheusSink) RecordAllow(limiterName string) {
	s.allows.WithLabelValues(limiterName).Inc()
}

func (s *PrometheusSink) RecordDeny(limiterName string) {
	s.denies.WithLabelValues(limiterName).Inc()
}

func (s *PrometheusSink) RecordError(limiterName string, _ error) {
	s.errors.WithLabelValues(limiterName).Inc()
}

func (s *PrometheusSink) RecordLatency(limiterName string, d time.Duration) {
	s.latency.WithLabelValues(limiterName).Observe(d.Seconds())
}

func (s *PrometheusSink) RecordFallback(limiterName, reason string) {
	s.fallbacks.WithLabelValues(limiterName, reason).Inc()
}

func (s *PrometheusSink) RecordBreakerStateChange(limiterName, newState string) {
	s.breakerLog.WithLabelValues(limiterName, newState).Inc()
}

func (s *PrometheusSink) RecordUsage(limiterName string, current, limit int64) {
	if limit <= 0 {
		return
	}
	s.usage.WithLabelValues(limiterName).Set(float64(current) / float64(limit))
}

var _ admitcore.MetricsSink = (*PrometheusSink)(nil)
