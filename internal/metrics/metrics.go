package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the dispatcher and reconciler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	tickDuration  prometheus.Histogram
	startAttempts *prometheus.CounterVec
	statusApplied *prometheus.CounterVec
	pollFailures  prometheus.Counter
	inflight      prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers the collectors with reg and panics on any error other than
// an identical collector already being registered, in which case it is reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "call_scheduler",
			Subsystem: "dispatch",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one dispatcher tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		startAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "call_scheduler",
			Subsystem: "dispatch",
			Name:      "start_attempts_total",
			Help:      "Call start attempts by outcome.",
		}, []string{"outcome"}),
		statusApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "call_scheduler",
			Subsystem: "reconcile",
			Name:      "status_updates_total",
			Help:      "Observed call statuses by source and whether they advanced the record.",
		}, []string{"source", "result"}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "call_scheduler",
			Subsystem: "reconcile",
			Name:      "poll_failures_total",
			Help:      "Failed status polls against the call service.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "call_scheduler",
			Subsystem: "dispatch",
			Name:      "starts_inflight",
			Help:      "Call starts currently waiting on the call service.",
		}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.tickDuration = register(m.tickDuration).(prometheus.Histogram)
	m.startAttempts = register(m.startAttempts).(*prometheus.CounterVec)
	m.statusApplied = register(m.statusApplied).(*prometheus.CounterVec)
	m.pollFailures = register(m.pollFailures).(prometheus.Counter)
	m.inflight = register(m.inflight).(prometheus.Gauge)
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// IncStart counts a start attempt. outcome is one of started, failed, exhausted, throttled, conflict.
func (m *Metrics) IncStart(outcome string) {
	if m == nil {
		return
	}
	m.startAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStatus(source string, applied bool) {
	if m == nil {
		return
	}
	result := "ignored"
	if applied {
		result = "applied"
	}
	m.statusApplied.WithLabelValues(source, result).Inc()
}

func (m *Metrics) IncPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

// TrackInflight bumps the in-flight gauge and returns the matching decrement.
func (m *Metrics) TrackInflight() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}
