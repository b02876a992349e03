// Package metrics wires the server's observable counters into Prometheus.
// Unlike a package-level global registry, Metrics is a value the caller
// constructs and threads through explicitly, so a server with metrics
// disabled never touches Prometheus at all.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge/histogram the server reports. A nil
// *Metrics is valid and every method on it is a no-op, so callers that
// don't want metrics can simply pass nil through.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	SessionsTotal        prometheus.Counter
	TranslateCacheHits   prometheus.Counter
	TranslateCacheMisses prometheus.Counter
	TranslateDuration    prometheus.Histogram
	CopyRowsTotal        *prometheus.CounterVec
	CancelRequestsTotal  prometheus.Counter
}

// NewMetrics constructs and registers a Metrics against reg. Passing a nil
// reg skips registration (useful in tests that only want the accessor
// methods to work without a live Prometheus registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irispgwire_sessions_active",
			Help: "Number of currently connected client sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irispgwire_sessions_total",
			Help: "Total number of client sessions accepted.",
		}),
		TranslateCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irispgwire_translate_cache_hits_total",
			Help: "Total number of SQL translation cache hits.",
		}),
		TranslateCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irispgwire_translate_cache_misses_total",
			Help: "Total number of SQL translation cache misses.",
		}),
		TranslateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irispgwire_translate_duration_seconds",
			Help:    "Time spent translating PostgreSQL-dialect SQL to IRIS SQL.",
			Buckets: prometheus.DefBuckets,
		}),
		CopyRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irispgwire_copy_rows_total",
			Help: "Total number of rows transferred via COPY, labeled by direction.",
		}, []string{"direction"}),
		CancelRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irispgwire_cancel_requests_total",
			Help: "Total number of CancelRequest connections handled.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.SessionsTotal,
			m.TranslateCacheHits,
			m.TranslateCacheMisses,
			m.TranslateDuration,
			m.CopyRowsTotal,
			m.CancelRequestsTotal,
		)
	}

	return m
}

// SessionStarted records the start of a new client session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionEnded records the end of a client session.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// CancelRequestHandled records a handled CancelRequest connection.
func (m *Metrics) CancelRequestHandled() {
	if m == nil {
		return
	}
	m.CancelRequestsTotal.Inc()
}

// CopyRows records n rows transferred in the given direction ("in" or
// "out").
func (m *Metrics) CopyRows(direction string, n int) {
	if m == nil {
		return
	}
	m.CopyRowsTotal.WithLabelValues(direction).Add(float64(n))
}

// TranslateHit and TranslateMiss are meant to be passed as translate.Cache.Observe
// callbacks; both are valid to call (as no-ops) on a nil *Metrics receiver.
func (m *Metrics) TranslateHit() {
	if m == nil {
		return
	}
	m.TranslateCacheHits.Inc()
}

func (m *Metrics) TranslateMiss() {
	if m == nil {
		return
	}
	m.TranslateCacheMisses.Inc()
}
