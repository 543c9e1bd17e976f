package tideflow

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a client counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRegisterSuccess
	MetricRegisterFailure
	MetricLogout
	MetricRehydrateAuthenticated
	MetricRehydrateUnauthenticated
	MetricTokenPurged
	MetricPrincipalCacheHit
	MetricPrincipalFetched
	MetricPersistFailure
	MetricRoleRedirect
	MetricAccessDenied
	MetricMessageSent
	MetricMessageRolledBack
	MetricHistoryReload
	MetricConversationReset
	MetricConversationNotFound
	MetricTranscription
	MetricReportGenerated
	MetricReportReady
	MetricReportPending
	MetricReportFailed
	MetricGatewayRequest
	MetricGatewayHTTPError
	MetricGatewayUnreachable
	MetricGatewayLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:             "login_success",
	MetricLoginFailure:             "login_failure",
	MetricRegisterSuccess:          "register_success",
	MetricRegisterFailure:          "register_failure",
	MetricLogout:                   "logout",
	MetricRehydrateAuthenticated:   "rehydrate_authenticated",
	MetricRehydrateUnauthenticated: "rehydrate_unauthenticated",
	MetricTokenPurged:              "token_purged",
	MetricPrincipalCacheHit:        "principal_cache_hit",
	MetricPrincipalFetched:         "principal_fetched",
	MetricPersistFailure:           "persist_failure",
	MetricRoleRedirect:             "role_redirect",
	MetricAccessDenied:             "access_denied",
	MetricMessageSent:              "message_sent",
	MetricMessageRolledBack:        "message_rolled_back",
	MetricHistoryReload:            "history_reload",
	MetricConversationReset:        "conversation_reset",
	MetricConversationNotFound:     "conversation_not_found",
	MetricTranscription:            "transcription",
	MetricReportGenerated:          "report_generated",
	MetricReportReady:              "report_ready",
	MetricReportPending:            "report_pending",
	MetricReportFailed:             "report_failed",
	MetricGatewayRequest:           "gateway_request",
	MetricGatewayHTTPError:         "gateway_http_error",
	MetricGatewayUnreachable:       "gateway_unreachable",
	MetricGatewayLatency:           "gateway_latency",
}

// String returns the snake_case name exporters publish.
func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs lists every counter in declaration order.
func MetricIDs() []MetricID {
	out := make([]MetricID, 0, int(metricIDCount))
	for id := MetricID(0); id < metricIDCount; id++ {
		out = append(out, id)
	}
	return out
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// HistogramBounds are the inclusive upper bounds of the latency buckets;
// the last bucket is unbounded.
var HistogramBounds = [histBucketCount - 1]time.Duration{
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free client counters. A nil or disabled Metrics is a
// valid no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	latency       metricHistogram
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters that are no-ops when cfg disables them.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id. Safe on a nil or disabled Metrics.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a gateway round trip. Only MetricGatewayLatency has a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricGatewayLatency {
		return
	}
	atomic.AddUint64(&m.latency.buckets[bucketIndex(d)], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. Disabled metrics return empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.latency.buckets[i])
		}
		s.Histograms[MetricGatewayLatency] = buckets
	}
	return s
}

// observeGateway is installed as the gateway observer.
func (m *Metrics) observeGateway(_, _ string, status int, elapsed time.Duration) {
	m.Inc(MetricGatewayRequest)
	switch {
	case status == 0:
		m.Inc(MetricGatewayUnreachable)
	case status < 200 || status > 299:
		m.Inc(MetricGatewayHTTPError)
	}
	m.Observe(MetricGatewayLatency, elapsed)
}

func bucketIndex(d time.Duration) int {
	for i, bound := range HistogramBounds {
		if d <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
