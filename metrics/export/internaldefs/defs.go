package internaldefs

import (
	"strconv"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
)

// Namespace prefixes every exported metric name.
const Namespace = "tideflow"

// CounterDef names one exported counter.
type CounterDef struct {
	ID   tideflow.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   tideflow.MetricID
	Name string
	Help string
}

var counterHelp = map[tideflow.MetricID]string{
	tideflow.MetricLoginSuccess:             "Successful logins.",
	tideflow.MetricLoginFailure:             "Failed logins.",
	tideflow.MetricRegisterSuccess:          "Successful registrations.",
	tideflow.MetricRegisterFailure:          "Rejected registrations.",
	tideflow.MetricLogout:                   "Logouts.",
	tideflow.MetricRehydrateAuthenticated:   "Startups that restored a session.",
	tideflow.MetricRehydrateUnauthenticated: "Startups that ended unauthenticated.",
	tideflow.MetricTokenPurged:              "Persisted tokens dropped as unusable.",
	tideflow.MetricPrincipalCacheHit:        "Rehydrations served from the cached principal.",
	tideflow.MetricPrincipalFetched:         "Principal records fetched from the auth service.",
	tideflow.MetricPersistFailure:           "Device storage writes or deletes that failed.",
	tideflow.MetricRoleRedirect:             "Role gate redirects.",
	tideflow.MetricAccessDenied:             "Role gate checks that denied access.",
	tideflow.MetricMessageSent:              "Conversation messages answered by the AI service.",
	tideflow.MetricMessageRolledBack:        "Optimistic messages removed after a failed send.",
	tideflow.MetricHistoryReload:            "Conversation history reloads.",
	tideflow.MetricConversationReset:        "Conversations reset by the user.",
	tideflow.MetricConversationNotFound:     "Persisted conversations the backend no longer knows.",
	tideflow.MetricTranscription:            "Audio transcriptions.",
	tideflow.MetricReportGenerated:          "Reports requested.",
	tideflow.MetricReportReady:              "Reports that completed while polling.",
	tideflow.MetricReportPending:            "Report polls that ran out of attempts.",
	tideflow.MetricReportFailed:             "Reports that failed to generate.",
	tideflow.MetricGatewayRequest:           "Gateway requests.",
	tideflow.MetricGatewayHTTPError:         "Gateway requests answered with a non-2xx status.",
	tideflow.MetricGatewayUnreachable:       "Gateway requests that got no response.",
}

// CounterDefs lists every counter in MetricID order.
var CounterDefs = buildCounterDefs()

// HistogramDefs lists the latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: tideflow.MetricGatewayLatency, Name: Namespace + "_gateway_latency_seconds", Help: "Gateway round-trip latency."},
}

// HistogramBounds are the le labels, in seconds, ending with +Inf.
var HistogramBounds = buildBounds()

func buildCounterDefs() []CounterDef {
	defs := make([]CounterDef, 0, len(counterHelp))
	for _, id := range tideflow.MetricIDs() {
		help, ok := counterHelp[id]
		if !ok {
			continue
		}
		defs = append(defs, CounterDef{ID: id, Name: Namespace + "_" + id.String() + "_total", Help: help})
	}
	return defs
}

func buildBounds() []string {
	out := make([]string, 0, len(tideflow.HistogramBounds)+1)
	for _, d := range tideflow.HistogramBounds {
		out = append(out, strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
	}
	return append(out, "+Inf")
}

// BucketCount is the number of histogram buckets, including +Inf.
const BucketCount = len(tideflow.HistogramBounds) + 1

// NormalizeBuckets pads or truncates raw to BucketCount entries.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into le counts.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
