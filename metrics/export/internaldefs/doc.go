// Package internaldefs holds the metric names, help text and bucket bounds
// shared by the exporters, so Prometheus and OpenTelemetry publish the same
// series.
//
// Names are derived from tideflow.MetricID; adding a counter there needs a
// help entry here before it is exported.
package internaldefs
