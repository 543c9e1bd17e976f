// Package otel publishes tideflow client metrics through an OpenTelemetry
// meter.
//
// [NewExporter] creates one Int64ObservableCounter per client counter and,
// for the gateway latency histogram, a bucket gauge labelled by le plus a
// count gauge. A single callback reads the client snapshot on each
// collection. The caller owns the MeterProvider.
package otel
