// Package prometheus renders tideflow client counters in Prometheus text
// exposition format.
//
// Counters are named tideflow_*_total; the gateway latency histogram is
// tideflow_gateway_latency_seconds. Nothing is registered globally: callers
// mount [Exporter.Handler] where they want it.
package prometheus
