// Package metrics exposes agent counters and gauges for Prometheus on a
// private registry, served by the local status endpoint.
package metrics
