// Package metrics holds the Prometheus collectors exported on /metrics.
// All collectors are registered with the default registry at init.
package metrics
