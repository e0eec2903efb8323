// Package metrics exposes Prometheus instrumentation and the HTTP health
// surface. Metric values are updated by the owning components; this package
// only declares, registers and serves them.
package metrics
