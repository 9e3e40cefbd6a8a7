/*
Package metrics exposes Prometheus instrumentation for the Lyceum core.

Gauges track queue depth per band, tasks and workers by state, and the
dead-letter backlog. Counters cover enqueues, completions, failures,
retries, displacements, heartbeat deaths and acknowledgement timeouts.
Histograms time dequeue matching and snapshot writes. The supervisor
publishes iteration counts, resource utilisation and per-role
effectiveness.

All collectors are registered in init; serve them with:

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
