/*
Package metrics exposes snapstore's Prometheus registry: journal backlog,
storage-row counts by type/status, reference-manager contention, chain
acquire latency, recycling cycle/work counters, and orchestrator
duration/error counts.

Handler() serves the registry over HTTP; Collector periodically samples
store-wide counts (journal backlog, storage rows) into the gauges, the
same ticker-driven shape as warren's pkg/metrics.Collector.
*/
package metrics
