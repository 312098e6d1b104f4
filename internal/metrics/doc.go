/*
Package metrics provides in-process metrics collection for mergefsd merge
passes, reconciliation actions, and normalizer cache performance.

# Overview

The metrics package implements Prometheus-based metrics collection for merge
pass outcomes, reconciliation actions, title normalizer cache hit rates, and
daemon errors. Because mergefsd never exposes a network service, the
Prometheus registry is never served over HTTP; instead it is periodically
rendered in Prometheus text exposition format and written to a file under
the daemon's state root.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  Periodic dump │
	│   Registry   │────────▶│  to text file  │
	│              │         │  (no listener) │
	│ - Counters   │         └─────────────────┘
	│ - Histograms │
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: The main metrics collector that aggregates and renders merge
pass metrics. It maintains both Prometheus metrics (for the text-file dump)
and internal operation tracking (for diagnostics).

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		DumpPath:  "/var/lib/mergefsd/metrics.prom",
		Namespace: "mergefsd",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Merge Passes

The collector tracks each classified merge pass outcome with timing:

	startTime := time.Now()
	outcome := orch.RunMergePass(ctx, req)
	duration := time.Since(startTime)

	collector.RecordPass(string(outcome.Classification), duration)

# Reconciliation Actions

Track individual mount/unmount/remount actions applied during a pass:

	collector.RecordAction("mount", true)
	collector.RecordAction("remount", false)

# Normalizer Cache

Track the title normalizer's bounded LRU cache hit rate:

	collector.RecordNormalize(true)  // hit
	collector.RecordNormalize(false) // miss

# Error Tracking

Record and classify errors for diagnostics:

	if err != nil {
		collector.RecordError("mountcmd", err)
		return err
	}

# Prometheus Metrics

The collector renders standard Prometheus metrics to the dump file:

Counters:
  - mergefsd_merge_passes_total{outcome}: Total merge passes by classification
  - mergefsd_reconciliation_actions_total{type,status}: Actions applied
  - mergefsd_title_normalize_cache_total{result}: Normalizer cache lookups
  - mergefsd_errors_total{component,type}: Errors by component and classification

Histograms:
  - mergefsd_merge_pass_duration_seconds{outcome}: Pass latency distribution

Gauges:
  - mergefsd_active_mounts{state}: Current number of active mergerfs mounts

# No Network Exposition

mergefsd does not expose a network service. There is no /metrics HTTP
endpoint; an operator scrapes the dump file directly, or points
node_exporter's textfile collector at its directory:

	node_exporter --collector.textfile.directory=/var/lib/mergefsd

# Configuration

The Config struct controls metrics behavior:

	config := &metrics.Config{
		Enabled:        true,                       // Enable/disable collection
		DumpPath:       "/var/lib/mergefsd/metrics.prom",
		Namespace:      "mergefsd",                 // Prometheus namespace
		Subsystem:      "",                         // Optional subsystem prefix
		UpdateInterval: 30 * time.Second,            // Periodic dump interval
	}

# Thread Safety

All Collector methods are thread-safe and can be called concurrently from
multiple goroutines. The collector uses RWMutex for efficient concurrent
access.

# See Also

- internal/readiness: Readiness checking for mounts, watcher, and executor
- internal/circuit: Circuit breaker for reliability
- pkg/errors: Structured error handling
*/
package metrics
