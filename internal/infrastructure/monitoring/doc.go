/*
Package monitoring provides Prometheus metrics for the session daemon.

# Overview

Collectors are registered against an injected prometheus.Registerer so the
daemon uses the default registry while tests use a fresh one each.

# Metrics

- HTTP request metrics (count, latency, response size) by route template
- Lifecycle operations by op and result kind, with duration histograms
- Sessions per status
- Destroy release failures by resource
- Checkpoint and archive sizes
- Reclamation actions, sweeps and suspended storage
- Event stream connections and published events

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "suspend")
	err := suspend()
	timer.Stop(resultOf(err))
*/
package monitoring
