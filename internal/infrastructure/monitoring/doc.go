/*
Package monitoring provides kernel metrics and notable error tracking.

# Overview

Metrics are Prometheus collectors registered on a registry owned by each
Metrics value, so tests and embedded kernels never collide on the global
default registry. Components accept a *Metrics and a *Notable and treat nil
as "record nothing".

# Features

- Query manager metrics (issued, settled by outcome, pending, latency)
- Router metrics (dispatch results, open active queries)
- Module metrics (loads by outcome, ready modules, seed deliveries, dropped logs)
- Relay forward counts
- Notable errors (bounded ring + counter)
- HTTP request metrics via Gin middleware

# Usage

	metrics := monitoring.NewMetrics()
	notable := monitoring.NewNotable(0, metrics, logger)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
