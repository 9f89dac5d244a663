/*
Package metrics provides Prometheus metrics and health checking for Weir.

Collectors cover the pipeline (sources, ingested operations), the epoch
manager (closed and persisted epochs), the replication log (length,
watchers, persisted segments), the cache builder (end-to-end latency from
epoch decision to cache commit, serving record counts, catch-up swaps)
and the API surface.

Everything registers against the default registry in init; serve it with:

	http.Handle("/metrics", metrics.Handler())

The health checker in health.go tracks the pipeline, the replication API
and the per-endpoint cache builders, and exposes JSON /health, /ready and
/live handlers. The orchestrator feeds it as components transition:

	metrics.RegisterComponent(metrics.ComponentPipeline, true, "")
	metrics.UpdateComponent(metrics.BuilderComponent("users"), false, err.Error())

Readiness requires the pipeline and API to be registered healthy; a
builder only gates readiness once it has registered and died.
*/
package metrics
