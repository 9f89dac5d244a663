/*
Package orchestrator assembles and supervises one pipeline deployment.

An App owns the pieces every deployment needs — object storage, the
checkpoint factory, the replication-log registry, the event broker — and
runs the user-supplied DAG through the executor. Around the run it serves
the replication API, the metrics/health endpoints, and one cache builder
per configured endpoint.

	app, err := orchestrator.New(ctx, cfg)
	d := dag.New()
	d.AddSource(types.NewNodeHandle("users"), myConnectorFactory)
	d.AddSink(types.NewNodeHandle("users-log"), app.SinkFactory("users"))
	d.Connect(...)
	err = app.Run(ctx, d)

Builders run against an in-process transport — the same contract remote
readers get from api.Client, without the network hop. A builder whose
reader dies is rebuilt and resumes from its cache's commit state; the
pipeline itself fails fast and Run returns the first worker error.
*/
package orchestrator
