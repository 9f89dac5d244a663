/*
Package replication implements the append-only operation log that makes a
pipeline's output durable and sharable.

A log is a hybrid of persisted segments in object storage and an
in-memory tail. Positions are global and dense:

	persisted[0].Range.Start == 0
	persisted[i+1].Range.Start == persisted[i].Range.End
	persisted[last].Range.End == in-memory start

Every persisted segment ends with a commit marker; a segment becomes part
of the log only when its upload completed (PersistFuture.Await), so a
crash mid-upload loses nothing that was ever visible as persisted.

# Reads

Read serves "at least start, up to end". A start position inside a
persisted segment returns a pointer to that segment — the caller downloads
it from object storage directly, keeping bulk catch-up traffic off the
server. An in-memory range returns synchronously; anything else waits via
a watcher. When the timeout fires with data available the response is
short; with nothing available the watcher stays open until the next write.

# Sink

LogSink adapts a log to the executor's sink interface: operations and
commit markers append during normal flow, persisting epochs enqueue
segment uploads, and finalizations apply in order on a background
goroutine so the commit barrier never blocks on object storage.
*/
package replication
