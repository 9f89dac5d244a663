/*
Package executor materializes a DAG description and runs it.

Every node runs in its own goroutine-backed worker; every edge is one
bounded channel, so backpressure is a blocked send and ordering within an
edge is channel FIFO. Sources run as two cooperating threads: a sender
driving the connector and a listener that forwards operations and
interjects epoch barriers, keeping connectors entirely unaware of epochs.

# Epochs

The EpochManager is shared by all sources. Its state alternates between
Closing — sources accumulate termination (AND) and commit (OR) requests
and wait on the barrier — and Closed — all sources read one common
decision. The decision maker also settles persistence: a committing epoch
persists when the record store grew past the configured threshold, the
configured interval elapsed, or the epoch is terminating, and the
record-store slice upload it
enqueues is the commit's durability point. The epoch id advances only
after a persisted epoch.

Commit markers broadcast on every edge; a multi-input worker holds each
input after its marker until all inputs delivered theirs, so downstream
never observes operations of epoch N+1 before the commit of epoch N.

# Failure

A worker error or panic kills the pipeline: the kill context aborts
channel operations, the epoch barrier releases with an error decision,
every worker joins and Run returns the first error. Graceful Stop instead
asks every source to request termination, which drains the DAG within one
barrier round.
*/
package executor
