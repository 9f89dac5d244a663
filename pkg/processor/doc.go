/*
Package processor ships the built-in transformations: filter, projection
and a running grouped sum.

All three are incremental: they consume CDC operations and emit CDC
operations, so downstream caches stay correct under inserts, updates and
deletes alike. A filter turns an update crossing the predicate boundary
into an insert or delete; the aggregation folds rows in and out of their
groups and emits the group-level diff.

The aggregation is the package's only stateful processor; its groups
serialize into the checkpoint on persisting epochs and reload on
recovery.
*/
package processor
