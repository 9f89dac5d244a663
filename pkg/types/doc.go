/*
Package types defines the core data structures used throughout Weir.

This package contains the domain model every other package builds on:
records and their typed fields, schemas, CDC operations, DAG node handles,
epoch and source-state bookkeeping, replication-log elements and cache
record metadata.

# Core Types

Data plane:
  - Field: one typed value (null, int, float, decimal, string, binary,
    timestamp, date, duration, point, json, boolean)
  - Record: ordered fields plus an optional lifetime (TTL)
  - Schema: ordered field definitions plus the primary-key positions
  - Operation: Insert / Delete / Update / BatchInsert

Control plane:
  - NodeHandle: stable identifier of a DAG node, the key for all per-node
    persisted state
  - SourceState(s): per-source restart positions captured at epoch close
  - Epoch: a barrier-delimited execution interval with its commit decision

Log and cache:
  - LogOperation: an element of the replication log (Op, Commit,
    SnapshottingStarted, SnapshottingDone)
  - PersistedLogEntry: metadata of one finalized log segment
  - CacheRecord / RecordMeta: cached rows with id and version
  - ConflictResolution: per-endpoint primary-key collision policies

# Design Patterns

Enumerations are typed string constants:

	type OperationKind string
	const (
	    OperationInsert OperationKind = "insert"
	    OperationDelete OperationKind = "delete"
	)

Fields carry their own canonical binary encoding (AppendBinary) which is
the single source of truth for record identity: the record store hashes
it, the cache derives primary keys from it, and Compare falls back to it
for kinds without a natural order.

Serialization is tagged JSON. Int and decimal values travel as strings so
64-bit precision survives the wire; binary travels base64.

# Thread Safety

All types here are plain values. They can be read concurrently; mutation
must be synchronized by the owning component. Interned records (see
pkg/recordstore) are immutable by construction.
*/
package types
