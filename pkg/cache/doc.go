/*
Package cache implements the read-optimized store behind one endpoint.

Rows live in a bbolt file keyed by the schema's primary key; secondary
indexes (sorted btrees for equality and range, tokenized inverted maps
for full text) live in memory and are rebuilt from the rows at open.

# Commit Discipline

The cache has a single writer — its cache-builder thread. Mutations since
the last commit accumulate in one bbolt write transaction plus a pending
list of index updates; Commit publishes both together with the commit
state (the highest applied log position). Readers run on bbolt read
transactions and therefore see all of an epoch's mutations or none of
them. Closing a cache mid-epoch rolls the open transaction back.

# Conflict Resolution

Primary-key collisions resolve per the endpoint's configured modes:
OnInsert (nothing / update / panic), OnUpdate on a missing row (nothing /
upsert / panic), OnDelete on a missing row (nothing / panic). "Panic"
surfaces ErrCacheConflict and fails the pipeline.

# Queries

Query takes a conjunction of predicates, an optional full-text term,
ORDER BY and LIMIT/OFFSET. The planner picks the best-covering index to
narrow candidates; every predicate is re-applied row by row, so planner
choices affect cost, never results.
*/
package cache
