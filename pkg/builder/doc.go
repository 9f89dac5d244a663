/*
Package builder ties a log reader to a cache.

A builder consumes one endpoint's replication log in strict position
order (a gap is a fatal invariant violation), applies operations through
the cache's conflict-resolution modes, commits the cache on commit
markers and tracks snapshotting completion per connection.

# Catch-up Swap

The cache name is derived from the log identity and schema fingerprint.
When the name on the handshake matches the cache that served before, the
builder simply reopens it and resumes from its commit state. When the
name changed — the pipeline was rebuilt or the schema evolved — the old
cache keeps answering queries while a fresh cache replays the log from
position zero. At the first commit at or past the old cache's position,
the serving pointer atomically flips to the new cache and the old one is
decommissioned. Readers load the pointer lock-free, so a query sees
either the old cache (commit state no newer than where it stood at
build start) or the fully caught-up new one, never a mix.

# Failure

A dead log reader ends Run with an error. The caller builds a new
builder; it resumes from the building cache's committed position.
*/
package builder
