/*
Package checkpoint persists pipeline state to object storage and recovers
it on startup.

The unit of durability is the record-store slice: one object per persisted
epoch holding the source states at epoch close plus every record interned
since the previous slice. Uploading a slice is the commit linearization
point — an epoch whose slice never landed simply never happened, and any
per-processor state files written for it are deleted during the next
startup scan.

# Key Layout

Under the factory's storage prefix:

	record_store/<zero-padded epoch id>          record-store slice
	processor/<epoch id>/<node handle>           processor state
	processor/<epoch id>/<node handle>-<port>    record-writer state

# Recovery

New lists the record_store prefix, applies every slice in epoch order
(reproducing identical record handles), keeps the last slice's source
states as the resume positions and prunes spurious processor files. If
any recovered source was non-restartable, CheckRestartable fails and the
operator must wipe state.

# Failure Model

Uploads run on the factory's UploadQueue. The first upload error kills the
queue; every later persistence attempt fails with ErrPersistingExited and
the pipeline stops.
*/
package checkpoint
