/*
Package storage abstracts the object store that checkpoints and persisted
log segments live in.

Two backends implement the Storage interface:

  - LocalStorage: files under a base directory, atomic via rename. The
    default for single-machine deployments and tests.
  - S3Storage: an S3 bucket and key prefix, built on aws-sdk-go-v2. A
    custom endpoint plus path-style addressing supports MinIO and other
    S3-compatible stores.

# Upload Queue

UploadQueue serializes uploads onto a background worker with a bounded
submission buffer. Submit returns a completion channel; the checkpoint
factory and replication log await it to learn when their blob became
durable. The queue dies on the first upload error — every later submission
fails with ErrPersistingExited and the pipeline is expected to stop,
because a lost checkpoint upload cannot be papered over.

# Key Layout

Keys are slash-separated paths relative to the backend prefix. The
checkpoint factory owns the record_store/ and processor/ keys; each
replication log owns the keys under log/<endpoint>/:

	record_store/<zero-padded epoch id>
	processor/<epoch id>/<node handle>
	log/<endpoint>/<zero-padded start position>
*/
package storage
