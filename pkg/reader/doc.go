/*
Package reader implements the client side of the replication log.

A LogReader handshakes with the replication API to learn the endpoint's
schema and cache identity, then streams operations in position order. A
background fetcher keeps a bounded look-ahead buffer full, requesting
batches of the configured size with the configured poll timeout. Persisted
segments arrive as pointers and are downloaded from object storage
directly, so bulk catch-up never funnels through the API server.

Short responses are part of the read contract, not errors: the fetcher
drives its position forward with whatever arrives. A transport failure is
fatal to the reader (ErrReaderExit); the caller rebuilds a new reader,
which resumes from Cursor.
*/
package reader
