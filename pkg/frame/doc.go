/*
Package frame implements the on-disk framing shared by checkpoints and
persisted log segments.

A blob is a sequence of length-prefixed frames (uint32 little-endian size,
then payload); the whole sequence is lz4 block compressed before upload.
Framing and compression are separate layers so in-memory paths can reuse
the framing without paying for compression.
*/
package frame
