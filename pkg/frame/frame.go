package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Persisted blobs are sequences of length-prefixed frames: a uint32
// little-endian payload size followed by the payload. The whole sequence is
// lz4 block compressed before it reaches object storage.

// ErrShortFrame reports a truncated or corrupted frame stream
var ErrShortFrame = fmt.Errorf("truncated frame")

// Append appends one length-prefixed frame to b
func Append(b, payload []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

// Write writes one length-prefixed frame to w
func Write(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Next splits the first frame off data, returning the payload and the rest
func Next(data []byte) (payload, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrShortFrame
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+n {
		return nil, nil, ErrShortFrame
	}
	return data[4 : 4+n], data[4+n:], nil
}

// Split decodes every frame in data
func Split(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		payload, rest, err := Next(data)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
		data = rest
	}
	return out, nil
}

// Compress lz4-compresses a frame stream for object storage. The output
// carries the uncompressed size so Decompress can allocate exactly.
func Compress(data []byte) ([]byte, error) {
	out := make([]byte, 8+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint64(out, uint64(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, out[8:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// incompressible; store raw with a zero marker
		out = binary.LittleEndian.AppendUint64(out[:0], uint64(len(data)))
		out = binary.LittleEndian.AppendUint64(out, 0)
		return append(out, data...), nil
	}
	return out[:8+n], nil
}

// Decompress is the inverse of Compress
func Decompress(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, ErrShortFrame
	}
	size := binary.LittleEndian.Uint64(data)
	data = data[8:]
	if len(data) >= 8 && binary.LittleEndian.Uint64(data) == 0 && uint64(len(data)-8) == size {
		// raw marker
		return data[8:], nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}
