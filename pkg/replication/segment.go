package replication

import (
	"encoding/json"
	"fmt"

	"github.com/weirhq/weir/pkg/frame"
	"github.com/weirhq/weir/pkg/types"
)

// EncodeSegment serializes a finalized run of log operations into the
// persisted segment format: framed JSON, lz4 compressed
func EncodeSegment(ops []types.LogOperation) ([]byte, error) {
	var blob []byte
	for i, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to encode log operation %d: %w", i, err)
		}
		blob = frame.Append(blob, raw)
	}
	return frame.Compress(blob)
}

// DecodeSegment is the inverse of EncodeSegment
func DecodeSegment(data []byte) ([]types.LogOperation, error) {
	blob, err := frame.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("corrupted log segment: %w", err)
	}
	frames, err := frame.Split(blob)
	if err != nil {
		return nil, fmt.Errorf("corrupted log segment: %w", err)
	}
	ops := make([]types.LogOperation, 0, len(frames))
	for i, raw := range frames {
		var op types.LogOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("corrupted log operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
