package api

import (
	"encoding/json"
	"fmt"
)

// Codec is the JSON codec the replication service runs over. API stub
// generation is out of scope for the core, so messages are plain structs
// and both sides force this codec instead of protobuf.
type Codec struct{}

// Name identifies the codec in the grpc content subtype
func (Codec) Name() string { return "weir-json" }

// Marshal encodes a message
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("weir-json: failed to marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes a message
func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("weir-json: failed to unmarshal %T: %w", v, err)
	}
	return nil
}
