package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// SourceDefinition records where a field originated upstream. Both members
// are empty for fields synthesized inside the pipeline.
type SourceDefinition struct {
	Connection string `json:"connection,omitempty"`
	Table      string `json:"table,omitempty"`
}

// FieldDefinition describes one field of a schema
type FieldDefinition struct {
	Name     string           `json:"name"`
	Type     FieldKind        `json:"type"`
	Nullable bool             `json:"nullable"`
	Source   SourceDefinition `json:"source,omitempty"`
}

// Schema is an ordered list of field definitions plus the positions of the
// primary key. An empty PrimaryIndex means there is no stable key and the
// full row identifies the record.
type Schema struct {
	Fields       []FieldDefinition `json:"fields"`
	PrimaryIndex []int             `json:"primary_index,omitempty"`
}

// FieldIndex returns the position of the named field, or -1. Name lookups
// happen at plan time only; the hot path works with integer positions.
func (s Schema) FieldIndex(name string) int {
	for i, fd := range s.Fields {
		if fd.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks the primary index against the field list
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, fd := range s.Fields {
		if fd.Name == "" {
			return fmt.Errorf("schema field with empty name")
		}
		if _, ok := seen[fd.Name]; ok {
			return fmt.Errorf("duplicate schema field: %s", fd.Name)
		}
		seen[fd.Name] = struct{}{}
	}
	for _, idx := range s.PrimaryIndex {
		if idx < 0 || idx >= len(s.Fields) {
			return fmt.Errorf("primary index %d out of range (%d fields)", idx, len(s.Fields))
		}
	}
	return nil
}

// PrimaryKey extracts the canonical primary-key bytes of a record under
// this schema. With no primary index the whole row is the key.
func (s Schema) PrimaryKey(r Record) []byte {
	if len(s.PrimaryIndex) == 0 {
		return r.AppendBinary(nil)
	}
	var b []byte
	for _, idx := range s.PrimaryIndex {
		b = r.Values[idx].AppendBinary(b)
	}
	return b
}

// Fingerprint returns a stable hex digest of the schema. Cache names embed
// it so a schema change forces a rebuild instead of reusing stale state.
func (s Schema) Fingerprint() string {
	raw, _ := json.Marshal(s)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:8])
}

// Equal reports whether two schemas are identical
func (s Schema) Equal(other Schema) bool {
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}
