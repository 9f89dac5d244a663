package recordstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weirhq/weir/pkg/frame"
	"github.com/weirhq/weir/pkg/types"
)

// Handle is an opaque fixed-width reference to an interned record. Handles
// are only meaningful against the store that issued them.
type Handle uint64

// ErrUnknownHandle reports a handle that this store never issued
var ErrUnknownHandle = fmt.Errorf("record store: unknown handle")

// Value is one slot of a stored record: either an owned field or a
// reference to an earlier-interned record. References can only point
// backwards, which rules out cycles by construction.
type Value struct {
	Ref   Handle
	Field types.Field
	IsRef bool
}

// FieldValue wraps an owned field
func FieldValue(f types.Field) Value { return Value{Field: f} }

// RefValue wraps a reference to an interned record
func RefValue(h Handle) Value { return Value{Ref: h, IsRef: true} }

// StoredRecord is the interned shape of a record: owned fields interleaved
// with references to shared sub-records.
type StoredRecord struct {
	Values   []Value
	Lifetime *types.Lifetime
}

// loc addresses one flat field position: the entry owning the field and the
// index into that entry's owned fields
type loc struct {
	entry uint64
	pos   uint32
}

type entry struct {
	rec    StoredRecord
	fields []types.Field // owned fields of rec, in order
	flat   []loc         // flat position -> owning (entry, field) pair
	hash   [32]byte
}

// Store is the process-wide intern table for records. It is append-only;
// concurrent inserts of equal content return the same handle.
type Store struct {
	mu      sync.RWMutex
	entries []entry
	byHash  map[[32]byte]Handle
}

// New creates an empty record store
func New() *Store {
	return &Store{byHash: make(map[[32]byte]Handle)}
}

// Insert interns a record and returns its handle. Inserting equal content
// twice returns the identical handle without growing the store.
func (s *Store) Insert(rec StoredRecord) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *Store) insertLocked(rec StoredRecord) (Handle, error) {
	self := uint64(len(s.entries))
	e := entry{rec: rec}
	var hashBuf []byte
	for i, v := range rec.Values {
		if v.IsRef {
			if uint64(v.Ref) >= self {
				return 0, fmt.Errorf("record store: value %d references %d, which is not an earlier record", i, v.Ref)
			}
			e.flat = append(e.flat, s.entries[v.Ref].flat...)
			hashBuf = append(hashBuf, 'R')
			hashBuf = binary.BigEndian.AppendUint64(hashBuf, uint64(v.Ref))
		} else {
			e.flat = append(e.flat, loc{entry: self, pos: uint32(len(e.fields))})
			e.fields = append(e.fields, v.Field)
			hashBuf = append(hashBuf, 'F')
			hashBuf = v.Field.AppendBinary(hashBuf)
		}
	}
	e.hash = sha256.Sum256(hashBuf)

	if h, ok := s.byHash[e.hash]; ok {
		return h, nil
	}
	h := Handle(self)
	s.entries = append(s.entries, e)
	s.byHash[e.hash] = h
	return h, nil
}

// InsertRecord interns a plain record with no shared sub-records
func (s *Store) InsertRecord(rec types.Record) (Handle, error) {
	stored := StoredRecord{Lifetime: rec.Lifetime}
	for _, f := range rec.Values {
		stored.Values = append(stored.Values, FieldValue(f))
	}
	return s.Insert(stored)
}

// Get returns the stored shape of a record
func (s *Store) Get(h Handle) (StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint64(h) >= uint64(len(s.entries)) {
		return StoredRecord{}, ErrUnknownHandle
	}
	return s.entries[h].rec, nil
}

// Load flattens an interned record back into a plain record
func (s *Store) Load(h Handle) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint64(h) >= uint64(len(s.entries)) {
		return types.Record{}, ErrUnknownHandle
	}
	e := &s.entries[h]
	out := types.Record{
		Values:   make([]types.Field, len(e.flat)),
		Lifetime: e.rec.Lifetime,
	}
	for i, l := range e.flat {
		out.Values[i] = s.entries[l.entry].fields[l.pos]
	}
	return out, nil
}

// FieldAt resolves one flat field position of a record through the
// per-record index table
func (s *Store) FieldAt(h Handle, pos int) (types.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint64(h) >= uint64(len(s.entries)) {
		return types.Field{}, ErrUnknownHandle
	}
	e := &s.entries[h]
	if pos < 0 || pos >= len(e.flat) {
		return types.Field{}, fmt.Errorf("record store: field position %d out of range (%d fields)", pos, len(e.flat))
	}
	l := e.flat[pos]
	return s.entries[l.entry].fields[l.pos], nil
}

// TotalFields returns the flattened field count of a record
func (s *Store) TotalFields(h Handle) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint64(h) >= uint64(len(s.entries)) {
		return 0, ErrUnknownHandle
	}
	return len(s.entries[h].flat), nil
}

// NumRecords returns the number of interned records
func (s *Store) NumRecords() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries))
}

type valueJSON struct {
	Ref   *Handle      `json:"ref,omitempty"`
	Field *types.Field `json:"field,omitempty"`
}

type storedRecordJSON struct {
	Values   []valueJSON     `json:"values"`
	Lifetime *types.Lifetime `json:"lifetime,omitempty"`
}

// SerializeSlice serializes every record interned since fromIndex as an
// appendable frame stream and returns the new end index. Applying slices
// back in original order reproduces identical handles.
func (s *Store) SerializeSlice(fromIndex uint64) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := uint64(len(s.entries))
	if fromIndex > end {
		return nil, 0, fmt.Errorf("record store: slice start %d beyond end %d", fromIndex, end)
	}
	var out []byte
	for i := fromIndex; i < end; i++ {
		rec := s.entries[i].rec
		sj := storedRecordJSON{Lifetime: rec.Lifetime}
		for _, v := range rec.Values {
			if v.IsRef {
				ref := v.Ref
				sj.Values = append(sj.Values, valueJSON{Ref: &ref})
			} else {
				f := v.Field
				sj.Values = append(sj.Values, valueJSON{Field: &f})
			}
		}
		raw, err := json.Marshal(sj)
		if err != nil {
			return nil, 0, fmt.Errorf("record store: serialize record %d: %w", i, err)
		}
		out = frame.Append(out, raw)
	}
	return out, end, nil
}

// DeserializeAndExtend restores a serialized slice. Slices must be applied
// in the order they were produced.
func (s *Store) DeserializeAndExtend(data []byte) error {
	frames, err := frame.Split(data)
	if err != nil {
		return fmt.Errorf("record store: corrupted slice: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range frames {
		var sj storedRecordJSON
		if err := json.Unmarshal(raw, &sj); err != nil {
			return fmt.Errorf("record store: corrupted slice record: %w", err)
		}
		rec := StoredRecord{Lifetime: sj.Lifetime}
		for _, v := range sj.Values {
			switch {
			case v.Ref != nil:
				rec.Values = append(rec.Values, RefValue(*v.Ref))
			case v.Field != nil:
				rec.Values = append(rec.Values, FieldValue(*v.Field))
			default:
				return fmt.Errorf("record store: slice value with neither ref nor field")
			}
		}
		if _, err := s.insertLocked(rec); err != nil {
			return err
		}
	}
	return nil
}
