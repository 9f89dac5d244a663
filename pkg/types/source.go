package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// OpIdentifier is an opaque, connector-defined byte string marking a
// resumable position in a source
type OpIdentifier []byte

// SourceStateKind tags the per-source restart states
type SourceStateKind string

const (
	SourceNotStarted     SourceStateKind = "not_started"
	SourceNonRestartable SourceStateKind = "non_restartable"
	SourceRestartable    SourceStateKind = "restartable"
)

// SourceState is the restart state of one source at an epoch boundary
type SourceState struct {
	Kind SourceStateKind `json:"kind"`
	Op   OpIdentifier    `json:"op,omitempty"`
}

// SourceStates maps every source in the DAG to its state at epoch close
type SourceStates map[NodeHandle]SourceState

type sourceStateEntry struct {
	Node  string      `json:"node"`
	State SourceState `json:"state"`
}

// MarshalJSON encodes the map as a list sorted by node handle so the
// encoding is deterministic
func (s SourceStates) MarshalJSON() ([]byte, error) {
	entries := make([]sourceStateEntry, 0, len(s))
	for h, st := range s {
		entries = append(entries, sourceStateEntry{Node: h.String(), State: st})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Node < entries[j].Node })
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the list representation
func (s *SourceStates) UnmarshalJSON(data []byte) error {
	var entries []sourceStateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(SourceStates, len(entries))
	for _, e := range entries {
		out[ParseNodeHandle(e.Node)] = e.State
	}
	*s = out
	return nil
}

// Clone returns a copy of the map
func (s SourceStates) Clone() SourceStates {
	out := make(SourceStates, len(s))
	for h, st := range s {
		out[h] = st
	}
	return out
}

// Epoch is a barrier-delimited interval of pipeline execution. All sources
// agree on its id, the source states at close time and the decision instant.
type Epoch struct {
	ID              uint64       `json:"id"`
	SourceStates    SourceStates `json:"source_states"`
	DecisionInstant time.Time    `json:"decision_instant"`
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch %d (%d sources)", e.ID, len(e.SourceStates))
}
