package cache

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/google/btree"

	"github.com/weirhq/weir/pkg/types"
)

// IndexKind selects a secondary index implementation
type IndexKind string

const (
	// IndexSorted supports equality and range scans
	IndexSorted IndexKind = "sorted"
	// IndexFullText supports tokenized containment
	IndexFullText IndexKind = "full_text"
)

// IndexDefinition declares one secondary index over field positions
type IndexDefinition struct {
	Kind   IndexKind
	Fields []int
}

// indexOp is one pending index mutation, applied at commit time so
// readers never see index entries for uncommitted rows
type indexOp struct {
	remove bool
	pk     []byte
	rec    types.Record
}

// sortedEntry is one btree element: the indexed field values followed by
// the primary key as tiebreaker
type sortedEntry struct {
	values []types.Field
	pk     []byte
}

func sortedLess(a, b sortedEntry) bool {
	for i := range a.values {
		if i >= len(b.values) {
			return false
		}
		if cmp := types.Compare(a.values[i], b.values[i]); cmp != 0 {
			return cmp < 0
		}
	}
	if len(a.values) < len(b.values) {
		return true
	}
	return bytes.Compare(a.pk, b.pk) < 0
}

// index is one secondary index; either tree or tokens is set
type index struct {
	def    IndexDefinition
	tree   *btree.BTreeG[sortedEntry]
	tokens map[string]map[string]struct{} // token -> set of pk
}

func newIndex(def IndexDefinition) *index {
	idx := &index{def: def}
	switch def.Kind {
	case IndexFullText:
		idx.tokens = make(map[string]map[string]struct{})
	default:
		idx.tree = btree.NewG(8, sortedLess)
	}
	return idx
}

func (idx *index) entry(pk []byte, rec types.Record) sortedEntry {
	values := make([]types.Field, len(idx.def.Fields))
	for i, pos := range idx.def.Fields {
		values[i] = rec.Values[pos]
	}
	return sortedEntry{values: values, pk: pk}
}

func (idx *index) insert(pk []byte, rec types.Record) {
	switch idx.def.Kind {
	case IndexFullText:
		for _, tok := range idx.tokensOf(rec) {
			set, ok := idx.tokens[tok]
			if !ok {
				set = make(map[string]struct{})
				idx.tokens[tok] = set
			}
			set[string(pk)] = struct{}{}
		}
	default:
		idx.tree.ReplaceOrInsert(idx.entry(pk, rec))
	}
}

func (idx *index) remove(pk []byte, rec types.Record) {
	switch idx.def.Kind {
	case IndexFullText:
		for _, tok := range idx.tokensOf(rec) {
			if set, ok := idx.tokens[tok]; ok {
				delete(set, string(pk))
				if len(set) == 0 {
					delete(idx.tokens, tok)
				}
			}
		}
	default:
		idx.tree.Delete(idx.entry(pk, rec))
	}
}

// tokensOf tokenizes every indexed field of a record
func (idx *index) tokensOf(rec types.Record) []string {
	var out []string
	for _, pos := range idx.def.Fields {
		f := rec.Values[pos]
		if f.Kind != types.FieldString {
			continue
		}
		out = append(out, tokenize(f.Str)...)
	}
	return out
}

// tokenize lowercases and splits on anything that is not a letter or digit
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
