package cache

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/weirhq/weir/pkg/types"
)

// FilterOp is a comparison operator in a query predicate
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
)

// Predicate compares one field against a constant
type Predicate struct {
	Field int
	Op    FilterOp
	Value types.Field
}

// FullTextPredicate requires every token of Query to appear in the field
type FullTextPredicate struct {
	Field int
	Query string
}

// SortOption orders results by one field
type SortOption struct {
	Field int
	Desc  bool
}

// Query is a conjunction of predicates with ordering and paging
type Query struct {
	Predicates []Predicate
	FullText   *FullTextPredicate
	OrderBy    []SortOption
	Limit      int // 0 means no limit
	Offset     int
}

// Query evaluates a query: the planner picks the best-covering secondary
// index to narrow candidates, every predicate is re-checked row by row,
// then results are ordered and paged.
func (c *Cache) Query(q *Query) ([]types.CacheRecord, error) {
	if err := c.validateQuery(q); err != nil {
		return nil, err
	}

	c.mu.RLock()
	pks, scanAll := c.plan(q)
	c.mu.RUnlock()

	var rows []types.CacheRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		if scanAll {
			return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
				rec, err := decodeRow(v)
				if err != nil {
					return err
				}
				if c.matches(q, rec.Record) {
					rows = append(rows, rec)
				}
				return nil
			})
		}
		for _, pk := range pks {
			raw := tx.Bucket(bucketRecords).Get([]byte(pk))
			if raw == nil {
				// index entry for a row not yet visible to readers
				continue
			}
			rec, err := decodeRow(raw)
			if err != nil {
				return err
			}
			if c.matches(q, rec.Record) {
				rows = append(rows, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.order(q, rows)

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return nil, nil
		}
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func decodeRow(raw []byte) (types.CacheRecord, error) {
	var rec types.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.CacheRecord{}, fmt.Errorf("corrupted cache record: %w", err)
	}
	return rec, nil
}

func (c *Cache) validateQuery(q *Query) error {
	n := len(c.schema.Fields)
	for _, p := range q.Predicates {
		if p.Field < 0 || p.Field >= n {
			return fmt.Errorf("predicate field %d out of range", p.Field)
		}
	}
	if q.FullText != nil && (q.FullText.Field < 0 || q.FullText.Field >= n) {
		return fmt.Errorf("full-text field %d out of range", q.FullText.Field)
	}
	for _, s := range q.OrderBy {
		if s.Field < 0 || s.Field >= n {
			return fmt.Errorf("order-by field %d out of range", s.Field)
		}
	}
	return nil
}

// plan narrows candidates through the best-covering index. It returns
// either a pk list or scanAll; correctness never depends on the choice
// because every predicate is re-applied per row.
func (c *Cache) plan(q *Query) (pks []string, scanAll bool) {
	if q.FullText != nil {
		if idx := c.fullTextIndex(q.FullText.Field); idx != nil {
			return intersectTokens(idx, q.FullText.Query), false
		}
		// no full-text index on the field: fall through to the other
		// predicates, the row filter applies the containment check
	}

	idx, eqCount := c.bestSortedIndex(q)
	if idx == nil {
		return nil, true
	}
	return c.walkSorted(idx, q, eqCount), false
}

func (c *Cache) fullTextIndex(field int) *index {
	for _, idx := range c.indexes {
		if idx.def.Kind != IndexFullText {
			continue
		}
		for _, pos := range idx.def.Fields {
			if pos == field {
				return idx
			}
		}
	}
	return nil
}

func intersectTokens(idx *index, query string) []string {
	toks := tokenize(query)
	if len(toks) == 0 {
		return nil
	}
	var acc map[string]struct{}
	for _, tok := range toks {
		set, ok := idx.tokens[tok]
		if !ok {
			return nil
		}
		if acc == nil {
			acc = make(map[string]struct{}, len(set))
			for pk := range set {
				acc[pk] = struct{}{}
			}
			continue
		}
		for pk := range acc {
			if _, ok := set[pk]; !ok {
				delete(acc, pk)
			}
		}
	}
	out := make([]string, 0, len(acc))
	for pk := range acc {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// bestSortedIndex scores each sorted index by how many of its leading
// fields are bound by equality predicates, plus one when the next field
// carries a range predicate
func (c *Cache) bestSortedIndex(q *Query) (*index, int) {
	eq := make(map[int]bool)
	rng := make(map[int]bool)
	for _, p := range q.Predicates {
		if p.Op == OpEq {
			eq[p.Field] = true
		} else {
			rng[p.Field] = true
		}
	}

	var best *index
	bestScore, bestEq := 0, 0
	for _, idx := range c.indexes {
		if idx.def.Kind != IndexSorted {
			continue
		}
		count := 0
		for _, pos := range idx.def.Fields {
			if !eq[pos] {
				break
			}
			count++
		}
		score := count * 2
		if count < len(idx.def.Fields) && rng[idx.def.Fields[count]] {
			score++
		}
		if score > bestScore {
			best, bestScore, bestEq = idx, score, count
		}
	}
	return best, bestEq
}

// walkSorted collects candidate pks from the equality-bound prefix of an
// index, bounded further by a range predicate on the next field
func (c *Cache) walkSorted(idx *index, q *Query, eqCount int) []string {
	prefix := make([]types.Field, eqCount)
	for i := 0; i < eqCount; i++ {
		for _, p := range q.Predicates {
			if p.Op == OpEq && p.Field == idx.def.Fields[i] {
				prefix[i] = p.Value
			}
		}
	}

	// range bounds on the first unbound index field
	var lower, upper *Predicate
	if eqCount < len(idx.def.Fields) {
		next := idx.def.Fields[eqCount]
		for i := range q.Predicates {
			p := &q.Predicates[i]
			if p.Field != next {
				continue
			}
			switch p.Op {
			case OpGt, OpGte:
				lower = p
			case OpLt, OpLte:
				upper = p
			}
		}
	}

	pivotValues := prefix
	if lower != nil {
		pivotValues = append(append([]types.Field(nil), prefix...), lower.Value)
	}

	var pks []string
	idx.tree.AscendGreaterOrEqual(sortedEntry{values: pivotValues}, func(e sortedEntry) bool {
		for i, want := range prefix {
			if types.Compare(e.values[i], want) != 0 {
				return false // past the equality prefix
			}
		}
		if upper != nil {
			cmp := types.Compare(e.values[eqCount], upper.Value)
			if cmp > 0 || (cmp == 0 && upper.Op == OpLt) {
				return false
			}
		}
		pks = append(pks, string(e.pk))
		return true
	})
	return pks
}

// matches applies every predicate to one row
func (c *Cache) matches(q *Query, rec types.Record) bool {
	for _, p := range q.Predicates {
		cmp := types.Compare(rec.Values[p.Field], p.Value)
		ok := false
		switch p.Op {
		case OpEq:
			ok = cmp == 0
		case OpLt:
			ok = cmp < 0
		case OpLte:
			ok = cmp <= 0
		case OpGt:
			ok = cmp > 0
		case OpGte:
			ok = cmp >= 0
		}
		if !ok {
			return false
		}
	}
	if q.FullText != nil {
		have := make(map[string]struct{})
		f := rec.Values[q.FullText.Field]
		if f.Kind != types.FieldString {
			return false
		}
		for _, tok := range tokenize(f.Str) {
			have[tok] = struct{}{}
		}
		for _, tok := range tokenize(q.FullText.Query) {
			if _, ok := have[tok]; !ok {
				return false
			}
		}
	}
	return true
}

// order sorts rows by the query's sort options, breaking ties by record id
// for stable pagination
func (c *Cache) order(q *Query, rows []types.CacheRecord) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range q.OrderBy {
			cmp := types.Compare(rows[i].Record.Values[s.Field], rows[j].Record.Values[s.Field])
			if cmp != 0 {
				if s.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return rows[i].ID < rows[j].ID
	})
}
