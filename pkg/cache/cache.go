package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/weirhq/weir/pkg/types"
)

var (
	// Bucket names
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	// Meta keys
	metaSchema       = []byte("schema")
	metaCommitState  = []byte("commit_state")
	metaNextID       = []byte("next_id")
	metaLabels       = []byte("labels")
	metaSnapshotting = []byte("snapshotting")
)

var (
	// ErrCacheConflict reports a primary-key collision under the "panic"
	// resolution mode
	ErrCacheConflict = errors.New("cache conflict")
	// ErrSchemaMismatch reports opening a cache whose persisted schema
	// disagrees with the declared one
	ErrSchemaMismatch = errors.New("cache schema does not match declared schema")
)

// Options configure one cache
type Options struct {
	Name               string
	Dir                string
	Schema             types.Schema
	Labels             map[string]string
	ConflictResolution types.ConflictResolution
	Indexes            []IndexDefinition
}

// Cache is the primary-key store behind one endpoint: rows in bbolt,
// secondary indexes in memory, commit boundaries mapped onto bbolt
// transactions so readers see all of an epoch's mutations or none.
type Cache struct {
	name    string
	schema  types.Schema
	labels  map[string]string
	res     types.ConflictResolution
	db      *bolt.DB
	indexes []*index

	// writer state, owned by the single builder thread
	tx      *bolt.Tx
	nextID  uint64
	pending []indexOp

	mu           sync.RWMutex // guards indexes and snapshotting for readers
	commitState  *types.CommitState
	snapshotting map[string]bool // connection -> done
}

// New opens or creates the cache file <dir>/<name>.db. An existing file
// must carry the same schema; indexes are rebuilt from the rows.
func New(opts Options) (*Cache, error) {
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(opts.Dir, opts.Name+".db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	c := &Cache{
		name:         opts.Name,
		schema:       opts.Schema,
		labels:       opts.Labels,
		res:          opts.ConflictResolution,
		db:           db,
		snapshotting: make(map[string]bool),
	}
	for _, def := range opts.Indexes {
		c.indexes = append(c.indexes, newIndex(def))
	}

	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// load initializes buckets, verifies the schema and rebuilds indexes
func (c *Cache) load() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		records, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		if raw := meta.Get(metaSchema); raw != nil {
			var persisted types.Schema
			if err := json.Unmarshal(raw, &persisted); err != nil {
				return fmt.Errorf("corrupted cache schema: %w", err)
			}
			if !persisted.Equal(c.schema) {
				return fmt.Errorf("%w: %s", ErrSchemaMismatch, c.name)
			}
		} else {
			raw, err := json.Marshal(c.schema)
			if err != nil {
				return err
			}
			if err := meta.Put(metaSchema, raw); err != nil {
				return err
			}
		}

		if raw := meta.Get(metaCommitState); raw != nil {
			var state types.CommitState
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("corrupted commit state: %w", err)
			}
			c.commitState = &state
		}
		if raw := meta.Get(metaNextID); raw != nil {
			c.nextID = binary.BigEndian.Uint64(raw)
		}
		if raw := meta.Get(metaSnapshotting); raw != nil {
			if err := json.Unmarshal(raw, &c.snapshotting); err != nil {
				return fmt.Errorf("corrupted snapshotting state: %w", err)
			}
		}
		if c.labels != nil {
			raw, err := json.Marshal(c.labels)
			if err != nil {
				return err
			}
			if err := meta.Put(metaLabels, raw); err != nil {
				return err
			}
		} else if raw := meta.Get(metaLabels); raw != nil {
			if err := json.Unmarshal(raw, &c.labels); err != nil {
				return fmt.Errorf("corrupted cache labels: %w", err)
			}
		}

		// rebuild secondary indexes from the committed rows
		return records.ForEach(func(k, v []byte) error {
			var rec types.CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupted cache record: %w", err)
			}
			for _, idx := range c.indexes {
				idx.insert(k, rec.Record)
			}
			return nil
		})
	})
}

// Name returns the cache identity
func (c *Cache) Name() string { return c.name }

// GetSchema returns the schema rows conform to
func (c *Cache) GetSchema() types.Schema { return c.schema }

// Labels returns the endpoint labels
func (c *Cache) Labels() map[string]string { return c.labels }

// CommitState returns the highest applied log position, if any commit
// happened yet
func (c *Cache) CommitState() (types.CommitState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.commitState == nil {
		return types.CommitState{}, false
	}
	return *c.commitState, true
}

// writeTx returns the open write transaction, starting one if needed
func (c *Cache) writeTx() (*bolt.Tx, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return tx, nil
}

// get reads a row by primary key, preferring the uncommitted write view
func (c *Cache) get(tx *bolt.Tx, pk []byte) (*types.CacheRecord, error) {
	raw := tx.Bucket(bucketRecords).Get(pk)
	if raw == nil {
		return nil, nil
	}
	var rec types.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupted cache record: %w", err)
	}
	return &rec, nil
}

// Get returns the committed row matching the record's primary key
func (c *Cache) Get(rec types.Record) (*types.CacheRecord, error) {
	pk := c.schema.PrimaryKey(rec)
	var out *types.CacheRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = c.get(tx, pk)
		return err
	})
	return out, err
}

// Count returns the number of committed rows
func (c *Cache) Count() (int, error) {
	var n int
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// MarkSnapshottingStarted records a connection entering its snapshot
func (c *Cache) MarkSnapshottingStarted(connection string) {
	c.mu.Lock()
	c.snapshotting[connection] = false
	c.mu.Unlock()
}

// MarkSnapshottingDone records a connection finishing its snapshot
func (c *Cache) MarkSnapshottingDone(connection string) {
	c.mu.Lock()
	c.snapshotting[connection] = true
	c.mu.Unlock()
}

// IsSnapshottingDone reports whether no connection is mid-snapshot
func (c *Cache) IsSnapshottingDone() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, done := range c.snapshotting {
		if !done {
			return false
		}
	}
	return true
}

// Close rolls back any uncommitted mutations and closes the file
func (c *Cache) Close() error {
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil {
			c.db.Close()
			return err
		}
		c.tx = nil
	}
	return c.db.Close()
}
