package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/weirhq/weir/pkg/types"
)

// put writes a row into the open write transaction and queues the index
// updates for commit time
func (c *Cache) put(pk []byte, rec types.CacheRecord, old *types.CacheRecord) error {
	tx, err := c.writeTx()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketRecords).Put(pk, raw); err != nil {
		return err
	}
	if old != nil {
		c.pending = append(c.pending, indexOp{remove: true, pk: pk, rec: old.Record})
	}
	c.pending = append(c.pending, indexOp{pk: pk, rec: rec.Record})
	return nil
}

// Insert adds a record. A primary-key collision resolves per the
// endpoint's OnInsert mode: Nothing ignores, Update behaves like an
// update with a version bump, Panic fails the pipeline.
func (c *Cache) Insert(rec types.Record) (types.UpsertResult, error) {
	tx, err := c.writeTx()
	if err != nil {
		return types.UpsertResult{}, err
	}
	pk := c.schema.PrimaryKey(rec)
	existing, err := c.get(tx, pk)
	if err != nil {
		return types.UpsertResult{}, err
	}

	if existing == nil {
		meta := types.RecordMeta{ID: c.nextID, Version: 1}
		c.nextID++
		if err := c.put(pk, types.CacheRecord{RecordMeta: meta, Record: rec}, nil); err != nil {
			return types.UpsertResult{}, err
		}
		return types.UpsertResult{Kind: types.UpsertInserted, New: &meta}, nil
	}

	switch c.res.OnInsert {
	case types.OnInsertNothing:
		return types.UpsertResult{Kind: types.UpsertIgnored}, nil
	case types.OnInsertUpdate:
		oldMeta := existing.RecordMeta
		newMeta := types.RecordMeta{ID: oldMeta.ID, Version: oldMeta.Version + 1}
		if err := c.put(pk, types.CacheRecord{RecordMeta: newMeta, Record: rec}, existing); err != nil {
			return types.UpsertResult{}, err
		}
		return types.UpsertResult{Kind: types.UpsertUpdated, Old: &oldMeta, New: &newMeta}, nil
	default:
		return types.UpsertResult{}, fmt.Errorf("%w: insert collision on primary key", ErrCacheConflict)
	}
}

// Update replaces the row keyed by old with new. A missing row resolves
// per the OnUpdate mode: Nothing ignores, Upsert inserts new, Panic fails.
func (c *Cache) Update(old, new types.Record) (types.UpsertResult, error) {
	tx, err := c.writeTx()
	if err != nil {
		return types.UpsertResult{}, err
	}
	oldPK := c.schema.PrimaryKey(old)
	existing, err := c.get(tx, oldPK)
	if err != nil {
		return types.UpsertResult{}, err
	}

	if existing == nil {
		switch c.res.OnUpdate {
		case types.OnUpdateNothing:
			return types.UpsertResult{Kind: types.UpsertIgnored}, nil
		case types.OnUpdateUpsert:
			meta := types.RecordMeta{ID: c.nextID, Version: 1}
			c.nextID++
			newPK := c.schema.PrimaryKey(new)
			if err := c.put(newPK, types.CacheRecord{RecordMeta: meta, Record: new}, nil); err != nil {
				return types.UpsertResult{}, err
			}
			return types.UpsertResult{Kind: types.UpsertInserted, New: &meta}, nil
		default:
			return types.UpsertResult{}, fmt.Errorf("%w: update of a missing row", ErrCacheConflict)
		}
	}

	oldMeta := existing.RecordMeta
	newMeta := types.RecordMeta{ID: oldMeta.ID, Version: oldMeta.Version + 1}
	newPK := c.schema.PrimaryKey(new)

	// a primary-key change moves the row
	if string(newPK) != string(oldPK) {
		if err := tx.Bucket(bucketRecords).Delete(oldPK); err != nil {
			return types.UpsertResult{}, err
		}
		c.pending = append(c.pending, indexOp{remove: true, pk: oldPK, rec: existing.Record})
		if err := c.put(newPK, types.CacheRecord{RecordMeta: newMeta, Record: new}, nil); err != nil {
			return types.UpsertResult{}, err
		}
	} else {
		if err := c.put(newPK, types.CacheRecord{RecordMeta: newMeta, Record: new}, existing); err != nil {
			return types.UpsertResult{}, err
		}
	}
	return types.UpsertResult{Kind: types.UpsertUpdated, Old: &oldMeta, New: &newMeta}, nil
}

// Delete removes the row keyed by old and returns its meta. A missing row
// resolves per the OnDelete mode: Nothing returns nil, Panic fails.
func (c *Cache) Delete(old types.Record) (*types.RecordMeta, error) {
	tx, err := c.writeTx()
	if err != nil {
		return nil, err
	}
	pk := c.schema.PrimaryKey(old)
	existing, err := c.get(tx, pk)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if c.res.OnDelete == types.OnDeleteNothing {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: delete of a missing row", ErrCacheConflict)
	}
	if err := tx.Bucket(bucketRecords).Delete(pk); err != nil {
		return nil, err
	}
	c.pending = append(c.pending, indexOp{remove: true, pk: pk, rec: existing.Record})
	meta := existing.RecordMeta
	return &meta, nil
}

// Commit atomically publishes every mutation since the previous commit
// together with the new commit state. Readers never observe a partial
// epoch: the bbolt transaction commits first, then the in-memory indexes
// apply under the writer lock.
func (c *Cache) Commit(state types.CommitState) error {
	tx, err := c.writeTx()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	meta := tx.Bucket(bucketMeta)
	if err := meta.Put(metaCommitState, raw); err != nil {
		return err
	}
	var nextID [8]byte
	binary.BigEndian.PutUint64(nextID[:], c.nextID)
	if err := meta.Put(metaNextID, nextID[:]); err != nil {
		return err
	}
	snapRaw, err := json.Marshal(c.snapshotting)
	if err != nil {
		return err
	}
	if err := meta.Put(metaSnapshotting, snapRaw); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache commit failed: %w", err)
	}
	c.tx = nil
	for _, op := range c.pending {
		for _, idx := range c.indexes {
			if op.remove {
				idx.remove(op.pk, op.rec)
			} else {
				idx.insert(op.pk, op.rec)
			}
		}
	}
	c.pending = nil
	c.commitState = &state
	return nil
}
