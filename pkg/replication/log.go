package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

var (
	// ErrSchemaMismatch reports a persisted log whose schema disagrees
	// with the schema the pipeline now declares. The operator must wipe
	// state and rebuild; automatic migration is deliberately not attempted.
	ErrSchemaMismatch = errors.New("persisted log schema does not match declared schema")
	// ErrCorruptedLog reports undecodable or non-contiguous persisted
	// segments
	ErrCorruptedLog = errors.New("corrupted replication log")
	// ErrSegmentWithoutCommit reports a persist attempt on a run of
	// operations not terminated by a commit marker
	ErrSegmentWithoutCommit = errors.New("log segment must end with a commit")
)

// metaObject is the small JSON object identifying a log in storage
type metaObject struct {
	ID       string       `json:"id"`
	Endpoint string       `json:"endpoint"`
	Schema   types.Schema `json:"schema"`
}

// watcher is one pending read waiting for a range
type watcher struct {
	request  types.LogRange
	timedOut bool // deadline elapsed; fulfill on the next available op
	result   chan []types.LogOperation
}

// Log is the durable, sharable output of one pipeline endpoint: an
// append-only sequence of log operations, the tail in memory, finalized
// runs persisted to object storage as compressed segments.
type Log struct {
	endpoint  string
	schema    types.Schema
	id        string
	storage   storage.Storage
	keyPrefix string
	logger    zerolog.Logger

	mu               sync.Mutex
	persisted        []types.PersistedLogEntry
	inMemStart       uint64 // position of ops[0]; equals persisted end
	ops              []types.LogOperation
	nextPersistStart int // index into ops of the first op not yet enqueued
	watchers         map[*watcher]struct{}
}

// NewLog opens or creates the log for one endpoint. An existing log must
// carry the same schema; persisted segments are scanned to restore the
// entry list and the next write position.
func NewLog(ctx context.Context, st storage.Storage, endpoint string, schema types.Schema) (*Log, error) {
	l := &Log{
		endpoint:  endpoint,
		schema:    schema,
		storage:   st,
		keyPrefix: fmt.Sprintf("log/%s/", endpoint),
		logger:    log.WithEndpoint(endpoint),
		watchers:  make(map[*watcher]struct{}),
	}
	if err := l.openMeta(ctx); err != nil {
		return nil, err
	}
	if err := l.scanSegments(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) metaKey() string { return l.keyPrefix + "meta" }

func (l *Log) segmentKey(start uint64) string {
	return fmt.Sprintf("%s%020d", l.keyPrefix, start)
}

func (l *Log) openMeta(ctx context.Context) error {
	raw, err := l.storage.DownloadObject(ctx, l.metaKey())
	switch {
	case err == nil:
		var meta metaObject
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: meta: %v", ErrCorruptedLog, err)
		}
		if !meta.Schema.Equal(l.schema) {
			return fmt.Errorf("%w: endpoint %s", ErrSchemaMismatch, l.endpoint)
		}
		l.id = meta.ID
		return nil
	case errors.Is(err, storage.ErrNotFound):
		l.id = uuid.New().String()
		raw, err := json.Marshal(metaObject{ID: l.id, Endpoint: l.endpoint, Schema: l.schema})
		if err != nil {
			return err
		}
		return l.storage.UploadObject(ctx, l.metaKey(), raw)
	default:
		return err
	}
}

// scanSegments restores the persisted entry list by decoding each segment
// under the prefix in key order and checking contiguity
func (l *Log) scanSegments(ctx context.Context) error {
	infos, err := l.storage.ListObjects(ctx, l.keyPrefix)
	if err != nil {
		return err
	}
	var next uint64
	for _, info := range infos {
		if info.Key == l.metaKey() {
			continue
		}
		blob, err := l.storage.DownloadObject(ctx, info.Key)
		if err != nil {
			return err
		}
		ops, err := DecodeSegment(blob)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptedLog, info.Key, err)
		}
		if len(ops) == 0 || !ops[len(ops)-1].IsCommit() {
			return fmt.Errorf("%w: %s does not end with a commit", ErrCorruptedLog, info.Key)
		}
		entry := types.PersistedLogEntry{
			Key:     info.Key,
			EpochID: ops[len(ops)-1].Epoch.ID,
			Range:   types.LogRange{Start: next, End: next + uint64(len(ops))},
		}
		if l.segmentKey(next) != info.Key {
			return fmt.Errorf("%w: expected segment starting at %d, found %s", ErrCorruptedLog, next, info.Key)
		}
		l.persisted = append(l.persisted, entry)
		next = entry.Range.End
	}
	l.inMemStart = next
	metrics.LogLength.WithLabelValues(l.endpoint).Set(float64(next))
	return nil
}

// Endpoint returns the endpoint name
func (l *Log) Endpoint() string { return l.endpoint }

// Schema returns the schema of the operations in this log
func (l *Log) Schema() types.Schema { return l.schema }

// ID returns the stable identity assigned when the log was created
func (l *Log) ID() string { return l.id }

// CacheName derives the cache identity for this log: a schema change or a
// rebuilt pipeline yields a new name and forces a catch-up rebuild
func (l *Log) CacheName() string {
	return fmt.Sprintf("%s-%s", l.id, l.schema.Fingerprint())
}

// End returns the next write position
func (l *Log) End() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.end()
}

func (l *Log) end() uint64 {
	return l.inMemStart + uint64(len(l.ops))
}

// PersistedEntries returns a copy of the finalized segment list
func (l *Log) PersistedEntries() []types.PersistedLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.PersistedLogEntry(nil), l.persisted...)
}

// Write appends one operation and returns the new end position. Watchers
// whose range became fully available, or whose deadline elapsed and now
// have at least one op, are completed.
func (l *Log) Write(op types.LogOperation) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops = append(l.ops, op)
	end := l.end()
	metrics.LogLength.WithLabelValues(l.endpoint).Set(float64(end))

	for w := range l.watchers {
		if w.request.End <= end || (w.timedOut && w.request.Start < end) {
			l.completeWatcher(w)
		}
	}
	return end
}

// completeWatcher sends the available slice of a watcher's range and
// removes it; the caller holds the lock
func (l *Log) completeWatcher(w *watcher) {
	start := w.request.Start
	end := l.end()
	if w.request.End < end {
		end = w.request.End
	}
	ops := make([]types.LogOperation, end-start)
	copy(ops, l.ops[start-l.inMemStart:end-l.inMemStart])
	w.result <- ops
	delete(l.watchers, w)
	metrics.LogWatchersActive.WithLabelValues(l.endpoint).Set(float64(len(l.watchers)))
}

// Response is the result of one read: either a pointer to a persisted
// segment the caller downloads directly, or in-memory operations starting
// exactly at the requested position
type Response struct {
	Persisted *types.PersistedLogEntry
	Ops       []types.LogOperation
}

// Read serves "at least request.Start, up to request.End": a persisted
// segment pointer if the start is already finalized, the in-memory slice
// if fully available, otherwise it waits. When the timeout elapses with at
// least one op available the response is short; with none available the
// wait continues until data arrives or ctx is done.
func (l *Log) Read(ctx context.Context, request types.LogRange, timeout time.Duration) (Response, error) {
	l.mu.Lock()

	if request.Start < l.inMemStart {
		for i := range l.persisted {
			if l.persisted[i].Range.Contains(request.Start) {
				entry := l.persisted[i]
				l.mu.Unlock()
				return Response{Persisted: &entry}, nil
			}
		}
		l.mu.Unlock()
		return Response{}, fmt.Errorf("%w: position %d precedes the log", ErrCorruptedLog, request.Start)
	}

	if request.End <= l.end() {
		start := request.Start - l.inMemStart
		ops := make([]types.LogOperation, request.Len())
		copy(ops, l.ops[start:start+request.Len()])
		l.mu.Unlock()
		return Response{Ops: ops}, nil
	}

	w := &watcher{
		request: request,
		result:  make(chan []types.LogOperation, 1),
	}
	l.watchers[w] = struct{}{}
	metrics.LogWatchersActive.WithLabelValues(l.endpoint).Set(float64(len(l.watchers)))
	l.mu.Unlock()

	timer := time.AfterFunc(timeout, func() { l.onWatcherTimeout(w) })
	defer timer.Stop()

	select {
	case ops := <-w.result:
		return Response{Ops: ops}, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.watchers, w)
		metrics.LogWatchersActive.WithLabelValues(l.endpoint).Set(float64(len(l.watchers)))
		l.mu.Unlock()
		// the watcher may have completed concurrently; prefer the data
		select {
		case ops := <-w.result:
			return Response{Ops: ops}, nil
		default:
		}
		return Response{}, ctx.Err()
	}
}

func (l *Log) onWatcherTimeout(w *watcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.watchers[w]; !ok {
		return
	}
	if w.request.Start < l.end() {
		l.completeWatcher(w)
		return
	}
	// nothing available yet: stay open, fulfill on the next write
	w.timedOut = true
}

// PersistFuture finalizes one segment once its upload completed
type PersistFuture struct {
	log    *Log
	entry  types.PersistedLogEntry
	result <-chan error
}

// Persist enqueues the unpersisted run of operations as one segment. The
// run must end with a commit marker. The segment joins the persisted list
// only when the returned future is awaited successfully.
func (l *Log) Persist(ctx context.Context, epochID uint64, queue *storage.UploadQueue) (*PersistFuture, error) {
	l.mu.Lock()

	pending := l.ops[l.nextPersistStart:]
	if len(pending) == 0 {
		l.mu.Unlock()
		return nil, nil
	}
	if !pending[len(pending)-1].IsCommit() {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: endpoint %s epoch %d", ErrSegmentWithoutCommit, l.endpoint, epochID)
	}

	segStart := l.inMemStart + uint64(l.nextPersistStart)
	entry := types.PersistedLogEntry{
		Key:     l.segmentKey(segStart),
		EpochID: epochID,
		Range:   types.LogRange{Start: segStart, End: l.end()},
	}
	blob, err := EncodeSegment(pending)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.nextPersistStart = len(l.ops)
	l.mu.Unlock()

	result, err := queue.Submit(ctx, entry.Key, blob)
	if err != nil {
		return nil, err
	}
	return &PersistFuture{log: l, entry: entry, result: result}, nil
}

// Await blocks for the upload result and, on success, appends the entry
// and discards the persisted operations from memory. Watchers whose range
// starts inside the persisted region complete with whatever is in memory
// at completion time.
func (f *PersistFuture) Await(ctx context.Context) error {
	if f == nil {
		return nil
	}
	select {
	case err := <-f.result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	l := f.log
	l.mu.Lock()
	defer l.mu.Unlock()

	for w := range l.watchers {
		if w.request.Start < f.entry.Range.End && w.request.Start < l.end() {
			l.completeWatcher(w)
		}
	}

	trim := f.entry.Range.End - l.inMemStart
	l.ops = append([]types.LogOperation(nil), l.ops[trim:]...)
	l.inMemStart = f.entry.Range.End
	l.nextPersistStart -= int(trim)
	l.persisted = append(l.persisted, f.entry)
	metrics.LogSegmentsPersistedTotal.WithLabelValues(l.endpoint).Inc()
	l.logger.Debug().
		Uint64("start", f.entry.Range.Start).
		Uint64("end", f.entry.Range.End).
		Uint64("epoch", f.entry.EpochID).
		Msg("log segment persisted")
	return nil
}
