package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.FieldInt},
			{Name: "name", Type: types.FieldString},
		},
		PrimaryIndex: []int{0},
	}
}

func opInsert(id int64, name string) types.LogOperation {
	op := types.Insert(types.NewRecord(types.IntField(id), types.StringField(name)))
	return types.LogOperation{Kind: types.LogOp, Op: &op}
}

func opCommit(epochID uint64) types.LogOperation {
	return types.LogOperation{Kind: types.LogCommit, Epoch: &types.Epoch{
		ID:              epochID,
		SourceStates:    types.SourceStates{},
		DecisionInstant: time.Now(),
	}}
}

func newTestLog(t *testing.T, dir string) (*Log, storage.Storage) {
	t.Helper()
	st, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	l, err := NewLog(context.Background(), st, "users", testSchema())
	require.NoError(t, err)
	return l, st
}

func TestWriteAndSyncRead(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())

	assert.Equal(t, uint64(1), l.Write(opInsert(1, "a")))
	assert.Equal(t, uint64(2), l.Write(opInsert(2, "b")))
	assert.Equal(t, uint64(3), l.Write(opCommit(0)))

	resp, err := l.Read(context.Background(), types.LogRange{Start: 0, End: 3}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp.Persisted)
	require.Len(t, resp.Ops, 3)
	assert.Equal(t, types.LogOp, resp.Ops[0].Kind)
	assert.True(t, resp.Ops[2].IsCommit())
}

func TestReadWaitsForData(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())

	done := make(chan Response, 1)
	go func() {
		resp, err := l.Read(context.Background(), types.LogRange{Start: 0, End: 2}, 10*time.Second)
		assert.NoError(t, err)
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	l.Write(opInsert(1, "a"))
	l.Write(opInsert(2, "b"))

	select {
	case resp := <-done:
		assert.Len(t, resp.Ops, 2)
	case <-time.After(time.Second):
		t.Fatal("read did not complete")
	}
}

func TestReadTimeoutReturnsPartial(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())
	l.Write(opInsert(1, "a"))

	start := time.Now()
	resp, err := l.Read(context.Background(), types.LogRange{Start: 0, End: 100}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, resp.Ops, 1)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReadTimeoutWithNoDataKeepsWaiting(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())

	done := make(chan Response, 1)
	go func() {
		resp, err := l.Read(context.Background(), types.LogRange{Start: 0, End: 10}, 20*time.Millisecond)
		assert.NoError(t, err)
		done <- resp
	}()

	// well past the timeout, the watcher stays open
	time.Sleep(100 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("read returned without data")
	default:
	}

	l.Write(opInsert(1, "a"))
	select {
	case resp := <-done:
		assert.Len(t, resp.Ops, 1)
	case <-time.After(time.Second):
		t.Fatal("read did not complete after write")
	}
}

func TestReadCancel(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Read(ctx, types.LogRange{Start: 0, End: 5}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersistAndReadPersisted(t *testing.T) {
	dir := t.TempDir()
	l, st := newTestLog(t, dir)
	queue := storage.NewUploadQueue(st, 4)
	defer queue.Close()
	ctx := context.Background()

	l.Write(opInsert(1, "a"))
	l.Write(opInsert(2, "b"))
	l.Write(opCommit(0))

	future, err := l.Persist(ctx, 0, queue)
	require.NoError(t, err)
	require.NoError(t, future.Await(ctx))

	entries := l.PersistedEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, types.LogRange{Start: 0, End: 3}, entries[0].Range)
	assert.Equal(t, uint64(0), entries[0].EpochID)

	// reads inside the persisted range return the segment pointer
	resp, err := l.Read(ctx, types.LogRange{Start: 1, End: 3}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Persisted)
	assert.Equal(t, entries[0], *resp.Persisted)

	// the segment decodes back to the original operations
	blob, err := st.DownloadObject(ctx, resp.Persisted.Key)
	require.NoError(t, err)
	ops, err := DecodeSegment(blob)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.True(t, ops[2].IsCommit())

	// writes continue at the in-memory tail
	assert.Equal(t, uint64(4), l.Write(opInsert(3, "c")))
}

func TestPersistRequiresTrailingCommit(t *testing.T) {
	l, st := newTestLog(t, t.TempDir())
	queue := storage.NewUploadQueue(st, 4)
	defer queue.Close()

	l.Write(opInsert(1, "a"))
	_, err := l.Persist(context.Background(), 0, queue)
	assert.ErrorIs(t, err, ErrSegmentWithoutCommit)
}

func TestPersistNothingPending(t *testing.T) {
	l, st := newTestLog(t, t.TempDir())
	queue := storage.NewUploadQueue(st, 4)
	defer queue.Close()

	future, err := l.Persist(context.Background(), 0, queue)
	require.NoError(t, err)
	assert.Nil(t, future)
	assert.NoError(t, future.Await(context.Background()))
}

func TestPersistedEntriesContiguousAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, st := newTestLog(t, dir)
	queue := storage.NewUploadQueue(st, 4)
	ctx := context.Background()

	l.Write(opInsert(1, "a"))
	l.Write(opCommit(0))
	future, err := l.Persist(ctx, 0, queue)
	require.NoError(t, err)
	require.NoError(t, future.Await(ctx))

	l.Write(opInsert(2, "b"))
	l.Write(opCommit(1))
	future, err = l.Persist(ctx, 1, queue)
	require.NoError(t, err)
	require.NoError(t, future.Await(ctx))
	require.NoError(t, queue.Close())

	id := l.ID()

	reopened, err := NewLog(ctx, st, "users", testSchema())
	require.NoError(t, err)
	assert.Equal(t, id, reopened.ID())
	assert.Equal(t, uint64(4), reopened.End())

	entries := reopened.PersistedEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0), entries[0].Range.Start)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Range.End, entries[i].Range.Start)
	}
}

func TestSchemaMismatchOnReopen(t *testing.T) {
	dir := t.TempDir()
	_, st := newTestLog(t, dir)

	changed := testSchema()
	changed.Fields = append(changed.Fields, types.FieldDefinition{Name: "extra", Type: types.FieldBoolean})
	_, err := NewLog(context.Background(), st, "users", changed)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCacheNameChangesWithSchema(t *testing.T) {
	l, _ := newTestLog(t, t.TempDir())
	name := l.CacheName()
	assert.Contains(t, name, l.ID())
	assert.Contains(t, name, l.Schema().Fingerprint())
}

func TestWatcherCompletedByPersist(t *testing.T) {
	l, st := newTestLog(t, t.TempDir())
	queue := storage.NewUploadQueue(st, 4)
	defer queue.Close()
	ctx := context.Background()

	l.Write(opInsert(1, "a"))
	l.Write(opCommit(0))

	// watcher for a range past the current end
	done := make(chan Response, 1)
	go func() {
		resp, err := l.Read(ctx, types.LogRange{Start: 1, End: 10}, time.Minute)
		assert.NoError(t, err)
		done <- resp
	}()
	time.Sleep(20 * time.Millisecond)

	future, err := l.Persist(ctx, 0, queue)
	require.NoError(t, err)
	require.NoError(t, future.Await(ctx))

	// persist completion answers the watcher with what memory held
	select {
	case resp := <-done:
		require.Len(t, resp.Ops, 1)
		assert.True(t, resp.Ops[0].IsCommit())
	case <-time.After(time.Second):
		t.Fatal("watcher not completed by persist")
	}
}
