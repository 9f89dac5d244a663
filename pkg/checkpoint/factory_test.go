package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

func newTestFactory(t *testing.T, dir string) *Factory {
	t.Helper()
	st, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	f, err := New(context.Background(), st, 8)
	require.NoError(t, err)
	return f
}

func testEpoch(id uint64, states types.SourceStates) types.Epoch {
	return types.Epoch{ID: id, SourceStates: states, DecisionInstant: time.Now()}
}

func TestPersistAndRecover(t *testing.T) {
	dir := t.TempDir()
	f := newTestFactory(t, dir)
	ctx := context.Background()

	h1, err := f.RecordStore().InsertRecord(types.NewRecord(types.IntField(1)))
	require.NoError(t, err)
	h2, err := f.RecordStore().InsertRecord(types.NewRecord(types.StringField("two")))
	require.NoError(t, err)

	states := types.SourceStates{
		types.NewNodeHandle("users"): {Kind: types.SourceRestartable, Op: types.OpIdentifier("pos-1")},
	}
	result, err := f.PersistEpoch(ctx, testEpoch(1, states))
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.NoError(t, f.Close())

	// a fresh factory over the same prefix recovers everything
	restored := newTestFactory(t, dir)
	defer restored.Close()

	epochID, recovered, ok := restored.LastCheckpoint()
	require.True(t, ok)
	assert.Equal(t, uint64(1), epochID)
	assert.Equal(t, states, recovered)
	assert.Equal(t, uint64(2), restored.RecordStore().NumRecords())
	assert.NoError(t, restored.CheckRestartable())

	// identical handles after replay
	rec, err := restored.RecordStore().Load(h1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Values[0].Int)
	rec, err = restored.RecordStore().Load(h2)
	require.NoError(t, err)
	assert.Equal(t, "two", rec.Values[0].Str)
}

func TestMultipleSlicesContiguous(t *testing.T) {
	dir := t.TempDir()
	f := newTestFactory(t, dir)
	ctx := context.Background()

	_, err := f.RecordStore().InsertRecord(types.NewRecord(types.IntField(1)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.UnpersistedRecords())

	result, err := f.PersistEpoch(ctx, testEpoch(1, types.SourceStates{}))
	require.NoError(t, err)
	require.NoError(t, <-result)
	assert.Equal(t, uint64(0), f.UnpersistedRecords())

	_, err = f.RecordStore().InsertRecord(types.NewRecord(types.IntField(2)))
	require.NoError(t, err)
	result, err = f.PersistEpoch(ctx, testEpoch(2, types.SourceStates{}))
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.NoError(t, f.Close())

	st, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	infos, err := st.ListObjects(ctx, "record_store/")
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	restored := newTestFactory(t, dir)
	defer restored.Close()
	assert.Equal(t, uint64(2), restored.RecordStore().NumRecords())
}

func TestNonRestartableSourceFailsRecovery(t *testing.T) {
	dir := t.TempDir()
	f := newTestFactory(t, dir)
	ctx := context.Background()

	states := types.SourceStates{
		types.NewNodeHandle("stream"): {Kind: types.SourceNonRestartable},
	}
	result, err := f.PersistEpoch(ctx, testEpoch(1, states))
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.NoError(t, f.Close())

	restored := newTestFactory(t, dir)
	defer restored.Close()
	assert.ErrorIs(t, restored.CheckRestartable(), ErrNonRestartableSource)
}

func TestSpuriousProcessorStatePruned(t *testing.T) {
	dir := t.TempDir()
	f := newTestFactory(t, dir)
	ctx := context.Background()
	node := types.NewNodeHandle("agg")

	result, err := f.PersistEpoch(ctx, testEpoch(3, types.SourceStates{}))
	require.NoError(t, err)
	require.NoError(t, <-result)

	// state for the committed epoch survives, state beyond it is spurious
	res, err := f.WriteProcessorState(ctx, 3, node, []byte("good"))
	require.NoError(t, err)
	require.NoError(t, <-res)
	res, err = f.WriteRecordWriterState(ctx, 3, node, types.DefaultPort, []byte("writer"))
	require.NoError(t, err)
	require.NoError(t, <-res)
	res, err = f.WriteProcessorState(ctx, 4, node, []byte("half-written"))
	require.NoError(t, err)
	require.NoError(t, <-res)
	require.NoError(t, f.Close())

	restored := newTestFactory(t, dir)
	defer restored.Close()

	data, err := restored.LoadProcessorState(ctx, 3, node)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	_, err = restored.LoadProcessorState(ctx, 4, node)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEmptyPrefix(t *testing.T) {
	f := newTestFactory(t, t.TempDir())
	defer f.Close()
	_, _, ok := f.LastCheckpoint()
	assert.False(t, ok)
	assert.NoError(t, f.CheckRestartable())
}
