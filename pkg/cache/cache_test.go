package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/types"
)

func userSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.FieldInt},
			{Name: "name", Type: types.FieldString},
		},
		PrimaryIndex: []int{0},
	}
}

func newTestCache(t *testing.T, res types.ConflictResolution) *Cache {
	t.Helper()
	c, err := New(Options{
		Name:               "test",
		Dir:                t.TempDir(),
		Schema:             userSchema(),
		ConflictResolution: res,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func user(id int64, name string) types.Record {
	return types.NewRecord(types.IntField(id), types.StringField(name))
}

func TestInsertAndGet(t *testing.T) {
	c := newTestCache(t, types.DefaultConflictResolution())

	result, err := c.Insert(user(1, "A"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertInserted, result.Kind)
	assert.Equal(t, uint32(1), result.New.Version)

	// not visible before commit
	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Commit(types.CommitState{LogPosition: 1}))

	got, err = c.Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.Record.Values[1].Str)

	state, ok := c.CommitState()
	require.True(t, ok)
	assert.Equal(t, uint64(1), state.LogPosition)
}

// update by primary key bumps the version and keeps the id
func TestUpdateByPK(t *testing.T) {
	c := newTestCache(t, types.DefaultConflictResolution())

	_, err := c.Insert(user(1, "A"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 1}))

	result, err := c.Update(user(1, "A"), user(1, "B"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertUpdated, result.Kind)
	assert.Equal(t, result.Old.ID, result.New.ID)
	assert.Equal(t, uint32(2), result.New.Version)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 2}))

	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.Record.Values[1].Str)
	assert.Equal(t, uint32(2), got.Version)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// OnInsert=Nothing keeps the first row on a collision
func TestInsertConflictNothing(t *testing.T) {
	res := types.DefaultConflictResolution()
	res.OnInsert = types.OnInsertNothing
	c := newTestCache(t, res)

	_, err := c.Insert(user(1, "a"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 1}))

	result, err := c.Insert(user(1, "b"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertIgnored, result.Kind)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 2}))

	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	assert.Equal(t, "a", got.Record.Values[1].Str)
	assert.Equal(t, uint32(1), got.Version)
}

func TestInsertConflictUpdate(t *testing.T) {
	res := types.DefaultConflictResolution()
	res.OnInsert = types.OnInsertUpdate
	c := newTestCache(t, res)

	_, err := c.Insert(user(1, "a"))
	require.NoError(t, err)
	result, err := c.Insert(user(1, "b"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertUpdated, result.Kind)
	assert.Equal(t, uint32(2), result.New.Version)
}

func TestInsertConflictPanic(t *testing.T) {
	c := newTestCache(t, types.DefaultConflictResolution())
	_, err := c.Insert(user(1, "a"))
	require.NoError(t, err)
	_, err = c.Insert(user(1, "b"))
	assert.ErrorIs(t, err, ErrCacheConflict)
}

func TestUpdateMissing(t *testing.T) {
	// upsert mode inserts
	c := newTestCache(t, types.DefaultConflictResolution())
	result, err := c.Update(user(9, "x"), user(9, "y"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertInserted, result.Kind)

	// nothing mode ignores
	res := types.DefaultConflictResolution()
	res.OnUpdate = types.OnUpdateNothing
	c2 := newTestCache(t, res)
	result, err = c2.Update(user(9, "x"), user(9, "y"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertIgnored, result.Kind)

	// panic mode fails
	res.OnUpdate = types.OnUpdatePanic
	c3 := newTestCache(t, res)
	_, err = c3.Update(user(9, "x"), user(9, "y"))
	assert.ErrorIs(t, err, ErrCacheConflict)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t, types.DefaultConflictResolution())

	_, err := c.Insert(user(1, "a"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 1}))

	meta, err := c.Delete(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 2}))

	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	assert.Nil(t, got)

	// missing row: panic mode fails
	_, err = c.Delete(user(1, ""))
	assert.ErrorIs(t, err, ErrCacheConflict)

	// missing row: nothing mode returns nil
	res := types.DefaultConflictResolution()
	res.OnDelete = types.OnDeleteNothing
	c2 := newTestCache(t, res)
	meta, err = c2.Delete(user(1, ""))
	require.NoError(t, err)
	assert.Nil(t, meta)
}

// an uncommitted epoch is invisible to readers and rolled back on close
func TestCommitAtomicity(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Options{
		Name:               "atomic",
		Dir:                dir,
		Schema:             userSchema(),
		ConflictResolution: types.DefaultConflictResolution(),
	})
	require.NoError(t, err)

	_, err = c.Insert(user(1, "a"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(types.CommitState{LogPosition: 1}))

	_, err = c.Insert(user(2, "b"))
	require.NoError(t, err)
	require.NoError(t, c.Close()) // rolls the open epoch back

	reopened, err := New(Options{
		Name:               "atomic",
		Dir:                dir,
		Schema:             userSchema(),
		ConflictResolution: types.DefaultConflictResolution(),
	})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, ok := reopened.CommitState()
	require.True(t, ok)
	assert.Equal(t, uint64(1), state.LogPosition)

	// ids keep advancing past the recovered watermark
	result, err := reopened.Insert(user(3, "c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.New.ID)
}

func TestSchemaMismatchOnReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Options{
		Name:               "s",
		Dir:                dir,
		Schema:             userSchema(),
		ConflictResolution: types.DefaultConflictResolution(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	changed := userSchema()
	changed.Fields = append(changed.Fields, types.FieldDefinition{Name: "extra", Type: types.FieldBoolean})
	_, err = New(Options{
		Name:               "s",
		Dir:                dir,
		Schema:             changed,
		ConflictResolution: types.DefaultConflictResolution(),
	})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSnapshottingState(t *testing.T) {
	c := newTestCache(t, types.DefaultConflictResolution())
	assert.True(t, c.IsSnapshottingDone())

	c.MarkSnapshottingStarted("pg")
	assert.False(t, c.IsSnapshottingDone())
	c.MarkSnapshottingDone("pg")
	assert.True(t, c.IsSnapshottingDone())
}
