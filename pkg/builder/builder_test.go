package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/events"
	"github.com/weirhq/weir/pkg/reader"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// fakeTransport serves reader traffic from a replication log while
// letting tests override the advertised cache name
type fakeTransport struct {
	log       *replication.Log
	st        storage.Storage
	mu        sync.Mutex
	cacheName string
}

func (t *fakeTransport) setCacheName(name string) {
	t.mu.Lock()
	t.cacheName = name
	t.mu.Unlock()
}

func (t *fakeTransport) DescribeApplication(ctx context.Context) (*api.DescribeApplicationResponse, error) {
	t.mu.Lock()
	name := t.cacheName
	t.mu.Unlock()
	if name == "" {
		name = t.log.CacheName()
	}
	return &api.DescribeApplicationResponse{
		Endpoints: map[string]api.EndpointInfo{
			t.log.Endpoint(): {
				Schema:       t.log.Schema(),
				CacheName:    name,
				NextPosition: t.log.End(),
			},
		},
		Storage: t.st.Describe(),
	}, nil
}

func (t *fakeTransport) GetLog(ctx context.Context, req *api.GetLogRequest) (*api.GetLogResponse, error) {
	resp, err := t.log.Read(ctx, types.LogRange{Start: req.Start, End: req.End},
		time.Duration(req.TimeoutMillis)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &api.GetLogResponse{Persisted: resp.Persisted, Ops: resp.Ops}, nil
}

func userSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.FieldInt},
			{Name: "name", Type: types.FieldString},
		},
		PrimaryIndex: []int{0},
	}
}

func user(id int64, name string) types.Record {
	return types.NewRecord(types.IntField(id), types.StringField(name))
}

func newFixture(t *testing.T) (*replication.Log, *fakeTransport, storage.Storage, Options) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	l, err := replication.NewLog(context.Background(), st, "users", userSchema())
	require.NoError(t, err)
	transport := &fakeTransport{log: l, st: st}
	opts := Options{
		Endpoint:           "users",
		CacheDir:           t.TempDir(),
		ConflictResolution: types.DefaultConflictResolution(),
		Reader:             reader.Options{PollTimeout: 50 * time.Millisecond},
	}
	return l, transport, st, opts
}

func writeInsert(l *replication.Log, rec types.Record) {
	op := types.Insert(rec)
	l.Write(types.LogOperation{Kind: types.LogOp, Op: &op})
}

func writeUpdate(l *replication.Log, old, new types.Record) {
	op := types.Update(old, new)
	l.Write(types.LogOperation{Kind: types.LogOp, Op: &op})
}

func writeCommit(l *replication.Log, epochID uint64) {
	l.Write(types.LogOperation{Kind: types.LogCommit, Epoch: &types.Epoch{
		ID: epochID, SourceStates: types.SourceStates{}, DecisionInstant: time.Now(),
	}})
}

// runUntil runs the builder in the background until the serving cache
// reaches the wanted commit position
func runUntil(t *testing.T, b *Builder, position uint64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if state, ok := b.Serving().CommitState(); ok && state.LogPosition >= position {
			cancel()
			require.NoError(t, <-done)
			return
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("builder never reached position %d", position)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// single-shot ingest: the cache ends up with exactly the committed rows
func TestSingleShotIngest(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	ctx := context.Background()

	writeInsert(l, user(1, "v1"))
	writeInsert(l, user(2, "v2"))
	writeCommit(l, 0)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.IsCatchingUp())

	runUntil(t, b, 2)

	c := b.Serving()
	state, ok := c.CommitState()
	require.True(t, ok)
	assert.Equal(t, uint64(2), state.LogPosition)

	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.Record.Values[1].Str)
	got, err = c.Get(user(2, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Record.Values[1].Str)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// update by primary key: one row, bumped version
func TestUpdateByPK(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	ctx := context.Background()

	writeInsert(l, user(1, "A"))
	writeCommit(l, 0)
	writeUpdate(l, user(1, "A"), user(1, "B"))
	writeCommit(l, 1)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 3)

	c := b.Serving()
	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.Record.Values[1].Str)
	assert.Equal(t, uint32(2), got.Version)
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// conflict resolution Nothing on insert keeps the first version
func TestInsertConflictNothing(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	opts.ConflictResolution.OnInsert = types.OnInsertNothing
	ctx := context.Background()

	writeInsert(l, user(1, "a"))
	writeCommit(l, 0)
	writeInsert(l, user(1, "b"))
	writeCommit(l, 1)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 3)

	got, err := b.Serving().Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Record.Values[1].Str)
	assert.Equal(t, uint32(1), got.Version)
}

// a builder restart resumes from the committed position
func TestResumeFromCommitState(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	ctx := context.Background()

	writeInsert(l, user(1, "a"))
	writeCommit(l, 0)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 1)

	writeInsert(l, user(2, "b"))
	writeCommit(l, 1)
	require.NoError(t, b.Close())

	b2, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b2.Close()
	assert.Equal(t, uint64(2), b2.NextLogPosition())
	runUntil(t, b2, 3)

	n, err := b2.Serving().Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// catch-up swap: the old cache serves until the new one reaches its
// position, then the pointer flips atomically
func TestCatchUpSwap(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	ctx := context.Background()

	// build the "old" serving cache up to position 1
	writeInsert(l, user(1, "old"))
	writeCommit(l, 0)
	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 1)
	oldName := b.Serving().Name()
	require.NoError(t, b.Close())

	// pretend the pipeline was rebuilt: same log, new cache identity
	transport.setCacheName("rebuilt-" + l.Schema().Fingerprint())

	b2, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b2.Close()
	require.True(t, b2.IsCatchingUp())

	// until catch-up completes, queries resolve to the old cache
	assert.Equal(t, oldName, b2.Serving().Name())

	ctx2, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b2.Run(ctx2) }()

	deadline := time.After(5 * time.Second)
	for b2.Serving().Name() == oldName {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("swap never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// the new cache took over with the full replayed state
	c := b2.Serving()
	assert.Equal(t, "rebuilt-"+l.Schema().Fingerprint(), c.Name())
	state, ok := c.CommitState()
	require.True(t, ok)
	assert.GreaterOrEqual(t, state.LogPosition, uint64(1))
	got, err := c.Get(user(1, ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "old", got.Record.Values[1].Str)

	cancel()
	require.NoError(t, <-done)
}

// snapshotting markers flow into the cache state
func TestSnapshottingMarkers(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	ctx := context.Background()

	l.Write(types.LogOperation{Kind: types.LogSnapshottingStarted, Connection: "pg"})
	writeInsert(l, user(1, "a"))
	l.Write(types.LogOperation{Kind: types.LogSnapshottingDone, Connection: "pg"})
	writeCommit(l, 0)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 3)
	assert.True(t, b.Serving().IsSnapshottingDone())
}

// mutation broadcast forwards applied operations with their positions
func TestMutationBroadcast(t *testing.T) {
	l, transport, st, opts := newFixture(t)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	opts.Broker = broker
	ctx := context.Background()

	writeInsert(l, user(1, "a"))
	writeCommit(l, 0)

	b, err := New(ctx, transport, st, opts)
	require.NoError(t, err)
	defer b.Close()
	runUntil(t, b, 1)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventMutationApplied, ev.Type)
		assert.Equal(t, "users", ev.Endpoint)
		assert.Equal(t, uint64(0), ev.LogPosition)
		require.NotNil(t, ev.Operation)
		assert.Equal(t, types.OperationInsert, ev.Operation.Kind)
	case <-time.After(time.Second):
		t.Fatal("no mutation event")
	}
}
