package reader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// logTransport serves reader requests straight off a replication.Log,
// standing in for the gRPC client
type logTransport struct {
	log     *replication.Log
	st      storage.Storage
	failing atomic.Bool
}

func (t *logTransport) DescribeApplication(ctx context.Context) (*api.DescribeApplicationResponse, error) {
	return &api.DescribeApplicationResponse{
		Endpoints: map[string]api.EndpointInfo{
			t.log.Endpoint(): {
				Schema:       t.log.Schema(),
				CacheName:    t.log.CacheName(),
				NextPosition: t.log.End(),
			},
		},
		Storage: t.st.Describe(),
	}, nil
}

func (t *logTransport) GetLog(ctx context.Context, req *api.GetLogRequest) (*api.GetLogResponse, error) {
	if t.failing.Load() {
		return nil, errors.New("transport down")
	}
	resp, err := t.log.Read(ctx, types.LogRange{Start: req.Start, End: req.End},
		time.Duration(req.TimeoutMillis)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &api.GetLogResponse{Persisted: resp.Persisted, Ops: resp.Ops}, nil
}

func testSchema() types.Schema {
	return types.Schema{
		Fields:       []types.FieldDefinition{{Name: "id", Type: types.FieldInt}},
		PrimaryIndex: []int{0},
	}
}

func writeOps(l *replication.Log, start int64, n int64, epoch uint64) {
	for i := start; i < start+n; i++ {
		op := types.Insert(types.NewRecord(types.IntField(i)))
		l.Write(types.LogOperation{Kind: types.LogOp, Op: &op})
	}
	l.Write(types.LogOperation{Kind: types.LogCommit, Epoch: &types.Epoch{
		ID: epoch, SourceStates: types.SourceStates{}, DecisionInstant: time.Now(),
	}})
}

func newFixture(t *testing.T) (*replication.Log, *logTransport, storage.Storage) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	l, err := replication.NewLog(context.Background(), st, "users", testSchema())
	require.NoError(t, err)
	return l, &logTransport{log: l, st: st}, st
}

func TestReadOneInOrder(t *testing.T) {
	l, transport, st := newFixture(t)
	writeOps(l, 0, 3, 0)

	r, err := New(context.Background(), transport, st, Options{Endpoint: "users"})
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.Schema().Equal(testSchema()))
	assert.Equal(t, l.CacheName(), r.CacheName())

	ctx := context.Background()
	for want := uint64(0); want < 4; want++ {
		op, err := r.ReadOne(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, op.Pos)
	}
	assert.Equal(t, uint64(4), r.Cursor())
}

func TestReadAcrossPersistedBoundary(t *testing.T) {
	l, transport, st := newFixture(t)
	ctx := context.Background()

	writeOps(l, 0, 2, 0) // positions 0..2 incl commit
	queue := storage.NewUploadQueue(st, 4)
	defer queue.Close()
	future, err := l.Persist(ctx, 0, queue)
	require.NoError(t, err)
	require.NoError(t, future.Await(ctx))

	writeOps(l, 2, 2, 1) // positions 3..5 in memory

	r, err := New(ctx, transport, st, Options{Endpoint: "users", BatchSize: 2})
	require.NoError(t, err)
	defer r.Close()

	var kinds []types.LogOperationKind
	for want := uint64(0); want < 6; want++ {
		op, err := r.ReadOne(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, op.Pos)
		kinds = append(kinds, op.Op.Kind)
	}
	assert.Equal(t, []types.LogOperationKind{
		types.LogOp, types.LogOp, types.LogCommit,
		types.LogOp, types.LogOp, types.LogCommit,
	}, kinds)
}

func TestReaderTailsLiveWrites(t *testing.T) {
	l, transport, st := newFixture(t)
	ctx := context.Background()

	r, err := New(ctx, transport, st, Options{
		Endpoint:    "users",
		PollTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer r.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeOps(l, 0, 1, 0)
	}()

	op, err := r.ReadOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), op.Pos)
}

func TestReaderExitAndRebuild(t *testing.T) {
	l, transport, st := newFixture(t)
	ctx := context.Background()
	writeOps(l, 0, 2, 0)

	r, err := New(ctx, transport, st, Options{Endpoint: "users", BatchSize: 1, BufferSize: 1})
	require.NoError(t, err)

	op, err := r.ReadOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), op.Pos)

	transport.failing.Store(true)
	var exitErr error
	for {
		_, err = r.ReadOne(ctx)
		if err != nil {
			exitErr = err
			break
		}
	}
	assert.ErrorIs(t, exitErr, ErrReaderExit)
	cursor := r.Cursor()
	r.Close()

	// a rebuilt reader resumes from the cursor
	transport.failing.Store(false)
	r2, err := New(ctx, transport, st, Options{Endpoint: "users", Start: cursor})
	require.NoError(t, err)
	defer r2.Close()

	op, err = r2.ReadOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor, op.Pos)
}

func TestUnknownEndpoint(t *testing.T) {
	_, transport, st := newFixture(t)
	_, err := New(context.Background(), transport, st, Options{Endpoint: "ghost"})
	assert.Error(t, err)
}
