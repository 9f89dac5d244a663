package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/cache"
	"github.com/weirhq/weir/pkg/config"
	"github.com/weirhq/weir/pkg/dag"
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

type scriptedSource struct {
	ops []types.Operation
}

func (s *scriptedSource) Start(ctx context.Context, fw dag.IngestionForwarder, from types.OpIdentifier) error {
	for i, op := range s.ops {
		msg := dag.IngestionMessage{
			Kind:  dag.IngestionOperation,
			Port:  types.DefaultPort,
			Op:    op,
			State: types.OpIdentifier(fmt.Sprintf("pos-%d", i)),
		}
		if err := fw.Send(msg); err != nil {
			return err
		}
	}
	return nil
}
func (s *scriptedSource) CanStartFrom(types.OpIdentifier) (bool, error) { return true, nil }

type scriptedSourceFactory struct {
	source *scriptedSource
}

func (f *scriptedSourceFactory) OutputPorts() []types.Port { return []types.Port{types.DefaultPort} }
func (f *scriptedSourceFactory) OutputSchema(types.Port) (types.Schema, error) {
	return userSchema(), nil
}
func (f *scriptedSourceFactory) Build(map[types.Port]types.Schema) (dag.Source, error) {
	return f.source, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		AppName:  "test-app",
		CacheDir: t.TempDir(),
		Storage:  config.StorageConfig{Backend: "local", Dir: t.TempDir()},
		API:      config.APIConfig{Addr: "127.0.0.1:0"},
		Endpoints: []config.EndpointConfig{{
			Name: "users",
			Indexes: []config.IndexConfig{
				{Kind: config.IndexSorted, Fields: []string{"name"}},
			},
		}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	// tighten timings for tests
	cfg.Runtime.CommitTimeThresholdMillis = 10
	return cfg
}

func insertOp(id int64, name string) types.Operation {
	return types.Insert(types.NewRecord(types.IntField(id), types.StringField(name)))
}

// the whole path: connector -> executor -> log sink -> builder -> cache
func TestAppEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	app, err := New(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	d := dag.New()
	require.NoError(t, d.AddSource(types.NewNodeHandle("users-src"), &scriptedSourceFactory{
		source: &scriptedSource{ops: []types.Operation{
			insertOp(1, "ada"),
			insertOp(2, "grace"),
		}},
	}))
	require.NoError(t, d.AddSink(types.NewNodeHandle("users-log"), app.SinkFactory("users")))
	require.NoError(t, d.Connect(
		dag.Endpoint{Node: types.NewNodeHandle("users-src")},
		dag.Endpoint{Node: types.NewNodeHandle("users-log")},
	))

	require.NoError(t, app.Run(ctx, d))

	c, ok := app.Serving("users")
	require.True(t, ok)

	got, err := c.Get(types.NewRecord(types.IntField(1)))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ada", got.Record.Values[1].Str)

	rows, err := c.Query(&cache.Query{
		Predicates: []cache.Predicate{{Field: 1, Op: cache.OpEq, Value: types.StringField("grace")}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Record.Values[0].Int)

	state, ok := c.CommitState()
	require.True(t, ok)
	assert.GreaterOrEqual(t, state.LogPosition, uint64(2))
}

// a second run over the same state resumes instead of replaying
func TestAppRestartResumes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	run := func(ops []types.Operation) {
		app, err := New(ctx, cfg)
		require.NoError(t, err)
		defer app.Close()

		d := dag.New()
		require.NoError(t, d.AddSource(types.NewNodeHandle("users-src"), &scriptedSourceFactory{
			source: &scriptedSource{ops: ops},
		}))
		require.NoError(t, d.AddSink(types.NewNodeHandle("users-log"), app.SinkFactory("users")))
		require.NoError(t, d.Connect(
			dag.Endpoint{Node: types.NewNodeHandle("users-src")},
			dag.Endpoint{Node: types.NewNodeHandle("users-log")},
		))
		require.NoError(t, app.Run(ctx, d))
	}

	run([]types.Operation{insertOp(1, "ada")})
	run([]types.Operation{insertOp(2, "grace")})

	// the second run reopened the same cache and appended
	c, err := cache.New(cache.Options{
		Name:               servingName(t, cfg),
		Dir:                cfg.CacheDir,
		Schema:             userSchema(),
		ConflictResolution: types.DefaultConflictResolution(),
	})
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func servingName(t *testing.T, cfg *config.Config) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(cfg.CacheDir, "users.serving"))
	require.NoError(t, err)
	return string(raw)
}
