package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app_name: shop
endpoints:
  - name: orders
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultCommitSize, cfg.Runtime.CommitSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Runtime.CommitTimeThreshold())
	assert.Equal(t, DefaultChannelBufferSize, cfg.Runtime.ChannelBufferSize)
	assert.Equal(t, DefaultMaxNumRecordsBeforePersist, cfg.Runtime.MaxNumRecordsBeforePersist)
	assert.Equal(t, 60*time.Second, cfg.Runtime.MaxIntervalBeforePersist())
	assert.Equal(t, DefaultPersistQueueCapacity, cfg.Runtime.PersistQueueCapacity)
	assert.Equal(t, "local", cfg.Storage.Backend)

	require.Len(t, cfg.Endpoints, 1)
	ep := cfg.Endpoints[0]
	assert.Equal(t, types.OnInsertPanic, ep.ConflictResolution.OnInsert)
	assert.Equal(t, types.OnUpdateUpsert, ep.ConflictResolution.OnUpdate)
	assert.Equal(t, types.OnDeletePanic, ep.ConflictResolution.OnDelete)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app_name: shop
runtime:
  commit_size: 500
  commit_time_threshold: 10
  max_num_records_before_persist: 1
  max_interval_before_persist_seconds: 1
storage:
  backend: s3
  s3:
    bucket: weir-checkpoints
    region: us-east-1
    endpoint: http://localhost:9000
    force_path_style: true
endpoints:
  - name: users
    conflict_resolution:
      on_insert: nothing
    indexes:
      - kind: sorted
        fields: [country]
      - kind: full_text
        fields: [bio]
`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Runtime.CommitSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Runtime.CommitTimeThreshold())
	assert.Equal(t, time.Second, cfg.Runtime.MaxIntervalBeforePersist())
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "weir-checkpoints", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.ForcePathStyle)

	ep := cfg.Endpoints[0]
	assert.Equal(t, types.OnInsertNothing, ep.ConflictResolution.OnInsert)
	assert.Equal(t, types.OnUpdateUpsert, ep.ConflictResolution.OnUpdate) // defaulted
	require.Len(t, ep.Indexes, 2)
	assert.Equal(t, IndexSorted, ep.Indexes[0].Kind)
	assert.Equal(t, IndexFullText, ep.Indexes[1].Kind)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing app name", `endpoints: [{name: a}]`},
		{"unknown backend", "app_name: x\nstorage: {backend: tape}"},
		{"s3 without bucket", "app_name: x\nstorage: {backend: s3}"},
		{"duplicate endpoint", "app_name: x\nendpoints: [{name: a}, {name: a}]"},
		{"empty endpoint name", "app_name: x\nendpoints: [{name: \"\"}]"},
		{"bad index kind", "app_name: x\nendpoints: [{name: a, indexes: [{kind: hash, fields: [f]}]}]"},
		{"index without fields", "app_name: x\nendpoints: [{name: a, indexes: [{kind: sorted}]}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
