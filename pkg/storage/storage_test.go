package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	st, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.UploadObject(ctx, "record_store/000001", []byte("slice-1")))
	require.NoError(t, st.UploadObject(ctx, "record_store/000002", []byte("slice-2")))
	require.NoError(t, st.UploadObject(ctx, "log/users/000000", []byte("segment")))

	data, err := st.DownloadObject(ctx, "record_store/000001")
	require.NoError(t, err)
	assert.Equal(t, "slice-1", string(data))

	_, err = st.DownloadObject(ctx, "record_store/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := st.ListObjects(ctx, "record_store/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "record_store/000001", infos[0].Key)
	assert.Equal(t, "record_store/000002", infos[1].Key)
	assert.Equal(t, int64(7), infos[0].Size)

	require.NoError(t, st.DeleteObject(ctx, "record_store/000001"))
	require.NoError(t, st.DeleteObject(ctx, "record_store/000001")) // idempotent

	infos, err = st.ListObjects(ctx, "record_store/")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestLocalStorageOverwrite(t *testing.T) {
	st, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.UploadObject(ctx, "k", []byte("old")))
	require.NoError(t, st.UploadObject(ctx, "k", []byte("new")))
	data, err := st.DownloadObject(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestUploadQueue(t *testing.T) {
	st, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	q := NewUploadQueue(st, 4)
	ctx := context.Background()

	result, err := q.Submit(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.NoError(t, <-result)

	require.NoError(t, q.Upload(ctx, "b", []byte("2")))
	require.NoError(t, q.Close())

	data, err := st.DownloadObject(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	// submissions after close fail
	_, err = q.Submit(ctx, "c", []byte("3"))
	assert.ErrorIs(t, err, ErrPersistingExited)
}

type failingStorage struct {
	*LocalStorage
	fail error
}

func (f *failingStorage) UploadObject(ctx context.Context, key string, data []byte) error {
	return f.fail
}

func TestUploadQueueDiesOnError(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	st := &failingStorage{LocalStorage: local, fail: errors.New("boom")}
	q := NewUploadQueue(st, 2)
	ctx := context.Background()

	err = q.Upload(ctx, "a", []byte("1"))
	assert.ErrorIs(t, err, ErrPersistingExited)

	// every later submission fails fast
	_, err = q.Submit(ctx, "b", []byte("2"))
	assert.ErrorIs(t, err, ErrPersistingExited)

	closeErr := q.Close()
	assert.Error(t, closeErr)
}
