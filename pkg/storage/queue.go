package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weirhq/weir/pkg/log"
)

// ErrPersistingExited reports a submission to a queue whose background
// worker died on an upload error. The pipeline must stop: the failed
// object was a checkpoint or log segment and durability is gone.
var ErrPersistingExited = errors.New("persisting thread exited")

type uploadJob struct {
	key    string
	data   []byte
	result chan error
}

// UploadQueue executes object uploads on a background worker. Capacity
// bounds the submissions in flight; Submit blocks when the queue is full.
type UploadQueue struct {
	storage Storage
	jobs    chan uploadJob
	dead    chan struct{} // closed when the worker hit an upload error

	mu     sync.Mutex
	cause  error
	closed bool
	wg     sync.WaitGroup
}

// NewUploadQueue starts the background worker
func NewUploadQueue(st Storage, capacity int) *UploadQueue {
	q := &UploadQueue{
		storage: st,
		jobs:    make(chan uploadJob, capacity),
		dead:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *UploadQueue) run() {
	defer q.wg.Done()
	logger := log.WithComponent("upload-queue")
	failed := false
	for job := range q.jobs {
		if failed {
			job.result <- q.failure()
			continue
		}
		if err := q.storage.UploadObject(context.Background(), job.key, job.data); err != nil {
			logger.Error().Err(err).Str("key", job.key).Msg("upload failed, queue is dead")
			q.mu.Lock()
			q.cause = err
			q.mu.Unlock()
			close(q.dead)
			failed = true
			job.result <- q.failure()
			continue
		}
		logger.Debug().Str("key", job.key).Int("bytes", len(job.data)).Msg("uploaded")
		job.result <- nil
	}
}

func (q *UploadQueue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cause != nil {
		return fmt.Errorf("%w: %v", ErrPersistingExited, q.cause)
	}
	return ErrPersistingExited
}

// Submit enqueues one upload and returns a channel that yields the upload
// result exactly once. Submit blocks while the queue is at capacity and
// fails immediately once the worker has died.
func (q *UploadQueue) Submit(ctx context.Context, key string, data []byte) (<-chan error, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrPersistingExited
	}
	q.mu.Unlock()

	select {
	case <-q.dead:
		return nil, q.failure()
	default:
	}

	job := uploadJob{key: key, data: data, result: make(chan error, 1)}
	select {
	case q.jobs <- job:
		return job.result, nil
	case <-q.dead:
		return nil, q.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Upload submits and waits for completion
func (q *UploadQueue) Upload(ctx context.Context, key string, data []byte) error {
	result, err := q.Submit(ctx, key, data)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting submissions, waits for pending uploads to finish
// and returns the first upload error if the worker died
func (q *UploadQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.jobs)
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cause
}
