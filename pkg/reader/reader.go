package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// ErrReaderExit reports a fatal transport failure. The reader is dead;
// the caller decides whether to build a new one, which resumes from the
// cursor it reached.
var ErrReaderExit = errors.New("log reader exited")

// Transport is the server surface the reader needs; satisfied by
// api.Client
type Transport interface {
	DescribeApplication(ctx context.Context) (*api.DescribeApplicationResponse, error)
	GetLog(ctx context.Context, req *api.GetLogRequest) (*api.GetLogResponse, error)
}

// Options tune one reader
type Options struct {
	Endpoint    string
	Start       uint64
	BatchSize   uint64        // ops per request, default 1000
	PollTimeout time.Duration // server-side wait per request, default 1s
	BufferSize  int           // look-ahead buffer in ops, default 2 batches
}

func (o *Options) applyDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 1000
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = time.Second
	}
	if o.BufferSize == 0 {
		o.BufferSize = int(2 * o.BatchSize)
	}
}

// OpAndPos is one log operation with its global position
type OpAndPos struct {
	Op  types.LogOperation
	Pos uint64
}

// LogReader streams one endpoint's log: in-memory slices over the
// transport, persisted segments downloaded directly from object storage.
// A background fetcher keeps the look-ahead buffer full.
type LogReader struct {
	endpoint  string
	schema    types.Schema
	cacheName string

	transport Transport
	storage   storage.Storage
	opts      Options
	logger    zerolog.Logger

	buf    chan OpAndPos
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cursor uint64
	fatal  error
}

// New performs the describe handshake and starts the fetcher. st is the
// object storage persisted segments live in, matching the storage
// identity of the describe response.
func New(ctx context.Context, transport Transport, st storage.Storage, opts Options) (*LogReader, error) {
	opts.applyDefaults()

	desc, err := transport.DescribeApplication(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe handshake failed: %w", err)
	}
	info, ok := desc.Endpoints[opts.Endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint: %s", opts.Endpoint)
	}

	fetchCtx, cancel := context.WithCancel(context.Background())
	r := &LogReader{
		endpoint:  opts.Endpoint,
		schema:    info.Schema,
		cacheName: info.CacheName,
		transport: transport,
		storage:   st,
		opts:      opts,
		logger:    log.WithEndpoint(opts.Endpoint),
		buf:       make(chan OpAndPos, opts.BufferSize),
		cancel:    cancel,
		cursor:    opts.Start,
	}
	r.wg.Add(1)
	go r.fetch(fetchCtx)
	return r, nil
}

// Schema returns the endpoint schema from the handshake
func (r *LogReader) Schema() types.Schema { return r.schema }

// CacheName returns the cache identity from the handshake
func (r *LogReader) CacheName() string { return r.cacheName }

// Cursor returns the position of the next operation ReadOne will yield;
// a rebuilt reader starts from here
func (r *LogReader) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *LogReader) fail(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

// fetch is the background loop filling the look-ahead buffer
func (r *LogReader) fetch(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.buf)

	pos := r.opts.Start
	for {
		ops, start, err := r.fetchBatch(ctx, pos)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error().Err(err).Uint64("pos", pos).Msg("log fetch failed")
				r.fail(err)
			}
			return
		}
		for i, op := range ops {
			select {
			case r.buf <- OpAndPos{Op: op, Pos: start + uint64(i)}:
			case <-ctx.Done():
				return
			}
		}
		pos = start + uint64(len(ops))
	}
}

// fetchBatch issues one request for [pos, pos+batch) and resolves a
// persisted pointer by downloading the segment directly
func (r *LogReader) fetchBatch(ctx context.Context, pos uint64) ([]types.LogOperation, uint64, error) {
	resp, err := r.transport.GetLog(ctx, &api.GetLogRequest{
		Endpoint:      r.endpoint,
		Start:         pos,
		End:           pos + r.opts.BatchSize,
		TimeoutMillis: uint64(r.opts.PollTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, 0, err
	}

	if resp.Persisted != nil {
		entry := resp.Persisted
		blob, err := r.storage.DownloadObject(ctx, entry.Key)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to download segment %s: %w", entry.Key, err)
		}
		ops, err := replication.DecodeSegment(blob)
		if err != nil {
			return nil, 0, err
		}
		if !entry.Range.Contains(pos) || uint64(len(ops)) != entry.Range.Len() {
			return nil, 0, fmt.Errorf("segment %s does not cover position %d", entry.Key, pos)
		}
		return ops[pos-entry.Range.Start:], pos, nil
	}
	return resp.Ops, pos, nil
}

// ReadOne yields the next operation in position order. A transport
// failure surfaces as ErrReaderExit once the buffer drains.
func (r *LogReader) ReadOne(ctx context.Context) (OpAndPos, error) {
	select {
	case op, ok := <-r.buf:
		if !ok {
			r.mu.Lock()
			fatal := r.fatal
			r.mu.Unlock()
			if fatal == nil {
				fatal = fmt.Errorf("reader stopped")
			}
			return OpAndPos{}, fmt.Errorf("%w: %v", ErrReaderExit, fatal)
		}
		r.mu.Lock()
		r.cursor = op.Pos + 1
		r.mu.Unlock()
		return op, nil
	case <-ctx.Done():
		return OpAndPos{}, ctx.Err()
	}
}

// Close stops the fetcher
func (r *LogReader) Close() {
	r.cancel()
	r.wg.Wait()
}
