package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/cache"
	"github.com/weirhq/weir/pkg/events"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/reader"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// ErrPositionGap reports a log position that is not the one the builder
// expected next; positions must be strictly consecutive
var ErrPositionGap = errors.New("log position gap")

// Options configure one cache builder
type Options struct {
	Endpoint           string
	CacheDir           string
	ConflictResolution types.ConflictResolution
	Indexes            []cache.IndexDefinition
	Labels             map[string]string
	Broker             *events.Broker // optional mutation broadcast
	Reader             reader.Options // batch/timeout/buffer tuning; endpoint and start are set by the builder
}

// catchUpInfo tracks a rebuild racing an older serving cache
type catchUpInfo struct {
	servingNextLogPosition uint64
}

// Builder consumes one endpoint's log and maintains its cache. While a
// rebuild is catching up, an older cache keeps serving queries; the swap
// to the new cache is atomic and happens at the first commit at or past
// the old cache's position.
type Builder struct {
	endpoint string
	opts     Options

	reader   *reader.LogReader
	building *cache.Cache
	serving  atomic.Pointer[cache.Cache]
	old      *cache.Cache // the outgoing cache during catch-up
	catchUp  *catchUpInfo

	nextLogPosition uint64
	logger          zerolog.Logger
}

// servingFile records which cache name was last serving this endpoint
func servingFile(dir, endpoint string) string {
	return filepath.Join(dir, endpoint+".serving")
}

// New handshakes with the replication API, decides between reopening the
// serving cache (same name) and a catch-up rebuild (name changed), and
// starts the log reader at the right position.
func New(ctx context.Context, transport reader.Transport, st storage.Storage, opts Options) (*Builder, error) {
	logger := log.WithEndpoint(opts.Endpoint)

	desc, err := transport.DescribeApplication(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe handshake failed: %w", err)
	}
	info, ok := desc.Endpoints[opts.Endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint: %s", opts.Endpoint)
	}
	cacheName := info.CacheName
	schema := info.Schema

	b := &Builder{
		endpoint: opts.Endpoint,
		opts:     opts,
		logger:   logger,
	}

	var servingName string
	if raw, err := os.ReadFile(servingFile(opts.CacheDir, opts.Endpoint)); err == nil {
		servingName = string(raw)
	}

	if servingName != "" && servingName != cacheName {
		// the log identity or schema changed: keep the old cache serving
		// and rebuild from scratch
		old, err := cache.New(cache.Options{
			Name:               servingName,
			Dir:                opts.CacheDir,
			Schema:             schema,
			Labels:             opts.Labels,
			ConflictResolution: opts.ConflictResolution,
			Indexes:            opts.Indexes,
		})
		switch {
		case err == nil:
			next := uint64(0)
			if state, ok := old.CommitState(); ok {
				next = state.LogPosition + 1
			}
			b.old = old
			b.catchUp = &catchUpInfo{servingNextLogPosition: next}
			b.serving.Store(old)
			logger.Info().
				Str("old", servingName).
				Str("new", cacheName).
				Uint64("serving_next", next).
				Msg("rebuilding cache with catch-up")
		case errors.Is(err, cache.ErrSchemaMismatch):
			// the old cache predates the schema change; it cannot serve
			// the new shape, so drop straight to the fresh cache
			logger.Warn().Str("old", servingName).Msg("serving cache has an incompatible schema, rebuilding without catch-up")
		default:
			return nil, err
		}
	}

	building, err := cache.New(cache.Options{
		Name:               cacheName,
		Dir:                opts.CacheDir,
		Schema:             schema,
		Labels:             opts.Labels,
		ConflictResolution: opts.ConflictResolution,
		Indexes:            opts.Indexes,
	})
	if err != nil {
		if b.old != nil {
			b.old.Close()
		}
		return nil, err
	}
	b.building = building

	if b.catchUp == nil {
		// single mode: the building cache serves directly
		b.serving.Store(building)
		if err := b.recordServing(cacheName); err != nil {
			b.closeAll()
			return nil, err
		}
	}

	start := uint64(0)
	if state, ok := building.CommitState(); ok {
		start = state.LogPosition + 1
	}
	b.nextLogPosition = start

	readerOpts := opts.Reader
	readerOpts.Endpoint = opts.Endpoint
	readerOpts.Start = start
	r, err := reader.New(ctx, transport, st, readerOpts)
	if err != nil {
		b.closeAll()
		return nil, err
	}
	b.reader = r
	return b, nil
}

func (b *Builder) recordServing(name string) error {
	if err := os.MkdirAll(b.opts.CacheDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(servingFile(b.opts.CacheDir, b.endpoint), []byte(name), 0o640)
}

// Serving returns the cache queries should run against; the pointer is
// swapped atomically when a catch-up completes
func (b *Builder) Serving() *cache.Cache {
	return b.serving.Load()
}

// IsCatchingUp reports whether an older cache is still serving
func (b *Builder) IsCatchingUp() bool {
	return b.catchUp != nil
}

// NextLogPosition returns the position the builder expects next
func (b *Builder) NextLogPosition() uint64 {
	return b.nextLogPosition
}

// Run consumes the log until ctx is done or the reader dies. A reader
// death surfaces as an error; the caller closes this builder and builds a
// new one, which resumes from the building cache's commit state. The
// caches stay open after Run so the serving handle remains queryable
// until Close.
func (b *Builder) Run(ctx context.Context) error {
	defer func() {
		if b.reader != nil {
			b.reader.Close()
			b.reader = nil
		}
	}()
	for {
		msg, err := b.reader.ReadOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := b.apply(msg); err != nil {
			return err
		}
	}
}

// apply processes one log element
func (b *Builder) apply(msg reader.OpAndPos) error {
	if msg.Pos != b.nextLogPosition {
		return fmt.Errorf("%w: endpoint %s expected %d, got %d", ErrPositionGap, b.endpoint, b.nextLogPosition, msg.Pos)
	}
	b.nextLogPosition++

	switch msg.Op.Kind {
	case types.LogOp:
		return b.applyOperation(msg.Op.Op, msg.Pos)
	case types.LogCommit:
		return b.applyCommit(msg.Op.Epoch, msg.Pos)
	case types.LogSnapshottingStarted:
		b.building.MarkSnapshottingStarted(msg.Op.Connection)
	case types.LogSnapshottingDone:
		b.building.MarkSnapshottingDone(msg.Op.Connection)
	default:
		return fmt.Errorf("unknown log operation kind: %s", msg.Op.Kind)
	}
	return nil
}

func (b *Builder) applyOperation(op *types.Operation, pos uint64) error {
	if op == nil {
		return fmt.Errorf("log operation without payload at %d", pos)
	}
	switch op.Kind {
	case types.OperationInsert:
		if _, err := b.building.Insert(*op.New); err != nil {
			return err
		}
	case types.OperationDelete:
		if _, err := b.building.Delete(*op.Old); err != nil {
			return err
		}
	case types.OperationUpdate:
		if _, err := b.building.Update(*op.Old, *op.New); err != nil {
			return err
		}
	case types.OperationBatchInsert:
		for i := range op.Batch {
			if _, err := b.building.Insert(op.Batch[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown operation kind: %s", op.Kind)
	}

	if b.opts.Broker != nil {
		b.opts.Broker.Publish(&events.Event{
			Type:        events.EventMutationApplied,
			Endpoint:    b.endpoint,
			Operation:   op,
			LogPosition: pos,
		})
	}
	return nil
}

func (b *Builder) applyCommit(epoch *types.Epoch, pos uint64) error {
	if epoch == nil {
		return fmt.Errorf("commit without epoch at %d", pos)
	}
	if err := b.building.Commit(types.CommitState{LogPosition: pos}); err != nil {
		return err
	}
	metrics.CacheBuildLatency.WithLabelValues(b.endpoint).Observe(time.Since(epoch.DecisionInstant).Seconds())
	if n, err := b.building.Count(); err == nil && b.catchUp == nil {
		metrics.CacheRecordsTotal.WithLabelValues(b.endpoint).Set(float64(n))
	}

	if b.catchUp != nil && b.nextLogPosition >= b.catchUp.servingNextLogPosition {
		b.swap()
	}
	return nil
}

// swap atomically publishes the freshly built cache and decommissions the
// old one
func (b *Builder) swap() {
	old := b.old
	b.serving.Store(b.building)
	b.catchUp = nil
	b.old = nil

	if err := b.recordServing(b.building.Name()); err != nil {
		b.logger.Error().Err(err).Msg("failed to record serving cache")
	}
	if old != nil {
		if err := old.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to close outgoing cache")
		}
	}
	metrics.CacheSwapsTotal.WithLabelValues(b.endpoint).Inc()
	b.logger.Info().
		Str("cache", b.building.Name()).
		Uint64("position", b.nextLogPosition).
		Msg("catch-up complete, cache swapped")

	if b.opts.Broker != nil {
		b.opts.Broker.Publish(&events.Event{
			Type:        events.EventCacheSwapped,
			Endpoint:    b.endpoint,
			LogPosition: b.nextLogPosition,
		})
	}
}

// Close releases the reader and both caches
func (b *Builder) Close() error {
	b.closeAll()
	return nil
}

func (b *Builder) closeAll() {
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
	if b.building != nil {
		b.building.Close()
		b.building = nil
	}
	if b.old != nil {
		b.old.Close()
		b.old = nil
	}
}
