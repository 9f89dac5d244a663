package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/weirhq/weir/pkg/frame"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/recordstore"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

const (
	recordStorePrefix = "record_store/"
	processorPrefix   = "processor/"
)

var (
	// ErrCorruptedCheckpoint reports an undecodable record-store slice
	ErrCorruptedCheckpoint = errors.New("corrupted checkpoint")
	// ErrNonRestartableSource reports recovery against a source that
	// declared itself non-restartable at the last checkpoint
	ErrNonRestartableSource = errors.New("checkpoint contains a non-restartable source")
)

// Factory owns the checkpoint state of one pipeline: the process-wide
// record store, the upload queue and the bookkeeping of what has been
// persisted. Writing a record-store slice is the commit point; everything
// else under the prefix is auxiliary.
type Factory struct {
	storage storage.Storage
	queue   *storage.UploadQueue
	store   *recordstore.Store

	mu            sync.Mutex
	hasCheckpoint bool
	lastEpoch     uint64
	lastStates    types.SourceStates
	sliceStart    uint64 // record-store index where the next slice begins
}

// New scans the storage prefix, restores the record store from existing
// slices in epoch order and prunes processor files beyond the newest slice
func New(ctx context.Context, st storage.Storage, queueCapacity int) (*Factory, error) {
	f := &Factory{
		storage: st,
		queue:   storage.NewUploadQueue(st, queueCapacity),
		store:   recordstore.New(),
	}
	if err := f.recover(ctx); err != nil {
		f.queue.Close()
		return nil, err
	}
	return f, nil
}

func recordStoreKey(epochID uint64) string {
	return fmt.Sprintf("%s%020d", recordStorePrefix, epochID)
}

func processorKey(epochID uint64, node types.NodeHandle) string {
	return fmt.Sprintf("%s%d/%s", processorPrefix, epochID, node)
}

func recordWriterKey(epochID uint64, node types.NodeHandle, port types.Port) string {
	return fmt.Sprintf("%s%d/%s-%d", processorPrefix, epochID, node, port)
}

func parseSliceEpoch(key string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(key, recordStorePrefix), 10, 64)
}

func parseProcessorEpoch(key string) (uint64, error) {
	rest := strings.TrimPrefix(key, processorPrefix)
	epochStr, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, fmt.Errorf("malformed processor key: %s", key)
	}
	return strconv.ParseUint(epochStr, 10, 64)
}

func (f *Factory) recover(ctx context.Context) error {
	logger := log.WithComponent("checkpoint")

	infos, err := f.storage.ListObjects(ctx, recordStorePrefix)
	if err != nil {
		return fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	// keys are zero padded, so lexicographic order is epoch order; sort by
	// parsed id anyway to guard against foreign objects
	type sliceInfo struct {
		key   string
		epoch uint64
	}
	var slices []sliceInfo
	for _, info := range infos {
		epoch, err := parseSliceEpoch(info.Key)
		if err != nil {
			logger.Warn().Str("key", info.Key).Msg("ignoring foreign object under record_store prefix")
			continue
		}
		slices = append(slices, sliceInfo{key: info.Key, epoch: epoch})
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i].epoch < slices[j].epoch })

	for _, sl := range slices {
		blob, err := f.storage.DownloadObject(ctx, sl.key)
		if err != nil {
			return fmt.Errorf("failed to download checkpoint %s: %w", sl.key, err)
		}
		states, data, err := decodeSlice(blob)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptedCheckpoint, sl.key, err)
		}
		if err := f.store.DeserializeAndExtend(data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptedCheckpoint, sl.key, err)
		}
		f.hasCheckpoint = true
		f.lastEpoch = sl.epoch
		f.lastStates = states
	}
	f.sliceStart = f.store.NumRecords()

	if len(slices) > 0 {
		logger.Info().
			Uint64("epoch", f.lastEpoch).
			Uint64("records", f.sliceStart).
			Msg("recovered from checkpoint")
	}

	// prune half-written per-processor files beyond the newest slice; the
	// slice upload is the commit point, so those files belong to an epoch
	// that never committed
	procs, err := f.storage.ListObjects(ctx, processorPrefix)
	if err != nil {
		return fmt.Errorf("failed to scan processor state: %w", err)
	}
	for _, info := range procs {
		epoch, err := parseProcessorEpoch(info.Key)
		if err != nil {
			logger.Warn().Str("key", info.Key).Msg("ignoring foreign object under processor prefix")
			continue
		}
		if !f.hasCheckpoint || epoch > f.lastEpoch {
			logger.Warn().Str("key", info.Key).Msg("deleting spurious processor state")
			if err := f.storage.DeleteObject(ctx, info.Key); err != nil {
				return fmt.Errorf("failed to delete spurious processor state %s: %w", info.Key, err)
			}
		}
	}
	return nil
}

func decodeSlice(blob []byte) (types.SourceStates, []byte, error) {
	raw, err := frame.Decompress(blob)
	if err != nil {
		return nil, nil, err
	}
	statesRaw, rest, err := frame.Next(raw)
	if err != nil {
		return nil, nil, err
	}
	data, _, err := frame.Next(rest)
	if err != nil {
		return nil, nil, err
	}
	var states types.SourceStates
	if err := json.Unmarshal(statesRaw, &states); err != nil {
		return nil, nil, err
	}
	return states, data, nil
}

func encodeSlice(states types.SourceStates, data []byte) ([]byte, error) {
	statesRaw, err := json.Marshal(states)
	if err != nil {
		return nil, err
	}
	blob := frame.Append(nil, statesRaw)
	blob = frame.Append(blob, data)
	return frame.Compress(blob)
}

// RecordStore returns the process-wide record store
func (f *Factory) RecordStore() *recordstore.Store {
	return f.store
}

// Queue exposes the upload queue for components that persist through the
// factory's storage, such as the replication log
func (f *Factory) Queue() *storage.UploadQueue {
	return f.queue
}

// Storage exposes the underlying object storage
func (f *Factory) Storage() storage.Storage {
	return f.storage
}

// LastCheckpoint returns the newest committed epoch and its source states.
// ok is false when the prefix held no slices.
func (f *Factory) LastCheckpoint() (epochID uint64, states types.SourceStates, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasCheckpoint {
		return 0, nil, false
	}
	return f.lastEpoch, f.lastStates.Clone(), true
}

// CheckRestartable verifies the recovered source states allow resuming.
// A source that was non-restartable at checkpoint time makes the whole
// checkpoint unusable.
func (f *Factory) CheckRestartable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for node, state := range f.lastStates {
		if state.Kind == types.SourceNonRestartable {
			return fmt.Errorf("%w: %s", ErrNonRestartableSource, node)
		}
	}
	return nil
}

// UnpersistedRecords returns how many record-store entries the next slice
// would carry; the epoch manager uses it for the persist decision
func (f *Factory) UnpersistedRecords() uint64 {
	f.mu.Lock()
	start := f.sliceStart
	f.mu.Unlock()
	return f.store.NumRecords() - start
}

// PersistEpoch serializes the record-store slice for a committed epoch and
// enqueues its upload. The returned channel yields the upload result; the
// slice becoming durable is the linearization point of the commit.
func (f *Factory) PersistEpoch(ctx context.Context, epoch types.Epoch) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, end, err := f.store.SerializeSlice(f.sliceStart)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record store slice: %w", err)
	}
	blob, err := encodeSlice(epoch.SourceStates, data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	result, err := f.queue.Submit(ctx, recordStoreKey(epoch.ID), blob)
	if err != nil {
		return nil, err
	}

	f.sliceStart = end
	f.hasCheckpoint = true
	f.lastEpoch = epoch.ID
	f.lastStates = epoch.SourceStates.Clone()
	return result, nil
}

// WriteProcessorState enqueues a per-processor state object for an epoch
func (f *Factory) WriteProcessorState(ctx context.Context, epochID uint64, node types.NodeHandle, data []byte) (<-chan error, error) {
	blob, err := frame.Compress(data)
	if err != nil {
		return nil, err
	}
	return f.queue.Submit(ctx, processorKey(epochID, node), blob)
}

// WriteRecordWriterState enqueues a per-port record-writer state object
func (f *Factory) WriteRecordWriterState(ctx context.Context, epochID uint64, node types.NodeHandle, port types.Port, data []byte) (<-chan error, error) {
	blob, err := frame.Compress(data)
	if err != nil {
		return nil, err
	}
	return f.queue.Submit(ctx, recordWriterKey(epochID, node, port), blob)
}

// LoadProcessorState downloads a processor's state for an epoch, or
// storage.ErrNotFound when the processor never persisted
func (f *Factory) LoadProcessorState(ctx context.Context, epochID uint64, node types.NodeHandle) ([]byte, error) {
	blob, err := f.storage.DownloadObject(ctx, processorKey(epochID, node))
	if err != nil {
		return nil, err
	}
	data, err := frame.Decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: processor state %s: %v", ErrCorruptedCheckpoint, node, err)
	}
	return data, nil
}

// Close drains the upload queue
func (f *Factory) Close() error {
	return f.queue.Close()
}
