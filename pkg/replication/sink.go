package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// Registry holds the logs of a running application, keyed by endpoint.
// Sink factories register logs as the executor builds them; the API
// server reads from it.
type Registry struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{logs: make(map[string]*Log)}
}

// Add registers a log under its endpoint name
func (r *Registry) Add(l *Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[l.Endpoint()] = l
}

// Get returns the log for an endpoint
func (r *Registry) Get(endpoint string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[endpoint]
	return l, ok
}

// Endpoints returns every registered endpoint name
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.logs))
	for name := range r.logs {
		out = append(out, name)
	}
	return out
}

// LogSinkFactory builds the sink that appends a pipeline's output to a
// replication log
type LogSinkFactory struct {
	storage  storage.Storage
	endpoint string
	registry *Registry
}

// NewLogSinkFactory creates the factory; the log itself is opened at
// build time, once the edge schema is known
func NewLogSinkFactory(st storage.Storage, endpoint string, registry *Registry) *LogSinkFactory {
	return &LogSinkFactory{storage: st, endpoint: endpoint, registry: registry}
}

// InputPorts declares the single default input
func (f *LogSinkFactory) InputPorts() []types.Port {
	return []types.Port{types.DefaultPort}
}

// Build opens the log with the propagated schema and registers it
func (f *LogSinkFactory) Build(inputs map[types.Port]types.Schema) (dag.Sink, error) {
	schema, ok := inputs[types.DefaultPort]
	if !ok {
		return nil, fmt.Errorf("log sink %s: no input schema", f.endpoint)
	}
	l, err := NewLog(context.Background(), f.storage, f.endpoint, schema)
	if err != nil {
		return nil, err
	}
	if f.registry != nil {
		f.registry.Add(l)
	}
	return newLogSink(l), nil
}

// LogSink appends operations and commit markers to a replication log and
// persists finalized segments on persisting epochs
type LogSink struct {
	log     *Log
	futures chan *PersistFuture
	wg      sync.WaitGroup

	mu          sync.Mutex
	awaitErr    error
	lastOpID    types.OpIdentifier
	sourceState []byte
}

func newLogSink(l *Log) *LogSink {
	s := &LogSink{
		log:     l,
		futures: make(chan *PersistFuture, 64),
	}
	// segment finalizations apply strictly in persist order
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for f := range s.futures {
			if err := f.Await(context.Background()); err != nil {
				s.mu.Lock()
				if s.awaitErr == nil {
					s.awaitErr = err
				}
				s.mu.Unlock()
			}
		}
	}()
	return s
}

// Log returns the sink's log
func (s *LogSink) Log() *Log { return s.log }

func (s *LogSink) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitErr
}

// Process appends one operation
func (s *LogSink) Process(from types.Port, op types.Operation) error {
	if err := s.failed(); err != nil {
		return err
	}
	s.log.Write(types.LogOperation{Kind: types.LogOp, Op: &op})
	return nil
}

// Commit appends the commit marker for an epoch
func (s *LogSink) Commit(ctx context.Context, epoch types.Epoch) error {
	if err := s.failed(); err != nil {
		return err
	}
	e := epoch
	s.log.Write(types.LogOperation{Kind: types.LogCommit, Epoch: &e})

	s.mu.Lock()
	for _, state := range epoch.SourceStates {
		if state.Kind == types.SourceRestartable {
			s.lastOpID = state.Op
		}
	}
	s.mu.Unlock()
	return nil
}

// Persist enqueues the segment upload; finalization happens in the
// background so the commit barrier never blocks on object storage
func (s *LogSink) Persist(ctx context.Context, epoch types.Epoch, queue *storage.UploadQueue) error {
	if err := s.failed(); err != nil {
		return err
	}
	future, err := s.log.Persist(ctx, epoch.ID, queue)
	if err != nil {
		return err
	}
	if future != nil {
		s.futures <- future
	}
	return nil
}

// OnSourceSnapshottingStarted appends the start marker
func (s *LogSink) OnSourceSnapshottingStarted(connection string) error {
	s.log.Write(types.LogOperation{Kind: types.LogSnapshottingStarted, Connection: connection})
	return nil
}

// OnSourceSnapshottingDone appends the done marker
func (s *LogSink) OnSourceSnapshottingDone(connection string) error {
	s.log.Write(types.LogOperation{Kind: types.LogSnapshottingDone, Connection: connection})
	return nil
}

// SetSourceState stores opaque recovery bytes for this sink
func (s *LogSink) SetSourceState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceState = append([]byte(nil), data...)
	return nil
}

// GetSourceState returns the stored recovery bytes
func (s *LogSink) GetSourceState() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sourceState == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.sourceState...), true, nil
}

// GetLatestOpID returns the newest restartable position seen in a commit
func (s *LogSink) GetLatestOpID() (types.OpIdentifier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOpID == nil {
		return nil, false, nil
	}
	return s.lastOpID, true, nil
}

// Close waits for outstanding segment finalizations
func (s *LogSink) Close() error {
	close(s.futures)
	s.wg.Wait()
	return s.failed()
}
