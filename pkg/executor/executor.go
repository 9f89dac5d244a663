package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weirhq/weir/pkg/checkpoint"
	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// Options tune the runtime behavior of a pipeline
type Options struct {
	ChannelBufferSize   int
	CommitSize          int
	CommitTimeThreshold time.Duration
	Epoch               EpochOptions
}

// Executor materializes a DAG and runs it: one bounded channel per edge,
// one worker per node, two threads per source, one epoch manager shared by
// all sources.
type Executor struct {
	dag     *dag.Dag
	factory *checkpoint.Factory
	opts    Options

	schemas    map[dag.Endpoint]types.Schema // keyed by the edge's From endpoint
	channels   []chan message                // parallel to dag.Edges()
	sources    map[types.NodeHandle]dag.Source
	processors map[types.NodeHandle]dag.Processor
	sinks      map[types.NodeHandle]dag.Sink

	resume     types.SourceStates
	firstEpoch uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates the DAG, propagates schemas edge by edge, builds every
// node instance (restoring processor state from the last checkpoint) and
// allocates the edge channels
func New(d *dag.Dag, factory *checkpoint.Factory, opts Options) (*Executor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		dag:        d,
		factory:    factory,
		opts:       opts,
		schemas:    make(map[dag.Endpoint]types.Schema),
		sources:    make(map[types.NodeHandle]dag.Source),
		processors: make(map[types.NodeHandle]dag.Processor),
		sinks:      make(map[types.NodeHandle]dag.Sink),
		stopCh:     make(chan struct{}),
	}

	if err := e.propagateSchemas(); err != nil {
		return nil, err
	}
	if err := e.recoverPositions(); err != nil {
		return nil, err
	}
	if err := e.buildNodes(); err != nil {
		return nil, err
	}

	e.channels = make([]chan message, len(d.Edges()))
	for i := range e.channels {
		e.channels[i] = make(chan message, opts.ChannelBufferSize)
	}
	return e, nil
}

// propagateSchemas computes the schema on every edge by forward traversal
func (e *Executor) propagateSchemas() error {
	for _, handle := range e.dag.TopoOrder() {
		node, _ := e.dag.Node(handle)
		switch node.Kind {
		case dag.NodeSource:
			for _, port := range node.Source.OutputPorts() {
				schema, err := node.Source.OutputSchema(port)
				if err != nil {
					return fmt.Errorf("source %s port %d: %w", handle, port, err)
				}
				if err := schema.Validate(); err != nil {
					return fmt.Errorf("source %s port %d: %w", handle, port, err)
				}
				e.schemas[dag.Endpoint{Node: handle, Port: port}] = schema
			}
		case dag.NodeProcessor:
			inputs, err := e.inputSchemas(handle)
			if err != nil {
				return err
			}
			for _, port := range node.Processor.OutputPorts() {
				schema, err := node.Processor.OutputSchema(port, inputs)
				if err != nil {
					return fmt.Errorf("processor %s port %d: %w", handle, port, err)
				}
				if err := schema.Validate(); err != nil {
					return fmt.Errorf("processor %s port %d: %w", handle, port, err)
				}
				e.schemas[dag.Endpoint{Node: handle, Port: port}] = schema
			}
		}
	}
	return nil
}

// inputSchemas collects the schemas feeding a node, keyed by input port
func (e *Executor) inputSchemas(handle types.NodeHandle) (map[types.Port]types.Schema, error) {
	out := make(map[types.Port]types.Schema)
	for _, edge := range e.dag.Edges() {
		if edge.To.Node != handle {
			continue
		}
		schema, ok := e.schemas[edge.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s -> %s", ErrInvalidOperation, edge.From, edge.To)
		}
		out[edge.To.Port] = schema
	}
	return out, nil
}

// EdgeSchema returns the schema computed for the edge leaving ep
func (e *Executor) EdgeSchema(ep dag.Endpoint) (types.Schema, bool) {
	s, ok := e.schemas[ep]
	return s, ok
}

// recoverPositions loads the resume positions from the last checkpoint
func (e *Executor) recoverPositions() error {
	lastEpoch, states, ok := e.factory.LastCheckpoint()
	if !ok {
		e.firstEpoch = 0
		return nil
	}
	if err := e.factory.CheckRestartable(); err != nil {
		return err
	}
	e.resume = states
	e.firstEpoch = lastEpoch + 1
	return nil
}

func (e *Executor) buildNodes() error {
	for _, node := range e.dag.Nodes() {
		switch node.Kind {
		case dag.NodeSource:
			outputs := make(map[types.Port]types.Schema)
			for _, port := range node.Source.OutputPorts() {
				outputs[port] = e.schemas[dag.Endpoint{Node: node.Handle, Port: port}]
			}
			source, err := node.Source.Build(outputs)
			if err != nil {
				return fmt.Errorf("failed to build source %s: %w", node.Handle, err)
			}
			if state, ok := e.resume[node.Handle]; ok && state.Kind == types.SourceRestartable {
				restartable, err := source.CanStartFrom(state.Op)
				if err != nil {
					return err
				}
				if !restartable {
					return fmt.Errorf("%w: source %s cannot resume from its checkpointed position", checkpoint.ErrNonRestartableSource, node.Handle)
				}
			}
			e.sources[node.Handle] = source

		case dag.NodeProcessor:
			inputs, err := e.inputSchemas(node.Handle)
			if err != nil {
				return err
			}
			outputs := make(map[types.Port]types.Schema)
			for _, port := range node.Processor.OutputPorts() {
				outputs[port] = e.schemas[dag.Endpoint{Node: node.Handle, Port: port}]
			}
			processor, err := node.Processor.Build(inputs, outputs)
			if err != nil {
				return fmt.Errorf("failed to build processor %s: %w", node.Handle, err)
			}
			if e.firstEpoch > 0 {
				if err := e.restoreProcessorState(node.Handle, processor); err != nil {
					return err
				}
			}
			e.processors[node.Handle] = processor

		case dag.NodeSink:
			inputs, err := e.inputSchemas(node.Handle)
			if err != nil {
				return err
			}
			sink, err := node.Sink.Build(inputs)
			if err != nil {
				return fmt.Errorf("failed to build sink %s: %w", node.Handle, err)
			}
			e.sinks[node.Handle] = sink
		}
	}
	return nil
}

func (e *Executor) restoreProcessorState(handle types.NodeHandle, processor dag.Processor) error {
	data, err := e.factory.LoadProcessorState(context.Background(), e.firstEpoch-1, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := processor.RestoreState(data); err != nil {
		return fmt.Errorf("failed to restore processor %s state: %w", handle, err)
	}
	return nil
}

// outgoing collects the output channels of a node, keyed by output port
func (e *Executor) outgoing(handle types.NodeHandle) map[types.Port][]chan<- message {
	out := make(map[types.Port][]chan<- message)
	for i, edge := range e.dag.Edges() {
		if edge.From.Node == handle {
			out[edge.From.Port] = append(out[edge.From.Port], e.channels[i])
		}
	}
	return out
}

// incoming collects the input channels of a node, keyed by input port
func (e *Executor) incoming(handle types.NodeHandle) map[types.Port]<-chan message {
	out := make(map[types.Port]<-chan message)
	for i, edge := range e.dag.Edges() {
		if edge.To.Node == handle {
			out[edge.To.Port] = e.channels[i]
		}
	}
	return out
}

// Stop requests a graceful shutdown: every source asks for termination at
// its next barrier and the DAG drains within one epoch
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Run starts every worker and blocks until the pipeline drains or fails.
// Cancelling ctx requests a graceful stop; a worker failure kills the
// pipeline and Run returns the first error.
func (e *Executor) Run(ctx context.Context) error {
	logger := log.WithComponent("executor")

	killCtx, kill := context.WithCancel(context.Background())
	defer kill()

	manager := NewEpochManager(len(e.sources), e.factory, e.firstEpoch, e.opts.Epoch)

	var failOnce sync.Once
	var firstErr error
	fail := func(err error) {
		failOnce.Do(func() {
			firstErr = err
			logger.Error().Err(err).Msg("pipeline failing")
			kill()
			manager.Kill()
		})
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					fail(fmt.Errorf("worker %s panicked: %v", name, r))
				}
			}()
			if err := fn(killCtx); err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
		}()
	}

	for _, node := range e.dag.Nodes() {
		handle := node.Handle
		switch node.Kind {
		case dag.NodeSink:
			worker := newSinkWorker(handle, e.sinks[handle], e.incoming(handle), e.factory)
			spawn(handle.String(), worker.run)
		case dag.NodeProcessor:
			fw := newChannelForwarder(killCtx, e.outgoing(handle))
			worker := newProcessorWorker(handle, e.processors[handle], e.incoming(handle), fw, e.factory)
			spawn(handle.String(), worker.run)
		}
	}
	for handle, source := range e.sources {
		fw := newChannelForwarder(killCtx, e.outgoing(handle))
		var from types.OpIdentifier
		if state, ok := e.resume[handle]; ok && state.Kind == types.SourceRestartable {
			from = state.Op
		}
		worker := newSourceWorker(handle, source, fw, manager, e.factory.RecordStore(), from, e.stopCh, e.opts.CommitSize, e.opts.CommitTimeThreshold)
		spawn(handle.String(), worker.run)
		metrics.PipelineSourcesTotal.Inc()
	}

	// an external cancel is a graceful stop request, not a kill
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-stopWatch:
		}
	}()

	wg.Wait()
	close(stopWatch)

	if firstErr != nil {
		return firstErr
	}
	logger.Info().Msg("pipeline drained")
	return nil
}
