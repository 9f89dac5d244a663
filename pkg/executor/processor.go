package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/checkpoint"
	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/types"
)

// processorWorker runs one processor node: a select loop over all input
// edges with barrier-aligned commit handling
type processorWorker struct {
	handle    types.NodeHandle
	processor dag.Processor
	inputs    map[types.Port]<-chan message
	fw        *channelForwarder
	factory   *checkpoint.Factory
	logger    zerolog.Logger
}

func newProcessorWorker(handle types.NodeHandle, processor dag.Processor, inputs map[types.Port]<-chan message, fw *channelForwarder, factory *checkpoint.Factory) *processorWorker {
	return &processorWorker{
		handle:    handle,
		processor: processor,
		inputs:    inputs,
		fw:        fw,
		factory:   factory,
		logger:    log.WithNode(handle.String()),
	}
}

func (w *processorWorker) run(ctx context.Context) error {
	mux := startInputs(ctx, w.inputs)

	open := len(w.inputs)
	var pending []chan struct{}
	var commitMsg message

	completeBarrier := func() error {
		if err := w.processor.Commit(commitMsg.epoch); err != nil {
			return fmt.Errorf("processor %s commit failed: %w", w.handle, err)
		}
		if commitMsg.persist {
			if err := w.persistState(ctx, commitMsg.epoch.ID); err != nil {
				return err
			}
		}
		if err := w.fw.broadcast(commitMsg); err != nil {
			return err
		}
		for _, resume := range pending {
			close(resume)
		}
		pending = nil
		return nil
	}

	for open > 0 {
		var ev inputEvent
		select {
		case ev = <-mux:
		case <-ctx.Done():
			return ctx.Err()
		}

		switch ev.msg.kind {
		case msgOp:
			if err := w.processor.Process(ev.port, ev.msg.op, w.fw); err != nil {
				return fmt.Errorf("processor %s failed: %w", w.handle, err)
			}
		case msgSnapshottingStarted, msgSnapshottingDone:
			if err := w.fw.broadcast(ev.msg); err != nil {
				return err
			}
		case msgCommit:
			pending = append(pending, ev.resume)
			commitMsg = ev.msg
			if len(pending) == open {
				if err := completeBarrier(); err != nil {
					return err
				}
			}
		case msgTerminate:
			open--
			if len(pending) > 0 && len(pending) == open {
				if err := completeBarrier(); err != nil {
					return err
				}
			}
		}
	}

	return w.fw.broadcast(message{kind: msgTerminate})
}

// persistState uploads the processor's serialized state for a persisting
// epoch. Upload failures surface through the dead queue on the next
// persisting epoch; the slice upload is what decides commit durability.
func (w *processorWorker) persistState(ctx context.Context, epochID uint64) error {
	data, err := w.processor.SerializeState()
	if err != nil {
		return fmt.Errorf("processor %s state serialization failed: %w", w.handle, err)
	}
	if data == nil {
		return nil
	}
	result, err := w.factory.WriteProcessorState(ctx, epochID, w.handle, data)
	if err != nil {
		return err
	}
	go func() {
		if err := <-result; err != nil {
			w.logger.Error().Err(err).Uint64("epoch", epochID).Msg("processor state upload failed")
		}
	}()
	return nil
}
