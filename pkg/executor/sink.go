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

// sinkWorker runs one sink node and drives its side of the commit protocol
type sinkWorker struct {
	handle  types.NodeHandle
	sink    dag.Sink
	inputs  map[types.Port]<-chan message
	factory *checkpoint.Factory
	logger  zerolog.Logger
}

func newSinkWorker(handle types.NodeHandle, sink dag.Sink, inputs map[types.Port]<-chan message, factory *checkpoint.Factory) *sinkWorker {
	return &sinkWorker{
		handle:  handle,
		sink:    sink,
		inputs:  inputs,
		factory: factory,
		logger:  log.WithNode(handle.String()),
	}
}

func (w *sinkWorker) run(ctx context.Context) error {
	mux := startInputs(ctx, w.inputs)

	open := len(w.inputs)
	var pending []chan struct{}
	var commitMsg message

	completeBarrier := func() error {
		if err := w.sink.Commit(ctx, commitMsg.epoch); err != nil {
			return fmt.Errorf("sink %s commit failed: %w", w.handle, err)
		}
		if commitMsg.persist {
			if err := w.sink.Persist(ctx, commitMsg.epoch, w.factory.Queue()); err != nil {
				return fmt.Errorf("sink %s persist failed: %w", w.handle, err)
			}
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
			if err := w.sink.Process(ev.port, ev.msg.op); err != nil {
				return fmt.Errorf("sink %s failed: %w", w.handle, err)
			}
		case msgSnapshottingStarted:
			if err := w.sink.OnSourceSnapshottingStarted(ev.msg.connection); err != nil {
				return err
			}
		case msgSnapshottingDone:
			if err := w.sink.OnSourceSnapshottingDone(ev.msg.connection); err != nil {
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

	w.logger.Debug().Msg("sink drained")
	return nil
}
