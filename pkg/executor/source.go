package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/recordstore"
	"github.com/weirhq/weir/pkg/types"
)

// sourceWorker runs one source node as two cooperating threads: a sender
// driving the connector's ingestion API and a listener forwarding
// operations downstream and handling epoch barriers. The split lets the
// listener interject epoch-close messages without the connector knowing
// about epochs at all.
type sourceWorker struct {
	handle  types.NodeHandle
	source  dag.Source
	fw      *channelForwarder
	manager *EpochManager
	store   *recordstore.Store
	from    types.OpIdentifier
	stop    <-chan struct{}

	commitSize          int
	commitTimeThreshold time.Duration

	logger zerolog.Logger
}

// ingestForwarder is the connector-facing side of the sender/listener
// channel; its capacity is what enforces backpressure on the connector
type ingestForwarder struct {
	ctx context.Context
	ch  chan<- dag.IngestionMessage
}

func (f *ingestForwarder) Send(msg dag.IngestionMessage) error {
	select {
	case f.ch <- msg:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func newSourceWorker(handle types.NodeHandle, source dag.Source, fw *channelForwarder, manager *EpochManager, store *recordstore.Store, from types.OpIdentifier, stop <-chan struct{}, commitSize int, commitTimeThreshold time.Duration) *sourceWorker {
	return &sourceWorker{
		handle:              handle,
		source:              source,
		fw:                  fw,
		manager:             manager,
		store:               store,
		from:                from,
		stop:                stop,
		commitSize:          commitSize,
		commitTimeThreshold: commitTimeThreshold,
		logger:              log.WithNode(handle.String()),
	}
}

func (w *sourceWorker) run(ctx context.Context) error {
	ingest := make(chan dag.IngestionMessage, w.commitSize)

	// sender thread: drives the connector until it finishes or fails. The
	// listener cancels senderCtx on exit so a blocked Send never outlives it.
	senderCtx, cancelSender := context.WithCancel(ctx)
	var senderErr error
	var senderWg sync.WaitGroup
	senderWg.Add(1)
	go func() {
		defer senderWg.Done()
		defer close(ingest)
		senderErr = w.source.Start(senderCtx, &ingestForwarder{ctx: senderCtx, ch: ingest}, w.from)
	}()
	defer senderWg.Wait()
	defer cancelSender()

	state := types.SourceState{Kind: types.SourceNotStarted}
	recordsSinceCommit := 0
	senderDone := false
	flushed := false

	timer := time.NewTimer(w.commitTimeThreshold)
	defer timer.Stop()

	for {
		requestCommit := false
		requestTermination := false
		tick := false

		select {
		case msg, ok := <-ingest:
			if !ok {
				senderDone = true
				ingest = nil // stop selecting on the closed channel
				requestTermination = true
				// flush pending records with a final commit, unless the
				// connector failed: a failed source must not commit its
				// partial batch
				requestCommit = senderErr == nil && !flushed
				flushed = true
				break
			}
			switch msg.Kind {
			case dag.IngestionOperation:
				if err := w.forwardOperation(msg); err != nil {
					return err
				}
				if msg.State != nil {
					state = types.SourceState{Kind: types.SourceRestartable, Op: msg.State}
				} else if state.Kind != types.SourceRestartable {
					state = types.SourceState{Kind: types.SourceNonRestartable}
				}
				recordsSinceCommit += msg.Op.RecordCount()
				requestCommit = recordsSinceCommit >= w.commitSize
			case dag.IngestionSnapshottingStarted:
				if err := w.fw.broadcast(message{kind: msgSnapshottingStarted, connection: msg.Connection}); err != nil {
					return err
				}
			case dag.IngestionSnapshottingDone:
				if err := w.fw.broadcast(message{kind: msgSnapshottingDone, connection: msg.Connection}); err != nil {
					return err
				}
			}

		case <-timer.C:
			// enter the barrier even with nothing to commit so other
			// sources are never blocked on this one
			requestCommit = recordsSinceCommit > 0
			tick = true
			timer.Reset(w.commitTimeThreshold)

		case <-w.stop:
			requestTermination = true

		case <-ctx.Done():
			return ctx.Err()
		}

		if !requestCommit && !requestTermination && !senderDone && !tick {
			continue
		}

		decision := w.manager.WaitForEpochClose(w.handle, state, requestTermination || senderDone, requestCommit)
		if decision.Err != nil {
			return fmt.Errorf("failed to persist epoch %d: %w", decision.Epoch.ID, decision.Err)
		}
		if decision.Committing {
			if err := w.fw.broadcast(message{
				kind:    msgCommit,
				epoch:   decision.Epoch,
				persist: decision.Persisting,
			}); err != nil {
				return err
			}
			recordsSinceCommit = 0
		}
		if decision.Terminating {
			w.logger.Info().Uint64("epoch", decision.Epoch.ID).Msg("source terminating")
			if err := w.fw.broadcast(message{kind: msgTerminate}); err != nil {
				return err
			}
			if senderDone {
				return senderErr
			}
			return nil
		}
	}
}

// forwardOperation interns the operation's records and pushes it onto the
// edges of its output port
func (w *sourceWorker) forwardOperation(msg dag.IngestionMessage) error {
	if err := msg.Op.Validate(); err != nil {
		return err
	}
	if err := w.internRecords(msg.Op); err != nil {
		return err
	}
	metrics.OperationsIngestedTotal.WithLabelValues(w.handle.String()).Inc()
	return w.fw.Forward(msg.Op, msg.Port)
}

func (w *sourceWorker) internRecords(op types.Operation) error {
	intern := func(rec *types.Record) error {
		if rec == nil {
			return nil
		}
		_, err := w.store.InsertRecord(*rec)
		return err
	}
	if err := intern(op.Old); err != nil {
		return err
	}
	if err := intern(op.New); err != nil {
		return err
	}
	for i := range op.Batch {
		if err := intern(&op.Batch[i]); err != nil {
			return err
		}
	}
	return nil
}
