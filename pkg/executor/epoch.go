package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weirhq/weir/pkg/checkpoint"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/types"
)

// EpochOptions tune the persist decision
type EpochOptions struct {
	MaxNumRecordsBeforePersist uint64
	MaxIntervalBeforePersist   time.Duration
}

// EpochDecision is what every source learns when an epoch closes. All
// sources of one epoch receive identical decisions.
type EpochDecision struct {
	Epoch       types.Epoch
	Terminating bool
	Committing  bool
	Persisting  bool
	// PersistDone yields the checkpoint upload result when Persisting
	PersistDone <-chan error
	// Err is set when the decision maker failed to enqueue the checkpoint;
	// the pipeline must stop
	Err error
}

const (
	phaseClosing = iota
	phaseClosed
)

// EpochManager coordinates the epoch barrier across all sources. Its state
// alternates between Closing (sources accumulate their requests and wait)
// and Closed (sources read the common decision); the last source to enter
// makes the decision, the last to confirm reopens the next epoch.
type EpochManager struct {
	numSources int
	factory    *checkpoint.Factory
	opts       EpochOptions

	mu   sync.Mutex
	cond *sync.Cond

	phase int
	round uint64
	// closing state
	epochID         uint64
	shouldTerminate bool
	shouldCommit    bool
	entered         int
	states          types.SourceStates
	// closed state
	terminating bool
	committing  bool
	persisting  bool
	instant     time.Time
	closedState types.SourceStates
	persistDone <-chan error
	persistErr  error
	confirmed   int

	killed      bool
	lastPersist time.Time
}

// errKilled aborts barrier waits when the pipeline is failing
var errKilled = errors.New("epoch manager killed")

// NewEpochManager creates the coordinator. firstEpoch is zero for a fresh
// pipeline or last checkpointed epoch + 1 after recovery.
func NewEpochManager(numSources int, factory *checkpoint.Factory, firstEpoch uint64, opts EpochOptions) *EpochManager {
	m := &EpochManager{
		numSources:      numSources,
		factory:         factory,
		opts:            opts,
		epochID:         firstEpoch,
		shouldTerminate: true,
		states:          make(types.SourceStates),
		lastPersist:     time.Now(),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// WaitForEpochClose enters the barrier for one source. Termination is the
// AND of all requests, commit the OR; a source requesting neither still
// participates. The call blocks until every source has entered.
func (m *EpochManager) WaitForEpochClose(handle types.NodeHandle, state types.SourceState, requestTermination, requestCommit bool) EpochDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	// wait for the previous epoch's confirmation round to finish
	for m.phase != phaseClosing && !m.killed {
		m.cond.Wait()
	}
	if m.killed {
		return EpochDecision{Err: errKilled}
	}

	m.shouldTerminate = m.shouldTerminate && requestTermination
	m.shouldCommit = m.shouldCommit || requestCommit
	m.states[handle] = state
	m.entered++

	if m.entered == m.numSources {
		m.close()
	} else {
		round := m.round
		for (m.phase != phaseClosed || m.round == round) && !m.killed {
			m.cond.Wait()
		}
		if m.killed {
			return EpochDecision{Err: errKilled}
		}
	}

	decision := EpochDecision{
		Epoch: types.Epoch{
			ID:              m.epochID,
			SourceStates:    m.closedState,
			DecisionInstant: m.instant,
		},
		Terminating: m.terminating,
		Committing:  m.committing,
		Persisting:  m.persisting,
		PersistDone: m.persistDone,
		Err:         m.persistErr,
	}

	m.confirmed++
	if m.confirmed == m.numSources {
		// last confirmation reopens the next epoch; the id advances only
		// when this epoch was persisted
		if m.persisting {
			m.epochID++
		}
		m.phase = phaseClosing
		m.entered = 0
		m.confirmed = 0
		m.shouldTerminate = true
		m.shouldCommit = false
		m.states = make(types.SourceStates)
		m.persistDone = nil
		m.persistErr = nil
		m.cond.Broadcast()
	}
	return decision
}

// close makes the epoch decision; called with the lock held by the last
// source to enter the barrier
func (m *EpochManager) close() {
	now := time.Now()
	m.terminating = m.shouldTerminate
	m.committing = m.shouldCommit
	m.instant = now
	m.closedState = m.states.Clone()
	m.persistDone = nil
	m.persistErr = nil

	// a terminating commit always persists so a clean shutdown leaves a
	// resumable checkpoint and a finalized log tail
	m.persisting = false
	if m.committing {
		unpersisted := m.factory.UnpersistedRecords()
		m.persisting = m.terminating ||
			unpersisted >= m.opts.MaxNumRecordsBeforePersist ||
			now.Sub(m.lastPersist) >= m.opts.MaxIntervalBeforePersist
	}

	if m.persisting {
		epoch := types.Epoch{ID: m.epochID, SourceStates: m.closedState, DecisionInstant: now}
		done, err := m.factory.PersistEpoch(context.Background(), epoch)
		if err != nil {
			m.persistErr = err
		} else {
			m.persistDone = done
			m.lastPersist = now
		}
		epochLogger := log.WithEpoch(m.epochID)
		epochLogger.Debug().
			Str("component", "epoch-manager").
			Bool("terminating", m.terminating).
			Err(err).
			Msg("epoch closed with persist")
	}

	metrics.EpochsClosedTotal.Inc()
	if m.persisting {
		metrics.EpochsPersistedTotal.Inc()
	}
	m.phase = phaseClosed
	m.round++
	m.cond.Broadcast()
}

// Kill aborts every barrier wait; used when the pipeline is failing so no
// source blocks forever on sources that already died
func (m *EpochManager) Kill() {
	m.mu.Lock()
	m.killed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
