package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirhq/weir/pkg/checkpoint"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

func newEpochFixture(t *testing.T, numSources int, opts EpochOptions) (*EpochManager, *checkpoint.Factory) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	factory, err := checkpoint.New(context.Background(), st, 8)
	require.NoError(t, err)
	t.Cleanup(func() { factory.Close() })
	return NewEpochManager(numSources, factory, 0, opts), factory
}

// every source of one epoch receives the identical decision
func TestEpochAgreement(t *testing.T) {
	m, _ := newEpochFixture(t, 3, EpochOptions{
		MaxNumRecordsBeforePersist: 1 << 30,
		MaxIntervalBeforePersist:   time.Hour,
	})

	decisions := make([]EpochDecision, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// only source 1 requests a commit; none request termination
			decisions[i] = m.WaitForEpochClose(
				types.NewNodeHandle(string(rune('a'+i))),
				types.SourceState{Kind: types.SourceNotStarted},
				false, i == 1)
		}(i)
	}
	wg.Wait()

	for i := 1; i < 3; i++ {
		assert.Equal(t, decisions[0].Epoch.ID, decisions[i].Epoch.ID)
		assert.Equal(t, decisions[0].Epoch.DecisionInstant, decisions[i].Epoch.DecisionInstant)
		assert.Equal(t, decisions[0].Committing, decisions[i].Committing)
		assert.Equal(t, decisions[0].Terminating, decisions[i].Terminating)
		assert.Equal(t, decisions[0].Persisting, decisions[i].Persisting)
	}
	assert.True(t, decisions[0].Committing)   // OR of requests
	assert.False(t, decisions[0].Terminating) // AND of requests
	assert.Len(t, decisions[0].Epoch.SourceStates, 3)
}

// termination requires every source to ask for it
func TestTerminationIsAnd(t *testing.T) {
	m, _ := newEpochFixture(t, 2, EpochOptions{
		MaxNumRecordsBeforePersist: 1 << 30,
		MaxIntervalBeforePersist:   time.Hour,
	})

	run := func(termA, termB bool) (EpochDecision, EpochDecision) {
		var a, b EpochDecision
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a = m.WaitForEpochClose(types.NewNodeHandle("a"), types.SourceState{}, termA, false)
		}()
		go func() {
			defer wg.Done()
			b = m.WaitForEpochClose(types.NewNodeHandle("b"), types.SourceState{}, termB, false)
		}()
		wg.Wait()
		return a, b
	}

	a, b := run(true, false)
	assert.False(t, a.Terminating)
	assert.False(t, b.Terminating)

	a, b = run(true, true)
	assert.True(t, a.Terminating)
	assert.True(t, b.Terminating)
}

// the epoch id advances only when an epoch persisted
func TestEpochIDAdvancesOnPersist(t *testing.T) {
	m, factory := newEpochFixture(t, 1, EpochOptions{
		MaxNumRecordsBeforePersist: 1,
		MaxIntervalBeforePersist:   time.Hour,
	})
	handle := types.NewNodeHandle("src")

	// no new records: committed but not persisted, id stays
	d := m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.True(t, d.Committing)
	assert.False(t, d.Persisting)
	assert.Equal(t, uint64(0), d.Epoch.ID)

	d = m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.Equal(t, uint64(0), d.Epoch.ID)

	// a record crosses the persist threshold
	_, err := factory.RecordStore().InsertRecord(types.NewRecord(types.IntField(1)))
	require.NoError(t, err)
	d = m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.True(t, d.Persisting)
	assert.Equal(t, uint64(0), d.Epoch.ID)
	require.NotNil(t, d.PersistDone)
	require.NoError(t, <-d.PersistDone)

	// next epoch carries the incremented id
	d = m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.Equal(t, uint64(1), d.Epoch.ID)
}

// a commit persists when the wall-clock interval elapsed
func TestPersistOnInterval(t *testing.T) {
	m, factory := newEpochFixture(t, 1, EpochOptions{
		MaxNumRecordsBeforePersist: 1 << 30,
		MaxIntervalBeforePersist:   50 * time.Millisecond,
	})
	handle := types.NewNodeHandle("src")

	_, err := factory.RecordStore().InsertRecord(types.NewRecord(types.IntField(1)))
	require.NoError(t, err)

	d := m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.False(t, d.Persisting)

	time.Sleep(60 * time.Millisecond)
	d = m.WaitForEpochClose(handle, types.SourceState{}, false, true)
	require.NoError(t, d.Err)
	assert.True(t, d.Persisting)
}

// a source that requests nothing still participates and unblocks others
func TestPassiveSourceParticipates(t *testing.T) {
	m, _ := newEpochFixture(t, 2, EpochOptions{
		MaxNumRecordsBeforePersist: 1 << 30,
		MaxIntervalBeforePersist:   time.Hour,
	})

	done := make(chan EpochDecision, 1)
	go func() {
		done <- m.WaitForEpochClose(types.NewNodeHandle("busy"), types.SourceState{}, false, true)
	}()

	select {
	case <-done:
		t.Fatal("barrier released with one source missing")
	case <-time.After(50 * time.Millisecond):
	}

	d := m.WaitForEpochClose(types.NewNodeHandle("idle"), types.SourceState{}, false, false)
	assert.True(t, d.Committing)
	select {
	case d2 := <-done:
		assert.Equal(t, d.Epoch.ID, d2.Epoch.ID)
	case <-time.After(time.Second):
		t.Fatal("busy source never released")
	}
}

// Kill releases blocked sources with an error decision
func TestKillReleasesBarrier(t *testing.T) {
	m, _ := newEpochFixture(t, 2, EpochOptions{
		MaxNumRecordsBeforePersist: 1 << 30,
		MaxIntervalBeforePersist:   time.Hour,
	})

	done := make(chan EpochDecision, 1)
	go func() {
		done <- m.WaitForEpochClose(types.NewNodeHandle("a"), types.SourceState{}, false, true)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Kill()

	select {
	case d := <-done:
		assert.Error(t, d.Err)
	case <-time.After(time.Second):
		t.Fatal("kill did not release the barrier")
	}
}
