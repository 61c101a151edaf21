package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store), store
}

func TestHappyPathTransitions(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, m.Start("momentum", "BTC-PERPETUAL"))
	assert.Equal(t, StateAnalyzing, m.CurrentState())

	require.NoError(t, m.Signal())
	require.NoError(t, m.Entering())
	require.NoError(t, m.Opened(50000, 20, "buy"))
	assert.Equal(t, StatePositionOpen, m.CurrentState())

	snapshot := m.Snapshot()
	assert.Equal(t, 50000.0, snapshot.PositionEntryPrice)
	assert.Equal(t, 20.0, snapshot.PositionSize)
	assert.Equal(t, "buy", snapshot.PositionSide)

	require.NoError(t, m.Closing())
	require.NoError(t, m.Closed())
	assert.Equal(t, StateAnalyzing, m.CurrentState())
	assert.Equal(t, 0.0, m.Snapshot().PositionSize, "closed clears position fields")

	require.NoError(t, m.Stop())
	assert.Equal(t, StateIdle, m.CurrentState())
	assert.Equal(t, 7, store.Saves, "every transition persists")
}

func TestAbandonAndEntryFailed(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Start("momentum", "BTC-PERPETUAL"))
	require.NoError(t, m.Signal())
	require.NoError(t, m.Abandon())
	assert.Equal(t, StateAnalyzing, m.CurrentState())

	require.NoError(t, m.Signal())
	require.NoError(t, m.Entering())
	require.NoError(t, m.EntryFailed())
	assert.Equal(t, StateAnalyzing, m.CurrentState())
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Manager)
		call  func(m *Manager) error
	}{
		{"signal from idle", func(m *Manager) {}, (*Manager).Signal},
		{"stop from idle", func(m *Manager) {}, (*Manager).Stop},
		{"opened from analyzing", func(m *Manager) {
			_ = m.Start("s", "i")
		}, func(m *Manager) error { return m.Opened(1, 1, "buy") }},
		{"closing without position", func(m *Manager) {
			_ = m.Start("s", "i")
		}, (*Manager).Closing},
		{"closed from analyzing", func(m *Manager) {
			_ = m.Start("s", "i")
		}, (*Manager).Closed},
		{"stop while position open", func(m *Manager) {
			_ = m.Start("s", "i")
			_ = m.Signal()
			_ = m.Entering()
			_ = m.Opened(1, 1, "buy")
		}, (*Manager).Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			tt.setup(m)
			before := m.CurrentState()

			err := tt.call(m)
			require.Error(t, err)
			var invalid *InvalidStateTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, before, m.CurrentState(), "failed transition must not change state")
		})
	}
}

func TestSingleStrategyViolation(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start("first", "BTC-PERPETUAL"))

	err := m.Start("second", "ETH-PERPETUAL")
	require.Error(t, err)
	var violation *SingleStrategyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "first", violation.Active)
	assert.Equal(t, "second", violation.Requested)
}

func TestConcurrentStartOneWinner(t *testing.T) {
	m, _ := newTestManager(t)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start("racer", "BTC-PERPETUAL")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			var violation *SingleStrategyViolationError
			assert.ErrorAs(t, err, &violation)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent start succeeds")
	assert.Equal(t, StateAnalyzing, m.CurrentState())
}

func TestReconcileResetFromAnyState(t *testing.T) {
	setups := []func(m *Manager){
		func(m *Manager) {},
		func(m *Manager) { _ = m.Start("s", "i") },
		func(m *Manager) { _ = m.Start("s", "i"); _ = m.Signal() },
		func(m *Manager) { _ = m.Start("s", "i"); _ = m.Signal(); _ = m.Entering() },
		func(m *Manager) {
			_ = m.Start("s", "i")
			_ = m.Signal()
			_ = m.Entering()
			_ = m.Opened(1, 1, "buy")
		},
	}

	for _, setup := range setups {
		m, _ := newTestManager(t)
		setup(m)
		require.NoError(t, m.ReconcileReset())
		assert.Equal(t, StateIdle, m.CurrentState())
		assert.Empty(t, m.Snapshot().StrategyName)
	}
}

func TestGuards(t *testing.T) {
	m, _ := newTestManager(t)
	assert.True(t, m.CanStart())
	assert.False(t, m.CanOpenPosition())
	assert.False(t, m.ShouldAnalyze())

	require.NoError(t, m.Start("s", "i"))
	assert.False(t, m.CanStart())
	assert.True(t, m.CanOpenPosition())
	assert.True(t, m.ShouldAnalyze())

	require.NoError(t, m.Signal())
	assert.True(t, m.CanOpenPosition())
	assert.False(t, m.ShouldAnalyze())

	require.NoError(t, m.Entering())
	require.NoError(t, m.Opened(1, 1, "buy"))
	assert.False(t, m.CanOpenPosition())
	assert.False(t, m.ShouldAnalyze())
}

func TestObserversRunSynchronously(t *testing.T) {
	m, _ := newTestManager(t)

	var changes []StateChange
	m.RegisterObserver(func(c StateChange) {
		changes = append(changes, c)
	})

	require.NoError(t, m.Start("s", "BTC-PERPETUAL"))
	require.NoError(t, m.Signal())

	require.Len(t, changes, 2)
	assert.Equal(t, StateIdle, changes[0].From)
	assert.Equal(t, StateAnalyzing, changes[0].To)
	assert.Equal(t, EventStart, changes[0].Event)
	assert.Equal(t, StateSignalDetected, changes[1].Snapshot.State)
}

func TestSaveFailureLeavesStateUnchanged(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)

	store.FailSave = errors.New("disk full")
	err := m.Start("s", "i")
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.CurrentState())

	store.FailSave = nil
	require.NoError(t, m.Start("s", "i"))
	assert.Equal(t, StateAnalyzing, m.CurrentState())
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "strategy-state.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	m := NewManager(store)
	require.NoError(t, m.Start("momentum", "BTC-PERPETUAL"))
	require.NoError(t, m.Signal())

	restored := NewManager(mustFileStore(t, path))
	assert.Equal(t, StateSignalDetected, restored.CurrentState())
	assert.Equal(t, "momentum", restored.Snapshot().StrategyName)
}

func TestFileStoreMissingDefaultsToIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy-state.json")
	m := NewManager(mustFileStore(t, path))
	assert.Equal(t, StateIdle, m.CurrentState())
}

func TestFileStoreCorruptDefaultsToIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	m := NewManager(mustFileStore(t, path))
	assert.Equal(t, StateIdle, m.CurrentState())
}

func mustFileStore(t *testing.T, path string) *FileStore {
	t.Helper()
	store, err := NewFileStore(path)
	require.NoError(t, err)
	return store
}
