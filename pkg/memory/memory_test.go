package memory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

func newTestMemory(t *testing.T, mutate func(*config.MemoryConfig)) *ContextMemory {
	t.Helper()
	cfg := config.DefaultMemoryConfig()
	cfg.RootPath = filepath.Join(t.TempDir(), "memory")
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStoreAndRetrieveStateUpdate(t *testing.T) {
	m := newTestMemory(t, nil)

	result, err := m.StoreStateUpdate(StateUpdate{
		Timestamp:  time.Now().UTC(),
		UpdateType: UpdatePeriodic,
		SystemStatistics: map[string]any{
			"total_hypotheses": 10,
			"total_tasks":      25,
		},
		OrchestrationState: map[string]any{
			"current_phase": "hypothesis_generation",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.StoragePath)
	assert.FileExists(t, result.StoragePath)

	retrieved, err := m.RetrieveState("latest")
	require.NoError(t, err)
	assert.Equal(t, "latest", retrieved.RequestType)

	stats := retrieved.Content["statistics"].(map[string]any)
	systemState := retrieved.Content["system_state"].(map[string]any)
	assert.EqualValues(t, 10, stats["total_hypotheses"])
	assert.Equal(t, "hypothesis_generation", systemState["current_phase"])
}

func TestRetrieveStateUnsupportedRequest(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.RetrieveState("oldest")
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))
}

func TestRetrieveStateEmpty(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.RetrieveState("latest")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRetrieveLatestAcrossIterations(t *testing.T) {
	m := newTestMemory(t, nil)

	iter1, err := m.StartNewIteration()
	require.NoError(t, err)
	_, err = m.StoreStateUpdate(StateUpdate{
		WriterID:         "thread_1",
		SystemStatistics: map[string]any{"task_count": 5},
	})
	require.NoError(t, err)
	require.NoError(t, m.CompleteIteration(iter1, map[string]any{"total_tasks": 5}))

	iter2, err := m.StartNewIteration()
	require.NoError(t, err)
	_, err = m.StoreStateUpdate(StateUpdate{
		WriterID:         "thread_2",
		SystemStatistics: map[string]any{"task_count": 10},
	})
	require.NoError(t, err)

	latest, err := m.RetrieveState("latest")
	require.NoError(t, err)
	stats := latest.Content["statistics"].(map[string]any)
	assert.EqualValues(t, 10, stats["task_count"])

	info1, err := m.GetIterationInfo(iter1)
	require.NoError(t, err)
	assert.Equal(t, "completed", info1.Status)
	assert.EqualValues(t, 5, info1.Summary["total_tasks"])

	info2, err := m.GetIterationInfo(iter2)
	require.NoError(t, err)
	assert.Equal(t, "active", info2.Status)
}

func TestStartNewIterationCompletesPrevious(t *testing.T) {
	m := newTestMemory(t, nil)

	iter1, err := m.StartNewIteration()
	require.NoError(t, err)
	assert.Equal(t, 1, iter1)

	iter2, err := m.StartNewIteration()
	require.NoError(t, err)
	assert.Equal(t, 2, iter2)

	info, err := m.GetIterationInfo(iter1)
	require.NoError(t, err)
	assert.Equal(t, "completed", info.Status)
}

// Concurrent writers colliding on the same timestamp must all succeed:
// the writer id disambiguates the filenames
func TestSameTimestampWritersDoNotCollide(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.StartNewIteration()
	require.NoError(t, err)

	timestamp := time.Now().UTC()
	paths := make(map[string]bool)
	for _, writer := range []string{"writer_a", "writer_b", "writer_c"} {
		result, err := m.StoreStateUpdate(StateUpdate{
			Timestamp:        timestamp,
			WriterID:         writer,
			SystemStatistics: map[string]any{"writer": writer},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		paths[result.StoragePath] = true
	}
	assert.Len(t, paths, 3)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := newTestMemory(t, nil)
	iteration, err := m.StartNewIteration()
	require.NoError(t, err)

	checkpointID, err := m.CreateCheckpoint(StateUpdate{
		WriterID: "supervisor",
		SystemStatistics: map[string]any{
			"total_tasks": 5,
		},
		OrchestrationState: map[string]any{
			"active_iteration": iteration,
			"queue_size":       3,
		},
		CheckpointData: map[string]any{
			"in_flight_tasks": []string{"t1", "t2", "t3", "t4", "t5"},
			"queue_state":     map[string]any{"version": "1.0.0"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, checkpointID)

	// Recover through a brand-new instance, as after a restart
	m2, err := New(m.config)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m2.Initialize())
	defer m2.Close()

	recovery, err := m2.RecoverFromCheckpoint(checkpointID)
	require.NoError(t, err)
	assert.True(t, recovery.DataIntegrity.Valid)
	assert.Len(t, recovery.ActiveTasks, 5)
	assert.EqualValues(t, iteration, recovery.SystemConfiguration["active_iteration"])
	assert.Contains(t, recovery.CheckpointData, "queue_state")
}

func TestRecoverFromUnknownCheckpoint(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.RecoverFromCheckpoint("checkpoint_never_existed")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStoreAgentOutputAndComponentIndex(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.StartNewIteration()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := m.StoreAgentOutput(AgentOutput{
			AgentType:  types.AgentGeneration,
			TaskID:     "task-1",
			OutputType: "hypothesis",
			Content:    map[string]any{"n": i},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
	}
	_, err = m.StoreAgentOutput(AgentOutput{
		AgentType: types.AgentReflection,
		Content:   map[string]any{"review": "ok"},
	})
	require.NoError(t, err)

	assert.Len(t, m.AgentOutputPaths(types.AgentGeneration), 3)
	assert.Len(t, m.AgentOutputPaths(types.AgentReflection), 1)
	assert.Empty(t, m.AgentOutputPaths(types.AgentRanking))
}

func TestComponentIndexSurvivesRestart(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.StartNewIteration()
	require.NoError(t, err)

	_, err = m.StoreAgentOutput(AgentOutput{
		AgentType: types.AgentGeneration,
		Content:   map[string]any{"h": 1},
	})
	require.NoError(t, err)

	cfg := m.config
	require.NoError(t, m.Close())

	m2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m2.Initialize())
	defer m2.Close()

	assert.Len(t, m2.AgentOutputPaths(types.AgentGeneration), 1)
}

func TestAggregates(t *testing.T) {
	m := newTestMemory(t, nil)

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		result, err := m.StoreAggregate("agent_statistics", map[string]any{"round": i}, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	latest, err := m.RetrieveLatestAggregate("agent_statistics")
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.Data["round"])

	entries, err := m.RetrieveAggregateRange("agent_statistics", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 0, entries[0].Data["round"])
	assert.EqualValues(t, 1, entries[1].Data["round"])
}

func TestRetrieveUnknownAggregate(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.RetrieveLatestAggregate("nothing_here")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestArchiveOldData(t *testing.T) {
	m := newTestMemory(t, func(cfg *config.MemoryConfig) {
		cfg.RetentionDays = 7
	})

	iter1, err := m.StartNewIteration()
	require.NoError(t, err)
	_, err = m.StoreStateUpdate(StateUpdate{SystemStatistics: map[string]any{"n": 1}})
	require.NoError(t, err)
	require.NoError(t, m.CompleteIteration(iter1, nil))

	_, err = m.StartNewIteration()
	require.NoError(t, err)

	// Age iteration 1 past the retention window
	old := time.Now().Add(-30 * 24 * time.Hour)
	agePath(t, m.iterationPath(iter1), old)

	archived, err := m.ArchiveOldData()
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	// Source directory gone, tarball present
	_, err = os.Stat(m.iterationPath(iter1))
	assert.True(t, os.IsNotExist(err))

	matches, err := filepath.Glob(filepath.Join(m.config.RootPath, archiveDir, "iteration_001_*.tar.gz"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestActiveIterationNeverArchived(t *testing.T) {
	m := newTestMemory(t, func(cfg *config.MemoryConfig) {
		cfg.RetentionDays = 1
	})

	iteration, err := m.StartNewIteration()
	require.NoError(t, err)
	agePath(t, m.iterationPath(iteration), time.Now().Add(-10*24*time.Hour))

	archived, err := m.ArchiveOldData()
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
	assert.DirExists(t, m.iterationPath(iteration))
}

func TestCollectGarbage(t *testing.T) {
	m := newTestMemory(t, nil)
	_, err := m.StartNewIteration()
	require.NoError(t, err)

	iterRoot := filepath.Join(m.config.RootPath, iterationsDir)
	require.NoError(t, os.MkdirAll(filepath.Join(iterRoot, "iteration_tmp"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(iterRoot, "scratch"), 0755))

	removed, err := m.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.DirExists(t, m.iterationPath(1))
}

func TestStorageCapacityGuard(t *testing.T) {
	m := newTestMemory(t, func(cfg *config.MemoryConfig) {
		cfg.MaxStorageBytes = 1 // the catalog alone exceeds this
	})
	m.mu.Lock()
	m.usedBytes = 0 // ignore the catalog footprint for a deterministic check
	m.mu.Unlock()

	result, err := m.StoreStateUpdate(StateUpdate{
		SystemStatistics: map[string]any{"big": "payload"},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Reason)

	// Nothing was written
	files, err := filepath.Glob(filepath.Join(m.iterationPath(1), "system_state_*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func agePath(t *testing.T, dir string, when time.Time) {
	t.Helper()
	require.NoError(t, filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(path, when, when)
	}))
}
