package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// buildPopulatedQueue creates a queue with pending tasks, one live
// assignment, a DLQ entry and capability matching enabled
func buildPopulatedQueue(t *testing.T, mutate func(*config.QueueConfig)) (*Queue, []string) {
	t.Helper()
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.RetryPolicy.MaxAttempts = 1
		cfg.RetryPolicy.SendToDLQ = true
		if mutate != nil {
			mutate(cfg)
		}
	})
	q.EnableCapabilityMatching()

	var taskIDs []string
	for i := 0; i < 3; i++ {
		task := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityMedium, map[string]any{"n": i})
		taskIDs = append(taskIDs, task.ID.String())
	}
	high := mustEnqueue(t, q, types.TaskRankHypotheses, types.PriorityHigh, nil)
	taskIDs = append(taskIDs, high.ID.String())

	q.RegisterWorker("holder", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration, types.AgentRanking}})
	q.RegisterWorker("idler", types.Capabilities{AgentTypes: []types.AgentType{types.AgentReflection}})

	assignment := q.Dequeue("holder")
	require.NotNil(t, assignment)
	require.True(t, q.Acknowledge("holder", assignment.ID))

	// Dead-letter one task through a non-retryable failure. The idler has no
	// matching capability, so matching is lifted for this one dequeue.
	extra := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityLow, nil)
	taskIDs = append(taskIDs, extra.ID.String())
	assert.Nil(t, q.Dequeue("idler"))
	q.DisableCapabilityMatching()
	poisoned := q.Dequeue("idler")
	require.NotNil(t, poisoned)
	require.True(t, q.Fail("idler", poisoned.TaskID, types.TaskError{Message: "poison", Retryable: false}))
	q.EnableCapabilityMatching()

	return q, taskIDs
}

func assertEquivalentState(t *testing.T, want, got *Queue) {
	t.Helper()

	wantSnap := want.ExportState()
	gotSnap := got.ExportState()

	assert.Equal(t, wantSnap.Queues, gotSnap.Queues)
	assert.Equal(t, len(wantSnap.Tasks), len(gotSnap.Tasks))
	assert.Equal(t, wantSnap.TaskStates, gotSnap.TaskStates)
	assert.Equal(t, wantSnap.TaskRetryCounts, gotSnap.TaskRetryCounts)
	assert.Equal(t, wantSnap.DeadLetterQueue, gotSnap.DeadLetterQueue)
	assert.Equal(t, wantSnap.CapabilityMatchingEnabled, gotSnap.CapabilityMatchingEnabled)
	assert.Equal(t, wantSnap.DisplacedTasks, gotSnap.DisplacedTasks)
	assert.Equal(t, wantSnap.DisplacementByPriority, gotSnap.DisplacementByPriority)
	assert.Equal(t, len(wantSnap.Assignments), len(gotSnap.Assignments))

	for id, wantWorker := range wantSnap.Workers {
		gotWorker, ok := gotSnap.Workers[id]
		require.True(t, ok, "worker %s missing after import", id)
		assert.Equal(t, wantWorker.State, gotWorker.State)
		assert.Equal(t, wantWorker.AssignedTask, gotWorker.AssignedTask)
		assert.Equal(t, wantWorker.Capabilities, gotWorker.Capabilities)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	q, _ := buildPopulatedQueue(t, nil)

	fresh := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.RetryPolicy.MaxAttempts = 1
		cfg.RetryPolicy.SendToDLQ = true
	})
	require.NoError(t, fresh.ImportState(q.ExportState()))

	assertEquivalentState(t, q, fresh)
	assert.Equal(t, q.Size(), fresh.Size())
}

// Snapshot round-trip through disk
func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_state.json")

	q, _ := buildPopulatedQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
	})
	require.NoError(t, q.SaveState())

	// The temp file must be gone after the atomic rename
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	fresh := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
		cfg.RetryPolicy.MaxAttempts = 1
		cfg.RetryPolicy.SendToDLQ = true
	})
	require.NoError(t, fresh.LoadState())

	assertEquivalentState(t, q, fresh)

	// The recovered queue keeps working: holder, still leasing the high task,
	// can dequeue one of the restored medium and low pending tasks
	next := fresh.Dequeue("holder")
	assert.NotNil(t, next)
}

func TestLoadStateMissingFileIsBenign(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = filepath.Join(t.TempDir(), "never_written.json")
	})
	require.NoError(t, q.LoadState())
	assert.Equal(t, 0, q.Size())
}

func TestImportStateVersionMismatch(t *testing.T) {
	q := newTestQueue(t, nil)
	snap := q.ExportState()
	snap.Version = "2.1.0"

	fresh := newTestQueue(t, nil)
	err := fresh.ImportState(snap)
	assert.True(t, errors.Is(err, types.ErrVersionMismatch))
}

func TestImportStateMinorVersionCompatible(t *testing.T) {
	q, _ := buildPopulatedQueue(t, nil)
	snap := q.ExportState()
	snap.Version = "1.7.3"

	fresh := newTestQueue(t, nil)
	require.NoError(t, fresh.ImportState(snap))
	assert.Equal(t, q.Size(), fresh.Size())
}

func TestImportDropsDanglingAssignments(t *testing.T) {
	q, _ := buildPopulatedQueue(t, nil)
	snap := q.ExportState()

	// Corrupt one assignment to reference a missing worker
	for id, record := range snap.Assignments {
		record.WorkerID = "vanished"
		snap.Assignments[id] = record
	}

	fresh := newTestQueue(t, nil)
	require.NoError(t, fresh.ImportState(snap))
	assert.Empty(t, fresh.ExportState().Assignments)
}

func TestInitializeToleratesCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
		cfg.AutoRecovery = true
	})
	require.NoError(t, q.Initialize())
	assert.Equal(t, 0, q.Size())
}

func TestInitializeFailsOnVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_state.json")

	old, _ := buildPopulatedQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
	})
	snap := old.ExportState()
	snap.Version = "9.0.0"
	data, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
		cfg.AutoRecovery = true
	})
	err = q.Initialize()
	assert.True(t, errors.Is(err, types.ErrVersionMismatch))
}

func TestAutoRecoveryOnInitialize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_state.json")

	q, _ := buildPopulatedQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
	})
	require.NoError(t, q.SaveState())
	originalSize := q.Size()

	recovered := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.PersistencePath = path
		cfg.AutoRecovery = true
	})
	require.NoError(t, recovered.Initialize())
	assert.Equal(t, originalSize, recovered.Size())
}
