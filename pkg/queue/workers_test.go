package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

func TestRegisterAndUnregisterWorker(t *testing.T) {
	q := newTestQueue(t, nil)

	q.RegisterWorker("w1", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration}})
	assert.True(t, q.IsWorkerRegistered("w1"))

	worker, err := q.WorkerStatus("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerIdle, worker.State)
	assert.False(t, worker.RegisteredAt.IsZero())

	assert.True(t, q.UnregisterWorker("w1"))
	assert.False(t, q.UnregisterWorker("w1"))
	assert.False(t, q.IsWorkerRegistered("w1"))

	_, err = q.WorkerStatus("w1")
	assert.True(t, errors.Is(err, types.ErrUnknownWorker))
}

func TestReRegisterPreservesActiveAssignment(t *testing.T) {
	q := newTestQueue(t, nil)
	task := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityHigh, nil)

	q.RegisterWorker("w1", types.Capabilities{})
	assignment := q.Dequeue("w1")
	require.NotNil(t, assignment)

	// Re-registering mid-task must not lose the assignment
	q.RegisterWorker("w1", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration}})

	worker, err := q.WorkerStatus("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerActive, worker.State)
	assert.Equal(t, task.ID.String(), worker.AssignedTask)
	assert.True(t, worker.Capabilities.HasAgentType(types.AgentGeneration))
}

func TestWorkersByStateAndCapability(t *testing.T) {
	q := newTestQueue(t, nil)
	q.RegisterWorker("gen", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration}})
	q.RegisterWorker("rank", types.Capabilities{AgentTypes: []types.AgentType{types.AgentRanking}})

	assert.ElementsMatch(t, []string{"gen", "rank"}, q.WorkersByState(types.WorkerIdle))
	assert.Empty(t, q.WorkersByState(types.WorkerActive))
	assert.Equal(t, []string{"gen"}, q.WorkersByCapability(types.AgentGeneration))
	assert.Empty(t, q.WorkersByCapability(types.AgentEvolution))
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	q := newTestQueue(t, nil)
	err := q.Heartbeat("nobody", nil)
	assert.True(t, errors.Is(err, types.ErrUnknownWorker))
}

func TestHeartbeatRecoversFailedWorker(t *testing.T) {
	q := newTestQueue(t, nil)
	q.RegisterWorker("w1", types.Capabilities{})
	q.MarkWorkerFailed("w1", "heartbeat_timeout")

	worker, err := q.WorkerStatus("w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerFailed, worker.State)

	require.NoError(t, q.Heartbeat("w1", nil))

	worker, err = q.WorkerStatus("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerIdle, worker.State)
}

func TestHeartbeatRecordsProgress(t *testing.T) {
	q := newTestQueue(t, nil)
	task := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityHigh, nil)

	assignment := q.Dequeue("w1")
	require.NotNil(t, assignment)
	require.True(t, q.Acknowledge("w1", assignment.ID))

	require.NoError(t, q.Heartbeat("w1", map[string]any{"percent": 40}))

	info, err := q.TaskInfo(task.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 40, info.Progress["percent"])
}

// Worker death reclamation: the heartbeat monitor declares a silent worker
// dead, the task returns to the head of its band and the next worker gets it
func TestWorkerDeathReclamation(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.HeartbeatTimeout = time.Second
	})
	q.RegisterWorker("w1", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration}})
	q.RegisterWorker("w2", types.Capabilities{AgentTypes: []types.AgentType{types.AgentGeneration}})

	task := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityMedium, nil)
	taskID := task.ID.String()

	assignment := q.Dequeue("w1")
	require.NotNil(t, assignment)
	require.True(t, q.Acknowledge("w1", assignment.ID))

	// Silence w1 for two timeouts
	q.mu.Lock()
	q.workers["w1"].LastHeartbeat = time.Now().UTC().Add(-2 * time.Second)
	q.mu.Unlock()

	q.ProcessDeadWorkers()

	worker, err := q.WorkerStatus("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerFailed, worker.State)
	assert.Empty(t, worker.AssignedTask)

	state, _ := q.TaskState(taskID)
	assert.Equal(t, types.TaskStatePending, state)

	info, err := q.TaskInfo(taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ReassignmentCount)
	assert.Equal(t, []string{"w1"}, info.PreviousWorkers)
	assert.True(t, info.PreferDifferentWorker)

	// w2 picks the reclaimed task up next
	next := q.Dequeue("w2")
	require.NotNil(t, next)
	assert.Equal(t, taskID, next.TaskID)
}

func TestReclaimedTaskGoesToFrontOfBand(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.HeartbeatTimeout = time.Second
	})

	first := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityMedium, nil)
	mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityMedium, nil)

	assignment := q.Dequeue("w1")
	require.NotNil(t, assignment)
	require.Equal(t, first.ID.String(), assignment.TaskID)

	q.MarkWorkerFailed("w1", "crash_detected")

	snap := q.ExportState()
	medium := snap.Queues["medium"]
	require.Len(t, medium, 2)
	assert.Equal(t, first.ID.String(), medium[0])
}

func TestCheckDeadWorkersSkipsAlreadyFailed(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.HeartbeatTimeout = time.Second
	})
	q.RegisterWorker("w1", types.Capabilities{})

	q.mu.Lock()
	q.workers["w1"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	q.mu.Unlock()

	assert.Equal(t, []string{"w1"}, q.CheckDeadWorkers())
	q.ProcessDeadWorkers()
	assert.Empty(t, q.CheckDeadWorkers())
}

func TestExpiredLeaseTreatedAsWorkerDeath(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.WorkerTimeout = 10 * time.Millisecond
	})

	task := mustEnqueue(t, q, types.TaskGenerateHypothesis, types.PriorityHigh, nil)
	assignment := q.Dequeue("w1")
	require.NotNil(t, assignment)
	require.True(t, q.Acknowledge("w1", assignment.ID))

	time.Sleep(20 * time.Millisecond)
	q.CheckExpiredLeases()

	worker, err := q.WorkerStatus("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerFailed, worker.State)

	state, _ := q.TaskState(task.ID.String())
	assert.Equal(t, types.TaskStatePending, state)
}

func TestHeartbeatMetrics(t *testing.T) {
	q := newTestQueue(t, nil)
	q.RegisterWorker("w1", types.Capabilities{})
	q.RegisterWorker("w2", types.Capabilities{})
	q.MarkWorkerFailed("w2", "test")

	m := q.GetHeartbeatMetrics()
	assert.Equal(t, 2, m.TotalWorkers)
	assert.Equal(t, 1, m.HealthyWorkers)
	assert.Equal(t, 1, m.FailedWorkers)
}

func TestMonitorStartStop(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.QueueConfig) {
		cfg.HeartbeatCheckInterval = 10 * time.Millisecond
		cfg.HeartbeatTimeout = 20 * time.Millisecond
	})
	q.RegisterWorker("w1", types.Capabilities{})

	q.StartMonitoring()
	q.StartMonitoring() // idempotent

	q.mu.Lock()
	q.workers["w1"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	q.mu.Unlock()

	require.Eventually(t, func() bool {
		worker, err := q.WorkerStatus("w1")
		return err == nil && worker.State == types.WorkerFailed
	}, time.Second, 5*time.Millisecond)

	q.StopMonitoring()
	q.StopMonitoring() // idempotent
}
