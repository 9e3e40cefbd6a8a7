package queue

import (
	"fmt"
	"time"

	"github.com/lyceum-ai/lyceum/pkg/events"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// RegisterWorker upserts a worker. Re-registering a worker that is mid-task
// preserves its active state and assignment.
func (q *Queue) RegisterWorker(workerID string, capabilities types.Capabilities) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registerWorkerLocked(workerID, capabilities)
}

func (q *Queue) registerWorkerLocked(workerID string, capabilities types.Capabilities) {
	now := time.Now().UTC()

	if existing, ok := q.workers[workerID]; ok {
		existing.Capabilities = capabilities
		existing.LastHeartbeat = now
		if existing.State != types.WorkerActive {
			existing.State = types.WorkerIdle
		}
		return
	}

	q.workers[workerID] = &types.WorkerInfo{
		ID:            workerID,
		Capabilities:  capabilities,
		State:         types.WorkerIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	q.publish(events.EventWorkerRegistered, "Worker registered", map[string]string{
		"worker_id": workerID,
	})
	q.logger.Info().Str("worker_id", workerID).Msg("Worker registered")
}

// UnregisterWorker removes a worker record. Tasks it holds are untouched;
// the heartbeat monitor reclaims them once the lease lapses. Returns false
// for unknown workers.
func (q *Queue) UnregisterWorker(workerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.workers[workerID]; !ok {
		return false
	}
	delete(q.workers, workerID)

	q.publish(events.EventWorkerUnregistered, "Worker unregistered", map[string]string{
		"worker_id": workerID,
	})
	return true
}

// IsWorkerRegistered reports whether the worker id is known
func (q *Queue) IsWorkerRegistered(workerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.workers[workerID]
	return ok
}

// RegisteredWorkers returns the ids of all known workers
func (q *Queue) RegisteredWorkers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.workers))
	for id := range q.workers {
		ids = append(ids, id)
	}
	return ids
}

// WorkerStatus returns a copy of a worker's record
func (q *Queue) WorkerStatus(workerID string) (*types.WorkerInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	worker, ok := q.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownWorker, workerID)
	}
	copied := *worker
	return &copied, nil
}

// WorkersByState returns ids of workers in the given state
func (q *Queue) WorkersByState(state types.WorkerState) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, worker := range q.workers {
		if worker.State == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// WorkersByCapability returns ids of workers advertising the given agent role
func (q *Queue) WorkersByCapability(agent types.AgentType) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, worker := range q.workers {
		if worker.Capabilities.HasAgentType(agent) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveWorkers returns the number of workers currently holding a task
func (q *Queue) ActiveWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countWorkersLocked(types.WorkerActive)
}

// IdleWorkers returns the number of registered workers without a task
func (q *Queue) IdleWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countWorkersLocked(types.WorkerIdle)
}

func (q *Queue) countWorkersLocked(state types.WorkerState) int {
	count := 0
	for _, worker := range q.workers {
		if worker.State == state {
			count++
		}
	}
	return count
}

// Heartbeat records liveness for a worker. A failed worker that heartbeats
// again is restored to idle. A progress map is recorded against the worker's
// assigned task.
func (q *Queue) Heartbeat(workerID string, progress map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	worker, ok := q.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownWorker, workerID)
	}

	worker.LastHeartbeat = time.Now().UTC()

	if worker.State == types.WorkerFailed {
		worker.State = types.WorkerIdle
		q.publish(events.EventWorkerRecovered, "Worker recovered", map[string]string{
			"worker_id": workerID,
		})
		q.logger.Info().Str("worker_id", workerID).Msg("Failed worker recovered via heartbeat")
	}

	if progress != nil && worker.AssignedTask != "" {
		q.progress[worker.AssignedTask] = progress
	}
	return nil
}

// MarkWorkerFailed declares a worker dead and reclaims any task it holds.
// The task goes back to the front of its band so it is served next, with a
// worker_failure entry appended to its failure history.
func (q *Queue) MarkWorkerFailed(workerID string, reason types.FailureReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markWorkerFailedLocked(workerID, reason)
}

func (q *Queue) markWorkerFailedLocked(workerID string, reason types.FailureReason) {
	worker, known := q.workers[workerID]
	if known {
		worker.State = types.WorkerFailed
	}

	for assignmentID, assignedWorker := range q.assignmentWorker {
		if assignedWorker != workerID {
			continue
		}
		taskID := q.assignmentTask[assignmentID]
		task := q.tasks[taskID]
		if task != nil {
			task.State = types.TaskStatePending
			task.AssignedTo = ""
			task.AssignedAt = nil
			q.states[taskID] = types.TaskStatePending

			q.failureHistory[taskID] = append(q.failureHistory[taskID], types.FailureRecord{
				WorkerID:  workerID,
				Reason:    types.FailureWorkerDeath,
				Timestamp: time.Now().UTC(),
			})

			// Front of the band: a reassigned task is served next
			q.bands[task.Priority] = append([]string{taskID}, q.bands[task.Priority]...)
		}

		delete(q.assignments, assignmentID)
		delete(q.assignmentTask, assignmentID)
		delete(q.assignmentWorker, assignmentID)
		break
	}

	if !known {
		// An unregistered worker's lapsed lease still returns its task
		q.updateGaugesLocked()
		return
	}
	worker.AssignedTask = ""

	metrics.WorkersDeclaredDead.Inc()
	q.updateGaugesLocked()
	q.publish(events.EventWorkerFailed, "Worker marked failed", map[string]string{
		"worker_id": workerID,
		"reason":    string(reason),
	})

	q.logger.Warn().
		Str("worker_id", workerID).
		Str("reason", string(reason)).
		Msg("Worker marked failed, task reclaimed")
}
