package queue

import (
	"time"

	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// StartMonitoring launches the heartbeat and acknowledgement-timeout loops.
// Both take the queue mutex per tick and never hold it across a sleep.
func (q *Queue) StartMonitoring() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.monitorStopCh != nil {
		return // already running
	}
	q.monitorStopCh = make(chan struct{})
	go q.runMonitors(q.monitorStopCh)
}

// StopMonitoring stops the background monitor loops
func (q *Queue) StopMonitoring() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.monitorStopCh == nil {
		return
	}
	close(q.monitorStopCh)
	q.monitorStopCh = nil
}

func (q *Queue) runMonitors(stopCh chan struct{}) {
	interval := q.config.HeartbeatCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.ProcessDeadWorkers()
			q.CheckAssignmentTimeouts()
			q.CheckExpiredLeases()
		case <-stopCh:
			return
		}
	}
}

// CheckDeadWorkers returns workers whose heartbeat is older than the
// configured timeout. Already-failed workers are not rechecked.
func (q *Queue) CheckDeadWorkers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []string
	now := time.Now().UTC()
	for workerID, worker := range q.workers {
		if worker.State == types.WorkerFailed {
			continue
		}
		if now.Sub(worker.LastHeartbeat) > q.config.HeartbeatTimeout {
			dead = append(dead, workerID)
		}
	}
	return dead
}

// ProcessDeadWorkers declares timed-out workers failed and reclaims their
// tasks. Errors never escape a monitor tick.
func (q *Queue) ProcessDeadWorkers() {
	for _, workerID := range q.CheckDeadWorkers() {
		q.MarkWorkerFailed(workerID, "heartbeat_timeout")
	}
}

// CheckAssignmentTimeouts returns un-acknowledged assignments to the pending
// band. The task is re-appended at the tail, not the head, so a silent
// worker does not get the same task handed straight back.
func (q *Queue) CheckAssignmentTimeouts() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	type timedOut struct {
		assignmentID string
		taskID       string
	}
	var expired []timedOut

	for assignmentID, assignment := range q.assignments {
		if assignment.AckRequiredBy.Before(now) {
			taskID := q.assignmentTask[assignmentID]
			if q.states[taskID] == types.TaskStateAssigned {
				expired = append(expired, timedOut{assignmentID, taskID})
			}
		}
	}

	for _, entry := range expired {
		task := q.tasks[entry.taskID]
		if task == nil {
			continue
		}

		task.State = types.TaskStatePending
		task.AssignedTo = ""
		task.AssignedAt = nil
		q.states[entry.taskID] = types.TaskStatePending
		q.bands[task.Priority] = append(q.bands[task.Priority], entry.taskID)

		workerID := q.assignmentWorker[entry.assignmentID]
		delete(q.assignments, entry.assignmentID)
		delete(q.assignmentTask, entry.assignmentID)
		delete(q.assignmentWorker, entry.assignmentID)

		q.releaseWorkerLocked(workerID)

		metrics.AckTimeouts.Inc()
		q.logger.Warn().
			Str("task_id", entry.taskID).
			Str("worker_id", workerID).
			Msg("Assignment not acknowledged in time, task requeued")
	}

	if len(expired) > 0 {
		q.updateGaugesLocked()
	}
}

// CheckExpiredLeases treats assignments past their hard deadline as worker
// death: the holding worker is marked failed and the task reclaimed.
func (q *Queue) CheckExpiredLeases() {
	q.mu.Lock()
	now := time.Now().UTC()
	var lapsed []string
	for assignmentID, assignment := range q.assignments {
		if assignment.Deadline.Before(now) {
			lapsed = append(lapsed, q.assignmentWorker[assignmentID])
		}
	}
	q.mu.Unlock()

	for _, workerID := range lapsed {
		q.MarkWorkerFailed(workerID, types.FailureLeaseExpired)
	}
}

// HeartbeatMetrics summarises worker liveness
type HeartbeatMetrics struct {
	TotalWorkers        int     `json:"total_workers"`
	HealthyWorkers      int     `json:"healthy_workers"`
	FailedWorkers       int     `json:"failed_workers"`
	AverageHeartbeatAge float64 `json:"average_heartbeat_age"`
}

// GetHeartbeatMetrics returns liveness counters and the mean heartbeat age
// in seconds across healthy workers
func (q *Queue) GetHeartbeatMetrics() HeartbeatMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := HeartbeatMetrics{TotalWorkers: len(q.workers)}
	now := time.Now().UTC()
	totalAge := 0.0

	for _, worker := range q.workers {
		if worker.State == types.WorkerFailed {
			m.FailedWorkers++
			continue
		}
		m.HealthyWorkers++
		totalAge += now.Sub(worker.LastHeartbeat).Seconds()
	}
	if m.HealthyWorkers > 0 {
		m.AverageHeartbeatAge = totalAge / float64(m.HealthyWorkers)
	}
	return m
}
