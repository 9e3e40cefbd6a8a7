package queue

import (
	"time"

	"github.com/lyceum-ai/lyceum/pkg/events"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// deadLetterLocked pushes a terminally failed task onto the DLQ
func (q *Queue) deadLetterLocked(taskID string, reason types.DLQReason, errMsg string, retryCount int) {
	q.dlq = append(q.dlq, taskID)
	q.dlqMeta[taskID] = types.DLQEntry{
		TaskID:     taskID,
		Reason:     reason,
		Error:      errMsg,
		RetryCount: retryCount,
		Timestamp:  time.Now().UTC(),
	}

	q.publish(events.EventTaskDeadLettered, "Task dead-lettered", map[string]string{
		"task_id": taskID,
		"reason":  string(reason),
	})
	q.logger.Warn().
		Str("task_id", taskID).
		Str("reason", string(reason)).
		Int("retry_count", retryCount).
		Msg("Task sent to dead-letter queue")
}

// DeadLetterTasks returns the task ids currently in the DLQ, oldest first
func (q *Queue) DeadLetterTasks() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(q.dlq))
	copy(ids, q.dlq)
	return ids
}

// DeadLetterEntry returns the DLQ metadata for a task
func (q *Queue) DeadLetterEntry(taskID string) (types.DLQEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.dlqMeta[taskID]
	return entry, ok
}

// DLQStatistics summarises the dead-letter queue
type DLQStatistics struct {
	TotalTasks int                     `json:"total_tasks"`
	ByReason   map[types.DLQReason]int `json:"by_reason"`
}

// GetDLQStatistics returns DLQ depth and a breakdown by reason
func (q *Queue) GetDLQStatistics() DLQStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := DLQStatistics{
		TotalTasks: len(q.dlq),
		ByReason:   make(map[types.DLQReason]int),
	}
	for _, entry := range q.dlqMeta {
		stats.ByReason[entry.Reason]++
	}
	return stats
}

// ReplayFromDLQ removes a task from the DLQ and requeues it at the tail of
// its band with a fresh retry budget. Failure history is preserved.
// Returns false if the task is not in the DLQ.
func (q *Queue) ReplayFromDLQ(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.dlqMeta[taskID]; !ok {
		return false
	}
	task := q.tasks[taskID]
	if task == nil {
		return false
	}

	for i, id := range q.dlq {
		if id == taskID {
			q.dlq = append(q.dlq[:i], q.dlq[i+1:]...)
			break
		}
	}
	delete(q.dlqMeta, taskID)

	task.State = types.TaskStatePending
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.Error = ""
	task.CompletedAt = nil
	q.states[taskID] = types.TaskStatePending
	q.retryCounts[taskID] = 0
	q.enqueueTimes[taskID] = time.Now().UTC()
	q.boostLevels[taskID] = 0
	q.bands[task.Priority] = append(q.bands[task.Priority], taskID)

	metrics.DeadLetterDepth.Set(float64(len(q.dlq)))
	q.updateGaugesLocked()
	q.publish(events.EventTaskReplayed, "Task replayed from DLQ", map[string]string{
		"task_id": taskID,
	})

	q.logger.Info().Str("task_id", taskID).Msg("Task replayed from dead-letter queue")
	return true
}
