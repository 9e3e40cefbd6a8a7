package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/events"
	"github.com/lyceum-ai/lyceum/pkg/log"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// bandOrder is the dequeue scan order, highest band first
var bandOrder = []int{types.PriorityHigh, types.PriorityMedium, types.PriorityLow}

// Queue is the priority task queue coordinating agent workers.
// All mutable state is guarded by a single mutex; background monitors
// take it per tick and never hold it across a sleep.
type Queue struct {
	config config.QueueConfig
	logger zerolog.Logger
	broker *events.Broker

	mu sync.Mutex

	// Priority bands, FIFO of task ids (1=low, 2=medium, 3=high)
	bands map[int][]string

	// Task tracking
	tasks          map[string]*types.Task
	states         map[string]types.TaskState
	enqueueTimes   map[string]time.Time
	boostLevels    map[string]float64
	retryCounts    map[string]int
	failureHistory map[string][]types.FailureRecord
	progress       map[string]map[string]any

	// Worker registry
	workers map[string]*types.WorkerInfo

	// Lease tracking. The three tables are kept in sync under the mutex.
	assignments      map[string]*types.Assignment
	assignmentTask   map[string]string
	assignmentWorker map[string]string

	capabilityMatching bool

	// Dead letter queue
	dlq     []string
	dlqMeta map[string]types.DLQEntry

	// Overflow tracking
	displacedTasks         int
	displacementByPriority map[string]int

	// Background loops
	monitorStopCh chan struct{}
	persistStopCh chan struct{}

	initialized bool
}

// New creates a task queue with the given configuration
func New(cfg config.QueueConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		config: cfg,
		logger: log.WithComponent("queue"),
		bands: map[int][]string{
			types.PriorityHigh:   {},
			types.PriorityMedium: {},
			types.PriorityLow:    {},
		},
		tasks:            make(map[string]*types.Task),
		states:           make(map[string]types.TaskState),
		enqueueTimes:     make(map[string]time.Time),
		boostLevels:      make(map[string]float64),
		retryCounts:      make(map[string]int),
		failureHistory:   make(map[string][]types.FailureRecord),
		progress:         make(map[string]map[string]any),
		workers:          make(map[string]*types.WorkerInfo),
		assignments:      make(map[string]*types.Assignment),
		assignmentTask:   make(map[string]string),
		assignmentWorker: make(map[string]string),
		dlq:              []string{},
		dlqMeta:          make(map[string]types.DLQEntry),
		displacementByPriority: map[string]int{
			"high": 0, "medium": 0, "low": 0,
		},
	}, nil
}

// SetBroker attaches an event broker for lifecycle notifications
func (q *Queue) SetBroker(b *events.Broker) {
	q.broker = b
}

// Initialize recovers persisted state and starts background loops as configured.
// Missing snapshot files and parse errors are tolerated (empty start); only a
// version mismatch fails initialisation.
func (q *Queue) Initialize() error {
	if q.initialized {
		return nil
	}

	if q.config.AutoRecovery && q.config.PersistencePath != "" {
		if err := q.LoadState(); err != nil {
			if errors.Is(err, types.ErrVersionMismatch) {
				return err
			}
			q.logger.Warn().Err(err).Str("path", q.config.PersistencePath).
				Msg("Could not recover queue state, starting empty")
		}
	}

	if q.config.AutoStartPersistence {
		q.StartPersistence()
	}
	if q.config.AutoStartMonitoring {
		q.StartMonitoring()
	}

	q.initialized = true
	return nil
}

// Shutdown stops background loops and, if persistence is configured,
// writes a final snapshot.
func (q *Queue) Shutdown() {
	q.StopMonitoring()
	q.StopPersistence()
	if q.config.PersistencePath != "" {
		if err := q.SaveState(); err != nil {
			q.logger.Error().Err(err).Msg("Final snapshot failed")
		}
	}
}

// Size returns the total number of pending tasks across all bands
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	total := 0
	for _, band := range q.bands {
		total += len(band)
	}
	return total
}

// SizeByPriority returns the number of pending tasks in one band
func (q *Queue) SizeByPriority(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	priority, ok := types.PriorityFromName(name)
	if !ok {
		return 0
	}
	return len(q.bands[priority])
}

// Enqueue validates the task, applies overflow displacement if needed and
// appends the task to the tail of its priority band
func (q *Queue) Enqueue(task *types.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: nil task", types.ErrInvalidArgument)
	}
	if task.Priority <= 0 {
		return "", fmt.Errorf("%w: priority must be positive", types.ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.bands[task.Priority]; !ok {
		return "", fmt.Errorf("%w: invalid priority %d", types.ErrInvalidArgument, task.Priority)
	}

	priorityName := types.PriorityName(task.Priority)
	displacedForCapacity := false

	if q.sizeLocked() >= q.config.MaxQueueSize {
		if q.config.OverflowStrategy == config.OverflowDisplaceOldest && task.Priority > types.PriorityLow {
			if !q.displaceLowerPriorityLocked(task.Priority) {
				return "", fmt.Errorf("%w: no lower-priority task to displace", types.ErrQueueFull)
			}
			displacedForCapacity = true
		} else {
			return "", types.ErrQueueFull
		}
	}

	// Band quota only matters when the capacity path did not just free space
	if !displacedForCapacity && len(q.bands[task.Priority]) >= q.config.QuotaFor(task.Priority) {
		if task.Priority > types.PriorityLow && q.config.OverflowStrategy == config.OverflowDisplaceOldest {
			if !q.displaceLowerPriorityLocked(task.Priority) {
				return "", fmt.Errorf("%w: %s band", types.ErrBandFull, priorityName)
			}
		} else {
			return "", fmt.Errorf("%w: %s band", types.ErrBandFull, priorityName)
		}
	}

	taskID := task.ID.String()
	task.State = types.TaskStatePending
	q.tasks[taskID] = task
	q.states[taskID] = types.TaskStatePending
	q.enqueueTimes[taskID] = time.Now().UTC()
	q.boostLevels[taskID] = 0
	q.bands[task.Priority] = append(q.bands[task.Priority], taskID)

	metrics.TasksEnqueued.WithLabelValues(priorityName).Inc()
	q.updateGaugesLocked()
	q.publish(events.EventTaskEnqueued, "Task enqueued", map[string]string{
		"task_id":  taskID,
		"priority": priorityName,
		"type":     string(task.Type),
	})

	q.logger.Debug().
		Str("task_id", taskID).
		Str("priority", priorityName).
		Str("type", string(task.Type)).
		Msg("Task enqueued")

	return taskID, nil
}

// displaceLowerPriorityLocked removes the oldest task from the lowest
// non-empty band strictly below incoming. The displaced task's state is
// dropped completely. Returns false when no band below has tasks.
func (q *Queue) displaceLowerPriorityLocked(incoming int) bool {
	for priority := types.PriorityLow; priority < incoming; priority++ {
		band := q.bands[priority]
		if len(band) == 0 {
			continue
		}

		displacedID := band[0]
		q.bands[priority] = band[1:]

		delete(q.tasks, displacedID)
		delete(q.states, displacedID)
		delete(q.enqueueTimes, displacedID)
		delete(q.boostLevels, displacedID)

		name := types.PriorityName(priority)
		q.displacedTasks++
		q.displacementByPriority[name]++
		metrics.TasksDisplaced.WithLabelValues(name).Inc()
		q.publish(events.EventTaskDisplaced, "Task displaced by overflow", map[string]string{
			"task_id":  displacedID,
			"priority": name,
		})

		q.logger.Info().
			Str("task_id", displacedID).
			Str("priority", name).
			Msg("Displaced task to make room for higher priority work")
		return true
	}
	return false
}

// Dequeue matches the highest effective-priority pending task the worker can
// handle, leases it and returns the assignment. Returns nil when no pending
// task matches. Unknown workers are auto-registered with empty capabilities.
func (q *Queue) Dequeue(workerID string) *types.Assignment {
	timer := metrics.NewTimer()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.workers[workerID]; !ok {
		q.registerWorkerLocked(workerID, types.Capabilities{})
	}

	q.applyPriorityBoostsLocked()

	// Collect candidates band-high-to-low in FIFO order; the stable sort
	// keeps that order as the tie-break for equal effective priority.
	type candidate struct {
		taskID    string
		task      *types.Task
		effective float64
	}
	var candidates []candidate
	for _, priority := range bandOrder {
		for _, taskID := range q.bands[priority] {
			task := q.tasks[taskID]
			if task == nil || !q.canWorkerHandleLocked(workerID, task) {
				continue
			}
			candidates = append(candidates, candidate{
				taskID:    taskID,
				task:      task,
				effective: float64(task.Priority) + q.boostLevels[taskID],
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].effective > candidates[j].effective
	})

	picked := candidates[0]
	q.removeFromBandLocked(picked.task.Priority, picked.taskID)

	if err := picked.task.Assign(workerID); err != nil {
		// Band membership and task state disagree; heal by dropping the entry
		q.logger.Error().Err(err).Str("task_id", picked.taskID).Msg("Pending band held unassignable task")
		return nil
	}
	q.states[picked.taskID] = types.TaskStateAssigned

	worker := q.workers[workerID]
	worker.State = types.WorkerActive
	worker.AssignedTask = picked.taskID
	worker.LastHeartbeat = time.Now().UTC()

	now := time.Now().UTC()
	assignment := &types.Assignment{
		ID:            uuid.New().String(),
		Task:          picked.task.Clone(),
		TaskID:        picked.taskID,
		WorkerID:      workerID,
		Deadline:      now.Add(q.config.WorkerTimeout),
		AckRequiredBy: now.Add(q.config.AcknowledgmentTimeout),
	}
	q.assignments[assignment.ID] = assignment
	q.assignmentTask[assignment.ID] = picked.taskID
	q.assignmentWorker[assignment.ID] = workerID

	timer.ObserveDuration(metrics.DequeueLatency)
	q.updateGaugesLocked()
	q.publish(events.EventTaskAssigned, "Task assigned", map[string]string{
		"task_id":       picked.taskID,
		"worker_id":     workerID,
		"assignment_id": assignment.ID,
	})

	q.logger.Debug().
		Str("task_id", picked.taskID).
		Str("worker_id", workerID).
		Str("assignment_id", assignment.ID).
		Msg("Task assigned")

	return assignment
}

// Peek returns a copy of the head task of the highest non-empty band
func (q *Queue) Peek() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, priority := range bandOrder {
		if band := q.bands[priority]; len(band) > 0 {
			if task := q.tasks[band[0]]; task != nil {
				return task.Clone()
			}
		}
	}
	return nil
}

// Acknowledge confirms a worker received its assignment, moving the task to
// executing. Returns false if the assignment is gone or owned by another worker.
func (q *Queue) Acknowledge(workerID, assignmentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.assignments[assignmentID]; !ok {
		return false
	}
	if q.assignmentWorker[assignmentID] != workerID {
		return false
	}

	taskID := q.assignmentTask[assignmentID]
	task := q.tasks[taskID]
	if task == nil {
		return false
	}
	if err := task.StartExecution(); err != nil {
		return false
	}
	q.states[taskID] = types.TaskStateExecuting

	q.publish(events.EventTaskAcknowledged, "Assignment acknowledged", map[string]string{
		"task_id":   taskID,
		"worker_id": workerID,
	})
	return true
}

// Complete records a successful result. Returns false when the task is not
// owned by the calling worker.
func (q *Queue) Complete(workerID, taskID string, result map[string]any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.tasks[taskID]
	if task == nil || task.AssignedTo != workerID {
		return false
	}

	if task.State.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	task.Result = result
	task.CompletedAt = &now
	task.State = types.TaskStateCompleted
	q.states[taskID] = types.TaskStateCompleted

	q.destroyAssignmentForTaskLocked(taskID)
	q.releaseWorkerLocked(workerID)

	metrics.TasksCompleted.Inc()
	q.updateGaugesLocked()
	q.publish(events.EventTaskCompleted, "Task completed", map[string]string{
		"task_id":   taskID,
		"worker_id": workerID,
	})

	q.logger.Debug().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Msg("Task completed")
	return true
}

// Fail records a worker-reported failure and either requeues the task for
// retry or marks it failed (dead-lettering when configured). Returns false
// when the task is not owned by the calling worker.
func (q *Queue) Fail(workerID, taskID string, taskErr types.TaskError) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.tasks[taskID]
	if task == nil || task.AssignedTo != workerID {
		return false
	}

	q.failureHistory[taskID] = append(q.failureHistory[taskID], types.FailureRecord{
		WorkerID:  workerID,
		Error:     taskErr.Message,
		Retryable: taskErr.Retryable,
		Reason:    types.FailureWorkerError,
		Timestamp: time.Now().UTC(),
	})

	q.destroyAssignmentForTaskLocked(taskID)
	q.releaseWorkerLocked(workerID)

	metrics.TasksFailed.Inc()

	retryCount := q.retryCounts[taskID]
	// Exactly MaxAttempts total attempts: the task retries while
	// retryCount < MaxAttempts-1, so the Nth failure dead-letters it.
	if taskErr.Retryable && retryCount < q.config.RetryPolicy.MaxAttempts-1 {
		task.State = types.TaskStatePending
		task.AssignedTo = ""
		task.AssignedAt = nil
		q.states[taskID] = types.TaskStatePending
		q.retryCounts[taskID] = retryCount + 1
		q.bands[task.Priority] = append(q.bands[task.Priority], taskID)

		metrics.TasksRetried.Inc()
		q.updateGaugesLocked()
		q.publish(events.EventTaskRetried, "Task requeued for retry", map[string]string{
			"task_id":     taskID,
			"retry_count": fmt.Sprintf("%d", retryCount+1),
		})

		q.logger.Info().
			Str("task_id", taskID).
			Int("retry_count", retryCount+1).
			Msg("Task requeued for retry")
		return true
	}

	task.State = types.TaskStateFailed
	task.Error = taskErr.Message
	now := time.Now().UTC()
	task.CompletedAt = &now
	q.states[taskID] = types.TaskStateFailed

	if q.config.RetryPolicy.SendToDLQ {
		reason := types.DLQRetryExhaustion
		if !taskErr.Retryable {
			reason = types.DLQNonRetryableError
		}
		q.deadLetterLocked(taskID, reason, taskErr.Message, retryCount+1)
	}

	q.updateGaugesLocked()
	q.publish(events.EventTaskFailed, "Task failed permanently", map[string]string{
		"task_id": taskID,
		"error":   taskErr.Message,
	})

	q.logger.Warn().
		Str("task_id", taskID).
		Str("error", taskErr.Message).
		Bool("retryable", taskErr.Retryable).
		Msg("Task failed permanently")
	return true
}

// EnableCapabilityMatching turns on task-type to agent-role matching
func (q *Queue) EnableCapabilityMatching() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capabilityMatching = true
}

// DisableCapabilityMatching lets any worker take any task
func (q *Queue) DisableCapabilityMatching() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capabilityMatching = false
}

// CapabilityMatchingEnabled reports the current matching mode
func (q *Queue) CapabilityMatchingEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capabilityMatching
}

func (q *Queue) canWorkerHandleLocked(workerID string, task *types.Task) bool {
	if !q.capabilityMatching {
		return true
	}
	worker := q.workers[workerID]
	if worker == nil {
		return false
	}
	required, ok := types.AgentTypeForTask(task.Type)
	if !ok {
		return true // unknown task type, allow any worker
	}
	return worker.Capabilities.HasAgentType(required)
}

// TaskState returns the queue's view of a task's state
func (q *Queue) TaskState(taskID string) (types.TaskState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.states[taskID]
	return state, ok
}

// TaskInfo returns the observable view of a task: effective priority, wait
// time, retry and reassignment counts, failure history and latest progress
func (q *Queue) TaskInfo(taskID string) (*types.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.tasks[taskID]
	if task == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTask, taskID)
	}

	var waitTime time.Duration
	if enqueued, ok := q.enqueueTimes[taskID]; ok {
		if task.AssignedAt != nil {
			waitTime = task.AssignedAt.Sub(enqueued)
		} else {
			waitTime = time.Since(enqueued)
		}
	}

	reassignments := 0
	var previousWorkers []string
	for _, failure := range q.failureHistory[taskID] {
		if failure.Reason == types.FailureWorkerDeath {
			reassignments++
			previousWorkers = append(previousWorkers, failure.WorkerID)
		}
	}

	history := make([]types.FailureRecord, len(q.failureHistory[taskID]))
	copy(history, q.failureHistory[taskID])

	return &types.TaskInfo{
		TaskID:                taskID,
		Type:                  task.Type,
		State:                 q.states[taskID],
		Priority:              task.Priority,
		EffectivePriority:     float64(task.Priority) + q.boostLevels[taskID],
		WaitTime:              waitTime,
		RetryCount:            q.retryCounts[taskID],
		ReassignmentCount:     reassignments,
		PreviousWorkers:       previousWorkers,
		PreferDifferentWorker: reassignments > 0,
		FailureHistory:        history,
		Progress:              q.progress[taskID],
	}, nil
}

// applyPriorityBoostsLocked recomputes starvation boosts for pending tasks.
// Boost is derived from enqueue time, so it is monotone non-decreasing while
// the task stays pending.
func (q *Queue) applyPriorityBoostsLocked() {
	if q.config.PriorityBoostInterval <= 0 {
		return
	}
	now := time.Now().UTC()
	for taskID, enqueued := range q.enqueueTimes {
		if q.states[taskID] != types.TaskStatePending {
			continue
		}
		intervals := int(now.Sub(enqueued) / q.config.PriorityBoostInterval)
		if intervals <= 0 {
			continue
		}
		boost := float64(intervals) * q.config.PriorityBoostAmount
		if boost > q.boostLevels[taskID] {
			q.boostLevels[taskID] = boost
		}
	}
}

func (q *Queue) removeFromBandLocked(priority int, taskID string) {
	band := q.bands[priority]
	for i, id := range band {
		if id == taskID {
			q.bands[priority] = append(band[:i], band[i+1:]...)
			return
		}
	}
}

// destroyAssignmentForTaskLocked removes the live assignment referencing a
// task from all three lease tables
func (q *Queue) destroyAssignmentForTaskLocked(taskID string) {
	for assignmentID, tid := range q.assignmentTask {
		if tid == taskID {
			delete(q.assignments, assignmentID)
			delete(q.assignmentTask, assignmentID)
			delete(q.assignmentWorker, assignmentID)
			return
		}
	}
}

func (q *Queue) releaseWorkerLocked(workerID string) {
	if worker, ok := q.workers[workerID]; ok {
		worker.State = types.WorkerIdle
		worker.AssignedTask = ""
	}
}

func (q *Queue) updateGaugesLocked() {
	for _, priority := range bandOrder {
		metrics.QueueDepth.WithLabelValues(types.PriorityName(priority)).Set(float64(len(q.bands[priority])))
	}
	counts := map[types.TaskState]int{}
	for _, state := range q.states {
		counts[state]++
	}
	for _, state := range []types.TaskState{
		types.TaskStatePending, types.TaskStateAssigned, types.TaskStateExecuting,
		types.TaskStateCompleted, types.TaskStateFailed,
	} {
		metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.DeadLetterDepth.Set(float64(len(q.dlq)))

	workerCounts := map[types.WorkerState]int{}
	for _, worker := range q.workers {
		workerCounts[worker.State]++
	}
	for _, state := range []types.WorkerState{types.WorkerIdle, types.WorkerActive, types.WorkerFailed} {
		metrics.WorkersTotal.WithLabelValues(string(state)).Set(float64(workerCounts[state]))
	}
}

// publish emits a lifecycle event without ever blocking queue operations
func (q *Queue) publish(eventType events.EventType, message string, metadata map[string]string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

