package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// snapshotVersion is the schema version of the snapshot document.
// Compatibility is checked on the major component only.
const snapshotVersion = "1.0.0"

// assignmentRecord is the serialised form of a live lease
type assignmentRecord struct {
	AssignmentID  string    `json:"assignment_id"`
	TaskID        string    `json:"task_id"`
	WorkerID      string    `json:"worker_id"`
	Deadline      time.Time `json:"deadline"`
	AckRequiredBy time.Time `json:"acknowledgment_required_by"`
}

// Snapshot is the complete serialisable state of the queue
type Snapshot struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`

	Queues map[string][]string `json:"queues"`

	Tasks              map[string]*types.Task             `json:"tasks"`
	TaskStates         map[string]types.TaskState         `json:"task_states"`
	TaskRetryCounts    map[string]int                     `json:"task_retry_counts"`
	TaskFailureHistory map[string][]types.FailureRecord   `json:"task_failure_history"`
	TaskProgress       map[string]map[string]any          `json:"task_progress"`
	TaskEnqueueTimes   map[string]time.Time               `json:"task_enqueue_times"`
	TaskBoostLevels    map[string]float64                 `json:"task_boost_levels"`

	Workers     map[string]*types.WorkerInfo `json:"workers"`
	Assignments map[string]assignmentRecord  `json:"assignments"`

	CapabilityMatchingEnabled bool `json:"capability_matching_enabled"`

	DeadLetterQueue []string                  `json:"dead_letter_queue"`
	DLQMetadata     map[string]types.DLQEntry `json:"dlq_metadata"`

	DisplacedTasks         int            `json:"displaced_tasks"`
	DisplacementByPriority map[string]int `json:"displacement_by_priority"`
}

// ExportState captures the queue state as a snapshot document. The lock is
// held while copying, so the snapshot is linearisable with queue mutations.
func (q *Queue) ExportState() *Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := &Snapshot{
		Version:   snapshotVersion,
		Timestamp: time.Now().UTC(),
		Queues: map[string][]string{
			"high":   append([]string{}, q.bands[types.PriorityHigh]...),
			"medium": append([]string{}, q.bands[types.PriorityMedium]...),
			"low":    append([]string{}, q.bands[types.PriorityLow]...),
		},
		Tasks:                     make(map[string]*types.Task, len(q.tasks)),
		TaskStates:                make(map[string]types.TaskState, len(q.states)),
		TaskRetryCounts:           make(map[string]int, len(q.retryCounts)),
		TaskFailureHistory:        make(map[string][]types.FailureRecord, len(q.failureHistory)),
		TaskProgress:              make(map[string]map[string]any, len(q.progress)),
		TaskEnqueueTimes:          make(map[string]time.Time, len(q.enqueueTimes)),
		TaskBoostLevels:           make(map[string]float64, len(q.boostLevels)),
		Workers:                   make(map[string]*types.WorkerInfo, len(q.workers)),
		Assignments:               make(map[string]assignmentRecord, len(q.assignments)),
		CapabilityMatchingEnabled: q.capabilityMatching,
		DeadLetterQueue:           append([]string{}, q.dlq...),
		DLQMetadata:               make(map[string]types.DLQEntry, len(q.dlqMeta)),
		DisplacedTasks:            q.displacedTasks,
		DisplacementByPriority:    make(map[string]int, len(q.displacementByPriority)),
	}

	for id, task := range q.tasks {
		snap.Tasks[id] = task.Clone()
	}
	for id, state := range q.states {
		snap.TaskStates[id] = state
	}
	for id, count := range q.retryCounts {
		snap.TaskRetryCounts[id] = count
	}
	for id, history := range q.failureHistory {
		snap.TaskFailureHistory[id] = append([]types.FailureRecord{}, history...)
	}
	for id, progress := range q.progress {
		copied := make(map[string]any, len(progress))
		for k, v := range progress {
			copied[k] = v
		}
		snap.TaskProgress[id] = copied
	}
	for id, t := range q.enqueueTimes {
		snap.TaskEnqueueTimes[id] = t
	}
	for id, boost := range q.boostLevels {
		snap.TaskBoostLevels[id] = boost
	}
	for id, worker := range q.workers {
		copied := *worker
		snap.Workers[id] = &copied
	}
	for id, assignment := range q.assignments {
		snap.Assignments[id] = assignmentRecord{
			AssignmentID:  assignment.ID,
			TaskID:        assignment.TaskID,
			WorkerID:      assignment.WorkerID,
			Deadline:      assignment.Deadline,
			AckRequiredBy: assignment.AckRequiredBy,
		}
	}
	for id, entry := range q.dlqMeta {
		snap.DLQMetadata[id] = entry
	}
	for name, count := range q.displacementByPriority {
		snap.DisplacementByPriority[name] = count
	}

	return snap
}

// ImportState replaces all queue state with the snapshot's contents.
// Only the snapshot's major version must match.
func (q *Queue) ImportState(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", types.ErrInvalidArgument)
	}
	if majorVersion(snap.Version) != majorVersion(snapshotVersion) {
		return fmt.Errorf("%w: snapshot version %q, expected %s.x", types.ErrVersionMismatch, snap.Version, majorVersion(snapshotVersion))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.bands = map[int][]string{
		types.PriorityHigh:   {},
		types.PriorityMedium: {},
		types.PriorityLow:    {},
	}
	q.tasks = make(map[string]*types.Task)
	q.states = make(map[string]types.TaskState)
	q.retryCounts = make(map[string]int)
	q.failureHistory = make(map[string][]types.FailureRecord)
	q.progress = make(map[string]map[string]any)
	q.enqueueTimes = make(map[string]time.Time)
	q.boostLevels = make(map[string]float64)
	q.workers = make(map[string]*types.WorkerInfo)
	q.assignments = make(map[string]*types.Assignment)
	q.assignmentTask = make(map[string]string)
	q.assignmentWorker = make(map[string]string)
	q.dlq = []string{}
	q.dlqMeta = make(map[string]types.DLQEntry)

	for id, task := range snap.Tasks {
		q.tasks[id] = task.Clone()
	}
	for id, state := range snap.TaskStates {
		q.states[id] = state
	}
	for name, ids := range snap.Queues {
		priority, ok := types.PriorityFromName(name)
		if !ok {
			continue
		}
		for _, id := range ids {
			// Every banded id must reference a live task
			if _, ok := q.tasks[id]; ok {
				q.bands[priority] = append(q.bands[priority], id)
			}
		}
	}
	for id, count := range snap.TaskRetryCounts {
		q.retryCounts[id] = count
	}
	for id, history := range snap.TaskFailureHistory {
		q.failureHistory[id] = append([]types.FailureRecord{}, history...)
	}
	for id, progress := range snap.TaskProgress {
		q.progress[id] = progress
	}
	for id, t := range snap.TaskEnqueueTimes {
		q.enqueueTimes[id] = t
	}
	for id, boost := range snap.TaskBoostLevels {
		q.boostLevels[id] = boost
	}
	for id, worker := range snap.Workers {
		copied := *worker
		q.workers[id] = &copied
	}
	for id, record := range snap.Assignments {
		task := q.tasks[record.TaskID]
		worker := q.workers[record.WorkerID]
		if task == nil || worker == nil {
			q.logger.Warn().
				Str("assignment_id", id).
				Str("task_id", record.TaskID).
				Str("worker_id", record.WorkerID).
				Msg("Dropping dangling assignment from snapshot")
			continue
		}
		q.assignments[id] = &types.Assignment{
			ID:            record.AssignmentID,
			Task:          task.Clone(),
			TaskID:        record.TaskID,
			WorkerID:      record.WorkerID,
			Deadline:      record.Deadline,
			AckRequiredBy: record.AckRequiredBy,
		}
		q.assignmentTask[id] = record.TaskID
		q.assignmentWorker[id] = record.WorkerID
	}
	q.capabilityMatching = snap.CapabilityMatchingEnabled
	q.dlq = append(q.dlq, snap.DeadLetterQueue...)
	for id, entry := range snap.DLQMetadata {
		q.dlqMeta[id] = entry
	}
	q.displacedTasks = snap.DisplacedTasks
	for name, count := range snap.DisplacementByPriority {
		q.displacementByPriority[name] = count
	}

	q.updateGaugesLocked()
	return nil
}

// SaveState writes an atomic snapshot to the configured persistence path:
// serialise to <path>.tmp, then rename over <path>.
func (q *Queue) SaveState() error {
	if q.config.PersistencePath == "" {
		return nil
	}

	timer := metrics.NewTimer()
	snap := q.ExportState()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("failed to serialise snapshot: %w", err)
	}

	tmpPath := q.config.PersistencePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, q.config.PersistencePath); err != nil {
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	timer.ObserveDuration(metrics.SnapshotDuration)
	q.logger.Debug().Str("path", q.config.PersistencePath).Msg("Queue snapshot written")
	return nil
}

// LoadState reads and imports the snapshot at the configured path.
// A missing file is benign.
func (q *Queue) LoadState() error {
	if q.config.PersistencePath == "" {
		return nil
	}

	data, err := os.ReadFile(q.config.PersistencePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return q.ImportState(&snap)
}

// StartPersistence launches the autosave loop
func (q *Queue) StartPersistence() {
	if q.config.PersistencePath == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.persistStopCh != nil {
		return // already running
	}
	q.persistStopCh = make(chan struct{})
	go q.runPersistence(q.persistStopCh)
}

// StopPersistence stops the autosave loop
func (q *Queue) StopPersistence() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.persistStopCh == nil {
		return
	}
	close(q.persistStopCh)
	q.persistStopCh = nil
}

func (q *Queue) runPersistence(stopCh chan struct{}) {
	interval := q.config.PersistenceInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.SaveState(); err != nil {
				// Persistence failures never block in-memory progress
				q.logger.Error().Err(err).Msg("Periodic snapshot failed")
			}
		case <-stopCh:
			return
		}
	}
}

func majorVersion(version string) string {
	if idx := strings.Index(version, "."); idx > 0 {
		return version[:idx]
	}
	return version
}
