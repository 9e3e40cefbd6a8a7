package queue

import (
	"time"

	"github.com/lyceum-ai/lyceum/pkg/types"
)

// CapacityStatus grades how full the queue is
type CapacityStatus string

const (
	CapacityNormal   CapacityStatus = "normal"
	CapacityWarning  CapacityStatus = "warning"
	CapacityCritical CapacityStatus = "critical"
	CapacityFull     CapacityStatus = "full"
)

// Statistics is the headline view of the queue
type Statistics struct {
	TotalTasks         int                     `json:"total_tasks"`
	DepthByPriority    map[string]int          `json:"depth_by_priority"`
	TaskStates         map[types.TaskState]int `json:"task_states"`
	WorkerStats        WorkerStatistics        `json:"worker_stats"`
	ActiveAssignments  int                     `json:"active_assignments"`
	CapacityPercentage float64                 `json:"capacity_percentage"`
	CapacityStatus     CapacityStatus          `json:"capacity_status"`
	DisplacedTasks     int                     `json:"displaced_tasks"`
}

// WorkerStatistics counts workers by state
type WorkerStatistics struct {
	Total  int `json:"total"`
	Idle   int `json:"idle"`
	Active int `json:"active"`
	Failed int `json:"failed"`
}

// GetStatistics returns the headline queue statistics
func (q *Queue) GetStatistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		TotalTasks: q.sizeLocked(),
		DepthByPriority: map[string]int{
			"high":   len(q.bands[types.PriorityHigh]),
			"medium": len(q.bands[types.PriorityMedium]),
			"low":    len(q.bands[types.PriorityLow]),
		},
		TaskStates: map[types.TaskState]int{
			types.TaskStatePending:   0,
			types.TaskStateAssigned:  0,
			types.TaskStateExecuting: 0,
			types.TaskStateCompleted: 0,
			types.TaskStateFailed:    0,
		},
		ActiveAssignments: len(q.assignments),
		DisplacedTasks:    q.displacedTasks,
	}

	for _, state := range q.states {
		stats.TaskStates[state]++
	}
	for _, worker := range q.workers {
		stats.WorkerStats.Total++
		switch worker.State {
		case types.WorkerIdle:
			stats.WorkerStats.Idle++
		case types.WorkerActive:
			stats.WorkerStats.Active++
		case types.WorkerFailed:
			stats.WorkerStats.Failed++
		}
	}

	if q.config.MaxQueueSize > 0 {
		stats.CapacityPercentage = float64(stats.TotalTasks) / float64(q.config.MaxQueueSize) * 100
	}
	switch {
	case stats.CapacityPercentage >= 100:
		stats.CapacityStatus = CapacityFull
	case stats.CapacityPercentage >= 95:
		stats.CapacityStatus = CapacityCritical
	case stats.CapacityPercentage >= 80:
		stats.CapacityStatus = CapacityWarning
	default:
		stats.CapacityStatus = CapacityNormal
	}

	return stats
}

// ThroughputMetrics counts recent completions
type ThroughputMetrics struct {
	CompletedLastMinute int `json:"completed_last_minute"`
	CompletedLastHour   int `json:"completed_last_hour"`
	ActiveTasks         int `json:"active_tasks"`
}

// GetThroughputMetrics returns completion rates over trailing windows
func (q *Queue) GetThroughputMetrics() ThroughputMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	m := ThroughputMetrics{ActiveTasks: len(q.assignments)}
	for taskID, task := range q.tasks {
		if q.states[taskID] != types.TaskStateCompleted || task.CompletedAt == nil {
			continue
		}
		if task.CompletedAt.After(minuteAgo) {
			m.CompletedLastMinute++
		}
		if task.CompletedAt.After(hourAgo) {
			m.CompletedLastHour++
		}
	}
	return m
}

// WaitTimeStatistics reports mean task wait times in seconds
type WaitTimeStatistics struct {
	Overall    float64            `json:"overall"`
	ByPriority map[string]float64 `json:"by_priority"`
	SampleSize int                `json:"sample_size"`
}

// GetWaitTimeStatistics returns mean assignment wait times, overall and per band
func (q *Queue) GetWaitTimeStatistics() WaitTimeStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var all []float64
	byPriority := map[string][]float64{"high": {}, "medium": {}, "low": {}}

	for taskID, task := range q.tasks {
		if task.AssignedAt == nil {
			continue
		}
		enqueued, ok := q.enqueueTimes[taskID]
		if !ok {
			enqueued = task.CreatedAt
		}
		wait := task.AssignedAt.Sub(enqueued).Seconds()
		all = append(all, wait)
		byPriority[types.PriorityName(task.Priority)] = append(byPriority[types.PriorityName(task.Priority)], wait)
	}

	stats := WaitTimeStatistics{
		ByPriority: make(map[string]float64, 3),
		SampleSize: len(all),
	}
	stats.Overall = mean(all)
	for name, waits := range byPriority {
		stats.ByPriority[name] = mean(waits)
	}
	return stats
}

// RetryStatistics summarises retry activity
type RetryStatistics struct {
	TotalRetries     int                    `json:"total_retries"`
	TasksWithRetries int                    `json:"tasks_with_retries"`
	MaxRetryCount    int                    `json:"max_retry_count"`
	RetryByTaskType  map[types.TaskType]int `json:"retry_by_task_type"`
}

// GetRetryStatistics returns retry counters grouped by task type
func (q *Queue) GetRetryStatistics() RetryStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := RetryStatistics{RetryByTaskType: make(map[types.TaskType]int)}
	for taskID, count := range q.retryCounts {
		if count == 0 {
			continue
		}
		stats.TotalRetries += count
		stats.TasksWithRetries++
		if count > stats.MaxRetryCount {
			stats.MaxRetryCount = count
		}
		if task := q.tasks[taskID]; task != nil {
			stats.RetryByTaskType[task.Type] += count
		}
	}
	return stats
}

// BandCapacity reports quota utilisation for one band
type BandCapacity struct {
	Used               int     `json:"used"`
	Limit              int     `json:"limit"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// CapacityStatistics reports capacity utilisation overall and per band
type CapacityStatistics struct {
	MaxCapacity        int                     `json:"max_capacity"`
	CurrentSize        int                     `json:"current_size"`
	UtilizationPercent float64                 `json:"utilization_percent"`
	ByPriority         map[string]BandCapacity `json:"capacity_by_priority"`
	NearCapacity       bool                    `json:"near_capacity"`
	AtCapacity         bool                    `json:"at_capacity"`
	BandAtLimit        bool                    `json:"priority_at_limit"`
}

// GetCapacityStatistics returns quota utilisation with warning flags
func (q *Queue) GetCapacityStatistics() CapacityStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := CapacityStatistics{
		MaxCapacity: q.config.MaxQueueSize,
		CurrentSize: q.sizeLocked(),
		ByPriority:  make(map[string]BandCapacity, 3),
	}
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}

	for _, priority := range bandOrder {
		name := types.PriorityName(priority)
		used := len(q.bands[priority])
		limit := q.config.QuotaFor(priority)
		band := BandCapacity{Used: used, Limit: limit}
		if limit > 0 {
			band.UtilizationPercent = float64(used) / float64(limit) * 100
		}
		if band.UtilizationPercent >= 100 {
			stats.BandAtLimit = true
		}
		stats.ByPriority[name] = band
	}

	stats.NearCapacity = stats.UtilizationPercent >= 80
	stats.AtCapacity = stats.UtilizationPercent >= 100
	return stats
}

// StarvingTask identifies the longest-waiting pending task
type StarvingTask struct {
	TaskID   string  `json:"task_id"`
	Priority string  `json:"priority"`
	WaitTime float64 `json:"wait_time"`
}

// StarvationStatistics reports tasks waiting past the starvation threshold
type StarvationStatistics struct {
	StarvedTasks        int           `json:"starved_tasks"`
	StarvedTaskIDs      []string      `json:"starved_task_ids"`
	OldestWaitingTask   *StarvingTask `json:"oldest_waiting_task,omitempty"`
	StarvationThreshold float64       `json:"starvation_threshold"`
	TasksBoosted        int           `json:"tasks_boosted"`
	MaxWaitTime         float64       `json:"max_wait_time"`
}

// GetStarvationStatistics returns starvation and boost counters for pending tasks
func (q *Queue) GetStarvationStatistics() StarvationStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := StarvationStatistics{
		StarvationThreshold: q.config.StarvationThreshold.Seconds(),
	}
	now := time.Now().UTC()

	for _, priority := range bandOrder {
		for _, taskID := range q.bands[priority] {
			enqueued, ok := q.enqueueTimes[taskID]
			if !ok {
				continue
			}
			wait := now.Sub(enqueued)
			waitSeconds := wait.Seconds()

			if wait > q.config.StarvationThreshold {
				stats.StarvedTasks++
				stats.StarvedTaskIDs = append(stats.StarvedTaskIDs, taskID)
			}
			if q.boostLevels[taskID] > 0 {
				stats.TasksBoosted++
			}
			if waitSeconds > stats.MaxWaitTime {
				stats.MaxWaitTime = waitSeconds
				stats.OldestWaitingTask = &StarvingTask{
					TaskID:   taskID,
					Priority: types.PriorityName(priority),
					WaitTime: waitSeconds,
				}
			}
		}
	}
	return stats
}

// OverflowStatistics reports displacement activity
type OverflowStatistics struct {
	TotalDisplaced         int            `json:"total_displaced"`
	DisplacementByPriority map[string]int `json:"displacement_by_priority"`
}

// GetOverflowStatistics returns displacement counters by displaced priority
func (q *Queue) GetOverflowStatistics() OverflowStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := OverflowStatistics{
		TotalDisplaced:         q.displacedTasks,
		DisplacementByPriority: make(map[string]int, len(q.displacementByPriority)),
	}
	for name, count := range q.displacementByPriority {
		stats.DisplacementByPriority[name] = count
	}
	return stats
}

// AgentTypeMetrics counts tasks and workers for one agent role
type AgentTypeMetrics struct {
	PendingTasks   int `json:"pending_tasks"`
	ExecutingTasks int `json:"executing_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	CapableWorkers int `json:"capable_workers"`
}

// GetMetricsByAgentType returns task and worker counts grouped by agent role
func (q *Queue) GetMetricsByAgentType() map[types.AgentType]AgentTypeMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := map[types.AgentType]AgentTypeMetrics{
		types.AgentGeneration: {},
		types.AgentReflection: {},
		types.AgentRanking:    {},
		types.AgentEvolution:  {},
		types.AgentProximity:  {},
		types.AgentMetaReview: {},
	}

	for taskID, task := range q.tasks {
		agent, ok := types.AgentTypeForTask(task.Type)
		if !ok {
			continue
		}
		m := result[agent]
		switch q.states[taskID] {
		case types.TaskStatePending:
			m.PendingTasks++
		case types.TaskStateExecuting:
			m.ExecutingTasks++
		case types.TaskStateCompleted:
			m.CompletedTasks++
		case types.TaskStateFailed:
			m.FailedTasks++
		}
		result[agent] = m
	}

	for _, worker := range q.workers {
		for _, agent := range worker.Capabilities.AgentTypes {
			if m, ok := result[agent]; ok {
				m.CapableWorkers++
				result[agent] = m
			}
		}
	}
	return result
}

// DetailedMetrics aggregates every statistics view with a timestamp
type DetailedMetrics struct {
	QueueStatistics      Statistics                              `json:"queue_statistics"`
	ThroughputMetrics    ThroughputMetrics                       `json:"throughput_metrics"`
	WaitTimeStatistics   WaitTimeStatistics                      `json:"wait_time_statistics"`
	RetryStatistics      RetryStatistics                         `json:"retry_statistics"`
	CapacityStatistics   CapacityStatistics                      `json:"capacity_statistics"`
	StarvationStatistics StarvationStatistics                    `json:"starvation_statistics"`
	HeartbeatMetrics     HeartbeatMetrics                        `json:"heartbeat_metrics"`
	OverflowStatistics   OverflowStatistics                      `json:"overflow_statistics"`
	DLQStatistics        DLQStatistics                           `json:"dlq_statistics"`
	ByAgentType          map[types.AgentType]AgentTypeMetrics    `json:"by_agent_type"`
	Timestamp            time.Time                               `json:"timestamp"`
}

// GetDetailedMetrics collects all statistics views in one call
func (q *Queue) GetDetailedMetrics() DetailedMetrics {
	return DetailedMetrics{
		QueueStatistics:      q.GetStatistics(),
		ThroughputMetrics:    q.GetThroughputMetrics(),
		WaitTimeStatistics:   q.GetWaitTimeStatistics(),
		RetryStatistics:      q.GetRetryStatistics(),
		CapacityStatistics:   q.GetCapacityStatistics(),
		StarvationStatistics: q.GetStarvationStatistics(),
		HeartbeatMetrics:     q.GetHeartbeatMetrics(),
		OverflowStatistics:   q.GetOverflowStatistics(),
		DLQStatistics:        q.GetDLQStatistics(),
		ByAgentType:          q.GetMetricsByAgentType(),
		Timestamp:            time.Now().UTC(),
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
