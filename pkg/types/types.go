package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateExecuting TaskState = "executing"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// IsTerminal reports whether the state is final
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// TaskType identifies the operation a task asks an agent to perform
type TaskType string

const (
	TaskGenerateHypothesis    TaskType = "generate_hypothesis"
	TaskReflectOnHypothesis   TaskType = "reflect_on_hypothesis"
	TaskRankHypotheses        TaskType = "rank_hypotheses"
	TaskEvolveHypothesis      TaskType = "evolve_hypothesis"
	TaskFindSimilarHypotheses TaskType = "find_similar_hypotheses"
	TaskMetaReview            TaskType = "meta_review"
)

// AgentType tags the agent role a worker advertises in its capabilities
type AgentType string

const (
	AgentGeneration AgentType = "Generation"
	AgentReflection AgentType = "Reflection"
	AgentRanking    AgentType = "Ranking"
	AgentEvolution  AgentType = "Evolution"
	AgentProximity  AgentType = "Proximity"
	AgentMetaReview AgentType = "MetaReview"
)

// taskAgentMapping pairs each task type with the agent role required to run it
var taskAgentMapping = map[TaskType]AgentType{
	TaskGenerateHypothesis:    AgentGeneration,
	TaskReflectOnHypothesis:   AgentReflection,
	TaskRankHypotheses:        AgentRanking,
	TaskEvolveHypothesis:      AgentEvolution,
	TaskFindSimilarHypotheses: AgentProximity,
	TaskMetaReview:            AgentMetaReview,
}

// AgentTypeForTask returns the agent role required for a task type.
// Unknown task types return false; the queue treats those as runnable by anyone.
func AgentTypeForTask(t TaskType) (AgentType, bool) {
	agent, ok := taskAgentMapping[t]
	return agent, ok
}

// ValidTaskType reports whether t is one of the known task types
func ValidTaskType(t TaskType) bool {
	_, ok := taskAgentMapping[t]
	return ok
}

// Task priorities. Higher numbers are served first.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// PriorityName maps a numeric priority to its band name
func PriorityName(priority int) string {
	switch priority {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// PriorityFromName maps a band name back to its numeric priority
func PriorityFromName(name string) (int, bool) {
	switch name {
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return 0, false
}

// Task is a unit of work routed through the queue to an agent worker
type Task struct {
	ID       uuid.UUID      `json:"id"`
	Type     TaskType       `json:"task_type"`
	Priority int            `json:"priority"`
	State    TaskState      `json:"state"`
	Payload  map[string]any `json:"payload"`

	AssignedTo string `json:"assigned_to,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task, validating type and priority
func NewTask(taskType TaskType, priority int, payload map[string]any) (*Task, error) {
	if !ValidTaskType(taskType) {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidArgument, taskType)
	}
	if priority <= 0 {
		return nil, fmt.Errorf("%w: priority must be positive, got %d", ErrInvalidArgument, priority)
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Task{
		ID:        uuid.New(),
		Type:      taskType,
		Priority:  priority,
		State:     TaskStatePending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Assign moves a pending task to assigned and stamps the worker
func (t *Task) Assign(workerID string) error {
	if t.State != TaskStatePending {
		if t.AssignedTo != "" {
			return fmt.Errorf("%w: task already assigned to %s", ErrInvalidState, t.AssignedTo)
		}
		return fmt.Errorf("%w: cannot assign task in state %s", ErrInvalidState, t.State)
	}
	now := time.Now().UTC()
	t.AssignedTo = workerID
	t.AssignedAt = &now
	t.State = TaskStateAssigned
	return nil
}

// StartExecution moves an assigned task to executing
func (t *Task) StartExecution() error {
	if t.State != TaskStateAssigned {
		return fmt.Errorf("%w: cannot start execution in state %s", ErrInvalidState, t.State)
	}
	t.State = TaskStateExecuting
	return nil
}

// Complete marks an executing task completed with its result
func (t *Task) Complete(result map[string]any) error {
	if t.State != TaskStateExecuting {
		return fmt.Errorf("%w: cannot complete task in state %s", ErrInvalidState, t.State)
	}
	now := time.Now().UTC()
	t.Result = result
	t.CompletedAt = &now
	t.State = TaskStateCompleted
	return nil
}

// Fail marks the task failed. Allowed from any non-terminal state.
func (t *Task) Fail(errMsg string) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: cannot fail task in state %s", ErrInvalidState, t.State)
	}
	now := time.Now().UTC()
	t.Error = errMsg
	t.CompletedAt = &now
	t.State = TaskStateFailed
	return nil
}

// Clone returns a copy safe to hand outside the queue. Payload and result
// maps are copied one level so worker code cannot mutate queue state.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = copyMap(t.Payload)
	c.Result = copyMap(t.Result)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TaskError carries a worker-reported failure and whether it is worth retrying
type TaskError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e TaskError) Error() string {
	return e.Message
}

// WorkerState represents the state of a registered worker
type WorkerState string

const (
	WorkerIdle   WorkerState = "idle"
	WorkerActive WorkerState = "active"
	WorkerFailed WorkerState = "failed"
)

// Capabilities describes what a worker can do, most importantly which
// agent roles it implements
type Capabilities struct {
	AgentTypes []AgentType       `json:"agent_types,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// HasAgentType reports whether the capability set includes the given role
func (c Capabilities) HasAgentType(agent AgentType) bool {
	for _, a := range c.AgentTypes {
		if a == agent {
			return true
		}
	}
	return false
}

// WorkerInfo tracks a registered worker
type WorkerInfo struct {
	ID            string       `json:"id"`
	Capabilities  Capabilities `json:"capabilities"`
	State         WorkerState  `json:"state"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	AssignedTask  string       `json:"assigned_task,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// Assignment is the time-bounded lease a worker holds on a dequeued task
type Assignment struct {
	ID            string    `json:"assignment_id"`
	Task          *Task     `json:"task"`
	TaskID        string    `json:"task_id"`
	WorkerID      string    `json:"worker_id"`
	Deadline      time.Time `json:"deadline"`
	AckRequiredBy time.Time `json:"acknowledgment_required_by"`
}

// FailureReason classifies entries in a task's failure history
type FailureReason string

const (
	FailureWorkerError  FailureReason = "worker_error"
	FailureWorkerDeath  FailureReason = "worker_failure"
	FailureAckTimeout   FailureReason = "ack_timeout"
	FailureLeaseExpired FailureReason = "lease_expired"
)

// FailureRecord is one entry in a task's failure history
type FailureRecord struct {
	WorkerID  string        `json:"worker_id"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    FailureReason `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// DLQReason classifies why a task landed in the dead-letter queue
type DLQReason string

const (
	DLQRetryExhaustion   DLQReason = "retry_exhaustion"
	DLQNonRetryableError DLQReason = "non_retryable_error"
)

// DLQEntry is the metadata recorded when a task is dead-lettered
type DLQEntry struct {
	TaskID     string    `json:"task_id"`
	Reason     DLQReason `json:"reason"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// TaskInfo is the observable view of a task the queue hands to callers
type TaskInfo struct {
	TaskID                string          `json:"task_id"`
	Type                  TaskType        `json:"task_type"`
	State                 TaskState       `json:"state"`
	Priority              int             `json:"priority"`
	EffectivePriority     float64         `json:"effective_priority"`
	WaitTime              time.Duration   `json:"wait_time"`
	RetryCount            int             `json:"retry_count"`
	ReassignmentCount     int             `json:"reassignment_count"`
	PreviousWorkers       []string        `json:"previous_workers,omitempty"`
	PreferDifferentWorker bool            `json:"prefer_different_worker"`
	FailureHistory        []FailureRecord `json:"failure_history,omitempty"`
	Progress              map[string]any  `json:"progress,omitempty"`
}
