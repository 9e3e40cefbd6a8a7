package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskValidation(t *testing.T) {
	tests := []struct {
		name     string
		taskType TaskType
		priority int
		wantErr  bool
	}{
		{name: "valid high priority", taskType: TaskGenerateHypothesis, priority: PriorityHigh},
		{name: "valid low priority", taskType: TaskMetaReview, priority: PriorityLow},
		{name: "zero priority", taskType: TaskGenerateHypothesis, priority: 0, wantErr: true},
		{name: "negative priority", taskType: TaskRankHypotheses, priority: -1, wantErr: true},
		{name: "unknown type", taskType: TaskType("make_coffee"), priority: PriorityMedium, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewTask(tt.taskType, tt.priority, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TaskStatePending, task.State)
			assert.NotNil(t, task.Payload)
			assert.False(t, task.CreatedAt.IsZero())
		})
	}
}

func TestTaskStateMachine(t *testing.T) {
	task, err := NewTask(TaskGenerateHypothesis, PriorityHigh, map[string]any{"goal": "X"})
	require.NoError(t, err)

	// Cannot start or complete before assignment
	assert.ErrorIs(t, task.StartExecution(), ErrInvalidState)
	assert.ErrorIs(t, task.Complete(nil), ErrInvalidState)

	require.NoError(t, task.Assign("w1"))
	assert.Equal(t, TaskStateAssigned, task.State)
	assert.Equal(t, "w1", task.AssignedTo)
	require.NotNil(t, task.AssignedAt)

	// Double assignment is refused
	assert.ErrorIs(t, task.Assign("w2"), ErrInvalidState)

	require.NoError(t, task.StartExecution())
	assert.Equal(t, TaskStateExecuting, task.State)

	require.NoError(t, task.Complete(map[string]any{"hypothesis": "h1"}))
	assert.Equal(t, TaskStateCompleted, task.State)
	require.NotNil(t, task.CompletedAt)

	// Terminal states refuse everything
	assert.ErrorIs(t, task.Fail("late"), ErrInvalidState)
	assert.ErrorIs(t, task.StartExecution(), ErrInvalidState)
}

func TestTaskFailFromAnyNonTerminalState(t *testing.T) {
	for _, setup := range []func(*Task){
		func(*Task) {}, // pending
		func(task *Task) { _ = task.Assign("w1") },
		func(task *Task) { _ = task.Assign("w1"); _ = task.StartExecution() },
	} {
		task, err := NewTask(TaskReflectOnHypothesis, PriorityMedium, nil)
		require.NoError(t, err)
		setup(task)

		require.NoError(t, task.Fail("boom"))
		assert.Equal(t, TaskStateFailed, task.State)
		assert.Equal(t, "boom", task.Error)
	}
}

func TestTaskSerializationRoundTrip(t *testing.T) {
	task, err := NewTask(TaskEvolveHypothesis, PriorityHigh, map[string]any{
		"hypothesis_id": "h42",
		"strategy":      "refine",
	})
	require.NoError(t, err)
	require.NoError(t, task.Assign("worker-7"))

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var restored Task
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, task.ID, restored.ID)
	assert.Equal(t, task.Type, restored.Type)
	assert.Equal(t, task.Priority, restored.Priority)
	assert.Equal(t, task.State, restored.State)
	assert.Equal(t, task.AssignedTo, restored.AssignedTo)
	assert.Equal(t, task.Payload["hypothesis_id"], restored.Payload["hypothesis_id"])
	assert.True(t, task.CreatedAt.Equal(restored.CreatedAt))
	require.NotNil(t, restored.AssignedAt)
	assert.True(t, task.AssignedAt.Equal(*restored.AssignedAt))
}

func TestTaskClone(t *testing.T) {
	task, err := NewTask(TaskRankHypotheses, PriorityMedium, map[string]any{"hypothesis_ids": "h1"})
	require.NoError(t, err)

	clone := task.Clone()
	clone.Payload["hypothesis_ids"] = "h2"
	clone.State = TaskStateFailed

	assert.Equal(t, "h1", task.Payload["hypothesis_ids"])
	assert.Equal(t, TaskStatePending, task.State)
}

func TestAgentTypeForTask(t *testing.T) {
	agent, ok := AgentTypeForTask(TaskGenerateHypothesis)
	assert.True(t, ok)
	assert.Equal(t, AgentGeneration, agent)

	_, ok = AgentTypeForTask(TaskType("bogus"))
	assert.False(t, ok)
}

func TestPriorityNames(t *testing.T) {
	assert.Equal(t, "high", PriorityName(PriorityHigh))
	assert.Equal(t, "medium", PriorityName(PriorityMedium))
	assert.Equal(t, "low", PriorityName(PriorityLow))
	assert.Equal(t, "unknown", PriorityName(9))

	priority, ok := PriorityFromName("medium")
	assert.True(t, ok)
	assert.Equal(t, PriorityMedium, priority)

	_, ok = PriorityFromName("urgent")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{AgentTypes: []AgentType{AgentGeneration, AgentRanking}}
	assert.True(t, caps.HasAgentType(AgentGeneration))
	assert.False(t, caps.HasAgentType(AgentReflection))
	assert.False(t, Capabilities{}.HasAgentType(AgentGeneration))
}
