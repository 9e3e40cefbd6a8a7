package supervisor

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/log"
	"github.com/lyceum-ai/lyceum/pkg/memory"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/queue"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// Agent role names used for weighting and task creation
const (
	RoleGeneration = "generation"
	RoleReflection = "reflection"
	RoleRanking    = "ranking"
	RoleEvolution  = "evolution"
	RoleProximity  = "proximity"
	RoleMetaReview = "meta_review"
)

// roleTaskMapping pairs each role with the task type it executes
var roleTaskMapping = map[string]types.TaskType{
	RoleGeneration: types.TaskGenerateHypothesis,
	RoleReflection: types.TaskReflectOnHypothesis,
	RoleRanking:    types.TaskRankHypotheses,
	RoleEvolution:  types.TaskEvolveHypothesis,
	RoleProximity:  types.TaskFindSimilarHypotheses,
	RoleMetaReview: types.TaskMetaReview,
}

// Roles lists the known agent roles
func Roles() []string {
	return []string{RoleGeneration, RoleReflection, RoleRanking, RoleEvolution, RoleProximity, RoleMetaReview}
}

// ResourceAllocation records what was granted to one task
type ResourceAllocation struct {
	TaskID         string    `json:"task_id"`
	ComputeBudget  float64   `json:"compute_budget"`
	MemoryMB       int       `json:"memory_mb"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	AllocatedAt    time.Time `json:"allocated_at"`
}

// baseAllocation is the per-role allocation before complexity and load scaling
type baseAllocation struct {
	compute  float64
	memoryMB int
	timeout  int
}

var baseAllocations = map[string]baseAllocation{
	RoleGeneration: {compute: 30.0, memoryMB: 256, timeout: 300},
	RoleReflection: {compute: 20.0, memoryMB: 128, timeout: 180},
	RoleRanking:    {compute: 15.0, memoryMB: 128, timeout: 120},
	RoleEvolution:  {compute: 25.0, memoryMB: 256, timeout: 240},
	RoleProximity:  {compute: 10.0, memoryMB: 256, timeout: 120},
	RoleMetaReview: {compute: 40.0, memoryMB: 512, timeout: 600},
}

// minimumAllocation is the floor below which allocation requests are refused
const minimumAllocation = 10.0

// SystemView is the supervisor's working picture of research progress,
// used to fill task parameters
type SystemView struct {
	ResearchGoal            string
	FocusArea               string
	PendingReviewHypotheses []string
	TournamentCandidates    []string
	TopHypothesisID         string
	AllHypothesisIDs        []string
	GoalAchieved            bool
	HighQualityHypotheses   int
	NoImprovementIterations int
}

// TaskResult is a completed task outcome fed back for effectiveness scoring
type TaskResult struct {
	AgentRole    string
	Success      bool
	QualityScore float64
}

// TerminationDecision reports the evaluated stop signals
type TerminationDecision struct {
	ShouldTerminate bool            `json:"should_terminate"`
	Probability     float64         `json:"termination_probability"`
	Conditions      map[string]bool `json:"conditions"`
}

// SystemMetrics is the supervisor's aggregate view of the running system
type SystemMetrics struct {
	HypothesisCount     int                `json:"hypothesis_count"`
	ReviewCount         int                `json:"review_count"`
	TaskCompletionRate  float64            `json:"task_completion_rate"`
	ResourceUtilization float64            `json:"resource_utilization"`
	ActiveTasks         int                `json:"active_tasks"`
	PendingTasks        int                `json:"pending_tasks"`
	AgentEffectiveness  map[string]float64 `json:"agent_effectiveness"`
}

// ContextStore is the slice of context memory the supervisor consumes
type ContextStore interface {
	CurrentIteration() int
	AgentOutputPaths(agent types.AgentType) []string
	StartNewIteration() (int, error)
	CompleteIteration(n int, summary map[string]any) error
	CreateCheckpoint(update memory.StateUpdate) (string, error)
	StoreAggregate(aggType string, data map[string]any, timestamp time.Time) (memory.StorageResult, error)
}

// Supervisor orchestrates the agent fleet: it decides which role works
// next, synthesises and enqueues tasks, accounts for resources and
// evaluates when the research run should stop.
type Supervisor struct {
	config config.SupervisorConfig
	queue  *queue.Queue
	memory ContextStore
	logger zerolog.Logger
	rng    *rand.Rand

	mu                     sync.Mutex
	weights                map[string]float64
	effectiveness          map[string]float64
	consumed               float64
	allocations            map[string]ResourceAllocation
	recentResults          []TaskResult
	view                   SystemView
	startTime              time.Time
	terminationProbability float64

	loopStopCh chan struct{}
}

// New creates a supervisor over the given queue and context memory
func New(cfg config.SupervisorConfig, q *queue.Queue, mem ContextStore) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for role := range cfg.AgentWeights {
		if _, ok := roleTaskMapping[role]; !ok {
			return nil, fmt.Errorf("%w: unknown agent role %q in weights", types.ErrInvalidArgument, role)
		}
	}

	weights := make(map[string]float64, len(cfg.AgentWeights))
	effectiveness := make(map[string]float64, len(cfg.AgentWeights))
	for role, weight := range cfg.AgentWeights {
		weights[role] = weight
		effectiveness[role] = 0.5
	}

	return &Supervisor{
		config:        cfg,
		queue:         q,
		memory:        mem,
		logger:        log.WithComponent("supervisor"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		weights:       weights,
		effectiveness: effectiveness,
		allocations:   make(map[string]ResourceAllocation),
		startTime:     time.Now().UTC(),
	}, nil
}

// UpdateView replaces the supervisor's picture of research progress
func (s *Supervisor) UpdateView(view SystemView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
}

// CreateTask validates the role, builds the corresponding task and enqueues it
func (s *Supervisor) CreateTask(role string, priority int, params map[string]any) (*types.Task, error) {
	taskType, ok := roleTaskMapping[role]
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent role %q", types.ErrInvalidArgument, role)
	}

	task, err := types.NewTask(taskType, priority, params)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("role", role).
		Int("priority", priority).
		Msg("Created task")
	return task, nil
}

// SelectNextAgent picks a role by weighted random sampling over the current
// weight vector
func (s *Supervisor) SelectNextAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked()
}

func (s *Supervisor) selectLocked() string {
	total := 0.0
	for _, role := range Roles() {
		total += s.weights[role]
	}
	if total <= 0 {
		return RoleGeneration
	}

	target := s.rng.Float64() * total
	cumulative := 0.0
	for _, role := range Roles() {
		cumulative += s.weights[role]
		if target < cumulative {
			return role
		}
	}
	return Roles()[len(Roles())-1]
}

// DistributeTasks creates and enqueues a batch of medium-priority tasks,
// choosing a role per slot and filling parameters from the system view
func (s *Supervisor) DistributeTasks(batchSize int) ([]*types.Task, error) {
	var tasks []*types.Task
	for i := 0; i < batchSize; i++ {
		s.mu.Lock()
		role := s.selectLocked()
		params := s.taskParametersLocked(role)
		s.mu.Unlock()

		task, err := s.CreateTask(role, types.PriorityMedium, params)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// taskParametersLocked fills role-specific payloads from the current view
func (s *Supervisor) taskParametersLocked(role string) map[string]any {
	params := map[string]any{
		"goal":      s.view.ResearchGoal,
		"iteration": s.memory.CurrentIteration(),
	}

	switch role {
	case RoleGeneration:
		params["generation_method"] = s.choiceLocked("literature_based", "debate", "assumptions", "expansion")
		if s.view.FocusArea != "" {
			params["focus_area"] = s.view.FocusArea
		}
	case RoleReflection:
		if len(s.view.PendingReviewHypotheses) > 0 {
			params["hypothesis_id"] = s.view.PendingReviewHypotheses[0]
		}
		params["review_type"] = s.choiceLocked("initial", "full", "deep_verification", "observation", "simulation", "tournament")
	case RoleRanking:
		params["hypothesis_ids"] = headOf(s.view.TournamentCandidates, 10)
	case RoleEvolution:
		if s.view.TopHypothesisID != "" {
			params["hypothesis_id"] = s.view.TopHypothesisID
		}
		params["strategy"] = s.choiceLocked("refine", "combine", "simplify", "paradigm_shift")
	case RoleProximity:
		params["hypothesis_ids"] = headOf(s.view.AllHypothesisIDs, 50)
	case RoleMetaReview:
		params["focus"] = s.choiceLocked("methodology", "assumptions", "themes")
	}
	return params
}

func (s *Supervisor) choiceLocked(options ...string) string {
	return options[s.rng.Intn(len(options))]
}

func headOf(ids []string, limit int) []string {
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Complexity grades the expected cost of a task
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityNormal Complexity = "normal"
	ComplexityHigh   Complexity = "high"
)

var complexityMultipliers = map[Complexity]float64{
	ComplexityLow:    0.5,
	ComplexityNormal: 1.0,
	ComplexityHigh:   2.0,
}

// AllocateResources grants compute, memory and a timeout for one task.
// Allocation scales with task complexity and halves under high load.
// Fails with ErrInsufficientResources when the budget is nearly spent.
func (s *Supervisor) AllocateResources(taskID, role string, complexity Complexity) (ResourceAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	multiplier, ok := complexityMultipliers[complexity]
	if !ok {
		return ResourceAllocation{}, fmt.Errorf("%w: unknown complexity %q", types.ErrInvalidArgument, complexity)
	}

	available := s.config.ComputeBudget - s.consumed
	if available < minimumAllocation {
		return ResourceAllocation{}, fmt.Errorf("%w: %.1f compute units remaining", types.ErrInsufficientResources, available)
	}

	base, ok := baseAllocations[role]
	if !ok {
		base = baseAllocations[RoleGeneration]
	}

	loadFactor := 1.0
	if s.utilizationLocked() > 0.8 {
		loadFactor = 0.5
	}

	compute := base.compute * multiplier * loadFactor
	if compute > available {
		compute = available
	}

	memoryMB := int(float64(base.memoryMB) * multiplier)
	if s.config.MemoryBudgetMB > 0 && memoryMB > s.config.MemoryBudgetMB {
		memoryMB = s.config.MemoryBudgetMB
	}

	allocation := ResourceAllocation{
		TaskID:         taskID,
		ComputeBudget:  compute,
		MemoryMB:       memoryMB,
		TimeoutSeconds: int(float64(base.timeout) * multiplier),
		AllocatedAt:    time.Now().UTC(),
	}
	s.consumed += compute
	s.allocations[taskID] = allocation

	metrics.ResourceUtilization.Set(s.utilizationLocked())
	return allocation, nil
}

// ReclaimResources returns a task's allocation to the budget. Idempotent:
// reclaiming twice is a no-op.
func (s *Supervisor) ReclaimResources(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allocation, ok := s.allocations[taskID]
	if !ok {
		return
	}
	s.consumed -= allocation.ComputeBudget
	if s.consumed < 0 {
		s.consumed = 0
	}
	delete(s.allocations, taskID)

	metrics.ResourceUtilization.Set(s.utilizationLocked())
	s.logger.Debug().
		Str("task_id", taskID).
		Float64("compute", allocation.ComputeBudget).
		Msg("Reclaimed resources")
}

func (s *Supervisor) utilizationLocked() float64 {
	if s.config.ComputeBudget <= 0 {
		return 0
	}
	return s.consumed / s.config.ComputeBudget
}

// ResourceUtilization returns the consumed fraction of the compute budget
func (s *Supervisor) ResourceUtilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utilizationLocked()
}

// CalculateSystemMetrics combines queue statistics with context-memory
// counts and the current effectiveness vector
func (s *Supervisor) CalculateSystemMetrics() SystemMetrics {
	stats := s.queue.GetStatistics()

	s.mu.Lock()
	defer s.mu.Unlock()

	completed := stats.TaskStates[types.TaskStateCompleted]
	failed := stats.TaskStates[types.TaskStateFailed]
	completionRate := 0.0
	if completed+failed > 0 {
		completionRate = float64(completed) / float64(completed+failed)
	}

	effectiveness := make(map[string]float64, len(s.effectiveness))
	for role, score := range s.effectiveness {
		effectiveness[role] = score
	}

	return SystemMetrics{
		HypothesisCount:     len(s.memory.AgentOutputPaths(types.AgentGeneration)),
		ReviewCount:         len(s.memory.AgentOutputPaths(types.AgentReflection)),
		TaskCompletionRate:  completionRate,
		ResourceUtilization: s.utilizationLocked(),
		ActiveTasks:         stats.TaskStates[types.TaskStateExecuting],
		PendingTasks:        stats.TaskStates[types.TaskStatePending],
		AgentEffectiveness:  effectiveness,
	}
}

// CheckTerminationConditions evaluates the stop signals. Any of the
// critical three (goal achieved, resource exhaustion, time limit) terminates;
// the probability is the fraction of all signals currently true.
func (s *Supervisor) CheckTerminationConditions() TerminationDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	conditions := map[string]bool{
		"goal_achieved":      s.view.GoalAchieved,
		"resource_exhausted": s.consumed >= s.config.ComputeBudget*0.95,
		"time_limit":         s.config.TimeLimit > 0 && time.Since(s.startTime) >= s.config.TimeLimit,
		"quality_threshold":  s.view.HighQualityHypotheses >= 10,
		"convergence":        s.view.NoImprovementIterations >= 5,
	}

	met := 0
	for _, v := range conditions {
		if v {
			met++
		}
	}
	s.terminationProbability = float64(met) / float64(len(conditions))

	decision := TerminationDecision{
		ShouldTerminate: conditions["goal_achieved"] || conditions["resource_exhausted"] || conditions["time_limit"],
		Probability:     s.terminationProbability,
		Conditions:      conditions,
	}
	if decision.ShouldTerminate {
		s.logger.Info().
			Interface("conditions", conditions).
			Msg("Termination conditions met")
	}
	return decision
}

// TerminationProbability returns the last evaluated probability
func (s *Supervisor) TerminationProbability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationProbability
}

// RecordTaskResult feeds one completed task outcome into the effectiveness
// window consumed by UpdateAgentEffectiveness
func (s *Supervisor) RecordTaskResult(result TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentResults = append(s.recentResults, result)
}

// effectivenessAlpha is the EMA learning rate for effectiveness updates
const effectivenessAlpha = 0.3

// UpdateAgentEffectiveness averages the quality of recent results per role
// and folds it into each role's score with an exponential moving average
func (s *Supervisor) UpdateAgentEffectiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()

	grouped := make(map[string][]float64)
	for _, result := range s.recentResults {
		if _, ok := s.effectiveness[result.AgentRole]; !ok {
			continue
		}
		score := 0.0
		if result.Success {
			score = result.QualityScore
		}
		grouped[result.AgentRole] = append(grouped[result.AgentRole], score)
	}
	s.recentResults = s.recentResults[:0]

	for role, scores := range grouped {
		if len(scores) == 0 {
			continue
		}
		observed := 0.0
		for _, score := range scores {
			observed += score
		}
		observed /= float64(len(scores))

		s.effectiveness[role] = effectivenessAlpha*observed + (1-effectivenessAlpha)*s.effectiveness[role]
		metrics.AgentEffectiveness.WithLabelValues(role).Set(s.effectiveness[role])
	}
}

// weightMomentum damps weight adjustments so a single good round cannot
// swing the distribution
const weightMomentum = 0.8

// AdjustAgentWeights reweights roles by normalised effectiveness, blended
// with the current weights under momentum, then renormalises to sum 1
func (s *Supervisor) AdjustAgentWeights() {
	s.mu.Lock()
	defer s.mu.Unlock()

	totalEffectiveness := 0.0
	for _, score := range s.effectiveness {
		totalEffectiveness += score
	}
	if totalEffectiveness == 0 {
		return
	}

	for role := range s.weights {
		target := s.effectiveness[role] / totalEffectiveness
		s.weights[role] = weightMomentum*s.weights[role] + (1-weightMomentum)*target
	}

	totalWeight := 0.0
	for _, weight := range s.weights {
		totalWeight += weight
	}
	for role := range s.weights {
		s.weights[role] /= totalWeight
	}

	s.logger.Debug().Interface("weights", s.weights).Msg("Adjusted agent weights")
}

// AgentWeights returns a copy of the current weight vector
func (s *Supervisor) AgentWeights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	weights := make(map[string]float64, len(s.weights))
	for role, weight := range s.weights {
		weights[role] = weight
	}
	return weights
}

// AgentEffectiveness returns a copy of the current effectiveness vector
func (s *Supervisor) AgentEffectiveness() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := make(map[string]float64, len(s.effectiveness))
	for role, score := range s.effectiveness {
		scores[role] = score
	}
	return scores
}
