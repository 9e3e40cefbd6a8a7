package supervisor

import (
	"time"

	"github.com/lyceum-ai/lyceum/pkg/memory"
	"github.com/lyceum-ai/lyceum/pkg/metrics"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

// Start launches the orchestration loop. Each tick runs one iteration:
// distribute work, fold in effectiveness, checkpoint, evaluate termination.
// The loop stops itself when a critical termination condition is met.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.loopStopCh != nil {
		s.mu.Unlock()
		return // already running
	}
	stopCh := make(chan struct{})
	s.loopStopCh = stopCh
	s.startTime = time.Now().UTC()
	s.mu.Unlock()

	go s.run(stopCh)
}

// Stop halts the orchestration loop
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopStopCh == nil {
		return
	}
	close(s.loopStopCh)
	s.loopStopCh = nil
}

func (s *Supervisor) run(stopCh chan struct{}) {
	interval := s.config.IterationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			decision, err := s.RunIteration()
			if err != nil {
				// The loop never dies on a bad iteration
				s.logger.Error().Err(err).Msg("Orchestration iteration failed")
				continue
			}
			if decision.ShouldTerminate {
				s.logger.Info().
					Float64("probability", decision.Probability).
					Msg("Supervisor terminating")
				s.Stop()
				return
			}
		case <-stopCh:
			return
		}
	}
}

// RunIteration executes one orchestration cycle and returns the termination
// decision evaluated at its end
func (s *Supervisor) RunIteration() (TerminationDecision, error) {
	iteration, err := s.memory.StartNewIteration()
	if err != nil {
		return TerminationDecision{}, err
	}

	batch := s.config.BatchSize
	if batch <= 0 {
		batch = 5
	}
	tasks, err := s.DistributeTasks(batch)
	if err != nil {
		s.logger.Warn().Err(err).Int("created", len(tasks)).Msg("Batch distribution incomplete")
	}

	s.UpdateAgentEffectiveness()
	s.AdjustAgentWeights()

	systemMetrics := s.CalculateSystemMetrics()
	if _, err := s.memory.StoreAggregate("agent_statistics", map[string]any{
		"iteration":           iteration,
		"hypothesis_count":    systemMetrics.HypothesisCount,
		"review_count":        systemMetrics.ReviewCount,
		"completion_rate":     systemMetrics.TaskCompletionRate,
		"agent_effectiveness": systemMetrics.AgentEffectiveness,
	}, time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Msg("Could not store agent statistics")
	}

	if err := s.checkpoint(iteration, tasks); err != nil {
		s.logger.Warn().Err(err).Msg("Could not create iteration checkpoint")
	}

	if err := s.memory.CompleteIteration(iteration, map[string]any{
		"tasks_created":   len(tasks),
		"pending_tasks":   systemMetrics.PendingTasks,
		"completion_rate": systemMetrics.TaskCompletionRate,
	}); err != nil {
		s.logger.Warn().Err(err).Int("iteration", iteration).Msg("Could not complete iteration")
	}

	metrics.SupervisorIterations.Inc()
	return s.CheckTerminationConditions(), nil
}

// checkpoint captures enough state to resume: the queue snapshot plus the
// ids of the tasks created this iteration
func (s *Supervisor) checkpoint(iteration int, tasks []*types.Task) error {
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID.String())
	}

	_, err := s.memory.CreateCheckpoint(memory.StateUpdate{
		Timestamp:  time.Now().UTC(),
		UpdateType: memory.UpdateCheckpoint,
		WriterID:   "supervisor",
		SystemStatistics: map[string]any{
			"queue_size": s.queue.Size(),
		},
		OrchestrationState: map[string]any{
			"active_iteration": iteration,
			"agent_weights":    s.AgentWeights(),
		},
		CheckpointData: map[string]any{
			"in_flight_tasks": taskIDs,
			"queue_state":     s.queue.ExportState(),
		},
	})
	return err
}
