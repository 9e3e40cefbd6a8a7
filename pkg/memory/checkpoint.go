package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lyceum-ai/lyceum/pkg/types"
)

// CreateCheckpoint stores a checkpoint-typed state update and returns its id.
// The checkpoint data is expected to carry enough state to resume work,
// typically including an exported queue snapshot.
func (m *ContextMemory) CreateCheckpoint(update StateUpdate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iteration, err := m.ensureIterationLocked()
	if err != nil {
		return "", err
	}

	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	update.UpdateType = UpdateCheckpoint

	writer := update.WriterID
	if writer == "" {
		writer = "system"
	}
	checkpointID := fmt.Sprintf("checkpoint_%s_%s", update.Timestamp.UTC().Format(fileTimestamp), sanitize(writer))
	path := filepath.Join(m.iterationPath(iteration), checkpointID+".json")

	data, err := json.MarshalIndent(update, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialise checkpoint: %w", err)
	}
	if result, ok := m.checkCapacityLocked(len(data)); !ok {
		return "", fmt.Errorf("%w: %s", types.ErrStorageFull, result.Reason)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	m.usedBytes += int64(len(data))

	if err := m.catalog.putCheckpoint(checkpointID, path); err != nil {
		m.logger.Warn().Err(err).Msg("Could not index checkpoint")
	}

	m.logger.Info().Str("checkpoint_id", checkpointID).Msg("Checkpoint created")
	return checkpointID, nil
}

// RecoverFromCheckpoint loads a checkpoint by id and reconstructs the
// recovery view: in-flight task ids, the orchestration configuration at
// capture time and a data-integrity verdict.
func (m *ContextMemory) RecoverFromCheckpoint(checkpointID string) (*RecoveryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.catalog.checkpointPath(checkpointID)
	if err != nil || path == "" {
		path = m.scanCheckpointLocked(checkpointID)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	recovery := &RecoveryState{
		CheckpointID:        checkpointID,
		SystemConfiguration: map[string]any{},
	}

	var update StateUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		recovery.DataIntegrity = DataIntegrity{Valid: false, Detail: err.Error()}
		return recovery, nil
	}

	recovery.SystemConfiguration = update.OrchestrationState
	recovery.CheckpointData = update.CheckpointData
	recovery.DataIntegrity = DataIntegrity{Valid: true}

	if inFlight, ok := update.CheckpointData["in_flight_tasks"]; ok {
		switch ids := inFlight.(type) {
		case []string:
			recovery.ActiveTasks = ids
		case []any:
			for _, id := range ids {
				if s, ok := id.(string); ok {
					recovery.ActiveTasks = append(recovery.ActiveTasks, s)
				}
			}
		}
	}

	return recovery, nil
}

// scanCheckpointLocked searches iteration directories for a checkpoint file
// when the catalog has no record of it
func (m *ContextMemory) scanCheckpointLocked(checkpointID string) string {
	for _, n := range m.listIterationNumbersLocked() {
		candidate := filepath.Join(m.iterationPath(n), checkpointID+".json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
