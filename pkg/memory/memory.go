package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lyceum-ai/lyceum/pkg/config"
	"github.com/lyceum-ai/lyceum/pkg/log"
	"github.com/lyceum-ai/lyceum/pkg/types"
)

const (
	iterationsDir = "iterations"
	aggregatesDir = "aggregates"
	archiveDir    = "archive"

	// fileTimestamp keeps filenames lexically ordered by time
	fileTimestamp = "20060102T150405.000000000Z"
)

var iterationDirPattern = regexp.MustCompile(`^iteration_(\d{3,})$`)

// UpdateType distinguishes routine state updates from checkpoints
type UpdateType string

const (
	UpdatePeriodic   UpdateType = "periodic"
	UpdateCheckpoint UpdateType = "checkpoint"
)

// StateUpdate is a point-in-time capture of system state written into the
// active iteration
type StateUpdate struct {
	Timestamp          time.Time      `json:"timestamp"`
	UpdateType         UpdateType     `json:"update_type"`
	WriterID           string         `json:"writer_id,omitempty"`
	SystemStatistics   map[string]any `json:"system_statistics,omitempty"`
	OrchestrationState map[string]any `json:"orchestration_state,omitempty"`
	CheckpointData     map[string]any `json:"checkpoint_data,omitempty"`
}

// AgentOutput is a structured record produced by one agent
type AgentOutput struct {
	Timestamp  time.Time       `json:"timestamp"`
	AgentType  types.AgentType `json:"agent_type"`
	TaskID     string          `json:"task_id,omitempty"`
	OutputType string          `json:"output_type,omitempty"`
	Content    map[string]any  `json:"content"`
}

// StorageResult reports the outcome of a write
type StorageResult struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storage_path,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RetrievedState is the content and provenance of a recovered state file
type RetrievedState struct {
	RequestType string         `json:"request_type"`
	Path        string         `json:"path"`
	Content     map[string]any `json:"content"`
	Update      *StateUpdate   `json:"-"`
}

// DataIntegrity reports whether recovered checkpoint data parsed cleanly
type DataIntegrity struct {
	Valid  bool   `json:"valid"`
	Detail string `json:"detail,omitempty"`
}

// RecoveryState is what a checkpoint yields on recovery
type RecoveryState struct {
	CheckpointID        string         `json:"checkpoint_id"`
	ActiveTasks         []string       `json:"active_tasks"`
	SystemConfiguration map[string]any `json:"system_configuration"`
	CheckpointData      map[string]any `json:"checkpoint_data"`
	DataIntegrity       DataIntegrity  `json:"data_integrity"`
}

// IterationInfo describes one iteration directory
type IterationInfo struct {
	Number  int            `json:"number"`
	Status  string         `json:"status"` // active | completed
	Summary map[string]any `json:"summary,omitempty"`
}

// ContextMemory is the iteration-scoped, versioned store for supervisor
// state, agent outputs, aggregates and checkpoints. Files under the root
// directory are the source of truth; a bbolt catalog indexes them for fast
// "latest" queries and restart recovery of the component index.
type ContextMemory struct {
	config  config.MemoryConfig
	logger  zerolog.Logger
	catalog *catalog

	mu               sync.Mutex
	currentIteration int
	componentIndex   map[types.AgentType][]string
	usedBytes        int64
}

// New creates a context memory rooted at the configured directory
func New(cfg config.MemoryConfig) (*ContextMemory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ContextMemory{
		config:         cfg,
		logger:         log.WithComponent("memory"),
		componentIndex: make(map[types.AgentType][]string),
	}, nil
}

// Initialize creates the directory layout, opens the catalog and rebuilds
// in-memory indexes from a previous run
func (m *ContextMemory) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dir := range []string{
		m.config.RootPath,
		filepath.Join(m.config.RootPath, iterationsDir),
		filepath.Join(m.config.RootPath, aggregatesDir),
		filepath.Join(m.config.RootPath, archiveDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	cat, err := openCatalog(filepath.Join(m.config.RootPath, "catalog.db"))
	if err != nil {
		return fmt.Errorf("failed to open memory catalog: %w", err)
	}
	m.catalog = cat

	m.currentIteration = m.scanLatestIterationLocked()
	index, err := m.catalog.loadComponentIndex()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not rebuild component index from catalog")
	} else {
		m.componentIndex = index
	}
	m.usedBytes = m.measureUsageLocked()

	return nil
}

// Close releases the catalog
func (m *ContextMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalog != nil {
		return m.catalog.close()
	}
	return nil
}

// scanLatestIterationLocked finds the highest numbered iteration directory
func (m *ContextMemory) scanLatestIterationLocked() int {
	entries, err := os.ReadDir(filepath.Join(m.config.RootPath, iterationsDir))
	if err != nil {
		return 0
	}
	latest := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if match := iterationDirPattern.FindStringSubmatch(entry.Name()); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil && n > latest {
				latest = n
			}
		}
	}
	return latest
}

func iterationDirName(n int) string {
	return fmt.Sprintf("iteration_%03d", n)
}

func (m *ContextMemory) iterationPath(n int) string {
	return filepath.Join(m.config.RootPath, iterationsDir, iterationDirName(n))
}

// StartNewIteration opens the next iteration scope. A still-active previous
// iteration is completed with an empty summary first.
func (m *ContextMemory) StartNewIteration() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentIteration > 0 {
		if status, _ := m.iterationStatusLocked(m.currentIteration); status == "active" {
			if err := m.completeIterationLocked(m.currentIteration, map[string]any{}); err != nil {
				return 0, err
			}
		}
	}

	next := m.currentIteration + 1
	if err := os.MkdirAll(m.iterationPath(next), 0755); err != nil {
		return 0, fmt.Errorf("failed to create iteration directory: %w", err)
	}
	if err := m.catalog.putIterationStatus(next, "active"); err != nil {
		return 0, err
	}
	m.currentIteration = next

	m.logger.Info().Int("iteration", next).Msg("Started new iteration")
	return next, nil
}

// CompleteIteration marks an iteration complete and records its summary
func (m *ContextMemory) CompleteIteration(n int, summary map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeIterationLocked(n, summary)
}

func (m *ContextMemory) completeIterationLocked(n int, summary map[string]any) error {
	if _, err := os.Stat(m.iterationPath(n)); err != nil {
		return fmt.Errorf("%w: iteration %d", types.ErrNotFound, n)
	}

	marker := map[string]any{
		"iteration":    n,
		"status":       "completed",
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"summary":      summary,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise iteration summary: %w", err)
	}
	path := filepath.Join(m.iterationPath(n), "iteration_summary.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write iteration summary: %w", err)
	}
	m.usedBytes += int64(len(data))

	if err := m.catalog.putIterationStatus(n, "completed"); err != nil {
		return err
	}
	m.logger.Info().Int("iteration", n).Msg("Iteration completed")
	return nil
}

// GetIterationInfo returns an iteration's status and completion summary
func (m *ContextMemory) GetIterationInfo(n int) (*IterationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, err := m.iterationStatusLocked(n)
	if err != nil {
		return nil, err
	}

	info := &IterationInfo{Number: n, Status: status}
	summaryPath := filepath.Join(m.iterationPath(n), "iteration_summary.json")
	if data, err := os.ReadFile(summaryPath); err == nil {
		var marker struct {
			Summary map[string]any `json:"summary"`
		}
		if json.Unmarshal(data, &marker) == nil {
			info.Summary = marker.Summary
		}
	}
	return info, nil
}

// CurrentIteration returns the active iteration number, 0 when none started
func (m *ContextMemory) CurrentIteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentIteration
}

func (m *ContextMemory) iterationStatusLocked(n int) (string, error) {
	if _, err := os.Stat(m.iterationPath(n)); err != nil {
		return "", fmt.Errorf("%w: iteration %d", types.ErrNotFound, n)
	}
	if status, err := m.catalog.iterationStatus(n); err == nil && status != "" {
		return status, nil
	}
	// Fall back to the completion marker on disk
	if _, err := os.Stat(filepath.Join(m.iterationPath(n), "iteration_summary.json")); err == nil {
		return "completed", nil
	}
	return "active", nil
}

// ensureIterationLocked lazily opens iteration 1 for callers that write
// before explicitly starting one
func (m *ContextMemory) ensureIterationLocked() (int, error) {
	if m.currentIteration > 0 {
		return m.currentIteration, nil
	}
	if err := os.MkdirAll(m.iterationPath(1), 0755); err != nil {
		return 0, fmt.Errorf("failed to create iteration directory: %w", err)
	}
	if err := m.catalog.putIterationStatus(1, "active"); err != nil {
		return 0, err
	}
	m.currentIteration = 1
	return 1, nil
}

// StoreStateUpdate writes a state update into the active iteration. Writers
// colliding on the same timestamp all succeed: the writer id is part of the
// filename, so no write overwrites another.
func (m *ContextMemory) StoreStateUpdate(update StateUpdate) (StorageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iteration, err := m.ensureIterationLocked()
	if err != nil {
		return StorageResult{}, err
	}

	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	if update.UpdateType == "" {
		update.UpdateType = UpdatePeriodic
	}
	writer := update.WriterID
	if writer == "" {
		writer = "system"
	}

	name := fmt.Sprintf("system_state_%s_%s.json", update.Timestamp.UTC().Format(fileTimestamp), sanitize(writer))
	path := filepath.Join(m.iterationPath(iteration), name)

	data, err := json.MarshalIndent(update, "", "  ")
	if err != nil {
		return StorageResult{}, fmt.Errorf("failed to serialise state update: %w", err)
	}

	if result, ok := m.checkCapacityLocked(len(data)); !ok {
		return result, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return StorageResult{}, fmt.Errorf("failed to write state update: %w", err)
	}
	m.usedBytes += int64(len(data))

	if err := m.catalog.putStateUpdate(update.Timestamp, path); err != nil {
		m.logger.Warn().Err(err).Msg("Could not index state update")
	}

	return StorageResult{Success: true, StoragePath: path}, nil
}

// RetrieveState returns a stored state by request type. Only "latest" is
// currently supported.
func (m *ContextMemory) RetrieveState(request string) (*RetrievedState, error) {
	if request != "latest" {
		return nil, fmt.Errorf("%w: unsupported state request %q", types.ErrInvalidArgument, request)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.catalog.latestStateUpdate()
	if err != nil || path == "" {
		path = m.scanLatestStateFileLocked()
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no state updates stored", types.ErrNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var update StateUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &RetrievedState{
		RequestType: request,
		Path:        path,
		Content: map[string]any{
			"statistics":   update.SystemStatistics,
			"system_state": update.OrchestrationState,
		},
		Update: &update,
	}, nil
}

// scanLatestStateFileLocked walks all iterations for the lexically greatest
// state filename; filenames embed a sortable timestamp
func (m *ContextMemory) scanLatestStateFileLocked() string {
	root := filepath.Join(m.config.RootPath, iterationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	latest := ""
	for _, entry := range entries {
		if !entry.IsDir() || !iterationDirPattern.MatchString(entry.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			name := file.Name()
			if len(name) > 13 && name[:13] == "system_state_" {
				full := filepath.Join(root, entry.Name(), name)
				if latest == "" || name > filepath.Base(latest) {
					latest = full
				}
			}
		}
	}
	return latest
}

// StoreAgentOutput writes an agent's structured output under the active
// iteration and updates the component index
func (m *ContextMemory) StoreAgentOutput(output AgentOutput) (StorageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iteration, err := m.ensureIterationLocked()
	if err != nil {
		return StorageResult{}, err
	}

	if output.Timestamp.IsZero() {
		output.Timestamp = time.Now().UTC()
	}
	name := fmt.Sprintf("agent_output_%s_%s.json", output.Timestamp.UTC().Format(fileTimestamp), sanitize(string(output.AgentType)))
	path := filepath.Join(m.iterationPath(iteration), name)

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return StorageResult{}, fmt.Errorf("failed to serialise agent output: %w", err)
	}

	if result, ok := m.checkCapacityLocked(len(data)); !ok {
		return result, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return StorageResult{}, fmt.Errorf("failed to write agent output: %w", err)
	}
	m.usedBytes += int64(len(data))

	m.componentIndex[output.AgentType] = append(m.componentIndex[output.AgentType], path)
	if err := m.catalog.putAgentOutput(output.AgentType, output.Timestamp, path); err != nil {
		m.logger.Warn().Err(err).Msg("Could not index agent output")
	}

	return StorageResult{Success: true, StoragePath: path}, nil
}

// AgentOutputPaths returns the stored output paths for one agent role,
// oldest first
func (m *ContextMemory) AgentOutputPaths(agent types.AgentType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, len(m.componentIndex[agent]))
	copy(paths, m.componentIndex[agent])
	return paths
}

// CollectGarbage removes iteration subdirectories whose names lack a valid
// numeric suffix. Returns the number of directories removed.
func (m *ContextMemory) CollectGarbage() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root := filepath.Join(m.config.RootPath, iterationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("failed to scan iterations: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if iterationDirPattern.MatchString(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			m.logger.Warn().Err(err).Str("dir", entry.Name()).Msg("Could not remove stray directory")
			continue
		}
		removed++
	}

	if removed > 0 {
		m.usedBytes = m.measureUsageLocked()
	}
	return removed, nil
}

// UsedBytes returns the current measured storage footprint
func (m *ContextMemory) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedBytes
}

// checkCapacityLocked soft-fails writes that would exceed the storage cap.
// Existing data is never touched.
func (m *ContextMemory) checkCapacityLocked(incoming int) (StorageResult, bool) {
	if m.config.MaxStorageBytes > 0 && m.usedBytes+int64(incoming) > m.config.MaxStorageBytes {
		m.logger.Warn().
			Int64("used_bytes", m.usedBytes).
			Int64("max_bytes", m.config.MaxStorageBytes).
			Msg("Write rejected, storage capacity exceeded")
		return StorageResult{Success: false, Reason: types.ErrStorageFull.Error()}, false
	}
	return StorageResult{}, true
}

func (m *ContextMemory) measureUsageLocked() int64 {
	var total int64
	_ = filepath.Walk(m.config.RootPath, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// listIterationNumbersLocked returns all iteration numbers on disk, ascending
func (m *ContextMemory) listIterationNumbersLocked() []int {
	entries, err := os.ReadDir(filepath.Join(m.config.RootPath, iterationsDir))
	if err != nil {
		return nil
	}
	var numbers []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if match := iterationDirPattern.FindStringSubmatch(entry.Name()); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				numbers = append(numbers, n)
			}
		}
	}
	sort.Ints(numbers)
	return numbers
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafeFilename.ReplaceAllString(s, "-")
}
