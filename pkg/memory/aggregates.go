package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lyceum-ai/lyceum/pkg/types"
)

// AggregateEntry is one time-stamped record in a named aggregate bucket
type AggregateEntry struct {
	Type      string         `json:"aggregate_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Path      string         `json:"-"`
}

// StoreAggregate appends a record to the named aggregate bucket
// (for example "agent_statistics")
func (m *ContextMemory) StoreAggregate(aggType string, data map[string]any, timestamp time.Time) (StorageResult, error) {
	if aggType == "" {
		return StorageResult{}, fmt.Errorf("%w: aggregate type is required", types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	dir := filepath.Join(m.config.RootPath, aggregatesDir, sanitize(aggType))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return StorageResult{}, fmt.Errorf("failed to create aggregate directory: %w", err)
	}

	entry := AggregateEntry{Type: aggType, Timestamp: timestamp, Data: data}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return StorageResult{}, fmt.Errorf("failed to serialise aggregate: %w", err)
	}

	if result, ok := m.checkCapacityLocked(len(raw)); !ok {
		return result, nil
	}

	path := filepath.Join(dir, timestamp.UTC().Format(fileTimestamp)+".json")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return StorageResult{}, fmt.Errorf("failed to write aggregate: %w", err)
	}
	m.usedBytes += int64(len(raw))

	if err := m.catalog.putAggregate(aggType, timestamp, path); err != nil {
		m.logger.Warn().Err(err).Msg("Could not index aggregate")
	}

	return StorageResult{Success: true, StoragePath: path}, nil
}

// RetrieveLatestAggregate returns the most recent entry in a bucket
func (m *ContextMemory) RetrieveLatestAggregate(aggType string) (*AggregateEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.catalog.latestAggregate(aggType)
	if err != nil || path == "" {
		paths := m.scanAggregateFilesLocked(aggType)
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: aggregate %s", types.ErrNotFound, aggType)
		}
		path = paths[len(paths)-1]
	}
	return readAggregate(path)
}

// RetrieveAggregateRange returns entries with from <= timestamp <= to,
// time-ascending
func (m *ContextMemory) RetrieveAggregateRange(aggType string, from, to time.Time) ([]AggregateEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []AggregateEntry
	for _, path := range m.scanAggregateFilesLocked(aggType) {
		entry, err := readAggregate(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable aggregate entry")
			continue
		}
		if entry.Timestamp.Before(from) || entry.Timestamp.After(to) {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// scanAggregateFilesLocked lists a bucket's files sorted by their embedded
// timestamp (lexical order)
func (m *ContextMemory) scanAggregateFilesLocked(aggType string) []string {
	dir := filepath.Join(m.config.RootPath, aggregatesDir, sanitize(aggType))
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".json" {
			paths = append(paths, filepath.Join(dir, file.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

func readAggregate(path string) (*AggregateEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregate: %w", err)
	}
	var entry AggregateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse aggregate: %w", err)
	}
	entry.Path = path
	return &entry, nil
}
