package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestQueueConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*QueueConfig)
		valid  bool
	}{
		{name: "defaults", mutate: func(*QueueConfig) {}, valid: true},
		{name: "zero capacity", mutate: func(c *QueueConfig) { c.MaxQueueSize = 0 }},
		{name: "negative capacity", mutate: func(c *QueueConfig) { c.MaxQueueSize = -5 }},
		{name: "missing band", mutate: func(c *QueueConfig) {
			c.PriorityQuotas = map[string]int{"high": 1, "medium": 1}
		}},
		{name: "extra band", mutate: func(c *QueueConfig) {
			c.PriorityQuotas = map[string]int{"high": 1, "medium": 1, "low": 1, "urgent": 1}
		}},
		{name: "quota sum exceeds capacity", mutate: func(c *QueueConfig) {
			c.MaxQueueSize = 5
			c.PriorityQuotas = map[string]int{"high": 3, "medium": 3, "low": 3}
		}},
		{name: "quota sum equals capacity", mutate: func(c *QueueConfig) {
			c.MaxQueueSize = 9
			c.PriorityQuotas = map[string]int{"high": 3, "medium": 3, "low": 3}
		}, valid: true},
		{name: "zero retry attempts", mutate: func(c *QueueConfig) { c.RetryPolicy.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultQueueConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSupervisorConfigValidation(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	require.NoError(t, cfg.Validate())

	cfg.AgentWeights["generation"] = 0.9 // breaks the sum
	assert.Error(t, cfg.Validate())

	cfg = DefaultSupervisorConfig()
	cfg.ComputeBudget = 0
	assert.Error(t, cfg.Validate())
}

func TestMemoryConfigValidation(t *testing.T) {
	cfg := DefaultMemoryConfig()
	require.NoError(t, cfg.Validate())

	cfg.RootPath = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultMemoryConfig()
	cfg.RetentionDays = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lyceum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
queue:
  max_queue_size: 100
  priority_quotas:
    high: 20
    medium: 50
    low: 30
  worker_timeout: 2m
  acknowledgment_timeout: 10s
  retry_policy:
    max_attempts: 5
    send_to_dlq: false
memory:
  root_path: /tmp/lyceum-memory
  retention_days: 7
supervisor:
  compute_budget: 500
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 20, cfg.Queue.PriorityQuotas["high"])
	assert.Equal(t, 2*time.Minute, cfg.Queue.WorkerTimeout)
	assert.Equal(t, 10*time.Second, cfg.Queue.AcknowledgmentTimeout)
	assert.Equal(t, 5, cfg.Queue.RetryPolicy.MaxAttempts)
	assert.False(t, cfg.Queue.RetryPolicy.SendToDLQ)
	assert.Equal(t, 7, cfg.Memory.RetentionDays)
	assert.Equal(t, 500.0, cfg.Supervisor.ComputeBudget)
	// Untouched sections keep defaults
	assert.Equal(t, DefaultSupervisorConfig().AgentWeights, cfg.Supervisor.AgentWeights)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_queue_size: -1\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
