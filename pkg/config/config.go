package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lyceum-ai/lyceum/pkg/types"
)

// RetryPolicy controls task retry behaviour and dead-lettering
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	SendToDLQ   bool          `yaml:"send_to_dlq"`
}

// QueueConfig configures the task queue and its background monitors
type QueueConfig struct {
	MaxQueueSize   int            `yaml:"max_queue_size"`
	PriorityQuotas map[string]int `yaml:"priority_quotas"`

	WorkerTimeout          time.Duration `yaml:"worker_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	AcknowledgmentTimeout  time.Duration `yaml:"acknowledgment_timeout"`

	OverflowStrategy string `yaml:"overflow_strategy"`

	StarvationThreshold   time.Duration `yaml:"starvation_threshold"`
	PriorityBoostInterval time.Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount   float64       `yaml:"priority_boost_amount"`

	RetryPolicy RetryPolicy `yaml:"retry_policy"`

	PersistencePath      string        `yaml:"persistence_path"`
	PersistenceInterval  time.Duration `yaml:"persistence_interval"`
	AutoRecovery         bool          `yaml:"auto_recovery"`
	AutoStartPersistence bool          `yaml:"auto_start_persistence"`
	AutoStartMonitoring  bool          `yaml:"auto_start_monitoring"`
}

// OverflowDisplaceOldest is the only overflow strategy currently implemented:
// displace the oldest task from the lowest non-empty band below the incoming priority.
const OverflowDisplaceOldest = "displace_oldest_low_priority"

// DefaultQueueConfig returns the queue configuration defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxQueueSize: 10000,
		PriorityQuotas: map[string]int{
			"high":   1000,
			"medium": 5000,
			"low":    4000,
		},
		WorkerTimeout:          300 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		HeartbeatCheckInterval: 15 * time.Second,
		AcknowledgmentTimeout:  5 * time.Second,
		OverflowStrategy:       OverflowDisplaceOldest,
		StarvationThreshold:    time.Hour,
		PriorityBoostInterval:  60 * time.Second,
		PriorityBoostAmount:    0.1,
		RetryPolicy: RetryPolicy{
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
			BackoffMax:  300 * time.Second,
			SendToDLQ:   true,
		},
		PersistenceInterval: 60 * time.Second,
	}
}

// Validate checks the queue configuration for consistency
func (c *QueueConfig) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: max_queue_size must be positive", types.ErrInvalidArgument)
	}

	required := []string{"high", "medium", "low"}
	if len(c.PriorityQuotas) != len(required) {
		return fmt.Errorf("%w: priority quotas must cover exactly high, medium, low", types.ErrInvalidArgument)
	}
	sum := 0
	for _, name := range required {
		quota, ok := c.PriorityQuotas[name]
		if !ok {
			return fmt.Errorf("%w: missing priority quota for %q", types.ErrInvalidArgument, name)
		}
		sum += quota
	}
	if sum > c.MaxQueueSize {
		return fmt.Errorf("%w: priority quota sum %d exceeds max_queue_size %d", types.ErrInvalidArgument, sum, c.MaxQueueSize)
	}

	if c.RetryPolicy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry max_attempts must be positive", types.ErrInvalidArgument)
	}
	return nil
}

// QuotaFor returns the band quota for a numeric priority
func (c *QueueConfig) QuotaFor(priority int) int {
	return c.PriorityQuotas[types.PriorityName(priority)]
}

// MemoryConfig configures the context-memory store
type MemoryConfig struct {
	RootPath        string        `yaml:"root_path"`
	RetentionDays   int           `yaml:"retention_days"`
	MaxStorageBytes int64         `yaml:"max_storage_bytes"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
}

// DefaultMemoryConfig returns the context-memory defaults
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		RootPath:        "lyceum-memory",
		RetentionDays:   30,
		MaxStorageBytes: 0, // unlimited
		ArchiveInterval: 24 * time.Hour,
	}
}

// Validate checks the memory configuration
func (c *MemoryConfig) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("%w: memory root_path is required", types.ErrInvalidArgument)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days cannot be negative", types.ErrInvalidArgument)
	}
	return nil
}

// SupervisorConfig configures the supervisor loop and resource budgets
type SupervisorConfig struct {
	AgentWeights map[string]float64 `yaml:"agent_weights"`

	ComputeBudget  float64       `yaml:"compute_budget"`
	MemoryBudgetMB int           `yaml:"memory_budget_mb"`
	TimeLimit      time.Duration `yaml:"time_limit"`

	BatchSize         int           `yaml:"batch_size"`
	IterationInterval time.Duration `yaml:"iteration_interval"`
}

// DefaultSupervisorConfig returns the supervisor defaults
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		AgentWeights: map[string]float64{
			"generation":  0.3,
			"reflection":  0.2,
			"ranking":     0.15,
			"evolution":   0.15,
			"proximity":   0.1,
			"meta_review": 0.1,
		},
		ComputeBudget:     1000.0,
		MemoryBudgetMB:    4096,
		TimeLimit:         24 * time.Hour,
		BatchSize:         5,
		IterationInterval: 30 * time.Second,
	}
}

// Validate checks the supervisor configuration
func (c *SupervisorConfig) Validate() error {
	total := 0.0
	for _, w := range c.AgentWeights {
		if w < 0 {
			return fmt.Errorf("%w: agent weights cannot be negative", types.ErrInvalidArgument)
		}
		total += w
	}
	if total < 0.999 || total > 1.001 {
		return fmt.Errorf("%w: agent weights must sum to 1.0, got %.3f", types.ErrInvalidArgument, total)
	}
	if c.ComputeBudget <= 0 {
		return fmt.Errorf("%w: compute_budget must be positive", types.ErrInvalidArgument)
	}
	return nil
}

// Config is the root configuration for the lyceum binary
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	ListenAddr string           `yaml:"listen_addr"`
	Queue      QueueConfig      `yaml:"queue"`
	Memory     MemoryConfig     `yaml:"memory"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// Default returns the full default configuration
func Default() Config {
	return Config{
		LogLevel:   "info",
		ListenAddr: ":9090",
		Queue:      DefaultQueueConfig(),
		Memory:     DefaultMemoryConfig(),
		Supervisor: DefaultSupervisorConfig(),
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the full configuration
func (c *Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory config: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor config: %w", err)
	}
	return nil
}
