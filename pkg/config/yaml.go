package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars into time.Duration: strings use Go duration
// syntax ("30s", "2m"), bare numbers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!int", "!!float":
		var seconds float64
		if err := node.Decode(&seconds); err != nil {
			return fmt.Errorf("invalid duration value on line %d", node.Line)
		}
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	default:
		var text string
		if err := node.Decode(&text); err != nil {
			return fmt.Errorf("invalid duration value on line %d", node.Line)
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// yamlRetryPolicy mirrors RetryPolicy with YAML-friendly durations
type yamlRetryPolicy struct {
	MaxAttempts *int      `yaml:"max_attempts"`
	BackoffBase *Duration `yaml:"backoff_base"`
	BackoffMax  *Duration `yaml:"backoff_max"`
	SendToDLQ   *bool     `yaml:"send_to_dlq"`
}

// UnmarshalYAML overlays YAML values onto the existing policy, so absent
// keys keep their defaults
func (p *RetryPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlRetryPolicy
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxAttempts != nil {
		p.MaxAttempts = *raw.MaxAttempts
	}
	if raw.BackoffBase != nil {
		p.BackoffBase = time.Duration(*raw.BackoffBase)
	}
	if raw.BackoffMax != nil {
		p.BackoffMax = time.Duration(*raw.BackoffMax)
	}
	if raw.SendToDLQ != nil {
		p.SendToDLQ = *raw.SendToDLQ
	}
	return nil
}

// yamlQueueConfig mirrors QueueConfig with YAML-friendly durations
type yamlQueueConfig struct {
	MaxQueueSize   *int           `yaml:"max_queue_size"`
	PriorityQuotas map[string]int `yaml:"priority_quotas"`

	WorkerTimeout          *Duration `yaml:"worker_timeout"`
	HeartbeatInterval      *Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout       *Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval *Duration `yaml:"heartbeat_check_interval"`
	AcknowledgmentTimeout  *Duration `yaml:"acknowledgment_timeout"`

	OverflowStrategy *string `yaml:"overflow_strategy"`

	StarvationThreshold   *Duration `yaml:"starvation_threshold"`
	PriorityBoostInterval *Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount   *float64  `yaml:"priority_boost_amount"`

	RetryPolicy *RetryPolicy `yaml:"retry_policy"`

	PersistencePath      *string   `yaml:"persistence_path"`
	PersistenceInterval  *Duration `yaml:"persistence_interval"`
	AutoRecovery         *bool     `yaml:"auto_recovery"`
	AutoStartPersistence *bool     `yaml:"auto_start_persistence"`
	AutoStartMonitoring  *bool     `yaml:"auto_start_monitoring"`
}

// UnmarshalYAML overlays YAML values onto the existing config
func (c *QueueConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := yamlQueueConfig{RetryPolicy: &c.RetryPolicy}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxQueueSize != nil {
		c.MaxQueueSize = *raw.MaxQueueSize
	}
	if raw.PriorityQuotas != nil {
		c.PriorityQuotas = raw.PriorityQuotas
	}
	setDuration(&c.WorkerTimeout, raw.WorkerTimeout)
	setDuration(&c.HeartbeatInterval, raw.HeartbeatInterval)
	setDuration(&c.HeartbeatTimeout, raw.HeartbeatTimeout)
	setDuration(&c.HeartbeatCheckInterval, raw.HeartbeatCheckInterval)
	setDuration(&c.AcknowledgmentTimeout, raw.AcknowledgmentTimeout)
	if raw.OverflowStrategy != nil {
		c.OverflowStrategy = *raw.OverflowStrategy
	}
	setDuration(&c.StarvationThreshold, raw.StarvationThreshold)
	setDuration(&c.PriorityBoostInterval, raw.PriorityBoostInterval)
	if raw.PriorityBoostAmount != nil {
		c.PriorityBoostAmount = *raw.PriorityBoostAmount
	}
	if raw.PersistencePath != nil {
		c.PersistencePath = *raw.PersistencePath
	}
	setDuration(&c.PersistenceInterval, raw.PersistenceInterval)
	if raw.AutoRecovery != nil {
		c.AutoRecovery = *raw.AutoRecovery
	}
	if raw.AutoStartPersistence != nil {
		c.AutoStartPersistence = *raw.AutoStartPersistence
	}
	if raw.AutoStartMonitoring != nil {
		c.AutoStartMonitoring = *raw.AutoStartMonitoring
	}
	return nil
}

// yamlMemoryConfig mirrors MemoryConfig with YAML-friendly durations
type yamlMemoryConfig struct {
	RootPath        *string   `yaml:"root_path"`
	RetentionDays   *int      `yaml:"retention_days"`
	MaxStorageBytes *int64    `yaml:"max_storage_bytes"`
	ArchiveInterval *Duration `yaml:"archive_interval"`
}

// UnmarshalYAML overlays YAML values onto the existing config
func (c *MemoryConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlMemoryConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.RootPath != nil {
		c.RootPath = *raw.RootPath
	}
	if raw.RetentionDays != nil {
		c.RetentionDays = *raw.RetentionDays
	}
	if raw.MaxStorageBytes != nil {
		c.MaxStorageBytes = *raw.MaxStorageBytes
	}
	setDuration(&c.ArchiveInterval, raw.ArchiveInterval)
	return nil
}

// yamlSupervisorConfig mirrors SupervisorConfig with YAML-friendly durations
type yamlSupervisorConfig struct {
	AgentWeights      map[string]float64 `yaml:"agent_weights"`
	ComputeBudget     *float64           `yaml:"compute_budget"`
	MemoryBudgetMB    *int               `yaml:"memory_budget_mb"`
	TimeLimit         *Duration          `yaml:"time_limit"`
	BatchSize         *int               `yaml:"batch_size"`
	IterationInterval *Duration          `yaml:"iteration_interval"`
}

// UnmarshalYAML overlays YAML values onto the existing config
func (c *SupervisorConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlSupervisorConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.AgentWeights != nil {
		c.AgentWeights = raw.AgentWeights
	}
	if raw.ComputeBudget != nil {
		c.ComputeBudget = *raw.ComputeBudget
	}
	if raw.MemoryBudgetMB != nil {
		c.MemoryBudgetMB = *raw.MemoryBudgetMB
	}
	setDuration(&c.TimeLimit, raw.TimeLimit)
	if raw.BatchSize != nil {
		c.BatchSize = *raw.BatchSize
	}
	setDuration(&c.IterationInterval, raw.IterationInterval)
	return nil
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
