/*
Package config defines the configuration surface for the Lyceum core.

Three records cover the system: QueueConfig (capacity, band quotas, lease
and heartbeat timing, retry policy, persistence), MemoryConfig (context
memory root, retention, storage cap) and SupervisorConfig (agent weights,
resource budgets, loop cadence). Defaults mirror production settings;
Load reads a YAML file over the defaults and validates at construction.
*/
package config
