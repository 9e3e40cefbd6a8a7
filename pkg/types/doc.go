/*
Package types defines the shared data model for the Lyceum orchestration core.

Core types:

  - Task: a unit of agent work with a strict state machine
    (pending → assigned → executing → completed/failed)
  - WorkerInfo: a registered agent worker and its capabilities
  - Assignment: the time-bounded lease a worker holds on a dequeued task
  - FailureRecord / DLQEntry: failure history and dead-letter metadata
  - Error sentinels matched with errors.Is throughout the system

Task priorities are numeric (1=low, 2=medium, 3=high) and map onto the
queue's three FIFO bands. Each task type maps to exactly one agent role;
workers advertise roles through Capabilities.AgentTypes.

All timestamps are UTC. Task serialisation is lossless: ids as canonical
UUID strings, timestamps as RFC 3339 with offset, enums as string tags.
*/
package types
