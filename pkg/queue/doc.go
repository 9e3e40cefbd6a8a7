/*
Package queue implements the priority task queue at the heart of Lyceum's
agent orchestration: three FIFO priority bands with worker leases,
capability matching, retry policy, a dead-letter queue, overflow
displacement, starvation boosting and durable snapshots.

# Architecture

	┌───────────────────────── TASK QUEUE ─────────────────────────┐
	│                                                               │
	│   Enqueue ──▶ ┌──────────┐                                    │
	│               │ high  ▣▣ │   effective priority =             │
	│               │ medium ▣▣▣│   priority + starvation boost     │
	│               │ low   ▣  │                                    │
	│               └────┬─────┘                                    │
	│                    │ Dequeue(worker)                          │
	│                    ▼                                          │
	│        ┌──────────────────────┐      ┌────────────────────┐  │
	│        │ Assignment (lease)    │      │ Worker registry    │  │
	│        │  deadline, ack window │◀────▶│ idle/active/failed │  │
	│        └────┬──────────┬──────┘      └────────────────────┘  │
	│             │          │                                      │
	│        Complete      Fail ──▶ retry (band tail)               │
	│                        └────▶ DLQ (exhausted / non-retryable) │
	│                                                               │
	│   Background: heartbeat monitor, ack-timeout monitor,         │
	│               autosave snapshots                              │
	└───────────────────────────────────────────────────────────────┘

# Concurrency

Every mutation of queue, worker and assignment state happens under a single
mutex. The mutex guards fast in-memory work only; snapshot I/O is performed
on a copy taken under the lock. Background monitors are goroutines that wake
on a ticker, take the lock, scan, mutate and release. Errors inside a
monitor tick are logged and never stop the loop.

# Lifecycle

A task is pending in exactly one band until a capable worker dequeues it.
The dequeue creates an Assignment with a hard lease deadline and a shorter
acknowledgement window. Missing the ack window returns the task to the tail
of its band; worker death (heartbeat timeout or lease expiry) returns it to
the head with a worker_failure record. Failures retry until the configured
attempt budget is spent, then dead-letter. DLQ tasks re-enter only through
explicit replay.

# Persistence

ExportState/ImportState round-trip the complete observable state through a
versioned JSON document; SaveState/LoadState do the same through an atomic
temp-file-and-rename on disk. Missing snapshot files are benign, corrupt
ones log and start empty, incompatible major versions fail loudly.
*/
package queue
