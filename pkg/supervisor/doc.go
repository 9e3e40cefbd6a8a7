/*
Package supervisor implements the orchestration brain of Lyceum.

The supervisor decides which agent role works next by weighted random
sampling, synthesises role-specific tasks from its view of research
progress, enqueues them, and accounts for a finite compute/memory budget.
Per-role effectiveness scores are folded in with an exponential moving
average and bias the weight vector over time, so productive roles get
sampled more often.

Each orchestration iteration distributes a batch of tasks, updates
effectiveness and weights, records aggregate statistics and a checkpoint
(including a full queue snapshot) in context memory, then evaluates
termination: goal achieved, resource exhaustion and time limit are
critical; quality threshold and convergence contribute to the reported
termination probability only.

All supervisor bookkeeping is process-local and re-derivable from the
queue and context memory.
*/
package supervisor
