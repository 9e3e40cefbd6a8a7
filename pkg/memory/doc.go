/*
Package memory implements Lyceum's context memory: the iteration-scoped,
versioned store the supervisor uses for system state, agent outputs,
aggregates and checkpoints.

# Layout

	<root>/
	  iterations/iteration_001/
	    system_state_<timestamp>_<writer>.json
	    agent_output_<timestamp>_<agent-type>.json
	    checkpoint_<timestamp>_<writer>.json
	    iteration_summary.json
	  iterations/iteration_002/ ...
	  aggregates/<aggregate-type>/<timestamp>.json
	  archive/iteration_001_<timestamp>.tar.gz
	  catalog.db

Files are the source of truth. catalog.db is a bbolt index over them that
makes "latest" lookups cheap and lets the in-memory component index survive
restarts. Without it, state, aggregate and checkpoint lookups fall back to
scanning the files; the component index is rebuilt only from the catalog.

Concurrent writers colliding on a timestamp all succeed because the writer
id is part of the filename. Iterations older than the retention window are
packed into tar.gz archives; the active iteration is never archived. Writes
that would exceed the configured storage cap soft-fail without touching
existing data.
*/
package memory
