package queue

import "orchestrator/internal/task"

// transitionTable enumerates the legal status edges. Every Queue method that
// changes a task's status through Store.Update consults it first; an edge
// absent here is a programming error, not a runtime condition that gets
// silently swallowed. Store.ClaimNext (to processing) and
// Store.ReclaimOrphans (processing to retry_scheduled) apply their edges
// inside the Store without consulting this table.
var transitionTable = map[task.Status]map[task.Status]bool{
	task.StatusPending: {
		task.StatusProcessing: true,
		task.StatusCancelled:  true,
	},
	task.StatusRetryScheduled: {
		task.StatusProcessing: true,
		task.StatusCancelled:  true,
	},
	task.StatusProcessing: {
		task.StatusCompleted:      true,
		task.StatusRetryScheduled: true,
		task.StatusFailed:         true,
		task.StatusDead:          true,
		task.StatusCancelled:     true,
	},
	task.StatusDead: {
		// retry_from_dlq
		task.StatusPending: true,
		// skip_dlq
		task.StatusCompleted: true,
	},
}

// transition validates that moving a task from `from` to `to` is a legal
// edge, returning *InvalidTransitionError otherwise.
func transition(from, to task.Status) error {
	if edges, ok := transitionTable[from]; ok && edges[to] {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}
