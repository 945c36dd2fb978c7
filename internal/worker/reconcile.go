package worker

import (
	"context"

	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/queue"
	"github.com/taskflowhq/orchestrator/internal/task"
)

// Reconcile implements the §5 startup reconciliation pass: every task the
// Task Store still considers `running` is cross-referenced against the
// Priority Queue's in-flight leases. A `running` task with no live lease
// means its worker died (or its lease TTL simply outran a slow run)
// without ack/nack ever firing; Reconcile requeues it (if attempts remain)
// or fails it out, playing the same role the teacher's janitorSweep played
// for missed webhooks, but for missed leases.
func Reconcile(ctx context.Context, store *task.Store, q *queue.Queue, log logging.Logger) error {
	var cursor *task.Cursor
	const pageSize = 100

	for {
		tasks, err := store.List(ctx, task.ListFilter{Status: task.StatusRunning}, cursor, pageSize)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		for _, t := range tasks {
			reconcileOne(ctx, store, q, log, t)
		}

		last := tasks[len(tasks)-1]
		cursor = &task.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(tasks) < pageSize {
			return nil
		}
	}
}

func reconcileOne(ctx context.Context, store *task.Store, q *queue.Queue, log logging.Logger, t *task.Task) {
	inFlight, err := q.IsInFlight(ctx, t.ID)
	if err != nil {
		log.LogWarn("reconciliation: failed to check in-flight state", "task_id", t.ID, "error", err)
		return
	}
	if inFlight {
		return // a worker still holds a live lease; nothing to do
	}

	log.LogInfo("reconciliation: found running task with no live lease", "task_id", t.ID)

	if err := q.Requeue(ctx, t.ID, t.Priority); err != nil {
		log.LogError("reconciliation: failed to requeue orphaned task", "task_id", t.ID, "error", err)
		return
	}

	if err := store.Transition(ctx, t.ID, task.StatusRunning, task.StatusQueued, task.Patch{}); err != nil {
		// CAS failure here means the task moved on its own (finished or was
		// cancelled) between the List snapshot and now; the just-pushed
		// queue entry will CAS-fail at dequeue time and get ack'd away as a
		// duplicate, so no further action is needed.
		log.LogDebug("reconciliation: transition back to queued did not apply", "task_id", t.ID, "error", err)
	}
}
