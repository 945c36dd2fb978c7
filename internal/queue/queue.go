// Package queue implements the Priority Queue (§4.4): an ordered, blocking
// hand-off from ingress to workers with at-least-once ack semantics,
// backed by Redis sorted sets.
//
// One sorted set per priority band holds entries scored by enqueue time,
// so FIFO-within-priority falls out of ZPOPMIN directly — band membership
// gives the coarse (cross-priority) ordering the spec's
// "priority*2^41 + enqueue-time-ms" packing was reaching for, without
// needing 64-bit score arithmetic. This resolution is recorded in
// DESIGN.md.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/pkg/errors"
)

const (
	bandKeyPrefix   = "taskflow:queue:band:"
	inflightKey     = "taskflow:queue:inflight"
	deadletterKey   = "taskflow:queue:deadletter"
	attemptsKeyFmt  = "taskflow:queue:attempts:%s"
)

// Entry is a QueueEntry (§3): a reference into the queue, not the Task
// itself.
type Entry struct {
	TaskID     string    `json:"task_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// Queue is the Priority Queue component.
type Queue struct {
	rdb          *redis.Client
	leaseTTL     time.Duration
	maxAttempts  int
}

// New constructs a Queue bound to rdb, with the given default lease window
// and max-attempts-before-dead-letter.
func New(rdb *redis.Client, leaseTTL time.Duration, maxAttempts int) *Queue {
	return &Queue{rdb: rdb, leaseTTL: leaseTTL, maxAttempts: maxAttempts}
}

func bandKey(priority int) string {
	return fmt.Sprintf("%s%d", bandKeyPrefix, priority)
}

// Enqueue adds a QueueEntry for taskID into its priority band, scored by
// enqueue time so ZPOPMIN within the band returns FIFO order.
func (q *Queue) Enqueue(ctx context.Context, taskID string, priority int) error {
	entry := Entry{TaskID: taskID, Priority: priority, EnqueuedAt: time.Now().UTC()}
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal queue entry")
	}
	score := float64(entry.EnqueuedAt.UnixNano())
	if err := q.rdb.ZAdd(ctx, bandKey(priority), redis.Z{Score: score, Member: b}).Err(); err != nil {
		return errors.Wrap(err, "failed to enqueue task")
	}
	return nil
}

// Size returns the total number of live entries across every priority band.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	bands, err := q.activeBands(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, band := range bands {
		n, err := q.rdb.ZCard(ctx, bandKey(band)).Result()
		if err != nil {
			return 0, errors.Wrap(err, "failed to count queue band")
		}
		total += n
	}
	return total, nil
}

// Peek returns the next entry that would be dequeued, without removing it.
func (q *Queue) Peek(ctx context.Context) (*Entry, error) {
	bands, err := q.activeBands(ctx)
	if err != nil {
		return nil, err
	}
	for _, band := range bands {
		vals, err := q.rdb.ZRangeWithScores(ctx, bandKey(band), 0, 0).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to peek queue band")
		}
		if len(vals) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(vals[0].Member.(string)), &entry); err != nil {
			return nil, errors.Wrap(err, "failed to decode queue entry")
		}
		return &entry, nil
	}
	return nil, nil
}

// activeBands returns the set of priority numbers with a non-empty sorted
// set, ascending (lower numeric priority dequeues first, per §3).
func (q *Queue) activeBands(ctx context.Context) ([]int, error) {
	keys, err := q.rdb.Keys(ctx, bandKeyPrefix+"*").Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list priority bands")
	}
	bands := make([]int, 0, len(keys))
	for _, k := range keys {
		var p int
		if _, err := fmt.Sscanf(k, bandKeyPrefix+"%d", &p); err == nil {
			bands = append(bands, p)
		}
	}
	sort.Ints(bands)
	return bands, nil
}

// Dequeue blocks up to blockTimeout waiting for an entry in the
// highest-priority (lowest-numbered) non-empty band, moves it into the
// in-flight set with a lease TTL, and returns it. Returns (nil, nil) on
// timeout with nothing available — the Worker Loop's "If empty, loop"
// (§4.11 step 1).
func (q *Queue) Dequeue(ctx context.Context, workerID string, blockTimeout time.Duration) (*Entry, error) {
	bands, err := q.activeBands(ctx)
	if err != nil {
		return nil, err
	}
	if len(bands) == 0 {
		// Nothing to watch; still honor blockTimeout so callers get a
		// predictable loop cadence rather than a tight spin.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(blockTimeout):
			return nil, nil
		}
	}

	keys := make([]string, len(bands))
	for i, b := range bands {
		keys[i] = bandKey(b)
	}

	res, err := q.rdb.BZPopMin(ctx, blockTimeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue")
	}

	var entry Entry
	if err := json.Unmarshal([]byte(res.Member.(string)), &entry); err != nil {
		return nil, errors.Wrap(err, "failed to decode dequeued entry")
	}

	if err := q.markInFlight(ctx, workerID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// markInFlight records the lease: a hash entry with a TTL equal to the
// queue's lease window. If it is never ack'd/nack'd, the key expires and
// the startup reconciliation pass (§5) sees the task as having no live
// lease.
func (q *Queue) markInFlight(ctx context.Context, workerID string, entry *Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal in-flight entry")
	}
	key := inflightKey + ":" + entry.TaskID
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{"entry": b, "worker_id": workerID})
	pipe.Expire(ctx, key, q.leaseTTL)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "failed to mark entry in-flight")
}

// Ack removes the in-flight lease for a successfully processed entry.
func (q *Queue) Ack(ctx context.Context, entry *Entry) error {
	key := inflightKey + ":" + entry.TaskID
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "failed to ack entry")
	}
	return nil
}

// NackResult reports what Nack decided to do with the entry.
type NackResult struct {
	Requeued     bool
	DeadLettered bool
	Attempt      int
}

// Nack releases the in-flight lease and either re-enqueues at the head of
// the entry's priority band (score one year before "now", so it sorts
// ahead of fresh arrivals — the one place FIFO-within-priority is
// deliberately perturbed, per §4.4) or, past max-attempts, moves it to the
// dead-letter set.
func (q *Queue) Nack(ctx context.Context, entry *Entry, reason string) (NackResult, error) {
	key := inflightKey + ":" + entry.TaskID
	_ = q.rdb.Del(ctx, key).Err()

	attempt, err := q.rdb.Incr(ctx, fmt.Sprintf(attemptsKeyFmt, entry.TaskID)).Result()
	if err != nil {
		return NackResult{}, errors.Wrap(err, "failed to increment attempt counter")
	}

	if int(attempt) >= q.maxAttempts {
		if err := q.deadLetter(ctx, entry, reason); err != nil {
			return NackResult{}, err
		}
		return NackResult{DeadLettered: true, Attempt: int(attempt)}, nil
	}

	entry.Attempt = int(attempt)
	b, err := json.Marshal(entry)
	if err != nil {
		return NackResult{}, errors.Wrap(err, "failed to marshal requeued entry")
	}
	// Score just under the current minimum clock reading so this entry
	// pops before any entry enqueued from here on, within its band.
	score := float64(time.Now().Add(-365 * 24 * time.Hour).UnixNano())
	if err := q.rdb.ZAdd(ctx, bandKey(entry.Priority), redis.Z{Score: score, Member: b}).Err(); err != nil {
		return NackResult{}, errors.Wrap(err, "failed to requeue entry")
	}
	return NackResult{Requeued: true, Attempt: int(attempt)}, nil
}

func (q *Queue) deadLetter(ctx context.Context, entry *Entry, reason string) error {
	payload := struct {
		Entry
		Reason string `json:"reason"`
	}{Entry: *entry, Reason: reason}
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead-letter entry")
	}
	if err := q.rdb.RPush(ctx, deadletterKey, b).Err(); err != nil {
		return errors.Wrap(err, "failed to push to dead-letter set")
	}
	return nil
}

// IsInFlight reports whether taskID still holds a live lease, i.e. its
// in-flight key has neither expired nor been removed by Ack/Nack. The
// startup reconciliation pass (§5) calls it for each task the Task Store
// lists as `running`.
func (q *Queue) IsInFlight(ctx context.Context, taskID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, inflightKey+":"+taskID).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check in-flight state")
	}
	return n > 0, nil
}

// Requeue re-enqueues a task directly (used by startup reconciliation to
// requeue a task whose worker died, when attempts remain).
func (q *Queue) Requeue(ctx context.Context, taskID string, priority int) error {
	return q.Enqueue(ctx, taskID, priority)
}
