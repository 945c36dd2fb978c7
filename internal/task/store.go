package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no row matches the given id.
var ErrNotFound = errors.New("task: not found")

// ErrCASFailed is returned by Transition when the current status did not
// match the expected `from` status — a duplicate delivery, a concurrent
// cancel, or a stale worker racing another one.
var ErrCASFailed = errors.New("task: compare-and-swap failed")

// Store is the Task Store (§4.3). Every component holds its own connection
// from a bounded pool; row-level updates use optimistic CAS; no long
// transactions, matching the Shared Resource Policy in §5.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-configured pgxpool.Pool. Callers own the pool's
// lifecycle (Close) since several components may share the process-wide
// pool, matching §5's "each component holds its own connection from a
// bounded pool" over a single shared pool handle.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Schema is the DDL the operator applies at deploy time. Kept here, not run
// automatically, so migrations stay explicit and reviewable — matching the
// teacher's own approach of never mutating server-owned state implicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	installation_id    TEXT NOT NULL,
	provider           TEXT NOT NULL,
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL,
	input_message      TEXT NOT NULL,
	fingerprint        TEXT NOT NULL,
	source             JSONB NOT NULL DEFAULT '{}',
	execution          JSONB NOT NULL DEFAULT '{}',
	result             JSONB NOT NULL DEFAULT '{}',
	attempts           INTEGER NOT NULL DEFAULT 0,
	cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	dequeued_at        TIMESTAMPTZ,
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_installation_fingerprint
	ON tasks (installation_id, fingerprint, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at, id);
`

// Create inserts a new Task row. Callers must already hold a generated id
// (idgen.TaskID()); Create does not assign one.
func (s *Store) Create(ctx context.Context, t *Task) error {
	source, err := json.Marshal(t.Source)
	if err != nil {
		return errors.Wrap(err, "failed to marshal source metadata")
	}
	execution, err := json.Marshal(t.Execution)
	if err != nil {
		return errors.Wrap(err, "failed to marshal execution metadata")
	}
	result, err := json.Marshal(t.Result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, installation_id, provider, status, priority,
			input_message, fingerprint, source, execution, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.InstallationID, string(t.Provider), string(t.Status), t.Priority,
		t.InputMessage, t.Fingerprint, source, execution, result)
	if err != nil {
		return errors.Wrap(err, "failed to insert task")
	}
	return nil
}

// FindByFingerprint implements the idempotent-ingress lookup in §4.3: a
// second normalize that yields the same fingerprint within 24h returns the
// existing task id without enqueueing. Only non-expired (<=24h old) rows
// are considered.
func (s *Store) FindByFingerprint(ctx context.Context, installationID, fingerprint string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM tasks
		WHERE installation_id = $1 AND fingerprint = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`, installationID, fingerprint, time.Now().Add(-24*time.Hour))
	return scanTask(row)
}

// Get retrieves a Task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Transition performs the conditional status change described in §4.3:
// the update only applies if the current status equals `from`; otherwise
// ErrCASFailed is returned so the caller (typically the Worker Loop) can
// ack-and-continue rather than double-process a duplicate delivery.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, patch Patch) error {
	if !CanTransition(from, to) {
		return errors.Errorf("task: illegal transition %s -> %s", from, to)
	}

	args := []any{string(to), id, string(from)}
	setClauses := "status = $1"
	argPos := 4

	if patch.DequeuedAt != nil {
		setClauses += fmtSet("dequeued_at", argPos)
		args = append(args, *patch.DequeuedAt)
		argPos++
	}
	if patch.StartedAt != nil {
		setClauses += fmtSet("started_at", argPos)
		args = append(args, *patch.StartedAt)
		argPos++
	}
	if patch.FinishedAt != nil {
		setClauses += fmtSet("finished_at", argPos)
		args = append(args, *patch.FinishedAt)
		argPos++
	}
	if patch.Execution != nil {
		b, err := json.Marshal(patch.Execution)
		if err != nil {
			return errors.Wrap(err, "failed to marshal execution patch")
		}
		setClauses += fmtSet("execution", argPos)
		args = append(args, b)
		argPos++
	}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return errors.Wrap(err, "failed to marshal result patch")
		}
		setClauses += fmtSet("result", argPos)
		args = append(args, b)
		argPos++
	}
	if to.Terminal() && patch.FinishedAt == nil {
		setClauses += ", finished_at = COALESCE(finished_at, now())"
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET `+setClauses+`
		WHERE id = $2 AND status = $3
	`, args...)
	if err != nil {
		return errors.Wrap(err, "failed to execute transition")
	}
	if tag.RowsAffected() != 1 {
		return ErrCASFailed
	}
	return nil
}

// IncrementAttempts bumps the row's attempt counter and returns the new
// value. The Priority Queue's nack path keeps its own attempt counter in
// Redis and does not call this.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment attempts")
	}
	return attempts, nil
}

// AppendMetrics applies a monotonically-increasing delta to the result's
// token/cost counters (Invariant 4), read-modify-write under a row lock so
// concurrent callers never race each other.
func (s *Store) AppendMetrics(ctx context.Context, id string, delta MetricsDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin metrics transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT result FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		return errors.Wrap(err, "failed to lock task result")
	}
	var result Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return errors.Wrap(err, "failed to decode task result")
		}
	}
	result.InputTokens += delta.InputTokens
	result.OutputTokens += delta.OutputTokens
	result.CostUSD += delta.CostUSD

	b, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal updated result")
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET result = $1 WHERE id = $2`, b, id); err != nil {
		return errors.Wrap(err, "failed to persist updated result")
	}
	return errors.Wrap(tx.Commit(ctx), "failed to commit metrics transaction")
}

// RequestCancel sets the flag a Worker Loop observes at its next await
// point (§5 Cancellation & timeouts).
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET cancel_requested = TRUE WHERE id = $1`, id)
	return errors.Wrap(err, "failed to request cancellation")
}

// ListFilter narrows List to a status and/or installation.
type ListFilter struct {
	Status         Status
	InstallationID string
}

// Cursor is an opaque keyset-pagination cursor over (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// List returns up to limit tasks matching filter, ordered oldest-first,
// resuming after cursor if non-nil — keyset pagination for the read-only
// dashboards mentioned in §1 (the dashboards themselves are out of scope).
func (s *Store) List(ctx context.Context, filter ListFilter, cursor *Cursor, limit int) ([]*Task, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks WHERE TRUE`
	var args []any
	argPos := 1

	if filter.Status != "" {
		query += fmtWhere("status", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.InstallationID != "" {
		query += fmtWhere("installation_id", argPos)
		args = append(args, filter.InstallationID)
		argPos++
	}
	if cursor != nil {
		query += fmtWhereTuple(argPos)
		args = append(args, cursor.CreatedAt, cursor.ID)
		argPos += 2
	}
	query += " ORDER BY created_at, id LIMIT " + limitPlaceholder(argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "error iterating task rows")
}

const selectColumns = `id, installation_id, provider, status, priority, input_message,
	fingerprint, source, execution, result, attempts, cancel_requested,
	created_at, dequeued_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row pgx.Row) (*Task, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTaskRow(row rowScanner) (*Task, error) {
	var t Task
	var provider, status string
	var source, execution, result []byte
	if err := row.Scan(&t.ID, &t.InstallationID, &provider, &status, &t.Priority,
		&t.InputMessage, &t.Fingerprint, &source, &execution, &result,
		&t.Attempts, &t.CancelRequested, &t.CreatedAt, &t.DequeuedAt, &t.StartedAt, &t.FinishedAt); err != nil {
		return nil, errors.Wrap(err, "failed to scan task row")
	}
	t.Provider = Provider(provider)
	t.Status = Status(status)
	if len(source) > 0 {
		if err := json.Unmarshal(source, &t.Source); err != nil {
			return nil, errors.Wrap(err, "failed to decode source metadata")
		}
	}
	if len(execution) > 0 {
		if err := json.Unmarshal(execution, &t.Execution); err != nil {
			return nil, errors.Wrap(err, "failed to decode execution metadata")
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, errors.Wrap(err, "failed to decode result")
		}
	}
	return &t, nil
}
