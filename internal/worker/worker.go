// Package worker implements the Worker Loop (§4.11): dequeue, run the CLI
// Driver against a workspace, dispatch the Completion Router, and close
// out the Task Store and Flow Log — plus a startup reconciliation pass
// (§5) that requeues tasks whose lease expired while a worker died mid-run,
// generalizing the teacher's pollAgentStatuses janitor-sweep shape from
// "missed webhook" reconciliation to "missed lease" reconciliation.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/taskflowhq/orchestrator/internal/clidriver"
	"github.com/taskflowhq/orchestrator/internal/completion"
	"github.com/taskflowhq/orchestrator/internal/flowlog"
	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/metrics"
	"github.com/taskflowhq/orchestrator/internal/queue"
	"github.com/taskflowhq/orchestrator/internal/task"
	"github.com/taskflowhq/orchestrator/internal/workspace"
)

// dequeueBlockTimeout bounds how long one loop iteration waits on an empty
// queue before re-checking for shutdown, per §4.11 step 1.
const dequeueBlockTimeout = 30 * time.Second

// Config bundles the Worker Loop's dependencies.
type Config struct {
	WorkerID      string
	Store         *task.Store
	Queue         *queue.Queue
	Workspace     *workspace.Manager
	Driver        *clidriver.Driver
	Router        *completion.Router
	FlowLogs      *flowlog.Registry
	Log           logging.Logger
	CompletionSvc string // Service Gateway target name used to post completions
	TaskDeadline  time.Duration

	// AccessTokens looks up the per-installation credential read by
	// installation id (§3 Installation.access token); token acquisition
	// and storage themselves are out of scope, the core only reads by
	// id. CloneHost is the git host every clone URL is built against
	// (github.com when empty).
	AccessTokens map[string]string
	CloneHost    string
}

// Worker runs the steady-state loop described in §4.11.
type Worker struct {
	cfg Config
	log logging.Logger
}

// New constructs a Worker.
func New(cfg Config) *Worker {
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = 30 * time.Minute
	}
	return &Worker{cfg: cfg, log: logging.With(cfg.Log, "worker_id", cfg.WorkerID)}
}

// Run loops until ctx is cancelled. Each iteration is §4.11 steps 1-8.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := w.cfg.Queue.Dequeue(ctx, w.cfg.WorkerID, dequeueBlockTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.LogError("dequeue failed", "error", err)
			continue
		}
		if entry == nil {
			continue // empty queue, loop (§4.11 step 1)
		}

		w.processEntry(ctx, entry)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry *queue.Entry) {
	log := logging.ForTask(w.log, entry.TaskID)

	defer func() {
		if r := recover(); r != nil {
			log.LogError("worker panic while processing task", "panic", r)
			if _, nackErr := w.cfg.Queue.Nack(ctx, entry, "panic"); nackErr != nil {
				log.LogError("failed to nack after panic", "error", nackErr)
			}
		}
	}()

	now := time.Now()
	if err := w.cfg.Store.Transition(ctx, entry.TaskID, task.StatusQueued, task.StatusRunning, task.Patch{DequeuedAt: &now, StartedAt: &now}); err != nil {
		if errors.Is(err, task.ErrCASFailed) {
			// Duplicate delivery or the task was cancelled before we got to
			// it: ack and move on, never double-process.
			log.LogInfo("transition CAS failed, dropping duplicate or cancelled entry")
			_ = w.cfg.Queue.Ack(ctx, entry)
			return
		}
		log.LogError("failed to transition task to running", "error", err)
		w.nack(ctx, entry, log, "transition-failed")
		return
	}
	log.LogInfo("dequeued")
	w.logQueue(entry.TaskID, "dequeued", map[string]any{"attempt": entry.Attempt})

	t, err := w.cfg.Store.Get(ctx, entry.TaskID)
	if err != nil {
		log.LogError("failed to load task after transition", "error", err)
		w.nack(ctx, entry, log, "load-failed")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskDeadline)
	defer cancel()
	go w.watchCancellation(runCtx, cancel, t.ID)

	workDir, err := w.acquireWorkspace(runCtx, t)
	if err != nil {
		log.LogError("workspace acquisition failed", "error", err)
		w.fail(ctx, t, entry, "workspace-failed", err.Error())
		return
	}
	if workDir != "" {
		defer func() {
			if releaseErr := w.cfg.Workspace.Release(workDir); releaseErr != nil {
				log.LogWarn("failed to release workspace", "error", releaseErr)
			}
		}()
	}

	cliResult := w.runCLI(runCtx, t, workDir)

	if cliResult.inputTokens != 0 || cliResult.outputTokens != 0 || cliResult.costUSD != 0 {
		delta := task.MetricsDelta{
			InputTokens:  cliResult.inputTokens,
			OutputTokens: cliResult.outputTokens,
			CostUSD:      cliResult.costUSD,
		}
		if err := w.cfg.Store.AppendMetrics(ctx, t.ID, delta); err != nil {
			log.LogWarn("failed to append cli metrics", "error", err)
		}
	}

	model := cliResult.model
	if model == "" {
		model = t.Execution.Model
	}

	result := task.Result{
		OutputText:   cliResult.outputText,
		ErrorText:    cliResult.errorText,
		Model:        model,
		InputTokens:  cliResult.inputTokens,
		OutputTokens: cliResult.outputTokens,
		CostUSD:      cliResult.costUSD,
	}

	finalStatus, reason := terminalStatusFor(cliResult.state)
	result.Reason = reason

	if w.cfg.Router != nil {
		artifact := completion.Route(&task.Task{
			ID: t.ID, Provider: t.Provider, Status: finalStatus,
			Source: t.Source, Result: result,
		})
		posted, dispatchErr := w.cfg.Router.Dispatch(ctx, t.InstallationID, w.cfg.CompletionSvc, artifact)
		switch {
		case dispatchErr != nil:
			log.LogWarn("completion dispatch failed", "error", dispatchErr)
			result.PostStatus = "failed"
		case posted:
			result.PostStatus = "posted"
		}
	}

	finishedAt := time.Now()
	if err := w.cfg.Store.Transition(ctx, t.ID, task.StatusRunning, finalStatus, task.Patch{
		Result: &result, FinishedAt: &finishedAt,
	}); err != nil && !errors.Is(err, task.ErrCASFailed) {
		log.LogError("failed to transition task to terminal status", "error", err)
	}

	w.writeFinalResult(t.ID, finalStatus, result, cliResult)
	metrics.CLIDriverDurationSeconds.WithLabelValues(string(finalStatus), string(t.Provider)).Observe(cliResult.duration.Seconds())

	// §4.11 step 8: ack once the task completed or was cancelled; a failed
	// outcome is nacked with its reason, which counts an attempt against
	// the queue's max-attempts.
	if shouldAckOnTerminal(finalStatus) {
		if err := w.cfg.Queue.Ack(ctx, entry); err != nil {
			log.LogWarn("failed to ack terminal entry", "status", finalStatus, "error", err)
		}
	} else {
		w.nack(ctx, entry, log, result.Reason)
	}

	if w.cfg.FlowLogs != nil {
		w.cfg.FlowLogs.Close(t.ID)
	}
}

func (w *Worker) acquireWorkspace(ctx context.Context, t *task.Task) (string, error) {
	if t.Source.RepositoryFullName == "" || w.cfg.Workspace == nil {
		return "", nil // event doesn't imply a repo (§4.11 step 4 "if the event implies a repo")
	}
	return w.cfg.Workspace.Acquire(ctx, workspace.AcquireOptions{
		InstallationID: t.InstallationID,
		Repo:           t.Source.RepositoryFullName,
		TaskID:         t.ID,
		TargetRef:      t.Source.Ref,
		CloneURL:       w.cloneURL(t.Source.RepositoryFullName),
		AccessToken:    w.cfg.AccessTokens[t.InstallationID],
	})
}

// cloneURL builds the https clone URL for repo against the configured
// code-forge host; the access token travels separately through the
// askpass helper rather than embedded in the URL.
func (w *Worker) cloneURL(repo string) string {
	host := w.cfg.CloneHost
	if host == "" {
		host = "github.com"
	}
	return "https://" + host + "/" + repo + ".git"
}

type cliOutcome struct {
	state        clidriver.State
	outputText   string
	errorText    string
	model        string
	costUSD      float64
	inputTokens  int64
	outputTokens int64
	duration     time.Duration
}

// shouldAckOnTerminal reports whether reaching status should ack the queue
// entry. Completed and cancelled are both outcomes the system reached on
// purpose and already hold as the task's terminal status in the store;
// requeuing either would just make the queue retry work that is already
// done. Only failed (timeout, cli-error, transition/workspace failures)
// requeues, up to the queue's max-attempts before dead-lettering.
func shouldAckOnTerminal(status task.Status) bool {
	return status == task.StatusCompleted || status == task.StatusCancelled
}

// terminalStatusFor maps a CLI Driver terminal state to the Task status and
// result reason the Worker Loop records, per §4.11 step 7.
func terminalStatusFor(state clidriver.State) (task.Status, string) {
	switch state {
	case clidriver.StateEndedOK:
		return task.StatusCompleted, ""
	case clidriver.StateTimedOut:
		return task.StatusFailed, "timeout"
	case clidriver.StateCancelled:
		return task.StatusCancelled, "cancelled"
	default:
		return task.StatusFailed, "cli-error"
	}
}

func (w *Worker) runCLI(ctx context.Context, t *task.Task, workDir string) cliOutcome {
	result := w.cfg.Driver.Run(ctx, clidriver.RunOptions{
		Prompt:  t.InputMessage,
		WorkDir: workDir,
		Model:   t.Execution.Model,
		OnEvent: func(e clidriver.Event) {
			w.logAgentOutput(t.ID, string(e.Type), e)
		},
	})

	errorText := ""
	if result.Err != nil {
		errorText = result.Err.Error()
	}
	if result.StderrTail != "" && errorText == "" && result.State != clidriver.StateEndedOK {
		errorText = result.StderrTail
	}

	return cliOutcome{
		state:        result.State,
		outputText:   result.OutputText,
		errorText:    errorText,
		model:        result.Model,
		costUSD:      result.CostUSD,
		inputTokens:  result.InputTokens,
		outputTokens: result.OutputTokens,
		duration:     result.Duration,
	}
}

func (w *Worker) watchCancellation(ctx context.Context, cancel context.CancelFunc, taskID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := w.cfg.Store.Get(ctx, taskID)
			if err != nil {
				continue
			}
			if t.CancelRequested {
				cancel()
				return
			}
		}
	}
}

func (w *Worker) fail(ctx context.Context, t *task.Task, entry *queue.Entry, reason, detail string) {
	result := task.Result{Reason: reason, ErrorText: detail}
	finishedAt := time.Now()
	if err := w.cfg.Store.Transition(ctx, t.ID, task.StatusRunning, task.StatusFailed, task.Patch{
		Result: &result, FinishedAt: &finishedAt,
	}); err != nil && !errors.Is(err, task.ErrCASFailed) {
		w.log.LogError("failed to transition failed task", "task_id", t.ID, "error", err)
	}
	w.nack(ctx, entry, logging.ForTask(w.log, t.ID), reason)
}

func (w *Worker) nack(ctx context.Context, entry *queue.Entry, log logging.Logger, reason string) {
	nr, err := w.cfg.Queue.Nack(ctx, entry, reason)
	if err != nil {
		log.LogError("failed to nack entry", "error", err)
		return
	}
	w.logQueue(entry.TaskID, "nack", map[string]any{"reason": reason, "attempt": nr.Attempt, "dead_lettered": nr.DeadLettered})
}

func (w *Worker) logQueue(taskID, stage string, fields map[string]any) {
	if w.cfg.FlowLogs == nil {
		return
	}
	h, err := w.cfg.FlowLogs.Open(taskID)
	if err != nil {
		return
	}
	h.LogQueue(stage, fields)
}

func (w *Worker) logAgentOutput(taskID, stage string, event clidriver.Event) {
	if w.cfg.FlowLogs == nil {
		return
	}
	h, err := w.cfg.FlowLogs.Open(taskID)
	if err != nil {
		return
	}
	line := event.Raw
	if line == "" && len(event.Payload) > 0 {
		line = string(event.Payload)
	}
	h.LogAgentOutput(stage, map[string]any{"line": line})
}

func (w *Worker) writeFinalResult(taskID string, status task.Status, result task.Result, outcome cliOutcome) {
	if w.cfg.FlowLogs == nil {
		return
	}
	h, err := w.cfg.FlowLogs.Open(taskID)
	if err != nil {
		return
	}
	h.WriteFinalResult(map[string]any{
		"status":      status,
		"result":      result,
		"cli_state":   outcome.state,
		"duration_ms": outcome.duration.Milliseconds(),
	})
}
