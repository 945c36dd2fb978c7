// Package task implements the durable unit of work (§3 "Task") and the
// Task Store component (§4.3): create/get/transition/append_metrics/list,
// backed by Postgres with optimistic CAS on status.
package task

import (
	"time"
)

// Status is the Task's lifecycle state. The legal transitions are strictly
// forward: queued -> running -> {completed|failed|cancelled}, with the
// reserved interior state awaiting-approval possible between running and
// a terminal state. A terminal status is immutable.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether status is one from which no further transition
// is legal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the strict forward lifecycle from §3.
var legalTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusAwaitingApproval: true,
		StatusCompleted:        true,
		StatusFailed:           true,
		StatusCancelled:        true,
	},
	StatusAwaitingApproval: {
		StatusRunning:   true, // approval resolved, resume
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return legalTransitions[from][to]
}

// Provider identifies the originating external service kind (§3
// Installation.ServiceKind reused on Task/TaskRequest).
type Provider string

const (
	ProviderCodeForge    Provider = "code-forge"
	ProviderTracker      Provider = "tracker"
	ProviderChat         Provider = "chat"
	ProviderErrorMonitor Provider = "error-monitor"
)

// SourceMetadata is the provider-specific addressing information needed to
// both run the task (repository/ref) and post the Artifact back
// (thread/issue/channel ids). Stored as JSONB.
type SourceMetadata struct {
	RepositoryFullName string `json:"repository_full_name,omitempty"`
	Ref                string `json:"ref,omitempty"` // head ref to clone, blank clones the default branch
	PullOrIssueNumber  int    `json:"pull_or_issue_number,omitempty"`
	ThreadID           string `json:"thread_id,omitempty"`
	ChannelID          string `json:"channel_id,omitempty"`
	CommentID          string `json:"comment_id,omitempty"`
	OrganizationSlug   string `json:"organization_slug,omitempty"`
	ProjectSlug        string `json:"project_slug,omitempty"`
	ActorHandle        string `json:"actor_handle,omitempty"`
}

// ExecutionMetadata captures what the worker decided at dequeue time.
type ExecutionMetadata struct {
	WorkingDir    string `json:"working_dir,omitempty"`
	Model         string `json:"model,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
}

// Result holds the terminal outcome fields.
type Result struct {
	OutputText   string  `json:"output_text,omitempty"`
	ErrorText    string  `json:"error_text,omitempty"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	PostStatus   string  `json:"post_status,omitempty"` // "", "posted", "failed"
	Reason       string  `json:"reason,omitempty"`      // failure reason, e.g. "timeout", "max-attempts"
}

// Task is the durable unit of work (§3).
type Task struct {
	ID                string
	InstallationID    string
	Provider          Provider
	Status            Status
	Priority          int
	InputMessage      string
	Fingerprint       string
	Source            SourceMetadata
	Execution         ExecutionMetadata
	Result            Result
	Attempts          int
	CreatedAt         time.Time
	DequeuedAt        *time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CancelRequested   bool
}

// Patch describes a partial update applied during a conditional transition.
type Patch struct {
	Execution  *ExecutionMetadata
	Result     *Result
	DequeuedAt *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// MetricsDelta is applied via append_metrics (§4.3): counters only ever
// increase within a Task's lifetime (Invariant 4).
type MetricsDelta struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}
