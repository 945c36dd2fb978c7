// Package completion implements the Completion Router (§4.10): on a
// terminal Task transition it selects a posting strategy by provider,
// builds a provider-neutral Artifact, and dispatches it through the
// Service Gateway with Redis-backed loop prevention.
package completion

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskflowhq/orchestrator/internal/gateway"
	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/task"
)

// Artifact is what the router posts back to the originating service: the
// generalized form of the teacher's SlackAttachment-plus-thread-post pair.
type Artifact struct {
	Target         string // provider-specific destination: "owner/repo#123", thread id, channel id
	Body           string
	IdempotencyKey string // de-dupes this exact post across retries/replays
}

// dedupeTTL comfortably outlives the Service Gateway's retry window
// (4 attempts, cap 30s between attempts).
const dedupeTTL = 10 * time.Minute

const maxBodyLen = 2000

// Router builds and dispatches completion Artifacts.
type Router struct {
	gw  *gateway.Client
	rdb *redis.Client
	log logging.Logger
}

// New constructs a Router.
func New(gw *gateway.Client, rdb *redis.Client, log logging.Logger) *Router {
	return &Router{gw: gw, rdb: rdb, log: log}
}

// Route builds the Artifact for t's terminal state, per the provider/
// source-shape table in §4.10. A nil Artifact means "record-only": no
// post is made (e.g. an error-monitor task where no linked tracker/forge
// surface was ever discovered).
func Route(t *task.Task) *Artifact {
	body := sanitizeBody(resultBody(t))

	switch t.Provider {
	case task.ProviderCodeForge:
		if t.Source.PullOrIssueNumber == 0 {
			return nil
		}
		return &Artifact{
			Target:         fmt.Sprintf("%s#%d", t.Source.RepositoryFullName, t.Source.PullOrIssueNumber),
			Body:           body,
			IdempotencyKey: t.ID,
		}

	case task.ProviderTracker:
		if t.Source.PullOrIssueNumber == 0 {
			return nil
		}
		return &Artifact{
			Target:         fmt.Sprintf("%s/%s#%d", t.Source.ProjectSlug, t.Source.OrganizationSlug, t.Source.PullOrIssueNumber),
			Body:           body,
			IdempotencyKey: t.ID,
		}

	case task.ProviderChat:
		target := t.Source.ThreadID
		if target == "" {
			target = t.Source.ChannelID
		}
		if target == "" {
			return nil
		}
		return &Artifact{Target: target, Body: body, IdempotencyKey: t.ID}

	case task.ProviderErrorMonitor:
		// Only posts back if SourceMetadata names a linked tracker/forge
		// surface; otherwise the task's result is record-only. Neither the
		// CLI Driver nor the worker adds such a surface after ingress.
		if t.Source.RepositoryFullName == "" && t.Source.ProjectSlug == "" {
			return nil
		}
		if t.Source.RepositoryFullName != "" && t.Source.PullOrIssueNumber != 0 {
			return &Artifact{
				Target:         fmt.Sprintf("%s#%d", t.Source.RepositoryFullName, t.Source.PullOrIssueNumber),
				Body:           body,
				IdempotencyKey: t.ID,
			}
		}
		if t.Source.ProjectSlug != "" && t.Source.PullOrIssueNumber != 0 {
			return &Artifact{
				Target:         fmt.Sprintf("%s/%s#%d", t.Source.ProjectSlug, t.Source.OrganizationSlug, t.Source.PullOrIssueNumber),
				Body:           body,
				IdempotencyKey: t.ID,
			}
		}
		return nil

	default:
		return nil
	}
}

func resultBody(t *task.Task) string {
	if t.Status == task.StatusFailed {
		reason := t.Result.Reason
		if reason == "" {
			reason = "unknown"
		}
		msg := fmt.Sprintf("Task failed (%s, task id `%s`).", reason, t.ID)
		if t.Result.ErrorText != "" {
			msg += "\n\n" + t.Result.ErrorText
		}
		return msg
	}
	return t.Result.OutputText
}

// Dispatch posts artifact through the Service Gateway for installationID,
// guarded by a Redis SETNX loop-prevention key. It returns (posted, err):
// posted is false (with nil err) when the artifact was a duplicate post
// already recorded, or when artifact is nil (record-only).
func (r *Router) Dispatch(ctx context.Context, installationID string, service string, artifact *Artifact) (bool, error) {
	if artifact == nil {
		return false, nil
	}

	dedupeKey := fmt.Sprintf("completion:%s:%s", artifact.Target, artifact.IdempotencyKey)
	ok, err := r.rdb.SetNX(ctx, dedupeKey, "posting", dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("loop-prevention check failed: %w", err)
	}
	if !ok {
		r.log.LogDebug("completion artifact already posted, skipping", "key", dedupeKey)
		return false, nil
	}

	resp, err := r.gw.Do(ctx, artifact.IdempotencyKey, gateway.Request{
		Method:         http.MethodPost,
		Service:        service,
		InstallationID: installationID,
		Path:           "/posts",
		Body: map[string]string{
			"target": artifact.Target,
			"body":   artifact.Body,
		},
	})
	if err != nil {
		// The post never landed: clear the key so a later redispatch of
		// the same artifact (e.g. an operator re-running completion for
		// this task) isn't permanently suppressed by this failed attempt.
		if delErr := r.rdb.Del(ctx, dedupeKey).Err(); delErr != nil {
			r.log.LogWarn("failed to clear dedupe key after failed dispatch", "key", dedupeKey, "error", delErr)
		}
		return false, err
	}
	_ = resp
	return true, nil
}

var (
	detailsTagRe   = regexp.MustCompile(`(?i)</?details>`)
	summaryTagRe   = regexp.MustCompile(`(?i)<summary>(.*?)</summary>`)
	blockquoteRe   = regexp.MustCompile(`(?is)<blockquote>(.*?)</blockquote>`)
	anyTagRe       = regexp.MustCompile(`<[^>]+>`)
	excessBlankRe  = regexp.MustCompile(`\n{3,}`)
)

// sanitizeBody converts common HTML tags (seen in CLI-driver output that
// echoes markdown-adjacent HTML from review tools) to Markdown equivalents,
// then truncates to maxBodyLen. Shared across all providers, as §4.10
// describes.
func sanitizeBody(body string) string {
	body = detailsTagRe.ReplaceAllString(body, "")
	body = summaryTagRe.ReplaceAllString(body, "**$1**")
	body = blockquoteRe.ReplaceAllStringFunc(body, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)
		if len(inner) > 1 {
			lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
			for i, l := range lines {
				lines[i] = "> " + strings.TrimSpace(l)
			}
			return strings.Join(lines, "\n")
		}
		return match
	})
	body = anyTagRe.ReplaceAllString(body, "")
	body = excessBlankRe.ReplaceAllString(body, "\n\n")
	body = strings.TrimSpace(body)
	return truncate(body, maxBodyLen)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
