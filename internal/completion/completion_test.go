package completion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/orchestrator/internal/gateway"
	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/task"
)

func TestRouteCodeForgePullRequest(t *testing.T) {
	tsk := &task.Task{
		ID:       "01J000TASK",
		Provider: task.ProviderCodeForge,
		Status:   task.StatusCompleted,
		Source:   task.SourceMetadata{RepositoryFullName: "acme/widgets", PullOrIssueNumber: 42},
		Result:   task.Result{OutputText: "Looks good."},
	}

	artifact := Route(tsk)
	require.NotNil(t, artifact)
	assert.Equal(t, "acme/widgets#42", artifact.Target)
	assert.Equal(t, "Looks good.", artifact.Body)
	assert.Equal(t, "01J000TASK", artifact.IdempotencyKey)
}

func TestRouteCodeForgeWithoutIssueNumberIsRecordOnly(t *testing.T) {
	tsk := &task.Task{Provider: task.ProviderCodeForge, Status: task.StatusCompleted}
	assert.Nil(t, Route(tsk))
}

func TestRouteChatPrefersThreadOverChannel(t *testing.T) {
	tsk := &task.Task{
		ID:       "t1",
		Provider: task.ProviderChat,
		Status:   task.StatusCompleted,
		Source:   task.SourceMetadata{ThreadID: "thread-1", ChannelID: "chan-1"},
		Result:   task.Result{OutputText: "done"},
	}
	artifact := Route(tsk)
	require.NotNil(t, artifact)
	assert.Equal(t, "thread-1", artifact.Target)
}

func TestRouteChatFallsBackToChannelWithoutThread(t *testing.T) {
	tsk := &task.Task{
		ID:       "t1",
		Provider: task.ProviderChat,
		Status:   task.StatusCompleted,
		Source:   task.SourceMetadata{ChannelID: "chan-1"},
	}
	artifact := Route(tsk)
	require.NotNil(t, artifact)
	assert.Equal(t, "chan-1", artifact.Target)
}

func TestRouteErrorMonitorRecordOnlyWithoutLinkedSurface(t *testing.T) {
	tsk := &task.Task{Provider: task.ProviderErrorMonitor, Status: task.StatusCompleted}
	assert.Nil(t, Route(tsk))
}

func TestRouteErrorMonitorPostsWhenLinkedToForgeIssue(t *testing.T) {
	tsk := &task.Task{
		ID:       "t1",
		Provider: task.ProviderErrorMonitor,
		Status:   task.StatusCompleted,
		Source:   task.SourceMetadata{RepositoryFullName: "acme/widgets", PullOrIssueNumber: 7},
	}
	artifact := Route(tsk)
	require.NotNil(t, artifact)
	assert.Equal(t, "acme/widgets#7", artifact.Target)
}

func TestRouteFailedTaskIncludesReasonAndTaskID(t *testing.T) {
	tsk := &task.Task{
		ID:       "t1",
		Provider: task.ProviderChat,
		Status:   task.StatusFailed,
		Source:   task.SourceMetadata{ChannelID: "chan-1"},
		Result:   task.Result{Reason: "timeout", ErrorText: "deadline exceeded"},
	}
	artifact := Route(tsk)
	require.NotNil(t, artifact)
	assert.Contains(t, artifact.Body, "timeout")
	assert.Contains(t, artifact.Body, "t1")
	assert.Contains(t, artifact.Body, "deadline exceeded")
}

func TestSanitizeBodyConvertsHTMLToMarkdown(t *testing.T) {
	in := "<details><summary>Findings</summary><blockquote>line one\nline two</blockquote></details>"
	out := sanitizeBody(in)
	assert.Contains(t, out, "**Findings**")
	assert.Contains(t, out, "> line one")
	assert.Contains(t, out, "> line two")
	assert.NotContains(t, out, "<details>")
}

func TestSanitizeBodyTruncatesLongText(t *testing.T) {
	longText := make([]byte, maxBodyLen+500)
	for i := range longText {
		longText[i] = 'a'
	}
	out := sanitizeBody(string(longText))
	assert.LessOrEqual(t, len(out), maxBodyLen)
	assert.Contains(t, out, "...")
}

func newTestRouter(t *testing.T, serviceURL string) (*Router, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := gateway.New(gateway.Config{BaseURLs: map[string]string{"chat": serviceURL}})
	return New(gw, rdb, logging.NewNop()), mr
}

func TestDispatchPostsOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router, _ := newTestRouter(t, srv.URL)
	artifact := &Artifact{Target: "chan-1", Body: "hi", IdempotencyKey: "task-1"}

	posted, err := router.Dispatch(context.Background(), "inst-1", "chat", artifact)
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, 1, calls)
}

func TestDispatchSkipsDuplicatePost(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router, _ := newTestRouter(t, srv.URL)
	artifact := &Artifact{Target: "chan-1", Body: "hi", IdempotencyKey: "task-1"}

	_, err := router.Dispatch(context.Background(), "inst-1", "chat", artifact)
	require.NoError(t, err)

	posted, err := router.Dispatch(context.Background(), "inst-1", "chat", artifact)
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Equal(t, 1, calls)
}

func TestDispatchNilArtifactIsNoop(t *testing.T) {
	router, _ := newTestRouter(t, "http://unused.invalid")
	posted, err := router.Dispatch(context.Background(), "inst-1", "chat", nil)
	require.NoError(t, err)
	assert.False(t, posted)
}

// TestDispatchClearsDedupeKeyOnFailedPostSoRedispatchCanSucceed guards
// against a transient gateway failure permanently suppressing a
// completion: the dedupe key must only stick once a post actually lands.
func TestDispatchClearsDedupeKeyOnFailedPostSoRedispatchCanSucceed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router, mr := newTestRouter(t, srv.URL)
	artifact := &Artifact{Target: "chan-1", Body: "hi", IdempotencyKey: "task-1"}

	posted, err := router.Dispatch(context.Background(), "inst-1", "chat", artifact)
	require.Error(t, err)
	assert.False(t, posted)
	assert.Equal(t, 1, calls)

	dedupeKey := fmt.Sprintf("completion:%s:%s", artifact.Target, artifact.IdempotencyKey)
	assert.False(t, mr.Exists(dedupeKey), "dedupe key must be cleared after a failed dispatch")

	posted, err = router.Dispatch(context.Background(), "inst-1", "chat", artifact)
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, 2, calls)
}
