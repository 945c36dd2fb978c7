package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/orchestrator/internal/task"
)

func TestCodeForgeNormalizerIgnoresBotActor(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorIsBot: true,
		Body:       "@agent please take a look",
	})
	assert.True(t, outcome.Ignored)
	assert.Equal(t, "actor-is-bot", outcome.Reason)
}

func TestCodeForgeNormalizerAcceptsMention(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorHandle: "octocat",
		Body:        "@agent fix the flaky test in repo=org/repo",
		RepoFull:    "org/repo",
		EventID:     "evt-1",
		DeliveryID:  "del-1",
	})
	require.False(t, outcome.Ignored)
	require.NotNil(t, outcome.Request)
	assert.Equal(t, "fix the flaky test in", outcome.Request.InputMessage)
	assert.NotEmpty(t, outcome.Request.Fingerprint)
}

func TestCodeForgeNormalizerAcceptsNewPullRequest(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorHandle: "octocat",
		IsNewPR:     true,
		RepoFull:    "org/repo",
	})
	require.False(t, outcome.Ignored)
	assert.Equal(t, "review this pull request", outcome.Request.InputMessage)
}

func TestCodeForgeNormalizerCarriesRefIntoSourceMetadata(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorHandle: "octocat",
		IsNewPR:     true,
		RepoFull:    "org/repo",
		Ref:         "feature-branch",
	})
	require.False(t, outcome.Ignored)
	assert.Equal(t, "feature-branch", outcome.Request.Source.Ref)
}

func TestCodeForgeNormalizerAcceptsWatchedLabel(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorHandle: "octocat",
		Labels:      []string{"bug", "agent-requested"},
		Body:        "needs attention",
	})
	require.False(t, outcome.Ignored)
	assert.Equal(t, 1, outcome.Request.Priority)
}

func TestCodeForgeNormalizerIgnoresUnrelatedEvent(t *testing.T) {
	reg := NewRegistry("@agent", "agent-requested", "/agent")
	outcome := reg.Normalize(task.ProviderCodeForge, "inst-1", Event{
		ActorHandle: "octocat",
		Body:        "just a regular comment",
	})
	assert.True(t, outcome.Ignored)
	assert.Equal(t, "no-recognized-trigger", outcome.Reason)
}

func TestChatNormalizerIgnoresSelfMention(t *testing.T) {
	reg := NewRegistry("@agent", "", "")
	outcome := reg.Normalize(task.ProviderChat, "inst-1", Event{
		BotID: "@agent",
		Body:  "@agent hello",
	})
	assert.True(t, outcome.Ignored)
	assert.Equal(t, "self-mention", outcome.Reason)
}

func TestChatNormalizerAcceptsDirectMessage(t *testing.T) {
	reg := NewRegistry("@agent", "", "")
	outcome := reg.Normalize(task.ProviderChat, "inst-1", Event{
		ChannelID: "dm-channel",
		Body:      "please help with the deploy",
	})
	require.False(t, outcome.Ignored)
	assert.Equal(t, "please help with the deploy", outcome.Request.InputMessage)
}

func TestErrorMonitorNormalizerAcceptsRegression(t *testing.T) {
	reg := NewRegistry("@agent", "", "")
	outcome := reg.Normalize(task.ProviderErrorMonitor, "inst-1", Event{
		IsRegression: true,
		Body:         "NPE regressed in checkout flow",
	})
	require.False(t, outcome.Ignored)
	assert.Equal(t, highPriority, outcome.Request.Priority)
}

func TestErrorMonitorNormalizerIgnoresNonQualifyingIssue(t *testing.T) {
	reg := NewRegistry("@agent", "", "")
	outcome := reg.Normalize(task.ProviderErrorMonitor, "inst-1", Event{
		Body: "already-triaged issue update",
	})
	assert.True(t, outcome.Ignored)
}

func TestFingerprintStableAcrossRetries(t *testing.T) {
	a := Fingerprint(task.ProviderCodeForge, "evt-1", "del-1")
	b := Fingerprint(task.ProviderCodeForge, "evt-1", "del-1")
	assert.Equal(t, a, b)

	c := Fingerprint(task.ProviderCodeForge, "evt-1", "del-2")
	assert.NotEqual(t, a, c)
}
