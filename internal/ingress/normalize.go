package ingress

import (
	"strings"

	"github.com/taskflowhq/orchestrator/internal/task"
)

// Normalizer implements normalize(provider, parsed-body, headers) for one
// provider (§4.2).
type Normalizer interface {
	Normalize(installationID string, event Event) Outcome
}

// Event is the provider-agnostic envelope the Ingress Controller builds
// after JSON-decoding the raw body. Concrete providers populate the fields
// relevant to their payload shape; the rest stay zero.
type Event struct {
	EventType   string
	DeliveryID  string
	EventID     string
	ActorHandle string
	ActorIsBot  bool
	Body        string
	Labels      []string
	RepoFull    string
	Ref         string // head ref to clone; blank means "clone the default branch"
	PROrIssueNo int
	CommentID   string
	ChannelID   string
	ThreadID    string
	BotID       string
	OrgSlug     string
	ProjectSlug string
	IssueID     string
	IsNewPR     bool
	IsNewIssue  bool
	IsRegression bool
}

// Registry dispatches Normalize by provider.
type Registry struct {
	normalizers map[task.Provider]Normalizer
}

// NewRegistry builds the default provider registry. agentHandle is the
// mention token a code-forge/chat body must contain to qualify (e.g.
// "@agent"); triggerLabel and triggerKeyword are the watched label and
// slash-command token for code-forge events.
func NewRegistry(agentHandle, triggerLabel, triggerKeyword string) *Registry {
	return &Registry{
		normalizers: map[task.Provider]Normalizer{
			task.ProviderCodeForge: &codeForgeNormalizer{
				handle:  agentHandle,
				label:   triggerLabel,
				keyword: triggerKeyword,
			},
			task.ProviderTracker:      &trackerNormalizer{watchedLabel: triggerLabel},
			task.ProviderChat:         &chatNormalizer{handle: agentHandle},
			task.ProviderErrorMonitor: &errorMonitorNormalizer{},
		},
	}
}

// Normalize dispatches to the provider's Normalizer.
func (r *Registry) Normalize(provider task.Provider, installationID string, event Event) Outcome {
	n, ok := r.normalizers[provider]
	if !ok {
		return Ignored("unknown-provider")
	}
	return n.Normalize(installationID, event)
}

// codeForgeNormalizer accepts events where the actor is not a bot AND the
// body contains a recognized trigger: an agent mention, a slash-command
// keyword, a watched label, or a newly opened pull request.
type codeForgeNormalizer struct {
	handle  string
	label   string
	keyword string
}

func (n *codeForgeNormalizer) Normalize(installationID string, event Event) Outcome {
	if event.ActorIsBot {
		return Ignored("actor-is-bot")
	}

	source := task.SourceMetadata{
		RepositoryFullName: event.RepoFull,
		Ref:                event.Ref,
		PullOrIssueNumber:  event.PROrIssueNo,
		CommentID:          event.CommentID,
		ActorHandle:        event.ActorHandle,
	}

	switch {
	case event.IsNewPR:
		return Accepted(&TaskRequest{
			Provider:       task.ProviderCodeForge,
			InstallationID: installationID,
			InputMessage:   "review this pull request",
			Priority:       defaultPriority,
			Source:         source,
			Fingerprint:    Fingerprint(task.ProviderCodeForge, event.EventID, event.DeliveryID),
		})
	case containsLabel(event.Labels, n.label):
		return Accepted(&TaskRequest{
			Provider:       task.ProviderCodeForge,
			InstallationID: installationID,
			InputMessage:   event.Body,
			Priority:       highPriority,
			Source:         source,
			Fingerprint:    Fingerprint(task.ProviderCodeForge, event.EventID, event.DeliveryID),
		})
	case n.keyword != "" && strings.Contains(strings.ToLower(event.Body), strings.ToLower(n.keyword)):
		return Accepted(&TaskRequest{
			Provider:       task.ProviderCodeForge,
			InstallationID: installationID,
			InputMessage:   event.Body,
			Priority:       defaultPriority,
			Source:         source,
			Fingerprint:    Fingerprint(task.ProviderCodeForge, event.EventID, event.DeliveryID),
		})
	case strings.Contains(strings.ToLower(event.Body), strings.ToLower(n.handle)):
		mention := ParseMention(event.Body, n.handle)
		if mention == nil {
			return Ignored("empty-mention")
		}
		source.ActorHandle = event.ActorHandle
		return Accepted(&TaskRequest{
			Provider:       task.ProviderCodeForge,
			InstallationID: installationID,
			InputMessage:   mention.Prompt,
			Priority:       defaultPriority,
			Source:         source,
			Fingerprint:    Fingerprint(task.ProviderCodeForge, event.EventID, event.DeliveryID),
		})
	default:
		return Ignored("no-recognized-trigger")
	}
}

// trackerNormalizer accepts on any assignee-changed event or a watched
// label. The new assignee is not checked, so an assignee change to an
// account other than the agent's is accepted as well.
type trackerNormalizer struct {
	watchedLabel string
}

func (n *trackerNormalizer) Normalize(installationID string, event Event) Outcome {
	if !containsLabel(event.Labels, n.watchedLabel) && event.EventType != "assignee-changed" {
		return Ignored("no-recognized-trigger")
	}
	return Accepted(&TaskRequest{
		Provider:       task.ProviderTracker,
		InstallationID: installationID,
		InputMessage:   event.Body,
		Priority:       defaultPriority,
		Source: task.SourceMetadata{
			ProjectSlug: event.ProjectSlug,
			ActorHandle: event.ActorHandle,
		},
		Fingerprint: Fingerprint(task.ProviderTracker, event.EventID, event.DeliveryID),
	})
}

// chatNormalizer accepts on direct mention of the agent or a direct
// message. Events whose bot-id equals the agent's own are always ignored
// to prevent the agent from replying to itself (loop prevention at
// ingress, complementing the Completion Router's SETNX guard).
type chatNormalizer struct {
	handle string
}

func (n *chatNormalizer) Normalize(installationID string, event Event) Outcome {
	if event.BotID != "" && event.BotID == n.handle {
		return Ignored("self-mention")
	}
	isDirectMessage := event.ChannelID != "" && event.ThreadID == ""
	isMention := strings.Contains(strings.ToLower(event.Body), strings.ToLower(n.handle))
	if !isMention && !isDirectMessage {
		return Ignored("no-recognized-trigger")
	}

	prompt := event.Body
	if isMention {
		mention := ParseMention(event.Body, n.handle)
		if mention == nil {
			return Ignored("empty-mention")
		}
		prompt = mention.Prompt
	}

	return Accepted(&TaskRequest{
		Provider:       task.ProviderChat,
		InstallationID: installationID,
		InputMessage:   prompt,
		Priority:       defaultPriority,
		Source: task.SourceMetadata{
			ChannelID:   event.ChannelID,
			ThreadID:    event.ThreadID,
			ActorHandle: event.ActorHandle,
		},
		Fingerprint: Fingerprint(task.ProviderChat, event.EventID, event.DeliveryID),
	})
}

// errorMonitorNormalizer accepts on new issue or regression.
type errorMonitorNormalizer struct{}

func (n *errorMonitorNormalizer) Normalize(installationID string, event Event) Outcome {
	if !event.IsNewIssue && !event.IsRegression {
		return Ignored("no-recognized-trigger")
	}
	priority := defaultPriority
	if event.IsRegression {
		priority = highPriority
	}
	return Accepted(&TaskRequest{
		Provider:       task.ProviderErrorMonitor,
		InstallationID: installationID,
		InputMessage:   event.Body,
		Priority:       priority,
		Source: task.SourceMetadata{
			OrganizationSlug: event.OrgSlug,
			ProjectSlug:      event.ProjectSlug,
		},
		Fingerprint: Fingerprint(task.ProviderErrorMonitor, event.EventID, event.DeliveryID),
	})
}

func containsLabel(labels []string, watched string) bool {
	if watched == "" {
		return false
	}
	for _, l := range labels {
		if strings.EqualFold(l, watched) {
			return true
		}
	}
	return false
}
