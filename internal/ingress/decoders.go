package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// The payload shapes below generalize the teacher's ghPullRequest/
// ghReview/ghRepository/ghSender structs (webhook.go) to the minimal
// fields each provider's Decoder actually needs.

type codeForgeActor struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type codeForgeRepository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type codeForgePullRequest struct {
	Number int    `json:"number"`
	Body   string `json:"body"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
	RawLabels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type codeForgePayload struct {
	Action      string               `json:"action"`
	Body        string               `json:"body"`
	PullRequest codeForgePullRequest `json:"pull_request"`
	Issue       struct {
		Number int    `json:"number"`
		Body   string `json:"body"`
	} `json:"issue"`
	Comment struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
	Repository codeForgeRepository `json:"repository"`
	Sender     codeForgeActor      `json:"sender"`
}

// CodeForgeDecoder decodes pull_request / issue_comment / pull_request
// payloads into Event.
type CodeForgeDecoder struct{}

func (CodeForgeDecoder) Decode(headers http.Header, body []byte) (Event, error) {
	var payload codeForgePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode code-forge payload")
	}

	labels := make([]string, 0, len(payload.PullRequest.RawLabels))
	for _, l := range payload.PullRequest.RawLabels {
		labels = append(labels, l.Name)
	}

	eventBody := payload.Body
	number := payload.PullRequest.Number
	commentID := ""
	if payload.Comment.ID != 0 {
		eventBody = payload.Comment.Body
		commentID = headers.Get("X-Comment-ID")
	}
	if payload.Issue.Number != 0 {
		number = payload.Issue.Number
		if eventBody == "" {
			eventBody = payload.Issue.Body
		}
	}

	ref := payload.PullRequest.Head.Ref
	if ref == "" {
		ref = payload.Repository.DefaultBranch
	}

	return Event{
		EventType:   headers.Get("X-GitHub-Event"),
		DeliveryID:  headers.Get("X-GitHub-Delivery"),
		EventID:     headers.Get("X-GitHub-Delivery"),
		ActorHandle: payload.Sender.Login,
		ActorIsBot:  payload.Sender.Type == "Bot",
		Body:        eventBody,
		Labels:      labels,
		RepoFull:    payload.Repository.FullName,
		Ref:         ref,
		PROrIssueNo: number,
		CommentID:   commentID,
		IsNewPR:     payload.Action == "opened" && payload.PullRequest.Number != 0,
	}, nil
}

type trackerPayload struct {
	IssueKey    string   `json:"issue_key"`
	ProjectSlug string   `json:"project_slug"`
	EventType   string   `json:"event_type"`
	Body        string   `json:"body"`
	Labels      []string `json:"labels"`
	Actor       string   `json:"actor"`
}

// TrackerDecoder decodes issue-tracker webhook payloads into Event.
type TrackerDecoder struct{}

func (TrackerDecoder) Decode(headers http.Header, body []byte) (Event, error) {
	var payload trackerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode tracker payload")
	}
	return Event{
		EventType:   payload.EventType,
		DeliveryID:  headers.Get("X-Tracker-Delivery"),
		EventID:     payload.IssueKey,
		ActorHandle: payload.Actor,
		Body:        payload.Body,
		Labels:      payload.Labels,
		ProjectSlug: payload.ProjectSlug,
	}, nil
}

type chatPayload struct {
	Text      string `json:"text"`
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
	TS        string `json:"ts"`
	UserID    string `json:"user_id"`
	BotID     string `json:"bot_id"`
	EventID   string `json:"event_id"`
}

// ChatDecoder decodes chat-provider event payloads into Event.
type ChatDecoder struct{}

func (ChatDecoder) Decode(headers http.Header, body []byte) (Event, error) {
	var payload chatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode chat payload")
	}
	thread := payload.ThreadTS
	if thread == "" {
		thread = payload.TS
	}
	return Event{
		EventID:     payload.EventID,
		DeliveryID:  payload.EventID,
		ActorHandle: payload.UserID,
		Body:        payload.Text,
		ChannelID:   payload.ChannelID,
		ThreadID:    thread,
		BotID:       payload.BotID,
	}, nil
}

type errorMonitorPayload struct {
	IssueID      string `json:"issue_id"`
	OrgSlug      string `json:"organization_slug"`
	ProjectSlug  string `json:"project_slug"`
	Title        string `json:"title"`
	IsNew        bool   `json:"is_new"`
	IsRegression bool   `json:"is_regression"`
}

// ErrorMonitorDecoder decodes error-monitoring provider payloads into
// Event.
type ErrorMonitorDecoder struct{}

func (ErrorMonitorDecoder) Decode(headers http.Header, body []byte) (Event, error) {
	var payload errorMonitorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode error-monitor payload")
	}
	return Event{
		EventID:      payload.IssueID,
		DeliveryID:   headers.Get("X-Delivery-ID"),
		Body:         payload.Title,
		OrgSlug:      payload.OrgSlug,
		ProjectSlug:  payload.ProjectSlug,
		IssueID:      payload.IssueID,
		IsNewIssue:   payload.IsNew,
		IsRegression: payload.IsRegression,
	}, nil
}
