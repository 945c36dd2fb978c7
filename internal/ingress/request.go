// Package ingress implements the Event Normalizer (§4.2) and the Ingress
// Controller (§4.6): the HTTP-facing edge that turns a verified webhook
// delivery into a queued Task, or discards it with a logged reason.
package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/taskflowhq/orchestrator/internal/task"
)

// TaskRequest is what a Normalizer produces from a qualifying event: enough
// to create a Task, but not yet a Task (no id, no status).
type TaskRequest struct {
	Provider       task.Provider
	InstallationID string
	InputMessage   string
	Priority       int
	Source         task.SourceMetadata
	Fingerprint    string
}

// Outcome is the result of normalize: either a TaskRequest or a reason the
// event was ignored.
type Outcome struct {
	Request *TaskRequest
	Ignored bool
	Reason  string // populated when Ignored
}

// Ignored builds an Outcome carrying the logged reason.
func Ignored(reason string) Outcome { return Outcome{Ignored: true, Reason: reason} }

// Accepted builds an Outcome carrying a TaskRequest.
func Accepted(req *TaskRequest) Outcome { return Outcome{Request: req} }

// Fingerprint builds the stable idempotency key described in §4.2:
// sha256(provider|event_id|delivery_id). Stable across redelivery of the
// same webhook, unlike a fingerprint derived from message content.
func Fingerprint(provider task.Provider, eventID, deliveryID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", provider, eventID, deliveryID)))
	return hex.EncodeToString(sum[:])
}

// defaultPriority is used when a provider rule doesn't assign a more
// specific priority (e.g. watched-label events outrank plain mentions).
const defaultPriority = 5

const highPriority = 1
