// Package signature implements the Signature Verifier (§4.1): constant-time
// HMAC verification of inbound webhook payloads, one scheme per provider,
// with no retries — a failure always maps to HTTP 401 and never a Task.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskflowhq/orchestrator/internal/task"
)

// Reason identifies why verification failed.
type Reason string

const (
	ReasonBadSignature    Reason = "bad-signature"
	ReasonStaleTimestamp  Reason = "stale-timestamp"
	ReasonMissingSecret   Reason = "missing-secret"
	ReasonMalformedHeader Reason = "malformed-header"
)

// VerifyError is the typed failure returned by Verify.
type VerifyError struct {
	Reason Reason
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("signature: %s", e.Reason)
}

// Headers is the subset of request headers a Verifier needs. Passed as a
// plain map so callers don't need to import net/http here.
type Headers map[string]string

// Get is a case-sensitive lookup matching how callers populate Headers from
// http.Header.Get (already canonicalized).
func (h Headers) Get(key string) string { return h[key] }

// Verifier validates one provider's signing scheme.
type Verifier interface {
	Verify(secret string, body []byte, headers Headers) error
}

// Registry dispatches Verify by provider, generalizing the teacher's single
// hard-coded verifyWebhookSignature into a per-provider lookup.
type Registry struct {
	verifiers map[task.Provider]Verifier
}

// NewRegistry builds the default registry: body-HMAC for code-forge,
// tracker and error-monitor; timestamp-HMAC for chat.
func NewRegistry() *Registry {
	bodyVerifier := &hmacBodyVerifier{headerName: "X-Hub-Signature-256"}
	return &Registry{
		verifiers: map[task.Provider]Verifier{
			task.ProviderCodeForge:    bodyVerifier,
			task.ProviderTracker:      bodyVerifier,
			task.ProviderErrorMonitor: bodyVerifier,
			task.ProviderChat:         &hmacTimestampVerifier{skew: 5 * time.Minute},
		},
	}
}

// Verify looks up the provider's Verifier and runs it.
func (r *Registry) Verify(provider task.Provider, secret string, body []byte, headers Headers) error {
	v, ok := r.verifiers[provider]
	if !ok {
		return &VerifyError{Reason: ReasonBadSignature}
	}
	if secret == "" {
		return &VerifyError{Reason: ReasonMissingSecret}
	}
	return v.Verify(secret, body, headers)
}

// hmacBodyVerifier is the teacher's verifyWebhookSignature generalized: a
// constant-time HMAC-SHA256 over the raw body, "sha256=<hex>" header
// format, reused across every body-signed provider.
type hmacBodyVerifier struct {
	headerName string
}

func (v *hmacBodyVerifier) Verify(secret string, body []byte, headers Headers) error {
	const prefix = "sha256="
	signature := headers.Get(v.headerName)
	if !strings.HasPrefix(signature, prefix) {
		return &VerifyError{Reason: ReasonMalformedHeader}
	}

	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return &VerifyError{Reason: ReasonMalformedHeader}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(sigBytes, expected) {
		return &VerifyError{Reason: ReasonBadSignature}
	}
	return nil
}

// hmacTimestampVerifier implements the chat provider's signing scheme:
// HMAC-SHA256 over "v0:<timestamp>:<body>" with a bounded clock skew,
// modeled on the chat adapter's documented signing contract.
type hmacTimestampVerifier struct {
	skew time.Duration
}

func (v *hmacTimestampVerifier) Verify(secret string, body []byte, headers Headers) error {
	timestampHeader := headers.Get("X-Signature-Timestamp")
	signature := headers.Get("X-Signature")

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return &VerifyError{Reason: ReasonMalformedHeader}
	}

	sent := time.Unix(ts, 0)
	if delta := time.Since(sent); delta > v.skew || delta < -v.skew {
		return &VerifyError{Reason: ReasonStaleTimestamp}
	}

	const prefix = "v0="
	if !strings.HasPrefix(signature, prefix) {
		return &VerifyError{Reason: ReasonMalformedHeader}
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return &VerifyError{Reason: ReasonMalformedHeader}
	}

	basestring := fmt.Sprintf("v0:%s:%s", timestampHeader, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(basestring))
	expected := mac.Sum(nil)

	if !hmac.Equal(sigBytes, expected) {
		return &VerifyError{Reason: ReasonBadSignature}
	}
	return nil
}
