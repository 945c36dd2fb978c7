package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/orchestrator/internal/task"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signTimestamped(secret, timestamp string, body []byte) string {
	basestring := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(basestring))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestRegistryVerifyBodySignedProviders(t *testing.T) {
	reg := NewRegistry()
	secret := "s3cr3t"
	body := []byte(`{"action":"opened"}`)

	for _, provider := range []task.Provider{task.ProviderCodeForge, task.ProviderTracker, task.ProviderErrorMonitor} {
		t.Run(string(provider), func(t *testing.T) {
			headers := Headers{"X-Hub-Signature-256": signBody(secret, body)}
			assert.NoError(t, reg.Verify(provider, secret, body, headers))
		})
	}
}

func TestRegistryVerifyRejectsBadSignature(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"action":"opened"}`)
	headers := Headers{"X-Hub-Signature-256": signBody("wrong-secret", body)}

	err := reg.Verify(task.ProviderCodeForge, "s3cr3t", body, headers)
	require.Error(t, err)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonBadSignature, verr.Reason)
}

func TestRegistryVerifyRejectsMalformedHeader(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{}`)
	headers := Headers{"X-Hub-Signature-256": "not-a-valid-signature"}

	err := reg.Verify(task.ProviderCodeForge, "s3cr3t", body, headers)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonMalformedHeader, verr.Reason)
}

func TestRegistryVerifyRejectsMissingSecret(t *testing.T) {
	reg := NewRegistry()
	err := reg.Verify(task.ProviderCodeForge, "", []byte(`{}`), Headers{})
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonMissingSecret, verr.Reason)
}

func TestChatProviderAcceptsFreshTimestamp(t *testing.T) {
	reg := NewRegistry()
	secret := "chat-secret"
	body := []byte(`{"text":"@agent help"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	headers := Headers{
		"X-Signature-Timestamp": ts,
		"X-Signature":           signTimestamped(secret, ts, body),
	}
	assert.NoError(t, reg.Verify(task.ProviderChat, secret, body, headers))
}

func TestChatProviderRejectsStaleTimestamp(t *testing.T) {
	reg := NewRegistry()
	secret := "chat-secret"
	body := []byte(`{"text":"@agent help"}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	headers := Headers{
		"X-Signature-Timestamp": ts,
		"X-Signature":           signTimestamped(secret, ts, body),
	}

	err := reg.Verify(task.ProviderChat, secret, body, headers)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonStaleTimestamp, verr.Reason)
}

func TestChatProviderRejectsForgedSignature(t *testing.T) {
	reg := NewRegistry()
	secret := "chat-secret"
	body := []byte(`{"text":"@agent help"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	headers := Headers{
		"X-Signature-Timestamp": ts,
		"X-Signature":           signTimestamped("different-secret", ts, body),
	}

	err := reg.Verify(task.ProviderChat, secret, body, headers)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonBadSignature, verr.Reason)
}
