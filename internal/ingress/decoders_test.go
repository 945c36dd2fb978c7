package ingress

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeForgeDecoderPrefersPullRequestHeadRefOverDefaultBranch(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"pull_request": {"number": 7, "body": "please review", "head": {"ref": "feature-x"}},
		"repository": {"full_name": "org/repo", "default_branch": "main"},
		"sender": {"login": "octocat"}
	}`)

	event, err := CodeForgeDecoder{}.Decode(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", event.Ref)
	assert.Equal(t, "org/repo", event.RepoFull)
}

func TestCodeForgeDecoderFallsBackToDefaultBranchWithoutPullRequest(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"issue": {"number": 3, "body": "bug report"},
		"repository": {"full_name": "org/repo", "default_branch": "main"},
		"sender": {"login": "octocat"}
	}`)

	event, err := CodeForgeDecoder{}.Decode(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, "main", event.Ref)
}
