package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMentionReturnsNilOnBareMention(t *testing.T) {
	assert.Nil(t, ParseMention("@agent", "@agent"))
	assert.Nil(t, ParseMention("  @agent   ", "@agent"))
}

func TestParseMentionExtractsBracketedOptions(t *testing.T) {
	mention := ParseMention("@agent [repo=org/repo, branch=main] fix the bug", "@agent")
	require.NotNil(t, mention)
	assert.Equal(t, "org/repo", mention.Repository)
	assert.Equal(t, "main", mention.Branch)
	assert.Equal(t, "fix the bug", mention.Prompt)
}

func TestParseMentionExtractsInlineOptions(t *testing.T) {
	mention := ParseMention("@agent fix the bug repo=org/repo model=opus", "@agent")
	require.NotNil(t, mention)
	assert.Equal(t, "org/repo", mention.Repository)
	assert.Equal(t, "opus", mention.Model)
	assert.Equal(t, "fix the bug", mention.Prompt)
}

func TestParseMentionDetectsForceNewAgentPrefix(t *testing.T) {
	mention := ParseMention("@agent agent start a fresh review", "@agent")
	require.NotNil(t, mention)
	assert.True(t, mention.ForceNew)
	assert.Equal(t, "start a fresh review", mention.Prompt)
}

func TestParseMentionFallsBackToNaturalLanguage(t *testing.T) {
	mention := ParseMention("@agent fix the bug in org/repo with opus", "@agent")
	require.NotNil(t, mention)
	assert.Equal(t, "org/repo", mention.Repository)
	assert.Equal(t, "opus", mention.Model)
}
