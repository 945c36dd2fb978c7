package ingress

import (
	"regexp"
	"strings"
)

// MentionOptions holds the structured fields extracted from a message that
// addresses the agent directly, generalizing the teacher's @cursor-mention
// parser (bracketed options, inline key=value options, "in <repo>" / "with
// <model>" natural-language fallbacks) to any provider's free-text body.
type MentionOptions struct {
	Prompt     string
	Repository string
	Branch     string
	Model      string
	AutoPR     *bool
	ForceNew   bool
}

var (
	bracketedRe = regexp.MustCompile(`^\[([^\]]+)\]`)
	inlineOptRe = regexp.MustCompile(`(?i)\b(repo|branch|model|autopr)=(\S+)`)
	inRepoRe    = regexp.MustCompile(`(?i)\bin\s+([a-zA-Z0-9._-]+(?:/[a-zA-Z0-9._-]+)?)\s*,?`)
	withModelRe = regexp.MustCompile(`(?i)\bwith\s+([a-zA-Z0-9._-]+)\s*,?`)
	multiSpace  = regexp.MustCompile(`\s{2,}`)
)

// ParseMention extracts MentionOptions from a message already known to
// contain handle somewhere in it. Returns nil if nothing remains after
// stripping the handle (a bare mention with no instruction).
func ParseMention(message, handle string) *MentionOptions {
	message = strings.TrimSpace(message)

	lowerMsg := strings.ToLower(message)
	lowerHandle := strings.ToLower(handle)
	idx := strings.Index(lowerMsg, lowerHandle)
	if idx < 0 {
		return nil
	}
	remainder := strings.TrimSpace(message[idx+len(handle):])
	if remainder == "" {
		return nil
	}

	result := &MentionOptions{}

	if len(remainder) > 6 && strings.EqualFold(remainder[:6], "agent ") {
		result.ForceNew = true
		remainder = strings.TrimSpace(remainder[6:])
	}

	if loc := bracketedRe.FindStringSubmatchIndex(remainder); loc != nil {
		parseBracketedOptions(remainder[loc[2]:loc[3]], result)
		remainder = strings.TrimSpace(remainder[loc[1]:])
	}

	remainder = extractInlineOptions(remainder, result)

	if loc := inRepoRe.FindStringSubmatchIndex(remainder); loc != nil {
		if result.Repository == "" {
			result.Repository = remainder[loc[2]:loc[3]]
		}
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}

	if loc := withModelRe.FindStringSubmatchIndex(remainder); loc != nil {
		if result.Model == "" {
			result.Model = remainder[loc[2]:loc[3]]
		}
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}

	remainder = strings.TrimSpace(remainder)
	remainder = multiSpace.ReplaceAllString(remainder, " ")
	result.Prompt = remainder

	return result
}

func parseBracketedOptions(content string, result *MentionOptions) {
	for _, pair := range strings.Split(content, ",") {
		pair = strings.TrimSpace(pair)
		eqIdx := strings.Index(pair, "=")
		if eqIdx < 0 {
			continue
		}
		key := strings.TrimSpace(strings.ToLower(pair[:eqIdx]))
		value := strings.TrimSpace(pair[eqIdx+1:])
		applyMentionOption(key, value, result)
	}
}

func extractInlineOptions(remainder string, result *MentionOptions) string {
	matches := inlineOptRe.FindAllStringSubmatchIndex(remainder, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		loc := matches[i]
		key := strings.ToLower(remainder[loc[2]:loc[3]])
		value := remainder[loc[4]:loc[5]]
		applyMentionOption(key, value, result)
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}
	return remainder
}

func applyMentionOption(key, value string, result *MentionOptions) {
	switch key {
	case "repo":
		result.Repository = value
	case "branch":
		result.Branch = value
	case "model":
		result.Model = value
	case "autopr":
		b := strings.EqualFold(value, "true")
		result.AutoPR = &b
	}
}
