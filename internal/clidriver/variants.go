package clidriver

import (
	"context"
	"os"
	"os/exec"
)

// ClaudeRunner builds commands for the "claude" CLI variant: non-interactive
// mode with streaming JSON events on stdout.
type ClaudeRunner struct {
	BinaryPath string
	APIKey     string
}

// NewClaudeRunner defaults BinaryPath to "claude" (resolved via PATH).
func NewClaudeRunner(apiKey string) *ClaudeRunner {
	return &ClaudeRunner{BinaryPath: "claude", APIKey: apiKey}
}

func (r *ClaudeRunner) BuildCommand(ctx context.Context, opts RunOptions) (*exec.Cmd, error) {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}

	cmd := exec.CommandContext(ctx, r.BinaryPath, args...)
	cmd.Env = os.Environ()
	if r.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+r.APIKey)
	}
	return cmd, nil
}

// CursorRunner builds commands for the "cursor" CLI variant
// (cursor-agent), generalizing the teacher's cursor.Client request shape
// into a local subprocess invocation rather than a hosted-session API
// call.
type CursorRunner struct {
	BinaryPath string
	APIKey     string
}

// NewCursorRunner defaults BinaryPath to "cursor-agent".
func NewCursorRunner(apiKey string) *CursorRunner {
	return &CursorRunner{BinaryPath: "cursor-agent", APIKey: apiKey}
}

func (r *CursorRunner) BuildCommand(ctx context.Context, opts RunOptions) (*exec.Cmd, error) {
	args := []string{
		"--print", opts.Prompt,
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.CommandContext(ctx, r.BinaryPath, args...)
	cmd.Env = os.Environ()
	if r.APIKey != "" {
		cmd.Env = append(cmd.Env, "CURSOR_API_KEY="+r.APIKey)
	}
	return cmd, nil
}
