package clidriver

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/orchestrator/internal/logging"
)

// scriptRunner invokes `sh -c <script>` in place of a real CLI binary, so
// the state machine can be exercised without depending on claude/
// cursor-agent being installed.
type scriptRunner struct {
	script string
}

func (r *scriptRunner) BuildCommand(ctx context.Context, opts RunOptions) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, "sh", "-c", r.script), nil
}

func TestRunDecodesKnownEventTypes(t *testing.T) {
	script := `echo '{"type":"system-init"}'; echo '{"type":"assistant-message","text":"hi"}'; echo '{"type":"result","cost_usd":0.02}'`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	var events []Event
	result := driver.Run(context.Background(), RunOptions{
		Deadline: 5 * time.Second,
		OnEvent:  func(e Event) { events = append(events, e) },
	})

	require.Equal(t, StateEndedOK, result.State)
	require.Len(t, events, 3)
	assert.Equal(t, EventSystemInit, events[0].Type)
	assert.Equal(t, EventAssistantMessage, events[1].Type)
	assert.Equal(t, EventResult, events[2].Type)
}

func TestRunAssemblesOutputTextAndResultMetrics(t *testing.T) {
	script := `echo '{"type":"assistant-message","text":"looking at the diff"}'; ` +
		`echo '{"type":"assistant-message","text":"looks good"}'; ` +
		`echo '{"type":"result","cost_usd":0.42,"input_tokens":100,"output_tokens":50,"model":"claude-x"}'`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	result := driver.Run(context.Background(), RunOptions{Deadline: 5 * time.Second})

	require.Equal(t, StateEndedOK, result.State)
	assert.Equal(t, "looking at the diff\nlooks good", result.OutputText)
	assert.Equal(t, "claude-x", result.Model)
	assert.InDelta(t, 0.42, result.CostUSD, 0.0001)
	assert.Equal(t, int64(100), result.InputTokens)
	assert.Equal(t, int64(50), result.OutputTokens)
}

func TestRunToleratesResultEventWithoutMetrics(t *testing.T) {
	script := `echo '{"type":"result"}'`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	result := driver.Run(context.Background(), RunOptions{Deadline: 5 * time.Second})

	require.Equal(t, StateEndedOK, result.State)
	assert.Zero(t, result.CostUSD)
	assert.Zero(t, result.InputTokens)
	assert.Zero(t, result.OutputTokens)
}

func TestRunWrapsMalformedLineAsRaw(t *testing.T) {
	script := `echo 'not valid json'; echo '{"type":"result"}'`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	var events []Event
	result := driver.Run(context.Background(), RunOptions{
		Deadline: 5 * time.Second,
		OnEvent:  func(e Event) { events = append(events, e) },
	})

	require.Equal(t, StateEndedOK, result.State)
	require.Len(t, events, 2)
	assert.Equal(t, EventRaw, events[0].Type)
	assert.Equal(t, "not valid json", events[0].Raw)
	assert.Equal(t, EventResult, events[1].Type)
}

func TestRunEndsWithErrorOnNonZeroExit(t *testing.T) {
	script := `echo '{"type":"system-init"}'; exit 1`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	result := driver.Run(context.Background(), RunOptions{Deadline: 5 * time.Second})

	assert.Equal(t, StateEndedError, result.State)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunTimesOutAndKillsProcess(t *testing.T) {
	script := `sleep 5`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	start := time.Now()
	result := driver.Run(context.Background(), RunOptions{Deadline: 200 * time.Millisecond})

	assert.Equal(t, StateTimedOut, result.State)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunRespectsCancellation(t *testing.T) {
	script := `sleep 5`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := driver.Run(ctx, RunOptions{Deadline: 5 * time.Second})
	assert.Equal(t, StateCancelled, result.State)
}

// TestTerminateReturnsSingleWaitResult guards against the process being
// reaped twice: terminate must be the only caller that drains waitDone on
// the timed-out/cancelled paths, returning the one cmd.Wait() result
// itself rather than leaving Run to call cmd.Wait() again afterward.
func TestTerminateReturnsSingleWaitResult(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap 'exit 0' TERM; sleep 5")
	require.NoError(t, cmd.Start())

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	d := &Driver{}
	start := time.Now()
	err := d.terminate(cmd, waitDone)
	assert.Less(t, time.Since(start), killGrace)
	assert.NoError(t, err)

	select {
	case _, ok := <-waitDone:
		t.Fatalf("waitDone should already be drained by terminate, got ok=%v", ok)
	default:
	}
}

func TestRunCapturesStderrTail(t *testing.T) {
	script := `echo "boom" 1>&2; echo '{"type":"result"}'`
	driver := New(&scriptRunner{script: script}, logging.NewNop())

	result := driver.Run(context.Background(), RunOptions{Deadline: 5 * time.Second})
	assert.Equal(t, StateEndedOK, result.State)
	assert.Contains(t, result.StderrTail, "boom")
}
