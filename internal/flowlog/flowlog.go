// Package flowlog implements the Flow Log (§4.5): an append-only,
// six-file-per-task journal on shared storage that lets an operator
// reconstruct exactly what happened to any task. Writers never block task
// progress on a failed write — failures are counted and logged, never
// returned up the caller's control flow.
package flowlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskflowhq/orchestrator/internal/logging"
)

// File names fixed by §"FlowLogDirectory".
const (
	fileMetadata    = "metadata.json"
	fileInput       = "01-input.json"
	fileWebhook     = "02-webhook-flow.jsonl"
	fileQueue       = "03-queue-flow.jsonl"
	fileAgentOutput = "04-agent-output.jsonl"
	fileServiceFlow = "05-service-flow.jsonl"
	fileFinalResult = "06-final-result.json"
)

// writeFailures counts write failures across every handle, surfaced as the
// Prometheus counter referenced in §4.5's "surfaced as a counter."
var writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "taskflow",
	Subsystem: "flowlog",
	Name:      "write_failures_total",
	Help:      "Number of Flow Log writes that failed and were dropped.",
})

func init() {
	prometheus.MustRegister(writeFailures)
}

// Event is one line appended to a JSONL stream.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handle is the per-task writer: one directory, six files, shared by every
// component in this process that touches the task.
type Handle struct {
	dir    string
	log    logging.Logger
	mu     sync.Mutex
	jsonl  map[string]*os.File
}

// Registry is the process-wide lookup-or-create map of open Handles keyed
// by task id, generalizing the "global logging singleton keyed by task id"
// idiom: multiple components in the same process share one writer; other
// processes open their own Handle against the same directory, relying on
// append-only semantics to tolerate concurrent appenders.
type Registry struct {
	root    string
	log     logging.Logger
	entries sync.Map // taskID -> *Handle
}

// NewRegistry constructs a Registry rooted at sharedRoot
// ("$LOG_ROOT/tasks").
func NewRegistry(sharedRoot string, log logging.Logger) *Registry {
	return &Registry{root: sharedRoot, log: log}
}

// Open returns the Handle for taskID, creating its directory and opening
// its append-only files on first use.
func (r *Registry) Open(taskID string) (*Handle, error) {
	if existing, ok := r.entries.Load(taskID); ok {
		return existing.(*Handle), nil
	}

	dir := filepath.Join(r.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeFailures.Inc()
		r.log.LogError("failed to create flow log directory", "task_id", taskID, "error", err)
		return nil, err
	}

	h := &Handle{dir: dir, log: logging.ForTask(r.log, taskID), jsonl: make(map[string]*os.File)}
	actual, loaded := r.entries.LoadOrStore(taskID, h)
	if loaded {
		return actual.(*Handle), nil
	}
	return h, nil
}

// Close releases taskID's open file handles. Called once, at worker
// shutdown of that task — not per write.
func (r *Registry) Close(taskID string) {
	existing, ok := r.entries.LoadAndDelete(taskID)
	if !ok {
		return
	}
	existing.(*Handle).close()
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.jsonl {
		_ = f.Close()
	}
}

// writeJSONAtomic writes data to name via write-to-tempfile-then-rename,
// atomic on the same filesystem.
func (h *Handle) writeJSONAtomic(name string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to marshal flow log document", "file", name, "error", err)
		return
	}

	target := filepath.Join(h.dir, name)
	tmp, err := os.CreateTemp(h.dir, "."+name+".tmp-*")
	if err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to create flow log tempfile", "file", name, "error", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to write flow log tempfile", "file", name, "error", err)
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return
	}
	if err := tmp.Sync(); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to fsync flow log tempfile", "file", name, "error", err)
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to close flow log tempfile", "file", name, "error", err)
		_ = os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, target); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to rename flow log file into place", "file", name, "error", err)
		_ = os.Remove(tmpName)
		return
	}
}

// appendJSONL appends one line to name, fsync'ing after the write. The
// file is opened once (O_APPEND|O_CREATE) and kept for the Handle's
// lifetime.
func (h *Handle) appendJSONL(name string, line []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.jsonl[name]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(h.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			writeFailures.Inc()
			h.log.LogError("failed to open flow log stream", "file", name, "error", err)
			return
		}
		h.jsonl[name] = f
	}

	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to append flow log event", "file", name, "error", err)
		return
	}
	if err := f.Sync(); err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to fsync flow log event", "file", name, "error", err)
	}
}

func (h *Handle) appendEvent(name, stage string, fields map[string]any) {
	event := Event{Timestamp: time.Now().UTC(), Stage: stage, Fields: fields}
	b, err := json.Marshal(event)
	if err != nil {
		writeFailures.Inc()
		h.log.LogError("failed to marshal flow log event", "file", name, "error", err)
		return
	}
	h.appendJSONL(name, b)
}

// WriteMetadata rewrites metadata.json in place (static document, updated
// as the task's status changes).
func (h *Handle) WriteMetadata(metadata any) { h.writeJSONAtomic(fileMetadata, metadata) }

// WriteInput writes 01-input.json once, at ingress.
func (h *Handle) WriteInput(input any) { h.writeJSONAtomic(fileInput, input) }

// WriteFinalResult writes 06-final-result.json once, at the task's
// terminal transition.
func (h *Handle) WriteFinalResult(result any) { h.writeJSONAtomic(fileFinalResult, result) }

// LogWebhook appends one line to 02-webhook-flow.jsonl (Ingress Controller
// stages: received, validation, parsing, command_matching, deduplicated,
// queue-push).
func (h *Handle) LogWebhook(stage string, fields map[string]any) {
	h.appendEvent(fileWebhook, stage, fields)
}

// LogQueue appends one line to 03-queue-flow.jsonl (dequeue, ack, nack,
// requeue, dead-letter events).
func (h *Handle) LogQueue(stage string, fields map[string]any) {
	h.appendEvent(fileQueue, stage, fields)
}

// LogAgentOutput appends one line to 04-agent-output.jsonl, one line per
// CLI Driver stream event.
func (h *Handle) LogAgentOutput(stage string, fields map[string]any) {
	h.appendEvent(fileAgentOutput, stage, fields)
}

// LogServiceFlow appends one line to 05-service-flow.jsonl
// (service_call/service_response/service_error events from the Service
// Gateway).
func (h *Handle) LogServiceFlow(stage string, fields map[string]any) {
	h.appendEvent(fileServiceFlow, stage, fields)
}
