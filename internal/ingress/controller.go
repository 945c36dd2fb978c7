package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskflowhq/orchestrator/internal/flowlog"
	"github.com/taskflowhq/orchestrator/internal/idgen"
	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/metrics"
	"github.com/taskflowhq/orchestrator/internal/queue"
	"github.com/taskflowhq/orchestrator/internal/signature"
	"github.com/taskflowhq/orchestrator/internal/task"
)

// maxWebhookBodySize bounds the body we read, matching the teacher's
// handleGitHubWebhook size guard.
const maxWebhookBodySize = 1 << 20

// Decoder turns a raw body into the normalizer-facing Event envelope.
// One per provider; registered alongside the provider's webhook secret.
type Decoder interface {
	Decode(headers http.Header, body []byte) (Event, error)
}

// Controller is the Ingress Controller (§4.6): HTTP router plus the
// verify -> normalize -> dedupe-or-create -> enqueue pipeline.
type Controller struct {
	router     *mux.Router
	verifiers  *signature.Registry
	normalizer *Registry
	store      *task.Store
	queue      *queue.Queue
	flowlogs   *flowlog.Registry
	log        logging.Logger

	secrets  map[task.Provider]string
	decoders map[task.Provider]Decoder
}

// Config bundles the dependencies Controller wires together.
type Config struct {
	Verifiers  *signature.Registry
	Normalizer *Registry
	Store      *task.Store
	Queue      *queue.Queue
	FlowLogs   *flowlog.Registry
	Log        logging.Logger
	Secrets    map[task.Provider]string
	Decoders   map[task.Provider]Decoder
}

// NewController builds a Controller and wires its routes.
func NewController(cfg Config) *Controller {
	c := &Controller{
		verifiers:  cfg.Verifiers,
		normalizer: cfg.Normalizer,
		store:      cfg.Store,
		queue:      cfg.Queue,
		flowlogs:   cfg.FlowLogs,
		log:        cfg.Log,
		secrets:    cfg.Secrets,
		decoders:   cfg.Decoders,
	}
	c.router = c.buildRouter()
	return c
}

// Router exposes the wired mux.Router for the HTTP server to serve.
func (c *Controller) Router() *mux.Router { return c.router }

func (c *Controller) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(c.metricsMiddleware)

	router.HandleFunc("/webhooks/{provider}", c.handleWebhook).Methods(http.MethodPost)
	router.Handle("/admin/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/admin/health", c.handleHealth).Methods(http.MethodGet)

	return router
}

func (c *Controller) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.IngressLatencySeconds.WithLabelValues(mux.Vars(r)["provider"]).Observe(time.Since(start).Seconds())
	})
}

func (c *Controller) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleWebhook is the flow described in §4.6, steps 1-7.
func (c *Controller) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := task.Provider(mux.Vars(r)["provider"])
	installationID := r.Header.Get("X-Installation-ID")

	// Step 1: read raw body and headers.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "bad-body").Inc()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.Body.Close() }()

	headers := make(signature.Headers, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	// Step 2: verify -> on failure, 401.
	secret := c.secrets[provider]
	if err := c.verifiers.Verify(provider, secret, body, headers); err != nil {
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "unauthorized").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Step 3: parse; normalize -> on Ignored, 200.
	decoder, ok := c.decoders[provider]
	if !ok {
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "unknown-provider").Inc()
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}
	event, err := decoder.Decode(r.Header, body)
	if err != nil {
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "bad-payload").Inc()
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	outcome := c.normalizer.Normalize(provider, installationID, event)
	if outcome.Ignored {
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "ignored").Inc()
		c.logIgnored(provider, event, outcome.Reason)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Step 4: generate task id immediately; open Flow Log.
	taskID := idgen.TaskID()
	handle, err := c.flowlogs.Open(taskID)
	if err != nil {
		c.log.LogError("failed to open flow log", "task_id", taskID, "error", err)
	}
	if handle != nil {
		handle.WriteMetadata(map[string]any{"task_id": taskID, "status": "initializing"})
		handle.WriteInput(outcome.Request)
		handle.LogWebhook("received", map[string]any{"provider": string(provider)})
		handle.LogWebhook("validation", map[string]any{"result": "passed"})
		handle.LogWebhook("parsing", nil)
		handle.LogWebhook("command_matching", map[string]any{"matched": true})
	}

	// Step 5: Task Store.create; dedupe on fingerprint within 24h.
	if existing, findErr := c.store.FindByFingerprint(r.Context(), installationID, outcome.Request.Fingerprint); findErr == nil && existing != nil {
		if !existing.Status.Terminal() {
			if handle != nil {
				handle.LogWebhook("deduplicated", map[string]any{"existing_task_id": existing.ID})
			}
			metrics.IngressRequestsTotal.WithLabelValues(string(provider), "deduplicated").Inc()
			c.respondAccepted(w, existing.ID)
			return
		}
	}

	newTask := &task.Task{
		ID:             taskID,
		InstallationID: installationID,
		Provider:       provider,
		Status:         task.StatusQueued,
		Priority:       outcome.Request.Priority,
		InputMessage:   outcome.Request.InputMessage,
		Fingerprint:    outcome.Request.Fingerprint,
		Source:         outcome.Request.Source,
	}
	if err := c.store.Create(r.Context(), newTask); err != nil {
		c.log.LogError("failed to create task", "task_id", taskID, "error", err)
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "store-error").Inc()
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	// Step 6: enqueue; log queue-push.
	if err := c.queue.Enqueue(r.Context(), taskID, outcome.Request.Priority); err != nil {
		c.log.LogError("failed to enqueue task", "task_id", taskID, "error", err)
		metrics.IngressRequestsTotal.WithLabelValues(string(provider), "queue-error").Inc()
		http.Error(w, "failed to enqueue task", http.StatusServiceUnavailable)
		return
	}
	if handle != nil {
		handle.LogWebhook("queue-push", map[string]any{"priority": outcome.Request.Priority})
	}

	metrics.IngressRequestsTotal.WithLabelValues(string(provider), "accepted").Inc()
	c.respondAccepted(w, taskID)
}

func (c *Controller) logIgnored(provider task.Provider, event Event, reason string) {
	c.log.LogDebug("webhook ignored", "provider", string(provider), "reason", reason, "delivery_id", event.DeliveryID)
}

func (c *Controller) respondAccepted(w http.ResponseWriter, taskID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}
