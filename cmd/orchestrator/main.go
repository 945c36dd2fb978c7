// Command orchestrator is the service entrypoint: it wires the Ingress
// Controller, Priority Queue, Worker Loop pool, and their shared stores
// together, runs startup reconciliation, then serves webhook traffic until
// told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/taskflowhq/orchestrator/internal/clidriver"
	"github.com/taskflowhq/orchestrator/internal/completion"
	"github.com/taskflowhq/orchestrator/internal/config"
	"github.com/taskflowhq/orchestrator/internal/flowlog"
	"github.com/taskflowhq/orchestrator/internal/gateway"
	"github.com/taskflowhq/orchestrator/internal/ingress"
	"github.com/taskflowhq/orchestrator/internal/logging"
	"github.com/taskflowhq/orchestrator/internal/queue"
	"github.com/taskflowhq/orchestrator/internal/signature"
	"github.com/taskflowhq/orchestrator/internal/task"
	"github.com/taskflowhq/orchestrator/internal/worker"
	"github.com/taskflowhq/orchestrator/internal/workspace"
)

const completionService = "chat"

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.EnableDebugLogging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.LogError("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := task.NewStore(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogError("failed to reach redis", "error", err)
		os.Exit(1)
	}
	q := queue.New(rdb, cfg.Lease(), cfg.MaxAttempts)

	flowlogs := flowlog.NewRegistry(cfg.LogRoot, log)

	gw := gateway.New(gateway.Config{
		BaseURLs: cfg.ServiceBaseURLs,
		FlowLogs: flowlogs,
		Log:      log,
	})
	router := completion.New(gw, rdb, log)

	ws := workspace.New(cfg.WorkspaceRoot, 2*cfg.TaskDeadline(), log)
	ws.StartReaper(ctx)
	defer ws.StopReaper()

	var runner clidriver.Runner
	switch cfg.CLIProvider {
	case config.CLIProviderCursor:
		runner = clidriver.NewCursorRunner(os.Getenv("CURSOR_API_KEY"))
	default:
		runner = clidriver.NewClaudeRunner(os.Getenv("ANTHROPIC_API_KEY"))
	}
	driver := clidriver.New(runner, log)

	if err := worker.Reconcile(ctx, store, q, log); err != nil {
		log.LogError("startup reconciliation failed", "error", err)
	}

	workers := make([]*worker.Worker, 0, cfg.MaxConcurrentPerWorker)
	for i := 0; i < cfg.MaxConcurrentPerWorker; i++ {
		w := worker.New(worker.Config{
			WorkerID:      workerID(i),
			Store:         store,
			Queue:         q,
			Workspace:     ws,
			Driver:        driver,
			Router:        router,
			FlowLogs:      flowlogs,
			Log:           log,
			CompletionSvc: completionService,
			TaskDeadline:  cfg.TaskDeadline(),
			AccessTokens:  cfg.InstallationAccessTokens,
			CloneHost:     cfg.CodeForgeCloneHost,
		})
		workers = append(workers, w)
		go w.Run(ctx)
	}

	secrets := make(map[task.Provider]string, len(cfg.WebhookSecrets))
	for provider, secret := range cfg.WebhookSecrets {
		secrets[task.Provider(provider)] = secret
	}

	controller := ingress.NewController(ingress.Config{
		Verifiers:  signature.NewRegistry(),
		Normalizer: ingress.NewRegistry(cfg.AgentHandle, cfg.TriggerLabel, cfg.TriggerKeyword),
		Store:      store,
		Queue:      q,
		FlowLogs:   flowlogs,
		Log:        log,
		Secrets:    secrets,
		Decoders: map[task.Provider]ingress.Decoder{
			task.ProviderCodeForge:    ingress.CodeForgeDecoder{},
			task.ProviderTracker:      ingress.TrackerDecoder{},
			task.ProviderChat:         ingress.ChatDecoder{},
			task.ProviderErrorMonitor: ingress.ErrorMonitorDecoder{},
		},
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: controller.Router(),
	}

	go func() {
		log.LogInfo("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.LogInfo("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogWarn("http server shutdown did not complete cleanly", "error", err)
	}
}

func workerID(i int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(i)
}
