// Package app wires the execution core's collaborators — durable stream,
// trigger engine, job queue, playbook executor, live progress channel — into
// one process, and exposes the small set of programmatic queries the CLI and
// any embedding caller need against running and historical executions.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/r3e-network/soar-core/internal/actions"
	"github.com/r3e-network/soar-core/internal/bus"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/executor"
	"github.com/r3e-network/soar-core/internal/live"
	"github.com/r3e-network/soar-core/internal/platform/database"
	"github.com/r3e-network/soar-core/internal/queue"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/internal/store/memory"
	"github.com/r3e-network/soar-core/internal/store/postgres"
	"github.com/r3e-network/soar-core/internal/stream"
	"github.com/r3e-network/soar-core/internal/trigger"
	"github.com/r3e-network/soar-core/pkg/config"
	"github.com/r3e-network/soar-core/pkg/logger"
	"github.com/r3e-network/soar-core/pkg/metrics"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// dataStore is the union of store interfaces every backing implementation
// (memory, postgres) satisfies; app talks to it through this seam so Start
// never cares which one was selected.
type dataStore interface {
	store.PlaybookStore
	store.JobStore
	store.StreamStore
}

// App owns every long-running collaborator of one execution-core process:
// construction wires them together, Start/Stop control their lifecycle.
type App struct {
	cfg *config.Config
	log *logger.Logger

	db       *sql.DB
	notifier *pgnotify.Bus
	dataStore

	eventBus *bus.Bus
	streamSvc *stream.Stream
	registry  *actions.Registry
	exec      *executor.Executor
	trigger   *trigger.Engine
	queuePool *queue.Pool

	hub        *live.Hub
	liveServer *live.Server
	httpServer *http.Server

	stopHub chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every collaborator from cfg but starts nothing; call Start
// to begin consuming events and serving HTTP.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	log := logger.New("soar-core", logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	a := &App{cfg: cfg, log: log, stopHub: make(chan struct{})}

	ds, notifier, db, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a.dataStore = ds
	a.notifier = notifier
	a.db = db

	a.eventBus = bus.New(log)
	a.eventBus.Register("audit-sink", bus.NewAuditSink(ds))

	a.streamSvc = stream.New(ds, a.eventBus, log)
	if notifier != nil {
		a.streamSvc.SetNotifier(notifier)
	}

	a.registry = actions.New()
	if err := actions.RegisterBuiltins(a.registry); err != nil {
		return nil, fmt.Errorf("app: register builtin actions: %w", err)
	}

	a.hub = live.New(log)

	a.exec = executor.New(ds, a.emitToLiveChannel, log)

	triggerCfg := trigger.DefaultConfig()
	if cfg.Runtime.TriggerConcurrency > 0 {
		triggerCfg.Concurrency = cfg.Runtime.TriggerConcurrency
	}
	triggerEngine, err := trigger.New("soar-core", a.streamSvc, ds, ds, log, triggerCfg)
	if err != nil {
		return nil, fmt.Errorf("app: build trigger engine: %w", err)
	}
	if notifier != nil {
		triggerEngine.SetNotifier(notifier)
	}
	a.trigger = triggerEngine

	a.queuePool = queue.New(ds, ds, a.exec, a.registry, log, queue.Config{
		Concurrency: cfg.Runtime.ExecutorConcurrency,
		MaxAttempts: cfg.Runtime.JobAttempts,
	})
	if notifier != nil {
		a.queuePool.SetNotifier(notifier)
	}

	verifier := live.NewTokenVerifier(cfg.Auth.JWTSecret)
	a.liveServer = live.NewServer(a.hub, verifier, log)
	a.liveServer.PingInterval = cfg.Runtime.LiveChannelPing()
	a.liveServer.ReadTimeout = cfg.Runtime.LiveChannelTimeout()
	a.liveServer.TestTrigger = a.TestPlaybook

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: metrics.InstrumentHandler(a.buildRouter()),
	}

	return a, nil
}

// openStore picks the Postgres-backed store when a connection string is
// configured, falling back to the in-memory store for local development and
// tests. The returned notifier is nil in the memory case: there is no
// cluster to wake up.
func openStore(cfg *config.Config, log *logger.Logger) (dataStore, *pgnotify.Bus, *sql.DB, error) {
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return memory.New(), nil, nil, nil
	}
	dsn := cfg.Database.ConnectionString()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("app: open database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("app: run migrations: %w", err)
		}
	}

	pgStore := postgres.New(db)
	notifier := pgnotify.New(dsn, db, log)
	pgStore.SetNotifier(notifier)

	return pgStore, notifier, db, nil
}

// emitToLiveChannel adapts executor.EmitFunc to the hub's room model: every
// payload carrying organizationId/executionId is broadcast to the
// corresponding org:<organizationId> and execution:<executionId> rooms, and
// a payload that also carries playbookId goes to the organization's
// playbooks:<organizationId> room, the room subscribe:playbooks joins.
func (a *App) emitToLiveChannel(eventType string, payload map[string]interface{}) {
	if orgID, ok := payload["organizationId"]; ok {
		a.hub.Publish(fmt.Sprintf("org:%v", orgID), eventType, payload)
	}
	if execID, ok := payload["executionId"]; ok {
		a.hub.Publish(fmt.Sprintf("execution:%v", execID), eventType, payload)
	}
	if _, ok := payload["playbookId"]; ok {
		if orgID, ok := payload["organizationId"]; ok {
			a.hub.Publish(fmt.Sprintf("playbooks:%v", orgID), eventType, payload)
		}
	}
}

// buildRouter exposes exactly the documented HTTP surface: a liveness probe,
// the Prometheus scrape endpoint, and the live progress channel upgrade.
// Playbook/binding CRUD is deliberately absent — those are out of scope for
// this process's HTTP surface. Three fixed routes, none with a path
// parameter, need nothing beyond net/http's own ServeMux.
func (a *App) buildRouter() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	base := a.cfg.Server.Base
	mux.HandleFunc(base+"/soar/live", a.liveServer.Handle)

	return mux
}

// Start begins consuming events and serving HTTP; it returns once every
// collaborator's goroutines have been launched, not once they exit. Stop
// shuts everything down; ctx only bounds construction-time work (none at the
// moment, but kept for symmetry with Stop).
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run(a.stopHub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.trigger.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("app: trigger engine stopped")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.queuePool.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("app: queue pool stopped")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("app: http server stopped")
		}
	}()

	_ = ctx
	return nil
}

// Stop cancels every background collaborator and waits for them to exit,
// bounded by ctx's deadline for the HTTP server's graceful drain.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	close(a.stopHub)

	var shutdownErr error
	if a.httpServer != nil {
		shutdownErr = a.httpServer.Shutdown(ctx)
	}

	a.wg.Wait()

	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.WithError(err).Warn("app: notifier close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("app: database close failed")
		}
	}
	return shutdownErr
}

// PublishEvent appends event to the durable stream, the entry point for any
// ingestion path (operator replay, a future inbound webhook) feeding the
// trigger engine.
func (a *App) PublishEvent(ctx context.Context, event domain.Event) (int64, error) {
	metrics.RecordEventPublished(event.Type)
	return a.streamSvc.Publish(ctx, event)
}

// GetExecution returns one playbook execution by id.
func (a *App) GetExecution(ctx context.Context, id int64) (domain.PlaybookExecution, error) {
	return a.dataStore.GetExecution(ctx, id)
}

// ListExecutions returns an organization's most recent executions, newest
// first, bounded by limit.
func (a *App) ListExecutions(ctx context.Context, organizationID int64, limit int) ([]domain.PlaybookExecution, error) {
	return a.dataStore.ListExecutions(ctx, organizationID, limit)
}

// TestPlaybook runs playbookID against sampleData in dry-run mode,
// backing the live channel's test:trigger message. The sample never
// touches the durable stream: it goes straight to the executor, the same
// in-process path a queued job takes.
func (a *App) TestPlaybook(ctx context.Context, organizationID, playbookID int64, sampleData map[string]interface{}) (int64, error) {
	playbook, err := a.dataStore.GetPlaybook(ctx, playbookID)
	if err != nil {
		return 0, err
	}
	if playbook.OrganizationID != organizationID {
		return 0, store.ErrNotFound
	}

	job := domain.Job{
		PlaybookID:     playbook.ID,
		OrganizationID: organizationID,
		Event: domain.Event{
			Type:           "test:trigger",
			OrganizationID: organizationID,
			Data:           sampleData,
		},
	}
	exec, runErr := a.exec.Run(ctx, executor.RunParams{
		Playbook: playbook,
		Job:      job,
		DryRun:   true,
		Registry: a.registry,
	})
	return exec.ID, runErr
}

// AuditTrail returns the audit log entries recorded against one execution.
func (a *App) AuditTrail(ctx context.Context, executionID, organizationID int64) ([]domain.AuditEntry, error) {
	return a.dataStore.QueryExecutionAuditLogs(ctx, executionID, organizationID)
}
