// Package app assembles the research service from configuration and runs its
// HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/prosearch/internal/config"
	"github.com/Kocoro-lab/prosearch/internal/db"
	"github.com/Kocoro-lab/prosearch/internal/health"
	"github.com/Kocoro-lab/prosearch/internal/httpapi"
	"github.com/Kocoro-lab/prosearch/internal/knowledgebase"
	"github.com/Kocoro-lab/prosearch/internal/llm"
	"github.com/Kocoro-lab/prosearch/internal/planner"
	"github.com/Kocoro-lab/prosearch/internal/reflection"
	"github.com/Kocoro-lab/prosearch/internal/research"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
	"github.com/Kocoro-lab/prosearch/internal/websearch"
)

const breakerMetricsInterval = 15 * time.Second

// App holds the wired components of one process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Tunnel  *tunnel.Manager
	Events  *streaming.Manager
	Service *research.Service
	Health  *health.Manager

	redis    redis.UniversalClient
	dbClient *db.Client
	archive  *db.SessionArchive

	stopTracing func(context.Context) error
	stopMetrics context.CancelFunc
}

// New wires every component described by cfg. Optional backends (Redis,
// Postgres, tracing) are only contacted when enabled. Nothing is started
// until Start or Serve is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, stopTracing: func(context.Context) error { return nil }}

	stop, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		a.stopTracing = stop
	}

	table, err := cfg.EffortTable()
	if err != nil {
		return nil, err
	}

	var store streaming.Store
	if cfg.Streaming.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Streaming.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("streaming redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		rs := streaming.NewRedisStore(a.redis, cfg.Streaming.RedisTTL, logger)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("Event store unreachable, replay limited to memory", zap.Error(err))
		}
		store = rs
	}
	a.Events = streaming.NewManager(cfg.Streaming.RingCapacity, store, logger)
	if cfg.Streaming.Retention > 0 {
		a.Events.SetRetention(cfg.Streaming.Retention)
	}

	if cfg.Database.Enabled {
		client, err := db.Open(ctx, cfg.Database.Config, logger)
		if err != nil {
			a.closeBackends()
			return nil, err
		}
		a.dbClient = client
		a.archive = db.NewSessionArchive(client, logger)
		if err := a.archive.Migrate(ctx); err != nil {
			a.closeBackends()
			return nil, err
		}
	}

	a.Tunnel = tunnel.NewManager(cfg.Tunnel, tunnel.NewSSHDialer(logger), tunnel.TCPProber{}, logger)
	a.Tunnel.OnStatus(func(ev tunnel.StatusEvent) {
		a.Events.Publish(context.Background(), streaming.SystemStream, streaming.TunnelStatus{
			From:    ev.From.String(),
			To:      ev.To.String(),
			Reason:  ev.Reason,
			Attempt: ev.Attempt,
		})
	})

	model := llm.NewClient(cfg.LLM, nil, logger)
	deps := research.Deps{
		Planner:     planner.New(model, logger),
		Reflector:   reflection.New(model, logger),
		Synthesizer: model,
		Events:      a.Events,
	}
	if cfg.Web.APIKey != "" && cfg.Web.EngineID != "" {
		deps.Web = websearch.NewResearcher(websearch.NewGoogleCSE(cfg.Web, nil, logger), cfg.Web.Timeout, logger)
	} else {
		logger.Warn("Web search disabled: api_key and engine_id are required")
	}
	switch {
	case cfg.Tunnel.SSHHost != "":
		deps.KnowledgeBase = knowledgebase.NewClient(cfg.KnowledgeBase, a.Tunnel, nil, logger)
	case cfg.KnowledgeBase.BaseURL != "":
		deps.KnowledgeBase = knowledgebase.NewClient(cfg.KnowledgeBase, directRoute{}, nil, logger)
		logger.Info("Knowledge base reached directly", zap.String("base_url", cfg.KnowledgeBase.BaseURL))
	default:
		logger.Warn("Knowledge base disabled: no ssh host or base_url configured")
	}

	orch := research.NewOrchestrator(deps, logger)
	var archive research.Archive
	if a.archive != nil {
		archive = a.archive
	}
	a.Service = research.NewService(orch, a.Events, table, archive, logger)
	a.Service.SetSessionTimeout(cfg.Research.SessionTimeout)

	a.Health = health.NewManager(cfg.Health.CheckInterval, logger)
	if err := a.registerCheckers(store); err != nil {
		a.closeBackends()
		return nil, err
	}
	return a, nil
}

func (a *App) registerCheckers(store streaming.Store) error {
	checkers := []health.Checker{
		health.NewBreakersChecker(circuitbreaker.GlobalMetricsCollector.Snapshot),
	}
	if a.cfg.Tunnel.SSHHost != "" {
		checkers = append(checkers, health.NewTunnelChecker(a.Tunnel))
	}
	if rs, ok := store.(*streaming.RedisStore); ok {
		checkers = append(checkers, health.NewPingChecker("redis", rs, rs.Breaker(), false))
	}
	if a.dbClient != nil {
		checkers = append(checkers, health.NewPingChecker("database", a.dbClient, a.dbClient.Breaker(), false))
	}
	for _, c := range checkers {
		if err := a.Health.RegisterChecker(c); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background loops: tunnel monitor, health checks and
// breaker metrics.
func (a *App) Start(ctx context.Context) {
	if a.cfg.Tunnel.SSHHost != "" {
		a.Tunnel.Start(ctx)
	}
	a.Health.Start(ctx)
	mctx, cancel := context.WithCancel(ctx)
	a.stopMetrics = cancel
	circuitbreaker.StartMetricsCollection(mctx, breakerMetricsInterval)
}

// APIHandler returns the public research API.
func (a *App) APIHandler() http.Handler {
	mux := http.NewServeMux()
	var archive httpapi.ArchiveReader
	if a.archive != nil {
		archive = a.archive
	}
	httpapi.NewHandler(a.Service, a.Events, archive, a.logger).RegisterRoutes(mux)
	return mux
}

// AdminHandler returns health and metrics endpoints.
func (a *App) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	health.NewHTTPHandler(a.Health, a.logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve starts the app, serves the API and admin endpoints until ctx is
// done, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)

	api := &http.Server{Addr: a.cfg.Server.Addr, Handler: a.APIHandler(), ReadHeaderTimeout: 10 * time.Second}
	admin := &http.Server{Addr: a.cfg.Server.AdminAddr, Handler: a.AdminHandler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{api, admin} {
		g.Go(func() error {
			a.logger.Info("HTTP server listening", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down research service")
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Sessions first so their streams complete and SSE clients disconnect.
		if err := a.Service.Shutdown(sctx); err != nil {
			a.logger.Warn("Sessions did not finish before shutdown deadline", zap.Error(err))
		}
		for _, srv := range []*http.Server{api, admin} {
			if err := srv.Shutdown(sctx); err != nil {
				a.logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})
	err := g.Wait()
	a.Close(context.Background())
	return err
}

// Close releases every resource held by the app. It is safe to call after
// Serve returned.
func (a *App) Close(ctx context.Context) {
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	a.Health.Stop()
	if err := a.Tunnel.Close(); err != nil {
		a.logger.Warn("Tunnel close failed", zap.Error(err))
	}
	a.closeBackends()
	if err := a.stopTracing(ctx); err != nil {
		a.logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

func (a *App) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Redis close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.dbClient != nil {
		if err := a.dbClient.Close(); err != nil {
			a.logger.Warn("Database close failed", zap.Error(err))
		}
		a.dbClient = nil
	}
}

// directRoute stands in for the tunnel when the knowledge base is reachable
// without SSH. knowledgebase.Config.BaseURL supplies the address.
type directRoute struct{}

func (directRoute) EnsureConnected(context.Context, time.Duration) (tunnel.Handle, error) {
	return tunnel.Handle{State: tunnel.StateConnected}, nil
}

func (directRoute) ReportBroken(uint64, string) {}
