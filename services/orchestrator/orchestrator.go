// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the counsel service.
//
// The Service owns the embedded store, the completion relay, the presence
// broadcaster, the session manager and the HTTP server that exposes them.
//
// # Extension points
//
// extensions.ServiceOptions lets an embedding program replace the
// authentication and audit implementations:
//
//	opts := &extensions.ServiceOptions{AuthProvider: sso, AuditLogger: siem}
//	svc, err := orchestrator.New(cfg, opts)
//
// A nil AuthProvider selects the built-in session manager. A nil
// AuditLogger writes audit events to the service log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/counsel/pkg/config"
	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/llm"
	"github.com/AleutianAI/counsel/services/orchestrator/handlers"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/observability"
	"github.com/AleutianAI/counsel/services/orchestrator/presence"
	"github.com/AleutianAI/counsel/services/orchestrator/prompts"
	"github.com/AleutianAI/counsel/services/orchestrator/relay"
	"github.com/AleutianAI/counsel/services/orchestrator/routes"
	"github.com/AleutianAI/counsel/services/orchestrator/session"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /health. Overridden at link time.
var Version = "dev"

// limiterSweepInterval spaces the removal of idle rate limiter buckets.
const limiterSweepInterval = 5 * time.Minute

// streamDrainTimeout bounds the wait for cancelled chat streams to write
// their final event.
const streamDrainTimeout = 5 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the counsel service lifecycle.
//
// # Thread Safety
//
// Run must be called at most once. Router is safe to call at any time.
type Service interface {
	// Run serves HTTP until ctx is done, then shuts down gracefully and
	// releases every resource owned by the service. A nil return means a
	// clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config config.Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	router      *gin.Engine
	store       *storage.Store
	source      *prompts.Source
	relay       *relay.Relay
	broadcaster *presence.Broadcaster
	limiter     *middleware.UserRateLimiter

	tracerShutdown func(context.Context)
}

// New builds a Service from cfg.
//
// # Description
//
// Components are created in dependency order: tracing, metrics, store,
// prompt catalog, completion backend, relay, presence, sessions and
// finally the router. A failure part way releases what was already
// opened.
//
// # Inputs
//
//   - cfg: validated configuration, see config.Load.
//   - opts: extension points. May be nil.
//   - logger: service logger. nil means slog.Default().
func New(cfg config.Config, opts *extensions.ServiceOptions, logger *slog.Logger) (svc Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{config: cfg, logger: logger}
	if opts != nil {
		s.opts = *opts
	}
	defer func() {
		if err != nil {
			s.cleanup()
		}
	}()

	s.tracerShutdown, err = observability.InitTracer(context.Background(), observability.TracerConfig{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	} else {
		metrics = &observability.Metrics{}
	}

	storeCfg := storage.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		storeCfg = storage.InMemoryConfig()
	}
	storeCfg.Logger = logger
	if cfg.Storage.GCInterval > 0 {
		storeCfg.GCInterval = cfg.Storage.GCInterval
	}
	s.store, err = storage.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s.source, err = prompts.NewSource(cfg.Prompts.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt catalog: %w", err)
	}
	resolver := prompts.NewResolver(s.source, s.store, logger)

	llmCfg := llm.Config{
		Backend:     cfg.LLM.Backend,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	completion, err := llm.New(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion backend: %w", err)
	}
	logger.Info("completion backend ready", "backend", llmCfg.Backend, "model", llmCfg.Model)

	sessions, err := session.NewManager(s.store, session.Config{
		Secret: []byte(cfg.Session.Secret),
		TTL:    cfg.Session.TTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}
	if s.opts.AuthProvider == nil {
		s.opts.AuthProvider = sessions
	}
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = extensions.NewSlogAuditLogger(logger)
	}

	if ok, limit := relay.MlockAvailable(); !ok && !cfg.Relay.InsecureMemory {
		logger.Warn("memory locking limit is low; set relay.insecure_memory if streams fail",
			"memlock_kb", limit)
	}
	s.relay = relay.New(relay.Dependencies{
		Store:   s.store,
		Prompts: resolver,
		LLM:     completion,
		Audit:   s.opts.AuditLogger,
		Metrics: metrics.Streaming,
		Logger:  logger,
	}, relay.Config{
		IdleTimeout:       cfg.Relay.IdleTimeout,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		PacingDelay:       cfg.Relay.PacingDelay,
		MaxHistoryTurns:   cfg.Relay.MaxHistoryTurns,
		InsecureMemory:    cfg.Relay.InsecureMemory,
		Params:            llmCfg.DefaultParams(),
	})

	s.broadcaster = presence.NewBroadcaster(logger, metrics.Presence)
	channel := presence.ChannelConfig{
		QueueSize:       cfg.Presence.OutboundQueueSize,
		WriteWait:       cfg.Presence.WriteWait,
		PongWait:        cfg.Presence.PongWait,
		PingPeriod:      cfg.Presence.PingPeriod,
		MaxMessageBytes: cfg.Presence.MaxMessageBytes,
	}

	s.limiter = middleware.NewUserRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	s.initRouter()
	routes.SetupRoutes(s.router, routes.Dependencies{
		Auth:      middleware.SessionAuth(s.opts.AuthProvider, cfg.Session.CookieName, logger),
		ChatLimit: s.limiter.Middleware(),
		Chat:      handlers.NewChatHandler(s.relay, s.store, metrics.Streaming, logger),
		Presence:  handlers.NewPresenceHandler(s.broadcaster, channel, cfg.Server.AllowedOrigins, logger),
		Accounts: handlers.NewAccountHandler(sessions, s.store, handlers.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.Secure,
		}, logger),
		Prompts:   handlers.NewPromptHandler(s.store, resolver, s.source, logger),
		Files:     handlers.NewFileHandler(s.store, cfg.Server.MaxUploadBytes, cfg.Server.AvatarDir, logger),
		Health:    handlers.HandleHealth(s.store, Version),
		Metrics:   metricsHandler,
		AvatarDir: cfg.Server.AvatarDir,
	})

	return s, nil
}

func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware(s.config.Telemetry.ServiceName),
		middleware.RequestID(),
		middleware.AccessLog(s.logger),
	)
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is done.
//
// # Description
//
// Three workers share one errgroup: the HTTP server, the prompt catalog
// watcher (when enabled) and the rate limiter sweeper. Cancelling ctx
// closes every presence channel, stops the listener and drains in-flight
// requests for up to Server.ShutdownTimeout. Chat streams still running
// after that are cancelled with relay.ErrShuttingDown, which sends their
// clients an error event, and are waited for before the store, secure
// memory and tracer are released.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	baseCtx, cancelBase := context.WithCancelCause(context.Background())
	defer cancelBase(nil)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.config.Server.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("counsel listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "timeout", s.config.Server.ShutdownTimeout)
		// Presence channels are hijacked connections; Shutdown does not wait for them.
		s.broadcaster.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		shutdownErr := srv.Shutdown(shutdownCtx)

		cancelBase(relay.ErrShuttingDown)
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), streamDrainTimeout)
		defer cancelDrain()
		if err := s.relay.Drain(drainCtx); err != nil {
			s.logger.Error("chat streams did not stop", "error", err)
		}
		_ = srv.Close()

		if shutdownErr != nil {
			return fmt.Errorf("http shutdown: %w", shutdownErr)
		}
		return nil
	})

	if s.config.Prompts.Watch {
		g.Go(func() error {
			return s.source.Watch(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := s.limiter.Sweep(); n > 0 {
					s.logger.Debug("rate limiter buckets swept", "removed", n)
				}
			}
		}
	})

	return g.Wait()
}

// cleanup releases resources in reverse order of creation. It tolerates
// a partially constructed service.
func (s *service) cleanup() {
	if s.opts.AuditLogger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.opts.AuditLogger.Flush(ctx); err != nil {
			s.logger.Warn("audit flush failed", "error", err)
		}
		cancel()
	}
	relay.PurgeSecureMemory()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "error", err)
		}
	}
	if s.tracerShutdown != nil {
		s.tracerShutdown(context.Background())
	}
}
