package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PascalSeth/tripsync/internal/app/broker"
	"github.com/PascalSeth/tripsync/internal/app/registry"
	"github.com/PascalSeth/tripsync/internal/app/server"
	"github.com/PascalSeth/tripsync/internal/app/server/handlers"
	"github.com/PascalSeth/tripsync/internal/app/worker"
	"github.com/PascalSeth/tripsync/internal/config"
	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/internal/core/services"
	"github.com/PascalSeth/tripsync/internal/platform/logger"
	"github.com/PascalSeth/tripsync/internal/platform/telemetry"
	"github.com/PascalSeth/tripsync/internal/plugins/memory"
	"github.com/PascalSeth/tripsync/internal/plugins/postgres"
	redisPlugin "github.com/PascalSeth/tripsync/internal/plugins/redis"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

type stores struct {
	requests  domain.RequestRepository
	approvals domain.ApprovalRepository
	groups    domain.GroupRepository
	locations contracts.LocationStore
	ping      func(ctx context.Context) error
}

func main() {
	// Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config
	cfg := config.Load()

	// Logger
	log := logger.NewLogger(*cfg)
	log.Info("starting application", slog.String("env", cfg.Service.Env), slog.String("store", cfg.Store.Driver))

	otelShutdown, err := telemetry.InitTelemetry(ctx, *cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", logging.Err(err))
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", logging.Err(err))
		}
	}()

	if cfg.SecretToken == "" {
		log.Error("JWT_SECRET is required")
		return
	}
	tokenSvc := services.NewTokenService(cfg.SecretToken, cfg.Token.Issuer, cfg.Token.TTL)

	// Infra
	st, closeStore, err := openStores(ctx, log, cfg)
	if err != nil {
		log.Error("record store unavailable", logging.Err(err))
		return
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Relay.Enabled || cfg.Store.Driver != "memory" {
		if rdb, err = redisPlugin.NewRedisClient(ctx, *cfg.Redis); err != nil {
			log.Error("redis connection failed", slog.String("url", cfg.Redis.URL), logging.Err(err))
			return
		}
		defer rdb.Close()
		log.Info("redis connected")
		st.locations = redisPlugin.NewLocationStore(rdb, cfg.Redis.LocationTTL)
	}

	// Fan-out
	b := broker.NewBroker(log)
	hub := registry.NewRegistry(log, b, tokenSvc, cfg.Broker.AnonymousEmergency)
	var relayWorker contracts.AsyncWorker
	if cfg.Relay.Enabled {
		relay := redisPlugin.NewRelay(log, rdb, cfg.Relay.ChannelPrefix)
		b.UseRelay(relay)
		relayWorker = worker.NewRelayWorker(log, relay, b)
	}

	// Core Services
	groups := services.NewGroupCoordinator(log, st.groups)
	matcher := services.NewMatcher(log, st.requests, st.approvals)
	lifecycle := services.NewLifecycleService(log, st.requests, groups, matcher, st.locations, b)
	dispatcher := services.NewDispatcher(log, hub, lifecycle, matcher)

	// Server
	srv := server.NewServer(log, cfg.Service.Name, cfg.Service.Add, tokenSvc,
		handlers.NewWSHandler(log, hub, dispatcher, *cfg.WebSocket, cfg.Broker.AnonymousEmergency),
		handlers.NewRequestHandler(lifecycle, matcher),
	)

	if rdb != nil {
		srv.AddHealthCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	if st.ping != nil {
		srv.AddHealthCheck("postgres", st.ping)
	}

	errCh := make(chan error, 2)
	if relayWorker != nil {
		go func() {
			if err := relayWorker.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("component failed, shutting down", logging.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", logging.Err(err))
	}
	log.Info("server stopped", slog.Int("open_connections", hub.Count()))
}

func openStores(ctx context.Context, log *slog.Logger, cfg *config.Config) (*stores, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		mem := memory.NewStore()
		log.Warn("using in-memory record store; data is lost on restart")
		return &stores{requests: mem, approvals: mem, groups: mem, locations: mem}, func() {}, nil
	case "postgres":
		pdb, err := postgres.New(ctx, *cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.EnsureSchema(ctx, pdb); err != nil {
			pdb.Close()
			return nil, nil, err
		}
		log.Info("postgres connected")
		tx := postgres.NewTxManager(pdb)
		return &stores{
			requests:  postgres.NewRequestRepo(pdb),
			approvals: postgres.NewApprovalRepo(pdb),
			groups:    postgres.NewGroupRepo(pdb, tx),
			// replaced by the redis store once redis is up
			locations: memory.NewStore(),
			ping:      pdb.PingContext,
		}, func() { pdb.Close() }, nil
	}
	return nil, nil, errors.New("unknown STORE_DRIVER " + cfg.Store.Driver)
}
