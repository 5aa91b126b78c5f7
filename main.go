package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"todo-api/api"
	"todo-api/config"
	"todo-api/domain"
	"todo-api/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	tables, err := storage.New(cfg.StorageConnectionString, cfg.TableName, cfg.OwnerIndexTable)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	var store domain.Store = tables

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		store = storage.NewCache(tables, rc, cfg.CacheTTL)
		logger.Infof("list cache enabled, ttl: %v", cfg.CacheTTL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewCollector(registry)

	var publisher *api.AsyncPublisher
	var events domain.EventPublisher
	if cfg.EventsQueue != "" {
		queue, err := storage.NewEventQueue(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			logger.Fatalf("events queue: %v", err)
		}
		publisher = api.NewAsyncPublisher(queue, api.PublisherConfig{
			Workers:        cfg.EventWorkers,
			Buffer:         cfg.EventBuffer,
			PublishTimeout: cfg.StoreTimeout,
			HandoffTimeout: cfg.EventHandoffTimeout,
		}, logger, metrics)
		events = publisher
	}

	svc := domain.NewService(store, events, logger, cfg.StoreTimeout)

	var auth *api.Auth
	if cfg.LocalAuth() {
		logger.Warn("local HS256 authentication enabled; do not use in production")
		auth = api.NewLocalAuth([]byte(cfg.LocalAuthSecret), cfg.Audience, cfg.IssuerURI)
	} else {
		jwks, err := api.LoadJWKS(cfg.JWKSURL, cfg.JWKSRefreshRateLimit, logger)
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, cfg.Audience, cfg.IssuerURI)
	}

	opts := api.Options{RequireAuth: cfg.RequireAuth}
	if rc != nil {
		opts.Idempotency = api.NewRedisIdempotency(rc, cfg.IdempotencyTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	api.Use(e, logger, api.MiddlewareConfig{
		AllowOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		Registry:     registry,
	})
	api.Register(e, svc, auth, logger, metrics, opts)

	listenAddr := cfg.ListenAddr()
	e.Server = &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		logger.Infof("todo api listening on %s", listenAddr)
		if err := e.StartServer(e.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			refreshKeys(auth, logger)
			continue
		}
		logger.Infof("received %v, shutting down", sig)
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	if publisher != nil {
		if err := publisher.Close(ctx); err != nil {
			logger.WithError(err).Error("event publisher did not drain")
		}
	}
	if auth.JWKS != nil {
		auth.JWKS.EndBackground()
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			logger.WithError(err).Warn("redis close")
		}
	}
	logger.Info("shutdown complete")
}

func refreshKeys(auth *api.Auth, logger *log.Logger) {
	if auth.JWKS == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auth.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("jwks refresh on SIGHUP failed")
		return
	}
	logger.Infof("jwks refreshed, kids: %d", len(auth.JWKS.KIDs()))
}
