package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"watchsync/internal/config"
	"watchsync/internal/fanout"
	"watchsync/internal/handlers"
	httpapi "watchsync/internal/http"
	"watchsync/internal/logging"
	"watchsync/internal/repos"
	"watchsync/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Errorf("config: %v", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repos.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		logger.Errorf("migrate: %v", err)
		os.Exit(1)
	}
	for item, total := range cfg.Catalog {
		if err := repo.UpsertCatalogItem(ctx, item, total); err != nil {
			logger.Errorf("seed catalog %s: %v", item, err)
			os.Exit(1)
		}
	}

	hub := fanout.NewHub(logger.With("component", "fanout"))
	var publisher fanout.Publisher = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Errorf("redis %s: %v", cfg.RedisAddr, err)
			os.Exit(1)
		}
		bus := fanout.NewRedisBus(rdb, hub, logger.With("component", "redis"))
		publisher = bus
		go func() {
			if err := bus.Run(ctx); err != nil {
				logger.Errorf("redis relay stopped: %v", err)
			}
		}()
		logger.Infof("fan-out bridged through redis at %s", cfg.RedisAddr)
	}

	svc := services.NewSyncService(repo, repo, publisher, cfg.Arbitration, logger.With("component", "sync"))
	h := handlers.NewSyncHandler(svc, hub, logger)
	router := httpapi.NewRouter(cfg, h, repo, logger)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Infof("watchsync listening on :%s (store=%s)", cfg.Port, repo.Dialect())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	// Event streams are hijacked connections that Shutdown does not wait for.
	hub.Close()
}
