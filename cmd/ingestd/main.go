package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/protei/telemetry-ingest/internal/config"
	"github.com/protei/telemetry-ingest/internal/ingest"
	"github.com/protei/telemetry-ingest/internal/logger"
	"github.com/protei/telemetry-ingest/internal/metrics"
	"github.com/protei/telemetry-ingest/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/telemetry-ingest/config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get().WithComponent("main")

	pg, err := store.New(store.Config{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Database: cfg.Store.Database,
		User:     cfg.Store.User,
		Password: cfg.Store.Password,
		SSLMode:  cfg.Store.SSLMode,
		MaxConns: cfg.Store.MaxConns,
		MaxIdle:  cfg.Store.MaxIdle,
	})
	if err != nil {
		log.Fatal("connect to store", err)
	}
	defer pg.Close()
	log.Info("store connected and migrated")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sup := ingest.NewSupervisor(cfg, pg, m)
	adminServer := metrics.NewServer(cfg.MetricsAddr, registry, func() bool { return true })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		config.ApplyReloadable(cfg, next)
		logger.Get().SetLevel(cfg.Logging.Level)
		log.Info("configuration hot-reloaded")
	})
	if err != nil {
		log.Warn("config hot-reload disabled", "error", err.Error())
	} else {
		defer watcher.Close()
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sup.Run(gctx)
	})
	group.Go(func() error {
		log.Info("admin server listening", "addr", cfg.MetricsAddr)
		return adminServer.ListenAndServe()
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		return adminServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Warn("shut down with error", "error", err.Error())
	}
	log.Info("shutdown complete")
}
