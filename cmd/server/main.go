/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the FlexClub scheduling engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + FLEXCLUB_* env overrides)
  2. Open SQLite store (auto-migrated)
  3. Wire event bus, resolution cache, resolver and engines
  4. Configure HTTP router
  5. Start server and billing scheduler with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to YAML config file (default: config/flexclub.yaml;
           missing file falls back to built-in defaults)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (10s timeout)
  3. Stop the billing scheduler and cache watcher
  4. Close the database connection

EXAMPLES:
  ./server
  ./server -config=./config/prod.yaml
  FLEXCLUB_HTTP_ADDR=:9090 ./server
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexclub/schedule-engine/api"
	"github.com/flexclub/schedule-engine/billing"
	"github.com/flexclub/schedule-engine/booking"
	"github.com/flexclub/schedule-engine/config"
	"github.com/flexclub/schedule-engine/logger"
	"github.com/flexclub/schedule-engine/schedule"
	"github.com/flexclub/schedule-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "config/flexclub.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.App.Env)

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Error("failed to open store", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("store opened", "path", cfg.DB.Path)

	// Domain wiring: bus -> cache -> resolver -> engines.
	bus := schedule.NewBus()
	cache := schedule.NewResolutionCache(schedule.DefaultCacheTTL)
	stopWatch := cache.WatchBus(bus)
	defer stopWatch()

	resolver := schedule.NewResolver(store, cache)
	registry := schedule.NewRegistry(store, bus)
	engine := booking.NewEngine(store, resolver, bus)

	rates := billing.DefaultTierRates()
	if len(cfg.Billing.TierRates) > 0 {
		rates = billing.ParseTierRates(cfg.Billing.TierRates)
	}
	reconciler := billing.NewReconciler(store, resolver, bus, rates)

	metrics := api.NewMetrics()
	handler := api.NewHandler(store, resolver, registry, engine, reconciler, bus, metrics, log)
	router := api.NewRouter(handler, cfg.Metrics.Enabled)

	scheduler := api.NewBillingScheduler(reconciler, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.GenerateDay = cfg.Billing.GenerateDay
	if interval, err := time.ParseDuration(cfg.Scheduler.Interval); err == nil {
		scheduler.CheckInterval = interval
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			stop()
		}
	}()
	log.Info("HTTP server started", "addr", cfg.HTTP.Addr, "env", cfg.App.Env)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("graceful shutdown complete")
}
