// Package main is the entrypoint for the Redis Master Coordinator.
// It loads configuration, wires the probe/watcher/registry/bus into
// the Coordinator State Machine, starts the metrics and status HTTP
// surfaces, and shuts everything down gracefully on signal.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/bus"
	"github.com/beetle-rb/redis-coordinator/internal/config"
	"github.com/beetle-rb/redis-coordinator/internal/coordinator"
	"github.com/beetle-rb/redis-coordinator/internal/dispatch"
	"github.com/beetle-rb/redis-coordinator/internal/redisprobe"
	"github.com/beetle-rb/redis-coordinator/internal/status"
	"github.com/beetle-rb/redis-coordinator/internal/watcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var configPath = flag.String("config", "configs/coordinator.yaml", "Path to coordinator configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting Redis Master Coordinator")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d redis servers, %d expected clients",
		len(cfg.Redis.Servers), len(cfg.Coordinator.ClientIDs))
	for _, s := range cfg.Redis.Servers {
		log.Printf("[main]   Redis server %s", s)
	}

	// ─── Metrics HTTP server ──────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on %s/metrics", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Redis Probe ──────────────────────────────────────────────────
	log.Println("[main] Initializing Redis probe...")
	prober := redisprobe.New(cfg.Redis.Servers, cfg.Redis.DialTimeout, cfg.Redis.ProbeTimeout)
	defer func() {
		log.Println("[main] Closing Redis probe...")
		if err := prober.Close(); err != nil {
			log.Printf("[main] Probe close error: %v", err)
		}
	}()

	// ─── Control-plane bus ────────────────────────────────────────────
	log.Printf("[main] Connecting to control bus at %s...", cfg.Bus.Addr)
	busClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Bus.Addr,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	defer func() {
		log.Println("[main] Closing control bus client...")
		if err := busClient.Close(); err != nil {
			log.Printf("[main] Bus client close error: %v", err)
		}
	}()
	redisBus := bus.NewRedisBus(busClient)

	// ─── Coordinator State Machine ────────────────────────────────────
	log.Println("[main] Initializing coordinator...")
	coordCfg := coordinator.Config{
		ExpectedClientIDs:     cfg.Coordinator.ClientIDs,
		MasterRetries:         cfg.Coordinator.MasterRetries,
		WatcherInterval:       cfg.Coordinator.WatcherInterval,
		ClientTimeout:         cfg.Coordinator.ClientTimeout,
		ClientDeadThreshold:   cfg.Coordinator.ClientDeadThreshold,
		UnknownClientCapacity: cfg.Coordinator.UnknownClientCapacity,
		MasterFilePath:        cfg.Coordinator.MasterFile,
	}

	// Coordinator and Watcher are mutually referential (the watcher
	// notifies the coordinator; the coordinator starts/rearms the
	// watcher), so the watcher is built first against a coordinator
	// reference that is only filled in once New returns.
	var coord *coordinator.Coordinator
	w := watcher.New(prober, watcherCoordinator{get: func() *coordinator.Coordinator { return coord }}, cfg.Coordinator.WatcherInterval, cfg.Coordinator.MasterRetries)
	coord = coordinator.New(coordCfg, prober, redisBus, w)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatalf("[main] Failed to start coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] Stopping coordinator...")
		coord.Stop()
	}()
	snap := coord.Status()
	log.Printf("[main] Coordinator ready: state=%s current_master=%s", snap.State, snap.CurrentMaster)

	// ─── Message Dispatcher over the control bus ─────────────────────
	dispatcher := dispatch.New(coord)
	subCtx, subCancel := context.WithCancel(context.Background())
	go func() {
		log.Printf("[main] Subscribing to control routing keys: %v", dispatch.RoutingKeys)
		if err := redisBus.Subscribe(subCtx, dispatch.RoutingKeys, dispatcher.Handle); err != nil {
			log.Printf("[main] Bus subscribe error: %v", err)
		}
	}()
	defer subCancel()

	// ─── Status HTTP server ───────────────────────────────────────────
	statusServer := status.New(coord, cfg.Status.ListenAddr)
	httpStatusServer := statusServer.ListenAndServe()

	// ─── Graceful Shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Coordinator is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown in reverse order.
	if err := httpStatusServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Status server shutdown error: %v", err)
	}

	subCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}

// watcherCoordinator adapts a not-yet-constructed *coordinator.Coordinator
// into a watcher.Coordinator: the watcher is built before the
// coordinator it notifies exists, since the coordinator's constructor
// takes the watcher as an argument.
type watcherCoordinator struct {
	get func() *coordinator.Coordinator
}

func (w watcherCoordinator) MasterAvailable()   { w.get().MasterAvailable() }
func (w watcherCoordinator) MasterUnavailable() { w.get().MasterUnavailable() }
