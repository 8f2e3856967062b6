package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/proxy-loadgen/internal/api"
	"github.com/proxy-loadgen/internal/checker"
	"github.com/proxy-loadgen/internal/config"
	"github.com/proxy-loadgen/internal/dispatch"
	"github.com/proxy-loadgen/internal/executor"
	"github.com/proxy-loadgen/internal/metrics"
	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/proxylist"
	"github.com/proxy-loadgen/internal/report"
	"github.com/proxy-loadgen/internal/storage"
	"github.com/proxy-loadgen/internal/types"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

// multiRecorder fans outcome observations to every recorder.
type multiRecorder []dispatch.Recorder

func (m multiRecorder) RecordRequest(kind types.ErrorKind, seconds float64) {
	for _, r := range m {
		r.RecordRequest(kind, seconds)
	}
}

func (m multiRecorder) RecordPoolExhaustion() {
	for _, r := range m {
		r.RecordPoolExhaustion()
	}
}

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting proxy load generator v%s", version)
	log.Warn("For authorized stress testing only. Ensure you have written permission to load-test the target.")

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	}

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Infof("GOMAXPROCS set to %d", numCPU)

	// Context canceled by SIGINT/SIGTERM; workers drain in-flight
	// requests and the run still produces a best-effort report.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("Received %v, stopping run...", sig)
		cancel()
	}()

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Load proxies
	loader := proxylist.NewLoader(cfg.Proxies)
	endpoints, _, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load proxies: %v", err)
	}
	log.Infof("Loaded %d unique proxies", len(endpoints))

	// Optional pre-flight check
	if cfg.Check.Enabled {
		chk := checker.New(cfg.Check)
		endpoints, err = chk.Filter(ctx, endpoints)
		if err != nil {
			log.Fatalf("Proxy pre-check failed: %v", err)
		}
	}

	proxyPool := pool.New(endpoints,
		pool.WithThresholds(cfg.Pool.DegradedThreshold, cfg.Pool.BannedThreshold),
		pool.WithStateChangeHook(metricsCollector.SetPoolState),
	)
	healthy, _, _ := proxyPool.Counts()
	metricsCollector.SetPoolState(healthy, 0, 0)

	tracker := report.NewTracker(cfg.Run.SuccessPolicy == string(dispatch.SuccessAnyResponse))

	// Storage for the final report
	var store storage.Storage
	store, err = storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Warnf("Storage unavailable: %v (report will not be persisted)", err)
		store = nil
	} else {
		defer store.Close()
	}

	// API server for live stats
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, tracker, proxyPool, metricsCollector, store)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("API server failed: %v", err)
			}
		}()
	}

	timeout := time.Duration(cfg.Run.TimeoutMs) * time.Millisecond
	dispatcher := dispatch.New(
		dispatch.Config{
			TargetURL:        cfg.Target.URL,
			Workers:          cfg.Run.Workers,
			Duration:         time.Duration(cfg.Run.DurationSeconds) * time.Second,
			RequestLimit:     cfg.Run.RequestLimit,
			DelayMin:         time.Duration(cfg.Run.DelayMinMs) * time.Millisecond,
			DelayMax:         time.Duration(cfg.Run.DelayMaxMs) * time.Millisecond,
			ExhaustedBackoff: time.Duration(cfg.Pool.ExhaustedBackoffMs) * time.Millisecond,
			SuccessPolicy:    dispatch.SuccessPolicy(cfg.Run.SuccessPolicy),
			RateLimitRPS:     cfg.Run.RateLimitRPS,
		},
		proxyPool,
		func(workerID int) dispatch.Executor {
			return executor.New(timeout, time.Now().UnixNano()+int64(workerID))
		},
		multiRecorder{metricsCollector, tracker},
	)

	stats := dispatcher.Run(ctx)

	// Persist and print the final report
	rep := report.Build(cfg.Target.URL, cfg.Run.Workers, stats, proxyPool.Snapshot())
	if store != nil {
		if err := store.Save(rep); err != nil {
			log.Errorf("Failed to persist run report: %v", err)
		}
	}

	printSummary(stats, proxyPool)

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
	}

	log.Info("Shutdown complete")
}

func printSummary(stats types.RunStats, proxyPool *pool.Pool) {
	healthy, degraded, banned := proxyPool.Counts()

	fmt.Println("\n--- Summary ---")
	fmt.Printf("Total Requests:      %d\n", stats.RequestsSent)
	fmt.Printf("Successful Requests: %d\n", stats.RequestsSucceeded)
	fmt.Printf("Failed Requests:     %d\n", stats.RequestsFailed)
	fmt.Printf("Elapsed:             %.2fs\n", stats.Elapsed.Seconds())
	fmt.Printf("Effective RPS:       %.2f\n", stats.RPS())

	for _, k := range types.Kinds() {
		if count, ok := stats.PerKind[k]; ok {
			fmt.Printf("  %-18s %d\n", string(k)+":", count)
		}
	}

	fmt.Printf("Proxies:             %d healthy, %d degraded, %d banned\n", healthy, degraded, banned)
}
