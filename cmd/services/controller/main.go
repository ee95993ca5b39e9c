package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/clustermap"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/discovery"
	"github.com/meshstor/meshstor/internal/events"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/mesh"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/nodelock"
	"github.com/meshstor/meshstor/internal/onboarding"
	"github.com/meshstor/meshstor/internal/queue"
	"github.com/meshstor/meshstor/internal/router"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/services"
	"github.com/meshstor/meshstor/internal/utils"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Controller starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// Metadata store
	kv, etcdKV, err := openKV(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open metadata store", "type", cfg.Store.Type, "error", err)
	}
	store := metadata.NewKVManager(kv, cfg.Store.Prefix, cfg.Store.CacheTTL)
	defer func() { _ = store.Close() }()

	// Node locks
	var locker nodelock.Locker = nodelock.NewLocalLocker()
	if cfg.Orchestrator.LockType == "etcd" {
		if etcdKV == nil {
			etcdKV, err = metadata.NewEtcdKV(cfg.Etcd)
			if err != nil {
				logger.Fatal("Failed to connect to etcd for node locks", "error", err)
			}
			defer func() { _ = etcdKV.Close() }()
		}
		locker = nodelock.NewEtcdLocker(etcdKV.Client(), cfg.Store.Prefix, cfg.Orchestrator.LockTTL, logger)
	}
	logger.Info("Node locks initialized", "type", cfg.Orchestrator.LockType)

	// Backend RPC pool and agent client
	pool, err := rpc.NewPool(cfg.RPC, logger)
	if err != nil {
		logger.Fatal("Failed to create backend RPC pool", "error", err)
	}
	defer pool.Close()
	agentClient := agent.NewHTTPClient(cfg.Agent, logger)

	// Event queue
	logger.Info("Connecting to Queue", "type", cfg.Queue.Type, "url", cfg.Queue.URL)
	queueClient, err := queue.NewQueue(cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to connect to Queue", "error", err)
	}
	defer func() { _ = queueClient.Close() }()

	maxParallel := cfg.Orchestrator.MaxParallel
	notifier := events.NewNotifier(queueClient, pool, store, cfg.Events, maxParallel, logger)

	svc := services.NewNodeService(services.Deps{
		Store:      store,
		Allocator:  metadata.NewAllocator(kv, cfg.Store.Prefix),
		Volumes:    metadata.NewVolumeRegistry(kv, cfg.Store.Prefix),
		Locker:     locker,
		Agent:      agentClient,
		Discoverer: discovery.New(agentClient, pool, cfg.Discovery, logger),
		Onboarder:  onboarding.New(pool, cfg.Fabric, cfg.Onboarding, maxParallel, logger),
		Mesh:       mesh.New(pool, store, locker, cfg.Mesh, cfg.Orchestrator, logger),
		Maps: clustermap.NewDistributor(pool, store,
			clustermap.NewBuilder(cfg.ClusterMap.Partitions, nil), cfg.ClusterMap, maxParallel, logger),
		Events: notifier,
		Logger: logger,
	}, cfg)

	// Device health reports from node agents
	var reports *events.ReportListener
	if cfg.Events.ListenReports {
		reports = events.NewReportListener(queueClient, cfg.Events.SubjectPrefix, svc.ReportStatus, utils.DefaultRequestTimeout, logger)
		if err := reports.Start(); err != nil {
			logger.Fatal("Failed to start report listener", "error", err)
		}
	}

	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	app := router.New(logger, svc, cfg, Version)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down controller...")

	if reports != nil {
		if err := reports.Stop(); err != nil {
			logger.Warn("Failed to stop report listener", "error", err)
		}
	}

	// Wait for in-flight requests
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Controller exited")
}

// openKV opens the configured metadata backend. The etcd handle is returned
// as well so node locks can share its client.
func openKV(cfg *config.Config, logger *logging.Logger) (metadata.KV, *metadata.EtcdKV, error) {
	switch utils.StoreType(cfg.Store.Type) {
	case utils.StoreTypeMemory:
		logger.Warn("Using in-memory metadata store - state is lost on restart")
		kv, err := metadata.NewMemoryKV()
		return kv, nil, err
	default:
		logger.Info("Connecting to etcd", "endpoints", cfg.Etcd.Endpoints)
		kv, err := metadata.NewEtcdKV(cfg.Etcd)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	}
}
