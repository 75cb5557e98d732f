package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/config"
	"github.com/lminervino18/rustic-airlines/internal/coordinator"
	"github.com/lminervino18/rustic-airlines/internal/gossip"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/query"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"github.com/lminervino18/rustic-airlines/internal/server"
	"github.com/lminervino18/rustic-airlines/internal/storage"
	"github.com/lminervino18/rustic-airlines/internal/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("node starting",
		zap.String("node_id", cfg.Node.ID),
		zap.String("internode", cfg.Node.InternodeAddr()),
		zap.Int("client_port", cfg.Node.ClientPort),
		zap.Strings("seeds", cfg.Node.Seeds))

	registry := prometheus.NewRegistry()
	m := metrics.New(registry, cfg.Node.ID)

	engine, err := storage.NewEngine(storage.Config{
		DataDir:            cfg.Storage.DataDir,
		CommitLogSegment:   cfg.Storage.CommitLogSegment,
		CommitLogSync:      cfg.Storage.CommitLogSync,
		MemtableFlushBytes: cfg.Storage.MemtableFlushBytes,
		FlushInterval:      cfg.Storage.FlushInterval,
		CompactionInterval: cfg.Storage.CompactionInterval,
		CompactionTrigger:  cfg.Storage.CompactionTrigger,
		TombstoneGCGrace:   cfg.Storage.TombstoneGCGrace,
	}, logger.Named("storage"), m)
	if err != nil {
		logger.Fatal("failed to open storage engine", zap.Error(err))
	}
	defer engine.Close()

	schemaRegistry := schema.NewRegistry()
	if err := coordinator.RecoverSchema(engine, schemaRegistry, logger.Named("schema")); err != nil {
		logger.Fatal("schema recovery failed", zap.Error(err))
	}

	ringHold := ring.NewHolder()
	client := server.NewClient(cfg.Gossip.RequestTimeout, logger.Named("client"))
	defer client.Close()

	gossiper := gossip.New(gossip.Config{
		TickInterval:    cfg.Gossip.TickInterval,
		Fanout:          cfg.Gossip.Fanout,
		PhiThreshold:    cfg.Gossip.PhiThreshold,
		DownAfter:       cfg.Gossip.DownAfter,
		RequestTimeout:  cfg.Gossip.RequestTimeout,
		PurgeRemovedAge: cfg.Gossip.PurgeRemovedAge,
	}, model.NodeInfo{
		ID:   cfg.Node.ID,
		Addr: cfg.Node.InternodeAddr(),
	}, cfg.Node.Seeds, client, ringHold, logger.Named("gossip"), m)
	gossiper.SetSchemaVersionFunc(schemaRegistry.Version)

	pool := workerpool.New("background", cfg.Coordinator.WorkerPoolSize, cfg.Coordinator.WorkerPoolBacklog, logger.Named("pool"))
	defer pool.Stop()

	coord := coordinator.New(
		cfg.Coordinator,
		cfg.Node.ID,
		ringHold,
		gossiper,
		client,
		engine,
		schemaRegistry,
		pool,
		logger.Named("coordinator"),
		m,
	)

	// A peer advertising a newer schema triggers an asynchronous pull.
	gossiper.OnSchemaBehind(func(peerAddr string) {
		pool.Submit(workerpool.Task{
			Name: "schema-pull",
			Fn: func(ctx context.Context) error {
				pullCtx, cancel := context.WithTimeout(ctx, cfg.Gossip.RequestTimeout)
				defer cancel()
				snap, err := client.SchemaPull(pullCtx, peerAddr)
				if err != nil {
					return err
				}
				if coord.ImportSchema(snap) {
					logger.Info("pulled newer schema", zap.Int64("version", snap.Version))
				}
				return nil
			},
		})
	})

	executor := query.NewExecutor(schemaRegistry, coord, logger.Named("query"), m)
	srv := server.New(cfg.Node, executor, coord, gossiper, logger.Named("server"))
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start listeners", zap.Error(err))
	}
	defer srv.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Node.Host, cfg.Metrics.Port, registry, logger)
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := gossiper.Bootstrap(bootCtx); err != nil {
		cancel()
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	gossiper.Start()
	defer gossiper.Stop()
	coord.Start()
	defer coord.Stop()

	tokens := ring.TokensFor(cfg.Node.ID, cfg.Node.VirtualNodes)
	if err := coord.JoinRing(bootCtx, client, tokens, gossiper); err != nil {
		cancel()
		logger.Fatal("failed to join ring", zap.Error(err))
	}
	cancel()

	logger.Info("node ready", zap.String("node_id", cfg.Node.ID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if os.Getenv("DECOMMISSION_ON_EXIT") == "true" {
		decomCtx, decomCancel := context.WithTimeout(context.Background(), time.Minute)
		if err := coord.Decommission(decomCtx, gossiper); err != nil {
			logger.Error("decommission failed, data stays on disk", zap.Error(err))
		}
		decomCancel()
	}
}

func serveMetrics(host string, port int, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf("%s:%d", host, port)
	logger.Info("metrics endpoint up", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func initLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}
