package main

import (
	"context"
	"fmt"
	"time"

	"nyxkv/internal/config"
	"nyxkv/internal/engine"
	"nyxkv/internal/heartbeat"
	"nyxkv/internal/meta"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/observability/tracing"
	pdgrpc "nyxkv/internal/pd/grpc"
	"nyxkv/internal/raftstore"
	"nyxkv/internal/regionctl"
	"nyxkv/internal/regions"
	grpcserver "nyxkv/internal/server/grpc"

	"go.uber.org/zap"
)

// storeNode owns every component of a running store.
type storeNode struct {
	cfg    *config.ServerConfig
	logger *zap.Logger
	cancel context.CancelFunc

	shutdownTracing func(context.Context) error
	meta            *meta.Store
	regions         *regions.Manager
	raw             *engine.Engine
	raft            *raftstore.Store
	pdClient        *pdgrpc.Client
	reporter        *heartbeat.Reporter
	ctl             *regionctl.Controller
	srv             *grpcserver.Server
}

// openNode brings a store up. The split handler is installed before any raft
// group restarts so split records replayed from the log are applied.
func openNode(cfg *config.ServerConfig, logger *zap.Logger) (n *storeNode, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	n = &storeNode{cfg: cfg, logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			n.Close()
			n = nil
		}
	}()

	n.shutdownTracing, err = tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Component:   "store",
		StoreID:     cfg.StoreID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return n, fmt.Errorf("setup tracing: %w", err)
	}

	registry := metrics.NewRegistry()
	if cfg.Metrics.Address != "" {
		if _, err := metrics.StartServer(ctx, cfg.Metrics.Address, registry, logger); err != nil {
			return n, fmt.Errorf("start metrics server: %w", err)
		}
	}

	if n.meta, err = meta.Open(cfg.MetaDir()); err != nil {
		return n, fmt.Errorf("open meta store: %w", err)
	}
	n.regions = regions.NewManager(n.meta, logger)
	if err := n.regions.Load(); err != nil {
		return n, fmt.Errorf("load regions: %w", err)
	}
	ledger := regionctl.NewLedger(n.meta, logger)
	if err := ledger.LoadAll(); err != nil {
		return n, fmt.Errorf("load region command ledger: %w", err)
	}

	if n.raw, err = engine.Open(cfg.EngineOptions(), logger); err != nil {
		return n, fmt.Errorf("open engine: %w", err)
	}

	var (
		eng   regionctl.Engine = n.raw
		nodes heartbeat.NodeLookup
	)
	if cfg.Engine.Kind == config.EngineRaft {
		transport := raftstore.NewGRPCTransport(nil, logger)
		if n.raft, err = raftstore.New(cfg.RaftConfig(), n.raw, transport, logger); err != nil {
			return n, fmt.Errorf("create raft store: %w", err)
		}
		eng, nodes = n.raft, n.raft
	}

	var notifier regionctl.Notifier
	if cfg.Heartbeat.Coordinator != "" {
		if n.pdClient, err = pdgrpc.NewClient(cfg.Heartbeat.Coordinator); err != nil {
			return n, fmt.Errorf("dial coordinator: %w", err)
		}
		n.reporter = heartbeat.New(heartbeat.Config{
			StoreID:  cfg.StoreID,
			Address:  cfg.GRPC.Address,
			Interval: cfg.Heartbeat.Interval.Std(),
		}, n.regions, nodes, n.pdClient, logger)
		n.reporter.Start(ctx)
		notifier = n.reporter
	}

	ctl, err := regionctl.NewController(regionctl.Deps{
		StoreID:         cfg.StoreID,
		Ledger:          ledger,
		Registry:        n.regions,
		Engine:          eng,
		Notifier:        notifier,
		Metrics:         regionctl.NewMetrics(registry, cfg.Metrics.Namespace),
		Logger:          logger,
		Retention:       cfg.RetentionPolicy(),
		CompactInterval: cfg.Ledger.CompactInterval.Std(),
	})
	if err != nil {
		return n, fmt.Errorf("create region controller: %w", err)
	}
	if err := ctl.Init(); err != nil {
		return n, fmt.Errorf("init region controller: %w", err)
	}
	n.ctl = ctl
	n.raw.SetSplitHandler(ctl.SplitApplier())

	var raftTS *raftstore.TransportServer
	if n.raft != nil {
		if err := n.raft.Restore(ctx, n.regions.GetAllAliveRegions()); err != nil {
			return n, fmt.Errorf("restore raft groups: %w", err)
		}
		raftTS = raftstore.NewTransportServer(n.raft, logger)
	}
	if err := ctl.Recover(); err != nil {
		return n, fmt.Errorf("recover region commands: %w", err)
	}

	n.srv = grpcserver.New(cfg.GRPCConfig(), grpcserver.DefaultBinder{
		Regions: grpcserver.NewRegionService(ctl, n.regions, logger),
		Raft:    raftTS,
	}, logger)
	if err := n.srv.Start(ctx); err != nil {
		return n, fmt.Errorf("start grpc server: %w", err)
	}
	logger.Info("store started",
		zap.Uint64("store", cfg.StoreID),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("addr", cfg.GRPC.Address))
	return n, nil
}

// Close stops the components in reverse start order. It tolerates a
// partially opened node.
func (n *storeNode) Close() {
	if n.srv != nil {
		n.srv.Stop()
	}
	n.cancel()
	if n.ctl != nil {
		n.ctl.Destroy()
	}
	if n.reporter != nil {
		n.reporter.Stop()
	}
	if n.pdClient != nil {
		_ = n.pdClient.Close()
	}
	if n.raft != nil {
		if err := n.raft.Close(); err != nil {
			n.logger.Warn("close raft store", zap.Error(err))
		}
	}
	if n.raw != nil {
		if err := n.raw.Close(); err != nil {
			n.logger.Warn("close engine", zap.Error(err))
		}
	}
	if n.meta != nil {
		_ = n.meta.Close()
	}
	if n.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.shutdownTracing(ctx)
	}
}
