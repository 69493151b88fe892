package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/client"
	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/cluster"
	"github.com/zonedb/zonedb/internal/config"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/placement"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/replication"
	"github.com/zonedb/zonedb/internal/router"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/server"
	"github.com/zonedb/zonedb/internal/service"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/txn"
	"github.com/zonedb/zonedb/internal/zone"
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

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Node.ID),
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port),
		zap.String("metadata_backend", cfg.Metadata.Backend),
		zap.String("replication_mode", cfg.Replication.Mode))

	nodeID := model.NodeID(cfg.Node.ID)

	// Metadata store and decision log.
	var (
		meta      store.MetadataStore
		decisions store.DecisionLog
	)
	switch cfg.Metadata.Backend {
	case "postgres":
		pgStore, err := store.NewPostgresMetadataStore(cfg.Metadata.PostgresURL, logger)
		if err != nil {
			logger.Fatal("failed to connect metadata store", zap.Error(err))
		}
		defer pgStore.Close()
		meta = pgStore
		decisions, err = store.NewPostgresDecisionLog(pgStore.GetPool())
		if err != nil {
			logger.Fatal("failed to initialize decision log", zap.Error(err))
		}
	default:
		meta = store.NewMemoryMetadataStore(logger)
		decisions = store.NewMemoryDecisionLog()
	}

	zones := zone.NewRegistry(meta, logger)
	catalog := schema.NewCatalog(meta, zones, logger)
	planner := placement.NewPlanner(catalog, zones, logger)
	hlc := clock.New(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Gossip membership, when clustered.
	var membership *cluster.Membership
	if cfg.Gossip.Enabled {
		membership, err = cluster.New(cfg, func(nodes []model.NodeID) {
			logger.Info("membership changed", zap.Int("nodes", len(nodes)))
			reassignCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			zones.ReassignAll(reassignCtx, nodes)
		}, logger)
		if err != nil {
			logger.Fatal("failed to start gossip", zap.Error(err))
		}
		defer func() {
			if err := membership.Leave(); err != nil {
				logger.Warn("gossip leave failed", zap.Error(err))
			}
		}()
	}

	var peers replica.PeerClient
	if membership != nil {
		peers = client.New(membership, cfg.Node.WriteTimeout, logger)
	}

	// Replication primitive. The raft transport and the peer client share
	// the internal HTTP surface.
	late := &replication.LateBoundApplier{}
	var (
		primitive replication.Primitive
		raftPrim  *replication.RaftPrimitive
	)
	if cfg.Replication.Mode == "raft" {
		transport := client.New(membership, cfg.Node.WriteTimeout, logger)
		raftPrim = replication.NewRaftPrimitive(nodeID, raftID(nodeID), late, transport, logger)
		primitive = raftPrim
	} else {
		primitive = replication.NewMemoryPrimitive(nodeID, late, logger)
	}
	defer primitive.Stop()

	replicas := replica.NewService(nodeID, primitive, zones, peers, hlc, logger)
	late.Target = replicas

	coord := txn.NewCoordinator(replicas, decisions, hlc, txn.Options{
		IdleTimeout:  cfg.Transactions.IdleTimeout,
		ReadRetries:  cfg.Transactions.ReadRetries,
		RetryBackoff: cfg.Transactions.RetryBackoff,
	}, logger)

	// Finish whatever a previous incarnation decided but never delivered.
	if err := coord.Recover(ctx); err != nil {
		logger.Error("decision recovery failed", zap.Error(err))
	}
	coord.StartReaper(cfg.Transactions.ReapInterval)
	defer coord.StopReaper()

	if raftPrim != nil {
		if err := startRaftGroups(ctx, raftPrim, meta, nodeID); err != nil {
			logger.Error("failed to start raft groups", zap.Error(err))
		}
	}

	tables := service.NewTableService(catalog, planner, zones, coord, logger)
	rt := router.New(catalog, zones, planner, replicas, hlc, logger)

	gc := service.NewGCService(replicas, coord, cfg.GC.Workers, cfg.GC.Interval, logger)
	gc.Start()
	defer gc.Stop()

	srv := server.New(cfg, server.Deps{
		Zones:    zones,
		Catalog:  catalog,
		Tables:   tables,
		Replicas: replicas,
		Router:   rt,
		Raft:     raftPrim,
		Meta:     meta,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}

// raftID derives a node's stable numeric raft id from its node id.
func raftID(node model.NodeID) uint64 {
	return xxhash.Sum64String(string(node))
}

// startRaftGroups joins this node to the raft group of every partition it
// replicates, per the published assignments.
func startRaftGroups(ctx context.Context, prim *replication.RaftPrimitive, meta store.MetadataStore, nodeID model.NodeID) error {
	zonesList, err := meta.ListZones(ctx)
	if err != nil {
		return err
	}
	for _, z := range zonesList {
		assignment, err := meta.GetAssignment(ctx, z.Name)
		if err != nil {
			continue
		}
		for pid, replicaNodes := range assignment.Partitions {
			if !assignment.HoldsReplica(pid, nodeID) {
				continue
			}
			peers := make(map[uint64]model.NodeID, len(replicaNodes))
			for _, n := range replicaNodes {
				peers[raftID(n)] = n
			}
			ref := model.PartitionRef{Zone: z.Name, Partition: pid}
			if err := prim.StartGroup(ref, peers); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
