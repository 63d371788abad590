package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/config"
	"github.com/Shylock-Hg/tikv/internal/observability/metrics"
	pdgrpc "github.com/Shylock-Hg/tikv/internal/pd/grpc"
	"github.com/Shylock-Hg/tikv/internal/raftstore"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	grpcserver "github.com/Shylock-Hg/tikv/internal/server/grpc"
	"github.com/Shylock-Hg/tikv/internal/storage"
	"github.com/Shylock-Hg/tikv/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/server.example.yaml", "path to server config")
	bootstrap := flag.Bool("bootstrap", false, "seed the first region when the store is empty")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	engine, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}

	var pdClient *pdgrpc.Client
	if cfg.PDAddress != "" {
		pdClient, err = pdgrpc.NewClient(cfg.PDAddress)
		if err != nil {
			logger.Fatal("connect placement service", zap.Error(err))
		}
	}

	trans := transport.NewGRPCTransport(cfg.StoreID, transport.DefaultDialer{})
	for id, addr := range cfg.Peers {
		trans.SetStoreAddress(id, addr)
	}

	opts := raftstore.Options{
		Config:    cfg.Raftstore,
		StoreID:   cfg.StoreID,
		Address:   cfg.Address,
		Engine:    engine,
		Transport: trans,
		Logger:    logger,
	}
	if pdClient != nil {
		opts.PD = pdClient
	}
	store := raftstore.NewStore(opts)

	if *bootstrap {
		if err := bootstrapFirstRegion(store, engine, pdClient, cfg.StoreID, logger); err != nil {
			logger.Fatal("bootstrap", zap.Error(err))
		}
	}

	if err := store.Start(); err != nil {
		logger.Fatal("start store", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := grpcserver.New(grpcserver.Config{Address: cfg.Address}, store)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start grpc server", zap.Error(err))
	}
	if cfg.Metrics.Address != "" {
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, logger); err != nil {
			logger.Fatal("start metrics server", zap.Error(err))
		}
	}
	logger.Info("store serving",
		zap.Uint64("store_id", cfg.StoreID),
		zap.String("address", cfg.Address))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	srv.Stop()
	store.Stop()
	trans.Close()
	if pdClient != nil {
		_ = pdClient.Close()
	}
	if err := engine.Close(); err != nil {
		logger.Warn("close storage", zap.Error(err))
	}
}

// bootstrapFirstRegion seeds a single-replica region spanning the whole
// keyspace. Further replicas join later through conf changes driven by the
// placement service. Idempotent: an already-seeded store is left alone.
func bootstrapFirstRegion(store *raftstore.Store, engine *storage.Store, pdClient *pdgrpc.Client, storeID uint64, logger *zap.Logger) error {
	existing, err := engine.ListRegions()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		logger.Info("store already bootstrapped", zap.Int("regions", len(existing)))
		return nil
	}

	regionID, peerID := uint64(1), uint64(2)
	if pdClient != nil {
		ctx, cancelAlloc := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelAlloc()
		base, err := pdClient.AllocIDs(ctx, 2)
		if err != nil {
			return err
		}
		regionID, peerID = base, base+1
	}

	r := regionpkg.Region{
		ID:    regionpkg.ID(regionID),
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: peerID, StoreID: storeID, Role: regionpkg.Voter}},
		State: regionpkg.StateActive,
	}
	logger.Info("bootstrapping first region",
		zap.Uint64("region_id", regionID), zap.Uint64("peer_id", peerID))
	return store.Bootstrap(r)
}
