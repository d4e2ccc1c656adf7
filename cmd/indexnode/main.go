package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meftunca/indexsync/pkg/api"
	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/config"
	"github.com/meftunca/indexsync/pkg/index"
	"github.com/meftunca/indexsync/pkg/lock"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/recovery"
	"github.com/meftunca/indexsync/pkg/reindex"
	"github.com/meftunca/indexsync/pkg/replication"
	"github.com/meftunca/indexsync/pkg/serialization"
	"github.com/meftunca/indexsync/pkg/snapshot"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
	"github.com/meftunca/indexsync/pkg/version"
)

const messengerWorkers = 4

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := version.GetVersionInfo()
		fmt.Printf("%s %s %s\n", info["name"], info["version"], info["git_commit"])
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging).With("node", cfg.Node.ID)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Node stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var m *metrics.PrometheusMetrics
	if cfg.Monitoring.Enabled {
		m = metrics.NewPrometheusMetrics("indexsync")
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	membership, err := cluster.NewStaticMembershipFromConfig(cfg.Node)
	if err != nil {
		return err
	}
	self := types.Node{ID: cfg.Node.ID, State: types.NodeStateActive, Host: cfg.Node.Host, Port: cfg.Node.Port}

	// Redis-backed deployments share liveness and locks through Redis
	var (
		heartbeat recovery.Heartbeat = membership
		locks     lock.Manager       = lock.NewMemoryManager()
		beat      *cluster.RedisHeartbeat
	)
	if cfg.Storage.Type == config.StorageRedis {
		client := storage.NewRedisClient(cfg.Storage)
		defer client.Close()
		beat = cluster.NewRedisHeartbeat(client, self, cfg.Storage.Redis.KeyPrefix, cfg.IsClustered(),
			cfg.Replication.HeartbeatInterval, cfg.Replication.HeartbeatTTL, logger)
		heartbeat = beat
		locks = lock.NewRedisManager(client, cfg.Storage.Redis.KeyPrefix)
	}

	engine, err := index.NewManifestEngine(cfg.IndexDir(), cfg.Replication.BatchSize, logger)
	if err != nil {
		return err
	}
	recoveryManager := index.NewDirectoryRecoveryManager(engine, logger)

	codecs, err := serialization.NewCodecFactory()
	if err != nil {
		return err
	}
	codec, err := codecs.GetCodec(cfg.Messaging.Codec)
	if err != nil {
		return err
	}
	messenger := cluster.NewHTTPMessenger(membership, codecs, codec, cfg.Messaging.SendTimeout,
		cfg.Messaging.QueueSize, m, logger)

	snapshots := snapshot.NewService(snapshot.Options{
		NodeID:    cfg.Node.ID,
		SharedDir: cfg.SharedCacheDir(),
		Retain:    cfg.Snapshot.Retain,
	}, engine, recoveryManager, store, messenger, m, logger)
	if err := os.MkdirAll(snapshots.SharedDir(), 0755); err != nil {
		return err
	}

	launcher := recovery.NewLauncher(recovery.Options{
		DisasterRecovery: cfg.Recovery.DisasterRecovery,
		ImportDir:        cfg.ImportSnapshotDir(),
		ArchiveDir:       cfg.ArchiveSnapshotDir(),
	}, heartbeat, locks, snapshots, m, logger)
	logger.Info("Starting node", "recovery_mode", launcher.RecoveryMode().String(), "clustered", cfg.IsClustered())

	// Before any cluster traffic is accepted
	if err := launcher.EarlyStart(ctx); err != nil {
		return fmt.Errorf("lock reclamation: %w", err)
	}
	if err := launcher.Start(ctx); err != nil {
		return fmt.Errorf("disaster recovery start: %w", err)
	}

	if beat != nil {
		if err := beat.Start(ctx); err != nil {
			return err
		}
		defer beat.Stop()
	}

	if err := messenger.Start(messengerWorkers); err != nil {
		return err
	}
	defer messenger.Stop()

	manager := index.NewReplicatedIndexManager(cfg.Node.ID, engine, store, m, logger)
	checker := replication.NewChecker(engine, membership, store, store, m, logger)
	replayer := replication.NewReplayer(engine, membership, store, store, cfg.Replication.BatchSize, m, logger)

	reindexer := reindex.NewService(membership, checker, replayer, manager, cfg.Replication.ReplayInterval, m, logger)
	if _, err := reindexer.Start(); err != nil {
		return err
	}
	defer reindexer.Cancel()

	clusterServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Node.Port),
		Handler:           api.NewClusterHandler(cfg.Node.ID, messenger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go serve(errCh, "cluster", clusterServer.ListenAndServe)

	var admin *api.Server
	if cfg.Monitoring.Enabled {
		admin = api.NewServer(fmt.Sprintf(":%d", cfg.Monitoring.AdminPort), api.Dependencies{
			NodeID:    cfg.Node.ID,
			Launcher:  launcher,
			Checker:   checker,
			Reindex:   reindexer,
			Snapshots: snapshots,
			Index:     manager,
			Metrics:   m,
			Logger:    logger,
		})
		go serve(errCh, "admin", admin.Start)
	}

	if cfg.IsClustered() {
		go probePeers(ctx, membership, cfg.Replication.HeartbeatInterval)
	}

	logger.Info("Node ready", "cluster_port", cfg.Node.Port, "admin_port", cfg.Monitoring.AdminPort)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
	}

	reindexer.Cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if admin != nil {
		_ = admin.Stop(shutdownCtx)
	}
	_ = clusterServer.Shutdown(shutdownCtx)

	logger.Info("Node stopped")
	return runErr
}

func serve(errCh chan<- error, name string, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// probePeers keeps peer liveness in the static membership current
func probePeers(ctx context.Context, membership *cluster.StaticMembership, interval time.Duration) {
	checker := cluster.NewHealthChecker(interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checker.Probe(ctx, membership)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
