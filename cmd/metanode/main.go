// Package main is the metadata node daemon: namespace, block catalogue,
// datanode registry, leader election with a peer, and the replication
// healing loop, all served over the HTTP control plane (spec.md §4).
// Grounded on cmd/collective/main.go's coordinatorCmd/nodeCmd
// shape — cobra flags, zap logger setup, signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/ha"
	"dfs/pkg/metaserver"
	"dfs/pkg/metastore"
	"dfs/pkg/metrics"
	"dfs/pkg/replication"
	"dfs/pkg/rpcjson"
	"dfs/pkg/types"
)

func main() {
	rpcjson.Register()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFile string
		verbose    bool

		nodeID     string
		addr       string
		cpAddr     string
		dbPath     string
		peerAddr   string
		peerCPAddr string
	)

	cmd := &cobra.Command{
		Use:   "metanode",
		Short: "Run a dfs metadata node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				cfg = config.LoadFromEnv()
			}
			m := cfg.Metadata
			if addr != "" {
				m.Address = addr
			}
			if cpAddr != "" {
				m.ControlPlaneAddress = cpAddr
			}
			if dbPath != "" {
				m.MetadataDBPath = dbPath
			}
			if peerAddr != "" {
				m.PeerEndpoint = peerAddr
			}

			return runMetanode(logger, types.NodeID(nodeID), m, peerCPAddr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&nodeID, "id", "meta-0", "this node's id")
	cmd.Flags().StringVar(&addr, "address", "", "harpc address this node listens on")
	cmd.Flags().StringVar(&cpAddr, "control-plane-address", "", "HTTP control plane address")
	cmd.Flags().StringVar(&dbPath, "db", "", "bbolt database path")
	cmd.Flags().StringVar(&peerAddr, "peer", "", "peer metadata node's harpc address (omit to run standalone leader)")
	cmd.Flags().StringVar(&peerCPAddr, "peer-control-plane-address", "", "peer's HTTP control plane address")

	return cmd
}

func runMetanode(logger *zap.Logger, id types.NodeID, cfg config.MetadataConfig, peerCPAddr string) error {
	store, err := metastore.Open(cfg.MetadataDBPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	manager := metaserver.New(store, cfg, logger)
	controller := ha.New(id, cfg, manager, store, logger, cfg.ControlPlaneAddress, cfg.PeerEndpoint, peerCPAddr)
	handler := controlplane.NewHandler(manager, controller, logger)

	reg := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/", reg.WrapHTTPServer(handler.Router()))
	mux.Handle("/metrics", reg.Handler())
	server := &http.Server{Addr: cfg.ControlPlaneAddress, Handler: mux}

	coordinator := replication.New(manager, cfg, logger)
	coordinator.SetMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go controller.Run(ctx)
	go reg.Run(ctx, manager)
	go runWhileLeader(ctx, controller, coordinator, reg, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metanode serving",
			zap.String("node_id", string(id)),
			zap.String("control_plane_address", cfg.ControlPlaneAddress),
			zap.String("peer", cfg.PeerEndpoint))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("metanode shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("metanode control plane failed", zap.Error(err))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// runWhileLeader starts and stops the replication coordinator as this
// node gains and loses leadership, since only a leader ever mutates the
// block catalogue a heal would act on.
func runWhileLeader(ctx context.Context, controller *ha.Controller, coordinator *replication.Coordinator, reg *metrics.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var running bool
	var cancelHeal context.CancelFunc
	stop := func() {
		if running {
			cancelHeal()
			running = false
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leader := controller.IsLeader()
			reg.SetLeader(leader)
			if leader && !running {
				var healCtx context.Context
				healCtx, cancelHeal = context.WithCancel(ctx)
				running = true
				logger.Info("acquired leadership, starting replication coordinator")
				go coordinator.Run(healCtx)
			} else if !leader && running {
				logger.Info("lost leadership, stopping replication coordinator")
				stop()
			}
		}
	}
}

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := cfg.Build()
	return logger
}
