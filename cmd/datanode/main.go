// Package main is the storage node daemon: serves the block data plane
// over grpc and keeps the metadata manager's registry current with a
// periodic heartbeat (spec.md §4.2, §4.3). Grounded on
// cmd/collective/main.go nodeCmd — cobra flags, zap logger setup,
// signal-driven graceful shutdown, register-then-heartbeat-loop.
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
	"dfs/pkg/datanode"
	"dfs/pkg/metrics"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFile string
		verbose    bool

		nodeID      string
		addr        string
		cpAddr      string
		storageRoot string
		capacity    int64
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "datanode",
		Short: "Run a dfs storage node",
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
			d := cfg.DataNode
			if nodeID != "" {
				d.NodeID = nodeID
			}
			if addr != "" {
				d.Address = addr
			}
			if cpAddr != "" {
				d.ControlPlaneAddress = cpAddr
			}
			if storageRoot != "" {
				d.StorageRoot = storageRoot
			}
			if capacity != 0 {
				d.StorageCapacity = capacity
			}
			if d.NodeID == "" {
				return fmt.Errorf("--id is required")
			}

			return runDatanode(logger, d, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&nodeID, "id", "", "this node's id (required)")
	cmd.Flags().StringVar(&addr, "address", "", "grpc address this node listens on")
	cmd.Flags().StringVar(&cpAddr, "control-plane-address", "", "metadata control plane address")
	cmd.Flags().StringVar(&storageRoot, "storage-root", "", "directory blocks are persisted under")
	cmd.Flags().Int64Var(&capacity, "capacity", 0, "advertised storage capacity in bytes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", ":9100", "address the Prometheus /metrics endpoint listens on")

	return cmd
}

func runDatanode(logger *zap.Logger, cfg config.DataNodeConfig, metricsAddr string) error {
	node, err := datanode.New(cfg, logger)
	if err != nil {
		return err
	}

	reg := metrics.New()
	node.SetMetrics(reg)

	metricsServer := &http.Server{Addr: metricsAddr, Handler: reg.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := node.Serve(cfg.Address); err != nil {
			errCh <- err
		}
	}()

	if err := registerWithRetry(ctx, node, logger); err != nil {
		return err
	}
	go node.HeartbeatLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("datanode shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("datanode grpc server failed", zap.Error(err))
	}

	cancel()
	node.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return metricsServer.Shutdown(shutdownCtx)
}

// registerWithRetry keeps trying registration until the control plane
// answers or ctx is cancelled, since the metadata leader may not be up
// yet when a storage node starts (e.g. a fresh cluster coming up).
func registerWithRetry(ctx context.Context, node *datanode.Node, logger *zap.Logger) error {
	backoff := 1 * time.Second
	for {
		err := node.Register(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("registration failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
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
