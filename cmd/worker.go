package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/metrics"
)

var workerMetricsPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume purified norms and publish verified structures",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, configFrom(cmd), config.ModeWorker, envParts{Queue: true, Cache: true, Failures: true})
		if err != nil {
			return err
		}
		defer env.Close()

		orch, err := newOrchestrator(ctx, env)
		if err != nil {
			return err
		}

		serveMetrics(ctx, workerMetricsPort, env.Metrics, env.Logger)
		return orch.Run(ctx)
	},
}

var storeWorkerMetricsPort int

var storeWorkerCmd = &cobra.Command{
	Use:   "store-worker",
	Short: "Commit embedded norms to the relational and vector stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, configFrom(cmd), config.ModeStoreWorker, envParts{Queue: true, Failures: true})
		if err != nil {
			return err
		}
		defer env.Close()

		consumer, closeStorage, err := newStorageConsumer(ctx, env)
		if err != nil {
			return err
		}
		defer closeStorage()

		serveMetrics(ctx, storeWorkerMetricsPort, env.Metrics, env.Logger)
		return consumer.Run(ctx)
	},
}

// serveMetrics exposes /metrics on port until ctx ends. Port 0 disables it.
func serveMetrics(ctx context.Context, port int, m *metrics.Metrics, logger *zap.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.WithoutCancel(ctx))
	}()
	go func() {
		logger.Info("serving metrics", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func init() {
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 0, "serve /metrics on this port (0 disables)")
	storeWorkerCmd.Flags().IntVar(&storeWorkerMetricsPort, "metrics-port", 0, "serve /metrics on this port (0 disables)")
	rootCmd.AddCommand(workerCmd, storeWorkerCmd)
}
