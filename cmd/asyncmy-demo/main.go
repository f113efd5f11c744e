// Command asyncmy-demo exercises the asyncmy client end to end: it
// connects, runs a query, and serves a diagnostics surface until
// signalled to stop. Grounded on the teacher's cmd/main.go cobra/signal
// wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"asyncmy"
	"asyncmy/internal/config"
	"asyncmy/internal/diagnostics"
	"asyncmy/internal/security"
)

var (
	version   = "0.1.0"
	buildTime = "development"
	gitCommit = "unknown"
)

func main() {
	logger := asyncmy.NewLogrusLogger()

	var configPath string
	var query string

	rootCmd := &cobra.Command{
		Use:     "asyncmy-demo",
		Short:   "asyncmy demo client",
		Long:    "asyncmy-demo connects to a MySQL server, runs a query, and serves a diagnostics surface until signalled to stop.",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, query, logger)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&query, "query", "SELECT 1", "query to run on startup")

	if err := rootCmd.Execute(); err != nil {
		logger.Entry.WithError(err).Fatal("asyncmy-demo failed")
	}
}

func run(configPath, query string, logger *asyncmy.LogrusLogger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := asyncmy.Default()

	opts := &asyncmy.ConnectionOptions{
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout,
		QueryTimeout:   cfg.QueryTimeout,
		Stats:          asyncmy.NewPrometheusStats(cfg.MetricsNamespace),
		Logger:         logger,
	}

	if cfg.EnableRateLimiting {
		opts.ConnectionRateLimit = rate.NewLimiter(rate.Limit(cfg.ConnectionRatePerSec), int(cfg.ConnectionRatePerSec))
		opts.QueryRateLimit = rate.NewLimiter(rate.Limit(cfg.QueryRatePerSec), int(cfg.QueryRatePerSec))
	}

	if cfg.EnableQueryGuard {
		guard := security.NewGuard(logger.Entry, nil)
		opts.Callbacks = &asyncmy.Callbacks{
			PreQuery: func(ctx context.Context) *asyncmy.Future[struct{}] {
				if blocked, reason := guard.CheckQuery(query); blocked {
					return asyncmy.ResolvedFuture(struct{}{}, &security.BlockedError{Reason: reason})
				}
				return asyncmy.ResolvedFuture(struct{}{}, nil)
			},
		}
	}

	key := asyncmy.ConnectionKey{
		Host:     cfg.Host,
		Port:     uint16(cfg.Port),
		Database: cfg.Database,
		User:     cfg.User,
	}

	connFuture := client.BeginConnection(ctx, key, opts)
	conn, err := connFuture.Get(ctx)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	logger.Entry.WithField("key", key.String()).Info("connected")

	queryFuture := conn.Query(ctx, query)
	result, err := queryFuture.Get(ctx)
	if err != nil {
		logger.Entry.WithError(err).Error("startup query failed")
	} else {
		logger.Entry.WithFields(logrus.Fields{
			"columns":       result.Columns,
			"rows":          len(result.Rows),
			"rows_affected": result.RowsAffected,
		}).Info("startup query succeeded")
	}

	diagServer := diagnostics.NewServer(cfg.DiagnosticsAddr, cfg.DiagnosticsPort, client, logger.Entry)
	go func() {
		if err := diagServer.Start(); err != nil {
			logger.Entry.WithError(err).Error("diagnostics server error")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":7102", Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Entry.WithError(err).Error("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Entry.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = metricsServer.Shutdown(shutdownCtx)
	_ = diagServer.Stop()
	_ = conn.Close()
	if err := client.Shutdown(); err != nil {
		logger.Entry.WithError(err).Warn("client shutdown reported an error")
	}

	logger.Entry.Info("shutdown complete")
	return nil
}
