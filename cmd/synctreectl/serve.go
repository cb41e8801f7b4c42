package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaydb/synctree/internal/logging"
	"github.com/relaydb/synctree/internal/tracing"
	"github.com/relaydb/synctree/transport"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a synctree transport server, accepting websocket subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(context.Background(), v)
		},
	}
	cmd.Flags().String("listen", ":8080", "address to serve /ws and /rpc on")
	cmd.Flags().String("metrics-listen", ":9090", "address to serve /metrics on")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/gRPC trace collector endpoint; tracing is disabled when empty")
	cmd.Flags().Bool("otlp-insecure", true, "dial the OTLP collector without TLS")
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	log, err := logging.New("synctreectl", parseLevel(v.GetString("log-level")), v.GetBool("human-logs"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	registry := prometheus.NewRegistry()

	server := transport.NewServer(log)

	connectedClients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "synctree",
		Name:      "server_connected_clients",
		Help:      "Number of websocket clients currently connected to this relay.",
	}, func() float64 { return float64(server.ClientCount()) })
	if err := registry.Register(connectedClients); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if endpoint := v.GetString("otlp-endpoint"); endpoint != "" {
		_, shutdown, err := tracing.Setup(ctx, tracing.Config{
			ServiceName: "synctreectl",
			Endpoint:    endpoint,
			Insecure:    v.GetBool("otlp-insecure"),
		})
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	syncSrv := &http.Server{Addr: v.GetString("listen"), Handler: server.Handler()}
	metricsSrv := &http.Server{Addr: v.GetString("metrics-listen"), Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}

	errs := make(chan error, 2)
	go func() { errs <- syncSrv.ListenAndServe() }()
	go func() { errs <- metricsSrv.ListenAndServe() }()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-signals:
		log.Info("received shutdown signal", zap.String("signal", s.String()))
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server exited unexpectedly", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = syncSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("graceful termination success")
	return nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
