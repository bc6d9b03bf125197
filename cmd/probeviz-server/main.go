package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/gihongjo/probeviz/internal/config"
	"github.com/gihongjo/probeviz/internal/rpc"
	"github.com/gihongjo/probeviz/internal/server/api"
	"github.com/gihongjo/probeviz/internal/server/ingestion"
	"github.com/gihongjo/probeviz/internal/server/metrics"
	"github.com/gihongjo/probeviz/internal/server/storage/elasticsearch"
	"github.com/gihongjo/probeviz/internal/server/storage/filestore"
)

func main() {
	cfg, err := config.LoadConfig(getEnvOrDefault("PROBEVIZ_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	// Initialize structured logger.
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	flushInterval, err := cfg.FlushInterval()
	if err != nil {
		logger.Fatal("invalid metrics flush interval", zap.Error(err))
	}

	logger.Info("starting probeviz-server",
		zap.String("graphDir", cfg.Storage.GraphDir),
		zap.String("grpcPort", cfg.Server.GRPCPort),
		zap.String("httpPort", cfg.Server.HTTPPort),
	)

	store, err := filestore.New(cfg.Storage.GraphDir, logger)
	if err != nil {
		logger.Fatal("failed to open graph directory", zap.Error(err))
	}

	// Interaction summaries are indexed in Elasticsearch when configured;
	// the flushed points are logged either way.
	aggregator := metrics.NewAggregator(metrics.NewLogWriter(logger), logger)
	aggregator.SetFlushInterval(flushInterval)

	var esIndexer *elasticsearch.Indexer
	if len(cfg.Metrics.Elasticsearch) > 0 {
		esIndexer, err = elasticsearch.NewIndexer(elasticsearch.Config{
			Addresses:     cfg.Metrics.Elasticsearch,
			FlushInterval: elasticsearch.DefaultFlushInterval,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create elasticsearch indexer", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := esIndexer.EnsureTemplate(ctx); err != nil {
			logger.Warn("failed to ensure index template (ES may not be available yet)",
				zap.Error(err),
			)
		}
		cancel()
		aggregator.SetSummaryWriter(esIndexer)
	}
	aggregator.Start()

	// Initialize REST API + WebSocket handler.
	apiHandler := api.NewHandler(store, aggregator, logger)
	if cfg.Server.StaticDir != "" {
		apiHandler.ServeStatic(cfg.Server.StaticDir)
	}
	if cfg.Viewer.InitialGraph != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := apiHandler.LoadFile(ctx, cfg.Viewer.InitialGraph, cfg.Viewer.InitialDatetime); err != nil {
			logger.Warn("failed to load initial graph",
				zap.String("name", cfg.Viewer.InitialGraph),
				zap.Error(err),
			)
		}
		cancel()
	}

	// Initialize gRPC publish server. Published graphs are stored and,
	// on request, shown through the same handler the browser talks to.
	publishServer := ingestion.NewPublishServer(store, apiHandler, logger)

	grpcServer := grpc.NewServer()
	rpc.RegisterGraphPublisherServer(grpcServer, publishServer)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      apiHandler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to collect startup errors.
	errCh := make(chan error, 2)

	// Start gRPC server.
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			errCh <- fmt.Errorf("failed to listen on gRPC port %s: %w", cfg.Server.GRPCPort, err)
			return
		}
		logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Start HTTP server.
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or startup error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server startup error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")

	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Close websocket clients, then flush the last metrics window.
	apiHandler.Close()
	aggregator.Stop()

	if esIndexer != nil {
		if err := esIndexer.Close(shutdownCtx); err != nil {
			logger.Error("failed to close elasticsearch indexer", zap.Error(err))
		}
	}

	logger.Info("probeviz-server stopped",
		zap.Uint64("published", publishServer.TotalAccepted()),
	)
}

// getEnvOrDefault returns the value of an environment variable, or
// the provided default if the variable is not set or empty.
func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
