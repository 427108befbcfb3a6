package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joeott/legal-doc-processor-sub006/internal/blob"
	"github.com/joeott/legal-doc-processor-sub006/internal/kafka"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/pkg/telemetry"
	"github.com/joeott/legal-doc-processor-sub006/services/batch"
	"github.com/joeott/legal-doc-processor-sub006/services/gateway/config"
	"github.com/joeott/legal-doc-processor-sub006/services/gateway/handler"
	"github.com/joeott/legal-doc-processor-sub006/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("s3-bucket", "docproc", "S3 bucket for document blobs")
	serveCmd.Flags().String("s3-region", "us-east-1", "S3 region")
	serveCmd.Flags().String("s3-endpoint", "", "S3 endpoint override for local deployments; empty uses AWS")
	serveCmd.Flags().Int("rate-limit", 100, "max submissions per priority tier per window")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().Int64("max-upload-bytes", 32<<20, "max HTTP request body size")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("s3_bucket", serveCmd.Flags(), "s3-bucket")
	bindFlag("s3_region", serveCmd.Flags(), "s3-region")
	bindFlag("s3_endpoint", serveCmd.Flags(), "s3-endpoint")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("max_upload_bytes", serveCmd.Flags(), "max-upload-bytes")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	enqueuer := kafka.NewEnqueuer(producer)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	state := redisstore.NewDocState(redisClient)
	counters := redisstore.NewBatchCounters(redisClient)
	idem := redisstore.NewIdempotency(redisClient)
	limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	if err != nil {
		cancel()
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	blobs, err := blob.NewS3Store(initCtx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	coordinator := batch.NewCoordinator(counters, idem, repo, repo, producer, enqueuer, logger)
	restHandler := handler.NewREST(repo, coordinator, state, enqueuer, blobs, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(cfg.MaxUploadBytes))
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", restHandler.SubmitDocument)
		r.Get("/documents/{id}", restHandler.GetDocument)
		r.Get("/documents/{id}/history", restHandler.GetDocumentHistory)
		r.Post("/documents/{id}/cancel", restHandler.CancelDocument)
		r.Post("/batches", restHandler.SubmitBatch)
		r.Get("/batches/{id}", restHandler.GetBatch)
		r.Post("/batches/{id}/recover", restHandler.RecoverBatch)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
