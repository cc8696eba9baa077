// Command ingestion runs the document text-extraction service.
//
// It serves the pipeline stages over HTTP for the orchestrator, the record
// status, cancel and process endpoints for users, and consumes OCR
// completion notifications from Kafka to resume parked executions.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/notify"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/objectstore"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/ocr"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/store"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/workflow/local"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/workflow/stepfunctions"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/resilience"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"golang.org/x/sync/errgroup"
)

// orchestrator is what both orchestrator modes provide to the service.
type orchestrator interface {
	pipeline.Orchestrator
	notify.Resumer
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("ingestion service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("starting ingestion service",
		"port", cfg.Server.Port,
		"orchestrator", cfg.Orchestrator.Mode,
	)

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	records := store.New(db)
	if err := records.EnsureSchema(ctx); err != nil {
		return err
	}
	slog.Info("connected to postgres")

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	endpoint := func(o *string) *string {
		if cfg.AWS.Endpoint != "" {
			return aws.String(cfg.AWS.Endpoint)
		}
		return o
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = endpoint(o.BaseEndpoint)
		o.UsePathStyle = cfg.AWS.Endpoint != ""
	})
	textractClient := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		o.BaseEndpoint = endpoint(o.BaseEndpoint)
	})

	breaker := resilience.NewCircuitBreaker("ocr", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.OCR.FailureThreshold,
		ResetTimeout:     cfg.OCR.ResetTimeout,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	engine := ocr.New(textractClient, ocr.Config{
		Bucket:      cfg.Storage.Bucket,
		SNSTopicARN: cfg.OCR.SNSTopicARN,
		RoleARN:     cfg.OCR.RoleARN,
		PageSize:    cfg.OCR.PageSize,
	}, breaker)

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.TextReady)
	defer producer.Close()

	var (
		orch   orchestrator
		runner *local.Runner
	)
	switch cfg.Orchestrator.Mode {
	case config.ModeStepFunctions:
		sfnClient := sfn.NewFromConfig(awsCfg, func(o *sfn.Options) {
			o.BaseEndpoint = endpoint(o.BaseEndpoint)
		})
		orch = stepfunctions.New(sfnClient, cfg.Orchestrator.StateMachineARN)
	default:
		registry := local.NewRedisRegistry(rdb, cfg.Orchestrator.ExecutionTTL)
		runner = local.NewRunner(cfg.Orchestrator.LocalName, registry, cfg.Pipeline.StageTimeout)
		orch = runner
	}

	stages := pipeline.New(pipeline.Deps{
		Store:        records,
		Objects:      objectstore.NewS3(s3Client, cfg.Storage.Bucket),
		Engine:       engine,
		Orchestrator: orch,
		Events:       publisher.New(producer),
		Metrics:      m,
	}, pipeline.Config{
		ExtractedPrefix: cfg.Storage.ExtractedPrefix,
		MaxSheetChars:   cfg.Pipeline.MaxSheetChars,
	})
	if runner != nil {
		runner.Attach(stages)
	}

	notifications := notify.New(records, orch, rdb, cfg.Pipeline.NotifyDedupTTL, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.OCRCompletions, notifications.Handle)
	defer consumer.Close()

	checker := health.NewChecker()
	checker.Register("postgres", db)
	checker.Register("redis", rdb)

	h := handler.New(stages, records)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.NewRouter(h, handler.RouterConfig{
			Timeout: cfg.Server.RequestTimeout,
			Metrics: m,
			Health:  checker,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ingestion service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("consuming ocr notifications", "topic", cfg.Kafka.Topics.OCRCompletions)
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if runner != nil {
			if err := runner.Drain(shutdownCtx); err != nil {
				slog.Warn("stage work still running at shutdown", "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}
