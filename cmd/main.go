package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/classifier"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
	appgrpc "github.com/Hyuk0816/machine-anomoly-msa-prj/internal/grpc"
	apphttp "github.com/Hyuk0816/machine-anomoly-msa-prj/internal/http"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/ingest"
	applogger "github.com/Hyuk0816/machine-anomoly-msa-prj/internal/logger"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/machinecache"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/outbox"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/publisher"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/repository/postgres"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/repository/reference"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/service"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/severity"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/spool"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/stream"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/pkg/utils"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("anomaly service: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger, err := applogger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("Error during logger sync: %v", err)
		}
	}()

	logger.Info("Starting anomaly detection service",
		zap.String("version", service.Version),
		zap.String("stream_driver", cfg.Stream.Driver),
		zap.String("backend", cfg.Artifacts.Backend),
		zap.String("timezone", loc.String()))

	// Artifacts and scoring. Any failure here stops startup.
	remote := cfg.Artifacts.Backend == "sagemaker"
	registry, err := artifacts.NewRegistry(ctx, artifacts.NewSource(cfg.Artifacts.AWSRegion), artifacts.Paths{
		Model:         modelPath(cfg, remote),
		Scaler:        cfg.Artifacts.ScalerPath,
		Encoder:       cfg.Artifacts.EncoderPath,
		FeatureNames:  cfg.Artifacts.FeatureNamesPath,
		ModelOptional: remote,
	}, logger)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}

	var backend classifier.Scorer = classifier.NewTreeScorer()
	if remote {
		backend, err = classifier.NewSageMakerScorerFromEnv(ctx, cfg.Artifacts.AWSRegion, cfg.Artifacts.SageMakerEndpoint)
		if err != nil {
			return fmt.Errorf("create sagemaker scorer: %w", err)
		}
	}
	scorer := classifier.NewAdapter(backend, cfg.Artifacts.DecisionThreshold, logger)

	tiers, err := severity.New(severity.Thresholds{
		Warning:  cfg.Severity.Warning,
		Alert:    cfg.Severity.Alert,
		Critical: cfg.Severity.Critical,
	})
	if err != nil {
		return err
	}

	// Reference registry and machine-type cache
	refRepo, err := reference.NewRepository(ctx, cfg.Reference, logger)
	if err != nil {
		return fmt.Errorf("connect reference database: %w", err)
	}
	machines := machinecache.New(refRepo, machinecache.Options{
		TTL:             cfg.Cache.TTL,
		MaxSize:         cfg.Cache.MaxSize,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, logger)

	// Outbox
	repo, err := postgres.NewPostgresRepository(ctx, cfg.DBConfig, cfg.StoreTimeout, logger)
	if err != nil {
		_ = machines.Close()
		_ = refRepo.Close()
		return fmt.Errorf("connect outbox database: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Warn("Failed to ensure outbox schema, continuing with existing tables", zap.Error(err))
	}
	logger.Info("Database connections established")

	resources := []ingest.Resource{
		{Name: "cache", Closer: machines},
		{Name: "outbox_db", Closer: repo},
		{Name: "reference_db", Closer: refRepo},
	}

	var sp outbox.Spool
	if fileSpool, err := spool.Open(cfg.SpoolDir); err != nil {
		logger.Warn("Local spool unavailable, failed outbox writes will be dropped",
			zap.String("dir", cfg.SpoolDir), zap.Error(err))
	} else {
		sp = fileSpool
		resources = append(resources, ingest.Resource{Name: "spool", Closer: fileSpool})
	}

	pub, err := publisher.New(cfg, logger)
	if err != nil {
		logger.Warn("Alert publisher unavailable, continuing without direct alerts", zap.Error(err))
		pub = publisher.Noop{}
	}
	resources = append(resources, ingest.Resource{Name: "publisher", Closer: pub})

	writer := outbox.NewWriter(repo, sp, pub, utils.NewMonotonicClock(loc, nil), logger)

	detectionService := service.NewDetectionService(service.Deps{
		Repo:      repo,
		Machines:  machines,
		Registry:  refRepo,
		Artifacts: registry,
		Scorer:    scorer,
		Severity:  tiers,
		Recorder:  writer,
	}, logger)

	// Inbound stream
	source, err := stream.New(ctx, cfg.Stream, logger)
	if err != nil {
		for _, r := range resources {
			_ = r.Closer.Close()
		}
		return fmt.Errorf("connect sensor stream: %w", err)
	}

	loop := ingest.NewLoop(source, detectionService, ingest.Options{
		BatchSize:      cfg.Stream.BatchSize,
		MessageTimeout: cfg.Stream.MessageTimeout,
	}, logger, resources...)

	// HTTP
	httpServer := apphttp.NewHTTPServer(cfg.RESTPort, detectionService, systemInfo(cfg, scorer.Backend(), loc), loc, logger)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// gRPC health
	grpcServer := appgrpc.NewGRPCServer(detectionService, logger)
	go grpcServer.Watch(ctx, healthInterval)
	go func() {
		if err := grpcServer.Start(cfg.GRPCPort); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var (
		runErr   error
		loopDone bool
	)
	select {
	case sig := <-quit:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-loopErr:
		loopDone = true
		if runErr != nil {
			logger.Error("Ingestion loop stopped on fatal error", zap.Error(runErr))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("gRPC server shutdown due to timeout")
		} else {
			logger.Error("gRPC server shutdown failed", zap.Error(err))
		}
	}

	// the loop finishes its in-flight message, then releases every resource
	cancel()
	loop.Stop()
	if !loopDone {
		runErr = <-loopErr
	}
	logger.Info("Ingestion loop stopped", zap.String("state", loop.State().String()))

	logger.Info("Anomaly detection service stopped")
	return runErr
}

func modelPath(cfg *config.Config, remote bool) string {
	if remote {
		return ""
	}
	return cfg.Artifacts.ModelPath
}

func systemInfo(cfg *config.Config, backend string, loc *time.Location) apphttp.SystemInfo {
	return apphttp.SystemInfo{
		Config: map[string]any{
			"batch_size":         cfg.Stream.BatchSize,
			"poll_timeout_ms":    cfg.Stream.PollTimeout.Milliseconds(),
			"message_timeout_ms": cfg.Stream.MessageTimeout.Milliseconds(),
			"cache_ttl_seconds":  cfg.Cache.TTL.Seconds(),
			"cache_max_size":     cfg.Cache.MaxSize,
			"decision_threshold": cfg.Artifacts.DecisionThreshold,
			"spool_dir":          cfg.SpoolDir,
			"reference_driver":   cfg.Reference.Driver,
		},
		StreamInfo: map[string]string{
			"driver":            cfg.Stream.Driver,
			"bootstrap_servers": cfg.Stream.BootstrapServers,
			"sensor_topic":      cfg.Stream.SensorTopic,
			"alert_topic":       cfg.Stream.AlertTopic,
			"group_id":          cfg.Stream.GroupID,
		},
		Backend:   backend,
		Publisher: cfg.AlertPublisher,
		Timezone:  loc.String(),
		Thresholds: map[string]float64{
			"warning":  cfg.Severity.Warning,
			"alert":    cfg.Severity.Alert,
			"critical": cfg.Severity.Critical,
		},
	}
}
