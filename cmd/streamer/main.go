// The streamer command tails database change events from Kafka and keeps the
// Parquet warehouse (and optionally a mirror FHIR server) fresh between
// batch runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/pipeline"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/streamer"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/config"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/health"
	"github.com/clinsight/fhir-pipes/pkg/logger"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/clinsight/fhir-pipes/pkg/redis"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	tableFhirMapPath := flag.String("tableFhirMapPath", "", "table-FHIR mapping JSON file")
	outputParquetPath := flag.String("outputParquetPath", "", "warehouse output directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return apperrors.ExitConfig
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tableFhirMapPath":
			cfg.Jdbc.TableFhirMap = *tableFhirMapPath
		case "outputParquetPath":
			cfg.Warehouse.OutputPath = *outputParquetPath
		}
	})
	if cfg.Jdbc.TableFhirMap == "" {
		fmt.Fprintln(os.Stderr, "a table-FHIR map is required")
		return apperrors.ExitConfig
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting change-data-capture listener",
		"brokers", cfg.Kafka.Brokers,
		"topic_prefix", cfg.Kafka.TopicPrefix,
		"output", cfg.Warehouse.OutputPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entries, err := pipeline.LoadTableFhirMap(cfg.Jdbc.TableFhirMap)
	if err != nil {
		slog.Error("failed to load table-FHIR map", "error", err)
		return apperrors.ExitCode(err)
	}
	version, err := schema.ParseFhirVersion(cfg.Schema.FhirVersion)
	if err != nil {
		return apperrors.ExitConfig
	}
	registry, err := schema.NewRegistry(version, cfg.Schema.StructureDefinitions, cfg.Schema.RecursiveDepth)
	if err != nil {
		slog.Error("failed to initialise schema registry", "error", err)
		return apperrors.ExitCode(err)
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	sourceClient, err := fhir.NewClient(fhir.ClientConfig{
		ServerURL:   cfg.Source.ServerURL,
		User:        cfg.Source.User,
		Password:    cfg.Source.Password,
		BearerToken: cfg.Source.BearerToken,
		Timeout:     cfg.Source.Timeout,
		MaxConns:    cfg.Pipeline.WorkerCount,
		Retry:       retryCfg,
	})
	if err != nil {
		slog.Error("failed to build source client", "error", err)
		return apperrors.ExitCode(err)
	}
	var mirrorClient *fhir.Client
	if cfg.SinkFhir.ServerURL != "" {
		mirrorClient, err = fhir.NewClient(fhir.ClientConfig{
			ServerURL: cfg.SinkFhir.ServerURL,
			User:      cfg.SinkFhir.User,
			Password:  cfg.SinkFhir.Password,
			Timeout:   cfg.SinkFhir.Timeout,
			MaxConns:  cfg.Pipeline.WorkerCount,
			Retry:     retryCfg,
		})
		if err != nil {
			slog.Error("failed to build mirror client", "error", err)
			return apperrors.ExitCode(err)
		}
	}

	var watermarks *redis.Store
	if cfg.Redis.Addr != "" {
		watermarks, err = redis.NewStore(cfg.Redis)
		if err != nil {
			slog.Warn("watermark store unavailable, continuing without", "error", err)
		} else {
			defer watermarks.Close()
		}
	}

	m := metrics.New()
	checker := health.NewChecker(5 * time.Second)
	if watermarks != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := watermarks.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}
	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Port, checker)
		go func() {
			if err := server.Start(); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer server.Shutdown(context.Background())
	}

	root := warehouse.NewRoot(cfg.Warehouse.OutputPath)
	sink := warehouse.NewSink(root, registry, cfg.Warehouse.RowGroupSize, m)
	s, err := streamer.New(cfg.Kafka, sourceClient, sink, mirrorClient, entries, watermarks, m)
	if err != nil {
		slog.Error("failed to assemble streamer", "error", err)
		return apperrors.ExitCode(err)
	}

	if err := s.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("streamer stopped with error", "error", err)
		return apperrors.ExitCode(err)
	}
	if err := sink.WriteManifest(); err != nil {
		slog.Error("failed to write warehouse manifest", "error", err)
		return apperrors.ExitRuntime
	}
	slog.Info("streamer stopped")
	return apperrors.ExitOK
}
