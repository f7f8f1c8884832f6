// The batch command extracts FHIR resources from a source server (or its
// backing database) into a Parquet warehouse snapshot, optionally mirroring
// every resource to a second FHIR server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/pipeline"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/config"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/logger"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/clinsight/fhir-pipes/pkg/postgres"
	"github.com/clinsight/fhir-pipes/pkg/redis"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	source := flag.String("source", "", "source FHIR server base URL")
	sourceUser := flag.String("sourceUser", "", "source FHIR basic-auth user")
	sourcePassword := flag.String("sourcePassword", "", "source FHIR basic-auth password")
	sinkFhirPath := flag.String("sinkFhirPath", "", "mirror FHIR server base URL (empty disables mirroring)")
	sinkUser := flag.String("sinkUser", "", "mirror FHIR basic-auth user")
	sinkPassword := flag.String("sinkPassword", "", "mirror FHIR basic-auth password")
	outputParquetPath := flag.String("outputParquetPath", "", "warehouse output directory")
	resources := flag.String("resources", "", "comma-separated resource types to extract")
	batchSize := flag.Int("batchSize", 0, "search page size")
	fetchSize := flag.Int("fetchSize", 0, "max IDs per _id search in jdbc mode")
	workerCount := flag.Int("workerCount", 0, "parallel fetch workers")
	jdbcMode := flag.Bool("jdbcMode", false, "read IDs from the backing database instead of paging the search API")
	jdbcURL := flag.String("jdbcUrl", "", "backing database URL")
	jdbcDriverClass := flag.String("jdbcDriverClass", "", "backing database driver class (Postgres only)")
	dbUser := flag.String("dbUser", "", "backing database user")
	dbPassword := flag.String("dbPassword", "", "backing database password")
	tableFhirMapPath := flag.String("tableFhirMapPath", "", "table-FHIR mapping JSON file")
	fhirVersion := flag.String("fhirVersion", "", "FHIR version: R4 or DSTU3")
	structureDefinitionsPath := flag.String("structureDefinitionsPath", "", "directory of profile structure definitions")
	recursiveDepth := flag.Int("recursiveDepth", 0, "complex-datatype expansion depth")
	incremental := flag.Bool("incremental", false, "extract only resources updated since the last recorded watermark")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return apperrors.ExitConfig
	}
	applyFlags(map[string]func(){
		"source":                   func() { cfg.Source.ServerURL = *source },
		"sourceUser":               func() { cfg.Source.User = *sourceUser },
		"sourcePassword":           func() { cfg.Source.Password = *sourcePassword },
		"sinkFhirPath":             func() { cfg.SinkFhir.ServerURL = *sinkFhirPath },
		"sinkUser":                 func() { cfg.SinkFhir.User = *sinkUser },
		"sinkPassword":             func() { cfg.SinkFhir.Password = *sinkPassword },
		"outputParquetPath":        func() { cfg.Warehouse.OutputPath = *outputParquetPath },
		"resources":                func() { cfg.Pipeline.Resources = splitList(*resources) },
		"batchSize":                func() { cfg.Pipeline.BatchSize = *batchSize },
		"fetchSize":                func() { cfg.Pipeline.FetchSize = *fetchSize },
		"workerCount":              func() { cfg.Pipeline.WorkerCount = *workerCount },
		"jdbcMode":                 func() { cfg.Jdbc.Enabled = *jdbcMode },
		"jdbcUrl":                  func() { cfg.Jdbc.URL = *jdbcURL },
		"jdbcDriverClass":          func() { cfg.Jdbc.DriverClass = *jdbcDriverClass },
		"dbUser":                   func() { cfg.Jdbc.User = *dbUser },
		"dbPassword":               func() { cfg.Jdbc.Password = *dbPassword },
		"tableFhirMapPath":         func() { cfg.Jdbc.TableFhirMap = *tableFhirMapPath },
		"fhirVersion":              func() { cfg.Schema.FhirVersion = *fhirVersion },
		"structureDefinitionsPath": func() { cfg.Schema.StructureDefinitions = *structureDefinitionsPath },
		"recursiveDepth":           func() { cfg.Schema.RecursiveDepth = *recursiveDepth },
		"incremental":              func() { cfg.Pipeline.Incremental = *incremental },
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return apperrors.ExitConfig
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting batch extraction",
		"source", cfg.Source.ServerURL,
		"output", cfg.Warehouse.OutputPath,
		"resources", cfg.Pipeline.Resources,
		"jdbc_mode", cfg.Jdbc.Enabled,
		"workers", cfg.Pipeline.WorkerCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := assembleAndRun(ctx, cfg)
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		slog.Error("batch extraction failed", "error", err)
		return apperrors.ExitCode(err)
	}
	slog.Info("batch extraction complete")
	return apperrors.ExitOK
}

func assembleAndRun(ctx context.Context, cfg *config.Config) (*pipeline.Summary, error) {
	version, err := schema.ParseFhirVersion(cfg.Schema.FhirVersion)
	if err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistry(version, cfg.Schema.StructureDefinitions, cfg.Schema.RecursiveDepth)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.Port, nil)
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	if m != nil {
		retryCfg.OnRetry = m.SegmentRetriesTotal.Inc
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
		return nil, err
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
			return nil, err
		}
	}

	var partitioner *pipeline.IdRangePartitioner
	if cfg.Jdbc.Enabled {
		entries, err := pipeline.LoadTableFhirMap(cfg.Jdbc.TableFhirMap)
		if err != nil {
			return nil, err
		}
		db, err := postgres.New(cfg.Jdbc)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "connecting to backing database: %v", err)
		}
		defer db.Close()
		partitioner = pipeline.NewIdRangePartitioner(db, entries, cfg.Pipeline.BatchSize, cfg.Pipeline.FetchSize)
	}

	var watermarks pipeline.WatermarkStore
	if cfg.Redis.Addr != "" {
		store, err := redis.NewStore(cfg.Redis)
		if err != nil {
			if cfg.Pipeline.Incremental {
				return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig,
					"incremental mode needs the watermark store: %v", err)
			}
			slog.Warn("watermark store unavailable, continuing without", "error", err)
		} else {
			defer store.Close()
			watermarks = store
		}
	}

	root := warehouse.NewRoot(cfg.Warehouse.OutputPath)
	sink := warehouse.NewSink(root, registry, cfg.Warehouse.RowGroupSize, m)
	p := pipeline.New(pipeline.Options{
		Resources:       cfg.Pipeline.Resources,
		BatchSize:       cfg.Pipeline.BatchSize,
		FetchSize:       cfg.Pipeline.FetchSize,
		WorkerCount:     cfg.Pipeline.WorkerCount,
		ShutdownTimeout: cfg.Pipeline.ShutdownTimeout,
		Incremental:     cfg.Pipeline.Incremental,
	}, sourceClient, mirrorClient, sink, registry, partitioner, watermarks, m)
	return p.Run(ctx)
}

// printSummary writes the per-type written counts to stderr, the operator's
// view of the run.
func printSummary(summary *pipeline.Summary) {
	types := make([]string, 0, len(summary.WrittenPerType))
	for t := range summary.WrittenPerType {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Fprintf(os.Stderr, "run %s: fetched=%d failed_segments=%d failed_uploads=%d\n",
		summary.RunID, summary.Fetched, summary.FailedSegments, summary.FailedUploads)
	for _, t := range types {
		fmt.Fprintf(os.Stderr, "  %s: %d written\n", t, summary.WrittenPerType[t])
	}
}

// applyFlags runs the override for every flag the user actually set.
func applyFlags(overrides map[string]func()) {
	flag.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
