// The merger command composes two warehouse snapshots into one, keeping the
// freshest record per logical ID and erasing tombstoned IDs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clinsight/fhir-pipes/internal/merger"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/config"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/logger"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	dwh1 := flag.String("dwh1", "", "first warehouse root")
	dwh2 := flag.String("dwh2", "", "second (later) warehouse root; wins ties")
	mergedDwh := flag.String("mergedDwh", "", "output warehouse root")
	rowGroupSize := flag.Int64("rowGroupSizeForParquetFiles", 0, "parquet row-group byte threshold")
	numShards := flag.Int("numShards", 0, "accepted for compatibility; the worker pool does not shard output")
	mergeParquetViews := flag.Bool("mergeParquetViews", false, "also merge materialized view tables")
	viewDefinitionsDir := flag.String("viewDefinitionsDir", "", "directory of view definition documents")
	fhirVersion := flag.String("fhirVersion", "", "FHIR version: R4 or DSTU3")
	structureDefinitionsPath := flag.String("structureDefinitionsPath", "", "directory of profile structure definitions")
	recursiveDepth := flag.Int("recursiveDepth", 0, "complex-datatype expansion depth")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return apperrors.ExitConfig
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rowGroupSizeForParquetFiles":
			cfg.Warehouse.RowGroupSize = *rowGroupSize
		case "fhirVersion":
			cfg.Schema.FhirVersion = *fhirVersion
		case "structureDefinitionsPath":
			cfg.Schema.StructureDefinitions = *structureDefinitionsPath
		case "recursiveDepth":
			cfg.Schema.RecursiveDepth = *recursiveDepth
		}
	})
	if *dwh1 == "" || *dwh2 == "" || *mergedDwh == "" {
		fmt.Fprintln(os.Stderr, "all of --dwh1, --dwh2, and --mergedDwh must be set")
		return apperrors.ExitConfig
	}
	if *mergeParquetViews && *viewDefinitionsDir == "" {
		fmt.Fprintln(os.Stderr, "--mergeParquetViews requires --viewDefinitionsDir")
		return apperrors.ExitConfig
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *numShards > 0 {
		slog.Warn("--numShards is ignored; output is packed per resource type")
	}
	slog.Info("starting warehouse merge", "dwh1", *dwh1, "dwh2", *dwh2, "merged", *mergedDwh)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version, err := schema.ParseFhirVersion(cfg.Schema.FhirVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return apperrors.ExitConfig
	}
	registry, err := schema.NewRegistry(version, cfg.Schema.StructureDefinitions, cfg.Schema.RecursiveDepth)
	if err != nil {
		slog.Error("failed to initialise schema registry", "error", err)
		return apperrors.ExitCode(err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	mg := merger.New(merger.Options{
		RowGroupSize: cfg.Warehouse.RowGroupSize,
		MergeViews:   *mergeParquetViews,
		ViewDefsDir:  *viewDefinitionsDir,
	}, warehouse.NewRoot(*dwh1), warehouse.NewRoot(*dwh2), warehouse.NewRoot(*mergedDwh), registry, m)

	summary, err := mg.Run(ctx)
	if err != nil {
		slog.Error("merge failed", "error", err)
		return apperrors.ExitCode(err)
	}
	fmt.Fprintf(os.Stderr, "merged %d types, carried %d, duplicates=%d, output_records=%d\n",
		len(summary.MergedTypes), len(summary.CarriedTypes), summary.NumDuplicates, summary.NumOutput)
	slog.Info("merge complete")
	return apperrors.ExitOK
}
