package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/logger"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WatermarkStore records where each resource type's previous extraction
// ended and hands it back to the next incremental run. *redis.Store
// implements it.
type WatermarkStore interface {
	SetWatermark(ctx context.Context, scope string, t time.Time) error
	Watermark(ctx context.Context, scope string) (time.Time, bool, error)
}

// Options sizes one batch run.
type Options struct {
	Resources []string
	// BatchSize is the page size of search segments.
	BatchSize int
	// FetchSize caps the number of IDs per _id search in database mode.
	FetchSize int
	// WorkerCount bounds concurrent fetches.
	WorkerCount int
	// ShutdownTimeout bounds the drain after cancellation.
	ShutdownTimeout time.Duration
	// Incremental restricts each type's extraction to resources updated at
	// or after the type's recorded watermark. Types with no watermark yet
	// extract in full. Search mode only; requires a watermark store.
	Incremental bool
}

// Summary is the per-run outcome reported to the operator.
type Summary struct {
	RunID          string
	WrittenPerType map[string]int64
	Fetched        int64
	FailedSegments int64
	FailedUploads  int64
	Elapsed        time.Duration
}

// Pipeline is a single-shot batch extraction run: plan, fan out, sink,
// close. A Pipeline must not be reused.
type Pipeline struct {
	opts        Options
	source      *fhir.Client
	mirror      *fhir.Client
	sink        *warehouse.Sink
	registry    *schema.Registry
	partitioner *IdRangePartitioner
	watermarks  WatermarkStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
	runID       string
	ran         bool
}

// New assembles a Pipeline. mirror, partitioner, watermarks, and metrics may
// each be nil; a non-nil partitioner switches the run to database mode.
func New(opts Options, source *fhir.Client, mirror *fhir.Client, sink *warehouse.Sink,
	registry *schema.Registry, partitioner *IdRangePartitioner, watermarks WatermarkStore, m *metrics.Metrics) *Pipeline {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	runID := uuid.NewString()
	return &Pipeline{
		opts:        opts,
		source:      source,
		mirror:      mirror,
		sink:        sink,
		registry:    registry,
		partitioner: partitioner,
		watermarks:  watermarks,
		metrics:     m,
		logger:      slog.Default().With("component", "batch-pipeline", "run_id", runID),
		runID:       runID,
	}
}

// RunID returns the identifier stamped on this run's logs and watermarks.
func (p *Pipeline) RunID() string { return p.runID }

// sinceFor returns the watermark an incremental run plans against for the
// given type; zero means full extraction (not incremental, no store, no
// watermark yet, or the store is unreachable).
func (p *Pipeline) sinceFor(ctx context.Context, resourceType string) time.Time {
	if !p.opts.Incremental || p.watermarks == nil {
		return time.Time{}
	}
	since, ok, err := p.watermarks.Watermark(ctx, resourceType)
	if err != nil {
		p.logger.Warn("watermark lookup failed, extracting in full", "resource_type", resourceType, "error", err)
		return time.Time{}
	}
	if !ok {
		p.logger.Info("no watermark yet, extracting in full", "resource_type", resourceType)
		return time.Time{}
	}
	return since
}

// Run executes the pipeline. On cancellation it stops planning new work,
// drains in-flight segments within the shutdown timeout, then closes the
// sink so every part file keeps a valid footer.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if p.ran {
		return nil, fmt.Errorf("pipeline is single-shot and was already run")
	}
	p.ran = true
	start := time.Now()
	ctx = logger.WithRunID(ctx, p.runID)

	// Resolve every requested schema up front so a bad type fails the run
	// before any fetch.
	for _, resourceType := range p.opts.Resources {
		if _, err := p.registry.SchemaFor(resourceType); err != nil {
			return nil, err
		}
	}

	// Workers run on a context that survives the caller's cancel for the
	// drain window, so in-flight segments can finish cleanly.
	workCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()
	drainTimer := context.AfterFunc(ctx, func() {
		p.logger.Info("cancellation received, draining in-flight segments", "deadline", p.opts.ShutdownTimeout)
		time.AfterFunc(p.opts.ShutdownTimeout, hardCancel)
	})
	defer drainTimer()

	executor := NewExecutor(p.source, p.sink, p.mirror, p.opts.WorkerCount, p.metrics)
	items := make(chan WorkItem, p.opts.WorkerCount)

	g, groupCtx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		// Planning listens to the caller's ctx: cancellation stops intake
		// immediately while workers keep draining.
		planCtx, cancel := context.WithCancel(groupCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		err := Plan(planCtx, p, items)
		if err != nil && planCtx.Err() != nil && ctx.Err() != nil {
			// Intake stopped by cancellation; workers drain what was queued.
			return nil
		}
		return err
	})
	g.Go(func() error {
		return executor.Run(groupCtx, items)
	})
	runErr := g.Wait()

	if err := p.sink.CloseAll(); err != nil && runErr == nil {
		runErr = err
	}
	if err := p.sink.WriteManifest(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	summary := &Summary{
		RunID:          p.runID,
		WrittenPerType: p.sink.Counts(),
		Fetched:        executor.Fetched(),
		FailedSegments: executor.FailedSegments(),
		FailedUploads:  executor.FailedUploads(),
		Elapsed:        time.Since(start),
	}
	if runErr != nil {
		return summary, runErr
	}

	if p.watermarks != nil {
		for _, resourceType := range p.opts.Resources {
			if err := p.watermarks.SetWatermark(ctx, resourceType, start); err != nil {
				p.logger.Warn("failed to record watermark", "resource_type", resourceType, "error", err)
			}
		}
	}
	p.logger.Info("pipeline complete",
		"fetched", summary.Fetched,
		"failed_segments", summary.FailedSegments,
		"failed_uploads", summary.FailedUploads,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}
