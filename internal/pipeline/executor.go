package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Executor drains the work stream over a bounded worker pool. Segment
// processing is independent; within one segment, resources reach the sink in
// bundle order. Permanent fetch failures are counted and skipped (the
// segment's resources are lost from this run); sink errors stop the run.
type Executor struct {
	source  *fhir.Client
	sink    *warehouse.Sink
	mirror  *fhir.Client
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	workers int
	logger  *slog.Logger

	failedSegments atomic.Int64
	failedUploads  atomic.Int64
	fetched        atomic.Int64
}

// NewExecutor builds an Executor. mirror may be nil to disable mirroring.
func NewExecutor(source *fhir.Client, sink *warehouse.Sink, mirror *fhir.Client, workers int, m *metrics.Metrics) *Executor {
	e := &Executor{
		source:  source,
		sink:    sink,
		mirror:  mirror,
		metrics: m,
		workers: workers,
		logger:  slog.Default().With("component", "segment-executor"),
	}
	if mirror != nil {
		e.breaker = resilience.NewCircuitBreaker("sink-fhir", resilience.CircuitBreakerConfig{})
	}
	return e
}

// Run consumes items until the channel closes or ctx is cancelled. The first
// fatal error (sink I/O, schema resolution, cancellation) stops all workers.
func (e *Executor) Run(ctx context.Context, items <-chan WorkItem) error {
	g, ctx := errgroup.WithContext(ctx)
	for range e.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case item, ok := <-items:
					if !ok {
						return nil
					}
					if err := e.process(ctx, item); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// FailedSegments reports segments dropped after exhausting retries.
func (e *Executor) FailedSegments() int64 { return e.failedSegments.Load() }

// FailedUploads reports resources that could not be mirrored.
func (e *Executor) FailedUploads() int64 { return e.failedUploads.Load() }

// Fetched reports resources received from the source.
func (e *Executor) Fetched() int64 { return e.fetched.Load() }

func (e *Executor) process(ctx context.Context, item WorkItem) error {
	start := time.Now()
	var (
		bundle *fhir.Bundle
		err    error
		mode   string
		label  string
	)
	switch {
	case item.Segment != nil:
		mode = "search"
		seg := item.Segment
		label = seg.ResourceType
		if seg.PageToken == "" && !seg.Since.IsZero() {
			bundle, err = e.source.SearchUpdatedSince(ctx, seg.ResourceType, seg.Count, false, seg.Since)
		} else if seg.PageToken == "" {
			bundle, err = e.source.SearchForResource(ctx, seg.ResourceType, seg.Count, false)
		} else {
			bundle, err = e.source.SearchByPage(ctx, seg.PageToken, seg.Count, seg.Offset)
		}
	case item.Batch != nil:
		mode = "id-batch"
		label = item.Batch.ResourceType
		bundle, err = e.source.BatchGetByIDs(ctx, item.Batch.ResourceType, item.Batch.IDs)
	default:
		return nil
	}
	if e.metrics != nil {
		e.metrics.FetchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// The client has already retried transient failures; whatever is
		// left is permanent for this segment unless the run is ending.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.failedSegments.Add(1)
		if e.metrics != nil {
			e.metrics.SegmentsTotal.WithLabelValues("failed").Inc()
		}
		e.logger.Error("segment failed, skipping", "mode", mode, "resource_type", label, "error", err)
		return nil
	}

	resources, err := bundle.Resources()
	if err != nil {
		e.failedSegments.Add(1)
		if e.metrics != nil {
			e.metrics.SegmentsTotal.WithLabelValues("failed").Inc()
		}
		e.logger.Error("segment returned unparseable bundle, skipping", "mode", mode, "resource_type", label, "error", err)
		return nil
	}
	for _, r := range resources {
		e.fetched.Add(1)
		if e.metrics != nil {
			e.metrics.ResourcesFetchedTotal.WithLabelValues(r.ResourceType).Inc()
		}
		if err := e.sink.Write(r); err != nil {
			return err
		}
		if e.mirror != nil {
			e.uploadToMirror(ctx, r)
		}
	}
	if e.metrics != nil {
		e.metrics.SegmentsTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

// uploadToMirror pushes one resource to the sink FHIR server. Failures are
// counted, never fatal; an open circuit short-circuits the attempt.
func (e *Executor) uploadToMirror(ctx context.Context, r *fhir.Resource) {
	err := e.breaker.Do(func() error {
		return e.mirror.UploadResource(ctx, r)
	})
	if err != nil {
		e.failedUploads.Add(1)
		if e.metrics != nil {
			e.metrics.FailedUploadsTotal.Inc()
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			e.logger.Warn("mirror upload failed", "type", r.ResourceType, "id", r.ID, "error", err)
		}
	}
}
