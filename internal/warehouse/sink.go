package warehouse

import (
	"log/slog"
	"sync"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/schema"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
)

// flushEveryRows bounds how stale the on-disk size check can get; the writer
// buffers a row group in memory until flushed.
const flushEveryRows = 512

// Sink owns the per-resource-type Parquet writers of one warehouse snapshot.
// Write is safe from many workers; the per-type writer is the unit of mutual
// exclusion, so distinct types never contend.
type Sink struct {
	root         *Root
	registry     *schema.Registry
	rowGroupSize int64
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu      sync.Mutex
	writers map[string]*typeWriter
	closed  bool
}

// NewSink creates a Sink writing under root. rowGroupSize is the byte
// threshold at which a part file is rotated; zero keeps the default.
func NewSink(root *Root, registry *schema.Registry, rowGroupSize int64, m *metrics.Metrics) *Sink {
	return &Sink{
		root:         root,
		registry:     registry,
		rowGroupSize: rowGroupSize,
		metrics:      m,
		logger:       slog.Default().With("component", "parquet-sink"),
		writers:      make(map[string]*typeWriter),
	}
}

// ResourcePath returns the deterministic output directory for a type.
func (s *Sink) ResourcePath(resourceType string) string {
	return s.root.ResourcePath(resourceType)
}

// Write appends one resource to the part file of its type, creating the
// writer on first use and rotating when the current file exceeds the
// row-group size. An I/O error poisons the type: the writer is discarded and
// later writes to it keep failing until a new pipeline run.
func (s *Sink) Write(r *fhir.Resource) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrSinkClosed, apperrors.ExitRuntime, "write of %s/%s after close", r.ResourceType, r.ID)
	}
	tw, ok := s.writers[r.ResourceType]
	if !ok {
		resolved, err := s.registry.SchemaFor(r.ResourceType)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		tw = &typeWriter{
			resourceType: r.ResourceType,
			schema:       resolved,
			rw:           NewRowWriter(s.root, r.ResourceType, resolved.Parquet, s.rowGroupSize),
		}
		s.writers[r.ResourceType] = tw
		if s.metrics != nil {
			s.metrics.ActiveWriters.Inc()
		}
	}
	s.mu.Unlock()

	if err := tw.write(r, s.metrics); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ResourcesWrittenTotal.WithLabelValues(r.ResourceType).Inc()
	}
	return nil
}

// CloseAll flushes and closes every writer. It is safe to call multiple
// times; writes after the first call fail with ErrSinkClosed. The first
// close error is returned after every writer has been given the chance to
// flush.
func (s *Sink) CloseAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writers := make([]*typeWriter, 0, len(s.writers))
	for _, tw := range s.writers {
		writers = append(writers, tw)
	}
	s.mu.Unlock()

	var firstErr error
	for _, tw := range writers {
		if err := tw.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if s.metrics != nil {
			s.metrics.ActiveWriters.Dec()
		}
	}
	return firstErr
}

// Counts returns the number of records written per resource type.
func (s *Sink) Counts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64, len(s.writers))
	for resourceType, tw := range s.writers {
		counts[resourceType] = tw.rows()
	}
	return counts
}

// NonEmptyTypes returns the types that received at least one record.
func (s *Sink) NonEmptyTypes() []string {
	var types []string
	for resourceType, n := range s.Counts() {
		if n > 0 {
			types = append(types, resourceType)
		}
	}
	return types
}

// WriteManifest records the non-empty types side file.
func (s *Sink) WriteManifest() error {
	return s.root.WriteTypesFile(s.NonEmptyTypes())
}

// typeWriter serializes writes of one resource type and poisons itself on
// the first I/O error.
type typeWriter struct {
	resourceType string
	schema       *schema.ResourceSchema
	rw           *RowWriter

	mu       sync.Mutex
	rotated  int
	rowCount int64
	failed   error
}

func (tw *typeWriter) write(r *fhir.Resource, m *metrics.Metrics) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.failed != nil {
		return apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime,
			"writer for %s previously failed: %v", tw.resourceType, tw.failed)
	}
	row, err := tw.schema.ToRow(r)
	if err != nil {
		return apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime,
			"converting %s/%s: %v", r.ResourceType, r.ID, err)
	}
	if err := tw.rw.WriteRow(row); err != nil {
		tw.failed = err
		return apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime, "%v", err)
	}
	tw.rowCount++
	if m != nil && tw.rw.Rotated() > tw.rotated {
		m.ParquetRotationsTotal.WithLabelValues(tw.resourceType).Inc()
		tw.rotated = tw.rw.Rotated()
	}
	return nil
}

func (tw *typeWriter) close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.failed != nil {
		return nil
	}
	if err := tw.rw.Close(); err != nil {
		tw.failed = err
		return apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime, "closing %s: %v", tw.resourceType, err)
	}
	return nil
}

func (tw *typeWriter) rows() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.rowCount
}
