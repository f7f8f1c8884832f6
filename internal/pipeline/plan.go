// Package pipeline composes the batch extraction run: discover work, fan out
// over a bounded worker pool, fetch, convert, write. Work arrives as search
// segments (paged FHIR queries) or ID batches (direct-database mode); the
// two streams share one executor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
)

// SearchSegment describes a single paged FHIR query. Segments are value
// objects; segments with identical fields are equal.
type SearchSegment struct {
	ResourceType string
	// PageToken is the verbatim "_getpages=<token>" pair of the server's
	// paging cursor. Empty means the whole result fits one plain search.
	PageToken string
	Offset    int
	Count     int
	// Since restricts a plain (token-less) search to resources updated at or
	// after the instant; zero means unrestricted. Token-bearing segments
	// carry the restriction inside the server's cursor.
	Since time.Time
}

// IdBatch names up to Size resources of one type to fetch in a single
// _id=a,b,c search.
type IdBatch struct {
	ResourceType string
	IDs          string
	Size         int
}

// WorkItem carries exactly one of a segment or an ID batch.
type WorkItem struct {
	Segment *SearchSegment
	Batch   *IdBatch
}

// PlanSearch builds the segment plan for one resource type: a _summary=count
// probe for the total, a one-row probe for the paging token, then segments
// covering [0, total) with no gaps and no overlap. A non-zero since plans an
// incremental run: both probes carry the _lastUpdated restriction, so the
// returned cursor pages only resources updated at or after the watermark.
func PlanSearch(ctx context.Context, client *fhir.Client, resourceType string, pageSize int, since time.Time) ([]SearchSegment, error) {
	probe, err := searchProbe(ctx, client, resourceType, true, since)
	if err != nil {
		return nil, fmt.Errorf("probing total of %s: %w", resourceType, err)
	}
	if probe.Total == nil {
		return nil, apperrors.Newf(apperrors.ErrPermanentRemote, apperrors.ExitRuntime,
			"count probe for %s returned no total", resourceType)
	}
	total := *probe.Total
	if total == 0 {
		return nil, nil
	}

	tokenProbe, err := searchProbe(ctx, client, resourceType, false, since)
	if err != nil {
		return nil, fmt.Errorf("probing page token of %s: %w", resourceType, err)
	}
	token, err := fhir.FindBaseSearchURL(tokenProbe)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoNextLink) && total <= 1 {
			// A single resource yields no next link; one plain search covers it.
			return []SearchSegment{{ResourceType: resourceType, Offset: 0, Count: pageSize, Since: since}}, nil
		}
		return nil, err
	}
	return SegmentsForTotal(resourceType, token, total, pageSize), nil
}

func searchProbe(ctx context.Context, client *fhir.Client, resourceType string, summaryCount bool, since time.Time) (*fhir.Bundle, error) {
	if since.IsZero() {
		return client.SearchForResource(ctx, resourceType, 1, summaryCount)
	}
	return client.SearchUpdatedSince(ctx, resourceType, 1, summaryCount, since)
}

// SegmentsForTotal splits [0, total) into pages of pageSize rows.
func SegmentsForTotal(resourceType, token string, total, pageSize int) []SearchSegment {
	var segments []SearchSegment
	for offset := 0; offset < total; offset += pageSize {
		segments = append(segments, SearchSegment{
			ResourceType: resourceType,
			PageToken:    token,
			Offset:       offset,
			Count:        pageSize,
		})
	}
	return segments
}

// Plan produces the full work stream for the run and sends it on out. In
// search mode segments are planned per type; in database mode the
// partitioner generates ID batches. Planning stops when ctx is cancelled.
func Plan(ctx context.Context, p *Pipeline, out chan<- WorkItem) error {
	defer close(out)
	if p.partitioner != nil {
		batches, err := p.partitioner.Partition(ctx, p.opts.Resources)
		if err != nil {
			return err
		}
		for i := range batches {
			select {
			case out <- WorkItem{Batch: &batches[i]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	for _, resourceType := range p.opts.Resources {
		since := p.sinceFor(ctx, resourceType)
		segments, err := PlanSearch(ctx, p.source, resourceType, p.opts.BatchSize, since)
		if err != nil {
			return err
		}
		p.logger.Info("planned segments", "resource_type", resourceType, "segments", len(segments), "incremental", !since.IsZero())
		for i := range segments {
			select {
			case out <- WorkItem{Segment: &segments[i]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// ChunkIDs groups UUIDs into comma-joined batches of at most fetchSize.
func ChunkIDs(resourceType string, uuids []string, fetchSize int) []IdBatch {
	var batches []IdBatch
	for start := 0; start < len(uuids); start += fetchSize {
		end := min(start+fetchSize, len(uuids))
		chunk := uuids[start:end]
		batches = append(batches, IdBatch{
			ResourceType: resourceType,
			IDs:          strings.Join(chunk, ","),
			Size:         len(chunk),
		})
	}
	return batches
}
