// Package merger composes two warehouse snapshots into one, deduplicating by
// logical ID. For every (resourceType, id) present in either input it keeps
// exactly one record, the one with the greatest meta.lastUpdated, unless
// that record carries the REMOVE tombstone tag, in which case the ID is
// dropped entirely.
//
// lastUpdated values are compared as strings. That is correct only while all
// timestamps are UTC-normalized ISO-8601, which the extraction pipeline
// guarantees for its own output; a warehouse fed mixed-timezone instants
// would need the comparison switched to parsed times.
package merger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/views"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/parquet-go/parquet-go"
)

// Options controls one merge run.
type Options struct {
	RowGroupSize int64
	// MergeViews additionally merges materialized view tables using schemas
	// derived from the view definitions in ViewDefsDir.
	MergeViews  bool
	ViewDefsDir string
}

// Summary reports the outcome of a merge.
type Summary struct {
	MergedTypes   []string
	CarriedTypes  []string
	NumDuplicates int64
	NumOutput     int64
	Elapsed       time.Duration
}

// Merger merges two warehouse roots into a third.
type Merger struct {
	opts     Options
	dwh1     *warehouse.Root
	dwh2     *warehouse.Root
	merged   *warehouse.Root
	registry *schema.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	numDuplicates int64
	numOutput     int64
}

// New assembles a Merger; metrics may be nil.
func New(opts Options, dwh1, dwh2, merged *warehouse.Root, registry *schema.Registry, m *metrics.Metrics) *Merger {
	return &Merger{
		opts:     opts,
		dwh1:     dwh1,
		dwh2:     dwh2,
		merged:   merged,
		registry: registry,
		metrics:  m,
		logger:   slog.Default().With("component", "parquet-merger"),
	}
}

// Run performs the merge: types present in both inputs are deduplicated,
// types present in one input are copied verbatim, and the merged side file
// is written last.
func (m *Merger) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	types1, err := m.dwh1.NonEmptyTypes()
	if err != nil {
		return nil, fmt.Errorf("listing types of %s: %w", m.dwh1.Path(), err)
	}
	types2, err := m.dwh2.NonEmptyTypes()
	if err != nil {
		return nil, fmt.Errorf("listing types of %s: %w", m.dwh2.Path(), err)
	}
	set1 := toSet(types1)
	set2 := toSet(types2)

	summary := &Summary{}
	var outputTypes []string

	for _, resourceType := range types1 {
		if !set2[resourceType] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.logger.Info("merging resource type", "resource_type", resourceType)
		resolved, err := m.registry.SchemaFor(resourceType)
		if err != nil {
			return nil, err
		}
		n, err := m.mergeTable(resourceType, resolved.Parquet)
		if err != nil {
			return nil, err
		}
		summary.MergedTypes = append(summary.MergedTypes, resourceType)
		if n > 0 {
			outputTypes = append(outputTypes, resourceType)
		}
	}

	carried, err := m.copyDistinct(types1, types2, set1, set2)
	if err != nil {
		return nil, err
	}
	summary.CarriedTypes = carried
	outputTypes = append(outputTypes, carried...)

	if m.opts.MergeViews {
		if err := m.mergeViews(ctx); err != nil {
			return nil, err
		}
	}

	if err := m.merged.WriteTypesFile(outputTypes); err != nil {
		return nil, err
	}
	summary.NumDuplicates = m.numDuplicates
	summary.NumOutput = m.numOutput
	summary.Elapsed = time.Since(start)
	m.logger.Info("merge complete",
		"merged_types", len(summary.MergedTypes),
		"carried_types", len(summary.CarriedTypes),
		"num_duplicates", summary.NumDuplicates,
		"num_output_records", summary.NumOutput,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// mergeTable deduplicates one table (a resource type or a view) present in
// both inputs and writes the survivors. Returns the number of output rows.
func (m *Merger) mergeTable(table string, pq *parquet.Schema) (int64, error) {
	type sourced struct {
		row    map[string]any
		source int
	}
	groups := make(map[string][]sourced)
	order := make([]string, 0)

	read := func(root *warehouse.Root, source int) error {
		return warehouse.ReadType(root, table, func(row map[string]any) error {
			id, err := rowID(row)
			if err != nil {
				return apperrors.Newf(apperrors.ErrMerge, apperrors.ExitRuntime, "%s in %s: %v", table, root.Path(), err)
			}
			if _, seen := groups[id]; !seen {
				order = append(order, id)
			}
			groups[id] = append(groups[id], sourced{row: row, source: source})
			return nil
		})
	}
	if err := read(m.dwh1, 1); err != nil {
		return 0, err
	}
	if err := read(m.dwh2, 2); err != nil {
		return 0, err
	}

	writer := warehouse.NewRowWriter(m.merged, table, pq, m.opts.RowGroupSize)
	var written int64
	for _, id := range order {
		group := groups[id]
		if len(group) > 1 {
			m.numDuplicates++
			if m.metrics != nil {
				m.metrics.NumDuplicates.Inc()
			}
		}
		if len(group) > 2 {
			m.logger.Warn("record repeated more than twice", "table", table, "id", id, "copies", len(group))
		}
		var (
			winner      map[string]any
			winnerStamp string
		)
		for _, cand := range group {
			stamp, err := rowLastUpdated(cand.row)
			if err != nil {
				return 0, apperrors.Newf(apperrors.ErrMerge, apperrors.ExitRuntime, "%s/%s: %v", table, id, err)
			}
			// Later snapshot overrides: on equal stamps the record from
			// input 2 wins.
			if winner == nil || stamp > winnerStamp || (stamp == winnerStamp && cand.source == 2) {
				winner = cand.row
				winnerStamp = stamp
			}
		}
		if rowDeleted(winner) {
			continue
		}
		if err := writer.WriteRow(winner); err != nil {
			return 0, apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime, "%v", err)
		}
		written++
		m.numOutput++
		if m.metrics != nil {
			m.metrics.NumOutputRecords.Inc()
		}
	}
	if err := writer.Close(); err != nil {
		return 0, apperrors.Newf(apperrors.ErrSinkIO, apperrors.ExitRuntime, "%v", err)
	}
	return written, nil
}

// copyDistinct copies tables present in exactly one input verbatim.
func (m *Merger) copyDistinct(types1, types2 []string, set1, set2 map[string]bool) ([]string, error) {
	var carried []string
	for _, t := range types1 {
		if !set2[t] {
			m.logger.Info("carrying over one-sided type", "resource_type", t, "from", m.dwh1.Path())
			if err := m.dwh1.CopyType(t, m.merged); err != nil {
				return nil, err
			}
			carried = append(carried, t)
		}
	}
	for _, t := range types2 {
		if !set1[t] {
			m.logger.Info("carrying over one-sided type", "resource_type", t, "from", m.dwh2.Path())
			if err := m.dwh2.CopyType(t, m.merged); err != nil {
				return nil, err
			}
			carried = append(carried, t)
		}
	}
	return carried, nil
}

// mergeViews repeats the merge for each materialized view present in both
// inputs, using the schema its view definition declares.
func (m *Merger) mergeViews(ctx context.Context) error {
	if m.opts.ViewDefsDir == "" {
		return apperrors.New(apperrors.ErrConfig, apperrors.ExitConfig,
			"merging parquet views requires a view definitions directory")
	}
	defs, err := views.LoadDir(m.opts.ViewDefsDir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		files1, err := m.dwh1.PartFiles(def.Name)
		if err != nil {
			return err
		}
		files2, err := m.dwh2.PartFiles(def.Name)
		if err != nil {
			return err
		}
		switch {
		case len(files1) == 0 && len(files2) == 0:
			continue
		case len(files1) == 0:
			if err := m.dwh2.CopyType(def.Name, m.merged); err != nil {
				return err
			}
			continue
		case len(files2) == 0:
			if err := m.dwh1.CopyType(def.Name, m.merged); err != nil {
				return err
			}
			continue
		}
		m.logger.Info("merging materialized view", "view", def.Name)
		if _, err := m.mergeTable(def.Name, def.ParquetSchema()); err != nil {
			return err
		}
	}
	return nil
}

func toSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// rowID extracts the logical ID; its absence is fatal to the merge.
func rowID(row map[string]any) (string, error) {
	id, ok := row["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("record has no id field")
	}
	return id, nil
}

// rowLastUpdated extracts meta.lastUpdated; its absence is fatal.
func rowLastUpdated(row map[string]any) (string, error) {
	meta, ok := row["meta"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("record has no meta field")
	}
	stamp, ok := meta["lastUpdated"].(string)
	if !ok || stamp == "" {
		return "", fmt.Errorf("record has no meta.lastUpdated field")
	}
	return stamp, nil
}

// rowDeleted reports whether meta.tag carries the REMOVE action tag.
func rowDeleted(row map[string]any) bool {
	meta, ok := row["meta"].(map[string]any)
	if !ok {
		return false
	}
	var tags []map[string]any
	switch v := meta["tag"].(type) {
	case []any:
		for _, t := range v {
			if tag, ok := t.(map[string]any); ok {
				tags = append(tags, tag)
			}
		}
	case []map[string]any:
		tags = v
	}
	for _, tag := range tags {
		system, _ := tag["system"].(string)
		code, _ := tag["code"].(string)
		if system == fhir.RemoveTagSystem && code == fhir.RemoveTagCode {
			return true
		}
	}
	return false
}
