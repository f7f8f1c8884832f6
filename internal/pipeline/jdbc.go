package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/postgres"
)

// TableFhirEntry maps one source database table to the FHIR resource type
// its rows materialize as. LinkedTables names companion tables whose rows
// surface under the same resource type (the encounter entry links the visit
// table this way).
type TableFhirEntry struct {
	TableName    string   `json:"tableName"`
	ResourceType string   `json:"resourceType"`
	LinkedTables []string `json:"linkedTables,omitempty"`
}

// LoadTableFhirMap reads the table-FHIR mapping file.
func LoadTableFhirMap(path string) ([]TableFhirEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "reading table-FHIR map %s: %v", path, err)
	}
	var entries []TableFhirEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "parsing table-FHIR map %s: %v", path, err)
	}
	return entries, nil
}

// ReverseMap resolves the tables to scan for the requested resource types,
// including linked tables transitively. It fails fast when a requested type
// has no mapping entry.
func ReverseMap(entries []TableFhirEntry, requested []string) (map[string]string, error) {
	byTable := make(map[string]TableFhirEntry, len(entries))
	byType := make(map[string][]TableFhirEntry)
	for _, e := range entries {
		byTable[e.TableName] = e
		byType[e.ResourceType] = append(byType[e.ResourceType], e)
	}

	reverse := make(map[string]string)
	for _, resourceType := range requested {
		matches, ok := byType[resourceType]
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig,
				"resource type %q has no entry in the table-FHIR map", resourceType)
		}
		// Walk linked tables to a fixed point so chains of link tables all
		// land in the scan set.
		queue := append([]TableFhirEntry(nil), matches...)
		for len(queue) > 0 {
			e := queue[0]
			queue = queue[1:]
			if _, seen := reverse[e.TableName]; seen {
				continue
			}
			reverse[e.TableName] = resourceType
			for _, linked := range e.LinkedTables {
				le, ok := byTable[linked]
				if !ok {
					return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig,
						"table %q links unknown table %q", e.TableName, linked)
				}
				queue = append(queue, le)
			}
		}
	}
	return reverse, nil
}

// IdRange is a half-open [From, To) slice of a table's integer PK space.
type IdRange struct {
	Table string
	From  int64
	To    int64
}

// RangesForMax splits [0, max+1) into contiguous half-open ranges of width
// batchSize. The union covers every possible id with no overlap.
func RangesForMax(table string, max int64, batchSize int64) []IdRange {
	var ranges []IdRange
	for from := int64(0); from <= max; from += batchSize {
		ranges = append(ranges, IdRange{
			Table: table,
			From:  from,
			To:    min(from+batchSize, max+1),
		})
	}
	return ranges
}

// IdRangePartitioner scales extraction past the FHIR search API by reading
// resource UUIDs straight from the backing database and batching them into
// _id searches.
type IdRangePartitioner struct {
	db        *postgres.Client
	entries   []TableFhirEntry
	batchSize int64
	fetchSize int
	logger    *slog.Logger
}

// NewIdRangePartitioner builds a partitioner over the given mapping.
func NewIdRangePartitioner(db *postgres.Client, entries []TableFhirEntry, batchSize, fetchSize int) *IdRangePartitioner {
	return &IdRangePartitioner{
		db:        db,
		entries:   entries,
		batchSize: int64(batchSize),
		fetchSize: fetchSize,
		logger:    slog.Default().With("component", "id-range-partitioner"),
	}
}

// Partition resolves the reverse map, splits each table's ID space, and
// turns the UUIDs of each range into ID batches.
func (p *IdRangePartitioner) Partition(ctx context.Context, requested []string) ([]IdBatch, error) {
	reverse, err := ReverseMap(p.entries, requested)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(reverse))
	for table := range reverse {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var batches []IdBatch
	for _, table := range tables {
		resourceType := reverse[table]
		maxID, err := p.db.MaxID(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("partitioning %s: %w", table, err)
		}
		if maxID == 0 {
			p.logger.Info("table is empty, skipping", "table", table)
			continue
		}
		for _, r := range RangesForMax(table, maxID, p.batchSize) {
			uuids, err := p.db.UUIDs(ctx, r.Table, r.From, r.To)
			if err != nil {
				return nil, fmt.Errorf("partitioning %s: %w", table, err)
			}
			batches = append(batches, ChunkIDs(resourceType, uuids, p.fetchSize)...)
		}
		p.logger.Info("partitioned table", "table", table, "resource_type", resourceType, "max_id", maxID)
	}
	return batches, nil
}
