package warehouse

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// RowWriter appends generic rows to the part files of one resource type,
// rotating to a new part when the current file grows past rowGroupSize. It
// is not safe for concurrent use; callers serialize per type.
type RowWriter struct {
	root         *Root
	resourceType string
	schema       *parquet.Schema
	rowGroupSize int64

	file       *os.File
	writer     *parquet.GenericWriter[map[string]any]
	part       int
	rows       int64
	sinceFlush int64
}

// NewRowWriter creates a RowWriter for the type under root.
func NewRowWriter(root *Root, resourceType string, schema *parquet.Schema, rowGroupSize int64) *RowWriter {
	if rowGroupSize <= 0 {
		rowGroupSize = 32 * 1024 * 1024
	}
	return &RowWriter{
		root:         root,
		resourceType: resourceType,
		schema:       schema,
		rowGroupSize: rowGroupSize,
	}
}

// WriteRow appends one row, opening the first part file lazily.
func (w *RowWriter) WriteRow(row map[string]any) error {
	if w.writer == nil {
		if err := w.openPart(); err != nil {
			return err
		}
	}
	if _, err := w.writer.Write([]map[string]any{row}); err != nil {
		return fmt.Errorf("appending to %s part %d: %w", w.resourceType, w.part, err)
	}
	w.rows++
	w.sinceFlush++
	if w.sinceFlush >= flushEveryRows {
		w.sinceFlush = 0
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flushing %s part %d: %w", w.resourceType, w.part, err)
		}
		info, err := w.file.Stat()
		if err != nil {
			return fmt.Errorf("stat %s part %d: %w", w.resourceType, w.part, err)
		}
		if info.Size() >= w.rowGroupSize {
			if err := w.rotate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rows returns the number of rows written so far.
func (w *RowWriter) Rows() int64 {
	return w.rows
}

// Rotated reports how many completed part files precede the current one.
func (w *RowWriter) Rotated() int {
	return w.part
}

// Close flushes and closes the current part file. Safe to call when nothing
// was written.
func (w *RowWriter) Close() error {
	return w.closePart()
}

func (w *RowWriter) openPart() error {
	dir := w.root.ResourcePath(w.resourceType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := w.root.PartFile(w.resourceType, w.part)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w.file = f
	// Unbuffered output: a flushed row group reaches the file at once, so the
	// size check in WriteRow sees it.
	w.writer = parquet.NewGenericWriter[map[string]any](f,
		w.schema,
		parquet.Compression(&parquet.Snappy),
		parquet.WriteBufferSize(0),
	)
	w.sinceFlush = 0
	return nil
}

func (w *RowWriter) rotate() error {
	if err := w.closePart(); err != nil {
		return err
	}
	w.part++
	return w.openPart()
}

func (w *RowWriter) closePart() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("closing parquet writer for %s: %w", w.resourceType, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing part file for %s: %w", w.resourceType, err)
	}
	w.writer = nil
	w.file = nil
	return nil
}
