// Package views loads SQL-on-FHIR style view definitions and derives the
// table schema of each materialized view. A view table row carries the
// standard id/meta envelope plus the declared flat columns, which is what
// lets the merger deduplicate views the same way it deduplicates resources.
package views

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clinsight/fhir-pipes/internal/schema"
	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/parquet-go/parquet-go"
)

// Column is one projected column of a view: a name, a FHIRPath-style
// projection path, and a FHIR primitive type.
type Column struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Definition is the subset of a SQL-on-FHIR ViewDefinition document the
// pipelines use.
type Definition struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Select   []struct {
		Column []Column `json:"column"`
	} `json:"select"`

	resolved *schema.ResourceSchema
}

// Columns flattens the select groups into the declared column list.
func (d *Definition) Columns() []Column {
	var cols []Column
	for _, sel := range d.Select {
		cols = append(cols, sel.Column...)
	}
	return cols
}

// ParquetSchema returns the Parquet schema of the view table.
func (d *Definition) ParquetSchema() *parquet.Schema {
	return d.resolved.Parquet
}

// AvroSchema returns the canonical Avro schema of the view table.
func (d *Definition) AvroSchema() string {
	return d.resolved.Avro
}

// LoadDir reads every *.json view definition under dir, resolving each
// view's schema. Definitions are returned in name order.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "reading view definitions dir %s: %v", dir, err)
	}
	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "reading %s: %v", path, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "parsing %s: %v", path, err)
		}
		if def.Name == "" {
			return nil, apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "view definition %s has no name", path)
		}
		if err := def.resolve(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (d *Definition) resolve() error {
	elements := schema.EnvelopeElements()
	for _, col := range d.Columns() {
		kind, ok := schema.PrimitiveKind(col.Type)
		if !ok {
			return apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig,
				"view %s column %s has unsupported type %q", d.Name, col.Name, col.Type)
		}
		elements = append(elements, schema.Element{Name: col.Name, Kind: kind, TypeName: col.Type})
	}
	resolved, err := schema.Build(d.Name, elements)
	if err != nil {
		return err
	}
	d.resolved = resolved
	return nil
}
