package schema

import (
	"encoding/json"
	"fmt"

	"github.com/clinsight/fhir-pipes/internal/fhir"
)

// ToRow projects a FHIR resource onto the schema's element tree, producing
// the row map the Parquet writer consumes. Fields the schema does not know
// are dropped; fields the resource does not carry come out nil (repeated
// fields come out as an empty list).
func (s *ResourceSchema) ToRow(r *fhir.Resource) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(r.Raw, &body); err != nil {
		return nil, fmt.Errorf("parsing %s/%s body: %w", r.ResourceType, r.ID, err)
	}
	return projectRecord(body, s.Elements), nil
}

func projectRecord(body map[string]any, elements []Element) map[string]any {
	row := make(map[string]any, len(elements))
	for _, el := range elements {
		row[el.Name] = projectElement(body[el.Name], el)
	}
	return row
}

func projectElement(v any, el Element) any {
	if v == nil {
		if el.Repeated {
			return []any{}
		}
		return nil
	}
	if el.Repeated {
		items, ok := v.([]any)
		if !ok {
			return []any{}
		}
		scalar := el
		scalar.Repeated = false
		out := make([]any, 0, len(items))
		for _, item := range items {
			if converted := projectElement(item, scalar); converted != nil {
				out = append(out, converted)
			}
		}
		return out
	}
	switch el.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s
		}
		return nil
	case KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case KindInt:
		if f, ok := v.(float64); ok {
			return int32(f)
		}
		return nil
	case KindLong:
		if f, ok := v.(float64); ok {
			return int64(f)
		}
		return nil
	case KindDouble:
		if f, ok := v.(float64); ok {
			return f
		}
		return nil
	case KindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	case KindRecord:
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		return projectRecord(m, el.Children)
	}
	return nil
}
