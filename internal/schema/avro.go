package schema

import (
	"encoding/json"
	"fmt"
)

const avroNamespace = "com.clinsight.fhir.avro"

// avroRecord and avroField marshal in declaration order, so the generated
// schema JSON is deterministic for a given element tree.
type avroRecord struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Namespace string      `json:"namespace,omitempty"`
	Fields    []avroField `json:"fields"`
}

type avroField struct {
	Name    string `json:"name"`
	Type    any    `json:"type"`
	Default *any   `json:"default"`
}

var nullDefault any = nil

// avroSchemaJSON renders the element tree as an Avro record schema. Every
// field is a nullable union with a null default so records missing optional
// FHIR fields still encode. Nested record names are path-qualified: Avro
// requires unique names per schema and complex datatypes recur.
func avroSchemaJSON(resourceType string, elements []Element) (string, error) {
	rec := avroRecord{
		Type:      "record",
		Name:      resourceType,
		Namespace: avroNamespace,
	}
	for _, el := range elements {
		field, err := avroFieldOf(el, resourceType)
		if err != nil {
			return "", err
		}
		rec.Fields = append(rec.Fields, field)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling Avro schema for %s: %w", resourceType, err)
	}
	return string(data), nil
}

func avroFieldOf(el Element, path string) (avroField, error) {
	t, err := avroTypeOf(el, path)
	if err != nil {
		return avroField{}, err
	}
	if el.Repeated {
		t = map[string]any{"type": "array", "items": t}
	}
	return avroField{
		Name:    el.Name,
		Type:    []any{"null", t},
		Default: &nullDefault,
	}, nil
}

func avroTypeOf(el Element, path string) (any, error) {
	switch el.Kind {
	case KindString, KindJSON:
		return "string", nil
	case KindBool:
		return "boolean", nil
	case KindInt:
		return "int", nil
	case KindLong:
		return "long", nil
	case KindDouble:
		return "double", nil
	case KindRecord:
		nested := avroRecord{
			Type: "record",
			Name: path + "_" + el.Name,
		}
		for _, child := range el.Children {
			field, err := avroFieldOf(child, nested.Name)
			if err != nil {
				return nil, err
			}
			nested.Fields = append(nested.Fields, field)
		}
		return nested, nil
	default:
		return nil, fmt.Errorf("element %s.%s has unknown kind %d", path, el.Name, el.Kind)
	}
}
