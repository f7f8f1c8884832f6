package schema

import (
	"github.com/linkedin/goavro/v2"

	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
)

// PrimitiveKind maps a FHIR primitive type name to its column kind. View
// definitions declare their column types with the same names.
func PrimitiveKind(typeName string) (Kind, bool) {
	kind, ok := fhirPrimitiveKinds[typeName]
	return kind, ok
}

// EnvelopeElements returns the id/resourceType/meta envelope that every
// warehouse table carries. The merger depends on it to group and pick
// winners, so materialized view tables include it too.
func EnvelopeElements() []Element {
	return baseElements()
}

// Build resolves an ad-hoc table schema from an element tree. The view
// tables use this; resource tables go through the Registry.
func Build(name string, elements []Element) (*ResourceSchema, error) {
	avroJSON, err := avroSchemaJSON(name, elements)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime, "building Avro schema for %s: %v", name, err)
	}
	codec, err := goavro.NewCodec(avroJSON)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime, "invalid Avro schema for %s: %v", name, err)
	}
	pq, err := parquetSchema(name, elements)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime, "building Parquet schema for %s: %v", name, err)
	}
	return &ResourceSchema{
		ResourceType: name,
		Elements:     elements,
		Avro:         codec.CanonicalSchema(),
		Fingerprint:  codec.Rabin,
		Parquet:      pq,
	}, nil
}
