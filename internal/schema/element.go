// Package schema resolves the column schema for each FHIR resource type. The
// source of truth is a FHIR StructureDefinition (from a profile directory or
// the built-in core set); from its element tree the registry derives both the
// canonical Avro schema that makes warehouse files interchangeable across
// processes and the Parquet schema the sink writes with.
package schema

// Kind is the column kind an element maps to.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindLong
	KindDouble
	KindRecord
	// KindJSON keeps a subtree as its JSON text when the recursion bound cuts
	// expansion off.
	KindJSON
)

// Element is one node of a resolved schema tree. Field order is significant:
// the Avro schema is emitted in tree order (the Parquet schema orders each
// group's fields by name), so equal inputs yield identical schemas.
type Element struct {
	Name     string
	Kind     Kind
	Repeated bool
	TypeName string
	Children []Element
}

// fhirPrimitiveKinds maps FHIR primitive type codes to column kinds.
// Date/time primitives stay strings: the merger compares lastUpdated
// lexicographically and any parse would risk re-formatting.
var fhirPrimitiveKinds = map[string]Kind{
	"string":       KindString,
	"code":         KindString,
	"id":           KindString,
	"uri":          KindString,
	"url":          KindString,
	"canonical":    KindString,
	"oid":          KindString,
	"uuid":         KindString,
	"markdown":     KindString,
	"base64Binary": KindString,
	"date":         KindString,
	"dateTime":     KindString,
	"instant":      KindString,
	"time":         KindString,
	"xhtml":        KindString,
	"boolean":      KindBool,
	"integer":      KindInt,
	"positiveInt":  KindInt,
	"unsignedInt":  KindInt,
	"integer64":    KindLong,
	"decimal":      KindDouble,
}

// complexTypeElements defines the expansion of the complex datatypes the
// pipelines rely on. Anything not listed collapses to KindJSON once reached.
var complexTypeElements = map[string][]elementDef{
	"Coding": {
		{name: "system", typ: "uri"},
		{name: "version", typ: "string"},
		{name: "code", typ: "code"},
		{name: "display", typ: "string"},
		{name: "userSelected", typ: "boolean"},
	},
	"CodeableConcept": {
		{name: "coding", typ: "Coding", repeated: true},
		{name: "text", typ: "string"},
	},
	"Identifier": {
		{name: "use", typ: "code"},
		{name: "system", typ: "uri"},
		{name: "value", typ: "string"},
	},
	"HumanName": {
		{name: "use", typ: "code"},
		{name: "text", typ: "string"},
		{name: "family", typ: "string"},
		{name: "given", typ: "string", repeated: true},
		{name: "prefix", typ: "string", repeated: true},
		{name: "suffix", typ: "string", repeated: true},
	},
	"Address": {
		{name: "use", typ: "code"},
		{name: "type", typ: "code"},
		{name: "text", typ: "string"},
		{name: "line", typ: "string", repeated: true},
		{name: "city", typ: "string"},
		{name: "district", typ: "string"},
		{name: "state", typ: "string"},
		{name: "postalCode", typ: "string"},
		{name: "country", typ: "string"},
	},
	"ContactPoint": {
		{name: "system", typ: "code"},
		{name: "value", typ: "string"},
		{name: "use", typ: "code"},
		{name: "rank", typ: "positiveInt"},
	},
	"Reference": {
		{name: "reference", typ: "string"},
		{name: "type", typ: "uri"},
		{name: "display", typ: "string"},
	},
	"Period": {
		{name: "start", typ: "dateTime"},
		{name: "end", typ: "dateTime"},
	},
	"Quantity": {
		{name: "value", typ: "decimal"},
		{name: "comparator", typ: "code"},
		{name: "unit", typ: "string"},
		{name: "system", typ: "uri"},
		{name: "code", typ: "code"},
	},
	"Annotation": {
		{name: "text", typ: "markdown"},
		{name: "time", typ: "dateTime"},
	},
}

type elementDef struct {
	name     string
	typ      string
	repeated bool
}

// metaElement is the meta record carried by every resource schema. The
// merger depends on lastUpdated and tag being present.
func metaElement() Element {
	coding := func(name string, repeated bool) Element {
		return Element{
			Name:     name,
			Kind:     KindRecord,
			Repeated: repeated,
			TypeName: "Coding",
			Children: []Element{
				{Name: "system", Kind: KindString, TypeName: "uri"},
				{Name: "version", Kind: KindString, TypeName: "string"},
				{Name: "code", Kind: KindString, TypeName: "code"},
				{Name: "display", Kind: KindString, TypeName: "string"},
				{Name: "userSelected", Kind: KindBool, TypeName: "boolean"},
			},
		}
	}
	return Element{
		Name:     "meta",
		Kind:     KindRecord,
		TypeName: "Meta",
		Children: []Element{
			{Name: "versionId", Kind: KindString, TypeName: "id"},
			{Name: "lastUpdated", Kind: KindString, TypeName: "instant"},
			{Name: "source", Kind: KindString, TypeName: "uri"},
			{Name: "profile", Kind: KindString, TypeName: "canonical", Repeated: true},
			coding("security", true),
			coding("tag", true),
		},
	}
}

// baseElements is the envelope every resource schema starts with.
func baseElements() []Element {
	return []Element{
		{Name: "id", Kind: KindString, TypeName: "id"},
		{Name: "resourceType", Kind: KindString, TypeName: "string"},
		metaElement(),
	}
}
