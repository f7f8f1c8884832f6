package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/linkedin/goavro/v2"
	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/singleflight"
)

// FhirVersion names the FHIR release of the source server. The registry
// records it; R4 and DSTU3 resolve against the same built-in core set and
// profile loader.
type FhirVersion string

const (
	R4    FhirVersion = "R4"
	DSTU3 FhirVersion = "DSTU3"
)

// ParseFhirVersion maps a config string to a FhirVersion.
func ParseFhirVersion(s string) (FhirVersion, error) {
	switch strings.ToUpper(s) {
	case "R4", "":
		return R4, nil
	case "DSTU3":
		return DSTU3, nil
	default:
		return "", apperrors.Newf(apperrors.ErrConfig, apperrors.ExitConfig, "unsupported FHIR version %q", s)
	}
}

// ResourceSchema is the resolved schema of one resource type: the element
// tree, the canonical Avro schema derived from it, and the Parquet schema the
// sink writes with.
type ResourceSchema struct {
	ResourceType string
	Elements     []Element
	// Avro is the canonical (Parsing Canonical Form) schema JSON. Equal
	// element trees produce byte-identical canonical schemas, which is what
	// makes warehouse files interchangeable across processes.
	Avro string
	// Fingerprint is the Rabin fingerprint of the canonical Avro schema.
	Fingerprint uint64
	Parquet     *parquet.Schema
}

// Registry resolves and caches one ResourceSchema per resource type. It is
// safe for concurrent use; resolution for a given type runs at most once.
type Registry struct {
	version        FhirVersion
	recursiveDepth int

	mu      sync.RWMutex
	cache   map[string]*ResourceSchema
	group   singleflight.Group
	profile map[string][]elementDef
}

// NewRegistry creates a Registry. structureDefsDir may be empty, in which
// case the built-in core definitions are used. recursiveDepth bounds the
// expansion of complex datatypes; values below 1 mean 1.
func NewRegistry(version FhirVersion, structureDefsDir string, recursiveDepth int) (*Registry, error) {
	if recursiveDepth < 1 {
		recursiveDepth = 1
	}
	r := &Registry{
		version:        version,
		recursiveDepth: recursiveDepth,
		cache:          make(map[string]*ResourceSchema),
	}
	if structureDefsDir != "" {
		profile, err := loadStructureDefinitions(structureDefsDir)
		if err != nil {
			return nil, err
		}
		r.profile = profile
	}
	return r, nil
}

// SchemaFor resolves the schema of the given resource type, caching the
// result. Unknown types fail with ErrUnknownResourceType.
func (r *Registry) SchemaFor(resourceType string) (*ResourceSchema, error) {
	r.mu.RLock()
	if s, ok := r.cache[resourceType]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(resourceType, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.cache[resourceType]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		s, err := r.resolve(resourceType)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[resourceType] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResourceSchema), nil
}

func (r *Registry) resolve(resourceType string) (*ResourceSchema, error) {
	defs, ok := r.profile[resourceType]
	if !ok {
		defs, ok = builtinResourceElements[resourceType]
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownResourceType, apperrors.ExitRuntime,
			"no structure definition for resource type %q", resourceType)
	}

	elements := baseElements()
	for _, def := range defs {
		elements = append(elements, r.expand(def, r.recursiveDepth))
	}

	avroJSON, err := avroSchemaJSON(resourceType, elements)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime,
			"building Avro schema for %s: %v", resourceType, err)
	}
	codec, err := goavro.NewCodec(avroJSON)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime,
			"invalid Avro schema for %s: %v", resourceType, err)
	}

	pq, err := parquetSchema(resourceType, elements)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrSchema, apperrors.ExitRuntime,
			"building Parquet schema for %s: %v", resourceType, err)
	}

	return &ResourceSchema{
		ResourceType: resourceType,
		Elements:     elements,
		Avro:         codec.CanonicalSchema(),
		Fingerprint:  codec.Rabin,
		Parquet:      pq,
	}, nil
}

// expand turns one element definition into a schema element, recursing into
// complex datatypes until depth is exhausted.
func (r *Registry) expand(def elementDef, depth int) Element {
	if kind, ok := fhirPrimitiveKinds[def.typ]; ok {
		return Element{Name: def.name, Kind: kind, Repeated: def.repeated, TypeName: def.typ}
	}
	children, ok := complexTypeElements[def.typ]
	if !ok || depth <= 0 {
		// Unknown or bound-cut complex type: keep the subtree as JSON text.
		return Element{Name: def.name, Kind: KindJSON, Repeated: def.repeated, TypeName: def.typ}
	}
	el := Element{Name: def.name, Kind: KindRecord, Repeated: def.repeated, TypeName: def.typ}
	for _, child := range children {
		el.Children = append(el.Children, r.expand(child, depth-1))
	}
	return el
}

// structureDefinition is the subset of a FHIR StructureDefinition the loader
// reads.
type structureDefinition struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Kind         string `json:"kind"`
	Snapshot     struct {
		Element []sdElement `json:"element"`
	} `json:"snapshot"`
	Differential struct {
		Element []sdElement `json:"element"`
	} `json:"differential"`
}

type sdElement struct {
	Path string `json:"path"`
	Max  string `json:"max"`
	Type []struct {
		Code string `json:"code"`
	} `json:"type"`
}

// loadStructureDefinitions reads every *.json StructureDefinition under dir
// and converts the top-level elements of each resource definition into
// element definitions. Nested element paths (a.b.c) are ignored here; depth
// comes from the datatype expansion instead, which keeps profile handling
// and the built-in core on one code path.
func loadStructureDefinitions(dir string) (map[string][]elementDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrProfileLoad, apperrors.ExitConfig,
			"reading structure definitions dir %s: %v", dir, err)
	}
	profile := make(map[string][]elementDef)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrProfileLoad, apperrors.ExitConfig,
				"reading %s: %v", path, err)
		}
		var sd structureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, apperrors.Newf(apperrors.ErrProfileLoad, apperrors.ExitConfig,
				"parsing %s: %v", path, err)
		}
		if sd.ResourceType != "StructureDefinition" || sd.Kind != "resource" || sd.Type == "" {
			continue
		}
		defs, err := elementDefsFromSD(&sd)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrProfileLoad, apperrors.ExitConfig,
				"converting %s: %v", path, err)
		}
		profile[sd.Type] = defs
	}
	return profile, nil
}

func elementDefsFromSD(sd *structureDefinition) ([]elementDef, error) {
	elements := sd.Snapshot.Element
	if len(elements) == 0 {
		elements = sd.Differential.Element
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("structure definition for %s has no elements", sd.Type)
	}
	prefix := sd.Type + "."
	var defs []elementDef
	for _, el := range elements {
		if !strings.HasPrefix(el.Path, prefix) {
			continue
		}
		name := strings.TrimPrefix(el.Path, prefix)
		if strings.Contains(name, ".") || len(el.Type) == 0 {
			continue
		}
		repeated := el.Max == "*" || (el.Max != "" && el.Max != "0" && el.Max != "1")
		if strings.HasSuffix(name, "[x]") {
			// Choice elements expand to one column per declared type, named
			// the way FHIR JSON spells them (value[x] -> valueQuantity, ...).
			stem := strings.TrimSuffix(name, "[x]")
			for _, t := range el.Type {
				defs = append(defs, elementDef{
					name:     stem + strings.ToUpper(t.Code[:1]) + t.Code[1:],
					typ:      t.Code,
					repeated: repeated,
				})
			}
			continue
		}
		// Envelope fields come from baseElements; skip their redefinitions.
		if name == "id" || name == "meta" {
			continue
		}
		defs = append(defs, elementDef{name: name, typ: el.Type[0].Code, repeated: repeated})
	}
	return defs, nil
}
