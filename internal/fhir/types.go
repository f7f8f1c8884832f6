// Package fhir wraps the source FHIR server (paged search, by-ID fetch) and
// the optional mirror-sink server. Resources are carried as raw JSON with a
// parsed envelope; the sink and schema layers decide how much structure they
// need.
package fhir

import (
	"encoding/json"
	"fmt"
)

// Well-known tag marking a resource as deleted in an incremental snapshot.
const (
	RemoveTagSystem = "http://terminology.hl7.org/CodeSystem/v3-ActionType"
	RemoveTagCode   = "REMOVE"
)

// Bundle is a FHIR envelope carrying a page of resources plus continuation
// links.
type Bundle struct {
	ResourceType string  `json:"resourceType"`
	Type         string  `json:"type,omitempty"`
	Total        *int    `json:"total,omitempty"`
	Link         []Link  `json:"link,omitempty"`
	Entry        []Entry `json:"entry,omitempty"`
}

// Link is a bundle continuation link; the relation "next" points to the
// following page.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Entry wraps one resource in a bundle.
type Entry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Coding is a (system, code) pair as used in meta.tag.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Meta is the subset of resource metadata the pipelines depend on.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Resource is the parsed envelope of a FHIR resource: identity and metadata,
// with the full body retained as raw JSON.
type Resource struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	Meta         Meta   `json:"meta"`

	Raw json.RawMessage `json:"-"`
}

// ParseResource decodes the envelope fields of a raw resource and keeps the
// body.
func ParseResource(raw json.RawMessage) (*Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing resource envelope: %w", err)
	}
	if r.ResourceType == "" {
		return nil, fmt.Errorf("resource has no resourceType field")
	}
	r.Raw = raw
	return &r, nil
}

// IsDeleted reports whether the resource carries the REMOVE action tag.
func (r *Resource) IsDeleted() bool {
	for _, tag := range r.Meta.Tag {
		if tag.System == RemoveTagSystem && tag.Code == RemoveTagCode {
			return true
		}
	}
	return false
}

// NextLink returns the bundle's "next" continuation link, or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources parses every entry of the bundle.
func (b *Bundle) Resources() ([]*Resource, error) {
	out := make([]*Resource, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		r, err := ParseResource(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
