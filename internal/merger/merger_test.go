package merger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
)

type record struct {
	resourceType string
	id           string
	lastUpdated  string
	deleted      bool
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(schema.R4, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// writeSnapshot materializes a warehouse root containing the given records.
func writeSnapshot(t *testing.T, registry *schema.Registry, records []record) *warehouse.Root {
	t.Helper()
	root := warehouse.NewRoot(t.TempDir())
	sink := warehouse.NewSink(root, registry, 0, nil)
	for _, rec := range records {
		var tags string
		if rec.deleted {
			tags = fmt.Sprintf(`,"tag":[{"system":%q,"code":%q}]`, fhir.RemoveTagSystem, fhir.RemoveTagCode)
		}
		raw := fmt.Sprintf(`{"resourceType":%q,"id":%q,"meta":{"versionId":"1","lastUpdated":%q%s}}`,
			rec.resourceType, rec.id, rec.lastUpdated, tags)
		resource, err := fhir.ParseResource(json.RawMessage(raw))
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.Write(resource); err != nil {
			t.Fatalf("writing snapshot record: %v", err)
		}
	}
	if err := sink.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteManifest(); err != nil {
		t.Fatal(err)
	}
	return root
}

func readAll(t *testing.T, root *warehouse.Root, resourceType string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := warehouse.ReadType(root, resourceType, func(row map[string]any) error {
		id, _ := row["id"].(string)
		meta, _ := row["meta"].(map[string]any)
		updated, _ := meta["lastUpdated"].(string)
		if _, dup := out[id]; dup {
			t.Errorf("id %s appears more than once in merged output", id)
		}
		out[id] = updated
		return nil
	})
	if err != nil {
		t.Fatalf("reading %s: %v", resourceType, err)
	}
	return out
}

func runMerge(t *testing.T, registry *schema.Registry, a, b *warehouse.Root) (*warehouse.Root, *Summary) {
	t.Helper()
	merged := warehouse.NewRoot(t.TempDir())
	m := New(Options{}, a, b, merged, registry, nil)
	summary, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	return merged, summary
}

func TestMergeLastWriterWins(t *testing.T) {
	registry := testRegistry(t)
	a := writeSnapshot(t, registry, []record{{"Observation", "obs9", "2024-01-01T00:00:00Z", false}})
	b := writeSnapshot(t, registry, []record{{"Observation", "obs9", "2024-06-01T00:00:00Z", false}})

	merged, summary := runMerge(t, registry, a, b)
	rows := readAll(t, merged, "Observation")
	if len(rows) != 1 {
		t.Fatalf("expected 1 merged record, got %d", len(rows))
	}
	if rows["obs9"] != "2024-06-01T00:00:00Z" {
		t.Errorf("winner should be the fresher record, got %q", rows["obs9"])
	}
	if summary.NumDuplicates != 1 {
		t.Errorf("numDuplicates = %d, want 1", summary.NumDuplicates)
	}
	if summary.NumOutput != 1 {
		t.Errorf("numOutputRecords = %d, want 1", summary.NumOutput)
	}
}

func TestMergeTombstoneErasesID(t *testing.T) {
	registry := testRegistry(t)
	a := writeSnapshot(t, registry, []record{{"Patient", "p1", "2024-01-01T00:00:00Z", false}})
	b := writeSnapshot(t, registry, []record{{"Patient", "p1", "2024-02-01T00:00:00Z", true}})

	merged, _ := runMerge(t, registry, a, b)
	if rows := readAll(t, merged, "Patient"); len(rows) != 0 {
		t.Errorf("tombstoned id must be absent, got %v", rows)
	}
}

func TestMergeTombstoneLosesToFresherRecord(t *testing.T) {
	registry := testRegistry(t)
	a := writeSnapshot(t, registry, []record{{"Patient", "p1", "2024-03-01T00:00:00Z", false}})
	b := writeSnapshot(t, registry, []record{{"Patient", "p1", "2024-02-01T00:00:00Z", true}})

	merged, _ := runMerge(t, registry, a, b)
	rows := readAll(t, merged, "Patient")
	if rows["p1"] != "2024-03-01T00:00:00Z" {
		t.Errorf("a stale tombstone must not erase a fresher record, got %v", rows)
	}
}

func TestMergeTieGoesToSecondInput(t *testing.T) {
	registry := testRegistry(t)
	stamp := "2024-04-04T04:04:04Z"
	a := writeSnapshot(t, registry, []record{{"Patient", "p1", stamp, false}})
	b := writeSnapshot(t, registry, []record{{"Patient", "p1", stamp, true}})

	// Identical stamps: input 2 wins, and its record is a tombstone.
	merged, _ := runMerge(t, registry, a, b)
	if rows := readAll(t, merged, "Patient"); len(rows) != 0 {
		t.Errorf("tie must go to the second input, got %v", rows)
	}
}

func TestMergeDisjointTypesCarryOver(t *testing.T) {
	registry := testRegistry(t)
	a := writeSnapshot(t, registry, []record{{"Encounter", "e1", "2024-01-01T00:00:00Z", false}})
	b := writeSnapshot(t, registry, []record{{"Observation", "o1", "2024-01-01T00:00:00Z", false}})

	merged, summary := runMerge(t, registry, a, b)
	if len(summary.CarriedTypes) != 2 {
		t.Errorf("expected 2 carried types, got %v", summary.CarriedTypes)
	}
	if rows := readAll(t, merged, "Encounter"); len(rows) != 1 {
		t.Errorf("Encounter not carried over: %v", rows)
	}
	if rows := readAll(t, merged, "Observation"); len(rows) != 1 {
		t.Errorf("Observation not carried over: %v", rows)
	}
	types, err := merged.NonEmptyTypes()
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 2 {
		t.Errorf("merged types file should list both types, got %v", types)
	}
}

func TestMergeIdempotence(t *testing.T) {
	registry := testRegistry(t)
	records := []record{
		{"Patient", "p1", "2024-01-01T00:00:00Z", false},
		{"Patient", "p2", "2024-02-01T00:00:00Z", false},
		{"Patient", "p3", "2024-03-01T00:00:00Z", false},
	}
	a := writeSnapshot(t, registry, records)
	b := writeSnapshot(t, registry, records)

	merged, _ := runMerge(t, registry, a, b)
	rows := readAll(t, merged, "Patient")
	want := readAll(t, a, "Patient")
	if len(rows) != len(want) {
		t.Fatalf("merge(A, A) should equal A: got %d rows, want %d", len(rows), len(want))
	}
	for id, updated := range want {
		if rows[id] != updated {
			t.Errorf("id %s: got %q, want %q", id, rows[id], updated)
		}
	}
}

func TestMergeMixedIDs(t *testing.T) {
	registry := testRegistry(t)
	a := writeSnapshot(t, registry, []record{
		{"Patient", "only-a", "2024-01-01T00:00:00Z", false},
		{"Patient", "both", "2024-01-01T00:00:00Z", false},
	})
	b := writeSnapshot(t, registry, []record{
		{"Patient", "both", "2024-05-01T00:00:00Z", false},
		{"Patient", "only-b", "2024-01-01T00:00:00Z", false},
	})

	merged, summary := runMerge(t, registry, a, b)
	rows := readAll(t, merged, "Patient")
	if len(rows) != 3 {
		t.Fatalf("expected 3 merged ids, got %v", rows)
	}
	if rows["both"] != "2024-05-01T00:00:00Z" {
		t.Errorf("shared id should take the fresher stamp, got %q", rows["both"])
	}
	if summary.NumDuplicates != 1 || summary.NumOutput != 3 {
		t.Errorf("counters: duplicates=%d output=%d", summary.NumDuplicates, summary.NumOutput)
	}
}
