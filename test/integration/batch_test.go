// Package integration contains tests that run the batch pipeline against an
// in-process fake FHIR server with real component wiring: planner, executor,
// schema registry, and Parquet sink.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/pipeline"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

// fakeFhirServer serves a fixed set of resources per type with HAPI-style
// _getpages paging.
type fakeFhirServer struct {
	mu        sync.Mutex
	resources map[string][]map[string]any
	puts      []string
	requests  int
}

func newFakeFhirServer() *fakeFhirServer {
	return &fakeFhirServer{resources: make(map[string][]map[string]any)}
}

func (f *fakeFhirServer) add(resourceType, id, lastUpdated string) {
	f.resources[resourceType] = append(f.resources[resourceType], map[string]any{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]any{"versionId": "1", "lastUpdated": lastUpdated},
	})
}

func (f *fakeFhirServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		if r.Method == http.MethodPut {
			f.mu.Lock()
			f.puts = append(f.puts, r.URL.Path)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		q := r.URL.Query()
		if token := q.Get("_getpages"); token != "" {
			// The fake's cursor token is "<type>" or "<type>~<since>", so a
			// filtered search keeps its restriction across pages.
			resourceType, since, _ := strings.Cut(token, "~")
			offset, _ := strconv.Atoi(q.Get("_getpagesoffset"))
			count, _ := strconv.Atoi(q.Get("_count"))
			f.writePage(w, r, resourceType, since, offset, count, false)
			return
		}
		resourceType := r.URL.Path[1:]
		since := strings.TrimPrefix(q.Get("_lastUpdated"), "ge")
		if q.Get("_summary") == "count" {
			json.NewEncoder(w).Encode(map[string]any{
				"resourceType": "Bundle",
				"total":        len(f.filtered(resourceType, since)),
			})
			return
		}
		if ids := q.Get("_id"); ids != "" {
			f.writeIDBatch(w, resourceType, ids)
			return
		}
		count, _ := strconv.Atoi(q.Get("_count"))
		if count <= 0 {
			count = 10
		}
		f.writePage(w, r, resourceType, since, 0, count, true)
	})
}

// filtered returns the resources of a type updated at or after since (RFC3339
// string compare; empty since means all).
func (f *fakeFhirServer) filtered(resourceType, since string) []map[string]any {
	all := f.resources[resourceType]
	if since == "" {
		return all
	}
	var out []map[string]any
	for _, res := range all {
		meta := res["meta"].(map[string]any)
		if meta["lastUpdated"].(string) >= since {
			out = append(out, res)
		}
	}
	return out
}

func (f *fakeFhirServer) writePage(w http.ResponseWriter, r *http.Request, resourceType, since string, offset, count int, withNext bool) {
	all := f.filtered(resourceType, since)
	bundle := map[string]any{"resourceType": "Bundle", "total": len(all)}
	offset = min(offset, len(all))
	end := min(offset+count, len(all))
	var entries []map[string]any
	for _, res := range all[offset:end] {
		entries = append(entries, map[string]any{"resource": res})
	}
	if entries != nil {
		bundle["entry"] = entries
	}
	if withNext && end < len(all) {
		token := resourceType
		if since != "" {
			token += "~" + since
		}
		bundle["link"] = []map[string]string{{
			"relation": "next",
			"url":      fmt.Sprintf("http://%s?_getpages=%s&_getpagesoffset=%d&_count=%d", r.Host, token, end, count),
		}}
	}
	json.NewEncoder(w).Encode(bundle)
}

func (f *fakeFhirServer) writeIDBatch(w http.ResponseWriter, resourceType, ids string) {
	wanted := make(map[string]bool)
	for _, id := range splitComma(ids) {
		wanted[id] = true
	}
	var entries []map[string]any
	for _, res := range f.resources[resourceType] {
		if wanted[res["id"].(string)] {
			entries = append(entries, map[string]any{"resource": res})
		}
	}
	bundle := map[string]any{"resourceType": "Bundle", "total": len(entries)}
	if entries != nil {
		bundle["entry"] = entries
	}
	json.NewEncoder(w).Encode(bundle)
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func newTestClient(t *testing.T, serverURL string) *fhir.Client {
	t.Helper()
	c, err := fhir.NewClient(fhir.ClientConfig{
		ServerURL: serverURL,
		Timeout:   5 * time.Second,
		MaxConns:  4,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func runBatch(t *testing.T, fake *fakeFhirServer, mirrorURL string, resources []string, pageSize int) (*warehouse.Root, *pipeline.Summary) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	registry, err := schema.NewRegistry(schema.R4, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	source := newTestClient(t, srv.URL)
	var mirror *fhir.Client
	if mirrorURL != "" {
		mirror = newTestClient(t, mirrorURL)
	}
	root := warehouse.NewRoot(t.TempDir())
	sink := warehouse.NewSink(root, registry, 0, nil)
	p := pipeline.New(pipeline.Options{
		Resources:   resources,
		BatchSize:   pageSize,
		FetchSize:   pageSize,
		WorkerCount: 3,
	}, source, mirror, sink, registry, nil, nil, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	return root, summary
}

func TestBatchCountPreservation(t *testing.T) {
	fake := newFakeFhirServer()
	fake.add("Patient", "p1", "2024-01-01T00:00:00Z")
	fake.add("Patient", "p2", "2024-01-02T00:00:00Z")
	fake.add("Patient", "p3", "2024-01-03T00:00:00Z")

	root, summary := runBatch(t, fake, "", []string{"Patient"}, 2)
	if summary.WrittenPerType["Patient"] != 3 {
		t.Errorf("expected 3 written Patients, got %d", summary.WrittenPerType["Patient"])
	}

	seen := make(map[string]bool)
	err := warehouse.ReadType(root, "Patient", func(row map[string]any) error {
		id, _ := row["id"].(string)
		seen[id] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || !seen["p1"] || !seen["p2"] || !seen["p3"] {
		t.Errorf("warehouse rows %v, want p1..p3", seen)
	}

	types, err := root.NonEmptyTypes()
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 1 || types[0] != "Patient" {
		t.Errorf("types file should list Patient, got %v", types)
	}
}

func TestBatchLargerRun(t *testing.T) {
	fake := newFakeFhirServer()
	const n = 157
	for i := range n {
		fake.add("Observation", fmt.Sprintf("o%03d", i), "2024-01-01T00:00:00Z")
	}
	fake.add("Patient", "p1", "2024-01-01T00:00:00Z")

	root, summary := runBatch(t, fake, "", []string{"Observation", "Patient"}, 20)
	if summary.WrittenPerType["Observation"] != n {
		t.Errorf("expected %d Observations, got %d", n, summary.WrittenPerType["Observation"])
	}
	if summary.WrittenPerType["Patient"] != 1 {
		t.Errorf("expected 1 Patient, got %d", summary.WrittenPerType["Patient"])
	}
	var rows int
	if err := warehouse.ReadType(root, "Observation", func(map[string]any) error { rows++; return nil }); err != nil {
		t.Fatal(err)
	}
	if rows != n {
		t.Errorf("warehouse holds %d Observation rows, want %d", rows, n)
	}
}

func TestBatchEmptySource(t *testing.T) {
	fake := newFakeFhirServer()
	_, summary := runBatch(t, fake, "", []string{"Patient"}, 10)
	if summary.Fetched != 0 {
		t.Errorf("expected nothing fetched, got %d", summary.Fetched)
	}
	if summary.WrittenPerType["Patient"] != 0 {
		t.Errorf("expected no Patients written, got %d", summary.WrittenPerType["Patient"])
	}
}

func TestBatchMirrorsToSinkServer(t *testing.T) {
	fake := newFakeFhirServer()
	fake.add("Patient", "p1", "2024-01-01T00:00:00Z")
	fake.add("Patient", "p2", "2024-01-02T00:00:00Z")

	mirror := newFakeFhirServer()
	mirrorSrv := httptest.NewServer(mirror.handler())
	defer mirrorSrv.Close()

	_, summary := runBatch(t, fake, mirrorSrv.URL, []string{"Patient"}, 10)
	if summary.FailedUploads != 0 {
		t.Errorf("expected no failed uploads, got %d", summary.FailedUploads)
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.puts) != 2 {
		t.Fatalf("expected 2 PUTs to the mirror, got %v", mirror.puts)
	}
	seen := map[string]bool{}
	for _, p := range mirror.puts {
		seen[p] = true
	}
	if !seen["/Patient/p1"] || !seen["/Patient/p2"] {
		t.Errorf("mirror PUT paths %v", mirror.puts)
	}
}

// memWatermarks is an in-memory pipeline.WatermarkStore.
type memWatermarks struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{m: make(map[string]time.Time)}
}

func (w *memWatermarks) SetWatermark(_ context.Context, scope string, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[scope] = t
	return nil
}

func (w *memWatermarks) Watermark(_ context.Context, scope string) (time.Time, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.m[scope]
	return t, ok, nil
}

func TestBatchIncrementalUsesWatermark(t *testing.T) {
	fake := newFakeFhirServer()
	fake.add("Patient", "p1", "2024-01-01T00:00:00Z")
	fake.add("Patient", "p2", "2024-01-02T00:00:00Z")
	fake.add("Patient", "p3", "2024-01-03T00:00:00Z")
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	registry, err := schema.NewRegistry(schema.R4, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	watermarks := newMemWatermarks()
	opts := pipeline.Options{
		Resources:   []string{"Patient"},
		BatchSize:   1,
		FetchSize:   1,
		WorkerCount: 2,
		Incremental: true,
	}

	// First run has no watermark yet and extracts everything.
	root1 := warehouse.NewRoot(t.TempDir())
	p1 := pipeline.New(opts, newTestClient(t, srv.URL), nil,
		warehouse.NewSink(root1, registry, 0, nil), registry, nil, watermarks, nil)
	summary, err := p1.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if summary.WrittenPerType["Patient"] != 3 {
		t.Fatalf("first run should extract all 3, got %d", summary.WrittenPerType["Patient"])
	}
	if _, ok, _ := watermarks.Watermark(context.Background(), "Patient"); !ok {
		t.Fatal("first run should record a watermark")
	}

	// The source moves on: p2 updated, p4 created, both stamped after the
	// watermark; p1 and p3 untouched.
	fake.resources["Patient"][1]["meta"].(map[string]any)["lastUpdated"] = "2999-01-01T00:00:00Z"
	fake.add("Patient", "p4", "2999-01-02T00:00:00Z")

	// Second run plans only past the watermark: two updated resources, one
	// per page, so the filtered cursor is exercised too.
	root2 := warehouse.NewRoot(t.TempDir())
	p2 := pipeline.New(opts, newTestClient(t, srv.URL), nil,
		warehouse.NewSink(root2, registry, 0, nil), registry, nil, watermarks, nil)
	summary, err = p2.Run(context.Background())
	if err != nil {
		t.Fatalf("incremental run failed: %v", err)
	}
	if summary.Fetched != 2 {
		t.Errorf("incremental run should fetch only the 2 updated resources, got %d", summary.Fetched)
	}
	seen := make(map[string]bool)
	if err := warehouse.ReadType(root2, "Patient", func(row map[string]any) error {
		id, _ := row["id"].(string)
		seen[id] = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || !seen["p2"] || !seen["p4"] {
		t.Errorf("incremental snapshot should hold p2 and p4, got %v", seen)
	}
}

func TestBatchUnknownResourceTypeFailsRun(t *testing.T) {
	fake := newFakeFhirServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	registry, err := schema.NewRegistry(schema.R4, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	sink := warehouse.NewSink(warehouse.NewRoot(t.TempDir()), registry, 0, nil)
	p := pipeline.New(pipeline.Options{
		Resources:   []string{"NotAResource"},
		BatchSize:   10,
		FetchSize:   10,
		WorkerCount: 1,
	}, newTestClient(t, srv.URL), nil, sink, registry, nil, nil, nil)
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("a run over an unknown type must fail before fetching")
	}
}
