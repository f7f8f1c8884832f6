package streamer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/pipeline"
	"github.com/clinsight/fhir-pipes/internal/schema"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/config"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

func changeEvent(table, uuid, op string) []byte {
	event := map[string]any{
		"payload": map[string]any{
			"op":     op,
			"after":  map[string]any{"uuid": uuid},
			"source": map[string]any{"table": table, "ts_ms": 1714560000000},
		},
	}
	data, _ := json.Marshal(event)
	return data
}

func newTestStreamer(t *testing.T, sourceURL string) (*Streamer, *warehouse.Root) {
	t.Helper()
	registry, err := schema.NewRegistry(schema.R4, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	client, err := fhir.NewClient(fhir.ClientConfig{
		ServerURL: sourceURL,
		Timeout:   5 * time.Second,
		MaxConns:  1,
		Retry:     resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	root := warehouse.NewRoot(t.TempDir())
	sink := warehouse.NewSink(root, registry, 0, nil)
	entries := []pipeline.TableFhirEntry{
		{TableName: "person", ResourceType: "Patient"},
		{TableName: "encounter", ResourceType: "Encounter", LinkedTables: []string{"visit"}},
		{TableName: "visit", ResourceType: "Encounter"},
	}
	s, err := New(config.KafkaConfig{TopicPrefix: "EmrCdc"}, client, sink, nil, entries, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, root
}

func TestHandlerWritesChangedResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Patient/uuid-1" {
			t.Errorf("unexpected fetch path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"resourceType":"Patient","id":"uuid-1","meta":{"versionId":"2","lastUpdated":"2024-05-01T00:00:00Z"}}`)
	}))
	defer srv.Close()

	s, root := newTestStreamer(t, srv.URL)
	handle := s.handler("person")
	if err := handle(context.Background(), nil, changeEvent("person", "uuid-1", "u")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if err := s.sink.CloseAll(); err != nil {
		t.Fatal(err)
	}

	var ids []string
	err := warehouse.ReadType(root, "Patient", func(row map[string]any) error {
		id, _ := row["id"].(string)
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "uuid-1" {
		t.Errorf("expected the changed resource in the warehouse, got %v", ids)
	}
}

func TestHandlerSkipsDeletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("delete events must not trigger a fetch")
	}))
	defer srv.Close()

	s, _ := newTestStreamer(t, srv.URL)
	if err := s.handler("person")(context.Background(), nil, changeEvent("person", "uuid-1", "d")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
}

func TestHandlerToleratesGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unmappable events must not trigger a fetch")
	}))
	defer srv.Close()

	s, _ := newTestStreamer(t, srv.URL)
	if err := s.handler("person")(context.Background(), nil, []byte("not json")); err != nil {
		t.Fatalf("garbage events must be parked, not returned as errors: %v", err)
	}
}

func TestTopicNaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	s, _ := newTestStreamer(t, srv.URL)
	if got := s.Topic("person"); got != "EmrCdc.person" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestLinkedTablesAreWatched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	s, _ := newTestStreamer(t, srv.URL)
	if s.reverseMap["visit"] != "Encounter" {
		t.Errorf("visit table should be watched as Encounter, got %v", s.reverseMap)
	}
}
