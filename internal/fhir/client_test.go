package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		ServerURL: serverURL,
		Timeout:   5 * time.Second,
		MaxConns:  2,
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func bundleJSON(total int, next string, resources ...string) string {
	b := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
	}
	if next != "" {
		b["link"] = []map[string]string{{"relation": "next", "url": next}}
	}
	var entries []map[string]any
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": json.RawMessage(r)})
	}
	if entries != nil {
		b["entry"] = entries
	}
	data, _ := json.Marshal(b)
	return string(data)
}

func TestSearchForResourceCountProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Patient" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("_summary"); got != "count" {
			t.Errorf("expected _summary=count, got %q", got)
		}
		fmt.Fprint(w, bundleJSON(42, ""))
	}))
	defer srv.Close()

	bundle, err := testClient(t, srv.URL).SearchForResource(context.Background(), "Patient", 1, true)
	if err != nil {
		t.Fatalf("SearchForResource failed: %v", err)
	}
	if bundle.Total == nil || *bundle.Total != 42 {
		t.Errorf("expected total 42, got %v", bundle.Total)
	}
}

func TestSearchByPageSendsCursorParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("_getpages") != "abc123" {
			t.Errorf("missing _getpages, query %v", q)
		}
		if q.Get("_getpagesoffset") != "20" || q.Get("_count") != "10" {
			t.Errorf("unexpected paging params %v", q)
		}
		fmt.Fprint(w, bundleJSON(0, ""))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).SearchByPage(context.Background(), "_getpages=abc123", 10, 20); err != nil {
		t.Fatalf("SearchByPage failed: %v", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, bundleJSON(1, ""))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).SearchForResource(context.Background(), "Patient", 1, true); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).SearchForResource(context.Background(), "Patient", 1, true)
	if !errors.Is(err, apperrors.ErrPermanentRemote) {
		t.Fatalf("expected permanent remote error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, saw %d attempts", calls.Load())
	}
}

func TestBatchGetByIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("_id"); got != "a,b,c" {
			t.Errorf("expected _id=a,b,c, got %q", got)
		}
		fmt.Fprint(w, bundleJSON(3, "",
			`{"resourceType":"Patient","id":"a","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`,
			`{"resourceType":"Patient","id":"b","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`,
			`{"resourceType":"Patient","id":"c","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`,
		))
	}))
	defer srv.Close()

	bundle, err := testClient(t, srv.URL).BatchGetByIDs(context.Background(), "Patient", "a,b,c")
	if err != nil {
		t.Fatalf("BatchGetByIDs failed: %v", err)
	}
	resources, err := bundle.Resources()
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 3 {
		t.Errorf("expected 3 resources, got %d", len(resources))
	}
}

func TestSearchUpdatedSinceParams(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("_lastUpdated"); got != "ge2024-05-01T12:00:00Z" {
			t.Errorf("unexpected _lastUpdated %q", got)
		}
		if q.Get("_summary") != "count" || q.Get("_count") != "1" {
			t.Errorf("unexpected probe params %v", q)
		}
		fmt.Fprint(w, bundleJSON(2, ""))
	}))
	defer srv.Close()

	bundle, err := testClient(t, srv.URL).SearchUpdatedSince(context.Background(), "Patient", 1, true, since)
	if err != nil {
		t.Fatalf("SearchUpdatedSince failed: %v", err)
	}
	if bundle.Total == nil || *bundle.Total != 2 {
		t.Errorf("expected total 2, got %v", bundle.Total)
	}
}

func TestRequestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(ClientConfig{
		ServerURL: srv.URL,
		Timeout:   20 * time.Millisecond,
		MaxConns:  1,
		Retry:     resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.SearchForResource(context.Background(), "Patient", 1, true)
	if !errors.Is(err, apperrors.ErrTransientRemote) {
		t.Fatalf("a timed-out request should classify as transient, got %v", err)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "etl" || pass != "secret" {
			t.Errorf("missing or wrong basic auth: %q %q %v", user, pass, ok)
		}
		fmt.Fprint(w, bundleJSON(0, ""))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{ServerURL: srv.URL, User: "etl", Password: "secret", MaxConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SearchForResource(context.Background(), "Patient", 1, true); err != nil {
		t.Fatalf("search failed: %v", err)
	}
}

func TestUploadResourcePutsByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/Patient/p1" {
			t.Errorf("expected PUT /Patient/p1, got %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	raw := json.RawMessage(`{"resourceType":"Patient","id":"p1","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`)
	resource, err := ParseResource(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := testClient(t, srv.URL).UploadResource(context.Background(), resource); err != nil {
		t.Fatalf("UploadResource failed: %v", err)
	}
}

func TestFindBaseSearchURL(t *testing.T) {
	tests := []struct {
		name    string
		bundle  *Bundle
		want    string
		wantErr error
	}{
		{
			name:   "happy path",
			bundle: &Bundle{Link: []Link{{Relation: "next", URL: "http://h/fhir?_getpages=tok-1&_getpagesoffset=10"}}},
			want:   "_getpages=tok-1",
		},
		{
			name:    "no next link",
			bundle:  &Bundle{Link: []Link{{Relation: "self", URL: "http://h/fhir"}}},
			wantErr: apperrors.ErrNoNextLink,
		},
		{
			name:    "missing getpages param",
			bundle:  &Bundle{Link: []Link{{Relation: "next", URL: "http://h/fhir?_count=10"}}},
			wantErr: apperrors.ErrMissingGetpages,
		},
		{
			name:    "malformed link",
			bundle:  &Bundle{Link: []Link{{Relation: "next", URL: "http://h/fhir?_getpages=tok\x01"}}},
			wantErr: apperrors.ErrMalformedLink,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindBaseSearchURL(tt.bundle)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsDeleted(t *testing.T) {
	r := &Resource{Meta: Meta{Tag: []Coding{{System: RemoveTagSystem, Code: RemoveTagCode}}}}
	if !r.IsDeleted() {
		t.Error("REMOVE-tagged resource should be deleted")
	}
	r = &Resource{Meta: Meta{Tag: []Coding{{System: "http://example.org", Code: "REMOVE"}}}}
	if r.IsDeleted() {
		t.Error("tag with wrong system must not count as tombstone")
	}
}
