package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

func TestNearestSendsNamedVectorAndPublishedFilter(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/kedb/points/search" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":[
			{"id":"7c9e6679-7425-40de-944b-e07fc1f90ae7","score":0.91,"payload":{"id":"E1","entry_id":"E1","kind":"entry","title":"Redis pool exhaustion","severity":"high","access_tags":["infra"]}},
			{"id":42,"score":0.80,"payload":{"id":"S7","entry_id":"E2","kind":"solution","snippet":"raise timeout"}}
		]}`))
	}))
	defer server.Close()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := NewWithOptions(server.URL, "kedb", Options{DenseVector: "dense"})
	got, err := client.Nearest(context.Background(), []float32{0.1, 0.2}, 5, domain.Filters{
		Severities: []string{"high"},
		Tags:       []string{"redis"},
		From:       &from,
	})
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "E1" || got[1].ID != "S7" || got[1].EntryID != "E2" || got[1].Kind != domain.KindSolution {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if len(got[0].AccessTags) != 1 || got[0].AccessTags[0] != "infra" {
		t.Fatalf("expected access tags from payload, got %v", got[0].AccessTags)
	}

	vector, _ := captured["vector"].(map[string]any)
	if vector["name"] != "dense" {
		t.Fatalf("expected named dense vector, got %v", captured["vector"])
	}
	body, _ := json.Marshal(captured["filter"])
	for _, want := range []string{`"workflow_state"`, `"published"`, `"severity"`, `"redis"`, `"created_at_unix"`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("filter %s missing %s", body, want)
		}
	}
}

func TestSearchUsesSparseVector(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/kedb/points/query" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"result":{"points":[{"id":1,"score":7.5,"payload":{"id":"E2","title":"Redis connection timeout"}}]}}`))
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, "kedb", Options{SparseVector: "lexical"})
	got, err := client.Search(context.Background(), "redis timeout", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "E2" || got[0].RawScore != 7.5 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if captured["using"] != "lexical" {
		t.Fatalf("expected sparse vector name, got %v", captured["using"])
	}
}

func TestSearchSkipsEmptySparseQuery(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	got, err := New(server.URL, "kedb").Search(context.Background(), "!!! ---", 5, domain.Filters{})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request for empty query")
	}
}

func TestNearestRetriesUnavailableAndIncludesBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "shard unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, "kedb", Options{ResilienceExecutor: resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})})
	_, err := client.Nearest(context.Background(), []float32{0.1}, 3, domain.Filters{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrTemporary) || !strings.Contains(err.Error(), "shard unavailable") {
		t.Fatalf("expected temporary error with body, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestNearestMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":`))
	}))
	defer server.Close()

	_, err := New(server.URL, "kedb").Nearest(context.Background(), []float32{0.1}, 3, domain.Filters{})
	if !domain.IsKind(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestClassifyQdrantError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want resilience.ErrorClassification
	}{
		{"unavailable", &StatusError{StatusCode: http.StatusServiceUnavailable}, resilience.Transient},
		{"missing collection", &StatusError{StatusCode: http.StatusNotFound}, resilience.Permanent},
		{"internal", &StatusError{StatusCode: http.StatusInternalServerError}, resilience.Permanent},
		{"bad filter", &StatusError{StatusCode: http.StatusBadRequest}, resilience.Ignored},
		{"malformed", domain.WrapError(domain.ErrMalformedResponse, "decode", errors.New("eof")), resilience.Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyQdrantError(tc.err); got != tc.want {
				t.Fatalf("classifyQdrantError(%v) = %+v, want %+v", tc.err, got, tc.want)
			}
		})
	}
}
