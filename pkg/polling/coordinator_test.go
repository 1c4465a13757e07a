package polling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bulkforge/orchestrator/pkg/upstreamapi"
)

func TestCheckOnce_NonTransientHTTPStatusResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Coordinator{upAPI: upstreamapi.New(srv.URL, "proj", 1)}
	result, err := c.checkOnce(context.Background(), nil, "op-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.transient {
		t.Fatal("a non-transient 404 must not be classified as a transient stall")
	}
}

func TestCheckOnce_5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Coordinator{upAPI: upstreamapi.New(srv.URL, "proj", 1)}
	result, err := c.checkOnce(context.Background(), nil, "op-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.transient {
		t.Fatal("a 503 must be classified as a transient stall")
	}
}
