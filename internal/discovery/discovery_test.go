package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLookupFiltersByProjectAndType(t *testing.T) {
	entries := []map[string]any{
		{"type": "stockmarketbroker", "project": "proj", "name": "host1", "port": 1000},
		{"type": "stockmarketbroker", "project": "other", "name": "host2", "port": 2000},
		{"type": "stockmarketsim", "project": "proj", "name": "host3", "port": 3000},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	c := New(srv.URL, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	matches := c.Lookup(ctx, "proj", "stockmarketbroker")
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	if matches[0].Name != "host1" {
		t.Errorf("matches[0].Name = %q, want host1", matches[0].Name)
	}
}

func TestLookupRetriesOnEmptyThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"type": "stockmarketsim", "project": "proj", "name": "host", "port": 42},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "127.0.0.1:0")
	c.HTTPClient.Timeout = 1 * time.Second
	// shrink backoff for the test by relying on initialBackoff=1s but bounding via ctx
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	matches := c.Lookup(ctx, "proj", "stockmarketsim")
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	if calls < 2 {
		t.Errorf("calls = %d, want >= 2 (at least one retry)", calls)
	}
}

func TestServiceTypeForShard(t *testing.T) {
	if got := ServiceTypeForShard(3); got != "chain-3" {
		t.Errorf("ServiceTypeForShard(3) = %q, want chain-3", got)
	}
}
