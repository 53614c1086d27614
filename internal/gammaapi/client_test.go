package gammaapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFetchEventsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			t.Fatalf("unexpected offset: %s", r.URL.Query().Get("offset"))
		}
		events := []Event{{ID: "e1", Slug: "foo"}}
		_ = json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, testLogger())
	events, err := c.FetchEventsPage(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestFetchEventsAllStopsOnShortPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		events := []Event{{ID: "e1"}}
		_ = json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, testLogger())
	events, err := c.FetchEventsAll(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one page fetched (short page stops pagination), got %d calls", calls)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestFetchMarketsByIDChunks(t *testing.T) {
	var seenIDs [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("id")
		seenIDs = append(seenIDs, []string{ids})
		_ = json.NewEncoder(w).Encode([]Market{{ID: "m1"}})
	}))
	defer srv.Close()

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = "id"
	}

	c := NewClient(srv.URL, srv.URL, testLogger())
	markets, err := c.FetchMarketsByID(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seenIDs) != 2 {
		t.Fatalf("expected 2 chunked requests for 150 ids (chunk size 100), got %d", len(seenIDs))
	}
	if len(markets) != 2 {
		t.Fatalf("expected one market per chunk response, got %d", len(markets))
	}
}

func TestFetchPricesChunksAndMerges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := map[string]TokenPrice{
			"t1": {Buy: "0.5", Sell: "0.55"},
		}
		_ = json.NewEncoder(w).Encode(result)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, testLogger())
	prices, err := c.FetchPrices(context.Background(), []string{"t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prices["t1"].Buy != "0.5" {
		t.Fatalf("unexpected price: %+v", prices["t1"])
	}
}

func TestFetchEventsPageRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, testLogger())
	events, err := c.FetchEventsPage(context.Background(), 0)
	if err != nil {
		t.Fatalf("rate limiting must not surface as an error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events on rate limit, got %+v", events)
	}
}

func TestBudgetExhaustedAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, testLogger())
	var err error
	for i := 0; i < maxConsecutiveErrors; i++ {
		_, err = c.FetchEventsPage(context.Background(), 0)
	}
	if err != ErrBudgetExhausted {
		t.Fatalf("expected ErrBudgetExhausted after %d consecutive failures, got %v", maxConsecutiveErrors, err)
	}
}
