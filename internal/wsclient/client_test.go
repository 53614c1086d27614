package wsclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

type recordingDispatcher struct {
	priceChange int
	trade       int
	bookTop     int
	snapshot    int
	delta       int
}

func (d *recordingDispatcher) HandlePriceChange(ctx context.Context, payload json.RawMessage) { d.priceChange++ }
func (d *recordingDispatcher) HandleTrade(ctx context.Context, payload json.RawMessage)        { d.trade++ }
func (d *recordingDispatcher) HandleBookTop(ctx context.Context, payload json.RawMessage)      { d.bookTop++ }
func (d *recordingDispatcher) HandleSnapshot(ctx context.Context, payload json.RawMessage)     { d.snapshot++ }
func (d *recordingDispatcher) HandleDelta(ctx context.Context, payload json.RawMessage)        { d.delta++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatchRoutesByDiscriminator(t *testing.T) {
	d := &recordingDispatcher{}
	c := New("wss://example", Credentials{}, d, testLogger())

	c.dispatch(context.Background(), []byte(`{"event_type":"price_change","price_changes":[{"asset_id":"a1"}]}`))
	c.dispatch(context.Background(), []byte(`{"type":"trade"}`))
	c.dispatch(context.Background(), []byte(`{"type":"book"}`))
	c.dispatch(context.Background(), []byte(`{"type":"orderbook"}`))
	c.dispatch(context.Background(), []byte(`{"type":"snapshot"}`))
	c.dispatch(context.Background(), []byte(`{"type":"delta"}`))
	c.dispatch(context.Background(), []byte(`{"type":"unknown_thing"}`))

	if d.priceChange != 1 {
		t.Fatalf("expected 1 price_change dispatch, got %d", d.priceChange)
	}
	if d.trade != 1 {
		t.Fatalf("expected 1 trade dispatch, got %d", d.trade)
	}
	if d.bookTop != 2 {
		t.Fatalf("expected 2 book-top dispatches (book + orderbook), got %d", d.bookTop)
	}
	if d.snapshot != 1 || d.delta != 1 {
		t.Fatalf("expected 1 snapshot and 1 delta dispatch, got snapshot=%d delta=%d", d.snapshot, d.delta)
	}
}

func TestDispatchArrayFansOutPerElement(t *testing.T) {
	d := &recordingDispatcher{}
	c := New("wss://example", Credentials{}, d, testLogger())

	c.dispatch(context.Background(), []byte(`[{"type":"trade"},{"type":"trade"}]`))

	if d.trade != 2 {
		t.Fatalf("expected 2 trade dispatches from array frame, got %d", d.trade)
	}
}

func TestBuildURLIncludesCredentialsAsOpaqueParams(t *testing.T) {
	c := New("wss://example.test/stream", Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}, &recordingDispatcher{}, testLogger())
	got := c.buildURL()
	if got == c.baseURL {
		t.Fatalf("expected credentials appended to URL, got unchanged %q", got)
	}
}

func TestSubscribeWithoutConnectionReturnsError(t *testing.T) {
	c := New("wss://example", Credentials{}, &recordingDispatcher{}, testLogger())
	if err := c.Subscribe([]string{"t1"}); err == nil {
		t.Fatalf("expected error subscribing before connection established")
	}
	// the desired set should still be recorded for the next resubscribe.
	c.subMu.Lock()
	_, tracked := c.subscribed["t1"]
	c.subMu.Unlock()
	if !tracked {
		t.Fatalf("expected t1 to be tracked in the desired subscription set")
	}
}
