package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"polymarket-core/internal/gammaapi"
	"polymarket-core/internal/model"
)

func TestMarketHappyPathIngest(t *testing.T) {
	now := time.Now()
	endDate := now.Add(72 * time.Hour).Format(time.RFC3339)

	raw := gammaapi.Market{
		ID:              "m1",
		Question:        "Q?",
		Slug:            "q-market",
		Active:          true,
		EndDate:         endDate,
		AcceptingOrders: true,
	}
	_ = json.Unmarshal([]byte(`["Yes","No"]`), &raw.Outcomes)
	_ = json.Unmarshal([]byte(`["0.62","0.38"]`), &raw.OutcomePrices)
	raw.Volume = 1500

	m := Market(raw, now)

	if m.MarketID != "m1" {
		t.Fatalf("unexpected market id: %s", m.MarketID)
	}
	if m.Status != model.StatusActive || m.ResolutionStatus != model.ResolutionPending {
		t.Fatalf("expected ACTIVE/PENDING, got %s/%s", m.Status, m.ResolutionStatus)
	}
	if len(m.OutcomePrices) != 2 {
		t.Fatalf("expected 2 outcome prices, got %d", len(m.OutcomePrices))
	}
	if f, _ := m.OutcomePrices[0].Float64(); f != 0.62 {
		t.Fatalf("expected outcome_prices[0]=0.62, got %v", f)
	}
	if f, _ := m.Volume.Float64(); f != 1500 {
		t.Fatalf("expected volume=1500, got %v", f)
	}
}

func TestMarketParsesTokens(t *testing.T) {
	raw := gammaapi.Market{ID: "m3"}
	_ = json.Unmarshal([]byte(`[
		{"token_id":"111","outcome":"Yes","winner":false},
		{"token_id":"222","outcome":"No","winner":true}
	]`), &raw.Tokens)

	m := Market(raw, time.Now())

	if len(m.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(m.Tokens))
	}
	if m.Tokens[0].TokenID != "111" || m.Tokens[0].Outcome != "Yes" || m.Tokens[0].Winner {
		t.Fatalf("unexpected tokens[0]: %+v", m.Tokens[0])
	}
	if m.Tokens[1].TokenID != "222" || !m.Tokens[1].Winner {
		t.Fatalf("unexpected tokens[1]: %+v", m.Tokens[1])
	}
	data, err := m.MarshalTokens()
	if err != nil {
		t.Fatalf("MarshalTokens: %v", err)
	}
	if string(data) == "[]" {
		t.Fatal("expected non-empty marshaled tokens")
	}
}

func TestMarketMissingTokensMarshalsEmptyArray(t *testing.T) {
	raw := gammaapi.Market{ID: "m4"}
	m := Market(raw, time.Now())

	data, err := m.MarshalTokens()
	if err != nil {
		t.Fatalf("MarshalTokens: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected empty array for missing tokens, got %s", data)
	}
}

func TestMarketCapsOverflowingVolume(t *testing.T) {
	raw := gammaapi.Market{ID: "m2"}
	raw.Volume = 500000000
	m := Market(raw, time.Now())
	if f, _ := m.Volume.Float64(); f != model.MaxStatValue {
		t.Fatalf("expected volume clamped to %v, got %v", model.MaxStatValue, f)
	}
}
