// Package normalize transforms raw gammaapi payloads into canonical
// model.Market rows, applying the numeric cap, JSON-in-string decoding,
// category normalization, and lifecycle classification algorithms.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-core/internal/gammaapi"
	"polymarket-core/internal/model"
)

// MaxStatValue mirrors model.MaxStatValue for local readability.
const MaxStatValue = model.MaxStatValue

// CapFloat clamps v to [0, MaxStatValue] and rounds to 4 decimal places,
// matching cap(v) = round(min(max(v, 0), 99999999.9999), 4).
func CapFloat(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > MaxStatValue {
		v = MaxStatValue
	}
	return math.Round(v*10000) / 10000
}

// CapDecimal is the decimal.Decimal equivalent of CapFloat, used at the
// Store boundary for monetary fields.
func CapDecimal(v decimal.Decimal) decimal.Decimal {
	zero := decimal.Zero
	max := decimal.NewFromFloat(MaxStatValue)
	if v.LessThan(zero) {
		v = zero
	}
	if v.GreaterThan(max) {
		v = max
	}
	return v.Round(4)
}

// Market converts a raw gammaapi.Market into a canonical model.Market. It
// does not apply the preservation rule — that is the Store's job — so
// Events/Category/Tokens/ClobTokenIDs here reflect only what upstream sent
// in this payload, which may be empty.
func Market(raw gammaapi.Market, now time.Time) model.Market {
	outcomes := raw.Outcomes.Strings()
	prices := parsePrices(raw.OutcomePrices)
	tokenIDs := raw.ClobTokenIds.Strings()

	m := model.Market{
		MarketID:    raw.ID,
		ConditionID: raw.ConditionID,
		Slug:        raw.Slug,
		Title:       raw.Question,
		Description: raw.Description,
		Category:    NormalizeCategory(raw.Category),
		MarketType:  raw.MarketType,
		Restricted:  raw.Restricted,

		AcceptingOrders: raw.AcceptingOrders,
		Archived:        raw.Archived,

		Outcomes:     outcomes,
		ClobTokenIDs: tokenIDs,
		Events:       parseEvents(raw.Events),
		Tokens:       parseTokens(raw.Tokens),

		Volume:     decimal.NewFromFloat(CapFloat(raw.Volume.Float64())),
		Volume24hr: decimal.NewFromFloat(CapFloat(raw.Volume24hr.Float64())),
		Volume1wk:  decimal.NewFromFloat(CapFloat(raw.Volume1wk.Float64())),
		Volume1mo:  decimal.NewFromFloat(CapFloat(raw.Volume1mo.Float64())),
		Liquidity:  decimal.NewFromFloat(CapFloat(raw.Liquidity.Float64())),
		Spread:     decimal.NewFromFloat(CapFloat(raw.Spread.Float64())),

		PriceChange1h: decimal.NewFromFloat(CapFloat(raw.OneHourPriceChange.Float64())),
		PriceChange1d: decimal.NewFromFloat(CapFloat(raw.OneDayPriceChange.Float64())),
		PriceChange1w: decimal.NewFromFloat(CapFloat(raw.OneWeekPriceChange.Float64())),

		UpdatedAt: now,
	}

	m.OutcomePrices = make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		m.OutcomePrices[i] = decimal.NewFromFloat(p)
	}

	if raw.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, raw.EndDate); err == nil {
			m.EndDate = t
		}
	}
	if raw.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.CreatedAt); err == nil {
			m.CreatedAt = t
		}
	}

	status, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Outcome:               raw.Outcome,
		UmaResolutionStatuses: raw.UmaResolutionStatuses,
		Prices:                prices,
		EndDate:               m.EndDate,
		Closed:                raw.Closed,
		Now:                   now,
	})
	m.Status = status
	m.ResolutionStatus = resolution
	m.WinningOutcome = winner
	if resolution == model.ResolutionResolved {
		m.ResolutionDate = &now
	}

	m.Tradeable = status == model.StatusActive && raw.AcceptingOrders
	if status == model.StatusClosed {
		m.Tradeable = false
		m.AcceptingOrders = false
	}

	m.PolymarketURL = BuildURL(m.Events, m.Slug)

	return m
}

// parsePrices decodes the outcome_prices RawList into plain float64s.
func parsePrices(raw model.RawList) []float64 {
	return raw.Float64s()
}

// parseEvents decodes the events RawList into EventRef structs, tolerating
// partial/missing fields in each element.
func parseEvents(raw model.RawList) []model.EventRef {
	out := make([]model.EventRef, 0, len(raw.Items))
	for _, item := range raw.Items {
		var ev struct {
			ID    string `json:"id"`
			Slug  string `json:"slug"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(item, &ev); err == nil && (ev.ID != "" || ev.Slug != "") {
			out = append(out, model.EventRef{EventID: ev.ID, Slug: ev.Slug, Title: ev.Title})
		}
	}
	return out
}

// parseTokens decodes the tokens RawList into model.Token structs, tolerating
// partial/missing fields in each element (upstream ships these parallel to
// clob_token_ids but with the outcome label and resolved-winner flag attached).
func parseTokens(raw model.RawList) []model.Token {
	out := make([]model.Token, 0, len(raw.Items))
	for _, item := range raw.Items {
		var tok struct {
			TokenID string `json:"token_id"`
			Outcome string `json:"outcome"`
			Winner  bool   `json:"winner"`
		}
		if err := json.Unmarshal(item, &tok); err == nil && tok.TokenID != "" {
			out = append(out, model.Token{TokenID: tok.TokenID, Outcome: tok.Outcome, Winner: tok.Winner})
		}
	}
	return out
}

// BuildURL computes polymarket_url per §4.3: event slug takes priority over
// market slug.
func BuildURL(events []model.EventRef, marketSlug string) string {
	if len(events) > 0 && events[0].Slug != "" {
		return "https://polymarket.com/event/" + events[0].Slug
	}
	return "https://polymarket.com/market/" + marketSlug
}

// categoryMap normalizes upstream's free-text category/tag strings into a
// small canonical set, grounded on the original source's static category
// table. Matching is substring-based over the lowercased input.
var categoryMap = []struct {
	keywords []string
	category string
}{
	{[]string{"politic", "election", "president"}, "politics"},
	{[]string{"sport", "nfl", "nba", "soccer", "football"}, "sports"},
	{[]string{"crypto", "bitcoin", "ethereum", "btc", "eth"}, "crypto"},
	{[]string{"pop culture", "celebrity", "movie", "music", "award"}, "pop-culture"},
	{[]string{"science", "space", "climate", "weather"}, "science"},
}

// NormalizeCategory maps raw upstream category text to a canonical
// category, falling back to "other". Empty or blank input returns "".
func NormalizeCategory(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return ""
	}
	for _, entry := range categoryMap {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return "other"
}

// FormatOutcomeIndex is a small helper for logging the winning outcome.
func FormatOutcomeIndex(i *int) string {
	if i == nil {
		return "null"
	}
	return strconv.Itoa(*i)
}
