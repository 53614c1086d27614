// Package pricerouter turns inbound WebSocket frames into per-outcome price
// writes. It implements wsclient.Dispatcher directly: price_change frames
// resolve through the condition id, while trade/orderbook frames resolve
// through the asset (token) id.
package pricerouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-core/internal/model"
	"polymarket-core/internal/store"
)

type priceChangeFrame struct {
	Market       string `json:"market"` // condition_id
	PriceChanges []struct {
		AssetID  string `json:"asset_id"`
		BestBid  string `json:"best_bid"`
		BestAsk  string `json:"best_ask"`
		Price    string `json:"price"`
	} `json:"price_changes"`
}

type tradeFrame struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
}

type bookTopFrame struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// topOfBook is the per-asset bid/ask cache snapshot/delta frames maintain;
// mid is only ever derived here, never from YES/NO outcome prices.
type topOfBook struct {
	bid, ask   float64
	hasBid     bool
	hasAsk     bool
}

// Router implements wsclient.Dispatcher.
type Router struct {
	store  *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	tops map[string]topOfBook // keyed by asset_id
}

// New builds a Router that writes through st.
func New(st *store.Store, logger *slog.Logger) *Router {
	return &Router{
		store:  st,
		logger: logger.With("component", "pricerouter"),
		tops:   make(map[string]topOfBook),
	}
}

// HandlePriceChange implements §4.6's algorithm: resolve the market by
// condition id, compute per-asset prices, map asset ids to outcome names by
// position in clob_token_ids, and write the resulting outcome price map.
func (r *Router) HandlePriceChange(ctx context.Context, payload json.RawMessage) {
	var frame priceChangeFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		r.logger.Debug("malformed price_change frame", "error", err)
		return
	}

	mkt, err := r.store.MarketByConditionID(ctx, frame.Market)
	if err != nil {
		r.logger.Error("lookup market by condition id failed", "condition_id", frame.Market, "error", err)
		return
	}
	if mkt == nil || mkt.Status != model.StatusActive {
		return
	}

	outcomePrices := make(map[string]decimal.Decimal, len(frame.PriceChanges))
	for _, change := range frame.PriceChanges {
		price, ok := computePrice(change.BestBid, change.BestAsk, change.Price)
		if !ok {
			continue
		}

		idx := indexOf(mkt.ClobTokenIDs, change.AssetID)
		if idx < 0 || idx >= len(mkt.Outcomes) {
			r.logger.Debug("price_change asset_id not found in market tokens", "asset_id", change.AssetID, "market_id", mkt.MarketID)
			continue
		}
		outcomePrices[mkt.Outcomes[idx]] = price
	}
	if len(outcomePrices) == 0 {
		return
	}

	fields := model.MarketWSFields{OutcomePrices: outcomePrices}
	if mkt.IsBinary() {
		yesIdx, noIdx := binaryOutcomeIndices(mkt.Outcomes)
		if yesIdx >= 0 {
			if p, ok := outcomePrices[mkt.Outcomes[yesIdx]]; ok {
				fields.LastYesPrice = &p
			}
		}
		if noIdx >= 0 {
			if p, ok := outcomePrices[mkt.Outcomes[noIdx]]; ok {
				fields.LastNoPrice = &p
			}
		}
	}

	if err := r.store.UpsertMarketWS(ctx, mkt.MarketID, fields); err != nil {
		r.logger.Error("upsert market ws failed", "market_id", mkt.MarketID, "error", err)
	}
}

// HandleTrade writes last_trade_price for the market owning the asset.
func (r *Router) HandleTrade(ctx context.Context, payload json.RawMessage) {
	var frame tradeFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		return
	}
	r.writeForAsset(ctx, frame.AssetID, model.MarketWSFields{LastTradePrice: &price})
}

// HandleBookTop writes last_bb/last_ba from a "book"/"orderbook" frame,
// without touching last_mid (mid is only set from snapshot/delta).
func (r *Router) HandleBookTop(ctx context.Context, payload json.RawMessage) {
	var frame bookTopFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	fields := model.MarketWSFields{}
	if bid, err := decimal.NewFromString(frame.BestBid); err == nil {
		fields.LastBB = &bid
	}
	if ask, err := decimal.NewFromString(frame.BestAsk); err == nil {
		fields.LastBA = &ask
	}
	r.writeForAsset(ctx, frame.AssetID, fields)
}

// HandleSnapshot replaces the tracked top of book for the asset entirely.
func (r *Router) HandleSnapshot(ctx context.Context, payload json.RawMessage) {
	var frame bookTopFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	top := topOfBook{}
	if bid, err := strconv.ParseFloat(frame.BestBid, 64); err == nil {
		top.bid, top.hasBid = bid, true
	}
	if ask, err := strconv.ParseFloat(frame.BestAsk, 64); err == nil {
		top.ask, top.hasAsk = ask, true
	}

	r.mu.Lock()
	r.tops[frame.AssetID] = top
	r.mu.Unlock()

	r.writeTopAndMid(ctx, frame.AssetID, top)
}

// HandleDelta incrementally updates whichever side of the book the frame
// carries, leaving the other side as last known.
func (r *Router) HandleDelta(ctx context.Context, payload json.RawMessage) {
	var frame bookTopFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	r.mu.Lock()
	top := r.tops[frame.AssetID]
	if bid, err := strconv.ParseFloat(frame.BestBid, 64); err == nil {
		top.bid, top.hasBid = bid, true
	}
	if ask, err := strconv.ParseFloat(frame.BestAsk, 64); err == nil {
		top.ask, top.hasAsk = ask, true
	}
	r.tops[frame.AssetID] = top
	r.mu.Unlock()

	r.writeTopAndMid(ctx, frame.AssetID, top)
}

func (r *Router) writeTopAndMid(ctx context.Context, assetID string, top topOfBook) {
	fields := model.MarketWSFields{}
	if top.hasBid {
		bid := decimal.NewFromFloat(top.bid)
		fields.LastBB = &bid
	}
	if top.hasAsk {
		ask := decimal.NewFromFloat(top.ask)
		fields.LastBA = &ask
	}
	if top.hasBid && top.hasAsk {
		mid := decimal.NewFromFloat((top.bid + top.ask) / 2)
		fields.LastMid = &mid
	}
	r.writeForAsset(ctx, assetID, fields)
}

func (r *Router) writeForAsset(ctx context.Context, assetID string, fields model.MarketWSFields) {
	mkt, err := r.store.MarketByTokenID(ctx, assetID)
	if err != nil {
		r.logger.Error("lookup market by token id failed", "asset_id", assetID, "error", err)
		return
	}
	if mkt == nil {
		return
	}
	if err := r.store.UpsertMarketWS(ctx, mkt.MarketID, fields); err != nil {
		r.logger.Error("upsert market ws failed", "market_id", mkt.MarketID, "error", err)
	}
}

// computePrice prefers the bid/ask midpoint, falling back to a direct price
// field when one side is missing.
func computePrice(bid, ask, price string) (decimal.Decimal, bool) {
	b, bErr := decimal.NewFromString(bid)
	a, aErr := decimal.NewFromString(ask)
	if bErr == nil && aErr == nil {
		return b.Add(a).Div(decimal.NewFromInt(2)), true
	}
	if p, err := decimal.NewFromString(price); err == nil {
		return p, true
	}
	return decimal.Decimal{}, false
}

func indexOf(ids []string, target string) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}

// binaryOutcomeIndices returns the Yes/Up and No/Down indices for a binary
// market's outcome list, case-insensitively, or -1 if not found.
func binaryOutcomeIndices(outcomes []string) (yesIdx, noIdx int) {
	yesIdx, noIdx = -1, -1
	for i, o := range outcomes {
		switch strings.ToLower(o) {
		case "yes", "up":
			yesIdx = i
		case "no", "down":
			noIdx = i
		}
	}
	return
}
