// Package redeemable classifies on-chain positions against resolved
// market outcomes, identifying winning positions eligible for redemption
// and losing positions whose rows the caller should close out.
package redeemable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-core/internal/coordination"
	"polymarket-core/internal/model"
	"polymarket-core/internal/store"
)

const (
	redemptionFee = "0.01"
	cacheTTL      = 5 * time.Minute
)

// Position is one on-chain holding supplied by the external wallet layer.
type Position struct {
	ConditionID string
	Outcome     int
	TokensHeld  decimal.Decimal
	AvgPrice    decimal.Decimal
}

// WinningCandidate is a resolved, winning position eligible for
// redemption, net of the protocol's redemption fee.
type WinningCandidate struct {
	ConditionID string
	TokensHeld  decimal.Decimal
	NetValue    decimal.Decimal
	PnL         decimal.Decimal
	PnLPct      decimal.Decimal
}

// Result is the classification of one user's full position set.
type Result struct {
	Winning []WinningCandidate
	Losing  []string // condition_ids the caller should close out
}

type cacheEntry struct {
	result    Result
	fetchedAt time.Time
}

// Detector classifies positions against the Store's resolution state,
// caching per (user_id, wallet_address) for cacheTTL.
type Detector struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Detector. If inv is non-nil, the Detector drops its entire
// cache whenever inv signals an invalidation, rather than waiting out the
// TTL. A signal arrives only when some caller invokes inv.Invalidate; the
// TP/SL Monitor in this module does not, so TP/SL triggers and user trades
// do not by themselves clear the cache.
func New(st *store.Store, inv *coordination.Invalidator, logger *slog.Logger) *Detector {
	d := &Detector{
		store:  st,
		logger: logger.With("component", "redeemable"),
		cache:  make(map[string]cacheEntry),
	}
	if inv != nil {
		go d.watchInvalidation(inv)
	}
	return d
}

func (d *Detector) watchInvalidation(inv *coordination.Invalidator) {
	for range inv.Invalidated() {
		d.mu.Lock()
		d.cache = make(map[string]cacheEntry)
		d.mu.Unlock()
	}
}

func cacheKey(userID, walletAddress string) string {
	return userID + "|" + walletAddress
}

// Classify returns the winning/losing split for positions, using the
// (userID, walletAddress) cache when fresh.
func (d *Detector) Classify(ctx context.Context, userID, walletAddress string, positions []Position) (Result, error) {
	key := cacheKey(userID, walletAddress)

	d.mu.Lock()
	if entry, ok := d.cache[key]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		result := entry.result
		d.mu.Unlock()
		return result, nil
	}
	d.mu.Unlock()

	result, err := d.classifyUncached(ctx, positions)
	if err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	d.cache[key] = cacheEntry{result: result, fetchedAt: time.Now()}
	d.mu.Unlock()

	return result, nil
}

func (d *Detector) classifyUncached(ctx context.Context, positions []Position) (Result, error) {
	fee, _ := decimal.NewFromString(redemptionFee)
	var result Result

	for _, pos := range positions {
		mkt, err := d.store.MarketByConditionID(ctx, pos.ConditionID)
		if err != nil {
			d.logger.Error("market lookup failed", "condition_id", pos.ConditionID, "error", err)
			continue
		}
		if mkt == nil {
			continue
		}
		if mkt.ResolutionStatus != model.ResolutionResolved {
			continue // not yet redeemable
		}
		if mkt.WinningOutcome == nil || *mkt.WinningOutcome != pos.Outcome {
			result.Losing = append(result.Losing, pos.ConditionID)
			continue
		}

		grossValue := pos.TokensHeld
		netValue := grossValue.Sub(grossValue.Mul(fee))
		cost := pos.TokensHeld.Mul(pos.AvgPrice)
		pnl := netValue.Sub(cost)
		var pnlPct decimal.Decimal
		if !cost.IsZero() {
			pnlPct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}

		result.Winning = append(result.Winning, WinningCandidate{
			ConditionID: pos.ConditionID,
			TokensHeld:  pos.TokensHeld,
			NetValue:    netValue,
			PnL:         pnl,
			PnLPct:      pnlPct,
		})
	}

	return result, nil
}
