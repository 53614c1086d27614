// Package poller drives the ingestion cycle: a four-pass sweep that pulls
// market metadata from the Gamma REST surface, normalizes it, and upserts
// it into the Store. One cycle runs every configured interval.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"polymarket-core/internal/gammaapi"
	"polymarket-core/internal/model"
	"polymarket-core/internal/normalize"
	"polymarket-core/internal/store"
)

const (
	maxEventPages = 200

	urgentExpiryWindow = 2 * time.Hour
	urgentExpiryLimit  = 50

	highVolumeMin   = 100_000
	highVolumeCount = 12

	mediumVolumeMin   = 10_000
	mediumVolumeMax   = 100_000
	mediumVolumeCount = 3

	smallVolumeMin   = 1_000
	smallVolumeMax   = 10_000
	smallVolumeCount = 1

	tierCandidatePoolLimit = 2000

	staleActiveWindow     = 72 * time.Hour
	closedMarketsLookback = 24 * time.Hour
	closedPageLimit       = 100

	proposedReevalLimit = 1000

	healthSweepEveryNCycles = 60
)

// Poller owns the periodic ingestion loop.
type Poller struct {
	client   *gammaapi.Client
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cycleCount int
}

// New builds a Poller that fetches via client and persists via st, ticking
// every interval.
func New(client *gammaapi.Client, st *store.Store, logger *slog.Logger, interval time.Duration) *Poller {
	return &Poller{
		client:   client,
		store:    st,
		logger:   logger.With("component", "poller"),
		interval: interval,
	}
}

// Run blocks, executing one cycle immediately and then every interval,
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.runCycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	start := time.Now()
	p.cycleCount++
	log := p.logger.With("cycle", p.cycleCount)

	if err := p.pass1EventsSweep(ctx, log); err != nil {
		log.Error("pass 1 events sweep failed", "error", err)
		if errors.Is(err, gammaapi.ErrBudgetExhausted) {
			return
		}
	}
	if err := p.pass2TieredRefresh(ctx, log); err != nil {
		log.Error("pass 2 tiered refresh failed", "error", err)
		if errors.Is(err, gammaapi.ErrBudgetExhausted) {
			return
		}
	}
	if err := p.pass3ClosedSweep(ctx, log); err != nil {
		log.Error("pass 3 closed sweep failed", "error", err)
		if errors.Is(err, gammaapi.ErrBudgetExhausted) {
			return
		}
	}
	if err := p.pass4ProposedReevaluation(ctx, log); err != nil {
		log.Error("pass 4 proposed reevaluation failed", "error", err)
		if errors.Is(err, gammaapi.ErrBudgetExhausted) {
			return
		}
	}

	if err := p.store.UpdatePollerLastSync(ctx, time.Now()); err != nil {
		log.Error("update poller last sync failed", "error", err)
	}

	if p.cycleCount%healthSweepEveryNCycles == 0 {
		p.healthSweep(ctx, log)
	}

	log.Info("cycle complete", "duration", time.Since(start))
}

// pass1EventsSweep paginates /events fully, extracts and normalizes every
// market, sorts by (volume, updated_at) descending, and upserts in the
// Store's 500-row chunks.
func (p *Poller) pass1EventsSweep(ctx context.Context, log *slog.Logger) error {
	events, err := p.client.FetchEventsAll(ctx, maxEventPages)
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]model.Market, 0, len(events)*2)
	for _, ev := range events {
		for _, raw := range ev.Markets {
			if len(raw.OutcomePrices.Strings()) == 0 {
				continue
			}
			rows = append(rows, normalize.Market(raw, now))
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		vi, _ := rows[i].Volume.Float64()
		vj, _ := rows[j].Volume.Float64()
		if vi != vj {
			return vi > vj
		}
		return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
	})

	n, err := p.store.UpsertMarkets(ctx, rows, false)
	if err != nil {
		return err
	}
	log.Info("pass 1 events sweep", "events", len(events), "markets_written", n)
	return nil
}

// pass2TieredRefresh collects candidate market ids from the five tiers,
// bulk-fetches them standalone, and upserts. Field preservation (events,
// category, clob_token_ids, tokens) is handled centrally by the Store's
// upsert statement, not here.
func (p *Poller) pass2TieredRefresh(ctx context.Context, log *slog.Logger) error {
	seen := map[string]bool{}
	var candidates []string
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}

	userPositionIDs, err := p.store.UserPositionMarketIDs(ctx)
	if err != nil {
		return err
	}
	add(userPositionIDs)

	urgentIDs, err := p.store.MarketsByExpiryTier(ctx, urgentExpiryWindow, urgentExpiryLimit)
	if err != nil {
		return err
	}
	add(urgentIDs)

	highIDs, err := p.store.MarketsByVolumeTier(ctx, highVolumeMin, math.Inf(1), tierCandidatePoolLimit)
	if err != nil {
		return err
	}
	add(rotate(highIDs, p.cycleCount, highVolumeCount))

	mediumIDs, err := p.store.MarketsByVolumeTier(ctx, mediumVolumeMin, mediumVolumeMax, tierCandidatePoolLimit)
	if err != nil {
		return err
	}
	add(rotate(mediumIDs, p.cycleCount, mediumVolumeCount))

	if p.cycleCount%3 == 0 {
		smallIDs, err := p.store.MarketsByVolumeTier(ctx, smallVolumeMin, smallVolumeMax, tierCandidatePoolLimit)
		if err != nil {
			return err
		}
		add(rotate(smallIDs, p.cycleCount, smallVolumeCount))
	}

	if len(candidates) == 0 {
		return nil
	}

	raws, err := p.client.FetchMarketsByID(ctx, candidates)
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]model.Market, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, normalize.Market(raw, now))
	}

	n, err := p.store.UpsertMarkets(ctx, rows, false)
	if err != nil {
		return err
	}
	log.Info("pass 2 tiered refresh", "candidates", len(candidates), "markets_written", n)
	return nil
}

// rotate returns a count-sized, wrapping slice of ids starting at
// offset = cycle mod len(ids), guaranteeing eventual coverage of the tier.
func rotate(ids []string, cycle, count int) []string {
	if len(ids) == 0 {
		return nil
	}
	if count > len(ids) {
		count = len(ids)
	}
	offset := cycle % len(ids)

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, ids[(offset+i)%len(ids)])
	}
	return out
}

// pass3ClosedSweep transitions expired/stale ACTIVE markets to CLOSED and
// then backfills recently-updated closed markets from upstream.
func (p *Poller) pass3ClosedSweep(ctx context.Context, log *slog.Logger) error {
	expired, err := p.store.MarkExpiredMarketsClosed(ctx)
	if err != nil {
		return err
	}
	stale, err := p.store.MarkStaleActiveClosed(ctx, staleActiveWindow)
	if err != nil {
		return err
	}

	now := time.Now()
	var rows []model.Market
	for offset := 0; ; offset += closedPageLimit {
		page, err := p.client.FetchMarketsPage(ctx, offset, closedPageLimit, true, "updatedAt")
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		stop := false
		for _, raw := range page {
			updated, parseErr := time.Parse(time.RFC3339, raw.UpdatedAt)
			if parseErr == nil && now.Sub(updated) > closedMarketsLookback {
				stop = true
				break
			}
			rows = append(rows, normalize.Market(raw, now))
		}
		if stop || len(page) < closedPageLimit {
			break
		}
	}

	n, err := p.store.UpsertMarkets(ctx, rows, true)
	if err != nil {
		return err
	}
	log.Info("pass 3 closed sweep", "expired_transitioned", expired, "stale_transitioned", stale, "closed_markets_written", n)
	return nil
}

// pass4ProposedReevaluation promotes overdue PENDING rows, then re-fetches
// and re-classifies PROPOSED rows eligible for resolution.
func (p *Poller) pass4ProposedReevaluation(ctx context.Context, log *slog.Logger) error {
	promoted, err := p.store.PromotePendingToProposed(ctx)
	if err != nil {
		return err
	}

	ids, err := p.store.ProposedForReevaluation(ctx, proposedReevalLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Info("pass 4 proposed reevaluation", "promoted", promoted, "reevaluated", 0, "resolved", 0)
		return nil
	}

	raws, err := p.client.FetchMarketsByID(ctx, ids)
	if err != nil {
		return err
	}

	now := time.Now()
	var rows []model.Market
	resolved := 0
	for _, raw := range raws {
		m := normalize.Market(raw, now)
		if m.ResolutionStatus == model.ResolutionResolved {
			resolved++
		}
		rows = append(rows, m)
	}

	n, err := p.store.UpsertMarkets(ctx, rows, true)
	if err != nil {
		return err
	}
	log.Info("pass 4 proposed reevaluation", "promoted", promoted, "reevaluated", n, "resolved", resolved)
	return nil
}

// healthSweep logs the number of non-resolved markets in the Store. It
// computes no freshness histogram or age buckets, and nothing it produces
// is persisted.
func (p *Poller) healthSweep(ctx context.Context, log *slog.Logger) {
	nonResolved, err := p.store.NonResolvedMarketIDs(ctx)
	if err != nil {
		log.Warn("health sweep: fetch non-resolved ids failed", "error", err)
		return
	}
	log.Info("health sweep", "non_resolved_markets", len(nonResolved))
}
