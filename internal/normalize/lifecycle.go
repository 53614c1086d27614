package normalize

import (
	"strings"
	"time"

	"polymarket-core/internal/model"
)

// ClassifyInput carries everything the lifecycle classifier needs to
// decide a market's (status, resolution_status, winning_outcome) per the
// state machine in §3.3.
type ClassifyInput struct {
	Outcome               string // upstream explicit "outcome" field, if any
	UmaResolutionStatuses string
	Prices                []float64
	EndDate               time.Time
	Closed                bool
	Now                   time.Time
}

const (
	proposedGracePeriod = time.Hour
	staleActiveWindow   = 3 * 24 * time.Hour
	resolvedHighPrice   = 0.99
	resolvedLowPrice    = 0.01
)

// ClassifyLifecycle implements the PENDING→PROPOSED→RESOLVED state machine
// and the outcome-extraction priority algorithm of §4.3. It does not
// consult a market's existing DB row — stale-ACTIVE and PROPOSED
// re-evaluation sweeps operate on already-stored markets and are
// implemented in the poller passes, not here.
func ClassifyLifecycle(in ClassifyInput) (model.Status, model.ResolutionStatus, *int) {
	if winner := extractWinningOutcome(in); winner != nil {
		return model.StatusClosed, model.ResolutionResolved, winner
	}

	expired := !in.EndDate.IsZero() && in.EndDate.Before(in.Now)
	if in.Closed || expired {
		// No grace period on the initial CLOSED/PROPOSED transition — the
		// grace period named elsewhere in the state machine governs only
		// Pass 4 re-evaluation eligibility (EligibleForReevaluation below),
		// not this transition. Kept immediate per the removed-grace-period
		// decision.
		return model.StatusClosed, model.ResolutionProposed, nil
	}

	return model.StatusActive, model.ResolutionPending, nil
}

// extractWinningOutcome implements the priority-ordered outcome extraction
// of §4.3:
//  1. explicit outcome field
//  2. UMA resolution status "resolved" + extreme prices
//  3. extreme prices alone (fallback)
func extractWinningOutcome(in ClassifyInput) *int {
	if idx, ok := outcomeFromExplicitField(in.Outcome); ok {
		return &idx
	}

	extremeIdx, extreme := outcomeFromExtremePrices(in.Prices)

	if strings.EqualFold(strings.TrimSpace(in.UmaResolutionStatuses), "resolved") && extreme {
		return &extremeIdx
	}

	if extreme {
		return &extremeIdx
	}

	return nil
}

// outcomeFromExplicitField maps upstream's explicit outcome field.
// YES/UP → index 0; NO/DOWN → index 1, per §3.3/§4.3 (authoritative over
// the differing convention observed in the reference Python source — see
// DESIGN.md).
func outcomeFromExplicitField(outcome string) (int, bool) {
	v := strings.ToLower(strings.TrimSpace(outcome))
	switch v {
	case "yes", "1", "true", "up":
		return 0, true
	case "no", "0", "false", "down":
		return 1, true
	default:
		return 0, false
	}
}

// outcomeFromExtremePrices derives a winner from outcome prices when one is
// ≥ 0.99 and the other ≤ 0.01. Only meaningful for exactly two outcomes.
func outcomeFromExtremePrices(prices []float64) (int, bool) {
	if len(prices) != 2 {
		return 0, false
	}
	if prices[0] >= resolvedHighPrice && prices[1] <= resolvedLowPrice {
		return 0, true
	}
	if prices[1] >= resolvedHighPrice && prices[0] <= resolvedLowPrice {
		return 1, true
	}
	return 0, false
}

// IsStaleActive reports whether a market that is currently ACTIVE in the
// Store should be force-closed by the Pass 3 defensive sweep: no update in
// staleActiveWindow.
func IsStaleActive(updatedAt, now time.Time) bool {
	return now.Sub(updatedAt) > staleActiveWindow
}

// EligibleForReevaluation reports whether a PROPOSED market qualifies for
// Pass 4 re-fetch: no winning outcome yet, expired more than an hour ago,
// and exactly two outcome prices.
func EligibleForReevaluation(winningOutcome *int, endDate, now time.Time, numOutcomes int) bool {
	if winningOutcome != nil {
		return false
	}
	if numOutcomes != 2 {
		return false
	}
	return !endDate.IsZero() && endDate.Add(proposedGracePeriod).Before(now)
}
