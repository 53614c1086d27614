package normalize

import (
	"testing"
	"time"

	"polymarket-core/internal/model"
)

func TestClassifyLifecycleExtremePrices(t *testing.T) {
	now := time.Now()
	status, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Prices:  []float64{0.995, 0.005},
		EndDate: now.Add(-2 * time.Hour),
		Now:     now,
	})
	if status != model.StatusClosed || resolution != model.ResolutionResolved {
		t.Fatalf("expected CLOSED/RESOLVED, got %s/%s", status, resolution)
	}
	if winner == nil || *winner != 0 {
		t.Fatalf("expected winning_outcome=0, got %v", winner)
	}
}

func TestClassifyLifecyclePending(t *testing.T) {
	now := time.Now()
	status, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Prices:  []float64{0.4, 0.6},
		EndDate: now.Add(24 * time.Hour),
		Closed:  false,
		Now:     now,
	})
	if status != model.StatusActive || resolution != model.ResolutionPending {
		t.Fatalf("expected ACTIVE/PENDING, got %s/%s", status, resolution)
	}
	if winner != nil {
		t.Fatalf("expected nil winning_outcome, got %v", *winner)
	}
}

func TestClassifyLifecycleExplicitOutcomeYes(t *testing.T) {
	now := time.Now()
	_, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Outcome: "Yes",
		Prices:  []float64{0.8, 0.2},
		EndDate: now.Add(-time.Hour),
		Now:     now,
	})
	if resolution != model.ResolutionResolved {
		t.Fatalf("expected RESOLVED from explicit outcome field, got %s", resolution)
	}
	if winner == nil || *winner != 0 {
		t.Fatalf("expected winning_outcome=0 for Yes, got %v", winner)
	}
}

func TestClassifyLifecycleExplicitOutcomeNo(t *testing.T) {
	now := time.Now()
	_, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Outcome: "No",
		Prices:  []float64{0.2, 0.8},
		EndDate: now.Add(-time.Hour),
		Now:     now,
	})
	if resolution != model.ResolutionResolved {
		t.Fatalf("expected RESOLVED, got %s", resolution)
	}
	if winner == nil || *winner != 1 {
		t.Fatalf("expected winning_outcome=1 for No, got %v", winner)
	}
}

func TestClassifyLifecycleExpiredNoOutcomeYet(t *testing.T) {
	now := time.Now()
	status, resolution, winner := ClassifyLifecycle(ClassifyInput{
		Prices:  []float64{0.4, 0.6},
		EndDate: now.Add(-5 * time.Minute),
		Now:     now,
	})
	if status != model.StatusClosed || resolution != model.ResolutionProposed {
		t.Fatalf("expected CLOSED/PROPOSED immediately on expiry, got %s/%s", status, resolution)
	}
	if winner != nil {
		t.Fatalf("expected nil winning_outcome, got %v", *winner)
	}
}

func TestCapFloat(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{100000000, MaxStatValue},
		{1.23456789, 1.2346},
		{0, 0},
	}
	for _, c := range cases {
		if got := CapFloat(c.in); got != c.want {
			t.Errorf("CapFloat(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestBuildURLEventPriority(t *testing.T) {
	events := []model.EventRef{{Slug: "foo-event"}}
	if got := BuildURL(events, "bar-market"); got != "https://polymarket.com/event/foo-event" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestBuildURLMarketFallback(t *testing.T) {
	if got := BuildURL(nil, "bar-market"); got != "https://polymarket.com/market/bar-market" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestEligibleForReevaluation(t *testing.T) {
	now := time.Now()
	if !EligibleForReevaluation(nil, now.Add(-2*time.Hour), now, 2) {
		t.Fatalf("expected eligible: expired >1h ago, 2 outcomes, no winner")
	}
	if EligibleForReevaluation(nil, now.Add(-30*time.Minute), now, 2) {
		t.Fatalf("expected not eligible: expired <1h ago")
	}
	winner := 0
	if EligibleForReevaluation(&winner, now.Add(-2*time.Hour), now, 2) {
		t.Fatalf("expected not eligible: winner already known")
	}
	if EligibleForReevaluation(nil, now.Add(-2*time.Hour), now, 3) {
		t.Fatalf("expected not eligible: not exactly 2 outcomes")
	}
}

func TestNormalizeCategory(t *testing.T) {
	cases := map[string]string{
		"US Politics":    "politics",
		"NBA Playoffs":   "sports",
		"Bitcoin price":  "crypto",
		"random unknown": "other",
		"":                "",
	}
	for in, want := range cases {
		if got := NormalizeCategory(in); got != want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", in, got, want)
		}
	}
}
