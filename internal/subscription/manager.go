// Package subscription keeps the WS Client's subscribed token set in sync
// with the Store's desired set (markets with a held user position),
// resyncing on a fixed interval or immediately on a manual trigger.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"polymarket-core/internal/coordination"
	"polymarket-core/internal/store"
)

const (
	defaultInterval  = 60 * time.Second
	desiredSetLimit  = 5000
)

// subscriber is the subset of wsclient.Client the Manager drives; kept as
// an interface so tests can substitute a recorder.
type subscriber interface {
	Subscribed() []string
	Subscribe(ids []string) error
	Unsubscribe(ids []string) error
}

// Manager computes add/drop diffs between the desired and current token
// sets and pushes them through the WS Client.
type Manager struct {
	store    *store.Store
	ws       subscriber
	resync   *coordination.ResyncFlag
	logger   *slog.Logger
	interval time.Duration
}

// New builds a Manager. A non-positive interval falls back to the 60s
// default from §4.5.
func New(st *store.Store, ws subscriber, resync *coordination.ResyncFlag, logger *slog.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Manager{
		store:    st,
		ws:       ws,
		resync:   resync,
		logger:   logger.With("component", "subscription"),
		interval: interval,
	}
}

// Run resyncs immediately (mirroring the post-reconnect trigger from
// §4.5), then on every tick or whenever the manual-trigger flag is set,
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.Sync(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resync.CheckAndClear()
			m.Sync(ctx)
		case <-m.resync.Wake():
			m.resync.CheckAndClear()
			m.Sync(ctx)
		}
	}
}

// Sync computes the desired set, diffs it against the WS Client's current
// set, and sends at most one subscribe and one unsubscribe call for the
// deltas, skipping a call whose delta is empty (no redundant subs, per P6).
func (m *Manager) Sync(ctx context.Context) {
	desired, err := m.store.ActivePositionTokenIDs(ctx, desiredSetLimit)
	if err != nil {
		m.logger.Error("fetch desired subscription set failed", "error", err)
		return
	}

	desiredSet := toSet(desired)
	currentSet := toSet(m.ws.Subscribed())

	var add, drop []string
	for id := range desiredSet {
		if !currentSet[id] {
			add = append(add, id)
		}
	}
	for id := range currentSet {
		if !desiredSet[id] {
			drop = append(drop, id)
		}
	}

	if len(drop) > 0 {
		if err := m.ws.Unsubscribe(drop); err != nil {
			m.logger.Error("unsubscribe failed", "count", len(drop), "error", err)
		}
	}
	if len(add) > 0 {
		if err := m.ws.Subscribe(add); err != nil {
			m.logger.Error("subscribe failed", "count", len(add), "error", err)
		}
	}
	if len(add) > 0 || len(drop) > 0 {
		m.logger.Info("subscription synced", "added", len(add), "dropped", len(drop))
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
