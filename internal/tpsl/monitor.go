// Package tpsl periodically scans active take-profit/stop-loss orders
// against live prices and emits trigger events for the external
// trade-execution layer to act on.
package tpsl

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-core/internal/model"
	"polymarket-core/internal/store"
)

const scanInterval = 10 * time.Second

// TriggerKind distinguishes which leg of an order fired.
type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "TRIGGER_TP"
	TriggerStopLoss   TriggerKind = "TRIGGER_SL"
)

// Trigger is emitted on TriggerCh() when an order's take-profit or
// stop-loss threshold is crossed.
type Trigger struct {
	Kind           TriggerKind
	OrderID        string
	ExecutionPrice decimal.Decimal
}

// Monitor scans ACTIVE TPSLOrder rows every tick and emits Trigger events.
type Monitor struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	triggerCh chan Trigger
}

// New builds a Monitor. A non-positive interval falls back to the 10s
// default from §4.7.
func New(st *store.Store, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = scanInterval
	}
	return &Monitor{
		store:     st,
		logger:    logger.With("component", "tpsl"),
		interval:  interval,
		triggerCh: make(chan Trigger, 64),
	}
}

// TriggerCh returns the channel the external trade-execution layer reads
// trigger events from.
func (m *Monitor) TriggerCh() <-chan Trigger {
	return m.triggerCh
}

// Run scans on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	orders, err := m.store.ActiveTPSLOrders(ctx)
	if err != nil {
		m.logger.Error("fetch active tpsl orders failed", "error", err)
		return
	}

	for _, order := range orders {
		m.evaluate(ctx, order)
	}
}

// evaluate applies one order's cancellation sweeps and trigger check, in
// the priority order from §4.7: market-lifecycle cancellation first, then
// position-size cancellation, then both-null cancellation, then triggers.
func (m *Monitor) evaluate(ctx context.Context, order model.TPSLOrder) {
	state, err := m.store.MarketOutcomePrice(ctx, order.MarketID, order.Outcome)
	if err != nil {
		m.logger.Error("market outcome price lookup failed", "order_id", order.ID, "error", err)
		return
	}
	if !state.Found || state.Price == nil {
		return // market not monitored yet; skip this tick, don't cancel
	}

	if state.Status == model.StatusClosed {
		m.cancel(ctx, order, "market_closed")
		return
	}
	if state.ResolutionStatus == model.ResolutionResolved {
		m.cancel(ctx, order, "market_resolved")
		return
	}
	amount, found, err := m.store.UserPositionAmount(ctx, order.UserID, order.MarketID, order.Outcome)
	if err != nil {
		m.logger.Error("user position lookup failed", "order_id", order.ID, "error", err)
		return
	}
	if !found {
		m.cancel(ctx, order, "position_closed")
		return
	}
	if order.MonitoredTokens.GreaterThan(amount) {
		m.cancel(ctx, order, "insufficient_tokens")
		return
	}

	if order.TakeProfitPrice == nil && order.StopLossPrice == nil {
		m.cancel(ctx, order, "both_null")
		return
	}

	price := *state.Price
	if order.TakeProfitPrice != nil && price.GreaterThanOrEqual(*order.TakeProfitPrice) {
		m.trigger(ctx, order, TriggerTakeProfit, model.TriggeredTakeProfit, price)
		return
	}
	if order.StopLossPrice != nil && price.LessThanOrEqual(*order.StopLossPrice) {
		m.trigger(ctx, order, TriggerStopLoss, model.TriggeredStopLoss, price)
		return
	}
}

func (m *Monitor) cancel(ctx context.Context, order model.TPSLOrder, reason string) {
	order.Status = model.TPSLCancelled
	order.CancelReason = reason
	if err := m.store.UpdateTPSLOrder(ctx, order); err != nil {
		m.logger.Error("cancel tpsl order failed", "order_id", order.ID, "reason", reason, "error", err)
	}
}

func (m *Monitor) trigger(ctx context.Context, order model.TPSLOrder, kind TriggerKind, triggeredType model.TriggeredType, price decimal.Decimal) {
	order.Status = model.TPSLTriggered
	order.TriggeredType = &triggeredType
	order.ExecutionPrice = &price
	if err := m.store.UpdateTPSLOrder(ctx, order); err != nil {
		m.logger.Error("update triggered tpsl order failed", "order_id", order.ID, "error", err)
		return
	}

	evt := Trigger{Kind: kind, OrderID: order.ID, ExecutionPrice: price}
	select {
	case m.triggerCh <- evt:
	default:
		m.logger.Warn("trigger channel full, dropping oldest", "order_id", order.ID)
		select {
		case <-m.triggerCh:
		default:
		}
		m.triggerCh <- evt
	}
}
