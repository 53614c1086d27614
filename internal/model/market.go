// Package model holds the canonical, store-agnostic entities the ingestion
// pipeline operates on. Types here have no dependency on gammaapi, the
// Postgres driver, or the WebSocket wire format — those packages translate
// into and out of this package.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the trading-status half of the lifecycle state machine.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// ResolutionStatus is the oracle-resolution half of the lifecycle state
// machine.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "PENDING"
	ResolutionProposed ResolutionStatus = "PROPOSED"
	ResolutionResolved ResolutionStatus = "RESOLVED"
)

// MaxStatValue is the clamp ceiling shared by every numeric stat field
// (NUMERIC(12,4) columns on the Postgres side).
const MaxStatValue = 99999999.9999

// EventRef is one entry of a market's parent "events" grouping, preserved
// verbatim across upserts when upstream omits it.
type EventRef struct {
	EventID string `json:"event_id"`
	Slug    string `json:"event_slug"`
	Title   string `json:"title,omitempty"`
}

// Token is the richer per-outcome token descriptor carried alongside the
// plain clob_token_ids list.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner,omitempty"`
}

// Market is the central record mirrored from upstream into markets_poll.
type Market struct {
	MarketID    string
	ConditionID string
	Slug        string
	Title       string
	Description string

	Category   string
	MarketType string
	Restricted bool

	Status           Status
	ResolutionStatus ResolutionStatus
	WinningOutcome   *int
	ResolutionDate   *time.Time

	AcceptingOrders bool
	Archived        bool
	Tradeable       bool

	Outcomes      []string
	OutcomePrices []decimal.Decimal
	ClobTokenIDs  []string
	Tokens        []Token
	Events        []EventRef

	Volume         decimal.Decimal
	Volume24hr     decimal.Decimal
	Volume1wk      decimal.Decimal
	Volume1mo      decimal.Decimal
	Liquidity      decimal.Decimal
	Spread         decimal.Decimal
	LastMid        decimal.Decimal
	PriceChange1h  decimal.Decimal
	PriceChange1d  decimal.Decimal
	PriceChange1w  decimal.Decimal

	CreatedAt time.Time
	EndDate   time.Time
	UpdatedAt time.Time

	PolymarketURL string
}

// OutcomeIndex returns the index of outcome name (case-insensitive),
// or -1 if not present.
func (m *Market) OutcomeIndex(outcome string) int {
	for i, o := range m.Outcomes {
		if strings.EqualFold(o, outcome) {
			return i
		}
	}
	return -1
}

// IsBinary reports whether this market has exactly two outcomes; the
// outcome labels are not checked.
func (m *Market) IsBinary() bool {
	return len(m.Outcomes) == 2
}

// MarketWSFields is the partial, WS-delivered projection written to
// markets_ws. Only non-nil fields are applied by the Store.
type MarketWSFields struct {
	LastBB          *decimal.Decimal
	LastBA          *decimal.Decimal
	LastMid         *decimal.Decimal
	LastTradePrice  *decimal.Decimal
	LastYesPrice    *decimal.Decimal
	LastNoPrice     *decimal.Decimal
	OutcomePrices   map[string]decimal.Decimal
}

// WatchedMarket mirrors a row of the externally-owned watched_markets table.
type WatchedMarket struct {
	MarketID        string
	ConditionID     string
	Title           string
	ActivePositions int
	LastPositionAt  *time.Time
	UpdatedAt       time.Time
}

// UserPosition mirrors a row of the externally-owned user_positions table.
type UserPosition struct {
	MarketID   string
	Outcome    int
	TokenCount decimal.Decimal
	EntryPrice decimal.Decimal
}

// TPSLStatus is the lifecycle of a TPSLOrder row.
type TPSLStatus string

const (
	TPSLActive    TPSLStatus = "ACTIVE"
	TPSLTriggered TPSLStatus = "TRIGGERED"
	TPSLCancelled TPSLStatus = "CANCELLED"
)

// TriggeredType distinguishes which leg of a TPSLOrder fired.
type TriggeredType string

const (
	TriggeredTakeProfit TriggeredType = "take_profit"
	TriggeredStopLoss   TriggeredType = "stop_loss"
)

// TPSLOrder mirrors a row of the externally-owned tpsl_orders table.
type TPSLOrder struct {
	ID               string
	UserID           string
	MarketID         string
	TokenID          string
	Outcome          int
	EntryPrice       decimal.Decimal
	TakeProfitPrice  *decimal.Decimal
	StopLossPrice    *decimal.Decimal
	MonitoredTokens  decimal.Decimal
	Status           TPSLStatus
	TriggeredType    *TriggeredType
	ExecutionPrice   *decimal.Decimal
	CancelReason     string
}

// PollerState is the single-row poller_state table.
type PollerState struct {
	LastSync time.Time
}

// MarshalEvents serializes Events for JSONB storage.
func (m *Market) MarshalEvents() ([]byte, error) {
	if len(m.Events) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Events)
}

// MarshalTokens serializes Tokens for JSONB storage.
func (m *Market) MarshalTokens() ([]byte, error) {
	if len(m.Tokens) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Tokens)
}
