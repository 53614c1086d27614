// Package store is the durable, idempotent persistence layer: market rows
// (markets_poll), the WS-delivered projection (markets_ws), the webhook
// audit log (markets_wh), and poller state. Backed by PostgreSQL through
// sqlx/lib/pq.
//
// The store never issues server-side prepared statements — every query
// goes through sqlx's Query/Exec, not Preparex — so it works unmodified
// behind a transaction-mode connection pooler such as PgBouncer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"polymarket-core/internal/model"
	"polymarket-core/internal/normalize"
)

const (
	upsertBatchSize       = 500
	interChunkSleep       = 100 * time.Millisecond
	batchStatementTimeout = 30 * time.Second
	statementTimeout      = 60 * time.Second

	nonResolvedCacheTTL = 5 * time.Minute
)

// execContexter is satisfied by both *sqlx.DB and *sqlx.Tx, letting upsertOne
// run inside or outside a transaction.
type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store wraps a Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	cacheMu          sync.Mutex
	nonResolvedCache map[string]bool
	cacheFetchedAt   time.Time
}

// Open connects to Postgres and sizes the pool per the 1-3 connection
// guidance: minConns sets idle connections, maxConns sets the hard ceiling.
func Open(databaseURL string, minConns, maxConns int, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 3
	}
	if minConns <= 0 {
		minConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// NewWithDB wraps an already-open sqlx connection, used by tests to inject
// a sqlmock database.
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMarkets writes rows in chunks of upsertBatchSize, applying the
// field-preservation rule centrally (clob_token_ids, tokens, events,
// category are kept when the incoming value is empty) and the dead-market
// filter unless skipLifecycleFilter is true. Returns the count written.
func (s *Store) UpsertMarkets(ctx context.Context, rows []model.Market, skipLifecycleFilter bool) (int, error) {
	if !skipLifecycleFilter {
		rows = filterDeadMarkets(rows)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	written := 0
	for i := 0; i < len(rows); i += upsertBatchSize {
		end := i + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]

		n, err := s.upsertBatch(ctx, chunk)
		if err != nil {
			s.logger.Warn("batch upsert failed, retrying row by row", "error", err, "batch_size", len(chunk))
			n, err = s.upsertRowByRow(ctx, chunk)
			if err != nil {
				return written, fmt.Errorf("upsert batch: %w", err)
			}
		}
		written += n

		if end < len(rows) {
			time.Sleep(interChunkSleep)
		}
	}
	return written, nil
}

// filterDeadMarkets drops rows with status != ACTIVE and zero 24hr/total
// volume — upstream sometimes returns husks for markets that never traded.
func filterDeadMarkets(rows []model.Market) []model.Market {
	out := rows[:0:0]
	for _, m := range rows {
		if m.Status != model.StatusActive && m.Volume.IsZero() && m.Volume24hr.IsZero() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) upsertBatch(ctx context.Context, rows []model.Market) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, batchStatementTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range rows {
		if err := upsertOne(ctx, tx, m); err != nil {
			return 0, fmt.Errorf("market %s: %w", m.MarketID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(rows), nil
}

// upsertRowByRow retries a failed batch one row at a time so a single
// poison row doesn't block the rest of the batch.
func (s *Store) upsertRowByRow(ctx context.Context, rows []model.Market) (int, error) {
	written := 0
	for _, m := range rows {
		rowCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		err := upsertOne(rowCtx, s.db, m)
		cancel()
		if err != nil {
			s.logger.Error("upsert failed for market, skipping", "market_id", m.MarketID, "error", err)
			continue
		}
		written++
	}
	return written, nil
}

const upsertMarketSQL = `
INSERT INTO markets_poll (
	market_id, condition_id, slug, title, description, category, market_type, restricted,
	status, accepting_orders, archived, tradeable,
	outcomes, outcome_prices, clob_token_ids, tokens, events,
	volume, volume_24hr, volume_1wk, volume_1mo, liquidity, spread,
	price_change_1h, price_change_1d, price_change_1w,
	created_at, end_date, resolution_date, resolution_status, winning_outcome,
	polymarket_url, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12,
	$13, $14, $15, $16, $17,
	$18, $19, $20, $21, $22, $23,
	$24, $25, $26,
	$27, $28, $29, $30, $31,
	$32, $33
)
ON CONFLICT (market_id) DO UPDATE SET
	condition_id      = EXCLUDED.condition_id,
	slug              = EXCLUDED.slug,
	title             = EXCLUDED.title,
	description       = EXCLUDED.description,
	category          = CASE WHEN EXCLUDED.category = '' THEN markets_poll.category ELSE EXCLUDED.category END,
	market_type       = EXCLUDED.market_type,
	restricted        = EXCLUDED.restricted,
	status            = EXCLUDED.status,
	accepting_orders  = EXCLUDED.accepting_orders,
	archived          = EXCLUDED.archived,
	tradeable         = EXCLUDED.tradeable,
	outcomes          = EXCLUDED.outcomes,
	outcome_prices    = EXCLUDED.outcome_prices,
	clob_token_ids    = CASE WHEN EXCLUDED.clob_token_ids = '[]' OR EXCLUDED.clob_token_ids = '' THEN markets_poll.clob_token_ids ELSE EXCLUDED.clob_token_ids END,
	tokens            = CASE WHEN EXCLUDED.tokens = '[]'::jsonb THEN markets_poll.tokens ELSE EXCLUDED.tokens END,
	events            = CASE WHEN EXCLUDED.events = '[]'::jsonb THEN markets_poll.events ELSE EXCLUDED.events END,
	volume            = EXCLUDED.volume,
	volume_24hr       = EXCLUDED.volume_24hr,
	volume_1wk        = EXCLUDED.volume_1wk,
	volume_1mo        = EXCLUDED.volume_1mo,
	liquidity         = EXCLUDED.liquidity,
	spread            = EXCLUDED.spread,
	price_change_1h   = EXCLUDED.price_change_1h,
	price_change_1d   = EXCLUDED.price_change_1d,
	price_change_1w   = EXCLUDED.price_change_1w,
	end_date          = EXCLUDED.end_date,
	resolution_date   = COALESCE(markets_poll.resolution_date, EXCLUDED.resolution_date),
	resolution_status = EXCLUDED.resolution_status,
	winning_outcome   = COALESCE(markets_poll.winning_outcome, EXCLUDED.winning_outcome),
	polymarket_url    = EXCLUDED.polymarket_url,
	updated_at        = EXCLUDED.updated_at
`

func upsertOne(ctx context.Context, db execContexter, m model.Market) error {
	tokensJSON, err := m.MarshalTokens()
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	eventsJSON, err := m.MarshalEvents()
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	clobTokenIDs, err := json.Marshal(m.ClobTokenIDs)
	if err != nil {
		return fmt.Errorf("marshal clob_token_ids: %w", err)
	}

	prices := make([]float64, len(m.OutcomePrices))
	for i, p := range m.OutcomePrices {
		f, _ := p.Float64()
		prices[i] = normalize.CapFloat(f)
	}

	_, err = db.ExecContext(ctx, upsertMarketSQL,
		m.MarketID, m.ConditionID, m.Slug, m.Title, m.Description, m.Category, m.MarketType, m.Restricted,
		string(m.Status), m.AcceptingOrders, m.Archived, m.Tradeable,
		pq.Array(m.Outcomes), pq.Array(prices), string(clobTokenIDs), tokensJSON, eventsJSON,
		normalize.CapDecimal(m.Volume), normalize.CapDecimal(m.Volume24hr), normalize.CapDecimal(m.Volume1wk), normalize.CapDecimal(m.Volume1mo),
		normalize.CapDecimal(m.Liquidity), normalize.CapDecimal(m.Spread),
		normalize.CapDecimal(m.PriceChange1h), normalize.CapDecimal(m.PriceChange1d), normalize.CapDecimal(m.PriceChange1w),
		nullTime(m.CreatedAt), nullTime(m.EndDate), nullTimePtr(m.ResolutionDate), string(m.ResolutionStatus), m.WinningOutcome,
		m.PolymarketURL, m.UpdatedAt,
	)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// MarketsByVolumeTier returns market_ids of non-RESOLVED markets with
// volume in [minVol, maxVol), PROPOSED-and-recently-expired markets ranked
// first (they need fast re-resolution), then volume DESC.
func (s *Store) MarketsByVolumeTier(ctx context.Context, minVol, maxVol float64, limit int) ([]string, error) {
	const q = `
		SELECT market_id FROM markets_poll
		WHERE (resolution_status != 'RESOLVED' OR resolution_status IS NULL)
		  AND volume >= $1 AND volume < $2
		ORDER BY
			CASE
				WHEN resolution_status = 'PROPOSED'
				     AND end_date IS NOT NULL
				     AND end_date > now() - INTERVAL '24 hours'
				THEN 0
				ELSE 1
			END,
			volume DESC
		LIMIT $3`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, minVol, maxVol, limit); err != nil {
		return nil, fmt.Errorf("markets by volume tier: %w", err)
	}
	return ids, nil
}

// MarketsByExpiryTier returns market_ids of non-RESOLVED markets expiring
// within the given window (strictly in the future), soonest-expiring first.
func (s *Store) MarketsByExpiryTier(ctx context.Context, within time.Duration, limit int) ([]string, error) {
	const q = `
		SELECT market_id FROM markets_poll
		WHERE (resolution_status != 'RESOLVED' OR resolution_status IS NULL)
		  AND end_date IS NOT NULL
		  AND end_date > now()
		  AND end_date < now() + $1::interval
		ORDER BY end_date ASC
		LIMIT $2`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, within.String(), limit); err != nil {
		return nil, fmt.Errorf("markets by expiry tier: %w", err)
	}
	return ids, nil
}

// UserPositionMarketIDs returns distinct market_ids held in the externally
// owned user_positions table whose markets are not RESOLVED — these markets
// are polled every cycle regardless of tier.
func (s *Store) UserPositionMarketIDs(ctx context.Context) ([]string, error) {
	const q = `
		SELECT DISTINCT p.market_id
		FROM user_positions p
		JOIN markets_poll m ON m.market_id = p.market_id
		WHERE (m.resolution_status != 'RESOLVED' OR m.resolution_status IS NULL)`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("user position market ids: %w", err)
	}
	return ids, nil
}

// ActivePositionTokenIDs returns clob token ids for non-RESOLVED markets
// with a held position, the streamer's highest-priority subscription set.
func (s *Store) ActivePositionTokenIDs(ctx context.Context, limit int) ([]string, error) {
	const q = `
		SELECT DISTINCT jsonb_array_elements_text(m.clob_token_ids::jsonb)
		FROM markets_poll m
		JOIN user_positions p ON p.market_id = m.market_id
		WHERE (m.resolution_status != 'RESOLVED' OR m.resolution_status IS NULL)
		LIMIT $1`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, limit); err != nil {
		return nil, fmt.Errorf("active position token ids: %w", err)
	}
	return ids, nil
}

// NonResolvedMarketIDs returns the set of market_ids not yet RESOLVED,
// cached in-process for nonResolvedCacheTTL to keep the per-cycle
// skip-list check cheap.
func (s *Store) NonResolvedMarketIDs(ctx context.Context) (map[string]bool, error) {
	s.cacheMu.Lock()
	if s.nonResolvedCache != nil && time.Since(s.cacheFetchedAt) < nonResolvedCacheTTL {
		cached := s.nonResolvedCache
		s.cacheMu.Unlock()
		return cached, nil
	}
	s.cacheMu.Unlock()

	const q = `SELECT market_id FROM markets_poll WHERE resolution_status != 'RESOLVED'`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("non resolved market ids: %w", err)
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	s.cacheMu.Lock()
	s.nonResolvedCache = set
	s.cacheFetchedAt = time.Now()
	s.cacheMu.Unlock()

	return set, nil
}

const marketSummarySelect = `
	SELECT market_id, condition_id, slug, title, status, resolution_status,
	       winning_outcome, outcomes, clob_token_ids
	FROM markets_poll`

type marketSummaryRow struct {
	MarketID         string         `db:"market_id"`
	ConditionID      string         `db:"condition_id"`
	Slug             string         `db:"slug"`
	Title            string         `db:"title"`
	Status           string         `db:"status"`
	ResolutionStatus string         `db:"resolution_status"`
	WinningOutcome   *int           `db:"winning_outcome"`
	Outcomes         pq.StringArray `db:"outcomes"`
	ClobTokenIDs     string         `db:"clob_token_ids"`
}

func (row marketSummaryRow) toModel() *model.Market {
	var tokenIDs []string
	_ = json.Unmarshal([]byte(row.ClobTokenIDs), &tokenIDs)

	return &model.Market{
		MarketID:         row.MarketID,
		ConditionID:      row.ConditionID,
		Slug:             row.Slug,
		Title:            row.Title,
		Status:           model.Status(row.Status),
		ResolutionStatus: model.ResolutionStatus(row.ResolutionStatus),
		WinningOutcome:   row.WinningOutcome,
		Outcomes:         []string(row.Outcomes),
		ClobTokenIDs:     tokenIDs,
	}
}

// MarketByConditionID fetches a single market by its CLOB condition id.
func (s *Store) MarketByConditionID(ctx context.Context, conditionID string) (*model.Market, error) {
	q := marketSummarySelect + ` WHERE condition_id = $1`
	var row marketSummaryRow
	if err := s.db.GetContext(ctx, &row, q, conditionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("market by condition id: %w", err)
	}
	return row.toModel(), nil
}

// MarketByTokenID fetches the market whose clob_token_ids contains tokenID,
// used to resolve trade/orderbook frames that key by asset id rather than
// condition id.
func (s *Store) MarketByTokenID(ctx context.Context, tokenID string) (*model.Market, error) {
	q := marketSummarySelect + ` WHERE clob_token_ids::jsonb ? $1 LIMIT 1`
	var row marketSummaryRow
	if err := s.db.GetContext(ctx, &row, q, tokenID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("market by token id: %w", err)
	}
	return row.toModel(), nil
}

// UpsertMarketWS applies a partial, WS-delivered projection to markets_ws.
// Only non-nil fields in fields are written.
func (s *Store) UpsertMarketWS(ctx context.Context, marketID string, fields model.MarketWSFields) error {
	setParts := []string{}
	args := []interface{}{marketID}
	add := func(col string, v interface{}) {
		args = append(args, v)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if fields.LastBB != nil {
		add("last_bb", *fields.LastBB)
	}
	if fields.LastBA != nil {
		add("last_ba", *fields.LastBA)
	}
	if fields.LastMid != nil {
		add("last_mid", *fields.LastMid)
	}
	if fields.LastTradePrice != nil {
		add("last_trade_price", *fields.LastTradePrice)
	}
	if fields.LastYesPrice != nil {
		add("last_yes_price", *fields.LastYesPrice)
	}
	if fields.LastNoPrice != nil {
		add("last_no_price", *fields.LastNoPrice)
	}
	if fields.OutcomePrices != nil {
		blob, err := json.Marshal(fields.OutcomePrices)
		if err != nil {
			return fmt.Errorf("marshal outcome prices: %w", err)
		}
		add("outcome_prices", string(blob))
	}
	if len(setParts) == 0 {
		return nil
	}

	q := fmt.Sprintf(`
		INSERT INTO markets_ws (market_id, updated_at) VALUES ($1, now())
		ON CONFLICT (market_id) DO UPDATE SET updated_at = now(), %s`,
		joinSet(setParts))

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert market ws %s: %w", marketID, err)
	}
	return nil
}

func joinSet(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// UpdatePollerLastSync records the wall-clock time the most recent poll
// cycle finished.
func (s *Store) UpdatePollerLastSync(ctx context.Context, ts time.Time) error {
	const q = `
		INSERT INTO poller_state (id, last_sync) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_sync = EXCLUDED.last_sync`
	if _, err := s.db.ExecContext(ctx, q, ts); err != nil {
		return fmt.Errorf("update poller last sync: %w", err)
	}
	return nil
}

// PollerLastSync reports the last recorded poll cycle completion time.
func (s *Store) PollerLastSync(ctx context.Context) (time.Time, error) {
	const q = `SELECT last_sync FROM poller_state WHERE id = 1`
	var ts time.Time
	if err := s.db.GetContext(ctx, &ts, q); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("poller last sync: %w", err)
	}
	return ts, nil
}

// MarkExpiredMarketsClosed transitions ACTIVE markets past end_date to
// CLOSED/PROPOSED immediately, with no grace period. Returns the number
// of rows transitioned.
func (s *Store) MarkExpiredMarketsClosed(ctx context.Context) (int64, error) {
	const q = `
		UPDATE markets_poll
		SET status = 'CLOSED', tradeable = false, accepting_orders = false,
		    resolution_status = CASE WHEN resolution_status = 'PENDING' THEN 'PROPOSED' ELSE resolution_status END,
		    updated_at = now()
		WHERE status = 'ACTIVE' AND end_date IS NOT NULL AND end_date < now()`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("mark expired markets closed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ProposedForReevaluation returns up to limit market_ids in PROPOSED with no
// winning_outcome yet, a binary outcome set, and end_date more than an hour
// in the past — prioritized: markets with a held user position first, then
// markets that expired within the last 24h, then everything else.
func (s *Store) ProposedForReevaluation(ctx context.Context, limit int) ([]string, error) {
	const q = `
		SELECT m.market_id FROM markets_poll m
		LEFT JOIN (SELECT DISTINCT market_id FROM user_positions) up ON up.market_id = m.market_id
		WHERE m.resolution_status = 'PROPOSED' AND m.winning_outcome IS NULL
		  AND m.end_date < now() - interval '1 hour'
		  AND array_length(m.outcomes, 1) = 2
		ORDER BY (up.market_id IS NOT NULL) DESC,
		         (m.end_date > now() - interval '24 hours') DESC,
		         m.end_date ASC
		LIMIT $1`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, limit); err != nil {
		return nil, fmt.Errorf("proposed for reevaluation: %w", err)
	}
	return ids, nil
}

// PromotePendingToProposed promotes PENDING rows whose end_date is more
// than an hour in the past to PROPOSED, independent of status — a
// defensive catch-up for rows Pass 3's status sweep missed.
func (s *Store) PromotePendingToProposed(ctx context.Context) (int64, error) {
	const q = `
		UPDATE markets_poll
		SET resolution_status = 'PROPOSED', updated_at = now()
		WHERE resolution_status = 'PENDING' AND end_date < now() - interval '1 hour'`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("promote pending to proposed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MarkStaleActiveClosed closes ACTIVE rows that haven't been touched in
// staleAfter, a defensive sweep for markets upstream stopped reporting
// entirely (so neither Pass 1 nor Pass 2 ever refreshes them again).
func (s *Store) MarkStaleActiveClosed(ctx context.Context, staleAfter time.Duration) (int64, error) {
	const q = `
		UPDATE markets_poll
		SET status = 'CLOSED', tradeable = false, accepting_orders = false,
		    resolution_status = CASE WHEN resolution_status = 'PENDING' THEN 'PROPOSED' ELSE resolution_status END,
		    updated_at = now()
		WHERE status = 'ACTIVE' AND updated_at < now() - $1::interval`
	res, err := s.db.ExecContext(ctx, q, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("mark stale active closed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// InsertWebhookEvent appends to the markets_wh audit log, generating its own
// row id. payload is stored as raw JSONB for later inspection. Called by
// whatever process terminates upstream webhook deliveries; this ingestion
// core only owns the audit table, not the HTTP receiver in front of it.
func (s *Store) InsertWebhookEvent(ctx context.Context, marketID, eventType string, payload json.RawMessage) error {
	const q = `
		INSERT INTO markets_wh (id, market_id, event, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())`
	if _, err := s.db.ExecContext(ctx, q, uuid.New().String(), marketID, eventType, []byte(payload)); err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

const tpslOrderSelect = `
	SELECT id, user_id, market_id, token_id, outcome, entry_price,
	       take_profit_price, stop_loss_price, monitored_tokens,
	       status, triggered_type, execution_price, cancel_reason
	FROM tpsl_orders`

type tpslOrderRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	MarketID        string          `db:"market_id"`
	TokenID         string          `db:"token_id"`
	Outcome         int             `db:"outcome"`
	EntryPrice      decimal.Decimal `db:"entry_price"`
	TakeProfitPrice *decimal.Decimal `db:"take_profit_price"`
	StopLossPrice   *decimal.Decimal `db:"stop_loss_price"`
	MonitoredTokens decimal.Decimal `db:"monitored_tokens"`
	Status          string          `db:"status"`
	TriggeredType   *string         `db:"triggered_type"`
	ExecutionPrice  *decimal.Decimal `db:"execution_price"`
	CancelReason    *string         `db:"cancel_reason"`
}

func (row tpslOrderRow) toModel() model.TPSLOrder {
	o := model.TPSLOrder{
		ID:              row.ID,
		UserID:          row.UserID,
		MarketID:        row.MarketID,
		TokenID:         row.TokenID,
		Outcome:         row.Outcome,
		EntryPrice:      row.EntryPrice,
		TakeProfitPrice: row.TakeProfitPrice,
		StopLossPrice:   row.StopLossPrice,
		MonitoredTokens: row.MonitoredTokens,
		Status:          model.TPSLStatus(row.Status),
		ExecutionPrice:  row.ExecutionPrice,
	}
	if row.TriggeredType != nil {
		t := model.TriggeredType(*row.TriggeredType)
		o.TriggeredType = &t
	}
	if row.CancelReason != nil {
		o.CancelReason = *row.CancelReason
	}
	return o
}

// ActiveTPSLOrders returns every tpsl_orders row with status = ACTIVE, the
// TP/SL Monitor's per-tick scan set.
func (s *Store) ActiveTPSLOrders(ctx context.Context) ([]model.TPSLOrder, error) {
	q := tpslOrderSelect + ` WHERE status = 'ACTIVE'`
	var rows []tpslOrderRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("active tpsl orders: %w", err)
	}
	out := make([]model.TPSLOrder, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// MarketOutcomeState is the subset of a market's lifecycle and pricing data
// the TP/SL Monitor needs for one scan tick.
type MarketOutcomeState struct {
	Status           model.Status
	ResolutionStatus model.ResolutionStatus
	Price            *decimal.Decimal // nil if the outcome isn't monitored yet
	Found            bool
}

// MarketOutcomePrice reports the current price for outcome index
// outcomeIdx of marketID, preferring the WS-delivered projection
// (markets_ws.outcome_prices) over the polled value, per §4.7.
func (s *Store) MarketOutcomePrice(ctx context.Context, marketID string, outcomeIdx int) (MarketOutcomeState, error) {
	const q = `
		SELECT p.status, p.resolution_status, p.outcomes, p.outcome_prices, w.outcome_prices AS ws_outcome_prices
		FROM markets_poll p
		LEFT JOIN markets_ws w ON w.market_id = p.market_id
		WHERE p.market_id = $1`

	var row struct {
		Status           string          `db:"status"`
		ResolutionStatus string          `db:"resolution_status"`
		Outcomes         pq.StringArray  `db:"outcomes"`
		OutcomePrices    pq.Float64Array `db:"outcome_prices"`
		WSOutcomePrices  []byte          `db:"ws_outcome_prices"`
	}
	if err := s.db.GetContext(ctx, &row, q, marketID); err != nil {
		if err == sql.ErrNoRows {
			return MarketOutcomeState{}, nil
		}
		return MarketOutcomeState{}, fmt.Errorf("market outcome price: %w", err)
	}

	state := MarketOutcomeState{
		Status:           model.Status(row.Status),
		ResolutionStatus: model.ResolutionStatus(row.ResolutionStatus),
		Found:            true,
	}
	if outcomeIdx < 0 || outcomeIdx >= len(row.Outcomes) {
		return state, nil
	}
	outcomeName := row.Outcomes[outcomeIdx]

	if len(row.WSOutcomePrices) > 0 {
		var wsPrices map[string]decimal.Decimal
		if err := json.Unmarshal(row.WSOutcomePrices, &wsPrices); err == nil {
			if p, ok := wsPrices[outcomeName]; ok {
				state.Price = &p
				return state, nil
			}
		}
	}
	if outcomeIdx < len(row.OutcomePrices) {
		p := decimal.NewFromFloat(row.OutcomePrices[outcomeIdx])
		state.Price = &p
	}
	return state, nil
}

// UpdateTPSLOrder writes back a status transition (trigger or cancellation)
// for a tpsl_orders row. The table is owned by the external trading layer,
// but the Monitor is the sole writer of these lifecycle columns.
func (s *Store) UpdateTPSLOrder(ctx context.Context, order model.TPSLOrder) error {
	const q = `
		UPDATE tpsl_orders
		SET status = $2, triggered_type = $3, execution_price = $4, cancel_reason = $5
		WHERE id = $1`
	var triggeredType *string
	if order.TriggeredType != nil {
		s := string(*order.TriggeredType)
		triggeredType = &s
	}
	var cancelReason interface{}
	if order.CancelReason != "" {
		cancelReason = order.CancelReason
	}
	if _, err := s.db.ExecContext(ctx, q, order.ID, string(order.Status), triggeredType, order.ExecutionPrice, cancelReason); err != nil {
		return fmt.Errorf("update tpsl order %s: %w", order.ID, err)
	}
	return nil
}

// UserPositionAmount returns the held token count for (userID, marketID,
// outcome) from the externally-owned user_positions table, used by the
// TP/SL Monitor's insufficient_tokens/position_closed cancellation check.
// The second return value is false if no such position row exists.
func (s *Store) UserPositionAmount(ctx context.Context, userID, marketID string, outcome int) (decimal.Decimal, bool, error) {
	const q = `
		SELECT amount FROM user_positions
		WHERE user_id = $1 AND market_id = $2 AND outcome = $3`
	var amount decimal.Decimal
	if err := s.db.GetContext(ctx, &amount, q, userID, marketID, outcome); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("user position amount: %w", err)
	}
	return amount, true, nil
}

// WatchedMarkets returns every row of the externally-owned watched_markets
// table. The Subscription Manager does not read it; its desired set comes
// from ActivePositionTokenIDs alone.
func (s *Store) WatchedMarkets(ctx context.Context) ([]model.WatchedMarket, error) {
	const q = `SELECT market_id, condition_id, title, active_positions, last_position_at, updated_at FROM watched_markets`
	var rows []struct {
		MarketID        string     `db:"market_id"`
		ConditionID     string     `db:"condition_id"`
		Title           string     `db:"title"`
		ActivePositions int        `db:"active_positions"`
		LastPositionAt  *time.Time `db:"last_position_at"`
		UpdatedAt       time.Time  `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("watched markets: %w", err)
	}
	out := make([]model.WatchedMarket, len(rows))
	for i, r := range rows {
		out[i] = model.WatchedMarket{
			MarketID:        r.MarketID,
			ConditionID:     r.ConditionID,
			Title:           r.Title,
			ActivePositions: r.ActivePositions,
			LastPositionAt:  r.LastPositionAt,
			UpdatedAt:       r.UpdatedAt,
		}
	}
	return out, nil
}
