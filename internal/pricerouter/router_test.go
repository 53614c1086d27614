package pricerouter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"polymarket-core/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMockRouter(t *testing.T) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	st := store.NewWithDB(sdb, testLogger())
	return New(st, testLogger()), mock
}

func TestHandlePriceChangeWritesOutcomePricesAndYesNo(t *testing.T) {
	r, mock := newMockRouter(t)

	rows := sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
		AddRow("m1", "c1", "slug", "title", "ACTIVE", "PENDING", nil, `{Yes,No}`, `["t1","t2"]`)
	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO markets_ws").WillReturnResult(sqlmock.NewResult(0, 1))

	payload := []byte(`{"market":"c1","price_changes":[
		{"asset_id":"t1","best_bid":"0.60","best_ask":"0.64"},
		{"asset_id":"t2","best_bid":"0.36","best_ask":"0.40"}
	]}`)
	r.HandlePriceChange(context.Background(), payload)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandlePriceChangeSkipsInactiveMarket(t *testing.T) {
	r, mock := newMockRouter(t)

	rows := sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
		AddRow("m1", "c1", "slug", "title", "CLOSED", "RESOLVED", 0, `{Yes,No}`, `["t1","t2"]`)
	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(rows)

	payload := []byte(`{"market":"c1","price_changes":[{"asset_id":"t1","best_bid":"0.1","best_ask":"0.2"}]}`)
	r.HandlePriceChange(context.Background(), payload)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleSnapshotThenDeltaComputesMid(t *testing.T) {
	r, mock := newMockRouter(t)

	marketRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
			AddRow("m1", "c1", "slug", "title", "ACTIVE", "PENDING", nil, `{Yes,No}`, `["t1","t2"]`)
	}

	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(marketRow())
	mock.ExpectExec("INSERT INTO markets_ws").WillReturnResult(sqlmock.NewResult(0, 1))
	r.HandleSnapshot(context.Background(), []byte(`{"asset_id":"t1","best_bid":"0.5","best_ask":"0.6"}`))

	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(marketRow())
	mock.ExpectExec("INSERT INTO markets_ws").WillReturnResult(sqlmock.NewResult(0, 1))
	r.HandleDelta(context.Background(), []byte(`{"asset_id":"t1","best_bid":"0.55"}`))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBinaryOutcomeIndices(t *testing.T) {
	yes, no := binaryOutcomeIndices([]string{"Yes", "No"})
	if yes != 0 || no != 1 {
		t.Fatalf("expected (0,1), got (%d,%d)", yes, no)
	}
	yes, no = binaryOutcomeIndices([]string{"Down", "Up"})
	if yes != 1 || no != 0 {
		t.Fatalf("expected (1,0) for Down/Up, got (%d,%d)", yes, no)
	}
}

func TestComputePricePrefersMidOverDirectPrice(t *testing.T) {
	p, ok := computePrice("0.4", "0.6", "0.9")
	if !ok {
		t.Fatal("expected ok")
	}
	f, _ := p.Float64()
	if f != 0.5 {
		t.Fatalf("expected mid 0.5, got %v", f)
	}
}
