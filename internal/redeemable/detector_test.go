package redeemable

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"polymarket-core/internal/coordination"
	"polymarket-core/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMockDetector(t *testing.T) (*Detector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	st := store.NewWithDB(sdb, testLogger())
	return New(st, nil, testLogger()), mock
}

func TestClassifyWinningPosition(t *testing.T) {
	d, mock := newMockDetector(t)

	rows := sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
		AddRow("m1", "c1", "slug", "title", "CLOSED", "RESOLVED", 0, `{Yes,No}`, `["t1","t2"]`)
	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(rows)

	positions := []Position{{
		ConditionID: "c1",
		Outcome:     0,
		TokensHeld:  decimal.NewFromInt(100),
		AvgPrice:    decimal.NewFromFloat(0.5),
	}}

	result, err := d.Classify(context.Background(), "u1", "0xabc", positions)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Winning) != 1 || len(result.Losing) != 0 {
		t.Fatalf("expected 1 winning, 0 losing, got %+v", result)
	}
	want := decimal.NewFromInt(100).Sub(decimal.NewFromInt(100).Mul(decimal.NewFromFloat(0.01)))
	if !result.Winning[0].NetValue.Equal(want) {
		t.Fatalf("expected net value %s, got %s", want, result.Winning[0].NetValue)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClassifyLosingPosition(t *testing.T) {
	d, mock := newMockDetector(t)

	rows := sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
		AddRow("m1", "c1", "slug", "title", "CLOSED", "RESOLVED", 0, `{Yes,No}`, `["t1","t2"]`)
	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(rows)

	positions := []Position{{ConditionID: "c1", Outcome: 1, TokensHeld: decimal.NewFromInt(50)}}

	result, err := d.Classify(context.Background(), "u1", "0xabc", positions)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Winning) != 0 || len(result.Losing) != 1 || result.Losing[0] != "c1" {
		t.Fatalf("expected 1 losing condition_id c1, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClassifyCachesWithinTTL(t *testing.T) {
	d, mock := newMockDetector(t)

	rows := sqlmock.NewRows([]string{"market_id", "condition_id", "slug", "title", "status", "resolution_status", "winning_outcome", "outcomes", "clob_token_ids"}).
		AddRow("m1", "c1", "slug", "title", "CLOSED", "RESOLVED", 0, `{Yes,No}`, `["t1","t2"]`)
	mock.ExpectQuery("SELECT market_id, condition_id").WillReturnRows(rows)

	positions := []Position{{ConditionID: "c1", Outcome: 0, TokensHeld: decimal.NewFromInt(10)}}

	if _, err := d.Classify(context.Background(), "u1", "0xabc", positions); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if _, err := d.Classify(context.Background(), "u1", "0xabc", positions); err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (expected only one query): %v", err)
	}
}
