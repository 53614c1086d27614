package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"polymarket-core/internal/coordination"
	"polymarket-core/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWS struct {
	current     []string
	subscribed  []string
	unsubscribed []string
}

func (f *fakeWS) Subscribed() []string { return f.current }

func (f *fakeWS) Subscribe(ids []string) error {
	f.subscribed = append(f.subscribed, ids...)
	return nil
}

func (f *fakeWS) Unsubscribe(ids []string) error {
	f.unsubscribed = append(f.unsubscribed, ids...)
	return nil
}

func newMockManager(t *testing.T, ws *fakeWS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	st := store.NewWithDB(sdb, testLogger())
	return New(st, ws, coordination.NewResyncFlag(), testLogger(), 0), mock
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

func TestSyncComputesAddAndDropDiff(t *testing.T) {
	ws := &fakeWS{current: []string{"t1", "t2", "t3"}}
	m, mock := newMockManager(t, ws)

	mock.ExpectQuery("SELECT DISTINCT jsonb_array_elements_text").
		WillReturnRows(sqlmock.NewRows([]string{"jsonb_array_elements_text"}).
			AddRow("t1").AddRow("t2").AddRow("t4").AddRow("t5"))

	m.Sync(context.Background())

	if !containsAll(ws.subscribed, []string{"t4", "t5"}) || len(ws.subscribed) != 2 {
		t.Fatalf("expected subscribe(t4,t5), got %v", ws.subscribed)
	}
	if !containsAll(ws.unsubscribed, []string{"t3"}) || len(ws.unsubscribed) != 1 {
		t.Fatalf("expected unsubscribe(t3), got %v", ws.unsubscribed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSyncNoOpWhenSetsMatch(t *testing.T) {
	ws := &fakeWS{current: []string{"t1", "t2"}}
	m, mock := newMockManager(t, ws)

	mock.ExpectQuery("SELECT DISTINCT jsonb_array_elements_text").
		WillReturnRows(sqlmock.NewRows([]string{"jsonb_array_elements_text"}).
			AddRow("t1").AddRow("t2"))

	m.Sync(context.Background())

	if len(ws.subscribed) != 0 || len(ws.unsubscribed) != 0 {
		t.Fatalf("expected no subscribe/unsubscribe calls, got sub=%v unsub=%v", ws.subscribed, ws.unsubscribed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
