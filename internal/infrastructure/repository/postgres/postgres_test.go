package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func TestLexicalSearchMapsRowsAndFilters(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	to := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "entry_id", "kind", "title", "snippet", "severity", "access_tags", "score"}).
		AddRow("E2", "E2", "entry", "Redis connection timeout", "timeout after failover", "high", []byte(`["infra"]`), 0.75).
		AddRow("S3", "E3", "solution", nil, nil, nil, []byte(`[]`), 0.60)
	mock.ExpectQuery("FROM kb_search_documents d, websearch_to_tsquery").
		WithArgs("redis timeout", []byte(`["high"]`), []byte(`[]`), sql.NullTime{}, sql.NullTime{Time: to, Valid: true}, 5).
		WillReturnRows(rows)

	got, err := NewLexicalIndex(db, nil).Search(context.Background(), "redis timeout", 5, domain.Filters{
		Severities: []string{"high"},
		To:         &to,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].ID != "E2" || got[0].RawScore != 0.75 || len(got[0].AccessTags) != 1 || got[0].Severity != "high" {
		t.Fatalf("unexpected first hit: %+v", got[0])
	}
	if got[1].Kind != domain.KindSolution || got[1].EntryID != "E3" || got[1].Title != "" {
		t.Fatalf("unexpected second hit: %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLexicalSearchPropagatesQueryError(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("FROM kb_search_documents").WillReturnError(errors.New("connection reset"))

	if _, err := NewLexicalIndex(db, nil).Search(context.Background(), "redis", 5, domain.Filters{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLexicalSearchRetriesConnectionFailure(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("FROM kb_search_documents").WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	mock.ExpectQuery("FROM kb_search_documents").WillReturnRows(
		sqlmock.NewRows([]string{"id", "entry_id", "kind", "title", "snippet", "severity", "access_tags", "score"}).
			AddRow("E1", "E1", "entry", "Disk full", "", "low", []byte(`[]`), 0.5),
	)

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	got, err := NewLexicalIndex(db, exec).Search(context.Background(), "disk", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "E1" {
		t.Fatalf("unexpected hits: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLexicalSearchDoesNotRetrySyntaxError(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("FROM kb_search_documents").WillReturnError(&pgconn.PgError{Code: "42601", Message: "syntax error"})

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	_, err := NewLexicalIndex(db, exec).Search(context.Background(), "disk", 5, domain.Filters{})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent syntax error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClassifyPostgresError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want resilience.ErrorClassification
	}{
		"bad conn":      {err: driver.ErrBadConn, want: resilience.Transient},
		"conn failure":  {err: &pgconn.PgError{Code: "08006"}, want: resilience.Transient},
		"serialization": {err: &pgconn.PgError{Code: "40001"}, want: resilience.Transient},
		"canceled":      {err: &pgconn.PgError{Code: "57014"}, want: resilience.Ignored},
		"undefined col": {err: &pgconn.PgError{Code: "42703"}, want: resilience.Permanent},
		"caller gone":   {err: context.Canceled, want: resilience.Ignored},
		"malformed":     {err: domain.WrapError(domain.ErrMalformedResponse, "decode", errors.New("bad json")), want: resilience.Permanent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := classifyPostgresError(tc.err); got != tc.want {
				t.Fatalf("classifyPostgresError() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestAccessTagsUnknownReference(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT access_tags").
		WithArgs("E404").
		WillReturnError(sql.ErrNoRows)

	_, err := NewAccessTagStore(db).AccessTags(context.Background(), "E404")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAccessTagsDecodesJSON(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectQuery("SELECT access_tags").
		WithArgs("E3").
		WillReturnRows(sqlmock.NewRows([]string{"access_tags"}).AddRow([]byte(`["security","infra"]`)))

	tags, err := NewAccessTagStore(db).AccessTags(context.Background(), "E3")
	if err != nil {
		t.Fatalf("AccessTags() error = %v", err)
	}
	if len(tags) != 2 || tags[0] != "security" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestSessionLedgerAppendIsIdempotentInsert(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session := domain.Session{
		ID:        "s-1",
		StartedAt: started,
		EndedAt:   started.Add(2 * time.Second),
		Status:    domain.StatusOK,
		Query:     domain.QueryRecord{CallerID: "oncall-7"},
		Usage:     domain.UsageRecord{PromptTokens: 400, CompletionTokens: 100, TotalTokens: 500, CostUSD: 0.35},
	}

	mock.ExpectExec("INSERT INTO kedb_sessions").
		WithArgs("s-1", "oncall-7", "ok", "", false, 400, 100, 500, false, 0.35,
			started, started.Add(2*time.Second), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewSessionLedger(db).Append(context.Background(), session); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSessionLedgerGet(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	record, _ := json.Marshal(domain.Session{ID: "s-1", Status: domain.StatusDegraded, EvidenceIDs: []string{"E1"}})
	mock.ExpectQuery("SELECT record").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(record))
	mock.ExpectQuery("SELECT record").
		WithArgs("s-2").
		WillReturnError(sql.ErrNoRows)

	ledger := NewSessionLedger(db)
	session, err := ledger.Get(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.Status != domain.StatusDegraded || len(session.EvidenceIDs) != 1 {
		t.Fatalf("unexpected session: %+v", session)
	}
	if _, err := ledger.Get(context.Background(), "s-2"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kedb_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
