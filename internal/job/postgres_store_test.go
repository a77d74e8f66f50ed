package job

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pixstudio/genledger/internal/ledger"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, ledger.NewPostgresStore(db)), mock
}

func TestPostgresMarkPolled(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs("job_1").
		WillReturnRows(sqlmock.NewRows([]string{"poll_attempts"}).AddRow(3))

	attempts, err := store.MarkPolled(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("mark polled failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresMarkPolledNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.MarkPolled(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM jobs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresCountActiveExcludesTerminal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("state NOT IN ('succeeded', 'failed', 'refunded')")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := store.CountActive(context.Background(), 7)
	if err != nil {
		t.Fatalf("count active failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active jobs, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
