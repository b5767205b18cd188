package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b > ?"
	if got := DialectSQLite.Rebind(q); got != q {
		t.Fatalf("sqlite must keep placeholders, got %q", got)
	}
	if got, want := DialectPostgres.Rebind(q), "SELECT * FROM t WHERE a = $1 AND b > $2"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/contentrepo/events.db": "/var/lib/contentrepo/events.db",
		"file://data/events.db":                   "data/events.db",
	}
	for dsn, want := range cases {
		got, err := SQLitePath(dsn)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("SQLitePath(%q) = %q, want %q", dsn, got, want)
		}
	}
	if _, err := SQLitePath("postgres://localhost/cr"); !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("expected unsupported dsn, got %v", err)
	}
}

func TestOpenSQLiteAndTransactionContext(t *testing.T) {
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "nested", "repo.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if db.Dialect != DialectSQLite {
		t.Fatalf("dialect = %s", db.Dialect)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatal(err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	txCtx := WithTx(ctx, tx)
	if _, ok := TxFromContext(txCtx); !ok {
		t.Fatal("transaction not carried by context")
	}
	if _, err := ExecutorFor(txCtx, db.DB).ExecContext(txCtx, `INSERT INTO t (v) VALUES (1)`); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := ExecutorFor(ctx, db.DB).QueryRowContext(ctx, `SELECT count(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rolled back insert is visible: %d rows", n)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/cr"); !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("expected unsupported dsn, got %v", err)
	}
}
