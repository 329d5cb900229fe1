package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeExecer struct {
	stmts  []string
	failOn int
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	if f.failOn > 0 && len(f.stmts) == f.failOn {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(db.stmts) != len(schema) {
		t.Fatalf("ran %d statements, want %d", len(db.stmts), len(schema))
	}
	if !strings.Contains(db.stmts[0], "CREATE TABLE IF NOT EXISTS order_events") {
		t.Errorf("first statement = %q", db.stmts[0])
	}
}

func TestEnsureSchema_StopsOnError(t *testing.T) {
	db := &fakeExecer{failOn: 1}
	if err := EnsureSchema(context.Background(), db); err == nil {
		t.Fatal("EnsureSchema() should fail")
	}
	if len(db.stmts) != 1 {
		t.Errorf("ran %d statements after failure, want 1", len(db.stmts))
	}
}
