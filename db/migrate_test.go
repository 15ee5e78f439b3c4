package db

import (
	"context"
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h/db?sslmode=disable": "pgx5://u:p@h/db?sslmode=disable",
		"postgresql://h/db":                   "pgx5://h/db",
		"pgx5://h/db":                         "pgx5://h/db",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrationsSQLOrderedAndComplete(t *testing.T) {
	sql, err := MigrationsSQL()
	if err != nil {
		t.Fatalf("MigrationsSQL: %v", err)
	}
	tables := []string{
		"slices", "escrow_payments", "slice_events", "outbox", "user_wallets",
		"wallet_entries", "arbitration_records", "precedents", "community_signals",
		"dividend_runs", "community_rewards",
	}
	for _, tbl := range tables {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+tbl+" (") {
			t.Fatalf("missing table %s", tbl)
		}
	}
	if strings.Index(sql, "TABLE IF NOT EXISTS slices") > strings.Index(sql, "TABLE IF NOT EXISTS arbitration_records") {
		t.Fatalf("migrations applied out of order")
	}
	if strings.Contains(sql, "DROP TABLE") {
		t.Fatalf("down migrations leaked into up script")
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", 0); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
