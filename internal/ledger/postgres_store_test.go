//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	// Mirrors migrations/001_create_core_tables.sql
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seller_balances (
			seller_id       VARCHAR(64) PRIMARY KEY,
			pending_escrow  BIGINT NOT NULL DEFAULT 0,
			available       BIGINT NOT NULL DEFAULT 0,
			total_paid_out  BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_pending_nonneg   CHECK (pending_escrow >= 0),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_paid_out_nonneg  CHECK (total_paid_out >= 0)
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			seller_id   VARCHAR(64) NOT NULL,
			type        VARCHAR(24) NOT NULL,
			amount      BIGINT NOT NULL,
			reference   VARCHAR(255),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM ledger_entries")
		db.ExecContext(ctx, "DELETE FROM seller_balances")
		db.Close()
	}

	return NewPostgresStore(db), db, cleanup
}

func TestPostgres_AddAndMovePending(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.AddPending(ctx, "sel_pg1", 100000, "hold_1"); err != nil {
		t.Fatalf("AddPending failed: %v", err)
	}
	if err := store.MovePendingToAvailable(ctx, "sel_pg1", 100000, "hold_1"); err != nil {
		t.Fatalf("MovePendingToAvailable failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "sel_pg1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.PendingEscrow != 0 || bal.Available != 100000 {
		t.Errorf("unexpected balance: %+v", bal)
	}
}

func TestPostgres_CheckConstraintBlocksOverdraft(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.AddPending(ctx, "sel_pg2", 500, "hold_1")

	// Moving more than pending must be rejected by the CHECK constraint
	// and surface as the same sentinel the memory store returns.
	err := store.MovePendingToAvailable(ctx, "sel_pg2", 1000, "hold_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := store.GetBalance(ctx, "sel_pg2")
	if bal.PendingEscrow != 500 || bal.Available != 0 {
		t.Errorf("balance mutated despite failed move: %+v", bal)
	}

	// Reserving more than available follows the same path.
	_ = store.MovePendingToAvailable(ctx, "sel_pg2", 500, "hold_1")
	if err := store.ReserveAvailable(ctx, "sel_pg2", 600, "po_1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("ReserveAvailable overdraft: expected ErrInsufficientFunds, got %v", err)
	}
	if err := store.RemovePending(ctx, "sel_pg2", 1, "rf_1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("RemovePending overdraft: expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPostgres_UnknownSeller(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	err := store.ReserveAvailable(context.Background(), "sel_ghost", 100, "po_1")
	if !errors.Is(err, ErrSellerNotFound) {
		t.Errorf("expected ErrSellerNotFound, got %v", err)
	}
}

func TestPostgres_HistoryAndTotals(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.AddPending(ctx, "sel_pg3", 1000, "h1")
	_ = store.AddPending(ctx, "sel_pg4", 2000, "h2")

	entries, err := store.History(ctx, "sel_pg3", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "escrow_hold" {
		t.Errorf("unexpected history: %+v", entries)
	}

	totals, err := store.SumAllBalances(ctx)
	if err != nil {
		t.Fatalf("SumAllBalances failed: %v", err)
	}
	if totals.PendingEscrow != 3000 {
		t.Errorf("PendingEscrow total = %d, want 3000", totals.PendingEscrow)
	}
}
