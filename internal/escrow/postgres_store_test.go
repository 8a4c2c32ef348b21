//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
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

	// Mirrors migrations/001_core.sql
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id                VARCHAR(36) PRIMARY KEY,
			link_id           VARCHAR(36) NOT NULL,
			seller_id         VARCHAR(64) NOT NULL,
			buyer_email       VARCHAR(255) NOT NULL,
			buyer_phone       VARCHAR(32),
			amount            BIGINT NOT NULL,
			currency          VARCHAR(8) NOT NULL,
			payment_method    VARCHAR(32),
			payment_reference VARCHAR(255) NOT NULL UNIQUE,
			status            VARCHAR(16) NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS escrow_holds (
			id                 VARCHAR(36) PRIMARY KEY,
			transaction_id     VARCHAR(36) NOT NULL,
			seller_id          VARCHAR(64) NOT NULL,
			amount             BIGINT NOT NULL CHECK (amount > 0),
			currency           VARCHAR(8) NOT NULL,
			status             VARCHAR(20) NOT NULL,
			parent_hold_id     VARCHAR(36),
			transfer_reference VARCHAR(255),
			released_at        TIMESTAMPTZ,
			refunded_at        TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS refunds (
			id             VARCHAR(36) PRIMARY KEY,
			transaction_id VARCHAR(36) NOT NULL,
			hold_id        VARCHAR(36),
			amount         BIGINT NOT NULL,
			status         VARCHAR(16) NOT NULL,
			reason         TEXT NOT NULL,
			gateway_ref    VARCHAR(255),
			events         JSONB NOT NULL DEFAULT '[]',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM refunds")
		db.ExecContext(ctx, "DELETE FROM escrow_holds")
		db.ExecContext(ctx, "DELETE FROM transactions")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func seedTransaction(t *testing.T, store *PostgresStore, id, ref string, amount int64) *Transaction {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tx := &Transaction{
		ID:               id,
		LinkID:           "lnk_1",
		SellerID:         "seller_1",
		BuyerEmail:       "buyer@example.com",
		Amount:           amount,
		Currency:         "KES",
		PaymentReference: ref,
		Status:           TxPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	return tx
}

func TestPostgres_TransactionRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tx := seedTransaction(t, store, "txn_pg_1", "ref_pg_1", 100000)

	got, err := store.GetTransactionByReference(ctx, "ref_pg_1")
	if err != nil {
		t.Fatalf("GetTransactionByReference failed: %v", err)
	}
	if got.ID != tx.ID || got.Amount != 100000 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	got.Status = TxCompleted
	got.UpdatedAt = time.Now().UTC()
	if err := store.UpdateTransaction(ctx, got); err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}

	if _, err := store.GetTransaction(ctx, "txn_pg_missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgres_HoldLifecycleAndTotals(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedTransaction(t, store, "txn_pg_2", "ref_pg_2", 100000)
	now := time.Now().UTC().Truncate(time.Microsecond)
	hold := &Hold{
		ID:            "hold_pg_1",
		TransactionID: "txn_pg_2",
		SellerID:      "seller_1",
		Amount:        100000,
		Currency:      "KES",
		Status:        HoldHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateHold(ctx, hold); err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}

	totals, err := store.HoldTotals(ctx)
	if err != nil {
		t.Fatalf("HoldTotals failed: %v", err)
	}
	if totals.SumHeld != 100000 || totals.SumNonRefunded != 100000 {
		t.Errorf("totals = %+v, want 100000/100000", totals)
	}

	hold.Status = HoldReleased
	released := time.Now().UTC()
	hold.ReleasedAt = &released
	hold.TransferReference = "po_pg_1"
	hold.UpdatedAt = released
	if err := store.UpdateHold(ctx, hold); err != nil {
		t.Fatalf("UpdateHold failed: %v", err)
	}

	byRef, err := store.GetHoldByTransferReference(ctx, "po_pg_1")
	if err != nil {
		t.Fatalf("GetHoldByTransferReference failed: %v", err)
	}
	if byRef.ID != hold.ID || byRef.ReleasedAt == nil {
		t.Errorf("lookup by transfer reference wrong: %+v", byRef)
	}

	totals, _ = store.HoldTotals(ctx)
	if totals.SumHeld != 0 || totals.SumNonRefunded != 100000 {
		t.Errorf("totals after release = %+v, want 0/100000", totals)
	}

	holds, err := store.ListHoldsByTransaction(ctx, "txn_pg_2")
	if err != nil {
		t.Fatalf("ListHoldsByTransaction failed: %v", err)
	}
	if len(holds) != 1 {
		t.Fatalf("expected 1 hold, got %d", len(holds))
	}
}

func TestPostgres_RefundEventsRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedTransaction(t, store, "txn_pg_3", "ref_pg_3", 50000)
	now := time.Now().UTC().Truncate(time.Microsecond)
	refund := &Refund{
		ID:            "rfd_pg_1",
		TransactionID: "txn_pg_3",
		HoldID:        "hold_pg_2",
		Amount:        50000,
		Status:        RefundInitiated,
		Reason:        "damaged",
		Events:        []RefundEvent{{At: now, Event: "initiated", Detail: "damaged"}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateRefund(ctx, refund); err != nil {
		t.Fatalf("CreateRefund failed: %v", err)
	}

	got, err := store.GetRefundByTransaction(ctx, "txn_pg_3")
	if err != nil {
		t.Fatalf("GetRefundByTransaction failed: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].Event != "initiated" {
		t.Errorf("events round trip wrong: %+v", got.Events)
	}

	got.Status = RefundProcessed
	got.Events = append(got.Events, RefundEvent{At: time.Now().UTC(), Event: "processed"})
	got.UpdatedAt = time.Now().UTC()
	if err := store.UpdateRefund(ctx, got); err != nil {
		t.Fatalf("UpdateRefund failed: %v", err)
	}

	final, _ := store.GetRefundByTransaction(ctx, "txn_pg_3")
	if final.Status != RefundProcessed || len(final.Events) != 2 {
		t.Errorf("update not persisted: %+v", final)
	}
}
