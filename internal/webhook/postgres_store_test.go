//go:build integration

package webhook

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupSubscriptionDB(t *testing.T) (*PostgresSubscriptionStore, func()) {
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

	// Mirrors migrations/002_create_webhook_subscriptions.sql
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id           TEXT PRIMARY KEY,
			seller_id    TEXT NOT NULL,
			url          TEXT NOT NULL,
			secret       TEXT NOT NULL DEFAULT '',
			events       TEXT[] NOT NULL DEFAULT '{}',
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL,
			last_success TIMESTAMPTZ,
			last_error   TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM webhook_subscriptions")
		db.Close()
	}
	return NewPostgresSubscriptionStore(db), cleanup
}

func TestPostgres_SubscriptionRoundTrip(t *testing.T) {
	store, cleanup := setupSubscriptionDB(t)
	defer cleanup()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "whs_test_1",
		SellerID:  "seller_1",
		URL:       "https://shop.example.com/hooks",
		Secret:    "whsec_abc",
		Events:    []string{"escrow.released", "payout.completed"},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != sub.URL || got.Secret != sub.Secret || !got.Active {
		t.Errorf("got %+v, want %+v", got, sub)
	}
	if len(got.Events) != 2 || got.Events[0] != "escrow.released" {
		t.Errorf("events = %v", got.Events)
	}
	if got.LastSuccess != nil {
		t.Errorf("last success = %v, want nil before any delivery", got.LastSuccess)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.LastError = ""
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("last success = %v, want %v", got.LastSuccess, now)
	}
}

func TestPostgres_SubscriptionListing(t *testing.T) {
	store, cleanup := setupSubscriptionDB(t)
	defer cleanup()
	ctx := context.Background()

	subs := []*Subscription{
		{ID: "whs_a", SellerID: "seller_1", URL: "https://a.example.com/h", Active: true, CreatedAt: time.Now()},
		{ID: "whs_b", SellerID: "seller_1", URL: "https://b.example.com/h", Active: false, CreatedAt: time.Now()},
		{ID: "whs_c", SellerID: "seller_2", URL: "https://c.example.com/h", Active: true, CreatedAt: time.Now()},
	}
	for _, sub := range subs {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create %s: %v", sub.ID, err)
		}
	}

	bySeller, err := store.ListBySeller(ctx, "seller_1")
	if err != nil {
		t.Fatalf("ListBySeller: %v", err)
	}
	if len(bySeller) != 2 {
		t.Errorf("seller_1 subscriptions = %d, want 2", len(bySeller))
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active subscriptions = %d, want 2", len(active))
	}
	for _, sub := range active {
		if !sub.Active {
			t.Errorf("inactive subscription %s in active list", sub.ID)
		}
	}

	if err := store.Delete(ctx, "whs_a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "whs_a"); err == nil {
		t.Error("Get after Delete should fail")
	}
}
