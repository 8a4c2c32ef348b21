package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/lipalink/lipalink/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance mutations are single-statement UPDATEs so the read-modify-write
// happens inside the database, and the CHECK constraints on the balance
// columns reject any mutation that would drive a bucket negative.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a seller's balance.
func (p *PostgresStore) GetBalance(ctx context.Context, sellerID string) (*Balance, error) {
	bal := &Balance{SellerID: sellerID}

	err := p.db.QueryRowContext(ctx, `
		SELECT pending_escrow, available, total_paid_out, updated_at
		FROM seller_balances WHERE seller_id = $1
	`, sellerID).Scan(&bal.PendingEscrow, &bal.Available, &bal.TotalPaidOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{SellerID: sellerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// AddPending credits pending_escrow, creating the balance row on first use.
func (p *PostgresStore) AddPending(ctx context.Context, sellerID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seller_balances (seller_id, pending_escrow, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (seller_id) DO UPDATE SET
			pending_escrow = seller_balances.pending_escrow + $2,
			updated_at     = NOW()
	`, sellerID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := p.record(ctx, tx, sellerID, "escrow_hold", amount, reference, "escrow_locked"); err != nil {
		return err
	}
	return tx.Commit()
}

// RemovePending debits pending_escrow. The CHECK constraint rejects
// a debit past zero.
func (p *PostgresStore) RemovePending(ctx context.Context, sellerID string, amount int64, reference string) error {
	return p.mutate(ctx, sellerID, "escrow_refund", amount, reference, "escrow_refunded_to_buyer", `
		UPDATE seller_balances SET
			pending_escrow = pending_escrow - $2,
			updated_at     = NOW()
		WHERE seller_id = $1
	`)
}

// MovePendingToAvailable settles a released hold in one atomic statement.
func (p *PostgresStore) MovePendingToAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	return p.mutate(ctx, sellerID, "escrow_release", amount, reference, "escrow_released", `
		UPDATE seller_balances SET
			pending_escrow = pending_escrow - $2,
			available      = available      + $2,
			updated_at     = NOW()
		WHERE seller_id = $1
	`)
}

// ReserveAvailable debits available ahead of an outbound transfer.
func (p *PostgresStore) ReserveAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	return p.mutate(ctx, sellerID, "payout_reserve", amount, reference, "payout_reserved", `
		UPDATE seller_balances SET
			available  = available - $2,
			updated_at = NOW()
		WHERE seller_id = $1
	`)
}

// RestoreAvailable reverses a reserve after a failed transfer.
func (p *PostgresStore) RestoreAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	return p.mutate(ctx, sellerID, "payout_restore", amount, reference, "payout_reserve_restored", `
		UPDATE seller_balances SET
			available  = available + $2,
			updated_at = NOW()
		WHERE seller_id = $1
	`)
}

// ConfirmPaidOut credits lifetime payouts once the transfer is confirmed.
func (p *PostgresStore) ConfirmPaidOut(ctx context.Context, sellerID string, amount int64, reference string) error {
	return p.mutate(ctx, sellerID, "payout_confirm", amount, reference, "payout_confirmed", `
		UPDATE seller_balances SET
			total_paid_out = total_paid_out + $2,
			updated_at     = NOW()
		WHERE seller_id = $1
	`)
}

// History retrieves audit entries for a seller.
func (p *PostgresStore) History(ctx context.Context, sellerID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seller_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.SellerID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumAllBalances returns platform-wide bucket totals.
func (p *PostgresStore) SumAllBalances(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pending_escrow), 0),
		       COALESCE(SUM(available), 0),
		       COALESCE(SUM(total_paid_out), 0)
		FROM seller_balances
	`).Scan(&t.PendingEscrow, &t.Available, &t.TotalPaidOut)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// mutate runs a single-statement balance update plus its audit entry in a
// serializable transaction. A debit past zero trips a CHECK constraint and
// comes back as ErrInsufficientFunds, matching the memory store.
func (p *PostgresStore) mutate(ctx context.Context, sellerID, entryType string, amount int64, reference, description, query string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, sellerID, amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSellerNotFound
	}

	if err := p.record(ctx, tx, sellerID, entryType, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// isCheckViolation reports whether err is a PostgreSQL check_violation
// (SQLSTATE 23514), raised when a balance column would go negative.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func (p *PostgresStore) record(ctx context.Context, tx *sql.Tx, sellerID, entryType string, amount int64, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, seller_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("le_"), sellerID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
