package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is a Postgres-backed payout store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payout store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, seller_id, hold_id, amount, currency, status, transfer_reference,
	transfer_code, retry_count, parent_payout_id, failure_reason, created_at, updated_at`

func (p *PostgresStore) CreatePayout(ctx context.Context, payout *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		payout.ID, payout.SellerID, payout.HoldID, payout.Amount, payout.Currency,
		payout.Status, payout.TransferReference, nullString(payout.TransferCode),
		payout.RetryCount, nullString(payout.ParentPayoutID), nullString(payout.FailureReason),
		payout.CreatedAt, payout.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayout(ctx context.Context, id string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	return scanPayout(row)
}

func (p *PostgresStore) GetPayoutByReference(ctx context.Context, reference string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE transfer_reference = $1`, reference)
	return scanPayout(row)
}

func (p *PostgresStore) UpdatePayout(ctx context.Context, payout *Payout) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = $2, transfer_code = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1`,
		payout.ID, payout.Status, nullString(payout.TransferCode),
		nullString(payout.FailureReason), payout.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (p *PostgresStore) ListPayoutsBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func (p *PostgresStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts po
		WHERE po.status = 'FAILED'
		  AND po.retry_count < $1
		  AND NOT EXISTS (
			SELECT 1 FROM payouts child WHERE child.parent_payout_id = po.id
		  )
		ORDER BY po.created_at ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable payouts: %w", err)
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func (p *PostgresStore) SumPendingAmount(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE status = 'PENDING'`).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending payouts: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) GetSettings(ctx context.Context, sellerID string) (*Settings, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT seller_id, recipient_type, account_name, account_number, bank_code,
			recipient_code, verified, created_at, updated_at
		FROM payout_settings
		WHERE seller_id = $1`, sellerID)

	var s Settings
	err := row.Scan(&s.SellerID, &s.RecipientType, &s.AccountName, &s.AccountNumber,
		&s.BankCode, &s.RecipientCode, &s.Verified, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout settings: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) UpsertSettings(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_settings
			(seller_id, recipient_type, account_name, account_number, bank_code, recipient_code, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (seller_id) DO UPDATE SET
			recipient_type = EXCLUDED.recipient_type,
			account_name   = EXCLUDED.account_name,
			account_number = EXCLUDED.account_number,
			bank_code      = EXCLUDED.bank_code,
			recipient_code = EXCLUDED.recipient_code,
			verified       = EXCLUDED.verified,
			updated_at     = EXCLUDED.updated_at`,
		s.SellerID, s.RecipientType, s.AccountName, s.AccountNumber, s.BankCode,
		s.RecipientCode, s.Verified, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payout settings: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row rowScanner) (*Payout, error) {
	var payout Payout
	var transferCode, parentID, failureReason sql.NullString
	err := row.Scan(&payout.ID, &payout.SellerID, &payout.HoldID, &payout.Amount,
		&payout.Currency, &payout.Status, &payout.TransferReference,
		&transferCode, &payout.RetryCount, &parentID, &failureReason,
		&payout.CreatedAt, &payout.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout: %w", err)
	}
	payout.TransferCode = transferCode.String
	payout.ParentPayoutID = parentID.String
	payout.FailureReason = failureReason.String
	return &payout, nil
}

func collectPayouts(rows *sql.Rows) ([]*Payout, error) {
	var out []*Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, payout)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
