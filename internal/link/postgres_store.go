package link

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists links in the payment_links table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed link store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const linkColumns = `id, seller_id, title, description, amount, currency, status, transaction_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Link) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.SellerID, l.Title, nullString(l.Description), l.Amount, l.Currency,
		string(l.Status), nullString(l.TransactionID), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Link, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM payment_links WHERE id = $1`, id)
	return scanLink(row)
}

func (p *PostgresStore) Update(ctx context.Context, l *Link) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_links
		SET status = $2, transaction_id = $3, updated_at = $4
		WHERE id = $1`,
		l.ID, string(l.Status), nullString(l.TransactionID), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Link, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM payment_links
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*Link, error) {
	var l Link
	var status string
	var description, transactionID sql.NullString
	err := row.Scan(
		&l.ID, &l.SellerID, &l.Title, &description, &l.Amount, &l.Currency,
		&status, &transactionID, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}
	l.Status = Status(status)
	l.Description = description.String
	l.TransactionID = transactionID.String
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
