package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a proof store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, proof *Proof) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_proofs
			(transaction_id, courier, tracking_ref, dispatched_at, confirmed, confirmed_at, auto_confirmed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		proof.TransactionID, proof.Courier, proof.TrackingRef, proof.DispatchedAt,
		proof.Confirmed, proof.ConfirmedAt, proof.AutoConfirmed, proof.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch proof: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, transactionID string) (*Proof, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, courier, tracking_ref, dispatched_at, confirmed, confirmed_at, auto_confirmed, updated_at
		FROM delivery_proofs
		WHERE transaction_id = $1`, transactionID)
	return scanProof(row)
}

func (p *PostgresStore) Update(ctx context.Context, proof *Proof) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE delivery_proofs
		SET courier = $2, tracking_ref = $3, confirmed = $4, confirmed_at = $5,
			auto_confirmed = $6, updated_at = $7
		WHERE transaction_id = $1`,
		proof.TransactionID, proof.Courier, proof.TrackingRef,
		proof.Confirmed, proof.ConfirmedAt, proof.AutoConfirmed, proof.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispatch proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProofNotFound
	}
	return nil
}

func (p *PostgresStore) ListUnconfirmedDispatchedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Proof, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, courier, tracking_ref, dispatched_at, confirmed, confirmed_at, auto_confirmed, updated_at
		FROM delivery_proofs
		WHERE confirmed = FALSE AND dispatched_at < $1
		ORDER BY dispatched_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale dispatch proofs: %w", err)
	}
	defer rows.Close()

	var out []*Proof
	for rows.Next() {
		proof, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, proof)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (*Proof, error) {
	var proof Proof
	var confirmedAt sql.NullTime
	err := row.Scan(
		&proof.TransactionID, &proof.Courier, &proof.TrackingRef, &proof.DispatchedAt,
		&proof.Confirmed, &confirmedAt, &proof.AutoConfirmed, &proof.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispatch proof: %w", err)
	}
	if confirmedAt.Valid {
		proof.ConfirmedAt = &confirmedAt.Time
	}
	return &proof, nil
}
