package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore is a Postgres-backed escrow store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an escrow store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, link_id, seller_id, buyer_email, buyer_phone, amount, currency,
	payment_method, payment_reference, status, created_at, updated_at`

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.LinkID, tx.SellerID, tx.BuyerEmail, tx.BuyerPhone, tx.Amount, tx.Currency,
		tx.PaymentMethod, tx.PaymentReference, tx.Status, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_reference = $1`, reference)
	return scanTransaction(row)
}

func (p *PostgresStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, payment_method = $3, payment_reference = $4, updated_at = $5
		WHERE id = $1`,
		tx.ID, tx.Status, tx.PaymentMethod, tx.PaymentReference, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return requireRow(res, ErrTransactionNotFound)
}

func (p *PostgresStore) ListTransactionsBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const holdColumns = `id, transaction_id, seller_id, amount, currency, status, parent_hold_id,
	transfer_reference, released_at, refunded_at, created_at, updated_at`

func (p *PostgresStore) CreateHold(ctx context.Context, hold *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		hold.ID, hold.TransactionID, hold.SellerID, hold.Amount, hold.Currency, hold.Status,
		nullString(hold.ParentHoldID), nullString(hold.TransferReference),
		hold.ReleasedAt, hold.RefundedAt, hold.CreatedAt, hold.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
	return scanHold(row)
}

func (p *PostgresStore) GetHoldByTransferReference(ctx context.Context, reference string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE transfer_reference = $1`, reference)
	return scanHold(row)
}

func (p *PostgresStore) UpdateHold(ctx context.Context, hold *Hold) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_holds
		SET amount = $2, status = $3, transfer_reference = $4,
			released_at = $5, refunded_at = $6, updated_at = $7
		WHERE id = $1`,
		hold.ID, hold.Amount, hold.Status, nullString(hold.TransferReference),
		hold.ReleasedAt, hold.RefundedAt, hold.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow hold: %w", err)
	}
	return requireRow(res, ErrHoldNotFound)
}

func (p *PostgresStore) ListHoldsByTransaction(ctx context.Context, transactionID string) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE transaction_id = $1
		ORDER BY (parent_hold_id IS NOT NULL), created_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func (p *PostgresStore) ListHoldsBySeller(ctx context.Context, sellerID string, status HoldStatus, limit int) ([]*Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE seller_id = $1`
	args := []any{sellerID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func (p *PostgresStore) HoldTotals(ctx context.Context) (*HoldTotals, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'held'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status <> 'refunded'), 0)
		FROM escrow_holds`)
	totals := &HoldTotals{}
	if err := row.Scan(&totals.SumHeld, &totals.SumNonRefunded); err != nil {
		return nil, fmt.Errorf("failed to sum holds: %w", err)
	}
	return totals, nil
}

func (p *PostgresStore) CreateRefund(ctx context.Context, refund *Refund) error {
	events, err := json.Marshal(refund.Events)
	if err != nil {
		return fmt.Errorf("failed to encode refund events: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO refunds
			(id, transaction_id, hold_id, amount, status, reason, gateway_ref, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		refund.ID, refund.TransactionID, nullString(refund.HoldID), refund.Amount,
		refund.Status, refund.Reason, nullString(refund.GatewayRef), events,
		refund.CreatedAt, refund.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRefundByTransaction(ctx context.Context, transactionID string) (*Refund, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, hold_id, amount, status, reason, gateway_ref, events, created_at, updated_at
		FROM refunds
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, transactionID)

	var refund Refund
	var holdID, gatewayRef sql.NullString
	var events []byte
	err := row.Scan(&refund.ID, &refund.TransactionID, &holdID, &refund.Amount,
		&refund.Status, &refund.Reason, &gatewayRef, &events,
		&refund.CreatedAt, &refund.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan refund: %w", err)
	}
	refund.HoldID = holdID.String
	refund.GatewayRef = gatewayRef.String
	if len(events) > 0 {
		if err := json.Unmarshal(events, &refund.Events); err != nil {
			return nil, fmt.Errorf("failed to decode refund events: %w", err)
		}
	}
	return &refund, nil
}

func (p *PostgresStore) UpdateRefund(ctx context.Context, refund *Refund) error {
	events, err := json.Marshal(refund.Events)
	if err != nil {
		return fmt.Errorf("failed to encode refund events: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE refunds
		SET status = $2, gateway_ref = $3, events = $4, updated_at = $5
		WHERE id = $1`,
		refund.ID, refund.Status, nullString(refund.GatewayRef), events, refund.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update refund: %w", err)
	}
	return requireRow(res, ErrRefundNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var phone, method sql.NullString
	err := row.Scan(&tx.ID, &tx.LinkID, &tx.SellerID, &tx.BuyerEmail, &phone,
		&tx.Amount, &tx.Currency, &method, &tx.PaymentReference, &tx.Status,
		&tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.BuyerPhone = phone.String
	tx.PaymentMethod = method.String
	return &tx, nil
}

func scanHold(row rowScanner) (*Hold, error) {
	var hold Hold
	var parent, transferRef sql.NullString
	var releasedAt, refundedAt sql.NullTime
	err := row.Scan(&hold.ID, &hold.TransactionID, &hold.SellerID, &hold.Amount,
		&hold.Currency, &hold.Status, &parent, &transferRef,
		&releasedAt, &refundedAt, &hold.CreatedAt, &hold.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow hold: %w", err)
	}
	hold.ParentHoldID = parent.String
	hold.TransferReference = transferRef.String
	if releasedAt.Valid {
		hold.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		hold.RefundedAt = &refundedAt.Time
	}
	return &hold, nil
}

func collectHolds(rows *sql.Rows) ([]*Hold, error) {
	var out []*Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hold)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
