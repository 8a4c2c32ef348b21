package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	txByRef      map[string]string // payment reference → transaction ID
	holds        map[string]*Hold
	refunds      map[string]*Refund // keyed by transaction ID
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		txByRef:      make(map[string]string),
		holds:        make(map[string]*Hold),
		refunds:      make(map[string]*Refund),
	}
}

func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	return &cp
}

func copyHold(h *Hold) *Hold {
	cp := *h
	return &cp
}

// copyRefund deep-copies the events slice so appends on the copy cannot
// mutate the stored record.
func copyRefund(r *Refund) *Refund {
	cp := *r
	if r.Events != nil {
		cp.Events = make([]RefundEvent, len(r.Events))
		copy(cp.Events, r.Events)
	}
	return &cp
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions[tx.ID] = copyTransaction(tx)
	if tx.PaymentReference != "" {
		m.txByRef[tx.PaymentReference] = tx.ID
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txByRef[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(m.transactions[id]), nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.transactions[tx.ID] = copyTransaction(tx)
	if tx.PaymentReference != "" {
		m.txByRef[tx.PaymentReference] = tx.ID
	}
	return nil
}

func (m *MemoryStore) ListTransactionsBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.SellerID == sellerID {
			out = append(out, copyTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateHold(ctx context.Context, hold *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holds[hold.ID] = copyHold(hold)
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hold, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return copyHold(hold), nil
}

func (m *MemoryStore) GetHoldByTransferReference(ctx context.Context, reference string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, hold := range m.holds {
		if hold.TransferReference == reference {
			return copyHold(hold), nil
		}
	}
	return nil, ErrHoldNotFound
}

func (m *MemoryStore) UpdateHold(ctx context.Context, hold *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[hold.ID]; !ok {
		return ErrHoldNotFound
	}
	m.holds[hold.ID] = copyHold(hold)
	return nil
}

func (m *MemoryStore) ListHoldsByTransaction(ctx context.Context, transactionID string) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, hold := range m.holds {
		if hold.TransactionID == transactionID {
			out = append(out, copyHold(hold))
		}
	}
	// Original hold first, split children after.
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ParentHoldID == "") != (out[j].ParentHoldID == "") {
			return out[i].ParentHoldID == ""
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListHoldsBySeller(ctx context.Context, sellerID string, status HoldStatus, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, hold := range m.holds {
		if hold.SellerID != sellerID {
			continue
		}
		if status != "" && hold.Status != status {
			continue
		}
		out = append(out, copyHold(hold))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) HoldTotals(ctx context.Context) (*HoldTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := &HoldTotals{}
	for _, hold := range m.holds {
		if hold.Status == HoldHeld {
			totals.SumHeld += hold.Amount
		}
		if hold.Status != HoldRefunded {
			totals.SumNonRefunded += hold.Amount
		}
	}
	return totals, nil
}

func (m *MemoryStore) CreateRefund(ctx context.Context, refund *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refunds[refund.TransactionID] = copyRefund(refund)
	return nil
}

func (m *MemoryStore) GetRefundByTransaction(ctx context.Context, transactionID string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refund, ok := m.refunds[transactionID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return copyRefund(refund), nil
}

func (m *MemoryStore) UpdateRefund(ctx context.Context, refund *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[refund.TransactionID]; !ok {
		return ErrRefundNotFound
	}
	m.refunds[refund.TransactionID] = copyRefund(refund)
	return nil
}
