package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, sellerID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[sellerID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{SellerID: sellerID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) AddPending(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.upsert(sellerID)
	bal.PendingEscrow += amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "escrow_hold", amount, reference, "escrow_locked")
	return nil
}

func (m *MemoryStore) RemovePending(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[sellerID]
	if !ok {
		return ErrSellerNotFound
	}
	if bal.PendingEscrow < amount {
		return ErrInsufficientFunds
	}
	bal.PendingEscrow -= amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "escrow_refund", amount, reference, "escrow_refunded_to_buyer")
	return nil
}

func (m *MemoryStore) MovePendingToAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[sellerID]
	if !ok {
		return ErrSellerNotFound
	}
	if bal.PendingEscrow < amount {
		return ErrInsufficientFunds
	}
	bal.PendingEscrow -= amount
	bal.Available += amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "escrow_release", amount, reference, "escrow_released")
	return nil
}

func (m *MemoryStore) ReserveAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[sellerID]
	if !ok {
		return ErrSellerNotFound
	}
	if bal.Available < amount {
		return ErrInsufficientFunds
	}
	bal.Available -= amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "payout_reserve", amount, reference, "payout_reserved")
	return nil
}

func (m *MemoryStore) RestoreAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[sellerID]
	if !ok {
		return ErrSellerNotFound
	}
	bal.Available += amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "payout_restore", amount, reference, "payout_reserve_restored")
	return nil
}

func (m *MemoryStore) ConfirmPaidOut(ctx context.Context, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[sellerID]
	if !ok {
		return ErrSellerNotFound
	}
	bal.TotalPaidOut += amount
	bal.UpdatedAt = time.Now()

	m.record(sellerID, "payout_confirm", amount, reference, "payout_confirmed")
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sellerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].SellerID == sellerID {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) SumAllBalances(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{}
	for _, bal := range m.balances {
		t.PendingEscrow += bal.PendingEscrow
		t.Available += bal.Available
		t.TotalPaidOut += bal.TotalPaidOut
	}
	return t, nil
}

// upsert must be called with the write lock held.
func (m *MemoryStore) upsert(sellerID string) *Balance {
	bal, ok := m.balances[sellerID]
	if !ok {
		bal = &Balance{SellerID: sellerID}
		m.balances[sellerID] = bal
	}
	return bal
}

// record must be called with the write lock held.
func (m *MemoryStore) record(sellerID, entryType string, amount int64, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		SellerID:    sellerID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
