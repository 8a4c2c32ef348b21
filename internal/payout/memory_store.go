package payout

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payouts  map[string]*Payout
	byRef    map[string]string // transfer reference → payout ID
	children map[string]string // parent payout ID → retry payout ID
	settings map[string]*Settings
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:  make(map[string]*Payout),
		byRef:    make(map[string]string),
		children: make(map[string]string),
		settings: make(map[string]*Settings),
	}
}

func copyPayout(p *Payout) *Payout {
	cp := *p
	return &cp
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payouts[p.ID] = copyPayout(p)
	m.byRef[p.TransferReference] = p.ID
	if p.ParentPayoutID != "" {
		m.children[p.ParentPayoutID] = p.ID
	}
	return nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (m *MemoryStore) GetPayoutByReference(ctx context.Context, reference string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return copyPayout(m.payouts[id]), nil
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	m.payouts[p.ID] = copyPayout(p)
	return nil
}

func (m *MemoryStore) ListPayoutsBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, p := range m.payouts {
		if p.SellerID == sellerID {
			out = append(out, copyPayout(p))
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

func (m *MemoryStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, p := range m.payouts {
		if p.Status != StatusFailed || p.RetryCount >= maxRetries {
			continue
		}
		if _, superseded := m.children[p.ID]; superseded {
			continue
		}
		out = append(out, copyPayout(p))
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SumPendingAmount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, p := range m.payouts {
		if p.Status == StatusPending {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) GetSettings(ctx context.Context, sellerID string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[sellerID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertSettings(ctx context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.settings[s.SellerID] = &cp
	return nil
}
