package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	proofs map[string]*Proof // keyed by transaction ID
}

// NewMemoryStore creates an empty in-memory proof store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]*Proof)}
}

func (m *MemoryStore) Create(ctx context.Context, proof *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *proof
	m.proofs[proof.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, transactionID string) (*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proof, ok := m.proofs[transactionID]
	if !ok {
		return nil, ErrProofNotFound
	}
	cp := *proof
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, proof *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proofs[proof.TransactionID]; !ok {
		return ErrProofNotFound
	}
	cp := *proof
	m.proofs[proof.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) ListUnconfirmedDispatchedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Proof
	for _, proof := range m.proofs {
		if proof.Confirmed || !proof.DispatchedAt.Before(cutoff) {
			continue
		}
		cp := *proof
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
