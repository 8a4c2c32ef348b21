package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/idgen"
)

// Event is an outbound notification delivered to seller endpoints.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is a seller-registered webhook endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	SellerID    string     `json:"sellerId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`
	Events      []string   `json:"events"` // empty means all
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// SubscriptionStore persists seller webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListBySeller(ctx context.Context, sellerID string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Emitter fans escrow and payout lifecycle events out to seller
// endpoints. Delivery is fire-and-forget with the result recorded on
// the subscription; a stream of LastError entries is the seller's cue
// to fix their endpoint, not ours to retry forever.
type Emitter struct {
	store  SubscriptionStore
	client *http.Client
	logger *slog.Logger
}

// NewEmitter creates an outbound webhook emitter.
func NewEmitter(store SubscriptionStore, logger *slog.Logger) *Emitter {
	return &Emitter{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Publish delivers an event to every active subscription that wants it.
func (e *Emitter) Publish(eventType string, payload any) {
	ctx := context.Background()
	subs, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Error("failed to list webhook subscriptions", "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}
	for _, sub := range subs {
		if !sub.wants(eventType) {
			continue
		}
		go e.send(ctx, sub, event)
	}
}

func (e *Emitter) send(ctx context.Context, sub *Subscription, event *Event) {
	body, err := json.Marshal(event)
	if err != nil {
		e.recordError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		e.recordError(ctx, sub, "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lipalink-Event", event.Type)
	req.Header.Set("X-Lipalink-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Lipalink-Signature", signPayload(body, sub.Secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		if err := e.store.Update(ctx, sub); err != nil {
			e.logger.Warn("failed to record webhook delivery", "subscriptionId", sub.ID, "error", err)
		}
		return
	}
	e.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
}

func (e *Emitter) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := e.store.Update(ctx, sub); err != nil {
		e.logger.Warn("failed to record webhook error", "subscriptionId", sub.ID, "error", err)
	}
	e.logger.Warn("webhook delivery failed", "subscriptionId", sub.ID, "url", sub.URL, "reason", msg)
}

// Subscribe registers a seller endpoint.
func (e *Emitter) Subscribe(ctx context.Context, sellerID, url, secret string, events []string) (*Subscription, error) {
	sub := &Subscription{
		ID:        idgen.WithPrefix("whs_"),
		SellerID:  sellerID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := e.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns a seller's registered endpoints.
func (e *Emitter) ListSubscriptions(ctx context.Context, sellerID string) ([]*Subscription, error) {
	return e.store.ListBySeller(ctx, sellerID)
}

// Unsubscribe removes a seller endpoint.
func (e *Emitter) Unsubscribe(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// MemorySubscriptionStore is an in-memory SubscriptionStore.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemorySubscriptionStore creates an empty subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemorySubscriptionStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription not found")
	}
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptionStore) ListBySeller(_ context.Context, sellerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.SellerID == sellerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemorySubscriptionStore) ListActive(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Active {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemorySubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
