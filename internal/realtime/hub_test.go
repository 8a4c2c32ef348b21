package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow.held", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow.released", "payout.settled"},
	}}

	released := &Event{Type: "escrow.released"}
	settled := &Event{Type: "payout.settled"}
	held := &Event{Type: "escrow.held"}

	if !h.shouldSend(client, released) {
		t.Error("Should receive escrow.released events")
	}
	if !h.shouldSend(client, settled) {
		t.Error("Should receive payout.settled events")
	}
	if h.shouldSend(client, held) {
		t.Error("Should NOT receive escrow.held events")
	}
}

func TestShouldSend_SellerFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SellerIDs: []string{"seller_1"},
	}}

	matching := &Event{
		Type: "escrow.released",
		Data: map[string]any{"sellerId": "seller_1", "holdId": "hold_1"},
	}
	notMatching := &Event{
		Type: "escrow.released",
		Data: map[string]any{"sellerId": "seller_2", "holdId": "hold_2"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on sellerId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other sellers")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: 10000,
	}}

	large := &Event{
		Type: "escrow.held",
		Data: map[string]any{"amount": int64(15000)},
	}
	small := &Event{
		Type: "escrow.held",
		Data: map[string]any{"amount": int64(5000)},
	}
	noAmount := &Event{
		Type: "dispute.opened",
		Data: map[string]any{"disputeId": "dsp_1"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large hold")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small hold")
	}
	if !h.shouldSend(client, noAmount) {
		t.Error("Events without an amount should pass through")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "escrow.held"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SellerIDs: []string{"seller_1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: "escrow.held",
		Data: "string data not a map",
	}

	// Seller filter skips non-map data, so the event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when the seller filter cannot inspect it")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish("escrow.held", map[string]any{"holdId": "hold_1"})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish("escrow.released", map[string]any{"holdId": "hold_1", "amount": int64(15000)})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants payout events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"payout.settled"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// An escrow event should be filtered out
	h.Publish("escrow.held", map[string]any{"holdId": "hold_1"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow.held event")
	default:
		// Good, filtered out
	}

	h.Publish("payout.settled", map[string]any{"payoutId": "po_1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive payout.settled event")
	}
}
