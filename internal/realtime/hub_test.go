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

	event := &Event{Type: EventPaymentSettled, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventPaymentSettled, EventPaymentFailed},
	}}

	settled := &Event{Type: EventPaymentSettled}
	failed := &Event{Type: EventPaymentFailed}
	requested := &Event{Type: EventPaymentRequested}

	if !h.shouldSend(client, settled) {
		t.Error("Should receive settled events")
	}
	if !h.shouldSend(client, failed) {
		t.Error("Should receive failed events")
	}
	if h.shouldSend(client, requested) {
		t.Error("Should NOT receive requested events")
	}
}

func TestShouldSend_AgentFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AgentIDs: []string{"agent-1"},
	}}

	matching := &Event{
		Type: EventPaymentSettled,
		Data: map[string]interface{}{"agentId": "agent-1", "payer": "0xaaaa"},
	}
	notMatching := &Event{
		Type: EventPaymentSettled,
		Data: map[string]interface{}{"agentId": "agent-2", "payer": "0xbbbb"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on agentId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated agents")
	}
}

func TestShouldSend_PayerFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Payers: []string{"0xaaaa"},
	}}

	matching := &Event{
		Type: EventPaymentSettled,
		Data: map[string]interface{}{"payer": "0xaaaa"},
	}
	notMatching := &Event{
		Type: EventPaymentSettled,
		Data: map[string]interface{}{"payer": "0xbbbb"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on payer")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match a different payer")
	}
}

func TestShouldSend_ResourceFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Resources: []string{"/api/forecast"},
	}}

	matching := &Event{
		Type: EventPaymentRequested,
		Data: map[string]interface{}{"resource": "/api/forecast"},
	}
	notMatching := &Event{
		Type: EventPaymentRequested,
		Data: map[string]interface{}{"resource": "/api/other"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should receive events for the watched resource")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT receive events for other resources")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventPaymentSettled}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AgentIDs: []string{"agent-1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventPaymentFailed,
		Data: "string data not a map",
	}

	// Agent filter skips non-map data (can't extract fields), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when agent filter can't extract fields")
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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventPaymentSettled, Timestamp: time.Now()})
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

	h.Broadcast(&Event{
		Type:      EventPaymentSettled,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "1000000"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastActivity(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastActivity("payment.settled", map[string]interface{}{
		"paymentRequestId": "pr_abc", "payer": "0xaaaa", "amount": "1000000",
	})
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

	// Client only wants settlements
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventPaymentSettled}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a requested event (should be filtered out)
	h.Broadcast(&Event{Type: EventPaymentRequested, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive requested event")
	default:
		// Good - filtered out
	}

	// Send a settled event (should be received)
	h.Broadcast(&Event{Type: EventPaymentSettled, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive settled event")
	}
}
