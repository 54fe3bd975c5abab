package cluster

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestStripEventPrefix(t *testing.T) {
	if got := stripEventPrefix("nexus:", "nexus:events:health"); got != "health" {
		t.Errorf("got %q, want health", got)
	}
	if got := stripEventPrefix("nexus:", "unrelated-channel"); got != "unrelated-channel" {
		t.Errorf("expected passthrough for a channel without the prefix, got %q", got)
	}
}

func TestEventBusDispatchFansOutToSubscribers(t *testing.T) {
	b := NewEventBus(nil, "nexus:", "self")

	var mu sync.Mutex
	var received []string
	b.Subscribe("health", func(channel string, event map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event["type"].(string))
	})
	b.Subscribe("health", func(channel string, event map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "second:"+event["type"].(string))
	})

	payload, _ := json.Marshal(map[string]any{"type": "sdown", "_sender": "peer-1"})
	b.dispatch(&redis.Message{Channel: "nexus:events:health", Payload: string(payload)})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 handler invocations, got %d: %v", len(received), received)
	}
}

func TestEventBusDispatchSuppressesSenderEcho(t *testing.T) {
	b := NewEventBus(nil, "nexus:", "self")

	called := false
	b.Subscribe("agent", func(channel string, event map[string]any) { called = true })

	payload, _ := json.Marshal(map[string]any{"type": "agent_joined", "_sender": "self"})
	b.dispatch(&redis.Message{Channel: "nexus:events:agent", Payload: string(payload)})

	if called {
		t.Error("expected self-sent events to be suppressed (no-echo)")
	}
	if b.received.Load() != 1 {
		t.Errorf("received counter = %d, want 1 (still counted even when echo-suppressed)", b.received.Load())
	}
}

func TestEventBusDispatchMalformedPayload(t *testing.T) {
	b := NewEventBus(nil, "nexus:", "self")
	b.dispatch(&redis.Message{Channel: "nexus:events:agent", Payload: "not json"})

	if b.errCount.Load() != 1 {
		t.Errorf("errCount = %d, want 1", b.errCount.Load())
	}
}

func TestEventBusUnsubscribeRemovesHandler(t *testing.T) {
	b := NewEventBus(nil, "nexus:", "self")
	called := false
	id := b.Subscribe("model", func(channel string, event map[string]any) { called = true })
	b.Unsubscribe("model", id)

	payload, _ := json.Marshal(map[string]any{"type": "switch", "_sender": "peer"})
	b.dispatch(&redis.Message{Channel: "nexus:events:model", Payload: string(payload)})

	if called {
		t.Error("handler should not fire after Unsubscribe")
	}
}

func TestEventBusGetStatsCountsHandlers(t *testing.T) {
	b := NewEventBus(nil, "nexus:", "self")
	b.Subscribe("agent", func(string, map[string]any) {})
	b.Subscribe("health", func(string, map[string]any) {})
	b.Subscribe("health", func(string, map[string]any) {})

	stats := b.GetStats()
	if stats.HandlerCount != 3 {
		t.Errorf("HandlerCount = %d, want 3", stats.HandlerCount)
	}
}
