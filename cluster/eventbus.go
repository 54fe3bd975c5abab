package cluster

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// eventChannels is the fixed channel set EventBus fans out over. It
// never subscribes to anything outside this list.
var eventChannels = []string{"agent", "model", "abort", "config", "health"}

// EventHandler processes one event delivered on a channel. Handlers run
// concurrently with each other and are isolated from one another's
// panics and errors.
type EventHandler func(channel string, event map[string]any)

type subscription struct {
	id uint64
	fn EventHandler
}

// EventBus is a fire-and-forget pub/sub fan-out over a fixed set of
// broker channels. It is deliberately non-durable: replaying a stale
// SDOWN into a healed cluster would cause spurious elections, so there
// is no redelivery here.
//
// This replaces control_plane/streaming/logger.go's log-only stub with
// a real redis.Client.Subscribe reader.
type EventBus struct {
	client  *redis.Client
	prefix  string
	agentID string

	mu       sync.RWMutex
	handlers map[string][]subscription
	nextSubID uint64

	pubsub   *redis.PubSub
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool

	published atomic.Int64
	received  atomic.Int64
	errCount  atomic.Int64
}

// NewEventBus constructs an EventBus bound to a Redis client. Start must
// be called before Publish/Subscribe take effect on the wire (Subscribe
// may be called beforehand to register handlers ahead of Start).
func NewEventBus(client *redis.Client, prefix, agentID string) *EventBus {
	return &EventBus{
		client:   client,
		prefix:   prefix,
		agentID:  agentID,
		handlers: make(map[string][]subscription),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to all fixed channels and launches the dispatcher
// loop. Safe to call once.
func (b *EventBus) Start(ctx context.Context) error {
	wireChannels := make([]string, len(eventChannels))
	for i, c := range eventChannels {
		wireChannels[i] = eventChannelKey(b.prefix, c)
	}

	b.pubsub = b.client.Subscribe(ctx, wireChannels...)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.listenerLoop(ctx)

	log.Printf("EventBus started: agent=%s channels=%v", b.agentID, eventChannels)
	return nil
}

// Stop closes the subscription and waits for the dispatcher to exit.
func (b *EventBus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.wg.Wait()
	log.Printf("EventBus stopped: agent=%s published=%d received=%d errors=%d",
		b.agentID, b.published.Load(), b.received.Load(), b.errCount.Load())
}

func (b *EventBus) listenerLoop(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *EventBus) dispatch(msg *redis.Message) {
	b.received.Add(1)

	channel := stripEventPrefix(b.prefix, msg.Channel)

	var event map[string]any
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		b.errCount.Add(1)
		log.Printf("EventBus: malformed payload on %s: %v", channel, err)
		return
	}

	if sender, _ := event["_sender"].(string); sender == b.agentID {
		return // no-echo
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[channel]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(fn EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.errCount.Add(1)
					log.Printf("EventBus: handler panic on %s: %v", channel, r)
				}
			}()
			fn(channel, event)
		}(sub.fn)
	}
	wg.Wait()
}

// Subscribe registers a handler against a fixed channel name (one of
// eventChannels). Multiple handlers per channel are fanned out
// concurrently on delivery. Returns a subscription id usable with
// Unsubscribe.
func (b *EventBus) Subscribe(channel string, handler EventHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.handlers[channel] = append(b.handlers[channel], subscription{id: id, fn: handler})
	return id
}

// Unsubscribe removes a previously registered handler.
func (b *EventBus) Unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[channel]
	for i, s := range subs {
		if s.id == id {
			b.handlers[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish injects _sender and _timestamp into payload, serializes as
// JSON, and publishes. Never returns an error the caller must act on:
// broker failures are logged and swallowed, since publish never blocks
// for a response.
func (b *EventBus) Publish(ctx context.Context, channel string, payload map[string]any) int64 {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["_sender"] = b.agentID
	out["_timestamp"] = time.Now().UnixMilli()

	data, err := json.Marshal(out)
	if err != nil {
		b.errCount.Add(1)
		log.Printf("EventBus: marshal error on %s: %v", channel, err)
		return 0
	}

	n, err := b.client.Publish(ctx, eventChannelKey(b.prefix, channel), data).Result()
	if err != nil {
		b.errCount.Add(1)
		log.Printf("EventBus: publish error on %s: %v", channel, err)
		return 0
	}
	b.published.Add(1)
	return n
}

// PublishAbort is a convenience wrapper for the "abort" channel.
func (b *EventBus) PublishAbort(ctx context.Context, convID, reason string) {
	b.Publish(ctx, "abort", map[string]any{
		"type":    "abort",
		"conv_id": convID,
		"reason":  reason,
	})
}

// PublishModelSwitch is a convenience wrapper for the "model" channel.
func (b *EventBus) PublishModelSwitch(ctx context.Context, model string) {
	b.Publish(ctx, "model", map[string]any{
		"type":  "model_switch",
		"model": model,
	})
}

// PublishConfigUpdate is a convenience wrapper for the "config" channel.
func (b *EventBus) PublishConfigUpdate(ctx context.Context, key string, value any) {
	b.Publish(ctx, "config", map[string]any{
		"type":  "config_update",
		"key":   key,
		"value": value,
	})
}

// PublishHealthAlert is a convenience wrapper for the "health" channel.
func (b *EventBus) PublishHealthAlert(ctx context.Context, eventType, targetID string, extra map[string]any) {
	payload := map[string]any{
		"type":      eventType,
		"target_id": targetID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	b.Publish(ctx, "health", payload)
}

// EventBusStats summarizes EventBus activity for status reporting.
type EventBusStats struct {
	Published    int64
	Received     int64
	Errors       int64
	HandlerCount int
}

func (b *EventBus) GetStats() EventBusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.handlers {
		count += len(subs)
	}
	return EventBusStats{
		Published:    b.published.Load(),
		Received:     b.received.Load(),
		Errors:       b.errCount.Load(),
		HandlerCount: count,
	}
}

func stripEventPrefix(prefix, wireChannel string) string {
	want := prefix + "events:"
	if len(wireChannel) > len(want) && wireChannel[:len(want)] == want {
		return wireChannel[len(want):]
	}
	return wireChannel
}
