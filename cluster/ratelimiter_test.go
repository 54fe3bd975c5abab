package cluster

import (
	"context"
	"testing"
	"time"
)

func TestParseRateLimitKey(t *testing.T) {
	resource, ts, ok := parseRateLimitKey("nexus:ratelimit:chat:1700000000")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if resource != "chat" {
		t.Errorf("resource = %q, want chat", resource)
	}
	if ts != 1700000000 {
		t.Errorf("ts = %d, want 1700000000", ts)
	}
}

func TestParseRateLimitKeyMalformed(t *testing.T) {
	if _, _, ok := parseRateLimitKey("not-a-ratelimit-key"); ok {
		t.Error("expected ok=false for a key with no colons")
	}
	if _, _, ok := parseRateLimitKey("nexus:ratelimit:chat:not-a-number"); ok {
		t.Error("expected ok=false for a non-numeric window suffix")
	}
}

func TestLastIndexByte(t *testing.T) {
	if got := lastIndexByte("a:b:c", ':'); got != 3 {
		t.Errorf("lastIndexByte = %d, want 3", got)
	}
	if got := lastIndexByte("no-colon", ':'); got != -1 {
		t.Errorf("lastIndexByte = %d, want -1", got)
	}
}

func TestRateLimiterDegradedModeUsesLocalBucket(t *testing.T) {
	l := NewRateLimiter(nil, "nexus:")
	l.MarkDegraded(true)

	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Check(context.Background(), "chat", 3, time.Minute, 1) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected local bucket to allow exactly 3 of 5 requests (burst=limit=3), got %d", allowed)
	}

	stats := l.GetStats()
	if stats.Checks != 5 {
		t.Errorf("Checks = %d, want 5", stats.Checks)
	}
	if stats.Denied != 2 {
		t.Errorf("Denied = %d, want 2", stats.Denied)
	}
}

func TestRateLimiterDegradedModeReusesLimiterPerResource(t *testing.T) {
	l := NewRateLimiter(nil, "nexus:")
	first := l.localLimiter("chat", 10, time.Minute)
	second := l.localLimiter("chat", 10, time.Minute)
	if first != second {
		t.Error("expected the same rate.Limiter instance to be reused for the same resource")
	}
}
