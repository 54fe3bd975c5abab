package cluster

import (
	"testing"
	"time"
)

func TestNewWorkingMemoryDefaultsContextTTL(t *testing.T) {
	w := NewWorkingMemory(nil, WorkingMemoryOptions{Prefix: "nexus:", AgentID: "a1"})
	if w.contextTTL != defaultContextTTL {
		t.Errorf("contextTTL = %v, want default %v", w.contextTTL, defaultContextTTL)
	}

	w2 := NewWorkingMemory(nil, WorkingMemoryOptions{ContextTTL: time.Hour})
	if w2.contextTTL != time.Hour {
		t.Errorf("contextTTL = %v, want 1h", w2.contextTTL)
	}
}

func TestSortedKeysIsDeterministic(t *testing.T) {
	a := sortedKeys(map[string]any{"z": 1, "a": 2, "m": 3})
	b := sortedKeys(map[string]any{"m": 3, "z": 1, "a": 2})

	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("index %d: %v != %v", i, a[i], b[i])
		}
	}
	if a[0] != "a" || a[2] != "m" || a[4] != "z" {
		t.Errorf("expected alphabetically sorted keys, got %v", a)
	}
}

func TestQueueForPromotionDedupHashStableAcrossMapOrder(t *testing.T) {
	w := NewWorkingMemory(nil, WorkingMemoryOptions{Prefix: "nexus:"})

	w.QueueForPromotion(map[string]any{"conv_id": "c1", "role": "user", "content": "hi"})
	w.QueueForPromotion(map[string]any{"content": "hi", "conv_id": "c1", "role": "user"})

	w.queueMu.Lock()
	defer w.queueMu.Unlock()

	if len(w.promotionQueue) != 2 {
		t.Fatalf("expected 2 queued items, got %d", len(w.promotionQueue))
	}
	if w.promotionQueue[0].contentHash != w.promotionQueue[1].contentHash {
		t.Errorf("expected identical content hash regardless of map insertion order: %q != %q",
			w.promotionQueue[0].contentHash, w.promotionQueue[1].contentHash)
	}
	if len(w.promotionQueue[0].contentHash) != 16 {
		t.Errorf("content hash length = %d, want 16", len(w.promotionQueue[0].contentHash))
	}
}

func TestQueueForPromotionDistinguishesDifferentContent(t *testing.T) {
	w := NewWorkingMemory(nil, WorkingMemoryOptions{Prefix: "nexus:"})

	w.QueueForPromotion(map[string]any{"conv_id": "c1", "content": "hello"})
	w.QueueForPromotion(map[string]any{"conv_id": "c1", "content": "goodbye"})

	w.queueMu.Lock()
	defer w.queueMu.Unlock()

	if w.promotionQueue[0].contentHash == w.promotionQueue[1].contentHash {
		t.Error("expected different content to produce different hashes")
	}
}

func TestGetStatsReflectsPromotionQueueSize(t *testing.T) {
	w := NewWorkingMemory(nil, WorkingMemoryOptions{Prefix: "nexus:"})
	w.QueueForPromotion(map[string]any{"a": 1})
	w.QueueForPromotion(map[string]any{"b": 2})

	stats := w.GetStats()
	if stats.PromotionQueueSize != 2 {
		t.Errorf("PromotionQueueSize = %d, want 2", stats.PromotionQueueSize)
	}
}
