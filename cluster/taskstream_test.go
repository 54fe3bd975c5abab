package cluster

import (
	"context"
	"testing"
)

func TestRandomTaskSuffixLengthAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := randomTaskSuffix()
		if len(s) != 12 {
			t.Fatalf("randomTaskSuffix length = %d, want 12: %q", len(s), s)
		}
		if seen[s] {
			t.Fatalf("duplicate suffix generated: %q", s)
		}
		seen[s] = true
	}
}

func TestParseTaskMessageDefaults(t *testing.T) {
	task := parseTaskMessage("1-1", map[string]any{
		"task_id": "task-abc",
		"type":    "chat.completion",
		"payload": `{"prompt":"hello"}`,
	}, "high")

	if task.TaskID != "task-abc" {
		t.Errorf("TaskID = %q, want task-abc", task.TaskID)
	}
	if task.StreamID != "1-1" {
		t.Errorf("StreamID = %q, want 1-1", task.StreamID)
	}
	if task.Priority != "high" {
		t.Errorf("Priority = %q, want high", task.Priority)
	}
	if task.Payload["prompt"] != "hello" {
		t.Errorf("Payload[prompt] = %v, want hello", task.Payload["prompt"])
	}
	if task.MaxTokens != 4096 {
		t.Errorf("MaxTokens default = %d, want 4096", task.MaxTokens)
	}
	if task.TimeoutMs != 60000 {
		t.Errorf("TimeoutMs default = %d, want 60000", task.TimeoutMs)
	}
	if task.Attempt != 0 {
		t.Errorf("Attempt default = %d, want 0", task.Attempt)
	}
}

func TestParseTaskMessageMalformedPayloadYieldsEmptyMap(t *testing.T) {
	task := parseTaskMessage("1-1", map[string]any{
		"task_id": "task-x",
		"payload": "not json",
	}, "low")

	if task.Payload == nil {
		t.Fatal("Payload should never be nil")
	}
	if len(task.Payload) != 0 {
		t.Errorf("expected empty payload map, got %v", task.Payload)
	}
}

func TestParseTaskMessageOverridesAndAttempt(t *testing.T) {
	task := parseTaskMessage("2-0", map[string]any{
		"task_id":    "task-y",
		"max_tokens": "512",
		"timeout_ms": "15000",
		"attempt":    "2",
		"conv_id":    "conv-1",
	}, "normal")

	if task.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", task.MaxTokens)
	}
	if task.TimeoutMs != 15000 {
		t.Errorf("TimeoutMs = %d, want 15000", task.TimeoutMs)
	}
	if task.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", task.Attempt)
	}
	if task.ConvID != "conv-1" {
		t.Errorf("ConvID = %q, want conv-1", task.ConvID)
	}
}

func TestNewTaskStreamDefaultConsumerGroup(t *testing.T) {
	s := NewTaskStream(nil, "nexus:", "agent-1")
	if s.consumerGroup != defaultConsumerGroup {
		t.Errorf("consumerGroup = %q, want %q", s.consumerGroup, defaultConsumerGroup)
	}
	if s.handlers == nil {
		t.Error("handlers map should be initialized")
	}
}

func TestRegisterHandlerStoresByTaskType(t *testing.T) {
	s := NewTaskStream(nil, "nexus:", "agent-1")
	s.RegisterHandler("chat.completion", func(ctx context.Context, payload map[string]any) (any, error) {
		return nil, nil
	})

	s.handlersMu.RLock()
	_, ok := s.handlers["chat.completion"]
	s.handlersMu.RUnlock()
	if !ok {
		t.Error("expected handler registered under chat.completion")
	}
}
