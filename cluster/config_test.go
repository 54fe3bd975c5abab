package cluster

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("DefaultConfig should be disabled by default")
	}
	if cfg.KeyPrefix != "nexus:" {
		t.Errorf("KeyPrefix = %q, want %q", cfg.KeyPrefix, "nexus:")
	}
	if cfg.Role != "auto" {
		t.Errorf("Role = %q, want %q", cfg.Role, "auto")
	}
	if cfg.VectorDims != 1536 {
		t.Errorf("VectorDims = %d, want 1536", cfg.VectorDims)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	vars := map[string]string{
		"CLUSTER_ENABLED":     "true",
		"REDIS_URL":           "redis://cache.internal:6380",
		"CLUSTER_AGENT_ID":    "agent-7",
		"CLUSTER_ROLE":        "secondary",
		"CLUSTER_MAX_LOAD":    "50",
		"CLUSTER_VECTOR_DIMS": "768",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}

	cfg := LoadConfigFromEnv()

	if !cfg.Enabled {
		t.Error("Enabled should be true when CLUSTER_ENABLED=true")
	}
	if cfg.RedisURL != "redis://cache.internal:6380" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", cfg.AgentID)
	}
	if cfg.Role != "secondary" {
		t.Errorf("Role = %q, want secondary", cfg.Role)
	}
	if cfg.MaxLoad != 50 {
		t.Errorf("MaxLoad = %d, want 50", cfg.MaxLoad)
	}
	if cfg.VectorDims != 768 {
		t.Errorf("VectorDims = %d, want 768", cfg.VectorDims)
	}
}

func TestLoadConfigFromEnvIgnoresMalformedInts(t *testing.T) {
	t.Setenv("CLUSTER_MAX_LOAD", "not-a-number")
	os.Unsetenv("CLUSTER_AGENT_ID")

	cfg := LoadConfigFromEnv()

	if cfg.MaxLoad != DefaultConfig().MaxLoad {
		t.Errorf("MaxLoad should keep default on malformed input, got %d", cfg.MaxLoad)
	}
}

func TestLoadConfigFromEnvGeneratesAgentID(t *testing.T) {
	os.Unsetenv("CLUSTER_AGENT_ID")

	cfg := LoadConfigFromEnv()

	if cfg.AgentID == "" {
		t.Error("AgentID should be auto-generated when unset")
	}
	if len(cfg.AgentID) < len("nexus-") {
		t.Errorf("AgentID = %q, expected nexus-<hex> shape", cfg.AgentID)
	}
}

func TestRandomHexLength(t *testing.T) {
	got := randomHex(8)
	if len(got) != 8 {
		t.Errorf("randomHex(8) returned length %d: %q", len(got), got)
	}
}
