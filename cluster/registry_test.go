package cluster

import (
	"strconv"
	"testing"
	"time"
)

func newTestRegistry() *AgentRegistry {
	return NewAgentRegistry(nil, RegistryOptions{
		Prefix:            "nexus:",
		AgentID:           "self-1",
		Role:              "secondary",
		MaxLoad:           20,
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  3,
	})
}

func TestParseAgentHealthyWhenRecentHeartbeat(t *testing.T) {
	r := newTestRegistry()
	now := time.Now().Unix()

	data := map[string]string{
		"id":             "peer-1",
		"role":           "secondary",
		"status":         "active",
		"host":           "10.0.0.5",
		"port":           "9001",
		"current_load":   "4",
		"max_load":       "20",
		"last_heartbeat": strconv.FormatInt(now-1, 10),
		"config_epoch":   "3",
		"models":         `["gpt-4"]`,
		"capabilities":   `["chat"]`,
	}

	agent := r.parseAgent(data, now)

	if agent.ID != "peer-1" {
		t.Errorf("ID = %q, want peer-1", agent.ID)
	}
	if !agent.Healthy {
		t.Error("expected agent to be healthy with a 1s-old heartbeat")
	}
	if agent.IsSelf {
		t.Error("peer-1 should not be IsSelf")
	}
	if len(agent.Models) != 1 || agent.Models[0] != "gpt-4" {
		t.Errorf("Models = %v, want [gpt-4]", agent.Models)
	}
}

func TestParseAgentUnhealthyWhenStaleHeartbeat(t *testing.T) {
	r := newTestRegistry()
	now := time.Now().Unix()

	data := map[string]string{
		"id":             "peer-2",
		"role":           "secondary",
		"status":         "active",
		"last_heartbeat": strconv.FormatInt(now-20, 10),
	}

	agent := r.parseAgent(data, now)

	if agent.Healthy {
		t.Error("expected agent with a 20s-old heartbeat (threshold 3 missed * 2s) to be unhealthy")
	}
	if agent.MissedHeartbeats < 3 {
		t.Errorf("MissedHeartbeats = %d, want >= 3", agent.MissedHeartbeats)
	}
}

func TestParseAgentIsSelf(t *testing.T) {
	r := newTestRegistry()
	data := map[string]string{"id": "self-1", "last_heartbeat": strconv.FormatInt(time.Now().Unix(), 10)}
	agent := r.parseAgent(data, time.Now().Unix())
	if !agent.IsSelf {
		t.Error("expected IsSelf=true when id matches registry.AgentID")
	}
}

func TestParseAgentDefaultsUnknownRoleAndStatus(t *testing.T) {
	r := newTestRegistry()
	agent := r.parseAgent(map[string]string{"id": "peer-3"}, time.Now().Unix())
	if agent.Role != "unknown" {
		t.Errorf("Role = %q, want unknown", agent.Role)
	}
	if agent.Status != "unknown" {
		t.Errorf("Status = %q, want unknown", agent.Status)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("", "fallback"); got != "fallback" {
		t.Errorf("orDefault empty = %q, want fallback", got)
	}
	if got := orDefault("value", "fallback"); got != "value" {
		t.Errorf("orDefault non-empty = %q, want value", got)
	}
}

