package cluster

import (
	"context"
	"testing"
)

func newTestHealthMonitor() *HealthMonitor {
	return NewHealthMonitor(nil, nil, nil, HealthMonitorOptions{
		Prefix:            "nexus:",
		AgentID:           "self-1",
		HeartbeatInterval: 2,
		FailureThreshold:  3,
	})
}

func TestHealthMonitorGetStatusReflectsInternalState(t *testing.T) {
	h := newTestHealthMonitor()

	h.mu.Lock()
	h.sdownAgents["peer-1"] = 1700000000
	h.sdownAgents["peer-2"] = 1700000001
	h.odownAgents["peer-2"] = true
	h.mu.Unlock()
	h.checks.Store(10)
	h.sdownEvents.Store(2)
	h.odownEvents.Store(1)

	status := h.GetStatus()

	if status.Checks != 10 {
		t.Errorf("Checks = %d, want 10", status.Checks)
	}
	if status.SdownEvents != 2 || status.OdownEvents != 1 {
		t.Errorf("SdownEvents/OdownEvents = %d/%d, want 2/1", status.SdownEvents, status.OdownEvents)
	}
	if len(status.SdownAgents) != 2 {
		t.Errorf("SdownAgents = %v, want 2 entries", status.SdownAgents)
	}
	if len(status.OdownAgents) != 1 || status.OdownAgents[0] != "peer-2" {
		t.Errorf("OdownAgents = %v, want [peer-2]", status.OdownAgents)
	}
}

func TestNewHealthMonitorInitializesMaps(t *testing.T) {
	h := newTestHealthMonitor()
	if h.sdownAgents == nil || h.odownAgents == nil {
		t.Fatal("expected sdownAgents/odownAgents maps to be initialized")
	}
	status := h.GetStatus()
	if len(status.SdownAgents) != 0 || len(status.OdownAgents) != 0 {
		t.Error("expected empty status on a freshly constructed monitor")
	}
}

func TestSetFailoverCallbackIsRetrievable(t *testing.T) {
	h := newTestHealthMonitor()
	h.SetFailoverCallback(func(ctx context.Context, targetID string, info AgentRecord) {})

	h.callbackMu.RLock()
	cb := h.callback
	h.callbackMu.RUnlock()
	if cb == nil {
		t.Error("expected callback to be set")
	}
}
