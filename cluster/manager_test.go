package cluster

import (
	"context"
	"testing"
)

func TestClusterManagerDisabledIsInert(t *testing.T) {
	manager := NewClusterManager(Config{Enabled: false})
	ctx := context.Background()

	if err := manager.Start(ctx, "localhost", 9000, nil, nil); err != nil {
		t.Fatalf("Start on a disabled manager should never error: %v", err)
	}
	if manager.IsActive() {
		t.Error("a disabled manager should never report active")
	}
	if manager.IsPrimary() {
		t.Error("a disabled manager has no registry and should never report primary")
	}

	status := manager.GetStatus(ctx)
	if status.Enabled {
		t.Error("GetStatus().Enabled should mirror the config")
	}

	if err := manager.StoreSession(ctx, "conv-1", map[string]any{"a": 1}); err != ErrClusterDisabled {
		t.Errorf("StoreSession on a disabled manager should return ErrClusterDisabled, got %v", err)
	}
	if ok := manager.CheckRateLimit(ctx, "chat", 10, 0, 1); !ok {
		t.Error("CheckRateLimit should fail open (allow) when clustering is disabled")
	}

	manager.Stop(ctx) // must not panic even though Start never actually wired anything
}

func TestClusterManagerStopBeforeStartIsNoop(t *testing.T) {
	manager := NewClusterManager(Config{Enabled: true})
	manager.Stop(context.Background()) // never started; must not panic on nil components
}
