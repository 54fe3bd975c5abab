package cluster

import (
	"context"
	"testing"
	"time"
)

func TestGetRatesComputesPerSecondDeltas(t *testing.T) {
	m := &Metrics{}
	base := time.Unix(1700000000, 0)

	m.snapshots = []Snapshot{
		{At: base, TasksPublished: 100, TasksCompleted: 80, EventsPublished: 10, HealthChecks: 5},
		{At: base.Add(10 * time.Second), TasksPublished: 150, TasksCompleted: 120, EventsPublished: 30, HealthChecks: 15},
	}

	rates := m.GetRates(time.Minute)

	if rates.WindowSeconds != 10 {
		t.Errorf("WindowSeconds = %v, want 10", rates.WindowSeconds)
	}
	if rates.TasksPublishedPerS != 5 {
		t.Errorf("TasksPublishedPerS = %v, want 5", rates.TasksPublishedPerS)
	}
	if rates.TasksCompletedPerS != 4 {
		t.Errorf("TasksCompletedPerS = %v, want 4", rates.TasksCompletedPerS)
	}
	if rates.EventsPublishedPerS != 2 {
		t.Errorf("EventsPublishedPerS = %v, want 2", rates.EventsPublishedPerS)
	}
	if rates.HealthChecksPerS != 1 {
		t.Errorf("HealthChecksPerS = %v, want 1", rates.HealthChecksPerS)
	}
}

func TestGetRatesRespectsWindow(t *testing.T) {
	m := &Metrics{}
	base := time.Unix(1700000000, 0)

	m.snapshots = []Snapshot{
		{At: base, TasksPublished: 0},
		{At: base.Add(30 * time.Second), TasksPublished: 100},
		{At: base.Add(60 * time.Second), TasksPublished: 130},
	}

	rates := m.GetRates(20 * time.Second)

	if rates.WindowSeconds != 30 {
		t.Errorf("WindowSeconds = %v, want 30 (latest sample at or before a 20s lookback from the newest)", rates.WindowSeconds)
	}
}

func TestGetRatesInsufficientSnapshots(t *testing.T) {
	m := &Metrics{}
	m.snapshots = []Snapshot{{At: time.Unix(1700000000, 0)}}

	rates := m.GetRates(time.Minute)
	if rates != (Rates{}) {
		t.Errorf("expected zero-value Rates with fewer than 2 snapshots, got %+v", rates)
	}
}

func TestMetricsSnapshotRingTruncatesToMax(t *testing.T) {
	m := NewMetrics(&ClusterManager{})
	for i := 0; i < maxSnapshots+10; i++ {
		m.Collect(context.Background())
	}

	if len(m.snapshots) != maxSnapshots {
		t.Errorf("snapshot ring length = %d, want %d", len(m.snapshots), maxSnapshots)
	}
}
