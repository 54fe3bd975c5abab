package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxSnapshots = 60

// Snapshot is one point-in-time collection across the cluster's
// components, retained in a rolling list for GetRates.
type Snapshot struct {
	At                  time.Time
	AgentCount          int64
	TasksPublished      int64
	TasksCompleted      int64
	TasksFailed         int64
	WorkingMemoryReads  int64
	WorkingMemoryWrites int64
	EventsPublished     int64
	EventsReceived      int64
	HealthChecks        int64
}

// Rates reports a per-second delta of counters across a window, as
// returned by GetRates.
type Rates struct {
	WindowSeconds       float64
	TasksPublishedPerS  float64
	TasksCompletedPerS  float64
	EventsPublishedPerS float64
	HealthChecksPerS    float64
}

// Metrics wraps a ClusterManager and exposes both an on-demand
// aggregate snapshot and a Prometheus registry, grounded on
// control_plane/observability/metrics.go's promauto construction idiom.
// Unlike that file's package-level default-registry globals, this uses
// its own prometheus.Registry scoped to one ClusterManager, since
// multiple clusters could run in the same test process; promauto.With
// registers into that instance instead of the global default registry.
//
// The metric name set and the role/priority label dimensions below are
// a closed set; do not add ad hoc metrics outside of it.
type Metrics struct {
	manager *ClusterManager

	registry *prometheus.Registry

	enabledGauge   prometheus.Gauge
	agentsGauge    prometheus.Gauge
	agentsByRole   *prometheus.GaugeVec
	loadRatioGauge prometheus.Gauge

	tasksPublished    prometheus.Gauge
	tasksConsumed     prometheus.Gauge
	tasksCompleted    prometheus.Gauge
	tasksFailed       prometheus.Gauge
	tasksDeadLettered prometheus.Gauge
	taskQueueLength   *prometheus.GaugeVec

	workingMemReads      prometheus.Gauge
	workingMemWrites     prometheus.Gauge
	workingMemPromotions prometheus.Gauge
	workingMemEvictions  prometheus.Gauge

	memoryIndexStored     prometheus.Gauge
	memoryIndexSearched   prometheus.Gauge
	memoryIndexDuplicates prometheus.Gauge

	healthChecksGauge prometheus.Gauge
	sdownGauge        prometheus.Gauge
	odownGauge        prometheus.Gauge

	electionsWonGauge  prometheus.Gauge
	electionsLostGauge prometheus.Gauge

	redisConnectedGauge prometheus.Gauge

	mu        sync.Mutex
	snapshots []Snapshot
}

func NewMetrics(manager *ClusterManager) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	m := &Metrics{manager: manager, registry: registry}

	newGauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	newGaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}

	m.enabledGauge = newGauge("nexus_cluster_enabled", "1 if clustering is enabled for this process")
	m.agentsGauge = newGauge("nexus_cluster_agents_total", "Number of agents registered in the cluster")
	m.agentsByRole = newGaugeVec("nexus_cluster_agents_by_role", "Number of registered agents by role", "role")
	m.loadRatioGauge = newGauge("nexus_cluster_load_ratio", "This agent's current_load / max_load")

	m.tasksPublished = newGauge("nexus_cluster_tasks_published_total", "Tasks published to the task stream")
	m.tasksConsumed = newGauge("nexus_cluster_tasks_consumed_total", "Tasks consumed from the task stream")
	m.tasksCompleted = newGauge("nexus_cluster_tasks_completed_total", "Tasks completed successfully")
	m.tasksFailed = newGauge("nexus_cluster_tasks_failed_total", "Tasks that failed at least once")
	m.tasksDeadLettered = newGauge("nexus_cluster_tasks_dead_lettered_total", "Tasks moved to the dead letter stream")
	m.taskQueueLength = newGaugeVec("nexus_cluster_task_queue_length", "Pending entries in a priority task stream", "priority")

	m.workingMemReads = newGauge("nexus_cluster_working_memory_reads_total", "Working memory read operations")
	m.workingMemWrites = newGauge("nexus_cluster_working_memory_writes_total", "Working memory write operations")
	m.workingMemPromotions = newGauge("nexus_cluster_working_memory_promotions_total", "Working memory items promoted to long-term storage")
	m.workingMemEvictions = newGauge("nexus_cluster_working_memory_evictions_total", "Working memory items evicted without promotion")

	m.memoryIndexStored = newGauge("nexus_cluster_memory_index_stored_total", "New long-term memory records stored")
	m.memoryIndexSearched = newGauge("nexus_cluster_memory_index_searched_total", "Long-term memory similarity searches performed")
	m.memoryIndexDuplicates = newGauge("nexus_cluster_memory_index_duplicates_found_total", "Memory stores deduplicated against an existing record")

	m.healthChecksGauge = newGauge("nexus_cluster_health_checks_total", "Health monitor check cycles run")
	m.sdownGauge = newGauge("nexus_cluster_health_sdown_total", "SDOWN detections made by this agent's monitor loop")
	m.odownGauge = newGauge("nexus_cluster_health_odown_total", "ODOWN confirmations reached by this agent")

	m.electionsWonGauge = newGauge("nexus_cluster_elections_won_total", "Elections won by this agent")
	m.electionsLostGauge = newGauge("nexus_cluster_elections_lost_total", "Elections lost or skipped by this agent")

	m.redisConnectedGauge = newGauge("nexus_cluster_redis_connected", "1 if the broker connection answered the last PING")

	return m
}

// Registry exposes the bound Prometheus registry so an HTTP handler can
// serve it directly with promhttp, instead of hand-rolled exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Collect refreshes every gauge from the current state of the bound
// ClusterManager's components and appends a Snapshot. Each subsystem
// read is independent: one subsystem being nil (e.g. clustering
// disabled) never blanks the others.
func (m *Metrics) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{At: time.Now()}

	if m.manager.config.Enabled {
		m.enabledGauge.Set(1)
	} else {
		m.enabledGauge.Set(0)
	}

	if m.manager.registry != nil {
		if agents, err := m.manager.registry.GetAll(ctx); err == nil {
			m.agentsGauge.Set(float64(len(agents)))
			snap.AgentCount = int64(len(agents))

			byRole := make(map[string]int, 2)
			for _, a := range agents {
				byRole[a.Role]++
				if a.IsSelf && a.MaxLoad > 0 {
					m.loadRatioGauge.Set(float64(a.CurrentLoad) / float64(a.MaxLoad))
				}
			}
			m.agentsByRole.WithLabelValues("primary").Set(float64(byRole["primary"]))
			m.agentsByRole.WithLabelValues("secondary").Set(float64(byRole["secondary"]))
		}
	}

	if m.manager.taskStream != nil {
		stats := m.manager.taskStream.GetStats()
		m.tasksPublished.Set(float64(stats.Published))
		m.tasksConsumed.Set(float64(stats.Consumed))
		m.tasksCompleted.Set(float64(stats.Completed))
		m.tasksFailed.Set(float64(stats.Failed))
		m.tasksDeadLettered.Set(float64(stats.DeadLettered))
		snap.TasksPublished = stats.Published
		snap.TasksCompleted = stats.Completed
		snap.TasksFailed = stats.Failed

		if info, err := m.manager.taskStream.GetStreamInfo(ctx); err == nil {
			for _, priority := range priorities {
				m.taskQueueLength.WithLabelValues(priority).Set(float64(info[priority].Length))
			}
		}
	}

	if m.manager.workingMemory != nil {
		stats := m.manager.workingMemory.GetStats()
		m.workingMemReads.Set(float64(stats.Reads))
		m.workingMemWrites.Set(float64(stats.Writes))
		m.workingMemPromotions.Set(float64(stats.Promotions))
		m.workingMemEvictions.Set(float64(stats.Evictions))
		snap.WorkingMemoryReads = stats.Reads
		snap.WorkingMemoryWrites = stats.Writes
	}

	if m.manager.memoryIndex != nil {
		stats := m.manager.memoryIndex.GetStats()
		m.memoryIndexStored.Set(float64(stats.Stores))
		m.memoryIndexSearched.Set(float64(stats.Queries))
		m.memoryIndexDuplicates.Set(float64(stats.Duplicates))
	}

	if m.manager.eventBus != nil {
		stats := m.manager.eventBus.GetStats()
		snap.EventsPublished = stats.Published
		snap.EventsReceived = stats.Received
	}

	if m.manager.healthMonitor != nil {
		status := m.manager.healthMonitor.GetStatus()
		m.healthChecksGauge.Set(float64(status.Checks))
		m.sdownGauge.Set(float64(status.SdownEvents))
		m.odownGauge.Set(float64(status.OdownEvents))
		snap.HealthChecks = status.Checks
	}

	if m.manager.electionManager != nil {
		status := m.manager.electionManager.GetStatus()
		m.electionsWonGauge.Set(float64(status.ElectionsWon))
		m.electionsLostGauge.Set(float64(status.ElectionsLost))
	}

	if m.manager.redisText != nil {
		if err := m.manager.redisText.Ping(ctx).Err(); err == nil {
			m.redisConnectedGauge.Set(1)
		} else {
			m.redisConnectedGauge.Set(0)
		}
	}

	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > maxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-maxSnapshots:]
	}
	m.mu.Unlock()

	return snap
}

// GetRates computes per-second deltas between the newest snapshot and
// the latest snapshot taken at or before the start of window (the
// oldest retained snapshot when none is that old).
func (m *Metrics) GetRates(window time.Duration) Rates {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snapshots) < 2 {
		return Rates{}
	}

	latest := m.snapshots[len(m.snapshots)-1]
	cutoff := latest.At.Add(-window)

	oldest := m.snapshots[0]
	for _, s := range m.snapshots {
		if s.At.After(cutoff) {
			break
		}
		oldest = s
	}

	elapsed := latest.At.Sub(oldest.At).Seconds()
	if elapsed <= 0 {
		return Rates{}
	}

	return Rates{
		WindowSeconds:       elapsed,
		TasksPublishedPerS:  float64(latest.TasksPublished-oldest.TasksPublished) / elapsed,
		TasksCompletedPerS:  float64(latest.TasksCompleted-oldest.TasksCompleted) / elapsed,
		EventsPublishedPerS: float64(latest.EventsPublished-oldest.EventsPublished) / elapsed,
		HealthChecksPerS:    float64(latest.HealthChecks-oldest.HealthChecks) / elapsed,
	}
}
