package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClusterManager wires every component together and owns their
// construction/start/stop order. When config.Enabled is false, every
// component field stays nil and all lifecycle/convenience methods
// become no-ops: the entire module goes inert behind the feature flag.
type ClusterManager struct {
	config Config

	// redisText and redisBinary are kept as two client fields for
	// conceptual fidelity with a two-connection design (one for text
	// protocol values, one for binary embeddings); see DESIGN.md's
	// "Binary embedding connection" note. Go's client is binary-safe
	// either way, so both point at the same *redis.Client.
	redisText   *redis.Client
	redisBinary *redis.Client

	registry        *AgentRegistry
	eventBus        *EventBus
	taskStream      *TaskStream
	workingMemory   *WorkingMemory
	memoryIndex     *MemoryIndex
	electionManager *ElectionManager
	healthMonitor   *HealthMonitor
	rateLimiter     *RateLimiter
	metrics         *Metrics

	connStopCh chan struct{}
	connWg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
}

// connWatchInterval governs how often Start's background goroutine
// pings the broker to flip RateLimiter in and out of degraded mode.
const connWatchInterval = 5 * time.Second

// NewClusterManager constructs a ClusterManager from Config without
// connecting to the broker; call Start to bring up the cluster.
func NewClusterManager(config Config) *ClusterManager {
	return &ClusterManager{config: config}
}

// Start connects to the broker and brings up every component in
// dependency order: registry, event bus, task stream, working memory,
// memory index, election manager, health monitor. Metrics is
// constructed last since it reads every other component.
func (c *ClusterManager) Start(ctx context.Context, host string, port int, models, capabilities []string) error {
	if !c.config.Enabled {
		log.Printf("ClusterManager: clustering disabled (CLUSTER_ENABLED=false)")
		return nil
	}

	opts, err := redis.ParseURL(c.config.RedisURL)
	if err != nil {
		return fmt.Errorf("cluster: invalid redis url: %w", err)
	}
	if c.config.RedisPassword != "" {
		opts.Password = c.config.RedisPassword
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cluster: redis ping failed: %w", err)
	}
	c.redisText = client
	c.redisBinary = client

	c.registry = NewAgentRegistry(client, RegistryOptions{
		Prefix:            c.config.KeyPrefix,
		AgentID:           c.config.AgentID,
		Role:              c.config.Role,
		Host:              host,
		Port:              port,
		MaxLoad:           c.config.MaxLoad,
		HeartbeatInterval: time.Duration(c.config.HeartbeatInterval) * time.Second,
		FailureThreshold:  c.config.FailureThreshold,
		Models:            models,
		Capabilities:      capabilities,
	})

	c.eventBus = NewEventBus(client, c.config.KeyPrefix, c.config.AgentID)

	c.taskStream = NewTaskStream(client, c.config.KeyPrefix, c.config.AgentID)

	c.workingMemory = NewWorkingMemory(client, WorkingMemoryOptions{
		Prefix:         c.config.KeyPrefix,
		AgentID:        c.config.AgentID,
		SessionTTL:     time.Duration(c.config.WorkingMemoryTTL) * time.Second,
		PromotionDelay: time.Duration(c.config.MemoryPromotionDly) * time.Second,
	})

	c.memoryIndex = NewMemoryIndex(c.redisBinary, c.config.KeyPrefix, c.config.VectorDims)

	c.electionManager = NewElectionManager(client, c.registry, c.eventBus, ElectionManagerOptions{
		Prefix:          c.config.KeyPrefix,
		AgentID:         c.config.AgentID,
		ElectionTimeout: time.Duration(c.config.ElectionTimeout) * time.Second,
		MinSecondaries:  c.config.MinSecondaries,
		WorkingMemory:   c.workingMemory,
		TaskStream:      c.taskStream,
	})

	c.healthMonitor = NewHealthMonitor(client, c.registry, c.eventBus, HealthMonitorOptions{
		Prefix:            c.config.KeyPrefix,
		AgentID:           c.config.AgentID,
		HeartbeatInterval: time.Duration(c.config.HeartbeatInterval) * time.Second,
		FailureThreshold:  c.config.FailureThreshold,
	})
	c.healthMonitor.SetFailoverCallback(func(ctx context.Context, targetID string, info AgentRecord) {
		c.electionManager.TriggerElection(ctx, targetID, info)
	})

	c.rateLimiter = NewRateLimiter(client, c.config.KeyPrefix)

	c.metrics = NewMetrics(c)

	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("cluster: registry start failed: %w", err)
	}
	if err := c.eventBus.Start(ctx); err != nil {
		return fmt.Errorf("cluster: event bus start failed: %w", err)
	}
	if err := c.taskStream.Start(ctx); err != nil {
		return fmt.Errorf("cluster: task stream start failed: %w", err)
	}
	if err := c.workingMemory.Start(ctx); err != nil {
		return fmt.Errorf("cluster: working memory start failed: %w", err)
	}
	if err := c.memoryIndex.Start(ctx); err != nil {
		return fmt.Errorf("cluster: memory index start failed: %w", err)
	}
	if err := c.electionManager.Start(ctx); err != nil {
		return fmt.Errorf("cluster: election manager start failed: %w", err)
	}
	if err := c.healthMonitor.Start(ctx); err != nil {
		return fmt.Errorf("cluster: health monitor start failed: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.connStopCh = make(chan struct{})
	c.connWg.Add(1)
	go c.connectivityLoop(ctx)

	c.eventBus.Publish(ctx, "agent", map[string]any{
		"type": "agent_joined",
		"id":   c.config.AgentID,
		"role": c.registry.Role(),
	})

	log.Printf("ClusterManager: started agent=%s role=%s", c.config.AgentID, c.registry.Role())
	return nil
}

// connectivityLoop pings the broker on a fixed interval and toggles
// RateLimiter's local fallback in and out of degraded mode, so during a
// broker outage Check uses the local bucket instead of failing open on
// every connection error.
func (c *ClusterManager) connectivityLoop(ctx context.Context) {
	defer c.connWg.Done()
	ticker := time.NewTicker(connWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.connStopCh:
			return
		case <-ticker.C:
			err := c.redisText.Ping(ctx).Err()
			degraded := err != nil
			if degraded {
				log.Printf("ClusterManager: broker ping failed, rate limiter degraded: %v", err)
			}
			c.rateLimiter.MarkDegraded(degraded)
		}
	}
}

// Stop drains this agent (demoting before announcing), then stops
// every component in reverse start order and closes the broker
// connection.
func (c *ClusterManager) Stop(ctx context.Context) {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if !started {
		return
	}

	close(c.connStopCh)
	c.connWg.Wait()

	c.electionManager.InitiateDrain(ctx, "shutdown")
	c.eventBus.Publish(ctx, "agent", map[string]any{
		"type": "agent_leaving",
		"id":   c.config.AgentID,
	})

	c.healthMonitor.Stop()
	c.electionManager.Stop()
	c.memoryIndex.GetStats() // MemoryIndex has no background loop to stop; this only reads its counters
	c.workingMemory.Stop()
	c.taskStream.Stop()
	c.eventBus.Stop()
	c.registry.Stop(ctx)

	if c.redisText != nil {
		_ = c.redisText.Close()
	}
	log.Printf("ClusterManager: stopped agent=%s", c.config.AgentID)
}

// IsPrimary reports whether this agent currently holds the primary role.
func (c *ClusterManager) IsPrimary() bool {
	if c.registry == nil {
		return false
	}
	return c.registry.Role() == "primary"
}

// IsActive reports whether clustering is enabled and started.
func (c *ClusterManager) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Enabled && c.started
}

// GetAgents is a convenience wrapper over AgentRegistry.GetAll.
func (c *ClusterManager) GetAgents(ctx context.Context) ([]AgentRecord, error) {
	if c.registry == nil {
		return nil, ErrClusterDisabled
	}
	return c.registry.GetAll(ctx)
}

// StoreSession is a convenience wrapper over WorkingMemory.SetSession.
func (c *ClusterManager) StoreSession(ctx context.Context, convID string, data map[string]any) error {
	if c.workingMemory == nil {
		return ErrClusterDisabled
	}
	return c.workingMemory.SetSession(ctx, convID, data, 0)
}

// GetSession is a convenience wrapper over WorkingMemory.GetSession.
func (c *ClusterManager) GetSession(ctx context.Context, convID string) (map[string]any, error) {
	if c.workingMemory == nil {
		return nil, ErrClusterDisabled
	}
	return c.workingMemory.GetSession(ctx, convID)
}

// StoreMemory is a convenience wrapper over MemoryIndex.Store.
func (c *ClusterManager) StoreMemory(ctx context.Context, rec MemoryRecord) (string, error) {
	if c.memoryIndex == nil {
		return "", ErrClusterDisabled
	}
	return c.memoryIndex.Store(ctx, rec)
}

// SearchMemory is a convenience wrapper over MemoryIndex.Search.
func (c *ClusterManager) SearchMemory(ctx context.Context, query []float32, limit int, memoryType, sourceConv string) ([]scoredMemory, error) {
	if c.memoryIndex == nil {
		return nil, ErrClusterDisabled
	}
	return c.memoryIndex.Search(ctx, query, limit, memoryType, sourceConv)
}

// CheckRateLimit is a convenience wrapper over RateLimiter.Check. When
// clustering is disabled there is no rate limiter, so it always allows.
func (c *ClusterManager) CheckRateLimit(ctx context.Context, resource string, limit int, window time.Duration, cost int) bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Check(ctx, resource, limit, window, cost)
}

// SetPromotionCallback wires WorkingMemory's promotion hook. A no-op
// when clustering is disabled.
func (c *ClusterManager) SetPromotionCallback(cb PromotionCallback) {
	if c.workingMemory != nil {
		c.workingMemory.SetPromotionCallback(cb)
	}
}

// Metrics exposes the bound Metrics collector, or nil when clustering
// is disabled.
func (c *ClusterManager) Metrics() *Metrics {
	return c.metrics
}

// SubscribeDebugEvents wires handler to every channel the event bus
// carries, for debug/observability tooling that wants a raw tail of
// cluster traffic. A no-op when clustering is disabled.
func (c *ClusterManager) SubscribeDebugEvents(handler EventHandler) {
	if c.eventBus == nil {
		return
	}
	for _, channel := range eventChannels {
		c.eventBus.Subscribe(channel, handler)
	}
}

// Status is a large aggregate snapshot across every component.
type Status struct {
	Enabled          bool
	AgentID          string
	Role             string
	IsPrimary        bool
	Agents           []AgentRecord
	TaskStreamInfo   map[string]StreamInfo
	TaskStats        TaskStreamStats
	WorkingMemStats  WorkingMemoryStats
	ActiveSessions   int64
	MemoryStats      MemoryIndexStats
	MemoryCount      int64
	MemoryTypes      map[string]int64
	HealthStatus     HealthStatus
	VoteStatus       map[string]VoteStatus
	ElectionStatus   ElectionStatus
	MinSecondariesOK bool
}

// GetStatus assembles the full aggregate status. Each section is best
// effort: an error reading one subsystem leaves its zero value rather
// than failing the whole call.
func (c *ClusterManager) GetStatus(ctx context.Context) Status {
	status := Status{Enabled: c.config.Enabled}
	if !c.config.Enabled || c.registry == nil {
		return status
	}

	status.AgentID = c.config.AgentID
	status.Role = c.registry.Role()
	status.IsPrimary = c.IsPrimary()

	if agents, err := c.registry.GetAll(ctx); err == nil {
		status.Agents = agents
	}
	if info, err := c.taskStream.GetStreamInfo(ctx); err == nil {
		status.TaskStreamInfo = info
	}
	status.TaskStats = c.taskStream.GetStats()
	status.WorkingMemStats = c.workingMemory.GetStats()
	if count, err := c.workingMemory.CountActiveSessions(ctx); err == nil {
		status.ActiveSessions = count
	}
	status.MemoryStats = c.memoryIndex.GetStats()
	if count, err := c.memoryIndex.CountMemories(ctx); err == nil {
		status.MemoryCount = count
	}
	if types, err := c.memoryIndex.GetMemoryTypes(ctx); err == nil {
		status.MemoryTypes = types
	}
	status.HealthStatus = c.healthMonitor.GetStatus()
	status.VoteStatus = c.healthMonitor.GetVoteStatus(ctx)
	status.ElectionStatus = c.electionManager.GetStatus()
	if ok, err := c.electionManager.CheckMinSecondaries(ctx); err == nil {
		status.MinSecondariesOK = ok
	}

	return status
}
