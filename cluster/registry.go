package cluster

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// AgentRecord is the computed, read-side view of a registered agent,
// including the derived health fields every GetAll computes fresh.
type AgentRecord struct {
	ID           string
	Role         string
	Status       string
	Host         string
	Port         int
	Models       []string
	Capabilities []string
	CurrentLoad  int
	MaxLoad      int
	LastHeartbeat int64
	StartedAt     int64
	ConfigEpoch   int64
	IsSelf        bool

	HeartbeatAgeSeconds int64
	MissedHeartbeats    int64
	Healthy             bool
}

// AgentRegistry registers this process, advertises liveness via
// heartbeats, and exposes discovery queries. The heartbeat pipeline and
// TTL-on-write idiom follow control_plane/store/redis.go's
// UpsertAgent/UpdateAgentHeartbeat.
type AgentRegistry struct {
	client *redis.Client
	prefix string

	AgentID string
	Host    string
	Port    int
	MaxLoad int

	HeartbeatInterval time.Duration
	FailureThreshold  int

	mu           sync.RWMutex
	role         string
	status       string
	currentLoad  int
	configEpoch  int64
	startedAt    int64
	models       []string
	capabilities []string

	stopCh chan struct{}
	wg     sync.WaitGroup
	stopped atomic.Bool
}

type RegistryOptions struct {
	Prefix            string
	AgentID           string
	Role              string // "primary", "secondary", "auto"
	Host              string
	Port              int
	MaxLoad           int
	HeartbeatInterval time.Duration
	FailureThreshold  int
	Models            []string
	Capabilities      []string
}

func NewAgentRegistry(client *redis.Client, opts RegistryOptions) *AgentRegistry {
	return &AgentRegistry{
		client:            client,
		prefix:            opts.Prefix,
		AgentID:           opts.AgentID,
		Host:              opts.Host,
		Port:              opts.Port,
		MaxLoad:           opts.MaxLoad,
		HeartbeatInterval: opts.HeartbeatInterval,
		FailureThreshold:  opts.FailureThreshold,
		role:              opts.Role,
		status:            "starting",
		models:            opts.Models,
		capabilities:      opts.Capabilities,
		stopCh:            make(chan struct{}),
	}
}

// Role returns the agent's current logical role (resolved after Start
// when constructed with "auto").
func (r *AgentRegistry) Role() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

// ConfigEpoch returns the local cached view of the global config epoch.
func (r *AgentRegistry) ConfigEpoch() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configEpoch
}

// Start resolves "auto" role, initializes the local epoch view, writes
// the full registration record, and launches the heartbeat loop.
func (r *AgentRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = time.Now().Unix()
	if r.role == "auto" {
		role, err := r.autoAssignRole(ctx)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.role = role
	}
	r.mu.Unlock()

	epoch, err := r.client.Get(ctx, configEpochKey(r.prefix)).Int64()
	if err == redis.Nil {
		if err := r.client.Set(ctx, configEpochKey(r.prefix), 0, 0).Err(); err != nil {
			return err
		}
		epoch = 0
	} else if err != nil {
		return err
	}
	r.mu.Lock()
	r.configEpoch = epoch
	r.mu.Unlock()

	if err := r.writeRegistration(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.status = "active"
	r.mu.Unlock()
	if err := r.updateField(ctx, "status", "active"); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)

	log.Printf("Agent registered: id=%s role=%s host=%s:%d epoch=%d",
		r.AgentID, r.Role(), r.Host, r.Port, r.ConfigEpoch())
	return nil
}

// Stop cancels the heartbeat loop, marks the record stopped, and sets a
// short decay TTL so an agent that never restarts disappears from
// discovery within 30s.
func (r *AgentRegistry) Stop(ctx context.Context) {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	r.status = "stopped"
	r.mu.Unlock()

	if err := r.updateField(ctx, "status", "stopped"); err != nil {
		log.Printf("AgentRegistry: error during deregistration: %v", err)
		return
	}
	if err := r.client.Expire(ctx, agentKey(r.prefix, r.AgentID), 30*time.Second).Err(); err != nil {
		log.Printf("AgentRegistry: error setting decay TTL: %v", err)
	}
	log.Printf("Agent deregistered: %s", r.AgentID)
}

func (r *AgentRegistry) autoAssignRole(ctx context.Context) (string, error) {
	agents, err := r.GetAll(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if a.Role == "primary" && a.Status == "active" {
			log.Printf("Primary exists (%s), joining as secondary", a.ID)
			return "secondary", nil
		}
	}
	log.Printf("No active primary found, claiming primary role")
	return "primary", nil
}

func (r *AgentRegistry) recordTTL() time.Duration {
	return r.HeartbeatInterval * time.Duration(r.FailureThreshold) * 3
}

func (r *AgentRegistry) writeRegistration(ctx context.Context) error {
	r.mu.RLock()
	modelsJSON, _ := json.Marshal(r.models)
	capsJSON, _ := json.Marshal(r.capabilities)
	data := map[string]any{
		"id":             r.AgentID,
		"role":           r.role,
		"status":         r.status,
		"host":           r.Host,
		"port":           strconv.Itoa(r.Port),
		"models":         string(modelsJSON),
		"capabilities":   string(capsJSON),
		"current_load":   strconv.Itoa(r.currentLoad),
		"max_load":       strconv.Itoa(r.MaxLoad),
		"last_heartbeat": strconv.FormatInt(time.Now().Unix(), 10),
		"started_at":     strconv.FormatInt(r.startedAt, 10),
		"config_epoch":   strconv.FormatInt(r.configEpoch, 10),
	}
	r.mu.RUnlock()

	key := agentKey(r.prefix, r.AgentID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, r.recordTTL())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *AgentRegistry) updateField(ctx context.Context, field, value string) error {
	return r.client.HSet(ctx, agentKey(r.prefix, r.AgentID), field, value).Err()
}

// Heartbeat refreshes last_heartbeat/current_load and the record TTL in
// one pipeline, matching store/redis.go's UpdateAgentHeartbeat.
func (r *AgentRegistry) Heartbeat(ctx context.Context) error {
	r.mu.RLock()
	load := r.currentLoad
	r.mu.RUnlock()

	key := agentKey(r.prefix, r.AgentID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, "last_heartbeat", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.HSet(ctx, key, "current_load", strconv.Itoa(load))
	pipe.Expire(ctx, key, r.recordTTL())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *AgentRegistry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				log.Printf("AgentRegistry: heartbeat failed: %v", err)
			}
		}
	}
}

// GetAll discovers all registered agents, computing their derived
// health fields fresh, sorted primary-first then by ID.
func (r *AgentRegistry) GetAll(ctx context.Context) ([]AgentRecord, error) {
	var agents []AgentRecord
	now := time.Now().Unix()

	iter := r.client.Scan(ctx, 0, agentsPattern(r.prefix), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		agent := r.parseAgent(data, now)
		agents = append(agents, agent)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(agents, func(i, j int) bool {
		pi, pj := agents[i].Role != "primary", agents[j].Role != "primary"
		if pi != pj {
			return !pi
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

func (r *AgentRegistry) parseAgent(data map[string]string, now int64) AgentRecord {
	var models, caps []string
	_ = json.Unmarshal([]byte(data["models"]), &models)
	_ = json.Unmarshal([]byte(data["capabilities"]), &caps)

	port, _ := strconv.Atoi(data["port"])
	currentLoad, _ := strconv.Atoi(data["current_load"])
	maxLoad, _ := strconv.Atoi(data["max_load"])
	lastHeartbeat, _ := strconv.ParseInt(data["last_heartbeat"], 10, 64)
	startedAt, _ := strconv.ParseInt(data["started_at"], 10, 64)
	configEpoch, _ := strconv.ParseInt(data["config_epoch"], 10, 64)

	interval := int64(r.HeartbeatInterval / time.Second)
	if interval <= 0 {
		interval = 1
	}
	age := now - lastHeartbeat
	missed := age / interval

	return AgentRecord{
		ID:                  data["id"],
		Role:                orDefault(data["role"], "unknown"),
		Status:              orDefault(data["status"], "unknown"),
		Host:                data["host"],
		Port:                port,
		Models:              models,
		Capabilities:        caps,
		CurrentLoad:         currentLoad,
		MaxLoad:             maxLoad,
		LastHeartbeat:       lastHeartbeat,
		StartedAt:           startedAt,
		ConfigEpoch:         configEpoch,
		IsSelf:              data["id"] == r.AgentID,
		HeartbeatAgeSeconds: age,
		MissedHeartbeats:    missed,
		Healthy:             missed < int64(r.FailureThreshold),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetAgent fetches one agent's registration, with its derived health
// fields computed at call time, or (nil, nil) if it is not registered.
func (r *AgentRegistry) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	data, err := r.client.HGetAll(ctx, agentKey(r.prefix, agentID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec := r.parseAgent(data, time.Now().Unix())
	return &rec, nil
}

// UpdateLoad adjusts current_load by delta, clamped at 0.
func (r *AgentRegistry) UpdateLoad(ctx context.Context, delta int) error {
	r.mu.Lock()
	r.currentLoad += delta
	if r.currentLoad < 0 {
		r.currentLoad = 0
	}
	load := r.currentLoad
	r.mu.Unlock()
	return r.updateField(ctx, "current_load", strconv.Itoa(load))
}

// SetRole writes a new role. The caller (election/demotion) is
// responsible for the legitimacy of the transition.
func (r *AgentRegistry) SetRole(ctx context.Context, newRole string) error {
	r.mu.Lock()
	old := r.role
	r.role = newRole
	r.mu.Unlock()
	if err := r.updateField(ctx, "role", newRole); err != nil {
		return err
	}
	log.Printf("Role changed: %s -> %s", old, newRole)
	return nil
}

// IncrementEpoch atomically increments the global config epoch and
// synchronizes the local cached copy and record.
func (r *AgentRegistry) IncrementEpoch(ctx context.Context) (int64, error) {
	newEpoch, err := r.client.Incr(ctx, configEpochKey(r.prefix)).Result()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.configEpoch = newEpoch
	r.mu.Unlock()
	if err := r.updateField(ctx, "config_epoch", strconv.FormatInt(newEpoch, 10)); err != nil {
		return newEpoch, err
	}
	return newEpoch, nil
}

// SyncEpoch overwrites the local cached epoch without incrementing the
// global counter; used by demotion when observing a higher epoch.
func (r *AgentRegistry) SyncEpoch(ctx context.Context, epoch int64) error {
	r.mu.Lock()
	r.configEpoch = epoch
	r.mu.Unlock()
	return r.updateField(ctx, "config_epoch", strconv.FormatInt(epoch, 10))
}

// GetPrimary finds the current healthy primary, if any.
func (r *AgentRegistry) GetPrimary(ctx context.Context) (*AgentRecord, error) {
	agents, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Role == "primary" && a.Healthy {
			return &a, nil
		}
	}
	return nil, nil
}

// GetHealthySecondaries returns all healthy secondary agents.
func (r *AgentRegistry) GetHealthySecondaries(ctx context.Context) ([]AgentRecord, error) {
	agents, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []AgentRecord
	for _, a := range agents {
		if a.Role == "secondary" && a.Healthy {
			out = append(out, a)
		}
	}
	return out, nil
}
