package cluster

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// electionLockTTL prevents two agents from running an election
// simultaneously. Fixed rather than operator-tunable.
const electionLockTTL = 10 * time.Second

// primaryKeyTTL is the safety-net TTL on the "current primary" marker;
// if every agent crashes, the marker self-expires rather than pinning
// a dead agent forever.
const primaryKeyTTL = time.Hour

// ElectionCandidate is one scored contender in a findBestCandidate pass.
type ElectionCandidate struct {
	ID       string
	Score    float64
	EpochLag int64
	Load     int
}

// ElectionStatus summarizes ElectionManager activity for status
// reporting.
type ElectionStatus struct {
	InProgress    bool
	LastElection  time.Time
	ElectionsWon  int64
	ElectionsLost int64
	Demotions     int64
}

// ElectionManager runs a Sentinel-inspired fenced election protocol.
// Lock acquire/release and the loop/backoff posture generalize
// control_plane/coordination/leader.go to this multi-candidate,
// priority-scored protocol.
type ElectionManager struct {
	client        *redis.Client
	registry      *AgentRegistry
	eventBus      *EventBus
	workingMemory *WorkingMemory
	taskStream    *TaskStream
	prefix        string
	agentID       string

	electionTimeout time.Duration
	minSecondaries  int

	mu               sync.Mutex
	inProgress       bool
	lastElectionTime time.Time

	electionsWon  atomic.Int64
	electionsLost atomic.Int64
	demotions     atomic.Int64
}

type ElectionManagerOptions struct {
	Prefix          string
	AgentID         string
	ElectionTimeout time.Duration
	MinSecondaries  int
	WorkingMemory   *WorkingMemory
	TaskStream      *TaskStream
}

func NewElectionManager(client *redis.Client, registry *AgentRegistry, eventBus *EventBus, opts ElectionManagerOptions) *ElectionManager {
	return &ElectionManager{
		client:          client,
		registry:        registry,
		eventBus:        eventBus,
		workingMemory:   opts.WorkingMemory,
		taskStream:      opts.TaskStream,
		prefix:          opts.Prefix,
		agentID:         opts.AgentID,
		electionTimeout: opts.ElectionTimeout,
		minSecondaries:  opts.MinSecondaries,
	}
}

// Start subscribes to the config channel to detect elections run by
// other agents (so this agent can demote itself) and to notice a
// draining primary.
func (e *ElectionManager) Start(ctx context.Context) error {
	if e.eventBus != nil {
		e.eventBus.Subscribe("config", e.handleConfigEvent)
		e.eventBus.Subscribe("config", e.handleAgentEvent)
	}
	log.Printf("ElectionManager started: timeout=%s min_secondaries=%d", e.electionTimeout, e.minSecondaries)
	return nil
}

func (e *ElectionManager) Stop() {
	log.Printf("ElectionManager stopped: won=%d lost=%d demotions=%d",
		e.electionsWon.Load(), e.electionsLost.Load(), e.demotions.Load())
}

// TriggerElection runs the election protocol after a primary is
// confirmed ODOWN, returning true if this agent became primary.
// Matches HealthMonitor's FailoverCallback signature via a thin adapter
// in ClusterManager.
func (e *ElectionManager) TriggerElection(ctx context.Context, failedPrimaryID string, failedInfo AgentRecord) bool {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		log.Printf("ElectionManager: election already in progress, skipping")
		return false
	}
	now := time.Now()
	if !e.lastElectionTime.IsZero() && now.Sub(e.lastElectionTime) < e.electionTimeout {
		e.mu.Unlock()
		log.Printf("ElectionManager: election cooldown active, skipping")
		return false
	}
	e.inProgress = true
	e.lastElectionTime = now
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	log.Printf("ElectionManager: election triggered: failed_primary=%s candidate=%s", failedPrimaryID, e.agentID)

	acquired, err := e.acquireLock(ctx)
	if err != nil || !acquired {
		log.Printf("ElectionManager: another agent is running the election")
		e.electionsLost.Add(1)
		return false
	}
	defer e.releaseLock(ctx)

	// Step 2: verify the primary is still down, guarding against it
	// recovering between the ODOWN decision and this election actually
	// starting.
	if primary, err := e.registry.GetAgent(ctx, failedPrimaryID); err == nil && primary != nil {
		age := time.Now().Unix() - primary.LastHeartbeat
		interval := e.registry.HeartbeatInterval
		if interval <= 0 {
			interval = time.Second
		}
		missed := age / int64(interval.Seconds())
		if missed < int64(e.registry.FailureThreshold) {
			log.Printf("ElectionManager: primary %s recovered during election (missed=%d), aborting", failedPrimaryID, missed)
			return false
		}
	}

	if !e.isEligible() {
		log.Printf("ElectionManager: this agent is not eligible for election")
		e.electionsLost.Add(1)
		return false
	}

	myScore, err := e.calculatePriority(ctx)
	if err != nil {
		log.Printf("ElectionManager: priority calculation failed: %v", err)
		e.electionsLost.Add(1)
		return false
	}

	best, err := e.findBestCandidate(ctx)
	if err == nil && best != nil && best.ID != e.agentID {
		log.Printf("ElectionManager: better candidate exists: %s (score=%.1f vs ours=%.1f)", best.ID, best.Score, myScore)
		e.electionsLost.Add(1)
		return false
	}

	return e.promoteToPrimary(ctx, failedPrimaryID)
}

func (e *ElectionManager) isEligible() bool {
	role := e.registry.Role()
	if role != "secondary" && role != "standby" && role != "auto" {
		return false
	}
	e.registry.mu.RLock()
	status := e.registry.status
	load := e.registry.currentLoad
	maxLoad := e.registry.MaxLoad
	e.registry.mu.RUnlock()
	if status != "active" {
		return false
	}
	if load >= maxLoad {
		return false
	}
	return true
}

func (e *ElectionManager) calculatePriority(ctx context.Context) (float64, error) {
	globalEpoch, err := e.client.Get(ctx, configEpochKey(e.prefix)).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	localEpoch := e.registry.ConfigEpoch()
	epochLag := globalEpoch - localEpoch
	if epochLag < 0 {
		epochLag = 0
	}
	e.registry.mu.RLock()
	load := e.registry.currentLoad
	e.registry.mu.RUnlock()

	return float64(epochLag*1000) + float64(load), nil
}

// findBestCandidate scores every healthy, active secondary/standby from
// the registry and returns the lowest score. Peer loads are read as last
// heartbeated: there is no barrier waiting for peers to refresh
// current_load after the failure, so under load churn the chosen winner
// may not be the least loaded.
func (e *ElectionManager) findBestCandidate(ctx context.Context) (*ElectionCandidate, error) {
	agents, err := e.registry.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	globalEpoch, err := e.client.Get(ctx, configEpochKey(e.prefix)).Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	var candidates []ElectionCandidate
	for _, a := range agents {
		if a.Role != "secondary" && a.Role != "standby" {
			continue
		}
		if !a.Healthy || a.Status != "active" {
			continue
		}
		if a.CurrentLoad >= a.MaxLoad {
			continue
		}
		lag := globalEpoch - a.ConfigEpoch
		if lag < 0 {
			lag = 0
		}
		candidates = append(candidates, ElectionCandidate{
			ID:       a.ID,
			Score:    float64(lag*1000) + float64(a.CurrentLoad),
			EpochLag: lag,
			Load:     a.CurrentLoad,
		})
	}

	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score < candidates[j].Score })
	return &candidates[0], nil
}

// promoteToPrimary runs the full promotion sequence as a single unit:
// any step failing rolls the role back to secondary rather than leaving
// this agent half-promoted (in-memory role desynced from Redis, or
// claiming primary without a durable marker other agents can see).
func (e *ElectionManager) promoteToPrimary(ctx context.Context, oldPrimaryID string) bool {
	newEpoch, err := e.registry.IncrementEpoch(ctx)
	if err != nil {
		log.Printf("ElectionManager: promotion failed: %v", err)
		return false
	}

	if err := e.registry.SetRole(ctx, "primary"); err != nil {
		log.Printf("ElectionManager: promotion failed: %v", err)
		e.rollbackToSecondary(ctx)
		return false
	}

	if err := e.client.Set(ctx, electionPrimaryKey(e.prefix), e.agentID, primaryKeyTTL).Err(); err != nil {
		log.Printf("ElectionManager: failed to record current primary: %v", err)
		e.rollbackToSecondary(ctx)
		return false
	}

	log.Printf("ElectionManager: ELECTED PRIMARY: %s (epoch=%d, old_primary=%s)", e.agentID, newEpoch, oldPrimaryID)

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, "config", map[string]any{
			"type":         "primary_elected",
			"new_primary":  e.agentID,
			"old_primary":  oldPrimaryID,
			"config_epoch": newEpoch,
		})
	}

	e.reassignWork(ctx, oldPrimaryID)
	e.electionsWon.Add(1)
	return true
}

// rollbackToSecondary is the recovery path for a promotion that failed
// partway through. Best effort: if this write also fails, the mismatch
// is left for the next heartbeat/epoch check to catch.
func (e *ElectionManager) rollbackToSecondary(ctx context.Context) {
	if err := e.registry.SetRole(ctx, "secondary"); err != nil {
		log.Printf("ElectionManager: rollback to secondary failed: %v", err)
	}
}

func (e *ElectionManager) reassignWork(ctx context.Context, oldPrimaryID string) {
	if e.workingMemory == nil {
		return
	}
	items, err := e.workingMemory.GetAgentWork(ctx, oldPrimaryID)
	if err != nil {
		log.Printf("ElectionManager: work transfer error: %v", err)
		return
	}
	for _, item := range items {
		convID, _ := item["conv_id"].(string)
		if convID == "" {
			continue
		}
		taskType, _ := item["task_type"].(string)
		if err := e.workingMemory.ClaimWork(ctx, convID, taskType); err == nil {
			log.Printf("ElectionManager: transferred conversation %s from %s -> %s", convID, oldPrimaryID, e.agentID)
		}
	}
	log.Printf("ElectionManager: work reassignment from %s complete", oldPrimaryID)
}

// CheckAndDemote steps this agent down from primary when it observes a
// higher config epoch than its own: someone else was elected while it
// was partitioned or slow.
func (e *ElectionManager) CheckAndDemote(ctx context.Context) (bool, error) {
	if e.registry.Role() != "primary" {
		return false, nil
	}

	globalEpoch, err := e.client.Get(ctx, configEpochKey(e.prefix)).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if globalEpoch <= e.registry.ConfigEpoch() {
		return false, nil
	}

	currentPrimary, err := e.client.Get(ctx, electionPrimaryKey(e.prefix)).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if currentPrimary == "" || currentPrimary == e.agentID {
		return false, nil
	}

	log.Printf("ElectionManager: DEMOTING: higher epoch detected (global=%d > ours=%d). New primary=%s",
		globalEpoch, e.registry.ConfigEpoch(), currentPrimary)
	e.demoteToSecondary(ctx, globalEpoch)
	return true, nil
}

func (e *ElectionManager) demoteToSecondary(ctx context.Context, newEpoch int64) {
	oldRole := e.registry.Role()
	if err := e.registry.SetRole(ctx, "secondary"); err != nil {
		log.Printf("ElectionManager: demote role update failed: %v", err)
	}
	if err := e.registry.SyncEpoch(ctx, newEpoch); err != nil {
		log.Printf("ElectionManager: demote epoch sync failed: %v", err)
	}
	e.demotions.Add(1)

	log.Printf("ElectionManager: demoted: %s -> secondary (epoch synced to %d)", oldRole, newEpoch)

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, "agent", map[string]any{
			"type":      "agent_demoted",
			"id":        e.agentID,
			"from_role": oldRole,
			"to_role":   "secondary",
			"epoch":     newEpoch,
		})
	}
}

// CheckMinSecondaries reports whether a primary has enough reachable
// secondaries to keep accepting new work. Always true for non-primaries.
func (e *ElectionManager) CheckMinSecondaries(ctx context.Context) (bool, error) {
	if e.registry.Role() != "primary" {
		return true, nil
	}
	secondaries, err := e.registry.GetHealthySecondaries(ctx)
	if err != nil {
		return false, err
	}
	hasEnough := len(secondaries) >= e.minSecondaries
	if !hasEnough {
		log.Printf("ElectionManager: insufficient secondaries: %d/%d, primary should reject new work",
			len(secondaries), e.minSecondaries)
	}
	return hasEnough, nil
}

// InitiateDrain marks this agent draining, demotes it if primary (so an
// election can promote a replacement), and releases its work
// assignments. Called before shutdown.
func (e *ElectionManager) InitiateDrain(ctx context.Context, reason string) {
	log.Printf("ElectionManager: initiating drain: reason=%s", reason)

	if err := e.registry.updateField(ctx, "status", "draining"); err != nil {
		log.Printf("ElectionManager: drain status update failed: %v", err)
	}
	e.registry.mu.Lock()
	e.registry.status = "draining"
	role := e.registry.role
	e.registry.mu.Unlock()

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, "agent", map[string]any{
			"type":   "agent_draining",
			"id":     e.agentID,
			"role":   role,
			"reason": reason,
		})
	}

	if role == "primary" {
		log.Printf("ElectionManager: primary draining, triggering preemptive election")
		if err := e.registry.SetRole(ctx, "secondary"); err != nil {
			log.Printf("ElectionManager: drain demote failed: %v", err)
		}
		if e.eventBus != nil {
			e.eventBus.Publish(ctx, "config", map[string]any{
				"type":     "primary_draining",
				"agent_id": e.agentID,
				"reason":   reason,
			})
		}
	}

	if e.workingMemory != nil {
		items, err := e.workingMemory.GetAgentWork(ctx, "")
		if err != nil {
			log.Printf("ElectionManager: error releasing work during drain: %v", err)
		} else {
			for _, item := range items {
				if convID, _ := item["conv_id"].(string); convID != "" {
					e.workingMemory.ReleaseWork(ctx, convID)
				}
			}
		}
	}

	log.Printf("ElectionManager: drain complete, agent ready for shutdown")
}

func (e *ElectionManager) acquireLock(ctx context.Context) (bool, error) {
	return e.client.SetNX(ctx, electionLockKey(e.prefix), e.agentID, electionLockTTL).Result()
}

// releaseLockScript is the same get-owner-then-delete compare-and-delete
// used by store/redis.go's ReleaseLock: it only deletes the key when the
// value still matches the caller's id, so a lock that already expired and
// was re-acquired by another agent is never deleted out from under them.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// releaseLock atomically releases the election lock if and only if this
// agent still holds it. Returns ErrLockNotOwned when the lock had already
// expired or been taken by another agent.
func (e *ElectionManager) releaseLock(ctx context.Context) error {
	res, err := e.client.Eval(ctx, releaseLockScript, []string{electionLockKey(e.prefix)}, e.agentID).Result()
	if err != nil {
		log.Printf("ElectionManager: error releasing election lock: %v", err)
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func (e *ElectionManager) handleConfigEvent(channel string, event map[string]any) {
	eventType, _ := event["type"].(string)
	if eventType != "primary_elected" {
		return
	}
	newPrimary, _ := event["new_primary"].(string)
	if newPrimary == e.agentID {
		return
	}
	newEpoch := event["config_epoch"]
	log.Printf("ElectionManager: new primary elected: %s (epoch=%v)", newPrimary, newEpoch)
	e.CheckAndDemote(context.Background())
}

func (e *ElectionManager) handleAgentEvent(channel string, event map[string]any) {
	eventType, _ := event["type"].(string)
	if eventType != "primary_draining" {
		return
	}
	drainingID, _ := event["agent_id"].(string)
	if drainingID != e.agentID {
		log.Printf("ElectionManager: primary %s is draining, election may follow", drainingID)
	}
}

// GetStatus returns election counters and in-progress state.
func (e *ElectionManager) GetStatus() ElectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ElectionStatus{
		InProgress:    e.inProgress,
		LastElection:  e.lastElectionTime,
		ElectionsWon:  e.electionsWon.Load(),
		ElectionsLost: e.electionsLost.Load(),
		Demotions:     e.demotions.Load(),
	}
}
