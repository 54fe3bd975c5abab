package cluster

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// voteTTL is how long an SDOWN vote stays valid before it's considered
// stale and swept from the sorted set. Kept as a fixed constant rather
// than an operator-tunable knob.
const voteTTL = 30 * time.Second

// FailoverCallback is invoked when a primary agent reaches ODOWN.
// ClusterManager binds ElectionManager.TriggerElection to it through a
// thin adapter that discards TriggerElection's result.
type FailoverCallback func(ctx context.Context, targetID string, agentInfo AgentRecord)

// VoteStatus reports the current SDOWN vote state for one target agent.
type VoteStatus struct {
	Votes      int64
	Voters     []string
	Odown      bool
	SdownSince int64
}

// HealthStatus summarizes HealthMonitor activity for status reporting.
type HealthStatus struct {
	Checks      int64
	SdownEvents int64
	OdownEvents int64
	SdownAgents []string
	OdownAgents []string
}

// HealthMonitor implements Sentinel-style two-phase failure detection
// (SDOWN -> ODOWN). Loop shape is grounded on
// control_plane/coordination/agent_monitor.go.
type HealthMonitor struct {
	client   *redis.Client
	registry *AgentRegistry
	eventBus *EventBus
	prefix   string
	agentID  string

	heartbeatInterval time.Duration
	failureThreshold  int

	mu           sync.Mutex
	sdownAgents  map[string]int64 // agent_id -> unix time first marked SDOWN
	odownAgents  map[string]bool

	callbackMu sync.RWMutex
	callback   FailoverCallback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	checks      atomic.Int64
	sdownEvents atomic.Int64
	odownEvents atomic.Int64
}

type HealthMonitorOptions struct {
	Prefix            string
	AgentID           string
	HeartbeatInterval time.Duration
	FailureThreshold  int
}

func NewHealthMonitor(client *redis.Client, registry *AgentRegistry, eventBus *EventBus, opts HealthMonitorOptions) *HealthMonitor {
	return &HealthMonitor{
		client:            client,
		registry:          registry,
		eventBus:          eventBus,
		prefix:            opts.Prefix,
		agentID:           opts.AgentID,
		heartbeatInterval: opts.HeartbeatInterval,
		failureThreshold:  opts.FailureThreshold,
		sdownAgents:       make(map[string]int64),
		odownAgents:       make(map[string]bool),
		stopCh:            make(chan struct{}),
	}
}

// SetFailoverCallback sets the hook invoked on primary ODOWN.
func (h *HealthMonitor) SetFailoverCallback(cb FailoverCallback) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.callback = cb
}

// Start subscribes to the event bus's health channel and launches the
// monitor loop.
func (h *HealthMonitor) Start(ctx context.Context) error {
	if h.eventBus != nil {
		h.eventBus.Subscribe("health", h.handleHealthEvent)
	}

	h.wg.Add(1)
	go h.monitorLoop(ctx)

	log.Printf("HealthMonitor started: interval=%s threshold=%d quorum=N/2+1",
		h.heartbeatInterval, h.failureThreshold)
	return nil
}

func (h *HealthMonitor) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
	log.Printf("HealthMonitor stopped: checks=%d sdown=%d odown=%d",
		h.checks.Load(), h.sdownEvents.Load(), h.odownEvents.Load())
}

func (h *HealthMonitor) monitorLoop(ctx context.Context) {
	defer h.wg.Done()

	select {
	case <-time.After(h.heartbeatInterval * 2):
	case <-ctx.Done():
		return
	case <-h.stopCh:
		return
	}

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkPeers(ctx)
			h.checks.Add(1)
		}
	}
}

func (h *HealthMonitor) checkPeers(ctx context.Context) {
	agents, err := h.registry.GetAll(ctx)
	if err != nil {
		log.Printf("HealthMonitor: check error: %v", err)
		return
	}

	activeIDs := make(map[string]bool, len(agents))
	for _, agent := range agents {
		activeIDs[agent.ID] = true

		if agent.IsSelf {
			continue
		}
		if agent.Status == "stopped" || agent.Status == "failed" {
			continue
		}

		if agent.MissedHeartbeats >= int64(h.failureThreshold) {
			h.markSdown(ctx, agent.ID, agent)
		} else {
			h.clearSdown(ctx, agent.ID)
		}
	}

	h.mu.Lock()
	var stale []string
	for aid := range h.sdownAgents {
		if !activeIDs[aid] {
			stale = append(stale, aid)
		}
	}
	h.mu.Unlock()
	for _, aid := range stale {
		h.clearSdown(ctx, aid)
	}
}

func (h *HealthMonitor) markSdown(ctx context.Context, targetID string, info AgentRecord) {
	h.mu.Lock()
	_, already := h.sdownAgents[targetID]
	if !already {
		h.sdownAgents[targetID] = time.Now().Unix()
	}
	h.mu.Unlock()

	if already {
		if err := h.checkOdown(ctx, targetID, info); err != nil && !errors.Is(err, ErrNoQuorum) {
			log.Printf("HealthMonitor: odown check failed for %s: %v", targetID, err)
		}
		return
	}

	h.sdownEvents.Add(1)
	log.Printf("HealthMonitor: SDOWN detected: %s (missed=%d age=%ds)",
		targetID, info.MissedHeartbeats, info.HeartbeatAgeSeconds)

	if h.eventBus != nil {
		h.eventBus.PublishHealthAlert(ctx, "agent_sdown", targetID, map[string]any{
			"target_role":       info.Role,
			"missed_heartbeats": info.MissedHeartbeats,
			"heartbeat_age":     info.HeartbeatAgeSeconds,
		})
	}

	h.castVote(ctx, targetID)
	if err := h.checkOdown(ctx, targetID, info); err != nil && !errors.Is(err, ErrNoQuorum) {
		log.Printf("HealthMonitor: odown check failed for %s: %v", targetID, err)
	}
}

func (h *HealthMonitor) clearSdown(ctx context.Context, targetID string) {
	h.mu.Lock()
	_, existed := h.sdownAgents[targetID]
	if existed {
		delete(h.sdownAgents, targetID)
	}
	wasOdown := h.odownAgents[targetID]
	if wasOdown {
		delete(h.odownAgents, targetID)
	}
	h.mu.Unlock()

	if !existed {
		return
	}

	h.client.ZRem(ctx, votesKey(h.prefix, targetID), h.agentID)

	if wasOdown {
		log.Printf("HealthMonitor: agent recovered from ODOWN: %s", targetID)
		if h.eventBus != nil {
			h.eventBus.PublishHealthAlert(ctx, "agent_recovered", targetID, nil)
		}
	}
}

func (h *HealthMonitor) castVote(ctx context.Context, targetID string) {
	key := votesKey(h.prefix, targetID)
	now := time.Now().Unix()

	pipe := h.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: h.agentID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now-int64(voteTTL.Seconds()), 10))
	pipe.Expire(ctx, key, 2*voteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("HealthMonitor: vote cast failed for %s: %v", targetID, err)
	}
}

func (h *HealthMonitor) countVotes(ctx context.Context, targetID string) int64 {
	key := votesKey(h.prefix, targetID)
	now := time.Now().Unix()
	h.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now-int64(voteTTL.Seconds()), 10))
	count, err := h.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0
	}
	return count
}

func (h *HealthMonitor) getVoters(ctx context.Context, targetID string) []string {
	members, err := h.client.ZRange(ctx, votesKey(h.prefix, targetID), 0, -1).Result()
	if err != nil {
		return nil
	}
	return members
}

// checkOdown promotes an SDOWN target to ODOWN once a quorum of agents
// have voted it down. Returns ErrNoQuorum when fewer than two
// registered agents have a status other than "stopped", since a solo
// agent can never reach quorum.
func (h *HealthMonitor) checkOdown(ctx context.Context, targetID string, info AgentRecord) error {
	h.mu.Lock()
	if h.odownAgents[targetID] {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	agents, err := h.registry.GetAll(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, a := range agents {
		if a.Status != "stopped" {
			total++
		}
	}
	if total < 2 {
		return ErrNoQuorum
	}

	quorum := int64(total/2 + 1)
	votes := h.countVotes(ctx, targetID)
	if votes < quorum {
		return nil
	}

	h.mu.Lock()
	h.odownAgents[targetID] = true
	h.mu.Unlock()
	h.odownEvents.Add(1)

	voters := h.getVoters(ctx, targetID)
	log.Printf("HealthMonitor: ODOWN confirmed: %s (votes=%d/%d quorum=%d voters=%v)",
		targetID, votes, total, quorum, voters)

	if h.eventBus != nil {
		h.eventBus.PublishHealthAlert(ctx, "agent_odown", targetID, map[string]any{
			"target_role":  info.Role,
			"votes":        votes,
			"quorum":       quorum,
			"total_agents": total,
			"voters":       voters,
		})
	}

	if info.Role == "primary" {
		log.Printf("HealthMonitor: PRIMARY DOWN: %s, initiating failover", targetID)
		h.callbackMu.RLock()
		cb := h.callback
		h.callbackMu.RUnlock()
		if cb != nil {
			cb(ctx, targetID, info)
		}
	}

	return nil
}

func (h *HealthMonitor) handleHealthEvent(channel string, event map[string]any) {
	eventType, _ := event["type"].(string)
	targetID, _ := event["target_id"].(string)
	if targetID == "" || targetID == h.agentID {
		return
	}
	if eventType != "agent_sdown" {
		return
	}

	ctx := context.Background()
	agent, err := h.registry.GetAgent(ctx, targetID)
	if err != nil || agent == nil {
		return
	}

	interval := h.heartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	heartbeatAge := time.Now().Unix() - agent.LastHeartbeat
	missed := heartbeatAge / int64(interval.Seconds())

	if missed >= int64(h.failureThreshold) {
		h.castVote(ctx, targetID)
		info := AgentRecord{
			Role:                agent.Role,
			MissedHeartbeats:    missed,
			HeartbeatAgeSeconds: heartbeatAge,
		}
		if err := h.checkOdown(ctx, targetID, info); err != nil && !errors.Is(err, ErrNoQuorum) {
			log.Printf("HealthMonitor: odown check failed for %s: %v", targetID, err)
		}
	}
}

// GetStatus returns the monitor's aggregate counters and current
// SDOWN/ODOWN membership.
func (h *HealthMonitor) GetStatus() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	sdown := make([]string, 0, len(h.sdownAgents))
	for aid := range h.sdownAgents {
		sdown = append(sdown, aid)
	}
	odown := make([]string, 0, len(h.odownAgents))
	for aid := range h.odownAgents {
		odown = append(odown, aid)
	}

	return HealthStatus{
		Checks:      h.checks.Load(),
		SdownEvents: h.sdownEvents.Load(),
		OdownEvents: h.odownEvents.Load(),
		SdownAgents: sdown,
		OdownAgents: odown,
	}
}

// GetVoteStatus reports vote counts for every agent currently under
// SDOWN suspicion.
func (h *HealthMonitor) GetVoteStatus(ctx context.Context) map[string]VoteStatus {
	h.mu.Lock()
	targets := make([]string, 0, len(h.sdownAgents))
	sdownSince := make(map[string]int64, len(h.sdownAgents))
	for aid, since := range h.sdownAgents {
		targets = append(targets, aid)
		sdownSince[aid] = since
	}
	h.mu.Unlock()

	result := make(map[string]VoteStatus, len(targets))
	for _, targetID := range targets {
		h.mu.Lock()
		odown := h.odownAgents[targetID]
		h.mu.Unlock()

		result[targetID] = VoteStatus{
			Votes:      h.countVotes(ctx, targetID),
			Voters:     h.getVoters(ctx, targetID),
			Odown:      odown,
			SdownSince: sdownSince[targetID],
		}
	}
	return result
}
