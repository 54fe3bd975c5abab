package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed TTLs for context and work-assignment entries. Only the session
// TTL is operator-tunable (CLUSTER_WORKING_MEMORY_TTL, mapped to
// SessionTTL below); these stay as package constants rather than
// inventing new config knobs.
const (
	defaultContextTTL = 2 * time.Hour
	workTTL           = 30 * time.Minute
	promotionTick     = 30 * time.Second
)

// PromotionCallback persists a queued item to long-term storage. Set via
// WorkingMemory.SetPromotionCallback; left nil, promotions are logged
// and dropped.
type PromotionCallback func(ctx context.Context, data map[string]any) error

type promotionItem struct {
	data        map[string]any
	queuedAt    time.Time
	contentHash string
}

// ActiveSession summarizes one entry from the active-sessions sorted
// set, as returned by GetActiveSessions.
type ActiveSession struct {
	ConvID     string
	LastAccess int64
	AgeSeconds int64
}

// WorkingMemoryStats summarizes WorkingMemory activity for status
// reporting.
type WorkingMemoryStats struct {
	Reads              int64
	Writes             int64
	Promotions         int64
	Evictions          int64
	PromotionQueueSize int
}

// WorkingMemory is Redis-backed ephemeral session/context state shared
// across agents. Long-term persistence is treated as an external
// collaborator; this layer only holds the debounced promotion queue
// that hands items off via PromotionCallback.
type WorkingMemory struct {
	client  *redis.Client
	prefix  string
	agentID string

	sessionTTL      time.Duration
	contextTTL      time.Duration
	promotionDelay  time.Duration

	queueMu        sync.Mutex
	promotionQueue []promotionItem

	callbackMu sync.RWMutex
	callback   PromotionCallback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	reads      atomic.Int64
	writes     atomic.Int64
	promotions atomic.Int64
	evictions  atomic.Int64
}

// WorkingMemoryOptions configures NewWorkingMemory. ContextTTL, when
// zero, defaults to defaultContextTTL.
type WorkingMemoryOptions struct {
	Prefix         string
	AgentID        string
	SessionTTL     time.Duration
	ContextTTL     time.Duration
	PromotionDelay time.Duration
}

func NewWorkingMemory(client *redis.Client, opts WorkingMemoryOptions) *WorkingMemory {
	contextTTL := opts.ContextTTL
	if contextTTL <= 0 {
		contextTTL = defaultContextTTL
	}
	return &WorkingMemory{
		client:         client,
		prefix:         opts.Prefix,
		agentID:        opts.AgentID,
		sessionTTL:     opts.SessionTTL,
		contextTTL:     contextTTL,
		promotionDelay: opts.PromotionDelay,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background promotion loop.
func (w *WorkingMemory) Start(ctx context.Context) error {
	w.wg.Add(1)
	go w.promotionLoop(ctx)
	log.Printf("WorkingMemory started: agent=%s session_ttl=%s context_ttl=%s",
		w.agentID, w.sessionTTL, w.contextTTL)
	return nil
}

// Stop halts the promotion loop. Items still queued are dropped; it
// does not flush on shutdown.
func (w *WorkingMemory) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	log.Printf("WorkingMemory stopped: reads=%d writes=%d promotions=%d evictions=%d",
		w.reads.Load(), w.writes.Load(), w.promotions.Load(), w.evictions.Load())
}

// ── Session CRUD ─────────────────────────────────────────────

// SetSession stores or updates session state for a conversation. ttl<=0
// uses the configured session TTL. data is mutated with tracking
// metadata before being serialized.
func (w *WorkingMemory) SetSession(ctx context.Context, convID string, data map[string]any, ttl time.Duration) error {
	now := time.Now().Unix()
	data["_updated_at"] = now
	data["_agent_id"] = w.agentID
	data["_conv_id"] = convID

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = w.sessionTTL
	}

	pipe := w.client.Pipeline()
	pipe.Set(ctx, sessionKey(w.prefix, convID), payload, effectiveTTL)
	pipe.ZAdd(ctx, activeSessionsKey(w.prefix), redis.Z{Score: float64(now), Member: convID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	w.writes.Add(1)
	return nil
}

// GetSession retrieves session state, or (nil, nil) if absent/expired.
func (w *WorkingMemory) GetSession(ctx context.Context, convID string) (map[string]any, error) {
	data, err := w.client.Get(ctx, sessionKey(w.prefix, convID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.reads.Add(1)

	var session map[string]any
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, nil
	}
	return session, nil
}

// UpdateSession merges updates into an existing session, returning
// false if the session did not exist.
func (w *WorkingMemory) UpdateSession(ctx context.Context, convID string, updates map[string]any) (bool, error) {
	existing, err := w.GetSession(ctx, convID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	for k, v := range updates {
		existing[k] = v
	}
	if err := w.SetSession(ctx, convID, existing, 0); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteSession removes a session (e.g. conversation ended).
func (w *WorkingMemory) DeleteSession(ctx context.Context, convID string) error {
	pipe := w.client.Pipeline()
	pipe.Del(ctx, sessionKey(w.prefix, convID))
	pipe.ZRem(ctx, activeSessionsKey(w.prefix), convID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	w.evictions.Add(1)
	return nil
}

// TouchSession refreshes a session's TTL and last-access score, reporting
// whether the session still exists.
func (w *WorkingMemory) TouchSession(ctx context.Context, convID string) (bool, error) {
	ok, err := w.client.Expire(ctx, sessionKey(w.prefix, convID), w.sessionTTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		w.client.ZAdd(ctx, activeSessionsKey(w.prefix), redis.Z{
			Score: float64(time.Now().Unix()), Member: convID,
		})
	}
	return ok, nil
}

// ── Context Snapshots ────────────────────────────────────────

// SetContext stores a compact context snapshot for agent handoff.
func (w *WorkingMemory) SetContext(ctx context.Context, convID string, context map[string]any, ttl time.Duration) error {
	context["_created_at"] = time.Now().Unix()
	context["_source_agent"] = w.agentID

	payload, err := json.Marshal(context)
	if err != nil {
		return err
	}
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = w.contextTTL
	}
	if err := w.client.Set(ctx, contextKey(w.prefix, convID), payload, effectiveTTL).Err(); err != nil {
		return err
	}
	w.writes.Add(1)
	return nil
}

// GetContext retrieves a context snapshot, or (nil, nil) if absent.
func (w *WorkingMemory) GetContext(ctx context.Context, convID string) (map[string]any, error) {
	data, err := w.client.Get(ctx, contextKey(w.prefix, convID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.reads.Add(1)

	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, nil
	}
	return snapshot, nil
}

// ── Agent Work Tracking ──────────────────────────────────────

// ClaimWork records that this agent is working on a conversation/task.
func (w *WorkingMemory) ClaimWork(ctx context.Context, convID, taskType string) error {
	if taskType == "" {
		taskType = "conversation"
	}
	work := map[string]any{
		"conv_id":    convID,
		"task_type":  taskType,
		"started_at": time.Now().Unix(),
		"agent_id":   w.agentID,
	}
	payload, err := json.Marshal(work)
	if err != nil {
		return err
	}
	key := agentWorkKey(w.prefix, w.agentID)
	if err := w.client.HSet(ctx, key, convID, payload).Err(); err != nil {
		return err
	}
	return w.client.Expire(ctx, key, workTTL).Err()
}

// ReleaseWork releases a work assignment (task finished).
func (w *WorkingMemory) ReleaseWork(ctx context.Context, convID string) error {
	return w.client.HDel(ctx, agentWorkKey(w.prefix, w.agentID), convID).Err()
}

// GetAgentWork returns all work assignments for agentID, or for this
// agent when agentID is empty.
func (w *WorkingMemory) GetAgentWork(ctx context.Context, agentID string) ([]map[string]any, error) {
	if agentID == "" {
		agentID = w.agentID
	}
	data, err := w.client.HGetAll(ctx, agentWorkKey(w.prefix, agentID)).Result()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(data))
	for _, v := range data {
		var work map[string]any
		if err := json.Unmarshal([]byte(v), &work); err == nil {
			results = append(results, work)
		}
	}
	return results, nil
}

// FindAgentForConv scans all agent work keys to find who owns convID.
// Admin/diagnostic path, not for hot loops.
func (w *WorkingMemory) FindAgentForConv(ctx context.Context, convID string) (string, error) {
	pattern := w.prefix + "agent_work:*"
	iter := w.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := w.client.HGet(ctx, iter.Val(), convID).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}
		var work map[string]any
		if err := json.Unmarshal([]byte(data), &work); err == nil {
			if agentID, _ := work["agent_id"].(string); agentID != "" {
				return agentID, nil
			}
		}
	}
	return "", iter.Err()
}

// ── Active Sessions ──────────────────────────────────────────

// GetActiveSessions returns up to limit sessions, most recently
// accessed first.
func (w *WorkingMemory) GetActiveSessions(ctx context.Context, limit int64) ([]ActiveSession, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := w.client.ZRevRangeWithScores(ctx, activeSessionsKey(w.prefix), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	results := make([]ActiveSession, 0, len(entries))
	for _, z := range entries {
		convID, _ := z.Member.(string)
		lastAccess := int64(z.Score)
		results = append(results, ActiveSession{
			ConvID:     convID,
			LastAccess: lastAccess,
			AgeSeconds: now - lastAccess,
		})
	}
	return results, nil
}

// CountActiveSessions reports the size of the active-sessions set.
func (w *WorkingMemory) CountActiveSessions(ctx context.Context) (int64, error) {
	return w.client.ZCard(ctx, activeSessionsKey(w.prefix)).Result()
}

// ── Promotion Pipeline ───────────────────────────────────────

// SetPromotionCallback registers the hook that persists queued items to
// long-term storage. See promotion_postgres.go for an example sink.
func (w *WorkingMemory) SetPromotionCallback(cb PromotionCallback) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.callback = cb
}

// QueueForPromotion adds data to the debounced promotion queue; it will
// be handed to the promotion callback after promotionDelay has elapsed,
// deduplicated by content hash against anything else promoted in the
// same tick.
func (w *WorkingMemory) QueueForPromotion(data map[string]any) {
	canonical, err := json.Marshal(sortedKeys(data))
	if err != nil {
		canonical = []byte{}
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])[:16]

	w.queueMu.Lock()
	w.promotionQueue = append(w.promotionQueue, promotionItem{
		data:        data,
		queuedAt:    time.Now(),
		contentHash: hash,
	})
	w.queueMu.Unlock()
}

// sortedKeys renders data as a deterministically key-ordered structure
// so the content hash is stable regardless of map iteration order.
func sortedKeys(data map[string]any) []any {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, data[k])
	}
	return pairs
}

func (w *WorkingMemory) promotionLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(promotionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drainReadyPromotions(ctx)
		}
	}
}

func (w *WorkingMemory) drainReadyPromotions(ctx context.Context) {
	now := time.Now()

	w.queueMu.Lock()
	var ready, remaining []promotionItem
	for _, item := range w.promotionQueue {
		if now.Sub(item.queuedAt) >= w.promotionDelay {
			ready = append(ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	w.promotionQueue = remaining
	w.queueMu.Unlock()

	if len(ready) == 0 {
		return
	}

	seen := make(map[string]bool, len(ready))
	unique := make([]promotionItem, 0, len(ready))
	for _, item := range ready {
		if !seen[item.contentHash] {
			seen[item.contentHash] = true
			unique = append(unique, item)
		}
	}

	w.callbackMu.RLock()
	cb := w.callback
	w.callbackMu.RUnlock()

	promoted := 0
	for _, item := range unique {
		if cb == nil {
			log.Printf("WorkingMemory: promotion skipped (no callback): %v", item.data["type"])
			continue
		}
		if err := cb(ctx, item.data); err != nil {
			log.Printf("WorkingMemory: promotion failed: %v", err)
			continue
		}
		w.promotions.Add(1)
		promoted++
	}
	if promoted > 0 {
		log.Printf("WorkingMemory: promoted %d items to long-term memory (deduplicated from %d)",
			promoted, len(ready))
	}
}

// ── Cleanup ──────────────────────────────────────────────────

// CleanupStaleSessions removes active-session entries older than maxAge,
// returning the number removed.
func (w *WorkingMemory) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed, err := w.client.ZRemRangeByScore(ctx, activeSessionsKey(w.prefix), "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		w.evictions.Add(removed)
		log.Printf("WorkingMemory: cleaned up %d stale session entries", removed)
	}
	return removed, nil
}

// ── Stats ────────────────────────────────────────────────────

func (w *WorkingMemory) GetStats() WorkingMemoryStats {
	w.queueMu.Lock()
	queueSize := len(w.promotionQueue)
	w.queueMu.Unlock()

	return WorkingMemoryStats{
		Reads:              w.reads.Load(),
		Writes:             w.writes.Load(),
		Promotions:         w.promotions.Load(),
		Evictions:          w.evictions.Load(),
		PromotionQueueSize: queueSize,
	}
}
