package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var priorities = []string{"high", "normal", "low"}

const (
	defaultConsumerGroup = "nexus:workers"
	resultTTL            = time.Hour
	maxRetries           = 3
	claimTimeout         = 60 * time.Second
	claimTick            = 30 * time.Second
)

// TaskHandler executes a task's payload and returns a JSON-serializable
// result, or an error to trigger the retry/dead-letter path.
type TaskHandler func(ctx context.Context, payload map[string]any) (any, error)

// TaskMessage is a parsed Redis Stream entry.
type TaskMessage struct {
	TaskID    string
	StreamID  string
	Priority  string
	TaskType  string
	Payload   map[string]any
	ConvID    string
	UserID    string
	ModelHint string
	ParentID  string
	Role      string
	MaxTokens int
	TimeoutMs int
	CreatedAt int64
	Attempt   int
}

// TaskStream is a priority-partitioned, consumer-group-based durable
// task queue over Redis Streams.
type TaskStream struct {
	client        *redis.Client
	prefix        string
	agentID       string
	consumerGroup string

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	// claimDisabled is set once XAUTOCLAIM is found to be unavailable on
	// the connected broker, so the ticker stops retrying it forever.
	claimDisabled atomic.Bool

	published    atomic.Int64
	consumed     atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

func NewTaskStream(client *redis.Client, prefix, agentID string) *TaskStream {
	return &TaskStream{
		client:        client,
		prefix:        prefix,
		agentID:       agentID,
		consumerGroup: defaultConsumerGroup,
		handlers:      make(map[string]TaskHandler),
		stopCh:        make(chan struct{}),
	}
}

// RegisterHandler wires a handler for a task type. Must be called
// before Start to guarantee it's visible to the first worker-loop read.
func (s *TaskStream) RegisterHandler(taskType string, handler TaskHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[taskType] = handler
}

// Start creates the consumer group on each priority stream (tolerating
// BUSYGROUP) and launches the worker and claim loops.
func (s *TaskStream) Start(ctx context.Context) error {
	for _, p := range priorities {
		key := taskStreamKey(s.prefix, p)
		err := s.client.XGroupCreateMkStream(ctx, key, s.consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			log.Printf("TaskStream: error creating group on %s: %v", key, err)
		}
	}

	s.wg.Add(2)
	go s.workerLoop(ctx)
	go s.claimLoop(ctx)

	s.handlersMu.RLock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	s.handlersMu.RUnlock()
	log.Printf("TaskStream started: agent=%s group=%s handlers=%v", s.agentID, s.consumerGroup, types)
	return nil
}

// Stop halts the worker and claim loops.
func (s *TaskStream) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("TaskStream stopped: published=%d consumed=%d completed=%d failed=%d dead=%d",
		s.published.Load(), s.consumed.Load(), s.completed.Load(), s.failed.Load(), s.deadLettered.Load())
}

// PublishOptions carries the optional fields of Publish.
type PublishOptions struct {
	Priority  string
	ConvID    string
	UserID    string
	ModelHint string
	ParentID  string
	Role      string
	MaxTokens int
	TimeoutMs int
}

// Publish adds a task to the given priority stream and returns its
// application-level task id (distinct from the stream message id).
func (s *TaskStream) Publish(ctx context.Context, taskType string, payload map[string]any, opts PublishOptions) (string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = "normal"
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 60000
	}

	taskID := "task-" + randomTaskSuffix()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	message := map[string]any{
		"task_id":    taskID,
		"type":       taskType,
		"payload":    string(payloadJSON),
		"conv_id":    opts.ConvID,
		"user_id":    opts.UserID,
		"model_hint": opts.ModelHint,
		"parent_id":  opts.ParentID,
		"role":       opts.Role,
		"max_tokens": strconv.Itoa(maxTokens),
		"timeout_ms": strconv.Itoa(timeoutMs),
		"created_at": strconv.FormatInt(time.Now().Unix(), 10),
		"attempt":    "0",
		"publisher":  s.agentID,
	}

	streamID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: taskStreamKey(s.prefix, priority),
		Values: message,
	}).Result()
	if err != nil {
		return "", err
	}

	s.published.Add(1)
	log.Printf("TaskStream: published task %s (%s) to %s stream_id=%s", taskID, taskType, priority, streamID)
	return taskID, nil
}

func randomTaskSuffix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(buf)
}

func (s *TaskStream) workerLoop(ctx context.Context) {
	defer s.wg.Done()

	streamKeys := make([]string, 0, len(priorities)*2)
	for _, p := range priorities {
		streamKeys = append(streamKeys, taskStreamKey(s.prefix, p))
	}
	for range priorities {
		streamKeys = append(streamKeys, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.consumerGroup,
			Consumer: s.agentID,
			Streams:  streamKeys,
			Count:    1,
			Block:    2 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			log.Printf("TaskStream: worker loop error: %v", err)
			select {
			case <-time.After(2 * time.Second):
			case <-s.stopCh:
				return
			}
			continue
		}

		for _, stream := range res {
			priority := lastSegment(stream.Stream)
			for _, msg := range stream.Messages {
				task := parseTaskMessage(msg.ID, msg.Values, priority)
				s.consumed.Add(1)
				go s.processTask(ctx, task)
			}
		}
	}
}

func parseTaskMessage(streamID string, data map[string]any, priority string) TaskMessage {
	getStr := func(k string) string {
		v, _ := data[k].(string)
		return v
	}
	getInt := func(k string, def int) int {
		v, ok := data[k].(string)
		if !ok {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	var payload map[string]any
	_ = json.Unmarshal([]byte(getStr("payload")), &payload)
	if payload == nil {
		payload = map[string]any{}
	}

	createdAt, _ := strconv.ParseInt(getStr("created_at"), 10, 64)

	return TaskMessage{
		TaskID:    getStr("task_id"),
		StreamID:  streamID,
		Priority:  priority,
		TaskType:  getStr("type"),
		Payload:   payload,
		ConvID:    getStr("conv_id"),
		UserID:    getStr("user_id"),
		ModelHint: getStr("model_hint"),
		ParentID:  getStr("parent_id"),
		Role:      getStr("role"),
		MaxTokens: getInt("max_tokens", 4096),
		TimeoutMs: getInt("timeout_ms", 60000),
		CreatedAt: createdAt,
		Attempt:   getInt("attempt", 0),
	}
}

func (s *TaskStream) processTask(ctx context.Context, task TaskMessage) {
	s.handlersMu.RLock()
	handler := s.handlers[task.TaskType]
	s.handlersMu.RUnlock()

	if handler == nil {
		log.Printf("TaskStream: task %s: %v (type=%q)", task.TaskID, ErrUnknownTaskType, task.TaskType)
		s.failed.Add(1)
		s.storeResult(ctx, task.TaskID, map[string]any{
			"status":    "failed",
			"error":     ErrUnknownTaskType.Error(),
			"agent_id":  s.agentID,
			"failed_at": time.Now().Unix(),
		})
		s.ack(ctx, task)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
	defer cancel()

	log.Printf("TaskStream: processing task %s (%s)", task.TaskID, task.TaskType)
	result, err := handler(taskCtx, task.Payload)

	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			log.Printf("TaskStream: task %s timed out after %dms", task.TaskID, task.TimeoutMs)
			s.handleFailure(ctx, task, "timeout")
			return
		}
		log.Printf("TaskStream: task %s failed: %v", task.TaskID, err)
		s.handleFailure(ctx, task, err.Error())
		return
	}

	s.storeResult(ctx, task.TaskID, map[string]any{
		"status":       "completed",
		"result":       result,
		"agent_id":     s.agentID,
		"completed_at": time.Now().Unix(),
	})
	s.ack(ctx, task)
	s.completed.Add(1)
	log.Printf("TaskStream: completed task %s", task.TaskID)
}

func (s *TaskStream) ack(ctx context.Context, task TaskMessage) {
	key := taskStreamKey(s.prefix, task.Priority)
	if err := s.client.XAck(ctx, key, s.consumerGroup, task.StreamID).Err(); err != nil {
		log.Printf("TaskStream: ack failed for %s: %v", task.TaskID, err)
	}
}

func (s *TaskStream) handleFailure(ctx context.Context, task TaskMessage, reason string) {
	s.failed.Add(1)
	attempt := task.Attempt + 1

	if attempt >= maxRetries {
		s.deadLetter(ctx, task, reason)
		s.ack(ctx, task)
		return
	}

	s.storeResult(ctx, task.TaskID, map[string]any{
		"status":    "failed",
		"error":     reason,
		"attempt":   attempt,
		"agent_id":  s.agentID,
		"failed_at": time.Now().Unix(),
	})
	log.Printf("TaskStream: task %s failed (attempt %d/%d), will be reclaimed", task.TaskID, attempt, maxRetries)
}

func (s *TaskStream) deadLetter(ctx context.Context, task TaskMessage, reason string) {
	payloadJSON, _ := json.Marshal(task.Payload)
	message := map[string]any{
		"task_id":           task.TaskID,
		"type":              task.TaskType,
		"payload":           string(payloadJSON),
		"conv_id":           task.ConvID,
		"user_id":           task.UserID,
		"error":             reason,
		"attempts":          strconv.Itoa(task.Attempt + 1),
		"original_priority": task.Priority,
		"dead_at":           strconv.FormatInt(time.Now().Unix(), 10),
		"last_agent":        s.agentID,
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKey(s.prefix),
		Values: message,
	}).Err(); err != nil {
		log.Printf("TaskStream: dead-letter write failed for %s: %v", task.TaskID, err)
		return
	}
	s.deadLettered.Add(1)
	log.Printf("TaskStream: dead-lettered task %s after %d attempts: %s", task.TaskID, task.Attempt+1, reason)
}

func (s *TaskStream) claimLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(claimTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.claimDisabled.Load() {
				return
			}
			s.reclaimAbandoned(ctx)
		}
	}
}

func (s *TaskStream) reclaimAbandoned(ctx context.Context) {
	for _, priority := range priorities {
		key := taskStreamKey(s.prefix, priority)

		messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    s.consumerGroup,
			Consumer: s.agentID,
			MinIdle:  claimTimeout,
			Start:    "0-0",
			Count:    5,
		}).Result()

		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
				log.Printf("TaskStream: XAUTOCLAIM not available, disabling claim loop")
				s.claimDisabled.Store(true)
				return
			}
			log.Printf("TaskStream: claim error on %s: %v", priority, err)
			continue
		}

		for _, msg := range messages {
			attempt := 0
			if v, ok := msg.Values["attempt"].(string); ok {
				attempt, _ = strconv.Atoi(v)
			}
			attempt++
			// The stream entry keeps the attempt value it was published
			// with, so the entry's delivery count (already bumped by
			// XAUTOCLAIM) supplies the attempt number when it is higher.
			if pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: key, Group: s.consumerGroup, Start: msg.ID, End: msg.ID, Count: 1,
			}).Result(); err == nil && len(pending) == 1 && int(pending[0].RetryCount)-1 > attempt {
				attempt = int(pending[0].RetryCount) - 1
			}
			msg.Values["attempt"] = strconv.Itoa(attempt)

			task := parseTaskMessage(msg.ID, msg.Values, priority)
			log.Printf("TaskStream: reclaimed abandoned task %s (attempt %d)", task.TaskID, attempt)
			go s.processTask(ctx, task)
		}
	}
}

func (s *TaskStream) storeResult(ctx context.Context, taskID string, result map[string]any) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, taskResultKey(s.prefix, taskID), data, resultTTL).Err(); err != nil {
		log.Printf("TaskStream: store result failed for %s: %v", taskID, err)
	}
}

// GetResult returns a task's stored result, or (nil, nil) if not present.
func (s *TaskStream) GetResult(ctx context.Context, taskID string) (map[string]any, error) {
	data, err := s.client.Get(ctx, taskResultKey(s.prefix, taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, nil
	}
	return result, nil
}

// AwaitResult polls for a task's result until it reaches a terminal
// status or timeout elapses, returning (nil, nil) on timeout.
func (s *TaskStream) AwaitResult(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (map[string]any, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		result, err := s.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if status, _ := result["status"].(string); status == "completed" || status == "failed" {
				return result, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	log.Printf("TaskStream: timed out waiting for task %s result", taskID)
	return nil, nil
}

// AwaitResults waits for multiple task results concurrently.
func (s *TaskStream) AwaitResults(ctx context.Context, taskIDs []string, timeout time.Duration) map[string]map[string]any {
	results := make(map[string]map[string]any, len(taskIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			result, err := s.AwaitResult(ctx, taskID, timeout, 0)
			if err != nil {
				return
			}
			mu.Lock()
			results[taskID] = result
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// StreamInfo reports one priority stream's length and pending-entry count.
type StreamInfo struct {
	Length  int64
	Pending int64
	Error   string
}

// GetStreamInfo returns per-priority and dead-letter stream diagnostics.
func (s *TaskStream) GetStreamInfo(ctx context.Context) (map[string]StreamInfo, error) {
	info := make(map[string]StreamInfo, len(priorities)+1)

	for _, priority := range priorities {
		key := taskStreamKey(s.prefix, priority)
		length, err := s.client.XLen(ctx, key).Result()
		if err != nil {
			info[priority] = StreamInfo{Error: err.Error()}
			continue
		}
		var pending int64
		if summary, err := s.client.XPending(ctx, key, s.consumerGroup).Result(); err == nil && summary != nil {
			pending = summary.Count
		}
		info[priority] = StreamInfo{Length: length, Pending: pending}
	}

	deadLen, err := s.client.XLen(ctx, deadLetterKey(s.prefix)).Result()
	if err == nil {
		info["dead_letter"] = StreamInfo{Length: deadLen}
	}

	return info, nil
}

// GetDeadLetters returns up to count recent dead-letter entries, newest first.
func (s *TaskStream) GetDeadLetters(ctx context.Context, count int64) ([]map[string]any, error) {
	if count <= 0 {
		count = 20
	}
	messages, err := s.client.XRevRangeN(ctx, deadLetterKey(s.prefix), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		entry := map[string]any{"stream_id": msg.ID}
		for k, v := range msg.Values {
			entry[k] = v
		}
		results = append(results, entry)
	}
	return results, nil
}

// TaskStreamStats summarizes TaskStream activity for status reporting.
type TaskStreamStats struct {
	Published    int64
	Consumed     int64
	Completed    int64
	Failed       int64
	DeadLettered int64
	HandlerTypes []string
}

func (s *TaskStream) GetStats() TaskStreamStats {
	s.handlersMu.RLock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	s.handlersMu.RUnlock()

	return TaskStreamStats{
		Published:    s.published.Load(),
		Consumed:     s.consumed.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		DeadLettered: s.deadLettered.Load(),
		HandlerTypes: types,
	}
}
