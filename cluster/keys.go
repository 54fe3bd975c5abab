package cluster

import "fmt"

// Key helpers centralize the {prefix}{resource}:{id} convention used
// throughout the cluster package, generalizing control_plane/store/
// keys.go's TenantKey/TenantPrefix pattern (which is tenant-scoped) to
// a single global key prefix.

func agentKey(prefix, agentID string) string {
	return fmt.Sprintf("%sagent:%s", prefix, agentID)
}

func agentsPattern(prefix string) string {
	return fmt.Sprintf("%sagent:*", prefix)
}

func configEpochKey(prefix string) string {
	return prefix + "config_epoch"
}

func eventChannelKey(prefix, channel string) string {
	return fmt.Sprintf("%sevents:%s", prefix, channel)
}

func sessionKey(prefix, convID string) string {
	return fmt.Sprintf("%ssession:%s", prefix, convID)
}

func contextKey(prefix, convID string) string {
	return fmt.Sprintf("%scontext:%s", prefix, convID)
}

func activeSessionsKey(prefix string) string {
	return prefix + "sessions:active"
}

func agentWorkKey(prefix, agentID string) string {
	return fmt.Sprintf("%sagent_work:%s", prefix, agentID)
}

func taskStreamKey(prefix, priority string) string {
	return fmt.Sprintf("%stasks:%s", prefix, priority)
}

func deadLetterKey(prefix string) string {
	return prefix + "tasks:dead"
}

func taskResultKey(prefix, taskID string) string {
	return fmt.Sprintf("%sresult:%s", prefix, taskID)
}

func memKey(prefix, memoryID string) string {
	return fmt.Sprintf("%smem:%s", prefix, memoryID)
}

func memPattern(prefix string) string {
	return prefix + "mem:*"
}

func memHashesKey(prefix string) string {
	return prefix + "mem_hashes"
}

func memIndexName(prefix string) string {
	return prefix + "mem_idx"
}

func votesKey(prefix, targetID string) string {
	return fmt.Sprintf("%sfailover:votes:%s", prefix, targetID)
}

func electionLockKey(prefix string) string {
	return prefix + "election:lock"
}

func electionPrimaryKey(prefix string) string {
	return prefix + "election:primary"
}

func rateLimitWindowKey(prefix, resource string, windowStart int64) string {
	return fmt.Sprintf("%sratelimit:%s:%d", prefix, resource, windowStart)
}

func rateLimitPattern(prefix string) string {
	return prefix + "ratelimit:*"
}
