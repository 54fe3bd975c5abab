package cluster

import "testing"

func TestKeyHelpers(t *testing.T) {
	const prefix = "nexus:"

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"agentKey", agentKey(prefix, "a1"), "nexus:agent:a1"},
		{"agentsPattern", agentsPattern(prefix), "nexus:agent:*"},
		{"configEpochKey", configEpochKey(prefix), "nexus:config_epoch"},
		{"eventChannelKey", eventChannelKey(prefix, "health"), "nexus:events:health"},
		{"sessionKey", sessionKey(prefix, "conv1"), "nexus:session:conv1"},
		{"contextKey", contextKey(prefix, "conv1"), "nexus:context:conv1"},
		{"activeSessionsKey", activeSessionsKey(prefix), "nexus:sessions:active"},
		{"agentWorkKey", agentWorkKey(prefix, "a1"), "nexus:agent_work:a1"},
		{"taskStreamKey", taskStreamKey(prefix, "high"), "nexus:tasks:high"},
		{"deadLetterKey", deadLetterKey(prefix), "nexus:tasks:dead"},
		{"taskResultKey", taskResultKey(prefix, "t1"), "nexus:result:t1"},
		{"memKey", memKey(prefix, "m1"), "nexus:mem:m1"},
		{"memPattern", memPattern(prefix), "nexus:mem:*"},
		{"memHashesKey", memHashesKey(prefix), "nexus:mem_hashes"},
		{"memIndexName", memIndexName(prefix), "nexus:mem_idx"},
		{"votesKey", votesKey(prefix, "a2"), "nexus:failover:votes:a2"},
		{"electionLockKey", electionLockKey(prefix), "nexus:election:lock"},
		{"electionPrimaryKey", electionPrimaryKey(prefix), "nexus:election:primary"},
		{"rateLimitWindowKey", rateLimitWindowKey(prefix, "chat", 100), "nexus:ratelimit:chat:100"},
		{"rateLimitPattern", rateLimitPattern(prefix), "nexus:ratelimit:*"},
	}

	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}
