package cluster

import "testing"

func newTestElectionManager(registry *AgentRegistry) *ElectionManager {
	return NewElectionManager(nil, registry, nil, ElectionManagerOptions{
		Prefix:          "nexus:",
		AgentID:         "self-1",
		MinSecondaries:  1,
	})
}

func TestIsEligibleRequiresSecondaryRole(t *testing.T) {
	r := NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1", Role: "primary", MaxLoad: 20})
	r.status = "active"
	e := newTestElectionManager(r)

	if e.isEligible() {
		t.Error("a primary should not be eligible to run for election")
	}
}

func TestIsEligibleRequiresActiveStatus(t *testing.T) {
	r := NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1", Role: "secondary", MaxLoad: 20})
	r.status = "draining"
	e := newTestElectionManager(r)

	if e.isEligible() {
		t.Error("a draining secondary should not be eligible")
	}
}

func TestIsEligibleRejectsAtCapacity(t *testing.T) {
	r := NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1", Role: "secondary", MaxLoad: 10})
	r.status = "active"
	r.currentLoad = 10
	e := newTestElectionManager(r)

	if e.isEligible() {
		t.Error("a secondary at max load should not be eligible")
	}
}

func TestIsEligibleAcceptsHealthySecondary(t *testing.T) {
	r := NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1", Role: "secondary", MaxLoad: 20})
	r.status = "active"
	r.currentLoad = 3
	e := newTestElectionManager(r)

	if !e.isEligible() {
		t.Error("an active secondary under capacity should be eligible")
	}
}

func TestElectionManagerGetStatusReflectsCounters(t *testing.T) {
	e := newTestElectionManager(NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1"}))
	e.electionsWon.Store(2)
	e.electionsLost.Store(1)
	e.demotions.Store(3)

	status := e.GetStatus()
	if status.ElectionsWon != 2 || status.ElectionsLost != 1 || status.Demotions != 3 {
		t.Errorf("GetStatus = %+v, want won=2 lost=1 demotions=3", status)
	}
}

func TestTriggerElectionSkipsWhenAlreadyInProgress(t *testing.T) {
	e := newTestElectionManager(NewAgentRegistry(nil, RegistryOptions{AgentID: "self-1"}))
	e.inProgress = true

	won := e.TriggerElection(nil, "primary-1", AgentRecord{})
	if won {
		t.Error("expected TriggerElection to return false when an election is already in progress")
	}
}
