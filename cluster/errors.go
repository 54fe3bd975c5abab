package cluster

import "errors"

// Sentinel errors surfaced by cluster components. Mirrors
// control_plane/resilience/errors.go's preference for small, direct
// error values over a wrapped-error hierarchy.
var (
	// ErrClusterDisabled is returned by convenience methods when
	// CLUSTER_ENABLED is false; callers should treat this as
	// "run single-agent" rather than a failure.
	ErrClusterDisabled = errors.New("cluster: clustering is disabled")

	// ErrDimMismatch is returned by MemoryIndex.Store when the supplied
	// embedding does not match the configured vector dimensionality.
	ErrDimMismatch = errors.New("cluster: embedding dimension mismatch")

	// ErrLockNotOwned is returned by the election lock release path when
	// the caller no longer holds the lock it is attempting to release.
	ErrLockNotOwned = errors.New("cluster: lock not owned by this agent")

	// ErrNoQuorum is returned internally when an ODOWN check has fewer
	// than two active agents in the cluster.
	ErrNoQuorum = errors.New("cluster: insufficient agents for quorum")

	// ErrUnknownTaskType is logged (never returned across a goroutine
	// boundary) when a task arrives with no registered handler.
	ErrUnknownTaskType = errors.New("cluster: no handler registered for task type")
)
