package model

import "time"

// AttemptState is the state machine of a deployment attempt. Transitions
// are monotonic; rolled_back and failed are terminal.
type AttemptState string

const (
	StatePendingApproval AttemptState = "pending_approval"
	StateSyncing         AttemptState = "syncing"
	StateHealthChecking  AttemptState = "health_checking"
	StateActivating      AttemptState = "activating"
	StateActivated       AttemptState = "activated"
	StateRolledBack      AttemptState = "rolled_back"
	StateFailed          AttemptState = "failed"
)

// Terminal reports whether the state ends the attempt.
func (s AttemptState) Terminal() bool {
	return s == StateActivated || s == StateRolledBack || s == StateFailed
}

var stateRank = map[AttemptState]int{
	StatePendingApproval: 0,
	StateSyncing:         1,
	StateHealthChecking:  2,
	StateActivating:      3,
	StateActivated:       4,
}

// CanTransition reports whether moving from s to next respects the monotonic
// order. Any non-terminal state may jump into rolled_back or failed.
func (s AttemptState) CanTransition(next AttemptState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateRolledBack || next == StateFailed {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// NodePhase records how far a single node progressed inside an attempt.
type NodePhase string

const (
	PhasePending  NodePhase = "pending"
	PhaseSynced   NodePhase = "synced"
	PhaseChecked  NodePhase = "checked"
	PhaseActive   NodePhase = "active"
	PhaseReverted NodePhase = "reverted"
	PhaseFailed   NodePhase = "failed"
)

// HealthPhase distinguishes the pre-staging probe from the post-activation one.
type HealthPhase string

const (
	HealthPre  HealthPhase = "pre"
	HealthPost HealthPhase = "post"
)

// HealthResult is the structured outcome of one health gate evaluation.
type HealthResult struct {
	Healthy    bool          `json:"healthy"`
	Phase      HealthPhase   `json:"phase"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"statusCode,omitempty"`
	ExitCode   int           `json:"exitCode,omitempty"`
	Attempts   int           `json:"attempts"`
	Message    string        `json:"message,omitempty"`
}

// NodeOutcome is the per-node evidence row of an attempt.
type NodeOutcome struct {
	NodeID string        `json:"nodeId" db:"node_id"`
	Phase  NodePhase     `json:"phase" db:"phase"`
	Health *HealthResult `json:"health,omitempty" db:"health"`
	Error  string        `json:"error,omitempty" db:"error"`
}

// DeploymentAttempt is one run of the fleet coordinator for a project.
// ID is monotonic per project.
type DeploymentAttempt struct {
	ID        int64         `json:"id" db:"id"`
	Project   string        `json:"project" db:"project"`
	Version   string        `json:"version" db:"version"`
	Requester string        `json:"requester" db:"requester"`
	State     AttemptState  `json:"state" db:"state"`
	Reason    string        `json:"reason,omitempty" db:"reason"`
	Rollback  bool          `json:"rollback" db:"is_rollback"`
	Outcomes  []NodeOutcome `json:"outcomes" db:"-"`
	StartTime time.Time     `json:"startTime" db:"start_time"`
	EndTime   *time.Time    `json:"endTime,omitempty" db:"end_time"`
}

// NodeState is a restorable snapshot of one node inside a RollbackEntry.
type NodeState struct {
	NodeID  string    `json:"nodeId"`
	Active  SlotColor `json:"active"`
	Version string    `json:"version"`
}

// RollbackEntry captures a successfully activated fleet state. At most
// `keep` entries are retained per project, FIFO by activation time.
type RollbackEntry struct {
	Project     string      `json:"project" db:"project"`
	AttemptID   int64       `json:"attemptId" db:"attempt_id"`
	Version     string      `json:"version" db:"version"`
	Nodes       []NodeState `json:"nodes" db:"nodes"`
	ActivatedAt time.Time   `json:"activatedAt" db:"activated_at"`
}

// PendingApproval is the hold placed on an attempt before the coordinator
// may proceed. ExpiresAt is a wall-clock deadline fixed at request time.
type PendingApproval struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	AttemptID int64     `json:"attemptId"`
	Requester string    `json:"requester"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
