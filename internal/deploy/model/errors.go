package model

import (
	"errors"
	"fmt"
)

// Attempt-level sentinel errors.
var (
	// ErrConflict rejects a new attempt while another is non-terminal.
	ErrConflict = errors.New("another deployment attempt is in progress")
	// ErrApprovalTimeout ends an attempt whose approval hold expired.
	ErrApprovalTimeout = errors.New("approval timeout")
	// ErrApprovalRejected ends an attempt an operator explicitly rejected.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrNoHistory means rollback was requested with no restorable entry.
	ErrNoHistory = errors.New("no rollback history")
	// ErrProjectNotFound is returned for operations on unknown projects.
	ErrProjectNotFound = errors.New("project not found")
	// ErrReleaseNotFound is returned when a commit ref resolves to nothing.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrAborted marks an attempt stopped by an operator.
	ErrAborted = errors.New("attempt aborted by operator")
	// ErrForbidden rejects a request whose role is below the project's
	// required role.
	ErrForbidden = errors.New("insufficient role")
)

// NodeErrorKind classifies node-local failures. They are recovered at the
// wave level: the node is excluded, siblings continue.
type NodeErrorKind string

const (
	SyncFailure        NodeErrorKind = "SyncFailure"
	HealthCheckFailure NodeErrorKind = "HealthCheckFailure"
	SwitchFailure      NodeErrorKind = "SwitchFailure"
	NodeUnreachable    NodeErrorKind = "NodeUnreachable"
	RollbackFailure    NodeErrorKind = "RollbackFailure"
)

// NodeError is a node-local failure with its taxonomy kind.
type NodeError struct {
	Kind NodeErrorKind
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s on node %s: %v", e.Kind, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// NewNodeError wraps err as a node-local failure of the given kind.
func NewNodeError(kind NodeErrorKind, node string, err error) *NodeError {
	return &NodeError{Kind: kind, Node: node, Err: err}
}
