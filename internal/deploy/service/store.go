package service

import (
	"context"

	"github.com/eeveon/eeveon/internal/deploy/database"
	"github.com/eeveon/eeveon/internal/deploy/model"
)

// Ledger is the persistence surface the coordinator writes through. The
// Postgres-backed database implements it; tests substitute an in-memory one.
type Ledger interface {
	CreateAttempt(ctx context.Context, a *model.DeploymentAttempt) (*model.DeploymentAttempt, error)
	UpdateAttemptState(ctx context.Context, project string, id int64, state model.AttemptState, reason string) error
	UpsertNodeOutcome(ctx context.Context, project string, attemptID int64, o *model.NodeOutcome) error
	GetAttempt(ctx context.Context, project string, id int64) (*model.DeploymentAttempt, error)
	GetLatestAttempt(ctx context.Context, project string) (*model.DeploymentAttempt, error)
	HasNonTerminal(ctx context.Context, project string) (bool, error)
	ListNonTerminal(ctx context.Context) ([]model.DeploymentAttempt, error)

	AppendRollbackEntry(ctx context.Context, e *model.RollbackEntry, keep int) error
	ListRollbackEntries(ctx context.Context, project string) ([]model.RollbackEntry, error)
	LatestRollbackEntryBefore(ctx context.Context, project, liveVersion string) (*model.RollbackEntry, error)
	GetRollbackEntry(ctx context.Context, project, version string) (*model.RollbackEntry, error)

	CreateRelease(ctx context.Context, r *model.Release) error
	GetRelease(ctx context.Context, project, version string) (*model.Release, error)
	GetReleaseByCommit(ctx context.Context, project, commitRef string) (*model.Release, error)
	LatestRelease(ctx context.Context, project string) (*model.Release, error)
}

var _ Ledger = (*database.Database)(nil)
