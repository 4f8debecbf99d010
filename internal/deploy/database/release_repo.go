package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// CreateRelease records an immutable release artifact. Re-recording the
// same (project, version) is a no-op.
func (d *Database) CreateRelease(ctx context.Context, r *model.Release) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO releases (project, version, commit_ref, location, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project, version) DO NOTHING`,
		r.Project, r.Version, r.CommitRef, r.Location, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

// GetRelease returns the release for an exact version, or nil.
func (d *Database) GetRelease(ctx context.Context, project, version string) (*model.Release, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, version, commit_ref, location, created_at
		 FROM releases WHERE project = $1 AND version = $2`, project, version)
	return scanRelease(row)
}

// GetReleaseByCommit resolves a commit ref to its release, or nil.
func (d *Database) GetReleaseByCommit(ctx context.Context, project, commitRef string) (*model.Release, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, version, commit_ref, location, created_at
		 FROM releases WHERE project = $1 AND commit_ref = $2
		 ORDER BY created_at DESC LIMIT 1`, project, commitRef)
	return scanRelease(row)
}

// LatestRelease returns the newest release for a project, or nil.
func (d *Database) LatestRelease(ctx context.Context, project string) (*model.Release, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, version, commit_ref, location, created_at
		 FROM releases WHERE project = $1 ORDER BY created_at DESC LIMIT 1`, project)
	return scanRelease(row)
}

func scanRelease(row *sql.Row) (*model.Release, error) {
	var r model.Release
	if err := row.Scan(&r.Project, &r.Version, &r.CommitRef, &r.Location, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan release: %w", err)
	}
	return &r, nil
}
