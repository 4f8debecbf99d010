package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// AppendRollbackEntry records a restorable fleet state and evicts the
// oldest entries beyond keep in the same transaction (strict FIFO by
// activation time).
func (d *Database) AppendRollbackEntry(ctx context.Context, e *model.RollbackEntry, keep int) error {
	nodesJSON, err := json.Marshal(e.Nodes)
	if err != nil {
		return fmt.Errorf("marshal rollback nodes: %w", err)
	}

	tx, err := d.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin append rollback entry: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollback_entries (project, attempt_id, version, nodes, activated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.Project, e.AttemptID, e.Version, string(nodesJSON), e.ActivatedAt)
	if err != nil {
		return fmt.Errorf("insert rollback entry: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM rollback_entries
			 WHERE project = $1 AND attempt_id NOT IN (
				SELECT attempt_id FROM rollback_entries
				WHERE project = $1 ORDER BY activated_at DESC LIMIT $2)`,
			e.Project, keep)
		if err != nil {
			return fmt.Errorf("evict rollback entries: %w", err)
		}
	}

	return tx.Commit()
}

// ListRollbackEntries returns the retained history, newest first.
func (d *Database) ListRollbackEntries(ctx context.Context, project string) ([]model.RollbackEntry, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT project, attempt_id, version, nodes, activated_at
		 FROM rollback_entries WHERE project = $1 ORDER BY activated_at DESC`, project)
	if err != nil {
		return nil, fmt.Errorf("query rollback entries: %w", err)
	}
	defer rows.Close()

	var out []model.RollbackEntry
	for rows.Next() {
		e, err := scanRollbackEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LatestRollbackEntryBefore returns the default rollback target: the newest
// entry recorded before the live version's own entry. Restricting to entries
// older than the live one keeps consecutive rollbacks walking backward
// through history instead of bouncing to the version just rolled away from.
// A live version with no retained entry falls back to the newest entry with
// a different version.
func (d *Database) LatestRollbackEntryBefore(ctx context.Context, project, liveVersion string) (*model.RollbackEntry, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, attempt_id, version, nodes, activated_at
		 FROM rollback_entries
		 WHERE project = $1 AND version <> $2
		   AND activated_at < COALESCE(
			(SELECT MAX(activated_at) FROM rollback_entries
			 WHERE project = $1 AND version = $2),
			'infinity'::timestamptz)
		 ORDER BY activated_at DESC LIMIT 1`, project, liveVersion)

	e, err := scanRollbackEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetRollbackEntry returns the retained entry for an exact version, or nil.
func (d *Database) GetRollbackEntry(ctx context.Context, project, version string) (*model.RollbackEntry, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, attempt_id, version, nodes, activated_at
		 FROM rollback_entries
		 WHERE project = $1 AND version = $2
		 ORDER BY activated_at DESC LIMIT 1`, project, version)

	e, err := scanRollbackEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanRollbackEntry(s rowScanner) (*model.RollbackEntry, error) {
	var e model.RollbackEntry
	var nodesJSON string
	if err := s.Scan(&e.Project, &e.AttemptID, &e.Version, &nodesJSON, &e.ActivatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan rollback entry: %w", err)
	}
	if err := json.Unmarshal([]byte(nodesJSON), &e.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal rollback nodes: %w", err)
	}
	return &e, nil
}
