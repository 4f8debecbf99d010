package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// CreateAttempt inserts a new attempt row with the next monotonic id for
// the project and returns it. The caller holds the project lock, so the
// max+1 read cannot race another writer.
func (d *Database) CreateAttempt(ctx context.Context, a *model.DeploymentAttempt) (*model.DeploymentAttempt, error) {
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create attempt: %w", err)
	}
	defer tx.Rollback()

	var next int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM deployment_attempts WHERE project = $1`, a.Project)
	if err := row.Scan(&next); err != nil {
		return nil, fmt.Errorf("next attempt id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployment_attempts (project, id, version, requester, state, reason, is_rollback, start_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.Project, next, a.Version, a.Requester, a.State, a.Reason, a.Rollback, a.StartTime)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create attempt: %w", err)
	}

	out := *a
	out.ID = next
	return &out, nil
}

// UpdateAttemptState records a phase transition. Terminal states also set
// the end timestamp.
func (d *Database) UpdateAttemptState(ctx context.Context, project string, id int64, state model.AttemptState, reason string) error {
	var err error
	if state.Terminal() {
		_, err = d.ExecContext(ctx,
			`UPDATE deployment_attempts SET state = $1, reason = $2, end_time = $3 WHERE project = $4 AND id = $5`,
			state, reason, time.Now(), project, id)
	} else {
		_, err = d.ExecContext(ctx,
			`UPDATE deployment_attempts SET state = $1, reason = $2 WHERE project = $3 AND id = $4`,
			state, reason, project, id)
	}
	if err != nil {
		return fmt.Errorf("update attempt state: %w", err)
	}
	return nil
}

// UpsertNodeOutcome writes per-node evidence. Health latency is stored both
// inside the JSON document and as a native interval column for SQL queries.
func (d *Database) UpsertNodeOutcome(ctx context.Context, project string, attemptID int64, o *model.NodeOutcome) error {
	var healthJSON any
	var latency any
	if o.Health != nil {
		b, err := json.Marshal(o.Health)
		if err != nil {
			return fmt.Errorf("marshal health result: %w", err)
		}
		healthJSON = string(b)
		latency = durationToPgInterval(o.Health.Latency)
	}

	_, err := d.ExecContext(ctx,
		`INSERT INTO node_outcomes (project, attempt_id, node_id, phase, health, latency, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (project, attempt_id, node_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			health = COALESCE(EXCLUDED.health, node_outcomes.health),
			latency = COALESCE(EXCLUDED.latency, node_outcomes.latency),
			error = EXCLUDED.error`,
		project, attemptID, o.NodeID, o.Phase, healthJSON, latency, o.Error)
	if err != nil {
		return fmt.Errorf("upsert node outcome: %w", err)
	}
	return nil
}

// GetAttempt loads one attempt with its node outcomes.
func (d *Database) GetAttempt(ctx context.Context, project string, id int64) (*model.DeploymentAttempt, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, id, version, requester, state, reason, is_rollback, start_time, end_time
		 FROM deployment_attempts WHERE project = $1 AND id = $2`, project, id)

	a, err := scanAttempt(row)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, nil
	}
	if a.Outcomes, err = d.getOutcomes(ctx, project, id); err != nil {
		return nil, err
	}
	return a, nil
}

// GetLatestAttempt returns the most recent attempt for a project, or nil.
func (d *Database) GetLatestAttempt(ctx context.Context, project string) (*model.DeploymentAttempt, error) {
	row := d.QueryRowContext(ctx,
		`SELECT project, id, version, requester, state, reason, is_rollback, start_time, end_time
		 FROM deployment_attempts WHERE project = $1 ORDER BY id DESC LIMIT 1`, project)

	a, err := scanAttempt(row)
	if err != nil || a == nil {
		return a, err
	}
	if a.Outcomes, err = d.getOutcomes(ctx, project, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// HasNonTerminal reports whether the project has an attempt still in flight.
func (d *Database) HasNonTerminal(ctx context.Context, project string) (bool, error) {
	var count int
	row := d.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deployment_attempts
		 WHERE project = $1 AND state NOT IN ($2, $3, $4)`,
		project, model.StateActivated, model.StateRolledBack, model.StateFailed)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("count non-terminal attempts: %w", err)
	}
	return count > 0, nil
}

// ListNonTerminal returns every in-flight attempt across all projects.
// Used at startup to surface attempts orphaned by a crash.
func (d *Database) ListNonTerminal(ctx context.Context) ([]model.DeploymentAttempt, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT project, id, version, requester, state, reason, is_rollback, start_time, end_time
		 FROM deployment_attempts
		 WHERE state NOT IN ($1, $2, $3) ORDER BY project, id`,
		model.StateActivated, model.StateRolledBack, model.StateFailed)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal attempts: %w", err)
	}
	defer rows.Close()

	var out []model.DeploymentAttempt
	for rows.Next() {
		a, err := scanAttemptRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (d *Database) getOutcomes(ctx context.Context, project string, attemptID int64) ([]model.NodeOutcome, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT node_id, phase, health, error FROM node_outcomes
		 WHERE project = $1 AND attempt_id = $2 ORDER BY node_id`, project, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query node outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.NodeOutcome
	for rows.Next() {
		var o model.NodeOutcome
		var healthJSON sql.NullString
		if err := rows.Scan(&o.NodeID, &o.Phase, &healthJSON, &o.Error); err != nil {
			return nil, fmt.Errorf("scan node outcome: %w", err)
		}
		if healthJSON.Valid && healthJSON.String != "" {
			var h model.HealthResult
			if err := json.Unmarshal([]byte(healthJSON.String), &h); err != nil {
				return nil, fmt.Errorf("unmarshal health result: %w", err)
			}
			o.Health = &h
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row *sql.Row) (*model.DeploymentAttempt, error) {
	a, err := scanAttemptFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAttemptRows(rows *sql.Rows) (*model.DeploymentAttempt, error) {
	return scanAttemptFrom(rows)
}

func scanAttemptFrom(s rowScanner) (*model.DeploymentAttempt, error) {
	var a model.DeploymentAttempt
	var endTime sql.NullTime
	if err := s.Scan(&a.Project, &a.ID, &a.Version, &a.Requester, &a.State,
		&a.Reason, &a.Rollback, &a.StartTime, &endTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	if endTime.Valid {
		a.EndTime = &endTime.Time
	}
	return &a, nil
}
