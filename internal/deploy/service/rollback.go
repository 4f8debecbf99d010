package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/rs/zerolog/log"
)

// RollbackRequest asks for a restore of a recorded fleet state. An empty
// Version targets the entry preceding the currently live version.
type RollbackRequest struct {
	Project   string
	Version   string
	Requester string
	Role      model.Role
}

// Rollback restores a recorded fleet state by flipping live pointers only.
// No content is re-synced; the target slots must still hold the recorded
// versions. A failed rollback stops where it is and never triggers another
// rollback.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (*model.DeploymentAttempt, error) {
	project, ok := s.registry.Project(req.Project)
	if !ok {
		return nil, model.ErrProjectNotFound
	}
	if project.RequiredRole != "" && !req.Role.Allows(project.RequiredRole) {
		return nil, fmt.Errorf("%w: project %s requires %s", model.ErrForbidden, project.ID, project.RequiredRole)
	}

	if err := s.locks.TryAcquire(project.ID); err != nil {
		return nil, err
	}

	entry, err := s.resolveRollbackTarget(ctx, &project, req.Version)
	if err != nil {
		s.locks.Release(project.ID)
		return nil, err
	}

	attempt, err := s.ledger.CreateAttempt(ctx, &model.DeploymentAttempt{
		Project:   project.ID,
		Version:   entry.Version,
		Requester: req.Requester,
		State:     model.StateActivating,
		Rollback:  true,
		StartTime: time.Now(),
	})
	if err != nil {
		s.locks.Release(project.ID)
		return nil, err
	}

	s.launch(project, attempt, func(runCtx context.Context) {
		s.runRollback(runCtx, &project, attempt, entry)
	})
	return attempt, nil
}

// resolveRollbackTarget picks the entry to restore. The default target is
// the newest entry recorded before the one for the currently live version,
// so repeated rollbacks walk backward through history.
func (s *Service) resolveRollbackTarget(ctx context.Context, project *model.Project, version string) (*model.RollbackEntry, error) {
	if version != "" {
		entry, err := s.ledger.GetRollbackEntry(ctx, project.ID, version)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, model.ErrNoHistory
		}
		return entry, nil
	}

	live, err := s.liveVersion(ctx, project)
	if err != nil {
		return nil, err
	}
	entry, err := s.ledger.LatestRollbackEntryBefore(ctx, project.ID, live)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, model.ErrNoHistory
	}
	return entry, nil
}

// liveVersion asks the fleet's first node what it serves. Node order is
// stable, so the first node is always part of the earliest wave.
func (s *Service) liveVersion(ctx context.Context, project *model.Project) (string, error) {
	nodes := s.registry.NodesFor(project)
	if len(nodes) == 0 {
		return "", fmt.Errorf("project %s has no nodes", project.ID)
	}
	status, err := s.nodes.Status(ctx, nodes[0])
	if err != nil {
		return "", model.NewNodeError(model.NodeUnreachable, nodes[0].ID, err)
	}
	return status.LiveVersion(), nil
}

// runRollback restores the entry's node states in reverse fleet order, the
// mirror image of activation order. Every restored node must pass the
// post-activation probe. The first failure, flip or probe, stops the run;
// a failed rollback never starts another rollback.
func (s *Service) runRollback(ctx context.Context, project *model.Project, attempt *model.DeploymentAttempt, entry *model.RollbackEntry) {
	states := make(map[string]model.NodeState, len(entry.Nodes))
	for _, st := range entry.Nodes {
		states[st.NodeID] = st
	}

	nodes := s.registry.NodesFor(project)
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		st, ok := states[node.ID]
		if !ok {
			// Node joined the fleet after this entry was recorded.
			continue
		}
		if ctx.Err() != nil {
			s.finish(context.Background(), attempt, model.StateFailed, "aborted by operator; restore incomplete")
			rollbacksTotal.WithLabelValues(project.ID, "failed").Inc()
			return
		}

		_, err := s.switcher.SwitchTo(ctx, node, st.Active, st.Version)
		outcome := &model.NodeOutcome{NodeID: node.ID, Phase: model.PhaseReverted}
		if err != nil {
			nerr := model.NewNodeError(model.RollbackFailure, node.ID, err)
			outcome.Phase = model.PhaseFailed
			outcome.Error = nerr.Error()
			s.recordRollbackOutcome(attempt, outcome)
			nodeFailuresTotal.WithLabelValues(project.ID, string(model.RollbackFailure)).Inc()
			rollbacksTotal.WithLabelValues(project.ID, "failed").Inc()
			s.finish(context.Background(), attempt, model.StateFailed,
				fmt.Sprintf("restore stopped at node %s: %v", node.ID, err))
			return
		}

		res := s.health.Check(ctx, node, &project.HealthCheck, model.HealthPost)
		outcome.Health = res
		if !res.Healthy {
			nerr := model.NewNodeError(model.HealthCheckFailure, node.ID,
				fmt.Errorf("post-restore probe unhealthy: %s", res.Message))
			outcome.Phase = model.PhaseFailed
			outcome.Error = nerr.Error()
			s.recordRollbackOutcome(attempt, outcome)
			nodeFailuresTotal.WithLabelValues(project.ID, string(model.HealthCheckFailure)).Inc()
			rollbacksTotal.WithLabelValues(project.ID, "failed").Inc()
			s.finish(context.Background(), attempt, model.StateFailed,
				fmt.Sprintf("restored fleet unhealthy at node %s: %s", node.ID, res.Message))
			return
		}
		s.recordRollbackOutcome(attempt, outcome)
	}

	rollbacksTotal.WithLabelValues(project.ID, "restored").Inc()
	s.finish(ctx, attempt, model.StateRolledBack,
		fmt.Sprintf("restored version %s", entry.Version))
}

func (s *Service) recordRollbackOutcome(attempt *model.DeploymentAttempt, o *model.NodeOutcome) {
	if err := s.ledger.UpsertNodeOutcome(context.Background(), attempt.Project, attempt.ID, o); err != nil {
		log.Error().Err(err).
			Str("project", attempt.Project).
			Str("node", o.NodeID).
			Msg("record rollback outcome")
	}
}

// Seed records the fleet's current live state as a rollback entry without
// deploying anything. It bootstraps rollback for fleets provisioned before
// the orchestrator managed them.
func (s *Service) Seed(ctx context.Context, projectID, requester string) (*model.RollbackEntry, error) {
	project, ok := s.registry.Project(projectID)
	if !ok {
		return nil, model.ErrProjectNotFound
	}
	if err := s.locks.TryAcquire(project.ID); err != nil {
		return nil, err
	}
	defer s.locks.Release(project.ID)

	nodes := s.registry.NodesFor(&project)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("project %s has no nodes", project.ID)
	}

	entry := &model.RollbackEntry{
		Project:     project.ID,
		Nodes:       make([]model.NodeState, 0, len(nodes)),
		ActivatedAt: time.Now(),
	}
	for _, node := range nodes {
		status, err := s.nodes.Status(ctx, node)
		if err != nil {
			return nil, model.NewNodeError(model.NodeUnreachable, node.ID, err)
		}
		if entry.Version == "" {
			entry.Version = status.LiveVersion()
		}
		entry.Nodes = append(entry.Nodes, model.NodeState{
			NodeID:  node.ID,
			Active:  status.Active,
			Version: status.LiveVersion(),
		})
	}
	if entry.Version == "" {
		return nil, fmt.Errorf("project %s has no live version to seed from", project.ID)
	}

	if err := s.ledger.AppendRollbackEntry(ctx, entry, project.HistoryDepth()); err != nil {
		return nil, err
	}
	log.Info().
		Str("project", project.ID).
		Str("version", entry.Version).
		Str("requester", requester).
		Msg("seeded rollback history from live state")
	return entry, nil
}
