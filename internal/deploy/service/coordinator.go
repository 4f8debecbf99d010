package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// nodeProgress tracks one node through the phases of a wave.
type nodeProgress struct {
	node   model.Node
	phase  model.NodePhase
	health *model.HealthResult
	flip   *SwitchResult
	err    *model.NodeError
	// order is the global activation sequence number, used to revert in
	// reverse order.
	order int
}

func (p *nodeProgress) fail(kind model.NodeErrorKind, err error) {
	p.phase = model.PhaseFailed
	p.err = model.NewNodeError(kind, p.node.ID, err)
}

// run drives one deployment attempt end to end. It is the only writer of
// the attempt's state while it runs.
func (s *Service) run(ctx context.Context, project *model.Project, attempt *model.DeploymentAttempt, release *model.Release) {
	if attempt.State == model.StatePendingApproval {
		if !s.awaitApproval(ctx, project, attempt) {
			return
		}
	}

	nodes := s.registry.NodesFor(project)
	if len(nodes) == 0 {
		s.finish(ctx, attempt, model.StateFailed, "project has no nodes")
		return
	}
	waves := planWaves(&project.Policy, nodes)
	threshold := project.Policy.SuccessThreshold
	if project.Policy.Kind == model.PolicyAllOrNothing || threshold <= 0 {
		threshold = 100
	}

	var activated []*nodeProgress
	for i, wave := range waves {
		if ctx.Err() != nil {
			s.revertAndFinish(attempt, activated, "aborted by operator")
			return
		}
		log.Info().
			Str("project", project.ID).
			Int64("attempt", attempt.ID).
			Int("wave", i+1).
			Int("waves", len(waves)).
			Int("nodes", len(wave)).
			Msg("starting wave")

		start := time.Now()
		progress, err := s.runWave(ctx, project, attempt, release, wave, threshold, len(activated))
		waveDuration.WithLabelValues(project.ID).Observe(time.Since(start).Seconds())
		if err != nil {
			// Ledger or context failure, not a node failure.
			s.revertAndFinish(attempt, activated, err.Error())
			return
		}

		healthy := 0
		for _, p := range progress {
			if p.phase == model.PhaseActive {
				healthy++
				activated = append(activated, p)
			}
		}
		if healthy*100 < threshold*len(wave) {
			s.revertWave(attempt, activated, progress, summarizeFailures(progress))
			return
		}
	}

	entry, err := s.snapshotFleet(ctx, project, attempt, release.Version)
	if err != nil {
		s.revertAndFinish(attempt, activated, fmt.Sprintf("record activation snapshot: %v", err))
		return
	}
	if err := s.ledger.AppendRollbackEntry(ctx, entry, project.HistoryDepth()); err != nil {
		s.revertAndFinish(attempt, activated, fmt.Sprintf("append rollback entry: %v", err))
		return
	}
	s.finish(ctx, attempt, model.StateActivated, "")
}

// awaitApproval blocks on the approval gate. Returns false if the attempt
// terminated without approval.
func (s *Service) awaitApproval(ctx context.Context, project *model.Project, attempt *model.DeploymentAttempt) bool {
	timeout := project.ApprovalTimeout
	if timeout <= 0 {
		timeout = s.approvalTimeout
	}
	pa := &model.PendingApproval{
		ID:        newApprovalID(),
		Project:   project.ID,
		AttemptID: attempt.ID,
		Requester: attempt.Requester,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(timeout),
	}
	if err := s.approvals.Request(ctx, pa); err != nil {
		s.finish(ctx, attempt, model.StateFailed, fmt.Sprintf("request approval: %v", err))
		return false
	}
	s.mu.Lock()
	s.pendings[project.ID] = pa.ID
	s.mu.Unlock()
	s.notifier.Notify(ctx, project.ID, EventPendingApproval, SeverityInfo, pa)

	_, approver, err := s.approvals.Await(ctx, pa.ID)
	switch {
	case err == nil:
		log.Info().
			Str("project", project.ID).
			Int64("attempt", attempt.ID).
			Str("approver", approver).
			Msg("attempt approved")
		return s.advance(ctx, attempt, model.StateSyncing, "")
	case errors.Is(err, model.ErrApprovalTimeout):
		s.finish(ctx, attempt, model.StateFailed, "ApprovalTimeout: approval hold expired")
	case errors.Is(err, model.ErrApprovalRejected):
		s.finish(ctx, attempt, model.StateFailed, fmt.Sprintf("rejected by %s", approver))
	case errors.Is(err, context.Canceled):
		s.finish(ctx, attempt, model.StateFailed, "aborted by operator")
	default:
		s.finish(ctx, attempt, model.StateFailed, fmt.Sprintf("approval gate: %v", err))
	}
	return false
}

// runWave pushes one wave of nodes through sync, pre-activation health,
// activation and post-activation health. Node failures are captured in the
// returned progress, never as the error.
func (s *Service) runWave(ctx context.Context, project *model.Project, attempt *model.DeploymentAttempt, release *model.Release, wave []model.Node, threshold, activatedSoFar int) ([]*nodeProgress, error) {
	progress := make([]*nodeProgress, len(wave))
	for i, node := range wave {
		progress[i] = &nodeProgress{node: node, phase: model.PhasePending}
	}

	if !s.advance(ctx, attempt, model.StateSyncing, "") {
		return nil, fmt.Errorf("attempt no longer running")
	}
	s.forEach(ctx, progress, nil, func(ctx context.Context, p *nodeProgress) {
		if _, err := s.nodes.Status(ctx, p.node); err != nil {
			p.fail(model.NodeUnreachable, err)
			return
		}
		if _, err := s.sync.Stage(ctx, project, p.node, release); err != nil {
			p.fail(model.SyncFailure, err)
			return
		}
		p.phase = model.PhaseSynced
	})
	s.recordOutcomes(ctx, attempt, progress)

	if !s.advance(ctx, attempt, model.StateHealthChecking, "") {
		return nil, fmt.Errorf("attempt no longer running")
	}
	s.forEach(ctx, progress, phaseIs(model.PhaseSynced), func(ctx context.Context, p *nodeProgress) {
		res := s.health.Check(ctx, p.node, &project.HealthCheck, model.HealthPre)
		p.health = res
		if !res.Healthy {
			p.fail(model.HealthCheckFailure, fmt.Errorf("pre-activation probe unhealthy: %s", res.Message))
			return
		}
		p.phase = model.PhaseChecked
	})
	s.recordOutcomes(ctx, attempt, progress)

	// If the survivors already fall short of the threshold, flipping them
	// would only be churn that gets reverted moments later.
	eligible := 0
	for _, p := range progress {
		if p.phase == model.PhaseChecked {
			eligible++
		}
	}
	if eligible*100 < threshold*len(wave) {
		s.countFailures(project, progress)
		return progress, nil
	}

	if !s.advance(ctx, attempt, model.StateActivating, "") {
		return nil, fmt.Errorf("attempt no longer running")
	}
	var orderMu sync.Mutex
	order := activatedSoFar
	s.forEach(ctx, progress, phaseIs(model.PhaseChecked), func(ctx context.Context, p *nodeProgress) {
		flip, err := s.switcher.Activate(ctx, p.node, release)
		if err != nil {
			p.fail(model.SwitchFailure, err)
			return
		}
		p.flip = flip
		orderMu.Lock()
		p.order = order
		order++
		orderMu.Unlock()

		res := s.health.Check(ctx, p.node, &project.HealthCheck, model.HealthPost)
		p.health = res
		if res.Healthy {
			p.phase = model.PhaseActive
			return
		}
		// The new version is live but unhealthy. Restore this node before
		// the wave verdict so it never serves bad traffic.
		if _, rerr := s.switcher.Revert(ctx, p.node, flip.From); rerr != nil {
			p.fail(model.RollbackFailure, fmt.Errorf("post-activation probe unhealthy and revert failed: %v", rerr))
			return
		}
		p.phase = model.PhaseReverted
		p.err = model.NewNodeError(model.HealthCheckFailure, p.node.ID,
			fmt.Errorf("post-activation probe unhealthy: %s", res.Message))
	})
	s.recordOutcomes(ctx, attempt, progress)
	s.countFailures(project, progress)
	return progress, nil
}

func (s *Service) countFailures(project *model.Project, progress []*nodeProgress) {
	for _, p := range progress {
		if p.err != nil {
			nodeFailuresTotal.WithLabelValues(project.ID, string(p.err.Kind)).Inc()
		}
	}
}

// forEach fans fn out over the nodes matching filter, bounded by the
// service's in-flight limit. A canceled run issues no further node
// operations; nodes not yet started keep their phase.
func (s *Service) forEach(ctx context.Context, progress []*nodeProgress, filter func(*nodeProgress) bool, fn func(context.Context, *nodeProgress)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxInFlight)
	for _, p := range progress {
		if filter != nil && !filter(p) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, p)
			return nil
		})
	}
	g.Wait()
}

func phaseIs(phase model.NodePhase) func(*nodeProgress) bool {
	return func(p *nodeProgress) bool { return p.phase == phase }
}

// recordOutcomes flushes the wave's per-node evidence to the ledger.
func (s *Service) recordOutcomes(ctx context.Context, attempt *model.DeploymentAttempt, progress []*nodeProgress) {
	for _, p := range progress {
		o := &model.NodeOutcome{NodeID: p.node.ID, Phase: p.phase, Health: p.health}
		if p.err != nil {
			o.Error = p.err.Error()
		}
		if err := s.ledger.UpsertNodeOutcome(ctx, attempt.Project, attempt.ID, o); err != nil {
			log.Error().Err(err).
				Str("project", attempt.Project).
				Str("node", p.node.ID).
				Msg("record node outcome")
		}
	}
}

// revertAndFinish restores every node this attempt activated, newest first,
// and closes the attempt as rolled_back. With nothing activated the attempt
// simply fails.
func (s *Service) revertAndFinish(attempt *model.DeploymentAttempt, activated []*nodeProgress, reason string) {
	s.revertWave(attempt, activated, nil, reason)
}

// revertWave is revertAndFinish with the failing wave's own progress in
// view: a node the wave already flipped and restored still makes the
// attempt a rollback, and a node stuck mid-revert makes it a failure.
func (s *Service) revertWave(attempt *model.DeploymentAttempt, activated, wave []*nodeProgress, reason string) {
	// Reverting must proceed even when the run context was canceled.
	ctx := context.Background()

	flipped := len(activated) > 0
	revertFailed := false
	for _, p := range wave {
		if p.phase == model.PhaseReverted {
			flipped = true
		}
		if p.err != nil && p.err.Kind == model.RollbackFailure {
			flipped = true
			revertFailed = true
		}
	}

	sort.Slice(activated, func(i, j int) bool { return activated[i].order > activated[j].order })
	for _, p := range activated {
		if _, err := s.switcher.Revert(ctx, p.node, p.flip.From); err != nil {
			revertFailed = true
			p.fail(model.RollbackFailure, err)
			nodeFailuresTotal.WithLabelValues(attempt.Project, string(model.RollbackFailure)).Inc()
		} else {
			p.phase = model.PhaseReverted
		}
	}
	if len(activated) > 0 {
		s.recordOutcomes(ctx, attempt, activated)
	}

	switch {
	case revertFailed:
		s.finish(ctx, attempt, model.StateFailed, reason+"; revert incomplete, operator intervention required")
	case !flipped:
		s.finish(ctx, attempt, model.StateFailed, reason)
	default:
		s.finish(ctx, attempt, model.StateRolledBack, reason)
	}
}

// snapshotFleet reads the live state of every project node into a
// restorable rollback entry.
func (s *Service) snapshotFleet(ctx context.Context, project *model.Project, attempt *model.DeploymentAttempt, version string) (*model.RollbackEntry, error) {
	nodes := s.registry.NodesFor(project)
	entry := &model.RollbackEntry{
		Project:     project.ID,
		AttemptID:   attempt.ID,
		Version:     version,
		Nodes:       make([]model.NodeState, 0, len(nodes)),
		ActivatedAt: time.Now(),
	}
	for _, node := range nodes {
		status, err := s.nodes.Status(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		entry.Nodes = append(entry.Nodes, model.NodeState{
			NodeID:  node.ID,
			Active:  status.Active,
			Version: status.LiveVersion(),
		})
	}
	return entry, nil
}

// advance moves the attempt forward in its state machine, persisting first.
// Out-of-order moves are skipped: later waves re-enter earlier phases
// without rewinding the recorded state.
func (s *Service) advance(ctx context.Context, attempt *model.DeploymentAttempt, next model.AttemptState, reason string) bool {
	if attempt.State == next {
		return true
	}
	if !attempt.State.CanTransition(next) {
		return !attempt.State.Terminal()
	}
	if err := s.ledger.UpdateAttemptState(ctx, attempt.Project, attempt.ID, next, reason); err != nil {
		log.Error().Err(err).
			Str("project", attempt.Project).
			Int64("attempt", attempt.ID).
			Str("state", string(next)).
			Msg("persist state transition")
		return false
	}
	attempt.State = next
	attempt.Reason = reason
	return true
}

// finish closes the attempt in a terminal state, emits metrics and notifies.
func (s *Service) finish(ctx context.Context, attempt *model.DeploymentAttempt, state model.AttemptState, reason string) {
	if err := s.ledger.UpdateAttemptState(ctx, attempt.Project, attempt.ID, state, reason); err != nil {
		log.Error().Err(err).
			Str("project", attempt.Project).
			Int64("attempt", attempt.ID).
			Msg("persist terminal state")
	}
	attempt.State = state
	attempt.Reason = reason

	attemptsTotal.WithLabelValues(attempt.Project, string(state)).Inc()
	event, severity := EventFailed, SeverityError
	switch state {
	case model.StateActivated:
		event, severity = EventActivated, SeverityInfo
	case model.StateRolledBack:
		event, severity = EventRolledBack, SeverityWarning
	}
	s.notifier.Notify(ctx, attempt.Project, event, severity, attempt)

	log.Info().
		Str("project", attempt.Project).
		Int64("attempt", attempt.ID).
		Str("state", string(state)).
		Str("reason", reason).
		Msg("attempt finished")
}

// planWaves splits the ordered fleet into deployment waves per policy.
// All-or-nothing is a single wave. Canary leads with ceil(percent) of the
// fleet, at least one node, then chunks the remainder by waveSize.
func planWaves(policy *model.FleetPolicy, nodes []model.Node) [][]model.Node {
	if policy.Kind != model.PolicyCanary || len(nodes) <= 1 {
		return [][]model.Node{nodes}
	}

	first := (len(nodes)*policy.CanaryPercent + 99) / 100
	if first < 1 {
		first = 1
	}
	if first >= len(nodes) {
		return [][]model.Node{nodes}
	}

	waves := [][]model.Node{nodes[:first]}
	rest := nodes[first:]
	size := policy.WaveSize
	if size <= 0 {
		size = len(rest)
	}
	for len(rest) > 0 {
		n := size
		if n > len(rest) {
			n = len(rest)
		}
		waves = append(waves, rest[:n])
		rest = rest[n:]
	}
	return waves
}

// summarizeFailures names the failed nodes and their failure kinds, for the
// terminal reason field.
func summarizeFailures(progress []*nodeProgress) string {
	var parts []string
	for _, p := range progress {
		if p.err != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", p.node.ID, p.err.Kind))
		}
	}
	if len(parts) == 0 {
		return "wave below success threshold"
	}
	return "wave below success threshold (" + strings.Join(parts, ", ") + ")"
}
