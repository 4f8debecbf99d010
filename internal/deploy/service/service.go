package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/eeveon/eeveon/internal/deploy/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultApprovalTimeout = 15 * time.Minute

// Options bundles the collaborators of the deployment service.
type Options struct {
	Registry  *registry.Registry
	Ledger    Ledger
	Nodes     NodeClient
	Secrets   SecretSource
	Approvals ApprovalGate
	Notifier  Notifier
	// MaxInFlight bounds concurrent node operations inside a wave.
	MaxInFlight int
	// ApprovalTimeout applies to projects that do not set their own.
	ApprovalTimeout time.Duration
}

// Service is the fleet coordinator. It owns the per-project serialization
// lock, drives attempts through their state machine and records every
// transition in the ledger before acting on it.
type Service struct {
	registry  *registry.Registry
	ledger    Ledger
	nodes     NodeClient
	sync      *SyncEngine
	health    *HealthGate
	switcher  *ActivationSwitch
	approvals ApprovalGate
	notifier  Notifier
	locks     *projectLocks

	maxInFlight     int
	approvalTimeout time.Duration

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	pendings map[string]string
}

func New(opts Options) *Service {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = defaultApprovalTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier()
	}
	if opts.Approvals == nil {
		opts.Approvals = NewMemoryApprovalGate()
	}
	return &Service{
		registry:        opts.Registry,
		ledger:          opts.Ledger,
		nodes:           opts.Nodes,
		sync:            NewSyncEngine(opts.Nodes, opts.Secrets),
		health:          NewHealthGate(opts.Nodes),
		switcher:        NewActivationSwitch(opts.Nodes),
		approvals:       opts.Approvals,
		notifier:        opts.Notifier,
		locks:           newProjectLocks(),
		maxInFlight:     opts.MaxInFlight,
		approvalTimeout: opts.ApprovalTimeout,
		cancels:         make(map[string]context.CancelFunc),
		pendings:        make(map[string]string),
	}
}

// DeployRequest is one orchestrated deployment ask.
type DeployRequest struct {
	Project   string
	Version   string
	Requester string
	Role      model.Role
}

// Deploy validates the request, acquires the project lock and starts the
// coordinator run in the background. The returned attempt is already
// persisted; callers poll Status for progress.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*model.DeploymentAttempt, error) {
	project, ok := s.registry.Project(req.Project)
	if !ok {
		return nil, model.ErrProjectNotFound
	}
	if project.RequiredRole != "" && !req.Role.Allows(project.RequiredRole) {
		return nil, fmt.Errorf("%w: project %s requires %s", model.ErrForbidden, project.ID, project.RequiredRole)
	}

	var release *model.Release
	var err error
	if req.Version == "" {
		release, err = s.ledger.LatestRelease(ctx, project.ID)
	} else {
		release, err = s.ledger.GetRelease(ctx, project.ID, req.Version)
	}
	if err != nil {
		return nil, err
	}
	if release == nil {
		return nil, model.ErrReleaseNotFound
	}

	if err := s.locks.TryAcquire(project.ID); err != nil {
		return nil, err
	}
	busy, err := s.ledger.HasNonTerminal(ctx, project.ID)
	if err != nil {
		s.locks.Release(project.ID)
		return nil, err
	}
	if busy {
		s.locks.Release(project.ID)
		return nil, model.ErrConflict
	}

	state := model.StateSyncing
	if project.ApprovalRequired {
		state = model.StatePendingApproval
	}
	attempt, err := s.ledger.CreateAttempt(ctx, &model.DeploymentAttempt{
		Project:   project.ID,
		Version:   release.Version,
		Requester: req.Requester,
		State:     state,
		StartTime: time.Now(),
	})
	if err != nil {
		s.locks.Release(project.ID)
		return nil, err
	}

	s.launch(project, attempt, func(runCtx context.Context) {
		s.run(runCtx, &project, attempt, release)
	})
	return attempt, nil
}

// launch runs fn on a background context detached from the HTTP request,
// holding the project lock until fn returns.
func (s *Service) launch(project model.Project, attempt *model.DeploymentAttempt, fn func(ctx context.Context)) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[project.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("project", project.ID).
					Int64("attempt", attempt.ID).
					Interface("panic", r).
					Msg("coordinator run panicked")
				s.finish(context.Background(), attempt, model.StateFailed,
					fmt.Sprintf("internal error: %v", r))
			}
			cancel()
			s.mu.Lock()
			delete(s.cancels, project.ID)
			delete(s.pendings, project.ID)
			s.mu.Unlock()
			s.locks.Release(project.ID)
		}()
		fn(runCtx)
	}()
}

// Abort cancels the project's in-flight attempt. Nodes already activated in
// it are reverted by the run itself before it terminates.
func (s *Service) Abort(ctx context.Context, projectID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[projectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("project %s has no attempt in flight", projectID)
	}
	cancel()
	return nil
}

// StatusReport is the operator's view of a project's deployment state.
type StatusReport struct {
	Project  string                   `json:"project"`
	Attempt  *model.DeploymentAttempt `json:"attempt,omitempty"`
	Approval *model.PendingApproval   `json:"approval,omitempty"`
}

// Status returns the most recent attempt and, if one is waiting, its
// pending approval.
func (s *Service) Status(ctx context.Context, projectID string) (*StatusReport, error) {
	if _, ok := s.registry.Project(projectID); !ok {
		return nil, model.ErrProjectNotFound
	}
	attempt, err := s.ledger.GetLatestAttempt(ctx, projectID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Project: projectID, Attempt: attempt}

	s.mu.Lock()
	approvalID := s.pendings[projectID]
	s.mu.Unlock()
	if approvalID != "" {
		if pa, err := s.approvals.Get(ctx, approvalID); err == nil {
			report.Approval = pa
		}
	}
	return report, nil
}

// History lists the project's restorable activation snapshots, newest first.
func (s *Service) History(ctx context.Context, projectID string) ([]model.RollbackEntry, error) {
	if _, ok := s.registry.Project(projectID); !ok {
		return nil, model.ErrProjectNotFound
	}
	return s.ledger.ListRollbackEntries(ctx, projectID)
}

// Attempt returns one attempt with its node outcomes.
func (s *Service) Attempt(ctx context.Context, projectID string, id int64) (*model.DeploymentAttempt, error) {
	if _, ok := s.registry.Project(projectID); !ok {
		return nil, model.ErrProjectNotFound
	}
	return s.ledger.GetAttempt(ctx, projectID, id)
}

// Approve records an operator's approval of a pending hold.
func (s *Service) Approve(ctx context.Context, approvalID, approver string) error {
	return s.approvals.Approve(ctx, approvalID, approver)
}

// Reject records an operator's rejection of a pending hold.
func (s *Service) Reject(ctx context.Context, approvalID, approver string) error {
	return s.approvals.Reject(ctx, approvalID, approver)
}

// RegisterRelease records a new immutable artifact and returns it.
func (s *Service) RegisterRelease(ctx context.Context, r *model.Release) (*model.Release, error) {
	if _, ok := s.registry.Project(r.Project); !ok {
		return nil, model.ErrProjectNotFound
	}
	if r.Version == "" {
		return nil, fmt.Errorf("release version is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := s.ledger.CreateRelease(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// TriggerDeploy resolves a trigger event's commit to a registered release
// and starts a deployment as the trigger's synthetic requester.
func (s *Service) TriggerDeploy(ctx context.Context, trig model.DeployTrigger) (*model.DeploymentAttempt, error) {
	release, err := s.ledger.GetReleaseByCommit(ctx, trig.Project, trig.CommitRef)
	if err != nil {
		return nil, err
	}
	if release == nil {
		return nil, model.ErrReleaseNotFound
	}
	return s.Deploy(ctx, DeployRequest{
		Project:   trig.Project,
		Version:   release.Version,
		Requester: trig.Source,
		Role:      model.RoleAdmin,
	})
}

// ResumeOrphans closes out attempts left non-terminal by a previous process.
// Their on-node effects are unknown, so they are marked failed and surfaced
// for operator review rather than resumed.
func (s *Service) ResumeOrphans(ctx context.Context) error {
	orphans, err := s.ledger.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for i := range orphans {
		a := &orphans[i]
		if err := s.ledger.UpdateAttemptState(ctx, a.Project, a.ID, model.StateFailed, "interrupted by orchestrator restart"); err != nil {
			return err
		}
		log.Warn().
			Str("project", a.Project).
			Int64("attempt", a.ID).
			Msg("orphaned attempt marked failed")
		s.notifier.Notify(ctx, a.Project, EventFailed, SeverityWarning, a)
	}
	return nil
}

// newApprovalID returns a fresh identifier for a pending approval.
func newApprovalID() string { return uuid.NewString() }
