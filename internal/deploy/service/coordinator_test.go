package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/eeveon/eeveon/internal/deploy/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNodeState is one simulated node's slot state.
type fakeNodeState struct {
	active    model.SlotColor
	versions  map[model.SlotColor]string
	checksums map[model.SlotColor]string
}

// fakeFleet is an in-memory NodeClient over a set of simulated nodes with
// injectable failures. The health-check script reports unhealthy when the
// node's live version matches unhealthyOn.
type fakeFleet struct {
	mu          sync.Mutex
	state       map[string]*fakeNodeState
	failStage   map[string]bool
	failSwitch  map[string]bool
	unreachable map[string]bool
	unhealthyOn map[string]string
	switches    []string
}

func newFakeFleet(nodeIDs ...string) *fakeFleet {
	f := &fakeFleet{
		state:       map[string]*fakeNodeState{},
		failStage:   map[string]bool{},
		failSwitch:  map[string]bool{},
		unreachable: map[string]bool{},
		unhealthyOn: map[string]string{},
	}
	for _, id := range nodeIDs {
		f.state[id] = &fakeNodeState{
			active:    model.SlotBlue,
			versions:  map[model.SlotColor]string{},
			checksums: map[model.SlotColor]string{},
		}
	}
	return f
}

func (f *fakeFleet) Status(ctx context.Context, node model.Node) (*NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[node.ID] {
		return nil, fmt.Errorf("node %s unreachable", node.ID)
	}
	st := f.state[node.ID]
	out := &NodeStatus{
		Active:    st.active,
		Versions:  map[model.SlotColor]string{},
		Checksums: map[model.SlotColor]string{},
	}
	for c, v := range st.versions {
		out.Versions[c] = v
	}
	for c, v := range st.checksums {
		out.Checksums[c] = v
	}
	return out, nil
}

func (f *fakeFleet) Stage(ctx context.Context, node model.Node, version, checksum string, archive io.Reader) error {
	io.Copy(io.Discard, archive)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[node.ID] {
		return fmt.Errorf("node %s unreachable", node.ID)
	}
	if f.failStage[node.ID] {
		return fmt.Errorf("disk full on %s", node.ID)
	}
	st := f.state[node.ID]
	inactive := st.active.Other()
	st.versions[inactive] = version
	st.checksums[inactive] = checksum
	return nil
}

func (f *fakeFleet) Switch(ctx context.Context, node model.Node, target model.SlotColor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[node.ID] {
		return fmt.Errorf("node %s unreachable", node.ID)
	}
	if f.failSwitch[node.ID] {
		return fmt.Errorf("symlink flip failed on %s", node.ID)
	}
	f.state[node.ID].active = target
	f.switches = append(f.switches, node.ID+":"+string(target))
	return nil
}

func (f *fakeFleet) Exec(ctx context.Context, node model.Node, script string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[node.ID] {
		return -1, "", fmt.Errorf("node %s unreachable", node.ID)
	}
	st := f.state[node.ID]
	if bad := f.unhealthyOn[node.ID]; bad != "" && st.versions[st.active] == bad {
		return 1, "service not responding", nil
	}
	return 0, "ok", nil
}

func (f *fakeFleet) live(nodeID string) (model.SlotColor, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state[nodeID]
	return st.active, st.versions[st.active]
}

// memLedger is an in-memory Ledger for coordinator tests.
type memLedger struct {
	mu       sync.Mutex
	attempts map[string][]*model.DeploymentAttempt
	outcomes map[string]map[string]*model.NodeOutcome
	entries  map[string][]model.RollbackEntry
	releases map[string][]*model.Release
}

func newMemLedger() *memLedger {
	return &memLedger{
		attempts: map[string][]*model.DeploymentAttempt{},
		outcomes: map[string]map[string]*model.NodeOutcome{},
		entries:  map[string][]model.RollbackEntry{},
		releases: map[string][]*model.Release{},
	}
}

func (l *memLedger) CreateAttempt(ctx context.Context, a *model.DeploymentAttempt) (*model.DeploymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *a
	copied.ID = int64(len(l.attempts[a.Project]) + 1)
	l.attempts[a.Project] = append(l.attempts[a.Project], &copied)
	out := copied
	return &out, nil
}

func (l *memLedger) find(project string, id int64) *model.DeploymentAttempt {
	for _, a := range l.attempts[project] {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (l *memLedger) UpdateAttemptState(ctx context.Context, project string, id int64, state model.AttemptState, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.find(project, id)
	if a == nil {
		return fmt.Errorf("attempt %s/%d not found", project, id)
	}
	a.State = state
	a.Reason = reason
	if state.Terminal() {
		now := time.Now()
		a.EndTime = &now
	}
	return nil
}

func outcomeKey(project string, id int64, node string) string {
	return fmt.Sprintf("%s/%d", project, id) + "/" + node
}

func (l *memLedger) UpsertNodeOutcome(ctx context.Context, project string, attemptID int64, o *model.NodeOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s/%d", project, attemptID)
	if l.outcomes[key] == nil {
		l.outcomes[key] = map[string]*model.NodeOutcome{}
	}
	copied := *o
	l.outcomes[key][o.NodeID] = &copied
	return nil
}

func (l *memLedger) GetAttempt(ctx context.Context, project string, id int64) (*model.DeploymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.find(project, id)
	if a == nil {
		return nil, nil
	}
	out := *a
	for _, o := range l.outcomes[fmt.Sprintf("%s/%d", project, id)] {
		out.Outcomes = append(out.Outcomes, *o)
	}
	return &out, nil
}

func (l *memLedger) GetLatestAttempt(ctx context.Context, project string) (*model.DeploymentAttempt, error) {
	l.mu.Lock()
	list := l.attempts[project]
	if len(list) == 0 {
		l.mu.Unlock()
		return nil, nil
	}
	id := list[len(list)-1].ID
	l.mu.Unlock()
	return l.GetAttempt(ctx, project, id)
}

func (l *memLedger) HasNonTerminal(ctx context.Context, project string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.attempts[project] {
		if !a.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) ListNonTerminal(ctx context.Context) ([]model.DeploymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.DeploymentAttempt
	for _, list := range l.attempts {
		for _, a := range list {
			if !a.State.Terminal() {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func (l *memLedger) AppendRollbackEntry(ctx context.Context, e *model.RollbackEntry, keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.entries[e.Project], *e)
	if len(list) > keep {
		list = list[len(list)-keep:]
	}
	l.entries[e.Project] = list
	return nil
}

func (l *memLedger) ListRollbackEntries(ctx context.Context, project string) ([]model.RollbackEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[project]
	out := make([]model.RollbackEntry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (l *memLedger) LatestRollbackEntryBefore(ctx context.Context, project, liveVersion string) (*model.RollbackEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[project]
	// Only entries older than the live version's own entry qualify, so
	// consecutive rollbacks keep walking backward.
	limit := len(list)
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Version == liveVersion {
			limit = i
			break
		}
	}
	for i := limit - 1; i >= 0; i-- {
		if list[i].Version != liveVersion {
			e := list[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLedger) GetRollbackEntry(ctx context.Context, project, version string) (*model.RollbackEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[project]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Version == version {
			e := list[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLedger) CreateRelease(ctx context.Context, r *model.Release) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases[r.Project] = append(l.releases[r.Project], r)
	return nil
}

func (l *memLedger) GetRelease(ctx context.Context, project, version string) (*model.Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.releases[project] {
		if r.Version == version {
			return r, nil
		}
	}
	return nil, nil
}

func (l *memLedger) GetReleaseByCommit(ctx context.Context, project, commitRef string) (*model.Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.releases[project] {
		if r.CommitRef == commitRef {
			return r, nil
		}
	}
	return nil, nil
}

func (l *memLedger) LatestRelease(ctx context.Context, project string) (*model.Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.releases[project]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

var _ Ledger = (*memLedger)(nil)

// fixture wires a Service over the fakes for one registry document.
type fixture struct {
	svc    *Service
	ledger *memLedger
	fleet  *fakeFleet
}

func newFixture(t *testing.T, registryYAML string, nodeIDs ...string) *fixture {
	t.Helper()
	reg, err := registry.Parse([]byte(registryYAML))
	require.NoError(t, err)
	ledger := newMemLedger()
	fleet := newFakeFleet(nodeIDs...)
	svc := New(Options{
		Registry:    reg,
		Ledger:      ledger,
		Nodes:       fleet,
		Secrets:     StaticSecretSource{},
		MaxInFlight: 2,
	})
	return &fixture{svc: svc, ledger: ledger, fleet: fleet}
}

func (fx *fixture) addRelease(t *testing.T, project, version string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.txt"), []byte(version), 0o644))
	require.NoError(t, fx.ledger.CreateRelease(context.Background(), &model.Release{
		Project:   project,
		Version:   version,
		CommitRef: "sha-" + version,
		Location:  dir,
		CreatedAt: time.Now(),
	}))
}

func (fx *fixture) waitTerminal(t *testing.T, project string, id int64) *model.DeploymentAttempt {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		a, err := fx.ledger.GetAttempt(context.Background(), project, id)
		require.NoError(t, err)
		if a != nil && a.State.Terminal() {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("attempt %s/%d did not reach a terminal state", project, id)
	return nil
}

const fleetRegistry = `
nodes:
  - id: n1
    address: fake://n1
  - id: n2
    address: fake://n2
  - id: n3
    address: fake://n3
projects:
  - id: webapp
    nodes: [n1, n2, n3]
    policy:
      kind: all-or-nothing
    healthCheck:
      kind: script
      script: check
      maxRetries: 1
      backoffBase: 1ms
`

func TestDeployAllOrNothingActivatesFleet(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateActivated, final.State)

	for _, id := range []string{"n1", "n2", "n3"} {
		active, version := fx.fleet.live(id)
		assert.Equal(t, model.SlotGreen, active, id)
		assert.Equal(t, "v1", version, id)
	}
	require.Len(t, final.Outcomes, 3)
	for _, o := range final.Outcomes {
		assert.Equal(t, model.PhaseActive, o.Phase)
		require.NotNil(t, o.Health)
		assert.True(t, o.Health.Healthy)
	}

	history, err := fx.ledger.ListRollbackEntries(context.Background(), "webapp")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "v1", history[0].Version)
	assert.Len(t, history[0].Nodes, 3)
}

func TestDeployUnhealthyNodeRollsBackFleet(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")
	fx.fleet.unhealthyOn["n2"] = "v1"

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateRolledBack, final.State)
	assert.Contains(t, final.Reason, "HealthCheckFailure")

	// Every node is back on its original slot.
	for _, id := range []string{"n1", "n2", "n3"} {
		active, _ := fx.fleet.live(id)
		assert.Equal(t, model.SlotBlue, active, id)
	}
	// No restorable entry was recorded for the failed attempt.
	history, err := fx.ledger.ListRollbackEntries(context.Background(), "webapp")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeployUnreachableNodeFailsWithoutActivation(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")
	fx.fleet.unreachable["n3"] = true

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "NodeUnreachable")
	for _, id := range []string{"n1", "n2"} {
		active, _ := fx.fleet.live(id)
		assert.Equal(t, model.SlotBlue, active, id)
	}
}

const canaryRegistry = `
nodes:
  - id: n1
    address: fake://n1
  - id: n2
    address: fake://n2
  - id: n3
    address: fake://n3
  - id: n4
    address: fake://n4
projects:
  - id: webapp
    nodes: [n1, n2, n3, n4]
    policy:
      kind: canary
      canaryPercent: 25
      waveSize: 3
    healthCheck:
      kind: script
      script: check
      maxRetries: 1
      backoffBase: 1ms
`

func TestCanaryFirstWaveFailureLeavesRestUntouched(t *testing.T) {
	fx := newFixture(t, canaryRegistry, "n1", "n2", "n3", "n4")
	fx.addRelease(t, "webapp", "v1")
	fx.fleet.unhealthyOn["n1"] = "v1"

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateRolledBack, final.State)

	// The canary was reverted; the remaining nodes were never staged.
	active, _ := fx.fleet.live("n1")
	assert.Equal(t, model.SlotBlue, active)
	for _, id := range []string{"n2", "n3", "n4"} {
		fx.fleet.mu.Lock()
		staged := fx.fleet.state[id].versions[model.SlotGreen]
		fx.fleet.mu.Unlock()
		assert.Empty(t, staged, id)
	}
}

func TestCanarySecondWaveFailureRevertsEarlierWaves(t *testing.T) {
	fx := newFixture(t, canaryRegistry, "n1", "n2", "n3", "n4")
	fx.addRelease(t, "webapp", "v1")
	fx.fleet.unhealthyOn["n3"] = "v1"

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateRolledBack, final.State)

	// The healthy canary from wave one is rolled back too.
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		active, _ := fx.fleet.live(id)
		assert.Equal(t, model.SlotBlue, active, id)
	}
}

func TestDeployConflictWhileInFlight(t *testing.T) {
	fx := newFixture(t, `
nodes:
  - id: n1
    address: fake://n1
projects:
  - id: webapp
    nodes: [n1]
    approvalRequired: true
    approvalTimeout: 5s
    healthCheck:
      kind: script
      script: check
`, "n1")
	fx.addRelease(t, "webapp", "v1")

	first, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingApproval, first.State)

	_, err = fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "bob", Role: model.RoleDeployer,
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, fx.svc.Reject(context.Background(), pendingApprovalID(t, fx, "webapp"), "carol"))
	final := fx.waitTerminal(t, "webapp", first.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "rejected by carol")
}

func pendingApprovalID(t *testing.T, fx *fixture, project string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		report, err := fx.svc.Status(context.Background(), project)
		require.NoError(t, err)
		if report.Approval != nil {
			return report.Approval.ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return ""
}

func TestApprovalTimeoutFailsAttempt(t *testing.T) {
	fx := newFixture(t, `
nodes:
  - id: n1
    address: fake://n1
projects:
  - id: webapp
    nodes: [n1]
    approvalRequired: true
    approvalTimeout: 20ms
    healthCheck:
      kind: script
      script: check
`, "n1")
	fx.addRelease(t, "webapp", "v1")

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "ApprovalTimeout")

	active, version := fx.fleet.live("n1")
	assert.Equal(t, model.SlotBlue, active)
	assert.Empty(t, version)

	// The timed-out attempt no longer holds the serialization lock, so a
	// fresh request is accepted. Lock release trails the terminal state by
	// a hair, hence the retry.
	var second *model.DeploymentAttempt
	require.Eventually(t, func() bool {
		a, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: "v1", Requester: "bob", Role: model.RoleDeployer,
		})
		if err != nil {
			return false
		}
		second = a
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatePendingApproval, second.State)
}

func TestApprovedAttemptProceeds(t *testing.T) {
	fx := newFixture(t, `
nodes:
  - id: n1
    address: fake://n1
projects:
  - id: webapp
    nodes: [n1]
    approvalRequired: true
    approvalTimeout: 5s
    healthCheck:
      kind: script
      script: check
`, "n1")
	fx.addRelease(t, "webapp", "v1")

	attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.Approve(context.Background(), pendingApprovalID(t, fx, "webapp"), "carol"))
	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateActivated, final.State)

	_, version := fx.fleet.live("n1")
	assert.Equal(t, "v1", version)
}

func TestRollbackRestoresPriorVersion(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")
	fx.addRelease(t, "webapp", "v2")

	for _, version := range []string{"v1", "v2"} {
		attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: version, Requester: "alice", Role: model.RoleDeployer,
		})
		require.NoError(t, err)
		final := fx.waitTerminal(t, "webapp", attempt.ID)
		require.Equal(t, model.StateActivated, final.State, version)
	}

	_, version := fx.fleet.live("n1")
	require.Equal(t, "v2", version)

	attempt, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", attempt.Version)
	assert.True(t, attempt.Rollback)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateRolledBack, final.State)
	for _, id := range []string{"n1", "n2", "n3"} {
		_, v := fx.fleet.live(id)
		assert.Equal(t, "v1", v, id)
	}
}

func TestConsecutiveRollbacksWalkHistoryBackward(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	for _, v := range []string{"v1", "v2", "v3"} {
		fx.addRelease(t, "webapp", v)
		attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: v, Requester: "alice", Role: model.RoleDeployer,
		})
		require.NoError(t, err)
		final := fx.waitTerminal(t, "webapp", attempt.ID)
		require.Equal(t, model.StateActivated, final.State, v)
	}

	first, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", first.Version)
	final := fx.waitTerminal(t, "webapp", first.ID)
	require.Equal(t, model.StateRolledBack, final.State)

	// The second parameterless rollback continues backward to v1, it does
	// not bounce back to v3.
	second, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", second.Version)

	// v1's content was overwritten when v3 was staged, so the restore
	// stops at the slot check instead of flipping to the wrong release.
	final = fx.waitTerminal(t, "webapp", second.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "restore stopped")
	for _, id := range []string{"n1", "n2", "n3"} {
		_, v := fx.fleet.live(id)
		assert.Equal(t, "v2", v, id)
	}
}

func TestRollbackUnhealthyRestoreFails(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")
	fx.addRelease(t, "webapp", "v2")
	for _, v := range []string{"v1", "v2"} {
		attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: v, Requester: "alice", Role: model.RoleDeployer,
		})
		require.NoError(t, err)
		final := fx.waitTerminal(t, "webapp", attempt.ID)
		require.Equal(t, model.StateActivated, final.State, v)
	}

	// v1 no longer passes its check on n2: the restore flips the pointer
	// but the post-restore check fails.
	fx.fleet.mu.Lock()
	fx.fleet.unhealthyOn["n2"] = "v1"
	fx.fleet.mu.Unlock()

	attempt, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "n2")

	// The health verdict is on the ledger.
	var n2 *model.NodeOutcome
	for i := range final.Outcomes {
		if final.Outcomes[i].NodeID == "n2" {
			n2 = &final.Outcomes[i]
		}
	}
	require.NotNil(t, n2)
	assert.Equal(t, model.PhaseFailed, n2.Phase)
	require.NotNil(t, n2.Health)
	assert.False(t, n2.Health.Healthy)
	assert.Contains(t, n2.Error, "HealthCheckFailure")

	// Restore order is reverse fleet order: n3 was restored before the
	// failure, n1 was never reached.
	_, v := fx.fleet.live("n3")
	assert.Equal(t, "v1", v)
	_, v = fx.fleet.live("n1")
	assert.Equal(t, "v2", v)
}

func TestRollbackWithoutHistory(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")

	_, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	assert.ErrorIs(t, err, model.ErrNoHistory)
}

func TestRollbackFailureDoesNotRecurse(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	fx.addRelease(t, "webapp", "v1")
	fx.addRelease(t, "webapp", "v2")

	for _, version := range []string{"v1", "v2"} {
		attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: version, Requester: "alice", Role: model.RoleDeployer,
		})
		require.NoError(t, err)
		fx.waitTerminal(t, "webapp", attempt.ID)
	}

	// Restore order is reverse fleet order, so n3 is hit first.
	fx.fleet.failSwitch["n3"] = true
	attempt, err := fx.svc.Rollback(context.Background(), RollbackRequest{
		Project: "webapp", Requester: "alice", Role: model.RoleDeployer,
	})
	require.NoError(t, err)

	final := fx.waitTerminal(t, "webapp", attempt.ID)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Contains(t, final.Reason, "n3")

	// Nodes after the failure point were left alone.
	for _, id := range []string{"n1", "n2"} {
		_, v := fx.fleet.live(id)
		assert.Equal(t, "v2", v, id)
	}
}

func TestSeedBootstrapsHistory(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	for _, id := range []string{"n1", "n2", "n3"} {
		fx.fleet.state[id].versions[model.SlotBlue] = "v0"
	}

	entry, err := fx.svc.Seed(context.Background(), "webapp", "alice")
	require.NoError(t, err)
	assert.Equal(t, "v0", entry.Version)
	assert.Len(t, entry.Nodes, 3)

	history, err := fx.svc.History(context.Background(), "webapp")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "v0", history[0].Version)
}

func TestHistoryKeepsBoundedEntries(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	versions := []string{"v1", "v2", "v3", "v4", "v5", "v6", "v7"}
	for _, v := range versions {
		fx.addRelease(t, "webapp", v)
		attempt, err := fx.svc.Deploy(context.Background(), DeployRequest{
			Project: "webapp", Version: v, Requester: "alice", Role: model.RoleDeployer,
		})
		require.NoError(t, err)
		final := fx.waitTerminal(t, "webapp", attempt.ID)
		require.Equal(t, model.StateActivated, final.State, v)
	}

	history, err := fx.svc.History(context.Background(), "webapp")
	require.NoError(t, err)
	require.Len(t, history, model.DefaultKeep)
	// Newest first; the two oldest entries were evicted.
	assert.Equal(t, "v7", history[0].Version)
	assert.Equal(t, "v3", history[4].Version)
}

func TestResumeOrphansClosesInterruptedAttempts(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")
	orphan, err := fx.ledger.CreateAttempt(context.Background(), &model.DeploymentAttempt{
		Project: "webapp", Version: "v1", Requester: "alice",
		State: model.StateActivating, StartTime: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.ResumeOrphans(context.Background()))

	a, err := fx.ledger.GetAttempt(context.Background(), "webapp", orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, a.State)
	assert.Contains(t, a.Reason, "interrupted")
}

func TestDeployRequiresRole(t *testing.T) {
	fx := newFixture(t, `
nodes:
  - id: n1
    address: fake://n1
projects:
  - id: webapp
    nodes: [n1]
    requiredRole: admin
    healthCheck:
      kind: script
      script: check
`, "n1")
	fx.addRelease(t, "webapp", "v1")

	_, err := fx.svc.Deploy(context.Background(), DeployRequest{
		Project: "webapp", Version: "v1", Requester: "alice", Role: model.RoleDeployer,
	})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestPlanWaves(t *testing.T) {
	nodes := make([]model.Node, 10)
	for i := range nodes {
		nodes[i] = model.Node{ID: fmt.Sprintf("n%d", i+1)}
	}

	t.Run("all-or-nothing is one wave", func(t *testing.T) {
		waves := planWaves(&model.FleetPolicy{Kind: model.PolicyAllOrNothing}, nodes)
		require.Len(t, waves, 1)
		assert.Len(t, waves[0], 10)
	})

	t.Run("canary leads with ceil(percent)", func(t *testing.T) {
		waves := planWaves(&model.FleetPolicy{Kind: model.PolicyCanary, CanaryPercent: 25, WaveSize: 4}, nodes)
		require.Len(t, waves, 3)
		assert.Len(t, waves[0], 3)
		assert.Len(t, waves[1], 4)
		assert.Len(t, waves[2], 3)
	})

	t.Run("canary wave is at least one node", func(t *testing.T) {
		waves := planWaves(&model.FleetPolicy{Kind: model.PolicyCanary, CanaryPercent: 1}, nodes[:3])
		require.NotEmpty(t, waves)
		assert.Len(t, waves[0], 1)
	})

	t.Run("zero wave size takes the remainder at once", func(t *testing.T) {
		waves := planWaves(&model.FleetPolicy{Kind: model.PolicyCanary, CanaryPercent: 10}, nodes)
		require.Len(t, waves, 2)
		assert.Len(t, waves[0], 1)
		assert.Len(t, waves[1], 9)
	})
}

func TestForEachStopsIssuingAfterCancel(t *testing.T) {
	fx := newFixture(t, fleetRegistry, "n1", "n2", "n3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	progress := []*nodeProgress{
		{node: model.Node{ID: "n1"}, phase: model.PhasePending},
		{node: model.Node{ID: "n2"}, phase: model.PhasePending},
	}
	var calls atomic.Int32
	fx.svc.forEach(ctx, progress, nil, func(context.Context, *nodeProgress) {
		calls.Add(1)
	})

	// No node operation was issued; the nodes stay pending instead of
	// being marked failed.
	assert.Zero(t, calls.Load())
	for _, p := range progress {
		assert.Equal(t, model.PhasePending, p.phase, p.node.ID)
	}
}
