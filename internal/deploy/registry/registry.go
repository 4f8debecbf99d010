package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	promodel "github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Registry is the static node/project input to the fleet coordinator.
// It is loaded once at startup and read-only during an attempt.
type Registry struct {
	nodes    map[string]model.Node
	projects map[string]model.Project
}

// File is the on-disk YAML layout. Durations use the prometheus notation
// ("30s", "15m") and are converted on load.
type File struct {
	Nodes    []NodeSpec    `yaml:"nodes"`
	Projects []ProjectSpec `yaml:"projects"`
}

type NodeSpec struct {
	ID            string          `yaml:"id"`
	Address       string          `yaml:"address"`
	CredentialRef string          `yaml:"credentialRef"`
	Active        model.SlotColor `yaml:"active"`
}

type ProjectSpec struct {
	ID               string            `yaml:"id"`
	Nodes            []string          `yaml:"nodes"`
	Policy           model.FleetPolicy `yaml:"policy"`
	HealthCheck      HealthSpec        `yaml:"healthCheck"`
	Keep             int               `yaml:"keep"`
	RequiredRole     model.Role        `yaml:"requiredRole"`
	ApprovalRequired bool              `yaml:"approvalRequired"`
	ApprovalTimeout  promodel.Duration `yaml:"approvalTimeout"`
	IgnorePatterns   []string          `yaml:"ignorePatterns"`
	SecretKeys       []string          `yaml:"secretKeys"`
	WebhookBranches  []string          `yaml:"webhookBranches"`
}

type HealthSpec struct {
	Kind           model.HealthCheckKind `yaml:"kind"`
	Method         string                `yaml:"method"`
	URL            string                `yaml:"url"`
	ExpectedStatus int                   `yaml:"expectedStatus"`
	Script         string                `yaml:"script"`
	Timeout        promodel.Duration     `yaml:"timeout"`
	MaxRetries     int                   `yaml:"maxRetries"`
	BackoffBase    promodel.Duration     `yaml:"backoffBase"`
	BackoffCap     promodel.Duration     `yaml:"backoffCap"`
}

// Load reads and validates the registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := &Registry{
		nodes:    make(map[string]model.Node, len(f.Nodes)),
		projects: make(map[string]model.Project, len(f.Projects)),
	}

	for _, n := range f.Nodes {
		if n.ID == "" || n.Address == "" {
			return nil, fmt.Errorf("registry node missing id or address")
		}
		if n.Active == "" {
			n.Active = model.SlotBlue
		}
		if n.Active != model.SlotBlue && n.Active != model.SlotGreen {
			return nil, fmt.Errorf("node %s: invalid active slot %q", n.ID, n.Active)
		}
		if _, dup := r.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		r.nodes[n.ID] = model.Node{
			ID:            n.ID,
			Address:       n.Address,
			CredentialRef: n.CredentialRef,
			Active:        n.Active,
			Versions:      map[model.SlotColor]string{},
		}
	}

	for _, p := range f.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("registry project missing id")
		}
		if len(p.Nodes) == 0 {
			return nil, fmt.Errorf("project %s: no nodes", p.ID)
		}
		for _, id := range p.Nodes {
			if _, ok := r.nodes[id]; !ok {
				return nil, fmt.Errorf("project %s: unknown node %s", p.ID, id)
			}
		}
		if err := validatePolicy(p.ID, &p.Policy); err != nil {
			return nil, err
		}
		if _, dup := r.projects[p.ID]; dup {
			return nil, fmt.Errorf("duplicate project id %s", p.ID)
		}
		r.projects[p.ID] = model.Project{
			ID:               p.ID,
			Nodes:            p.Nodes,
			Policy:           p.Policy,
			HealthCheck:      p.HealthCheck.toModel(),
			Keep:             p.Keep,
			RequiredRole:     p.RequiredRole,
			ApprovalRequired: p.ApprovalRequired,
			ApprovalTimeout:  time.Duration(p.ApprovalTimeout),
			IgnorePatterns:   p.IgnorePatterns,
			SecretKeys:       p.SecretKeys,
			WebhookBranches:  p.WebhookBranches,
		}
	}

	return r, nil
}

func validatePolicy(project string, p *model.FleetPolicy) error {
	switch p.Kind {
	case "", model.PolicyAllOrNothing:
		p.Kind = model.PolicyAllOrNothing
	case model.PolicyCanary:
		if p.CanaryPercent <= 0 || p.CanaryPercent > 100 {
			return fmt.Errorf("project %s: canary percent must be in (0,100]", project)
		}
	default:
		return fmt.Errorf("project %s: unknown policy %q", project, p.Kind)
	}
	if p.SuccessThreshold < 0 || p.SuccessThreshold > 100 {
		return fmt.Errorf("project %s: success threshold must be in [0,100]", project)
	}
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = 100
	}
	return nil
}

func (h *HealthSpec) toModel() model.HealthCheckSpec {
	spec := model.HealthCheckSpec{
		Kind:           h.Kind,
		Method:         h.Method,
		URL:            h.URL,
		ExpectedStatus: h.ExpectedStatus,
		Script:         h.Script,
		Timeout:        time.Duration(h.Timeout),
		MaxRetries:     h.MaxRetries,
		BackoffBase:    time.Duration(h.BackoffBase),
		BackoffCap:     time.Duration(h.BackoffCap),
	}
	if spec.Kind == "" {
		spec.Kind = model.HealthCheckHTTP
	}
	if spec.Method == "" {
		spec.Method = "GET"
	}
	if spec.ExpectedStatus == 0 {
		spec.ExpectedStatus = 200
	}
	return spec
}

// Project returns the project with the given id.
func (r *Registry) Project(id string) (model.Project, bool) {
	p, ok := r.projects[id]
	return p, ok
}

// Node returns the node with the given id.
func (r *Registry) Node(id string) (model.Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// NodesFor returns the project's node list in registry order.
func (r *Registry) NodesFor(p *model.Project) []model.Node {
	nodes := make([]model.Node, 0, len(p.Nodes))
	for _, id := range p.Nodes {
		if n, ok := r.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Projects returns all projects keyed by id.
func (r *Registry) Projects() map[string]model.Project {
	out := make(map[string]model.Project, len(r.projects))
	for id, p := range r.projects {
		out[id] = p
	}
	return out
}
