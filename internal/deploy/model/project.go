package model

import "time"

// SlotColor identifies one of the two fixed deployment slots on a node.
type SlotColor string

const (
	SlotBlue  SlotColor = "blue"
	SlotGreen SlotColor = "green"
)

// Other returns the opposite slot color.
func (c SlotColor) Other() SlotColor {
	if c == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// PolicyKind selects the fleet-consistency policy for a project.
type PolicyKind string

const (
	PolicyAllOrNothing PolicyKind = "all-or-nothing"
	PolicyCanary       PolicyKind = "canary"
)

// FleetPolicy determines how many/which nodes must succeed before an
// attempt is considered committed.
type FleetPolicy struct {
	Kind PolicyKind `json:"kind" yaml:"kind"`
	// CanaryPercent sizes the first wave as a percentage of the fleet,
	// rounded up to at least one node. Only used by the canary policy.
	CanaryPercent int `json:"canaryPercent,omitempty" yaml:"canaryPercent,omitempty"`
	// WaveSize bounds the node count of follow-up waves. Zero means the
	// whole remainder in one wave.
	WaveSize int `json:"waveSize,omitempty" yaml:"waveSize,omitempty"`
	// SuccessThreshold is the minimum percentage of a wave that must end
	// healthy for the wave to pass. All-or-nothing ignores it (always 100).
	SuccessThreshold int `json:"successThreshold,omitempty" yaml:"successThreshold,omitempty"`
}

// HealthCheckKind selects how a node is probed.
type HealthCheckKind string

const (
	HealthCheckHTTP   HealthCheckKind = "http"
	HealthCheckScript HealthCheckKind = "script"
)

// HealthCheckSpec describes the pre/post activation probe for a project.
type HealthCheckSpec struct {
	Kind           HealthCheckKind `json:"kind" yaml:"kind"`
	Method         string          `json:"method,omitempty" yaml:"method,omitempty"`
	URL            string          `json:"url,omitempty" yaml:"url,omitempty"`
	ExpectedStatus int             `json:"expectedStatus,omitempty" yaml:"expectedStatus,omitempty"`
	Script         string          `json:"script,omitempty" yaml:"script,omitempty"`
	Timeout        time.Duration   `json:"timeout,omitempty" yaml:"-"`
	MaxRetries     int             `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	BackoffBase    time.Duration   `json:"backoffBase,omitempty" yaml:"-"`
	BackoffCap     time.Duration   `json:"backoffCap,omitempty" yaml:"-"`
}

// Project is the unit of deployment: an ordered node fleet plus policy.
type Project struct {
	ID               string          `json:"id" yaml:"id"`
	Nodes            []string        `json:"nodes" yaml:"nodes"`
	Policy           FleetPolicy     `json:"policy" yaml:"policy"`
	HealthCheck      HealthCheckSpec `json:"healthCheck" yaml:"healthCheck"`
	Keep             int             `json:"keep" yaml:"keep"`
	RequiredRole     Role            `json:"requiredRole,omitempty" yaml:"requiredRole,omitempty"`
	ApprovalRequired bool            `json:"approvalRequired,omitempty" yaml:"approvalRequired,omitempty"`
	ApprovalTimeout  time.Duration   `json:"approvalTimeout,omitempty" yaml:"-"`
	IgnorePatterns   []string        `json:"ignorePatterns,omitempty" yaml:"ignorePatterns,omitempty"`
	SecretKeys       []string        `json:"secretKeys,omitempty" yaml:"secretKeys,omitempty"`
	WebhookBranches  []string        `json:"webhookBranches,omitempty" yaml:"webhookBranches,omitempty"`
}

// DefaultKeep is the rollback history depth when a project does not set one.
const DefaultKeep = 5

// HistoryDepth returns the configured keep value or the default.
func (p *Project) HistoryDepth() int {
	if p.Keep <= 0 {
		return DefaultKeep
	}
	return p.Keep
}

// Node maps a node identifier to its endpoint and current slot state.
type Node struct {
	ID            string    `json:"id" yaml:"id"`
	Address       string    `json:"address" yaml:"address"`
	CredentialRef string    `json:"credentialRef,omitempty" yaml:"credentialRef,omitempty"`
	Active        SlotColor `json:"active" yaml:"active"`
	// Versions maps slot color to the release version currently in it.
	Versions map[SlotColor]string `json:"versions,omitempty" yaml:"versions,omitempty"`
}

// Release is an immutable deployable artifact for a project.
type Release struct {
	Project   string    `json:"project" db:"project"`
	Version   string    `json:"version" db:"version"`
	CommitRef string    `json:"commitRef" db:"commit_ref"`
	Location  string    `json:"location" db:"location"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// DeployTrigger is the validated output of the trigger collaborator.
type DeployTrigger struct {
	Project   string `json:"project"`
	CommitRef string `json:"commitRef"`
	Source    string `json:"source"`
}
