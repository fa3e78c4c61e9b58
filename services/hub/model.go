package hub

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperatingSystem identifies the platform an agent runs on or a package targets.
type OperatingSystem string

const (
	OSLinux   OperatingSystem = "LINUX"
	OSWindows OperatingSystem = "WINDOWS"
	OSMacOS   OperatingSystem = "MACOS"
	OSUnknown OperatingSystem = "UNKNOWN"
)

// ParseOperatingSystem accepts either the canonical names or GOOS values.
func ParseOperatingSystem(raw string) OperatingSystem {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LINUX":
		return OSLinux
	case "WINDOWS":
		return OSWindows
	case "MACOS", "DARWIN":
		return OSMacOS
	default:
		return OSUnknown
	}
}

// Agent is the identity record for one remote node.
type Agent struct {
	ID                  uuid.UUID       `json:"id"`
	Name                string          `json:"name"`
	PublicKey           string          `json:"public_key"`
	EnrollmentCompleted bool            `json:"enrollment_completed"`
	VerificationToken   string          `json:"-"`
	LastSeenAt          *time.Time      `json:"last_seen_at,omitempty"`
	OS                  OperatingSystem `json:"os"`
	SystemInfo          map[string]any  `json:"system_info,omitempty"`
	AgentChecksum       string          `json:"agent_checksum,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Package is one distributable artifact.
type Package struct {
	ID                  uuid.UUID       `json:"id"`
	Name                string          `json:"name"`
	ExpectedReturnValue *string         `json:"expected_return_value,omitempty"`
	Status              PackageStatus   `json:"status"`
	PlaintextChecksum   string          `json:"plaintext_checksum"`
	EncryptedChecksum   string          `json:"encrypted_checksum,omitempty"`
	EncryptionKey       string          `json:"-"`
	IV                  string          `json:"-"`
	TargetOS            OperatingSystem `json:"target_os"`
	PlaintextSize       int64           `json:"plaintext_size"`
	EncryptedSize       int64           `json:"encrypted_size,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Deployable reports whether the package can be handed to agents.
func (p Package) Deployable() bool {
	return p.Status == StatusProcessed && p.EncryptedChecksum != ""
}

// Group expresses that its packages should be deployed to its agents.
// Membership is held here only; agents and packages carry no back references.
type Group struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	AgentIDs   []uuid.UUID `json:"agent_ids"`
	PackageIDs []uuid.UUID `json:"package_ids"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AddAgent adds id to the group; it reports false if already present.
func (g *Group) AddAgent(id uuid.UUID) bool {
	if slices.Contains(g.AgentIDs, id) {
		return false
	}
	g.AgentIDs = append(g.AgentIDs, id)
	return true
}

// AddPackage adds id to the group; it reports false if already present.
func (g *Group) AddPackage(id uuid.UUID) bool {
	if slices.Contains(g.PackageIDs, id) {
		return false
	}
	g.PackageIDs = append(g.PackageIDs, id)
	return true
}

// RemoveAgent removes id from the group.
func (g *Group) RemoveAgent(id uuid.UUID) bool {
	before := len(g.AgentIDs)
	g.AgentIDs = slices.DeleteFunc(g.AgentIDs, func(v uuid.UUID) bool { return v == id })
	return len(g.AgentIDs) != before
}

// RemovePackage removes id from the group.
func (g *Group) RemovePackage(id uuid.UUID) bool {
	before := len(g.PackageIDs)
	g.PackageIDs = slices.DeleteFunc(g.PackageIDs, func(v uuid.UUID) bool { return v == id })
	return len(g.PackageIDs) != before
}

// Deployment assigns one package to one agent.
type Deployment struct {
	ID              uuid.UUID  `json:"id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	PackageID       uuid.UUID  `json:"package_id"`
	Deployed        bool       `json:"deployed"`
	LastReturnValue string     `json:"last_return_value,omitempty"`
	LastDeployedAt  *time.Time `json:"last_deployed_at,omitempty"`
	Direct          bool       `json:"direct"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Settings is the single row of hub-wide state.
type Settings struct {
	RegistrationToken   string     `json:"-"`
	LastReconcileAt     *time.Time `json:"last_reconcile_at,omitempty"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	ReconcileRequests   int64      `json:"-"`
}

// AuditEntry records a state change for operators.
type AuditEntry struct {
	ID      uuid.UUID      `json:"id"`
	At      time.Time      `json:"at"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Object  string         `json:"object"`
	Details map[string]any `json:"details,omitempty"`
}

type pair struct {
	agent uuid.UUID
	pkg   uuid.UUID
}
