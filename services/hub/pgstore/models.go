package pgstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"fleetd/services/hub"
)

type agentModel struct {
	ID                  uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name                string            `gorm:"type:text"`
	PublicKey           string            `gorm:"type:text"`
	EnrollmentCompleted bool              `gorm:"not null"`
	VerificationToken   string            `gorm:"type:text"`
	LastSeenAt          *time.Time        `gorm:"type:timestamptz"`
	OS                  string            `gorm:"column:os;type:text"`
	SystemInfo          datatypes.JSONMap `gorm:"type:jsonb"`
	AgentChecksum       string            `gorm:"type:text"`
	CreatedAt           time.Time         `gorm:"type:timestamptz"`
}

func (agentModel) TableName() string { return "agents" }

func agentFromHub(a hub.Agent) agentModel {
	return agentModel{
		ID:                  a.ID,
		Name:                a.Name,
		PublicKey:           a.PublicKey,
		EnrollmentCompleted: a.EnrollmentCompleted,
		VerificationToken:   a.VerificationToken,
		LastSeenAt:          a.LastSeenAt,
		OS:                  string(a.OS),
		SystemInfo:          toJSONMap(a.SystemInfo),
		AgentChecksum:       a.AgentChecksum,
		CreatedAt:           a.CreatedAt,
	}
}

func (m agentModel) toHub() hub.Agent {
	return hub.Agent{
		ID:                  m.ID,
		Name:                m.Name,
		PublicKey:           m.PublicKey,
		EnrollmentCompleted: m.EnrollmentCompleted,
		VerificationToken:   m.VerificationToken,
		LastSeenAt:          m.LastSeenAt,
		OS:                  hub.ParseOperatingSystem(m.OS),
		SystemInfo:          mapFromJSONMap(m.SystemInfo),
		AgentChecksum:       m.AgentChecksum,
		CreatedAt:           m.CreatedAt,
	}
}

// packageModel is shared by gorm and scany; scany maps columns by snake_case
// field name unless a db tag says otherwise.
type packageModel struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                string    `gorm:"type:text"`
	ExpectedReturnValue *string   `gorm:"type:text"`
	Status              string    `gorm:"type:text"`
	PlaintextChecksum   string    `gorm:"type:text"`
	EncryptedChecksum   string    `gorm:"type:text"`
	EncryptionKey       string    `gorm:"type:text"`
	IV                  string    `gorm:"column:iv;type:text" db:"iv"`
	TargetOS            string    `gorm:"column:target_os;type:text" db:"target_os"`
	PlaintextSize       int64
	EncryptedSize       int64
	CreatedAt           time.Time `gorm:"type:timestamptz"`
}

func (packageModel) TableName() string { return "packages" }

func packageFromHub(p hub.Package) packageModel {
	return packageModel{
		ID:                  p.ID,
		Name:                p.Name,
		ExpectedReturnValue: p.ExpectedReturnValue,
		Status:              string(p.Status),
		PlaintextChecksum:   p.PlaintextChecksum,
		EncryptedChecksum:   p.EncryptedChecksum,
		EncryptionKey:       p.EncryptionKey,
		IV:                  p.IV,
		TargetOS:            string(p.TargetOS),
		PlaintextSize:       p.PlaintextSize,
		EncryptedSize:       p.EncryptedSize,
		CreatedAt:           p.CreatedAt,
	}
}

type groupModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz"`
}

func (groupModel) TableName() string { return "groups" }

type groupAgentModel struct {
	GroupID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position int
}

func (groupAgentModel) TableName() string { return "group_agents" }

type groupPackageModel struct {
	GroupID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	PackageID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position  int
}

func (groupPackageModel) TableName() string { return "group_packages" }

// memberRow is one row of either membership table, read with scany.
type memberRow struct {
	GroupID  uuid.UUID `db:"group_id"`
	MemberID uuid.UUID `db:"member_id"`
}

type deploymentModel struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AgentID         uuid.UUID  `gorm:"type:uuid"`
	PackageID       uuid.UUID  `gorm:"type:uuid"`
	Deployed        bool       `gorm:"not null"`
	LastReturnValue string     `gorm:"type:text"`
	LastDeployedAt  *time.Time `gorm:"type:timestamptz"`
	Direct          bool       `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"type:timestamptz"`
}

func (deploymentModel) TableName() string { return "deployments" }

func deploymentFromHub(d hub.Deployment) deploymentModel {
	return deploymentModel{
		ID:              d.ID,
		AgentID:         d.AgentID,
		PackageID:       d.PackageID,
		Deployed:        d.Deployed,
		LastReturnValue: d.LastReturnValue,
		LastDeployedAt:  d.LastDeployedAt,
		Direct:          d.Direct,
		CreatedAt:       d.CreatedAt,
	}
}

func (m deploymentModel) toHub() hub.Deployment {
	return hub.Deployment{
		ID:              m.ID,
		AgentID:         m.AgentID,
		PackageID:       m.PackageID,
		Deployed:        m.Deployed,
		LastReturnValue: m.LastReturnValue,
		LastDeployedAt:  m.LastDeployedAt,
		Direct:          m.Direct,
		CreatedAt:       m.CreatedAt,
	}
}

type settingsModel struct {
	ID                  int        `gorm:"primaryKey"`
	RegistrationToken   string     `gorm:"type:text"`
	LastReconcileAt     *time.Time `gorm:"type:timestamptz"`
	PollIntervalSeconds int
	ReconcileRequests   int64
}

func (settingsModel) TableName() string { return "settings" }

type auditModel struct {
	ID      uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Actor   string            `gorm:"type:text"`
	Action  string            `gorm:"type:text"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz"`
}

func (auditModel) TableName() string { return "audit" }

func (m auditModel) toHub() hub.AuditEntry {
	return hub.AuditEntry{
		ID:      m.ID,
		At:      m.At,
		Actor:   m.Actor,
		Action:  m.Action,
		Object:  m.Obj,
		Details: mapFromJSONMap(m.Details),
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
