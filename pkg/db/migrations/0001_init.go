package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Agent struct {
	ID                  uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name                string            `gorm:"type:text;not null;default:''"`
	PublicKey           string            `gorm:"type:text;uniqueIndex;not null"`
	EnrollmentCompleted bool              `gorm:"not null;default:false"`
	VerificationToken   string            `gorm:"type:text"`
	LastSeenAt          *time.Time        `gorm:"type:timestamptz"`
	OS                  string            `gorm:"column:os;type:text;not null;default:'UNKNOWN'"`
	SystemInfo          datatypes.JSONMap `gorm:"type:jsonb"`
	AgentChecksum       string            `gorm:"type:text"`
	CreatedAt           time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

type Package struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                string    `gorm:"type:text;not null"`
	ExpectedReturnValue *string   `gorm:"type:text"`
	Status              string    `gorm:"type:text;not null;index:idx_packages_status_created,priority:1"`
	PlaintextChecksum   string    `gorm:"type:text;not null"`
	EncryptedChecksum   string    `gorm:"type:text"`
	EncryptionKey       string    `gorm:"type:text"`
	IV                  string    `gorm:"column:iv;type:text"`
	TargetOS            string    `gorm:"column:target_os;type:text;not null"`
	PlaintextSize       int64     `gorm:"not null;default:0"`
	EncryptedSize       int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"type:timestamptz;not null;default:now();index:idx_packages_status_created,priority:2"`
}

type Group struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type GroupAgent struct {
	GroupID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID  uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Position int       `gorm:"not null;default:0"`
	Group    Group     `gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Agent    Agent     `gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type GroupPackage struct {
	GroupID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	PackageID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Position  int       `gorm:"not null;default:0"`
	Group     Group     `gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Package   Package   `gorm:"foreignKey:PackageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Deployment struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AgentID         uuid.UUID  `gorm:"type:uuid;not null;index:idx_deployments_pair,priority:1"`
	PackageID       uuid.UUID  `gorm:"type:uuid;not null;index:idx_deployments_pair,priority:2"`
	Deployed        bool       `gorm:"not null;default:false"`
	LastReturnValue string     `gorm:"type:text"`
	LastDeployedAt  *time.Time `gorm:"type:timestamptz"`
	Direct          bool       `gorm:"not null;default:false"`
	CreatedAt       time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	Agent           Agent      `gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Package         Package    `gorm:"foreignKey:PackageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Setting struct {
	ID                  int        `gorm:"primaryKey"`
	RegistrationToken   string     `gorm:"type:text"`
	LastReconcileAt     *time.Time `gorm:"type:timestamptz"`
	PollIntervalSeconds int        `gorm:"not null;default:0"`
}

type Audit struct {
	ID      uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();index"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Agent{},
		&Package{},
		&Group{},
		&GroupAgent{},
		&GroupPackage{},
		&Deployment{},
		&Setting{},
		&Audit{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Exec(`INSERT INTO settings (id, poll_interval_seconds) VALUES (1, 300) ON CONFLICT (id) DO NOTHING`).
		Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Setting{},
		&Deployment{},
		&GroupPackage{},
		&GroupAgent{},
		&Group{},
		&Package{},
		&Agent{},
	)
}
