package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeploymentFilter narrows ListDeployments. uuid.Nil matches any value.
type DeploymentFilter struct {
	AgentID   uuid.UUID
	PackageID uuid.UUID
}

// Store keeps every entity kind in its own collection keyed by id. Relations
// are id references resolved by the caller; the store never walks them except
// for delete cascades.
type Store interface {
	AgentByID(ctx context.Context, id uuid.UUID) (Agent, error)
	AgentByPublicKey(ctx context.Context, publicKey string) (Agent, error)
	CreateAgent(ctx context.Context, a Agent) error
	UpdateAgent(ctx context.Context, a Agent) error
	// DeleteAgent removes the agent, its deployments and its group memberships.
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	ListAgents(ctx context.Context) ([]Agent, error)

	PackageByID(ctx context.Context, id uuid.UUID) (Package, error)
	CreatePackage(ctx context.Context, p Package) error
	UpdatePackage(ctx context.Context, p Package) error
	// FinishPackage writes the outcome of a processing run. It returns
	// ErrConflict when the package has left PROCESSING in the meantime.
	FinishPackage(ctx context.Context, p Package) error
	// MarkPackageDeleted moves the package to MARKED_AS_DELETED and returns it.
	// It returns ErrPackageBusy while the package is PROCESSING; a package
	// already marked is returned unchanged.
	MarkPackageDeleted(ctx context.Context, id uuid.UUID) (Package, error)
	// ClaimPackage atomically moves the oldest package in status from to status
	// to and returns it. It returns ErrNotFound when nothing is waiting.
	ClaimPackage(ctx context.Context, from, to PackageStatus) (Package, error)
	// OldestPackage returns the oldest package in the given status.
	OldestPackage(ctx context.Context, status PackageStatus) (Package, error)
	// DeletePackage removes the package, its deployments and its group references.
	DeletePackage(ctx context.Context, id uuid.UUID) error
	ListPackages(ctx context.Context) ([]Package, error)

	GroupByID(ctx context.Context, id uuid.UUID) (Group, error)
	CreateGroup(ctx context.Context, g Group) error
	UpdateGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	ListGroups(ctx context.Context) ([]Group, error)

	DeploymentByID(ctx context.Context, id uuid.UUID) (Deployment, error)
	CreateDeployment(ctx context.Context, d Deployment) error
	UpdateDeployment(ctx context.Context, d Deployment) error
	DeleteDeployment(ctx context.Context, id uuid.UUID) error
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]Deployment, error)

	// Settings fields are written one at a time so concurrent writers of
	// different fields never overwrite each other.
	Settings(ctx context.Context) (Settings, error)
	SetRegistrationToken(ctx context.Context, token string) error
	SetPollInterval(ctx context.Context, seconds int) error
	// RequestReconcile clears LastReconcileAt and bumps ReconcileRequests.
	RequestReconcile(ctx context.Context) error
	// RecordReconcile stamps LastReconcileAt unless ReconcileRequests moved
	// past requests, in which case it reports false and leaves it cleared.
	RecordReconcile(ctx context.Context, requests int64, at time.Time) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}
