package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const operatorActor = "operator"

// Inventory is the operator-facing service over agents, groups and direct
// deployments.
type Inventory struct {
	deps Deps
}

// NewInventory builds the management service.
func NewInventory(deps Deps) (*Inventory, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	return &Inventory{deps: deps}, nil
}

// Agents lists every known agent.
func (s *Inventory) Agents(ctx context.Context) ([]Agent, error) {
	return s.deps.Store.ListAgents(ctx)
}

// DeleteAgent removes an agent together with its deployments and memberships.
func (s *Inventory) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	if err := s.deps.Store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	s.deps.emit(ctx, "fleet.agents.deleted", operatorActor, id.String(), nil)
	return nil
}

// Packages lists every package.
func (s *Inventory) Packages(ctx context.Context) ([]Package, error) {
	return s.deps.Store.ListPackages(ctx)
}

// Package returns one package.
func (s *Inventory) Package(ctx context.Context, id uuid.UUID) (Package, error) {
	return s.deps.Store.PackageByID(ctx, id)
}

// Groups lists every group.
func (s *Inventory) Groups(ctx context.Context) ([]Group, error) {
	return s.deps.Store.ListGroups(ctx)
}

// CreateGroup creates an empty group.
func (s *Inventory) CreateGroup(ctx context.Context, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("group name is required: %w", ErrInvalidInput)
	}
	g := Group{ID: uuid.New(), Name: name, CreatedAt: s.deps.now()}
	if err := s.deps.Store.CreateGroup(ctx, g); err != nil {
		return Group{}, fmt.Errorf("create group: %w", err)
	}
	s.groupsChanged(ctx, g.ID, "created")
	return g, nil
}

// DeleteGroup removes a group. Deployments it implied are removed by the next
// reconciliation pass.
func (s *Inventory) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	if err := s.deps.Store.DeleteGroup(ctx, id); err != nil {
		return err
	}
	s.groupsChanged(ctx, id, "deleted")
	return nil
}

// AddGroupAgent adds an agent to a group. Adding a present member is a no-op.
func (s *Inventory) AddGroupAgent(ctx context.Context, groupID, agentID uuid.UUID) (Group, error) {
	if _, err := s.deps.Store.AgentByID(ctx, agentID); err != nil {
		return Group{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	return s.mutateGroup(ctx, groupID, "agent_added", func(g *Group) bool { return g.AddAgent(agentID) })
}

// AddGroupPackage adds a package to a group. Adding a present member is a no-op.
func (s *Inventory) AddGroupPackage(ctx context.Context, groupID, packageID uuid.UUID) (Group, error) {
	pkg, err := s.deps.Store.PackageByID(ctx, packageID)
	if err != nil {
		return Group{}, fmt.Errorf("package %s: %w", packageID, err)
	}
	if pkg.Status == StatusMarkedAsDeleted {
		return Group{}, fmt.Errorf("package %s is being deleted: %w", packageID, ErrInvalidInput)
	}
	return s.mutateGroup(ctx, groupID, "package_added", func(g *Group) bool { return g.AddPackage(packageID) })
}

// RemoveGroupAgent removes an agent from a group.
func (s *Inventory) RemoveGroupAgent(ctx context.Context, groupID, agentID uuid.UUID) (Group, error) {
	return s.mutateGroup(ctx, groupID, "agent_removed", func(g *Group) bool { return g.RemoveAgent(agentID) })
}

// RemoveGroupPackage removes a package from a group.
func (s *Inventory) RemoveGroupPackage(ctx context.Context, groupID, packageID uuid.UUID) (Group, error) {
	return s.mutateGroup(ctx, groupID, "package_removed", func(g *Group) bool { return g.RemovePackage(packageID) })
}

func (s *Inventory) mutateGroup(ctx context.Context, id uuid.UUID, change string, fn func(*Group) bool) (Group, error) {
	g, err := s.deps.Store.GroupByID(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if !fn(&g) {
		return g, nil
	}
	if err := s.deps.Store.UpdateGroup(ctx, g); err != nil {
		return Group{}, fmt.Errorf("update group: %w", err)
	}
	s.groupsChanged(ctx, g.ID, change)
	return g, nil
}

func (s *Inventory) groupsChanged(ctx context.Context, id uuid.UUID, change string) {
	s.deps.emit(ctx, SubjectGroupsChanged, operatorActor, id.String(), map[string]any{"change": change})
}

// Deployments lists deployments matching filter.
func (s *Inventory) Deployments(ctx context.Context, filter DeploymentFilter) ([]Deployment, error) {
	return s.deps.Store.ListDeployments(ctx, filter)
}

// CreateDeployment assigns a package to an agent directly, outside any group.
func (s *Inventory) CreateDeployment(ctx context.Context, agentID, packageID uuid.UUID) (Deployment, error) {
	agent, err := s.deps.Store.AgentByID(ctx, agentID)
	if err != nil {
		return Deployment{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if !agent.EnrollmentCompleted {
		return Deployment{}, fmt.Errorf("agent %s: %w", agentID, ErrNotEnrolled)
	}
	pkg, err := s.deps.Store.PackageByID(ctx, packageID)
	if err != nil {
		return Deployment{}, fmt.Errorf("package %s: %w", packageID, err)
	}
	if pkg.Status == StatusMarkedAsDeleted {
		return Deployment{}, fmt.Errorf("package %s is being deleted: %w", packageID, ErrInvalidInput)
	}
	if pkg.TargetOS != agent.OS {
		return Deployment{}, fmt.Errorf("package targets %s, agent runs %s: %w", pkg.TargetOS, agent.OS, ErrOSMismatch)
	}

	existing, err := s.deps.Store.ListDeployments(ctx, DeploymentFilter{AgentID: agentID, PackageID: packageID})
	if err != nil {
		return Deployment{}, fmt.Errorf("list deployments: %w", err)
	}
	if len(existing) > 0 {
		return Deployment{}, fmt.Errorf("deployment for agent %s and package %s: %w", agentID, packageID, ErrConflict)
	}

	d := Deployment{
		ID:        uuid.New(),
		AgentID:   agentID,
		PackageID: packageID,
		Direct:    true,
		CreatedAt: s.deps.now(),
	}
	if err := s.deps.Store.CreateDeployment(ctx, d); err != nil {
		return Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	s.deps.emit(ctx, "fleet.deployments.created", operatorActor, d.ID.String(), map[string]any{
		"agent_id":   agentID.String(),
		"package_id": packageID.String(),
	})
	return d, nil
}

// DeleteDeployment removes a deployment. A group-implied deployment reappears
// on the next reconciliation pass.
func (s *Inventory) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	if err := s.deps.Store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	s.deps.emit(ctx, "fleet.deployments.deleted", operatorActor, id.String(), nil)
	return nil
}

// Audit returns the newest audit entries.
func (s *Inventory) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.deps.Store.ListAudit(ctx, limit)
}

// IsClientError reports whether err is caused by the request rather than the hub.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrOSMismatch) ||
		errors.Is(err, ErrNotEnrolled) ||
		errors.Is(err, ErrChecksumMismatch)
}
