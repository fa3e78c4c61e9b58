package hub

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store backed by in-process maps. It is used by tests and by
// a hub started without a database.
type MemoryStore struct {
	mu          sync.Mutex
	agents      map[uuid.UUID]Agent
	packages    map[uuid.UUID]Package
	groups      map[uuid.UUID]Group
	deployments map[uuid.UUID]Deployment
	settings    Settings
	audit       []AuditEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[uuid.UUID]Agent),
		packages:    make(map[uuid.UUID]Package),
		groups:      make(map[uuid.UUID]Group),
		deployments: make(map[uuid.UUID]Deployment),
	}
}

func cloneAgent(a Agent) Agent {
	a.SystemInfo = maps.Clone(a.SystemInfo)
	a.LastSeenAt = cloneTime(a.LastSeenAt)
	return a
}

func clonePackage(p Package) Package {
	if p.ExpectedReturnValue != nil {
		v := *p.ExpectedReturnValue
		p.ExpectedReturnValue = &v
	}
	return p
}

func cloneGroup(g Group) Group {
	g.AgentIDs = slices.Clone(g.AgentIDs)
	g.PackageIDs = slices.Clone(g.PackageIDs)
	return g
}

func cloneDeployment(d Deployment) Deployment {
	d.LastDeployedAt = cloneTime(d.LastDeployedAt)
	return d
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func byCreated[T any](items []T, created func(T) time.Time, id func(T) uuid.UUID) {
	slices.SortFunc(items, func(a, b T) int {
		if c := created(a).Compare(created(b)); c != 0 {
			return c
		}
		return cmp.Compare(id(a).String(), id(b).String())
	})
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (m *MemoryStore) AgentByID(_ context.Context, id uuid.UUID) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (m *MemoryStore) AgentByPublicKey(_ context.Context, publicKey string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.PublicKey == publicKey {
			return cloneAgent(a), nil
		}
	}
	return Agent{}, fmt.Errorf("agent with key: %w", ErrNotFound)
}

func (m *MemoryStore) CreateAgent(_ context.Context, a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrConflict)
	}
	for _, existing := range m.agents {
		if existing.PublicKey == a.PublicKey {
			return fmt.Errorf("agent public key: %w", ErrConflict)
		}
	}
	a.CreatedAt = stamp(a.CreatedAt)
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	for _, existing := range m.agents {
		if existing.ID != a.ID && existing.PublicKey == a.PublicKey {
			return fmt.Errorf("agent public key: %w", ErrConflict)
		}
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(m.agents, id)
	for did, d := range m.deployments {
		if d.AgentID == id {
			delete(m.deployments, did)
		}
	}
	for gid, g := range m.groups {
		if g.RemoveAgent(id) {
			m.groups[gid] = g
		}
	}
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	byCreated(out, func(a Agent) time.Time { return a.CreatedAt }, func(a Agent) uuid.UUID { return a.ID })
	return out, nil
}

func (m *MemoryStore) PackageByID(_ context.Context, id uuid.UUID) (Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[id]
	if !ok {
		return Package{}, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	return clonePackage(p), nil
}

func (m *MemoryStore) CreatePackage(_ context.Context, p Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[p.ID]; ok {
		return fmt.Errorf("package %s: %w", p.ID, ErrConflict)
	}
	p.CreatedAt = stamp(p.CreatedAt)
	m.packages[p.ID] = clonePackage(p)
	return nil
}

func (m *MemoryStore) UpdatePackage(_ context.Context, p Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[p.ID]; !ok {
		return fmt.Errorf("package %s: %w", p.ID, ErrNotFound)
	}
	m.packages[p.ID] = clonePackage(p)
	return nil
}

func (m *MemoryStore) FinishPackage(_ context.Context, p Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.packages[p.ID]
	if !ok {
		return fmt.Errorf("package %s: %w", p.ID, ErrNotFound)
	}
	if cur.Status != StatusProcessing {
		return fmt.Errorf("package %s is %s: %w", p.ID, cur.Status, ErrConflict)
	}
	cur.Status = p.Status
	cur.EncryptedChecksum, cur.EncryptionKey, cur.IV = p.EncryptedChecksum, p.EncryptionKey, p.IV
	cur.EncryptedSize = p.EncryptedSize
	m.packages[p.ID] = cur
	return nil
}

func (m *MemoryStore) MarkPackageDeleted(_ context.Context, id uuid.UUID) (Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[id]
	if !ok {
		return Package{}, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if p.Status == StatusProcessing {
		return Package{}, fmt.Errorf("package %s: %w", id, ErrPackageBusy)
	}
	p.Status = StatusMarkedAsDeleted
	m.packages[id] = p
	return clonePackage(p), nil
}

func (m *MemoryStore) oldestLocked(status PackageStatus) (Package, bool) {
	var candidates []Package
	for _, p := range m.packages {
		if p.Status == status {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Package{}, false
	}
	byCreated(candidates, func(p Package) time.Time { return p.CreatedAt }, func(p Package) uuid.UUID { return p.ID })
	return candidates[0], true
}

func (m *MemoryStore) ClaimPackage(_ context.Context, from, to PackageStatus) (Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.oldestLocked(from)
	if !ok {
		return Package{}, fmt.Errorf("package in %s: %w", from, ErrNotFound)
	}
	p.Status = to
	m.packages[p.ID] = p
	return clonePackage(p), nil
}

func (m *MemoryStore) OldestPackage(_ context.Context, status PackageStatus) (Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.oldestLocked(status)
	if !ok {
		return Package{}, fmt.Errorf("package in %s: %w", status, ErrNotFound)
	}
	return clonePackage(p), nil
}

func (m *MemoryStore) DeletePackage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[id]; !ok {
		return fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	delete(m.packages, id)
	for did, d := range m.deployments {
		if d.PackageID == id {
			delete(m.deployments, did)
		}
	}
	for gid, g := range m.groups {
		if g.RemovePackage(id) {
			m.groups[gid] = g
		}
	}
	return nil
}

func (m *MemoryStore) ListPackages(_ context.Context) ([]Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Package, 0, len(m.packages))
	for _, p := range m.packages {
		out = append(out, clonePackage(p))
	}
	byCreated(out, func(p Package) time.Time { return p.CreatedAt }, func(p Package) uuid.UUID { return p.ID })
	return out, nil
}

func (m *MemoryStore) GroupByID(_ context.Context, id uuid.UUID) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return cloneGroup(g), nil
}

func (m *MemoryStore) CreateGroup(_ context.Context, g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return fmt.Errorf("group %s: %w", g.ID, ErrConflict)
	}
	g.CreatedAt = stamp(g.CreatedAt)
	m.groups[g.ID] = cloneGroup(g)
	return nil
}

func (m *MemoryStore) UpdateGroup(_ context.Context, g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; !ok {
		return fmt.Errorf("group %s: %w", g.ID, ErrNotFound)
	}
	m.groups[g.ID] = cloneGroup(g)
	return nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	delete(m.groups, id)
	return nil
}

func (m *MemoryStore) ListGroups(_ context.Context) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroup(g))
	}
	byCreated(out, func(g Group) time.Time { return g.CreatedAt }, func(g Group) uuid.UUID { return g.ID })
	return out, nil
}

func (m *MemoryStore) DeploymentByID(_ context.Context, id uuid.UUID) (Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return Deployment{}, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return cloneDeployment(d), nil
}

func (m *MemoryStore) CreateDeployment(_ context.Context, d Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrConflict)
	}
	if _, ok := m.agents[d.AgentID]; !ok {
		return fmt.Errorf("agent %s: %w", d.AgentID, ErrNotFound)
	}
	if _, ok := m.packages[d.PackageID]; !ok {
		return fmt.Errorf("package %s: %w", d.PackageID, ErrNotFound)
	}
	d.CreatedAt = stamp(d.CreatedAt)
	m.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (m *MemoryStore) UpdateDeployment(_ context.Context, d Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
	}
	m.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (m *MemoryStore) DeleteDeployment(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	delete(m.deployments, id)
	return nil
}

func (m *MemoryStore) ListDeployments(_ context.Context, filter DeploymentFilter) ([]Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Deployment, 0)
	for _, d := range m.deployments {
		if filter.AgentID != uuid.Nil && d.AgentID != filter.AgentID {
			continue
		}
		if filter.PackageID != uuid.Nil && d.PackageID != filter.PackageID {
			continue
		}
		out = append(out, cloneDeployment(d))
	}
	byCreated(out, func(d Deployment) time.Time { return d.CreatedAt }, func(d Deployment) uuid.UUID { return d.ID })
	return out, nil
}

func (m *MemoryStore) Settings(_ context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	s.LastReconcileAt = cloneTime(s.LastReconcileAt)
	return s, nil
}

func (m *MemoryStore) SetRegistrationToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.RegistrationToken = token
	return nil
}

func (m *MemoryStore) SetPollInterval(_ context.Context, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.PollIntervalSeconds = seconds
	return nil
}

func (m *MemoryStore) RequestReconcile(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.LastReconcileAt = nil
	m.settings.ReconcileRequests++
	return nil
}

func (m *MemoryStore) RecordReconcile(_ context.Context, requests int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.ReconcileRequests != requests {
		return false, nil
	}
	m.settings.LastReconcileAt = &at
	return true, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.At = stamp(e.At)
	e.Details = maps.Clone(e.Details)
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.audit)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var purged int64
	for _, e := range m.audit {
		if e.At.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return purged, nil
}
