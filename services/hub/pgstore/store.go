// Package pgstore persists the hub's collections in PostgreSQL. Row-level CRUD
// goes through gorm; the package claim and membership reads use pgx with scany.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetd/pkg/db"
	"fleetd/services/hub"
)

const settingsID = 1

// Store implements hub.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	orm    *gorm.DB
	logger zerolog.Logger
}

var _ hub.Store = (*Store)(nil)

// New binds a store to an open pool. Run db.Migrate first.
func New(pool *pgxpool.Pool, logger zerolog.Logger) (*Store, error) {
	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	return &Store{pool: pool, orm: orm, logger: logger}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.DefaultTimeout)
}

// translate maps driver and gorm errors onto hub sentinels.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound), db.NotFound(err):
		return fmt.Errorf("%s: %w", what, hub.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, hub.ErrConflict)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s references a missing record: %w", what, hub.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func affected(res *gorm.DB, what string) error {
	if res.Error != nil {
		return translate(res.Error, what)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, hub.ErrNotFound)
	}
	return nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (s *Store) packageToHub(m packageModel) hub.Package {
	status, ok := hub.ParsePackageStatus(m.Status)
	if !ok {
		s.logger.Error().Str("package_id", m.ID.String()).Str("status", m.Status).Msg("corrupt package status, treating as ERROR")
	}
	return hub.Package{
		ID:                  m.ID,
		Name:                m.Name,
		ExpectedReturnValue: m.ExpectedReturnValue,
		Status:              status,
		PlaintextChecksum:   m.PlaintextChecksum,
		EncryptedChecksum:   m.EncryptedChecksum,
		EncryptionKey:       m.EncryptionKey,
		IV:                  m.IV,
		TargetOS:            hub.ParseOperatingSystem(m.TargetOS),
		PlaintextSize:       m.PlaintextSize,
		EncryptedSize:       m.EncryptedSize,
		CreatedAt:           m.CreatedAt,
	}
}

func (s *Store) AgentByID(ctx context.Context, id uuid.UUID) (hub.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m agentModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return hub.Agent{}, translate(err, "agent "+id.String())
	}
	return m.toHub(), nil
}

func (s *Store) AgentByPublicKey(ctx context.Context, publicKey string) (hub.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m agentModel
	if err := s.orm.WithContext(ctx).Where("public_key = ?", publicKey).First(&m).Error; err != nil {
		return hub.Agent{}, translate(err, "agent with key")
	}
	return m.toHub(), nil
}

func (s *Store) CreateAgent(ctx context.Context, a hub.Agent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	a.CreatedAt = stamp(a.CreatedAt)
	m := agentFromHub(a)
	return translate(s.orm.WithContext(ctx).Create(&m).Error, "create agent")
}

func (s *Store) UpdateAgent(ctx context.Context, a hub.Agent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m := agentFromHub(a)
	res := s.orm.WithContext(ctx).Model(&agentModel{}).Where("id = ?", a.ID).
		Select("name", "public_key", "enrollment_completed", "verification_token", "last_seen_at", "os", "system_info", "agent_checksum").
		Updates(&m)
	return affected(res, "agent "+a.ID.String())
}

// DeleteAgent relies on ON DELETE CASCADE for deployments and memberships.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res := s.orm.WithContext(ctx).Delete(&agentModel{}, "id = ?", id)
	return affected(res, "agent "+id.String())
}

func (s *Store) ListAgents(ctx context.Context) ([]hub.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var models []agentModel
	if err := s.orm.WithContext(ctx).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, translate(err, "list agents")
	}
	out := make([]hub.Agent, 0, len(models))
	for _, m := range models {
		out = append(out, m.toHub())
	}
	return out, nil
}

func (s *Store) PackageByID(ctx context.Context, id uuid.UUID) (hub.Package, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m packageModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return hub.Package{}, translate(err, "package "+id.String())
	}
	return s.packageToHub(m), nil
}

func (s *Store) CreatePackage(ctx context.Context, p hub.Package) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	p.CreatedAt = stamp(p.CreatedAt)
	m := packageFromHub(p)
	return translate(s.orm.WithContext(ctx).Create(&m).Error, "create package")
}

func (s *Store) UpdatePackage(ctx context.Context, p hub.Package) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m := packageFromHub(p)
	res := s.orm.WithContext(ctx).Model(&packageModel{}).Where("id = ?", p.ID).
		Select("name", "expected_return_value", "status", "plaintext_checksum", "encrypted_checksum",
			"encryption_key", "iv", "target_os", "plaintext_size", "encrypted_size").
		Updates(&m)
	return affected(res, "package "+p.ID.String())
}

// FinishPackage only lands while the row is still PROCESSING.
func (s *Store) FinishPackage(ctx context.Context, p hub.Package) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m := packageFromHub(p)
	res := s.orm.WithContext(ctx).Model(&packageModel{}).
		Where("id = ? AND status = ?", p.ID, string(hub.StatusProcessing)).
		Select("status", "encrypted_checksum", "encryption_key", "iv", "encrypted_size").
		Updates(&m)
	if res.Error != nil {
		return translate(res.Error, "finish package "+p.ID.String())
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := s.PackageByID(ctx, p.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("package %s is %s: %w", p.ID, cur.Status, hub.ErrConflict)
}

const markPackageDeletedSQL = `
UPDATE packages SET status = $2
WHERE id = $1 AND status <> $3
RETURNING id, name, expected_return_value, status, plaintext_checksum, encrypted_checksum,
	encryption_key, iv, target_os, plaintext_size, encrypted_size, created_at`

// MarkPackageDeleted refuses a PROCESSING row in the same statement that marks
// it, so a concurrent claim either wins outright or sees the mark.
func (s *Store) MarkPackageDeleted(ctx context.Context, id uuid.UUID) (hub.Package, error) {
	var m packageModel
	err := db.Get(ctx, s.pool, &m, markPackageDeletedSQL, id,
		string(hub.StatusMarkedAsDeleted), string(hub.StatusProcessing))
	if err == nil {
		return s.packageToHub(m), nil
	}
	if !db.NotFound(err) {
		return hub.Package{}, translate(err, "mark package "+id.String())
	}
	if _, err := s.PackageByID(ctx, id); err != nil {
		return hub.Package{}, err
	}
	return hub.Package{}, fmt.Errorf("package %s: %w", id, hub.ErrPackageBusy)
}

const claimPackageSQL = `
UPDATE packages SET status = $2
WHERE id = (
	SELECT id FROM packages
	WHERE status = $1
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, name, expected_return_value, status, plaintext_checksum, encrypted_checksum,
	encryption_key, iv, target_os, plaintext_size, encrypted_size, created_at`

// ClaimPackage moves one row in a single statement; concurrent hubs sharing the
// database never claim the same package.
func (s *Store) ClaimPackage(ctx context.Context, from, to hub.PackageStatus) (hub.Package, error) {
	var m packageModel
	if err := db.Get(ctx, s.pool, &m, claimPackageSQL, string(from), string(to)); err != nil {
		return hub.Package{}, translate(err, "package in "+string(from))
	}
	return s.packageToHub(m), nil
}

func (s *Store) OldestPackage(ctx context.Context, status hub.PackageStatus) (hub.Package, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m packageModel
	err := s.orm.WithContext(ctx).Where("status = ?", string(status)).Order("created_at, id").First(&m).Error
	if err != nil {
		return hub.Package{}, translate(err, "package in "+string(status))
	}
	return s.packageToHub(m), nil
}

func (s *Store) DeletePackage(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res := s.orm.WithContext(ctx).Delete(&packageModel{}, "id = ?", id)
	return affected(res, "package "+id.String())
}

func (s *Store) ListPackages(ctx context.Context) ([]hub.Package, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var models []packageModel
	if err := s.orm.WithContext(ctx).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, translate(err, "list packages")
	}
	out := make([]hub.Package, 0, len(models))
	for _, m := range models {
		out = append(out, s.packageToHub(m))
	}
	return out, nil
}

const (
	groupAgentsSQL   = `SELECT group_id, agent_id AS member_id FROM group_agents %s ORDER BY group_id, position`
	groupPackagesSQL = `SELECT group_id, package_id AS member_id FROM group_packages %s ORDER BY group_id, position`
)

// members loads membership lists for one group, or for all groups when id is Nil.
func (s *Store) members(ctx context.Context, id uuid.UUID) (agents, packages map[uuid.UUID][]uuid.UUID, err error) {
	where, args := "", []any{}
	if id != uuid.Nil {
		where, args = "WHERE group_id = $1", []any{id}
	}

	var agentRows, packageRows []memberRow
	if err := db.Select(ctx, s.pool, &agentRows, fmt.Sprintf(groupAgentsSQL, where), args...); err != nil {
		return nil, nil, translate(err, "load group agents")
	}
	if err := db.Select(ctx, s.pool, &packageRows, fmt.Sprintf(groupPackagesSQL, where), args...); err != nil {
		return nil, nil, translate(err, "load group packages")
	}

	agents = make(map[uuid.UUID][]uuid.UUID)
	for _, r := range agentRows {
		agents[r.GroupID] = append(agents[r.GroupID], r.MemberID)
	}
	packages = make(map[uuid.UUID][]uuid.UUID)
	for _, r := range packageRows {
		packages[r.GroupID] = append(packages[r.GroupID], r.MemberID)
	}
	return agents, packages, nil
}

func (s *Store) GroupByID(ctx context.Context, id uuid.UUID) (hub.Group, error) {
	qctx, cancel := withTimeout(ctx)
	var m groupModel
	err := s.orm.WithContext(qctx).First(&m, "id = ?", id).Error
	cancel()
	if err != nil {
		return hub.Group{}, translate(err, "group "+id.String())
	}

	agents, packages, err := s.members(ctx, id)
	if err != nil {
		return hub.Group{}, err
	}
	return hub.Group{
		ID:         m.ID,
		Name:       m.Name,
		AgentIDs:   agents[m.ID],
		PackageIDs: packages[m.ID],
		CreatedAt:  m.CreatedAt,
	}, nil
}

func (s *Store) CreateGroup(ctx context.Context, g hub.Group) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	g.CreatedAt = stamp(g.CreatedAt)
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := groupModel{ID: g.ID, Name: g.Name, CreatedAt: g.CreatedAt}
		if err := tx.Create(&m).Error; err != nil {
			return translate(err, "create group")
		}
		return writeMembers(tx, g)
	})
}

// UpdateGroup rewrites the membership rows so their order follows the slices.
func (s *Store) UpdateGroup(ctx context.Context, g hub.Group) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&groupModel{}).Where("id = ?", g.ID).Update("name", g.Name)
		if err := affected(res, "group "+g.ID.String()); err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", g.ID).Delete(&groupAgentModel{}).Error; err != nil {
			return translate(err, "clear group agents")
		}
		if err := tx.Where("group_id = ?", g.ID).Delete(&groupPackageModel{}).Error; err != nil {
			return translate(err, "clear group packages")
		}
		return writeMembers(tx, g)
	})
}

func writeMembers(tx *gorm.DB, g hub.Group) error {
	if len(g.AgentIDs) > 0 {
		rows := make([]groupAgentModel, 0, len(g.AgentIDs))
		for i, id := range g.AgentIDs {
			rows = append(rows, groupAgentModel{GroupID: g.ID, AgentID: id, Position: i})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return translate(err, "write group agents")
		}
	}
	if len(g.PackageIDs) > 0 {
		rows := make([]groupPackageModel, 0, len(g.PackageIDs))
		for i, id := range g.PackageIDs {
			rows = append(rows, groupPackageModel{GroupID: g.ID, PackageID: id, Position: i})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return translate(err, "write group packages")
		}
	}
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res := s.orm.WithContext(ctx).Delete(&groupModel{}, "id = ?", id)
	return affected(res, "group "+id.String())
}

func (s *Store) ListGroups(ctx context.Context) ([]hub.Group, error) {
	qctx, cancel := withTimeout(ctx)
	var models []groupModel
	err := s.orm.WithContext(qctx).Order("created_at, id").Find(&models).Error
	cancel()
	if err != nil {
		return nil, translate(err, "list groups")
	}

	agents, packages, err := s.members(ctx, uuid.Nil)
	if err != nil {
		return nil, err
	}
	out := make([]hub.Group, 0, len(models))
	for _, m := range models {
		out = append(out, hub.Group{
			ID:         m.ID,
			Name:       m.Name,
			AgentIDs:   agents[m.ID],
			PackageIDs: packages[m.ID],
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) DeploymentByID(ctx context.Context, id uuid.UUID) (hub.Deployment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m deploymentModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return hub.Deployment{}, translate(err, "deployment "+id.String())
	}
	return m.toHub(), nil
}

func (s *Store) CreateDeployment(ctx context.Context, d hub.Deployment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	d.CreatedAt = stamp(d.CreatedAt)
	m := deploymentFromHub(d)
	return translate(s.orm.WithContext(ctx).Create(&m).Error, "create deployment")
}

func (s *Store) UpdateDeployment(ctx context.Context, d hub.Deployment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m := deploymentFromHub(d)
	res := s.orm.WithContext(ctx).Model(&deploymentModel{}).Where("id = ?", d.ID).
		Select("deployed", "last_return_value", "last_deployed_at", "direct").
		Updates(&m)
	return affected(res, "deployment "+d.ID.String())
}

func (s *Store) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res := s.orm.WithContext(ctx).Delete(&deploymentModel{}, "id = ?", id)
	return affected(res, "deployment "+id.String())
}

func (s *Store) ListDeployments(ctx context.Context, filter hub.DeploymentFilter) ([]hub.Deployment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := s.orm.WithContext(ctx).Model(&deploymentModel{})
	if filter.AgentID != uuid.Nil {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.PackageID != uuid.Nil {
		q = q.Where("package_id = ?", filter.PackageID)
	}

	var models []deploymentModel
	if err := q.Order("created_at, id").Find(&models).Error; err != nil {
		return nil, translate(err, "list deployments")
	}
	out := make([]hub.Deployment, 0, len(models))
	for _, m := range models {
		out = append(out, m.toHub())
	}
	return out, nil
}

func (s *Store) Settings(ctx context.Context) (hub.Settings, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m settingsModel
	err := s.orm.WithContext(ctx).First(&m, "id = ?", settingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return hub.Settings{}, nil
	}
	if err != nil {
		return hub.Settings{}, translate(err, "load settings")
	}
	return hub.Settings{
		RegistrationToken:   m.RegistrationToken,
		LastReconcileAt:     m.LastReconcileAt,
		PollIntervalSeconds: m.PollIntervalSeconds,
		ReconcileRequests:   m.ReconcileRequests,
	}, nil
}

// The settings row is seeded by the first migration, so each writer updates
// only its own column.
const (
	setRegistrationTokenSQL = `UPDATE settings SET registration_token = $2 WHERE id = $1`
	setPollIntervalSQL      = `UPDATE settings SET poll_interval_seconds = $2 WHERE id = $1`
	requestReconcileSQL     = `UPDATE settings SET last_reconcile_at = NULL, reconcile_requests = reconcile_requests + 1 WHERE id = $1`
	recordReconcileSQL      = `UPDATE settings SET last_reconcile_at = $3 WHERE id = $1 AND reconcile_requests = $2`
)

func (s *Store) execSettings(ctx context.Context, what, query string, args ...any) (int64, error) {
	tag, err := db.Exec(ctx, s.pool, query, append([]any{settingsID}, args...)...)
	if err != nil {
		return 0, translate(err, what)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetRegistrationToken(ctx context.Context, token string) error {
	n, err := s.execSettings(ctx, "save registration token", setRegistrationTokenSQL, token)
	if err == nil && n == 0 {
		err = fmt.Errorf("settings row: %w", hub.ErrNotFound)
	}
	return err
}

func (s *Store) SetPollInterval(ctx context.Context, seconds int) error {
	n, err := s.execSettings(ctx, "save poll interval", setPollIntervalSQL, seconds)
	if err == nil && n == 0 {
		err = fmt.Errorf("settings row: %w", hub.ErrNotFound)
	}
	return err
}

func (s *Store) RequestReconcile(ctx context.Context) error {
	n, err := s.execSettings(ctx, "request reconcile", requestReconcileSQL)
	if err == nil && n == 0 {
		err = fmt.Errorf("settings row: %w", hub.ErrNotFound)
	}
	return err
}

func (s *Store) RecordReconcile(ctx context.Context, requests int64, at time.Time) (bool, error) {
	n, err := s.execSettings(ctx, "record reconcile", recordReconcileSQL, requests, at.UTC())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AppendAudit(ctx context.Context, e hub.AuditEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m := auditModel{
		ID:      e.ID,
		Actor:   e.Actor,
		Action:  e.Action,
		Obj:     e.Object,
		Details: toJSONMap(e.Details),
		At:      stamp(e.At),
	}
	return translate(s.orm.WithContext(ctx).Create(&m).Error, "append audit")
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]hub.AuditEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := s.orm.WithContext(ctx).Order("at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []auditModel
	if err := q.Find(&models).Error; err != nil {
		return nil, translate(err, "list audit")
	}
	out := make([]hub.AuditEntry, 0, len(models))
	for _, m := range models {
		out = append(out, m.toHub())
	}
	return out, nil
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res := s.orm.WithContext(ctx).Where("at < ?", before).Delete(&auditModel{})
	if res.Error != nil {
		return 0, translate(res.Error, "purge audit")
	}
	return res.RowsAffected, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}
