package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/crypto"
)

const (
	SubjectAgentEnrolled      = "fleet.agents.enrolled"
	SubjectPackageProcessed   = "fleet.packages.processed"
	SubjectPackageFailed      = "fleet.packages.failed"
	SubjectPackageDeleted     = "fleet.packages.deleted"
	SubjectDeploymentReported = "fleet.deployments.reported"
	SubjectGroupsChanged      = "fleet.groups.changed"
)

// Publisher delivers domain events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Deps is the set of collaborators shared by the hub services. Bus and Metrics
// are optional.
type Deps struct {
	Store   Store
	Engine  *crypto.Engine
	Bus     Publisher
	Metrics *Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (d Deps) validate(needEngine bool) error {
	if d.Store == nil {
		return errors.New("store is required")
	}
	if needEngine && d.Engine == nil {
		return errors.New("crypto engine is required")
	}
	return nil
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// emit publishes an event and audits it. Failures are logged; a missing bus or
// a broken audit table never fails the operation that produced the event.
func (d Deps) emit(ctx context.Context, subject, actor, object string, details map[string]any) {
	if err := d.Store.AppendAudit(ctx, AuditEntry{
		ID:      uuid.New(),
		At:      d.now(),
		Actor:   actor,
		Action:  subject,
		Object:  object,
		Details: details,
	}); err != nil {
		d.Logger.Warn().Err(err).Str("action", subject).Msg("audit write failed")
	}

	if d.Bus == nil {
		return
	}
	payload := map[string]any{"object": object, "actor": actor, "at": d.now()}
	for k, v := range details {
		payload[k] = v
	}
	if err := d.Bus.Publish(ctx, subject, payload); err != nil {
		d.Logger.Warn().Err(err).Str("subject", subject).Msg("publish event failed")
	}
}

// PurgeAudit removes audit entries older than retention. It is the work
// function of the retention lane.
func PurgeAudit(deps Deps, retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		cutoff := deps.now().Add(-retention)
		n, err := deps.Store.PurgeAudit(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			deps.Logger.Info().Int64("purged", n).Time("before", cutoff).Msg("audit entries purged")
		}
		return nil
	}
}
