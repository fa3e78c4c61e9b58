package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultValidationInterval is the minimum time between two full passes.
const DefaultValidationInterval = 10 * time.Minute

// PassResult counts the changes made by one reconciliation pass.
type PassResult struct {
	Created   int `json:"created"`
	Removed   int `json:"removed"`
	Collapsed int `json:"collapsed"`
}

// Changed reports whether the pass modified anything.
func (r PassResult) Changed() bool {
	return r.Created+r.Removed+r.Collapsed > 0
}

// Reconciler derives the deployment set from group membership.
type Reconciler struct {
	deps     Deps
	interval time.Duration
}

// NewReconciler builds a reconciler that passes at most once per interval.
func NewReconciler(deps Deps, interval time.Duration) (*Reconciler, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultValidationInterval
	}
	return &Reconciler{deps: deps, interval: interval}, nil
}

// MaybeRun performs a pass when the validation interval has elapsed since the
// last recorded one. The timestamp is stored centrally so a restart does not
// trigger an immediate pass.
func (r *Reconciler) MaybeRun(ctx context.Context) (PassResult, bool, error) {
	settings, err := r.deps.Store.Settings(ctx)
	if err != nil {
		return PassResult{}, false, fmt.Errorf("load settings: %w", err)
	}
	now := r.deps.now()
	if settings.LastReconcileAt != nil && now.Sub(*settings.LastReconcileAt) < r.interval {
		return PassResult{}, false, nil
	}

	result, err := r.Pass(ctx)
	if err != nil {
		return result, true, err
	}

	// A trigger that arrived during the pass keeps the next tick eligible.
	recorded, err := r.deps.Store.RecordReconcile(ctx, settings.ReconcileRequests, now)
	if err != nil {
		return result, true, fmt.Errorf("record reconcile time: %w", err)
	}
	if !recorded {
		r.deps.Logger.Debug().Msg("reconcile requested during pass; next tick runs again")
	}
	return result, true, nil
}

// Tick is the reconciler lane's work.
func (r *Reconciler) Tick(ctx context.Context) error {
	_, _, err := r.MaybeRun(ctx)
	return err
}

// Trigger makes the next tick run a pass regardless of the interval.
func (r *Reconciler) Trigger(ctx context.Context) error {
	if err := r.deps.Store.RequestReconcile(ctx); err != nil {
		return fmt.Errorf("request reconcile: %w", err)
	}
	return nil
}

// Pass runs one reconciliation over every enrolled agent and every package
// targeting that agent's OS.
func (r *Reconciler) Pass(ctx context.Context) (PassResult, error) {
	var result PassResult

	agents, err := r.deps.Store.ListAgents(ctx)
	if err != nil {
		return result, fmt.Errorf("list agents: %w", err)
	}
	packages, err := r.deps.Store.ListPackages(ctx)
	if err != nil {
		return result, fmt.Errorf("list packages: %w", err)
	}
	groups, err := r.deps.Store.ListGroups(ctx)
	if err != nil {
		return result, fmt.Errorf("list groups: %w", err)
	}
	deployments, err := r.deps.Store.ListDeployments(ctx, DeploymentFilter{})
	if err != nil {
		return result, fmt.Errorf("list deployments: %w", err)
	}

	implied := make(map[pair]struct{})
	for _, g := range groups {
		for _, a := range g.AgentIDs {
			for _, p := range g.PackageIDs {
				implied[pair{agent: a, pkg: p}] = struct{}{}
			}
		}
	}

	existing := make(map[pair][]Deployment)
	for _, d := range deployments {
		key := pair{agent: d.AgentID, pkg: d.PackageID}
		existing[key] = append(existing[key], d)
	}

	for _, agent := range agents {
		if !agent.EnrollmentCompleted {
			continue
		}
		for _, pkg := range packages {
			if pkg.Status == StatusMarkedAsDeleted || pkg.TargetOS != agent.OS {
				continue
			}
			key := pair{agent: agent.ID, pkg: pkg.ID}
			current := existing[key]

			if len(current) > 1 {
				keep, drop := collapse(current)
				for _, d := range drop {
					if err := r.delete(ctx, d); err != nil {
						return result, err
					}
					result.Collapsed++
				}
				current = []Deployment{keep}
			}

			_, wanted := implied[key]
			switch {
			case wanted && len(current) == 0 && pkg.Deployable():
				d := Deployment{
					ID:        uuid.New(),
					AgentID:   agent.ID,
					PackageID: pkg.ID,
					CreatedAt: r.deps.now(),
				}
				if err := r.deps.Store.CreateDeployment(ctx, d); err != nil {
					return result, fmt.Errorf("create deployment: %w", err)
				}
				result.Created++
			case !wanted && len(current) == 1 && !current[0].Direct:
				if err := r.delete(ctx, current[0]); err != nil {
					return result, err
				}
				result.Removed++
			}
		}
	}

	r.deps.Metrics.reconciled(result)
	event := r.deps.Logger.Debug()
	if result.Changed() {
		event = r.deps.Logger.Info()
	}
	event.Int("created", result.Created).Int("removed", result.Removed).Int("collapsed", result.Collapsed).Msg("reconciliation pass complete")
	return result, nil
}

func (r *Reconciler) delete(ctx context.Context, d Deployment) error {
	if err := r.deps.Store.DeleteDeployment(ctx, d.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete deployment %s: %w", d.ID, err)
	}
	return nil
}

// collapse keeps one deployment: the first direct one, otherwise the oldest.
// Input is ordered by creation time.
func collapse(ds []Deployment) (keep Deployment, drop []Deployment) {
	idx := 0
	for i, d := range ds {
		if d.Direct {
			idx = i
			break
		}
	}
	keep = ds[idx]
	for i, d := range ds {
		if i != idx {
			drop = append(drop, d)
		}
	}
	return keep, drop
}
