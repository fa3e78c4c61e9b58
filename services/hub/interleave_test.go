package hub

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// hookStore runs a callback once in the middle of selected store calls so a
// test can interleave a second writer at a fixed point.
type hookStore struct {
	*MemoryStore
	afterClaim        func(Package)
	beforeListAgents  func()
	beforeDeployments func()
}

func (h *hookStore) ClaimPackage(ctx context.Context, from, to PackageStatus) (Package, error) {
	p, err := h.MemoryStore.ClaimPackage(ctx, from, to)
	if fn := h.afterClaim; err == nil && fn != nil {
		h.afterClaim = nil
		fn(p)
	}
	return p, err
}

func (h *hookStore) ListAgents(ctx context.Context) ([]Agent, error) {
	if fn := h.beforeListAgents; fn != nil {
		h.beforeListAgents = nil
		fn()
	}
	return h.MemoryStore.ListAgents(ctx)
}

func (h *hookStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]Deployment, error) {
	if fn := h.beforeDeployments; fn != nil {
		h.beforeDeployments = nil
		fn()
	}
	return h.MemoryStore.ListDeployments(ctx, filter)
}

func TestDeletedPackageStaysDeleted(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, f *fixture, hs *hookStore, p *Pipeline, pkg Package)
	}{
		{
			name: "processing after mark finds nothing to claim",
			run: func(t *testing.T, f *fixture, hs *hookStore, p *Pipeline, pkg Package) {
				ctx := context.Background()
				hs.beforeDeployments = func() {
					if _, claimed, err := p.ProcessNext(ctx); err != nil || claimed {
						t.Fatalf("ProcessNext during mark = %v, %v, want idle", claimed, err)
					}
				}
				if _, err := p.MarkPackageDeleted(ctx, pkg.ID); err != nil {
					t.Fatalf("MarkPackageDeleted: %v", err)
				}
			},
		},
		{
			name: "outcome of a run overtaken by a mark is discarded",
			run: func(t *testing.T, f *fixture, hs *hookStore, p *Pipeline, pkg Package) {
				ctx := context.Background()
				hs.afterClaim = func(claimed Package) {
					claimed.Status = StatusMarkedAsDeleted
					if err := f.store.UpdatePackage(ctx, claimed); err != nil {
						t.Fatalf("UpdatePackage: %v", err)
					}
				}
				res, claimed, err := p.ProcessNext(ctx)
				if err != nil || !claimed {
					t.Fatalf("ProcessNext = %v, %v", claimed, err)
				}
				if res.Status != StatusProcessed {
					t.Fatalf("run status = %s, want PROCESSED", res.Status)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			hs := &hookStore{MemoryStore: f.store}
			f.deps.Store = hs
			p, _ := newTestPipeline(t, f, nil)
			pkg := upload(t, p, []byte("racing installer"))

			tt.run(t, f, hs, p, pkg)

			got, err := f.store.PackageByID(context.Background(), pkg.ID)
			if err != nil {
				t.Fatalf("PackageByID: %v", err)
			}
			if got.Status != StatusMarkedAsDeleted {
				t.Fatalf("status = %s, want MARKED_AS_DELETED", got.Status)
			}
			if got.EncryptionKey != "" {
				t.Fatalf("key recorded for a deleted package")
			}
			if _, err := os.Stat(p.EncryptedPath(pkg.ID)); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("distributable left behind: %v", err)
			}
		})
	}
}

func TestSettingsWritesDuringReconcilePass(t *testing.T) {
	tests := []struct {
		name         string
		during       func(t *testing.T, e *Enrollment, d *Deployments, r *Reconciler) string
		wantInterval int
		nextRun      bool
	}{
		{
			name:         "token rotated during pass survives",
			wantInterval: 300,
			during: func(t *testing.T, e *Enrollment, _ *Deployments, _ *Reconciler) string {
				token, err := e.RotateRegistrationToken(context.Background())
				if err != nil {
					t.Fatalf("RotateRegistrationToken: %v", err)
				}
				return token
			},
		},
		{
			name: "trigger during pass keeps next tick eligible",
			during: func(t *testing.T, _ *Enrollment, _ *Deployments, r *Reconciler) string {
				if err := r.Trigger(context.Background()); err != nil {
					t.Fatalf("Trigger: %v", err)
				}
				return testRegistrationToken
			},
			wantInterval: 300,
			nextRun:      true,
		},
		{
			name: "poll interval and trigger during pass both land",
			during: func(t *testing.T, _ *Enrollment, d *Deployments, r *Reconciler) string {
				if err := d.SetPollInterval(context.Background(), 45*time.Second); err != nil {
					t.Fatalf("SetPollInterval: %v", err)
				}
				if err := r.Trigger(context.Background()); err != nil {
					t.Fatalf("Trigger: %v", err)
				}
				return testRegistrationToken
			},
			wantInterval: 45,
			nextRun:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			hs := &hookStore{MemoryStore: f.store}
			f.deps.Store = hs
			e := newTestEnrollment(t, f)
			d, _ := newTestDeployments(t, f)
			r := newTestReconciler(t, f)
			if err := f.store.SetPollInterval(ctx, 300); err != nil {
				t.Fatalf("SetPollInterval: %v", err)
			}

			wantToken := testRegistrationToken
			hs.beforeListAgents = func() { wantToken = tt.during(t, e, d, r) }
			if _, ran, err := r.MaybeRun(ctx); err != nil || !ran {
				t.Fatalf("MaybeRun = %v, %v", ran, err)
			}

			settings, err := f.store.Settings(ctx)
			if err != nil {
				t.Fatalf("Settings: %v", err)
			}
			if settings.RegistrationToken != wantToken {
				t.Fatalf("token = %q, want %q", settings.RegistrationToken, wantToken)
			}
			if settings.PollIntervalSeconds != tt.wantInterval {
				t.Fatalf("poll interval = %d, want %d", settings.PollIntervalSeconds, tt.wantInterval)
			}

			f.clock.Advance(time.Second)
			if _, ran, err := r.MaybeRun(ctx); err != nil || ran != tt.nextRun {
				t.Fatalf("next MaybeRun = %v, %v, want ran=%v", ran, err, tt.nextRun)
			}
		})
	}
}
