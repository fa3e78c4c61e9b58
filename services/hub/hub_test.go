package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/crypto"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *MemoryStore
	engine *crypto.Engine
	clock  *testClock
	bus    *recordingPublisher
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	engine, err := crypto.NewEngine(key)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	f := &fixture{
		store:  NewMemoryStore(),
		engine: engine,
		clock:  &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		bus:    &recordingPublisher{},
	}
	f.deps = Deps{
		Store:  f.store,
		Engine: engine,
		Bus:    f.bus,
		Logger: zerolog.Nop(),
		Now:    f.clock.Now,
	}
	return f
}

func (f *fixture) addAgent(t *testing.T, os OperatingSystem, enrolled bool) Agent {
	t.Helper()
	a := Agent{
		ID:                  uuid.New(),
		Name:                "agent-" + uuid.NewString()[:8],
		PublicKey:           uuid.NewString(),
		EnrollmentCompleted: enrolled,
		OS:                  os,
		CreatedAt:           f.clock.Now(),
	}
	if err := f.store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

func (f *fixture) addPackage(t *testing.T, os OperatingSystem, status PackageStatus) Package {
	t.Helper()
	p := Package{
		ID:                uuid.New(),
		Name:              "pkg-" + uuid.NewString()[:8],
		Status:            status,
		PlaintextChecksum: crypto.ChecksumBytes([]byte("plain")),
		TargetOS:          os,
		CreatedAt:         f.clock.Now(),
	}
	if status == StatusProcessed {
		p.EncryptedChecksum = crypto.ChecksumBytes([]byte("cipher"))
		p.EncryptionKey, p.IV = "a2V5", "aXY="
	}
	if err := f.store.CreatePackage(context.Background(), p); err != nil {
		t.Fatalf("CreatePackage: %v", err)
	}
	return p
}

func (f *fixture) addGroup(t *testing.T, agents []Agent, packages []Package) Group {
	t.Helper()
	g := Group{ID: uuid.New(), Name: "group-" + uuid.NewString()[:8], CreatedAt: f.clock.Now()}
	for _, a := range agents {
		g.AddAgent(a.ID)
	}
	for _, p := range packages {
		g.AddPackage(p.ID)
	}
	if err := f.store.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func (f *fixture) addDeployment(t *testing.T, agent Agent, pkg Package, direct bool, created time.Time) Deployment {
	t.Helper()
	d := Deployment{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		PackageID: pkg.ID,
		Direct:    direct,
		CreatedAt: created,
	}
	if err := f.store.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	return d
}

func (f *fixture) deployments(t *testing.T, filter DeploymentFilter) []Deployment {
	t.Helper()
	ds, err := f.store.ListDeployments(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	return ds
}
