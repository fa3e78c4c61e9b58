package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleetd/pkg/archive"
	"fleetd/pkg/crypto"
	"fleetd/pkg/envelope"
	"fleetd/services/api"
	"fleetd/services/hub"
)

const testRegistrationToken = "join-me"

type fakeBinary struct {
	checksum string
	content  []byte
}

func (b fakeBinary) Checksum() (string, error) { return b.checksum, nil }

func (b fakeBinary) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.content)), nil
}

type recordingExecutor struct {
	code  int
	dirs  []string
	files []string
}

func (e *recordingExecutor) Execute(_ context.Context, dir string) (int, error) {
	e.dirs = append(e.dirs, dir)
	data, err := os.ReadFile(filepath.Join(dir, "install.sh"))
	if err != nil {
		return 0, err
	}
	e.files = append(e.files, string(data))
	return e.code, nil
}

type recordingUpdater struct {
	path    string
	content []byte
}

func (u *recordingUpdater) Update(_ context.Context, path string) error {
	u.path = path
	data, err := os.ReadFile(path)
	u.content = data
	return err
}

type hubHarness struct {
	t         *testing.T
	url       string
	store     *hub.MemoryStore
	pipeline  *hub.Pipeline
	inventory *hub.Inventory
}

func newHub(t *testing.T, binary hub.BinarySource) *hubHarness {
	t.Helper()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	engine, err := crypto.NewEngine(key)
	if err != nil {
		t.Fatal(err)
	}
	store := hub.NewMemoryStore()
	metrics, err := hub.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	deps := hub.Deps{Store: store, Engine: engine, Metrics: metrics, Logger: zerolog.Nop()}

	enrollment, err := hub.NewEnrollment(deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := enrollment.EnsureRegistrationToken(ctx, testRegistrationToken); err != nil {
		t.Fatal(err)
	}
	pipeline, err := hub.NewPipeline(deps, hub.PipelineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	deployments, err := hub.NewDeployments(deps, hub.DeploymentsConfig{Pipeline: pipeline, Binary: binary})
	if err != nil {
		t.Fatal(err)
	}
	inventory, err := hub.NewInventory(deps)
	if err != nil {
		t.Fatal(err)
	}
	reconciler, err := hub.NewReconciler(deps, hub.DefaultValidationInterval)
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := envelope.NewSealer(engine, hub.AgentDirectory{Store: store})
	if err != nil {
		t.Fatal(err)
	}

	a, err := api.New(api.Services{
		Sealer:      sealer,
		Enrollment:  enrollment,
		Deployments: deployments,
		Inventory:   inventory,
		Pipeline:    pipeline,
		Reconciler:  reconciler,
		Metrics:     metrics,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      zerolog.Nop(),
	}, api.Config{EnrollRate: 1000})
	if err != nil {
		t.Fatal(err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &hubHarness{t: t, url: srv.URL, store: store, pipeline: pipeline, inventory: inventory}
}

// publish uploads a tar.zst holding install.sh and runs the pipeline on it.
func (h *hubHarness) publish(script string) hub.Package {
	h.t.Helper()
	ctx := context.Background()

	src := h.t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "install.sh"), []byte(script), 0o755); err != nil {
		h.t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := archive.Pack(ctx, src, &buf); err != nil {
		h.t.Fatalf("Pack: %v", err)
	}
	_, err := h.pipeline.AddPackage(ctx, hub.NewPackage{
		Name:     "pkg-" + uuid.NewString()[:8],
		TargetOS: hub.OSLinux,
		Checksum: crypto.ChecksumBytes(buf.Bytes()),
	}, bytes.NewReader(buf.Bytes()))
	if err != nil {
		h.t.Fatalf("AddPackage: %v", err)
	}
	result, claimed, err := h.pipeline.ProcessNext(ctx)
	if err != nil || !claimed || result.Status != hub.StatusProcessed {
		h.t.Fatalf("ProcessNext() = %+v, %v, %v", result, claimed, err)
	}
	return result.Package
}

func (h *hubHarness) agentID(cfg Config) uuid.UUID {
	h.t.Helper()
	pub, err := crypto.DerivePublicKey(cfg.PrivateKey)
	if err != nil {
		h.t.Fatal(err)
	}
	a, err := h.store.AgentByPublicKey(context.Background(), pub.String())
	if err != nil {
		h.t.Fatalf("AgentByPublicKey: %v", err)
	}
	return a.ID
}

func (h *hubHarness) deploy(agentID, packageID uuid.UUID) hub.Deployment {
	h.t.Helper()
	d, err := h.inventory.CreateDeployment(context.Background(), agentID, packageID)
	if err != nil {
		h.t.Fatalf("CreateDeployment: %v", err)
	}
	return d
}

type agentFixture struct {
	agent      *Agent
	configPath string
	executor   *recordingExecutor
}

func newAgent(t *testing.T, h *hubHarness, binary []byte, updater Updater) *agentFixture {
	t.Helper()
	t.Setenv("FLEETD_ALLOW_INSECURE_HTTP", "1")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent.yaml")
	initial := Config{
		ServerURL:           h.url,
		RegistrationToken:   testRegistrationToken,
		Name:                "node-1",
		PollIntervalSeconds: 300,
		WorkDir:             filepath.Join(dir, "work"),
	}
	if err := initial.Save(configPath); err != nil {
		t.Fatal(err)
	}
	binaryPath := filepath.Join(dir, "fleet-agent")
	if err := os.WriteFile(binaryPath, binary, 0o755); err != nil {
		t.Fatal(err)
	}

	exec := &recordingExecutor{}
	a, err := New(Options{
		ConfigPath:        configPath,
		BinaryPath:        binaryPath,
		GOOS:              "linux",
		Executor:          exec,
		Updater:           updater,
		SystemInfo:        func() map[string]any { return map[string]any{"os": "linux", "hostname": "node-1"} },
		HealthRetry:       10 * time.Millisecond,
		AllowUnprivileged: true,
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return &agentFixture{agent: a, configPath: configPath, executor: exec}
}

func TestSetupEnrollsAndPersists(t *testing.T) {
	h := newHub(t, nil)
	f := newAgent(t, h, []byte("agent-v1"), nil)

	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enrolled || cfg.ServerPublicKey == "" || cfg.PrivateKey == "" {
		t.Fatalf("persisted config = %+v, want enrolled with keys", cfg)
	}
	if cfg.RegistrationToken != "" {
		t.Fatalf("registration token kept after enrollment")
	}
	agent, err := h.store.AgentByID(context.Background(), h.agentID(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if !agent.EnrollmentCompleted || agent.Name != "node-1" {
		t.Fatalf("hub agent = %+v", agent)
	}

	// a second setup reuses the identity without enrolling again
	again, err := New(Options{
		ConfigPath:        f.configPath,
		BinaryPath:        f.agent.opts.BinaryPath,
		GOOS:              "linux",
		AllowUnprivileged: true,
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Setup(context.Background()); err != nil {
		t.Fatalf("second Setup: %v", err)
	}
	if again.Config().PrivateKey != cfg.PrivateKey {
		t.Fatalf("private key changed across restarts")
	}
}

func TestSetupRejections(t *testing.T) {
	h := newHub(t, nil)
	t.Setenv("FLEETD_ALLOW_INSECURE_HTTP", "1")

	tests := []struct {
		name string
		cfg  Config
		goos string
		want func(error) bool
	}{
		{
			name: "unsupported os",
			cfg:  Config{ServerURL: h.url, RegistrationToken: testRegistrationToken},
			goos: "plan9",
			want: func(err error) bool { return errors.Is(err, ErrUnsupportedOS) },
		},
		{
			name: "missing server url",
			cfg:  Config{RegistrationToken: testRegistrationToken},
			goos: "linux",
			want: func(err error) bool {
				var cfgErr *ConfigError
				return errors.As(err, &cfgErr) && cfgErr.Field == "server_url"
			},
		},
		{
			name: "missing registration token",
			cfg:  Config{ServerURL: h.url},
			goos: "linux",
			want: func(err error) bool {
				var cfgErr *ConfigError
				return errors.As(err, &cfgErr) && cfgErr.Field == "registration_token"
			},
		},
		{
			name: "wrong registration token",
			cfg:  Config{ServerURL: h.url, RegistrationToken: "nope"},
			goos: "linux",
			want: func(err error) bool {
				var status *StatusError
				return errors.As(err, &status) && status.Status == http.StatusBadRequest
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			configPath := filepath.Join(dir, "agent.yaml")
			tt.cfg.PollIntervalSeconds = 300
			tt.cfg.WorkDir = dir
			if err := tt.cfg.Save(configPath); err != nil {
				t.Fatal(err)
			}
			binaryPath := filepath.Join(dir, "bin")
			if err := os.WriteFile(binaryPath, []byte("bin"), 0o755); err != nil {
				t.Fatal(err)
			}
			a, err := New(Options{
				ConfigPath:        configPath,
				BinaryPath:        binaryPath,
				GOOS:              tt.goos,
				AllowUnprivileged: true,
				HealthRetry:       10 * time.Millisecond,
				Logger:            zerolog.Nop(),
			})
			if err != nil {
				t.Fatal(err)
			}
			err = a.Setup(context.Background())
			if err == nil || !tt.want(err) {
				t.Fatalf("Setup() error = %v", err)
			}
		})
	}
}

func TestIterateDeploysPackage(t *testing.T) {
	h := newHub(t, nil)
	f := newAgent(t, h, []byte("agent-v1"), nil)
	ctx := context.Background()

	// the first poll reports the OS so deployments can target the agent
	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatalf("first Iterate: %v", err)
	}
	agentID := h.agentID(f.agent.Config())
	agent, err := h.store.AgentByID(ctx, agentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.OS != hub.OSLinux || agent.AgentChecksum != crypto.ChecksumBytes([]byte("agent-v1")) {
		t.Fatalf("agent after poll = %+v", agent)
	}

	first := h.deploy(agentID, h.publish("echo one\n").ID)
	second := h.deploy(agentID, h.publish("echo two\n").ID)

	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(f.executor.files) != 2 {
		t.Fatalf("executed %d packages, want 2", len(f.executor.files))
	}
	got := append([]string(nil), f.executor.files...)
	sort.Strings(got)
	if got[0] != "echo one\n" || got[1] != "echo two\n" {
		t.Fatalf("executed scripts = %q", got)
	}
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		d, err := h.store.DeploymentByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Deployed || d.LastReturnValue != "0" {
			t.Fatalf("deployment %s = %+v, want deployed with code 0", id, d)
		}
	}
	for _, dir := range f.executor.dirs {
		if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("deployment dir %s not cleaned up: %v", dir, err)
		}
	}

	// nothing left: the next iteration is idle
	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatalf("idle Iterate: %v", err)
	}
	if len(f.executor.files) != 2 {
		t.Fatalf("idle iteration executed a package")
	}
}

func TestIterateReportsVerificationFailure(t *testing.T) {
	h := newHub(t, nil)
	f := newAgent(t, h, []byte("agent-v1"), nil)
	ctx := context.Background()

	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatal(err)
	}
	agentID := h.agentID(f.agent.Config())
	pkg := h.publish("echo hi\n")
	d := h.deploy(agentID, pkg.ID)

	path := h.pipeline.EncryptedPath(pkg.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(f.executor.files) != 0 {
		t.Fatalf("tampered package was executed")
	}
	got, err := h.store.DeploymentByID(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Deployed || !strings.HasPrefix(got.LastReturnValue, hub.DeploymentErrorMarker+": ") {
		t.Fatalf("deployment = %+v, want error marker result", got)
	}
	if !strings.Contains(got.LastReturnValue, "encrypted checksum mismatch") {
		t.Fatalf("result %q does not name the failure", got.LastReturnValue)
	}
}

func TestIteratePollIntervalChange(t *testing.T) {
	h := newHub(t, nil)
	f := newAgent(t, h, []byte("agent-v1"), nil)
	ctx := context.Background()

	if err := h.store.SetPollInterval(ctx, 60); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Iterate(ctx); !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("Iterate() error = %v, want ErrRestartRequired", err)
	}
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSeconds != 60 {
		t.Fatalf("persisted interval = %d, want 60", cfg.PollIntervalSeconds)
	}
	if err := f.agent.Iterate(ctx); err != nil {
		t.Fatalf("Iterate after restart-required: %v", err)
	}
}

func TestIterateSelfUpdate(t *testing.T) {
	tests := []struct {
		name        string
		binary      fakeBinary
		updater     bool
		wantErr     error
		wantHandoff bool
	}{
		{
			name:        "verified binary is handed off",
			binary:      fakeBinary{checksum: crypto.ChecksumBytes([]byte("agent-v2")), content: []byte("agent-v2")},
			updater:     true,
			wantErr:     ErrUpdateHandedOff,
			wantHandoff: true,
		},
		{
			name:    "corrupt binary is fatal",
			binary:  fakeBinary{checksum: crypto.ChecksumBytes([]byte("agent-v2")), content: []byte("tampered")},
			updater: true,
			wantErr: ErrCorruptBinary,
		},
		{
			name:    "no updater keeps running",
			binary:  fakeBinary{checksum: crypto.ChecksumBytes([]byte("agent-v2")), content: []byte("agent-v2")},
			updater: false,
		},
		{
			name:    "same checksum skips update",
			binary:  fakeBinary{checksum: crypto.ChecksumBytes([]byte("agent-v1")), content: []byte("agent-v1")},
			updater: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHub(t, tt.binary)
			rec := &recordingUpdater{}
			var updater Updater
			if tt.updater {
				updater = rec
			}
			f := newAgent(t, h, []byte("agent-v1"), updater)

			err := f.agent.Iterate(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Iterate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Iterate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantHandoff {
				if string(rec.content) != "agent-v2" {
					t.Fatalf("updater received %q", rec.content)
				}
			} else if rec.path != "" {
				t.Fatalf("updater called with %s", rec.path)
			}
		})
	}
}

func TestRunStopsOnRestartRequired(t *testing.T) {
	h := newHub(t, nil)
	f := newAgent(t, h, []byte("agent-v1"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.store.SetPollInterval(ctx, 30); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Run(ctx); !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("Run() error = %v, want ErrRestartRequired", err)
	}
}

func TestWaitHealthyRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	engine, err := crypto.NewEngine(key)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(srv.URL, srv.Client(), engine, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if err := client.WaitHealthy(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("WaitHealthy: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("health probes = %d, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.WaitHealthy(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitHealthy(canceled) = %v", err)
	}
}
