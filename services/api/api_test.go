package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleetd/pkg/crypto"
	"fleetd/pkg/envelope"
	"fleetd/services/hub"
)

const (
	testAdminToken        = "admin-secret"
	testRegistrationToken = "join-me"
)

type harness struct {
	t        *testing.T
	server   *httptest.Server
	store    *hub.MemoryStore
	pipeline *hub.Pipeline
	hubKey   crypto.PublicKey
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func newEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	engine, err := crypto.NewEngine(key)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func newHarness(t *testing.T, ready Pinger) *harness {
	t.Helper()
	return newHarnessWith(t, ready, Config{AdminToken: testAdminToken, EnrollRate: 1000}, zerolog.Nop())
}

func newHarnessWith(t *testing.T, ready Pinger, cfg Config, logger zerolog.Logger) *harness {
	t.Helper()
	ctx := context.Background()

	engine := newEngine(t)
	store := hub.NewMemoryStore()
	metrics, err := hub.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
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
	deployments, err := hub.NewDeployments(deps, hub.DeploymentsConfig{Pipeline: pipeline})
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

	a, err := New(Services{
		Sealer:      sealer,
		Enrollment:  enrollment,
		Deployments: deployments,
		Inventory:   inventory,
		Pipeline:    pipeline,
		Reconciler:  reconciler,
		Metrics:     metrics,
		Gatherer:    prometheus.NewRegistry(),
		Ready:       ready,
		Logger:      logger,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &harness{t: t, server: srv, store: store, pipeline: pipeline, hubKey: engine.PublicKey()}
}

func (h *harness) do(method, path, token string, body io.Reader) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) postJSON(path, token string, v any) *http.Response {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatal(err)
	}
	return h.do(http.MethodPost, path, token, bytes.NewReader(data))
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// testAgent is an enrolled agent identity talking to the harness.
type testAgent struct {
	h      *harness
	engine *crypto.Engine
	sealer *envelope.Sealer
}

func (h *harness) enroll(name string) *testAgent {
	h.t.Helper()
	engine := newEngine(h.t)

	resp := h.postJSON("/enroll", "", hub.AnnounceRequest{
		PublicKey:         engine.PublicKey().String(),
		Name:              name,
		RegistrationToken: testRegistrationToken,
	})
	expectStatus(h.t, resp, http.StatusOK)
	var announced hub.AnnounceResponse
	decode(h.t, resp, &announced)

	challenge, err := base64.StdEncoding.DecodeString(announced.EncryptedVerificationToken)
	if err != nil {
		h.t.Fatal(err)
	}
	token, err := engine.DecryptAsym(challenge)
	if err != nil {
		h.t.Fatalf("decrypt challenge: %v", err)
	}
	hubKey, err := crypto.ParsePublicKey(announced.HubPublicKey)
	if err != nil {
		h.t.Fatal(err)
	}
	answer, err := engine.EncryptAsym(token, hubKey)
	if err != nil {
		h.t.Fatal(err)
	}
	resp = h.postJSON("/enroll/verify", "", hub.VerifyRequest{
		PublicKey:         engine.PublicKey().String(),
		VerificationToken: base64.StdEncoding.EncodeToString(answer),
	})
	expectStatus(h.t, resp, http.StatusOK)

	sealer, err := envelope.NewSealer(engine, envelope.Trust(hubKey))
	if err != nil {
		h.t.Fatal(err)
	}
	return &testAgent{h: h, engine: engine, sealer: sealer}
}

func (a *testAgent) post(path string, payload any) *http.Response {
	a.h.t.Helper()
	env, err := a.sealer.SealValue(payload, a.h.hubKey)
	if err != nil {
		a.h.t.Fatal(err)
	}
	return a.h.postJSON(path, "", env)
}

func (a *testAgent) open(resp *http.Response, v any) {
	a.h.t.Helper()
	var env envelope.Envelope
	decode(a.h.t, resp, &env)
	msg, err := a.sealer.Open(context.Background(), env)
	if err != nil {
		a.h.t.Fatalf("open response envelope: %v", err)
	}
	if err := msg.Decode(v); err != nil {
		a.h.t.Fatal(err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name      string
		ready     Pinger
		wantReady int
	}{
		{name: "no pinger", wantReady: http.StatusOK},
		{name: "failing pinger", ready: failingPinger{}, wantReady: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.ready)
			expectStatus(t, h.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
			expectStatus(t, h.do(http.MethodGet, "/readyz", "", nil), tt.wantReady)
			expectStatus(t, h.do(http.MethodGet, "/metrics", "", nil), http.StatusOK)
		})
	}
}

func TestEnrollRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	engine := newEngine(t)

	resp := h.postJSON("/enroll", "", hub.AnnounceRequest{
		PublicKey:         engine.PublicKey().String(),
		RegistrationToken: "wrong",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "invalid request" {
		t.Fatalf("error body = %v", body)
	}
}

func TestEnrollThenPoll(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.enroll("web-1")

	resp := agent.post("/poll", hub.PollRequest{
		SystemInfo:  map[string]any{"os": "linux", "hostname": "web-1"},
		OwnChecksum: "abc",
	})
	expectStatus(t, resp, http.StatusOK)
	var poll hub.PollResponse
	agent.open(resp, &poll)
	if poll.PollIntervalSeconds != int(hub.DefaultPollInterval.Seconds()) || poll.DeploymentAvailable {
		t.Fatalf("poll = %+v", poll)
	}

	agents, err := h.store.ListAgents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].OS != hub.OSLinux || !agents[0].EnrollmentCompleted {
		t.Fatalf("agents = %+v", agents)
	}

	// A second announce for an enrolled key is refused.
	again := h.postJSON("/enroll", "", hub.AnnounceRequest{
		PublicKey:         agent.engine.PublicKey().String(),
		RegistrationToken: testRegistrationToken,
	})
	expectStatus(t, again, http.StatusBadRequest)
}

func TestEnvelopeRejectionsAreGeneric(t *testing.T) {
	h := newHarness(t, nil)
	stranger := newEngine(t)
	sealer, err := envelope.NewSealer(stranger, envelope.Trust(h.hubKey))
	if err != nil {
		t.Fatal(err)
	}
	unknown, err := sealer.SealValue(hub.PollRequest{}, h.hubKey)
	if err != nil {
		t.Fatal(err)
	}
	unknownBody, _ := json.Marshal(unknown)

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "not json", path: "/poll", body: "{"},
		{name: "unknown field", path: "/poll", body: `{"senderPublicKey":"x","encryptedMessage":"y","extra":1}`},
		{name: "unknown sender", path: "/poll", body: string(unknownBody)},
		{name: "unknown sender on download", path: "/deployment/" + uuid.NewString(), body: string(unknownBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(http.MethodPost, tt.path, "", strings.NewReader(tt.body))
			expectStatus(t, resp, http.StatusBadRequest)
			var body map[string]string
			decode(t, resp, &body)
			if body["error"] != "invalid request" {
				t.Fatalf("error body = %v", body)
			}
		})
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	agent := h.enroll("db-1")
	expectStatus(t, agent.post("/poll", hub.PollRequest{SystemInfo: map[string]any{"os": "LINUX"}}), http.StatusOK)

	// Nothing pending yet.
	expectStatus(t, agent.post("/deployment/details", map[string]any{}), http.StatusNotFound)

	plaintext := []byte("#!/bin/sh\nexit 0\n")
	q := url.Values{
		"name":     {"hello"},
		"os":       {"LINUX"},
		"checksum": {crypto.ChecksumBytes(plaintext)},
		"expected": {"0"},
	}
	resp := h.do(http.MethodPost, "/v1/packages?"+q.Encode(), testAdminToken, bytes.NewReader(plaintext))
	expectStatus(t, resp, http.StatusCreated)
	var pkg hub.Package
	decode(t, resp, &pkg)

	result, claimed, err := h.pipeline.ProcessNext(ctx)
	if err != nil || !claimed || result.Status != hub.StatusProcessed {
		t.Fatalf("ProcessNext() = %+v, %v, %v", result, claimed, err)
	}

	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resp = h.postJSON("/v1/deployments", testAdminToken, deploymentRequest{
		AgentID:   agents[0].ID.String(),
		PackageID: pkg.ID.String(),
	})
	expectStatus(t, resp, http.StatusCreated)

	resp = agent.post("/deployment/details", map[string]any{})
	expectStatus(t, resp, http.StatusOK)
	var details hub.DeploymentDetails
	agent.open(resp, &details)

	resp = agent.post("/deployment/"+details.DeploymentID.String(), map[string]any{})
	expectStatus(t, resp, http.StatusOK)
	encrypted, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.ChecksumBytes(encrypted) != details.EncryptedChecksum {
		t.Fatalf("downloaded bytes do not match encrypted checksum")
	}
	key, err := crypto.ParseSymmetricKey(details.EncryptionKey, details.IV)
	if err != nil {
		t.Fatal(err)
	}
	var decrypted bytes.Buffer
	if err := crypto.DecryptFile(&decrypted, bytes.NewReader(encrypted), key); err != nil {
		t.Fatalf("DecryptFile: %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Fatalf("decrypted payload differs")
	}

	resp = agent.post("/deployment/result", hub.ResultRequest{DeploymentID: details.DeploymentID, ResultCode: "0"})
	expectStatus(t, resp, http.StatusOK)
	var outcome map[string]string
	decode(t, resp, &outcome)
	if outcome["outcome"] != "satisfied" {
		t.Fatalf("outcome = %v", outcome)
	}

	// A satisfied deployment can no longer be downloaded.
	resp = agent.post("/deployment/"+details.DeploymentID.String(), map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestManagementRequiresBearer(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", token: "", want: http.StatusUnauthorized},
		{name: "wrong", token: "nope", want: http.StatusUnauthorized},
		{name: "valid", token: testAdminToken, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, h.do(http.MethodGet, "/v1/agents", tt.token, nil), tt.want)
		})
	}
}

func TestManagementGroupsAndErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.postJSON("/v1/groups", testAdminToken, groupRequest{Name: "web"})
	expectStatus(t, resp, http.StatusCreated)
	var g hub.Group
	decode(t, resp, &g)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "blank group name", method: http.MethodPost, path: "/v1/groups", body: groupRequest{Name: " "}, want: http.StatusBadRequest},
		{name: "unknown agent member", method: http.MethodPost, path: "/v1/groups/" + g.ID.String() + "/agents", body: memberRequest{ID: uuid.NewString()}, want: http.StatusNotFound},
		{name: "bad member id", method: http.MethodPost, path: "/v1/groups/" + g.ID.String() + "/packages", body: memberRequest{ID: "x"}, want: http.StatusBadRequest},
		{name: "bad path id", method: http.MethodDelete, path: "/v1/groups/nope", want: http.StatusBadRequest},
		{name: "deployment for unknown agent", method: http.MethodPost, path: "/v1/deployments", body: deploymentRequest{AgentID: uuid.NewString(), PackageID: uuid.NewString()}, want: http.StatusNotFound},
		{name: "mirror not configured", method: http.MethodGet, path: "/v1/packages/" + uuid.NewString() + "/mirror", want: http.StatusNotFound},
		{name: "bad audit limit", method: http.MethodGet, path: "/v1/audit?limit=x", want: http.StatusBadRequest},
		{name: "reconcile", method: http.MethodPost, path: "/v1/reconcile", want: http.StatusAccepted},
		{name: "delete group", method: http.MethodDelete, path: "/v1/groups/" + g.ID.String(), want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != nil {
				data, err := json.Marshal(tt.body)
				if err != nil {
					t.Fatal(err)
				}
				body = bytes.NewReader(data)
			}
			expectStatus(t, h.do(tt.method, tt.path, testAdminToken, body), tt.want)
		})
	}
}

func TestRotateRegistrationToken(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.postJSON("/v1/registration-token", testAdminToken, nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decode(t, resp, &body)
	if body["registration_token"] == "" || body["registration_token"] == testRegistrationToken {
		t.Fatalf("rotated token = %q", body["registration_token"])
	}

	engine := newEngine(t)
	old := h.postJSON("/enroll", "", hub.AnnounceRequest{
		PublicKey:         engine.PublicKey().String(),
		RegistrationToken: testRegistrationToken,
	})
	expectStatus(t, old, http.StatusBadRequest)
}

func TestUploadChecksumMismatch(t *testing.T) {
	h := newHarness(t, nil)
	q := url.Values{"name": {"x"}, "os": {"WINDOWS"}, "checksum": {crypto.ChecksumBytes([]byte("other"))}}
	resp := h.do(http.MethodPost, "/v1/packages?"+q.Encode(), testAdminToken, strings.NewReader("payload"))
	expectStatus(t, resp, http.StatusBadRequest)

	pkgs, err := h.store.ListPackages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 0 {
		t.Fatalf("packages after mismatch = %d", len(pkgs))
	}
}

func TestManagementDisabledWithoutAdminToken(t *testing.T) {
	var logs bytes.Buffer
	h := newHarnessWith(t, nil, Config{EnrollRate: 1000}, zerolog.New(&logs))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
	}{
		{"list packages", http.MethodGet, "/v1/packages", ""},
		{"list packages with a guessed token", http.MethodGet, "/v1/packages", testAdminToken},
		{"rotate token", http.MethodPost, "/v1/registration-token", testAdminToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, h.do(tt.method, tt.path, tt.token, nil), http.StatusNotFound)
		})
	}

	if n := strings.Count(logs.String(), "ADMIN_TOKEN not set"); n != 1 {
		t.Fatalf("admin token warning logged %d times, want 1", n)
	}
}
