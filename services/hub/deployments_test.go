package hub

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticBinary struct {
	sum string
}

func (b staticBinary) Checksum() (string, error) { return b.sum, nil }

func (b staticBinary) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("binary")), nil
}

func newTestDeployments(t *testing.T, f *fixture) (*Deployments, *Pipeline) {
	t.Helper()
	p, _ := newTestPipeline(t, f, nil)
	s, err := NewDeployments(f.deps, DeploymentsConfig{Pipeline: p, Binary: staticBinary{sum: "abc123"}})
	if err != nil {
		t.Fatalf("NewDeployments: %v", err)
	}
	return s, p
}

func strptr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected *string
		want     Outcome
	}{
		{"agent error marker", "AGENT-DEPLOYMENT-ERROR: checksum mismatch", strptr("0"), OutcomeNotYetSatisfied},
		{"agent error marker without expectation", "AGENT-DEPLOYMENT-ERROR", nil, OutcomeNotYetSatisfied},
		{"no expectation", "17", nil, OutcomeSatisfied},
		{"blank expectation", "17", strptr(" "), OutcomeSatisfied},
		{"matching code", "0", strptr("0"), OutcomeSatisfied},
		{"matching code with whitespace", " 0\n", strptr("0"), OutcomeSatisfied},
		{"different code", "1", strptr("0"), OutcomeUnmatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.code, tt.expected); got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestPollRecordsAgentState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := newTestDeployments(t, f)
	agent := f.addAgent(t, OSUnknown, true)

	resp, err := s.Poll(ctx, agent.ID, PollRequest{
		SystemInfo:  map[string]any{"os": "windows", "hostname": "desk-7"},
		OwnChecksum: "def456",
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.PollIntervalSeconds != int(DefaultPollInterval/time.Second) {
		t.Fatalf("poll interval = %d", resp.PollIntervalSeconds)
	}
	if resp.DeploymentAvailable {
		t.Fatalf("deployment reported available with none assigned")
	}
	if resp.HubBinaryChecksum != "abc123" {
		t.Fatalf("hub binary checksum = %q", resp.HubBinaryChecksum)
	}

	stored, _ := f.store.AgentByID(ctx, agent.ID)
	if stored.OS != OSWindows {
		t.Fatalf("os = %s, want WINDOWS", stored.OS)
	}
	if stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(f.clock.Now()) {
		t.Fatalf("last seen = %v", stored.LastSeenAt)
	}
	if stored.AgentChecksum != "def456" || stored.SystemInfo["hostname"] != "desk-7" {
		t.Fatalf("agent state not recorded: %+v", stored)
	}

	if err := f.store.SetPollInterval(ctx, 42); err != nil {
		t.Fatalf("SetPollInterval: %v", err)
	}
	pkg := f.addPackage(t, OSWindows, StatusProcessed)
	f.addDeployment(t, stored, pkg, true, f.clock.Now())

	resp, err = s.Poll(ctx, agent.ID, PollRequest{})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.PollIntervalSeconds != 42 || !resp.DeploymentAvailable {
		t.Fatalf("second poll = %+v", resp)
	}
}

func TestPollRejectsUnenrolledAgent(t *testing.T) {
	f := newFixture(t)
	s, _ := newTestDeployments(t, f)
	agent := f.addAgent(t, OSLinux, false)

	if _, err := s.Poll(context.Background(), agent.ID, PollRequest{}); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("Poll error = %v, want ErrNotEnrolled", err)
	}
}

func TestNextPendingPicksOldest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := newTestDeployments(t, f)
	agent := f.addAgent(t, OSLinux, true)
	newer := f.addPackage(t, OSLinux, StatusProcessed)
	older := f.addPackage(t, OSLinux, StatusProcessed)
	unprocessed := f.addPackage(t, OSLinux, StatusUploaded)

	f.addDeployment(t, agent, newer, false, f.clock.Now().Add(time.Minute))
	want := f.addDeployment(t, agent, older, false, f.clock.Now())
	f.addDeployment(t, agent, unprocessed, true, f.clock.Now().Add(-time.Hour))

	details, err := s.NextPending(ctx, agent.ID)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if details.DeploymentID != want.ID {
		t.Fatalf("picked %s, want %s", details.DeploymentID, want.ID)
	}
	if details.EncryptedChecksum != older.EncryptedChecksum || details.EncryptionKey != older.EncryptionKey || details.IV != older.IV {
		t.Fatalf("details do not match package: %+v", details)
	}
}

func TestAgentErrorResultKeepsDeploymentPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, p := newTestDeployments(t, f)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s.deps.Metrics = metrics

	pkg := upload(t, p, []byte("installer bytes"))
	if _, _, err := p.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	pkg, _ = f.store.PackageByID(ctx, pkg.ID)
	agent := f.addAgent(t, OSLinux, true)
	d := f.addDeployment(t, agent, pkg, false, f.clock.Now())

	outcome, err := s.Report(ctx, agent.ID, ResultRequest{DeploymentID: d.ID, ResultCode: "AGENT-DEPLOYMENT-ERROR: checksum mismatch"})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if outcome != OutcomeNotYetSatisfied {
		t.Fatalf("outcome = %s, want not_yet_satisfied", outcome)
	}
	stored, _ := f.store.DeploymentByID(ctx, d.ID)
	if stored.Deployed {
		t.Fatalf("deployment marked deployed after agent error")
	}
	if stored.LastReturnValue != "AGENT-DEPLOYMENT-ERROR: checksum mismatch" || stored.LastDeployedAt == nil {
		t.Fatalf("report not recorded: %+v", stored)
	}
	if got := testutil.ToFloat64(metrics.outcomes.WithLabelValues("not_yet_satisfied")); got != 1 {
		t.Fatalf("outcome counter = %v, want 1", got)
	}

	if _, err := s.NextPending(ctx, agent.ID); !errors.Is(err, ErrNoPendingDeployment) {
		t.Fatalf("NextPending inside retry floor = %v, want ErrNoPendingDeployment", err)
	}
	if _, err := s.Open(ctx, agent.ID, d.ID); !errors.Is(err, ErrDeploymentUnavailable) {
		t.Fatalf("Open inside retry floor = %v, want ErrDeploymentUnavailable", err)
	}

	f.clock.Advance(RetryFloor)

	details, err := s.NextPending(ctx, agent.ID)
	if err != nil {
		t.Fatalf("NextPending after retry floor: %v", err)
	}
	if details.DeploymentID != d.ID {
		t.Fatalf("picked %s, want %s", details.DeploymentID, d.ID)
	}
	rc, err := s.Open(ctx, agent.ID, d.ID)
	if err != nil {
		t.Fatalf("Open after retry floor: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read distributable: %v", err)
	}
	want, err := os.ReadFile(p.EncryptedPath(pkg.ID))
	if err != nil {
		t.Fatalf("read encrypted file: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("served bytes differ from distributable")
	}
}

func TestReportOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		expected     *string
		code         string
		want         Outcome
		wantDeployed bool
	}{
		{"expected value matches", strptr("0"), "0", OutcomeSatisfied, true},
		{"expected value differs", strptr("0"), "3", OutcomeUnmatched, false},
		{"any value without expectation", nil, "3", OutcomeSatisfied, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			s, _ := newTestDeployments(t, f)
			agent := f.addAgent(t, OSLinux, true)
			pkg := f.addPackage(t, OSLinux, StatusProcessed)
			pkg.ExpectedReturnValue = tt.expected
			if err := f.store.UpdatePackage(ctx, pkg); err != nil {
				t.Fatalf("UpdatePackage: %v", err)
			}
			d := f.addDeployment(t, agent, pkg, true, f.clock.Now())

			outcome, err := s.Report(ctx, agent.ID, ResultRequest{DeploymentID: d.ID, ResultCode: tt.code})
			if err != nil {
				t.Fatalf("Report: %v", err)
			}
			if outcome != tt.want {
				t.Fatalf("outcome = %s, want %s", outcome, tt.want)
			}
			stored, _ := f.store.DeploymentByID(ctx, d.ID)
			if stored.Deployed != tt.wantDeployed {
				t.Fatalf("deployed = %v, want %v", stored.Deployed, tt.wantDeployed)
			}
			if f.bus.count(SubjectDeploymentReported) != 1 {
				t.Fatalf("expected one reported event")
			}

			if tt.wantDeployed {
				f.clock.Advance(2 * RetryFloor)
				if _, err := s.NextPending(ctx, agent.ID); !errors.Is(err, ErrNoPendingDeployment) {
					t.Fatalf("satisfied deployment offered again: %v", err)
				}
			}
		})
	}
}

func TestForeignDeploymentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := newTestDeployments(t, f)
	owner := f.addAgent(t, OSLinux, true)
	other := f.addAgent(t, OSLinux, true)
	pkg := f.addPackage(t, OSLinux, StatusProcessed)
	d := f.addDeployment(t, owner, pkg, true, f.clock.Now())

	if _, err := s.Open(ctx, other.ID, d.ID); !errors.Is(err, ErrDeploymentUnavailable) {
		t.Fatalf("Open by other agent = %v, want ErrDeploymentUnavailable", err)
	}
	if _, err := s.Report(ctx, other.ID, ResultRequest{DeploymentID: d.ID, ResultCode: "0"}); !errors.Is(err, ErrDeploymentUnavailable) {
		t.Fatalf("Report by other agent = %v, want ErrDeploymentUnavailable", err)
	}
	stored, _ := f.store.DeploymentByID(ctx, d.ID)
	if stored.LastDeployedAt != nil {
		t.Fatalf("foreign report recorded")
	}
}

func TestSetPollInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := newTestDeployments(t, f)
	agent := f.addAgent(t, OSLinux, true)

	if err := s.SetPollInterval(ctx, 90*time.Second); err != nil {
		t.Fatalf("SetPollInterval: %v", err)
	}
	resp, err := s.Poll(ctx, agent.ID, PollRequest{})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.PollIntervalSeconds != 90 {
		t.Fatalf("poll interval = %d, want 90", resp.PollIntervalSeconds)
	}

	audit, err := f.store.ListAudit(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	before := len(audit)
	if err := s.SetPollInterval(ctx, 90*time.Second); err != nil {
		t.Fatalf("SetPollInterval (unchanged): %v", err)
	}
	audit, _ = f.store.ListAudit(ctx, 0)
	if len(audit) != before {
		t.Fatalf("unchanged interval was audited again")
	}

	if err := s.SetPollInterval(ctx, 500*time.Millisecond); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("SetPollInterval(500ms) error = %v, want ErrInvalidInput", err)
	}
}
