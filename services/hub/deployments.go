package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// RetryFloor is the minimum time between two attempts of one deployment.
	RetryFloor = 6 * time.Hour
	// DeploymentErrorMarker prefixes result codes the agent uses for its own
	// failures. Such results mean "not yet satisfied".
	DeploymentErrorMarker = "AGENT-DEPLOYMENT-ERROR"

	DefaultPollInterval = 5 * time.Minute
)

// Outcome classifies a reported deployment result.
type Outcome int

const (
	OutcomeSatisfied Outcome = iota
	OutcomeNotYetSatisfied
	OutcomeUnmatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSatisfied:
		return "satisfied"
	case OutcomeNotYetSatisfied:
		return "not_yet_satisfied"
	case OutcomeUnmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

// Classify maps a result code to an outcome for a package expecting expected.
func Classify(resultCode string, expected *string) Outcome {
	code := strings.TrimSpace(resultCode)
	if strings.HasPrefix(code, DeploymentErrorMarker) {
		return OutcomeNotYetSatisfied
	}
	if expected == nil || strings.TrimSpace(*expected) == "" {
		return OutcomeSatisfied
	}
	if code == strings.TrimSpace(*expected) {
		return OutcomeSatisfied
	}
	return OutcomeUnmatched
}

// PollRequest is the agent's periodic update check.
type PollRequest struct {
	SystemInfo  map[string]any `json:"systemInfo"`
	OwnChecksum string         `json:"ownChecksum"`
}

// PollResponse tells the agent what to do next.
type PollResponse struct {
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	DeploymentAvailable bool   `json:"deploymentAvailable"`
	HubBinaryChecksum   string `json:"hubBinaryChecksum"`
}

// DeploymentDetails is everything an agent needs to fetch and open a package.
type DeploymentDetails struct {
	DeploymentID      uuid.UUID `json:"deploymentId"`
	EncryptionKey     string    `json:"encryptionKey"`
	IV                string    `json:"iv"`
	PlaintextChecksum string    `json:"plaintextChecksum"`
	EncryptedChecksum string    `json:"encryptedChecksum"`
}

// ResultRequest reports the outcome of one deployment attempt.
type ResultRequest struct {
	DeploymentID uuid.UUID `json:"deploymentId"`
	ResultCode   string    `json:"resultCode"`
}

// BinarySource exposes the current agent distributable.
type BinarySource interface {
	Checksum() (string, error)
	Open() (io.ReadCloser, error)
}

// DeploymentsConfig configures the agent-facing deployment service.
type DeploymentsConfig struct {
	Pipeline *Pipeline
	Binary   BinarySource
}

// Deployments serves the agent side of the deployment lifecycle.
type Deployments struct {
	deps     Deps
	pipeline *Pipeline
	binary   BinarySource
}

// NewDeployments builds the agent-facing deployment service.
func NewDeployments(deps Deps, cfg DeploymentsConfig) (*Deployments, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	return &Deployments{deps: deps, pipeline: cfg.Pipeline, binary: cfg.Binary}, nil
}

// Poll records the agent's state and reports pending work.
func (s *Deployments) Poll(ctx context.Context, agentID uuid.UUID, req PollRequest) (PollResponse, error) {
	agent, err := s.enrolledAgent(ctx, agentID)
	if err != nil {
		return PollResponse{}, err
	}

	now := s.deps.now()
	agent.LastSeenAt = &now
	if req.SystemInfo != nil {
		agent.SystemInfo = maps.Clone(req.SystemInfo)
		if raw, ok := req.SystemInfo["os"].(string); ok {
			agent.OS = ParseOperatingSystem(raw)
		}
	}
	agent.AgentChecksum = strings.TrimSpace(req.OwnChecksum)
	if err := s.deps.Store.UpdateAgent(ctx, agent); err != nil {
		return PollResponse{}, fmt.Errorf("update agent: %w", err)
	}

	settings, err := s.deps.Store.Settings(ctx)
	if err != nil {
		return PollResponse{}, fmt.Errorf("load settings: %w", err)
	}
	interval := settings.PollIntervalSeconds
	if interval <= 0 {
		interval = int(DefaultPollInterval / time.Second)
	}

	_, _, err = s.nextPending(ctx, agent.ID, now)
	available := err == nil
	if err != nil && !errors.Is(err, ErrNoPendingDeployment) {
		return PollResponse{}, err
	}

	resp := PollResponse{PollIntervalSeconds: interval, DeploymentAvailable: available}
	if s.binary != nil {
		sum, err := s.binary.Checksum()
		if err != nil {
			s.deps.Logger.Warn().Err(err).Msg("agent binary checksum unavailable")
		} else {
			resp.HubBinaryChecksum = sum
		}
	}
	return resp, nil
}

// NextPending returns the details of the oldest deployment the agent should
// attempt now.
func (s *Deployments) NextPending(ctx context.Context, agentID uuid.UUID) (DeploymentDetails, error) {
	if _, err := s.enrolledAgent(ctx, agentID); err != nil {
		return DeploymentDetails{}, err
	}
	d, pkg, err := s.nextPending(ctx, agentID, s.deps.now())
	if err != nil {
		return DeploymentDetails{}, err
	}
	return DeploymentDetails{
		DeploymentID:      d.ID,
		EncryptionKey:     pkg.EncryptionKey,
		IV:                pkg.IV,
		PlaintextChecksum: pkg.PlaintextChecksum,
		EncryptedChecksum: pkg.EncryptedChecksum,
	}, nil
}

func (s *Deployments) nextPending(ctx context.Context, agentID uuid.UUID, now time.Time) (Deployment, Package, error) {
	deployments, err := s.deps.Store.ListDeployments(ctx, DeploymentFilter{AgentID: agentID})
	if err != nil {
		return Deployment{}, Package{}, fmt.Errorf("list deployments: %w", err)
	}
	var (
		best    Deployment
		bestPkg Package
		found   bool
	)
	for _, d := range deployments {
		if !attemptable(d, now) {
			continue
		}
		pkg, err := s.deps.Store.PackageByID(ctx, d.PackageID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Deployment{}, Package{}, fmt.Errorf("load package: %w", err)
		}
		if !pkg.Deployable() {
			continue
		}
		if !found || lastAttempt(d).Before(lastAttempt(best)) {
			best, bestPkg, found = d, pkg, true
		}
	}
	if !found {
		return Deployment{}, Package{}, ErrNoPendingDeployment
	}
	return best, bestPkg, nil
}

func attemptable(d Deployment, now time.Time) bool {
	if d.Deployed {
		return false
	}
	return d.LastDeployedAt == nil || now.Sub(*d.LastDeployedAt) >= RetryFloor
}

// lastAttempt orders never-attempted deployments by creation time ahead of
// retried ones.
func lastAttempt(d Deployment) time.Time {
	if d.LastDeployedAt != nil {
		return *d.LastDeployedAt
	}
	return d.CreatedAt.Add(-100 * 365 * 24 * time.Hour)
}

// Open returns the encrypted distributable for a deployment the agent may
// attempt now.
func (s *Deployments) Open(ctx context.Context, agentID, deploymentID uuid.UUID) (io.ReadCloser, error) {
	if _, err := s.enrolledAgent(ctx, agentID); err != nil {
		return nil, err
	}
	d, err := s.deps.Store.DeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.AgentID != agentID || !attemptable(d, s.deps.now()) {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, ErrDeploymentUnavailable)
	}
	pkg, err := s.deps.Store.PackageByID(ctx, d.PackageID)
	if err != nil {
		return nil, err
	}
	if !pkg.Deployable() {
		return nil, fmt.Errorf("package %s: %w", pkg.ID, ErrDeploymentUnavailable)
	}
	f, err := os.Open(s.pipeline.EncryptedPath(pkg.ID))
	if err != nil {
		return nil, fmt.Errorf("open distributable: %w", err)
	}
	return f, nil
}

// OpenBinary returns the current agent binary.
func (s *Deployments) OpenBinary(ctx context.Context, agentID uuid.UUID) (io.ReadCloser, error) {
	if _, err := s.enrolledAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if s.binary == nil {
		return nil, fmt.Errorf("agent binary: %w", ErrNotFound)
	}
	return s.binary.Open()
}

// Report records an agent's result for a deployment and classifies it.
func (s *Deployments) Report(ctx context.Context, agentID uuid.UUID, req ResultRequest) (Outcome, error) {
	if _, err := s.enrolledAgent(ctx, agentID); err != nil {
		return 0, err
	}
	d, err := s.deps.Store.DeploymentByID(ctx, req.DeploymentID)
	if err != nil {
		return 0, err
	}
	if d.AgentID != agentID {
		return 0, fmt.Errorf("deployment %s: %w", d.ID, ErrDeploymentUnavailable)
	}
	pkg, err := s.deps.Store.PackageByID(ctx, d.PackageID)
	if err != nil {
		return 0, err
	}

	outcome := Classify(req.ResultCode, pkg.ExpectedReturnValue)
	now := s.deps.now()
	d.LastReturnValue = strings.TrimSpace(req.ResultCode)
	d.LastDeployedAt = &now
	d.Deployed = outcome == OutcomeSatisfied
	if err := s.deps.Store.UpdateDeployment(ctx, d); err != nil {
		return 0, fmt.Errorf("update deployment: %w", err)
	}

	s.deps.Metrics.deploymentReported(outcome)
	s.deps.Logger.Info().
		Str("deployment_id", d.ID.String()).
		Str("agent_id", agentID.String()).
		Str("result_code", d.LastReturnValue).
		Str("outcome", outcome.String()).
		Msg("deployment result reported")
	s.deps.emit(ctx, SubjectDeploymentReported, "agent:"+agentID.String(), d.ID.String(), map[string]any{
		"package_id":  pkg.ID.String(),
		"result_code": d.LastReturnValue,
		"outcome":     outcome.String(),
	})
	return outcome, nil
}

func (s *Deployments) enrolledAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	agent, err := s.deps.Store.AgentByID(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if !agent.EnrollmentCompleted {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotEnrolled)
	}
	return agent, nil
}

// SetPollInterval stores the interval handed to agents on their next poll.
// Agents persist a changed interval and restart.
func (s *Deployments) SetPollInterval(ctx context.Context, d time.Duration) error {
	seconds := int(d / time.Second)
	if seconds <= 0 {
		return fmt.Errorf("poll interval %s: %w", d, ErrInvalidInput)
	}
	settings, err := s.deps.Store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.PollIntervalSeconds == seconds {
		return nil
	}
	previous := settings.PollIntervalSeconds
	if err := s.deps.Store.SetPollInterval(ctx, seconds); err != nil {
		return fmt.Errorf("save poll interval: %w", err)
	}
	s.deps.emit(ctx, "fleet.settings.poll_interval", operatorActor, "poll_interval", map[string]any{
		"previous_seconds": previous,
		"seconds":          seconds,
	})
	return nil
}
