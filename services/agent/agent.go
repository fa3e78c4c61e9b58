package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/archive"
	"fleetd/pkg/crypto"
	"fleetd/services/hub"
)

// Version is stamped at build time and reported in the system info.
var Version = "dev"

var (
	// ErrRestartRequired means persisted settings changed and the process
	// should be restarted by its supervisor.
	ErrRestartRequired = errors.New("restart required")
	// ErrUpdateHandedOff means an Updater took over and this process should exit.
	ErrUpdateHandedOff = errors.New("update handed off")
	// ErrCorruptBinary means the downloaded agent binary failed verification.
	ErrCorruptBinary = errors.New("corrupt agent binary")
	// ErrNotElevated means the agent lacks administrative privilege.
	ErrNotElevated = errors.New("agent must run with administrative privilege")
	// ErrUnsupportedOS means the host platform cannot receive packages.
	ErrUnsupportedOS = errors.New("unsupported operating system")
)

// Options wires an Agent. Zero values select the production defaults.
type Options struct {
	ConfigPath        string
	BinaryPath        string
	GOOS              string
	HTTPClient        *http.Client
	Executor          Executor
	Updater           Updater
	SystemInfo        func() map[string]any
	HealthRetry       time.Duration
	AllowUnprivileged bool
	Logger            zerolog.Logger
}

// Agent is the node-side client loop.
type Agent struct {
	opts   Options
	log    zerolog.Logger
	cfg    Config
	engine *crypto.Engine
	client *Client

	ownChecksum string
}

// New prepares an agent. Call Setup before Run.
func New(opts Options) (*Agent, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath()
	}
	if opts.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own binary: %w", err)
		}
		opts.BinaryPath = exe
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Executor == nil {
		opts.Executor = ScriptExecutor{GOOS: opts.GOOS, Logger: opts.Logger}
	}
	if opts.SystemInfo == nil {
		opts.SystemInfo = SystemInfo
	}
	if opts.HealthRetry <= 0 {
		opts.HealthRetry = HealthRetryInterval
	}
	return &Agent{opts: opts, log: opts.Logger}, nil
}

// Config returns the agent's current configuration.
func (a *Agent) Config() Config {
	return a.cfg
}

// Setup prepares identity and enrollment. Every error it returns is fatal.
func (a *Agent) Setup(ctx context.Context) error {
	if hub.ParseOperatingSystem(a.opts.GOOS) == hub.OSUnknown {
		return fmt.Errorf("%w: %s", ErrUnsupportedOS, a.opts.GOOS)
	}
	if !a.opts.AllowUnprivileged {
		ok, err := elevated()
		if err != nil {
			return fmt.Errorf("check privilege: %w", err)
		}
		if !ok {
			return ErrNotElevated
		}
	}

	sum, err := crypto.ChecksumFile(a.opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("checksum own binary: %w", err)
	}
	a.ownChecksum = sum

	cfg, err := LoadConfig(a.opts.ConfigPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.PrivateKey) == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		cfg.PrivateKey = key
		cfg.Enrolled = false
		if err := cfg.Save(a.opts.ConfigPath); err != nil {
			return err
		}
		a.log.Info().Msg("generated agent keypair")
	}

	engine, err := crypto.NewEngine(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load private key: %w", err)
	}
	client, err := NewClient(cfg.ServerURL, a.opts.HTTPClient, engine, a.log)
	if err != nil {
		return err
	}

	if !cfg.Enrolled {
		if err := cfg.validateBootstrap(); err != nil {
			return err
		}
		if err := client.WaitHealthy(ctx, a.opts.HealthRetry); err != nil {
			return err
		}
		hubKey, err := Enroll(ctx, client, engine, cfg.Name, cfg.RegistrationToken)
		if err != nil {
			return fmt.Errorf("enroll: %w", err)
		}
		cfg.ServerPublicKey = hubKey.String()
		cfg.Enrolled = true
		cfg.RegistrationToken = ""
		a.log.Info().Str("public_key", engine.PublicKey().String()).Msg("agent enrolled")
	}

	if err := cfg.Save(a.opts.ConfigPath); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	hubKey, err := crypto.ParsePublicKey(cfg.ServerPublicKey)
	if err != nil {
		return fmt.Errorf("server public key: %w", err)
	}
	if err := client.Trust(hubKey); err != nil {
		return err
	}
	if a.opts.Updater == nil && strings.TrimSpace(cfg.UpdaterCommand) != "" {
		a.opts.Updater = CommandUpdater{Command: cfg.UpdaterCommand, Current: a.opts.BinaryPath}
	}

	a.cfg = cfg
	a.engine = engine
	a.client = client
	return nil
}

// Run loops until ctx ends or an iteration asks the process to exit.
func (a *Agent) Run(ctx context.Context) error {
	if a.client == nil {
		return errors.New("agent is not set up")
	}
	for {
		if err := a.client.WaitHealthy(ctx, a.opts.HealthRetry); err != nil {
			return err
		}
		if err := a.Iterate(ctx); err != nil {
			if exitRequested(err) || ctx.Err() != nil {
				return err
			}
			a.log.Warn().Err(err).Msg("iteration failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a.cfg.PollIntervalSeconds) * time.Second):
		}
	}
}

func exitRequested(err error) bool {
	return errors.Is(err, ErrRestartRequired) ||
		errors.Is(err, ErrUpdateHandedOff) ||
		errors.Is(err, ErrCorruptBinary)
}

// Iterate performs one poll and acts on the answer.
func (a *Agent) Iterate(ctx context.Context) error {
	resp, err := a.client.Poll(ctx, hub.PollRequest{
		SystemInfo:  a.opts.SystemInfo(),
		OwnChecksum: a.ownChecksum,
	})
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	if resp.HubBinaryChecksum != "" && !crypto.EqualChecksum(resp.HubBinaryChecksum, a.ownChecksum) {
		if a.opts.Updater != nil {
			return a.selfUpdate(ctx, resp.HubBinaryChecksum)
		}
		a.log.Warn().Str("hub_checksum", resp.HubBinaryChecksum).Msg("agent binary outdated and no updater configured")
	}

	if resp.PollIntervalSeconds > 0 && resp.PollIntervalSeconds != a.cfg.PollIntervalSeconds {
		a.log.Info().
			Int("old", a.cfg.PollIntervalSeconds).
			Int("new", resp.PollIntervalSeconds).
			Msg("poll interval changed")
		a.cfg.PollIntervalSeconds = resp.PollIntervalSeconds
		if err := a.cfg.Save(a.opts.ConfigPath); err != nil {
			return err
		}
		return ErrRestartRequired
	}

	if resp.DeploymentAvailable {
		return a.drain(ctx)
	}
	return nil
}

func (a *Agent) selfUpdate(ctx context.Context, expected string) error {
	dir := filepath.Join(a.cfg.WorkDir, "update")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create update dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(a.opts.BinaryPath))
	if err := a.client.DownloadBinary(ctx, path); err != nil {
		return fmt.Errorf("download binary: %w", err)
	}
	sum, err := crypto.ChecksumFile(path)
	if err != nil {
		return err
	}
	if !crypto.EqualChecksum(sum, expected) {
		_ = os.Remove(path)
		return fmt.Errorf("%w: checksum %s, expected %s", ErrCorruptBinary, sum, expected)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod binary: %w", err)
	}

	a.log.Info().Str("path", path).Msg("handing off agent update")
	if err := a.opts.Updater.Update(ctx, path); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return ErrUpdateHandedOff
}

// drain runs deployments until the hub has none left for this agent.
func (a *Agent) drain(ctx context.Context) error {
	seen := make(map[uuid.UUID]bool)
	for {
		details, err := a.client.Details(ctx)
		if errors.Is(err, ErrNoDeployment) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deployment details: %w", err)
		}
		if seen[details.DeploymentID] {
			a.log.Warn().Str("deployment_id", details.DeploymentID.String()).Msg("deployment offered twice in one pass")
			return nil
		}
		seen[details.DeploymentID] = true

		code, err := a.deploy(ctx, details)
		if err != nil {
			return err
		}
		if err := a.client.Report(ctx, hub.ResultRequest{DeploymentID: details.DeploymentID, ResultCode: code}); err != nil {
			return fmt.Errorf("report result: %w", err)
		}
	}
}

// deploy returns the result code to report. Transport failures are returned
// as errors so the attempt is retried; everything else becomes a code.
func (a *Agent) deploy(ctx context.Context, d hub.DeploymentDetails) (string, error) {
	log := a.log.With().Str("deployment_id", d.DeploymentID.String()).Logger()

	if err := os.MkdirAll(a.cfg.WorkDir, 0o700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(a.cfg.WorkDir, "deploy-")
	if err != nil {
		return "", fmt.Errorf("create deployment dir: %w", err)
	}
	defer os.RemoveAll(dir)

	encrypted := filepath.Join(dir, "package.enc")
	if err := a.client.DownloadPackage(ctx, d.DeploymentID, encrypted); err != nil {
		return "", fmt.Errorf("download package: %w", err)
	}

	code, err := a.install(ctx, d, dir, encrypted)
	if err != nil {
		log.Error().Err(err).Msg("deployment failed")
		return hub.DeploymentErrorMarker + ": " + err.Error(), nil
	}
	log.Info().Int("exit_code", code).Msg("deployment executed")
	return resultCode(code), nil
}

func (a *Agent) install(ctx context.Context, d hub.DeploymentDetails, dir, encrypted string) (int, error) {
	sum, err := crypto.ChecksumFile(encrypted)
	if err != nil {
		return 0, err
	}
	if !crypto.EqualChecksum(sum, d.EncryptedChecksum) {
		return 0, errors.New("encrypted checksum mismatch")
	}

	key, err := crypto.ParseSymmetricKey(d.EncryptionKey, d.IV)
	if err != nil {
		return 0, fmt.Errorf("package key: %w", err)
	}
	plaintext := filepath.Join(dir, "package")
	if err := decryptTo(plaintext, encrypted, key); err != nil {
		return 0, err
	}

	sum, err = crypto.ChecksumFile(plaintext)
	if err != nil {
		return 0, err
	}
	if !crypto.EqualChecksum(sum, d.PlaintextChecksum) {
		return 0, errors.New("plaintext checksum mismatch")
	}

	root := filepath.Join(dir, "root")
	if err := archive.Unpack(ctx, plaintext, root); err != nil {
		return 0, fmt.Errorf("unpack: %w", err)
	}
	return a.opts.Executor.Execute(ctx, root)
}

func decryptTo(dst, src string, key crypto.SymmetricKey) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := crypto.DecryptFile(out, in, key); err != nil {
		out.Close()
		return fmt.Errorf("decrypt: %w", err)
	}
	return out.Close()
}
