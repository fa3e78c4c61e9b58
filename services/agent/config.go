package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetd/pkg/crypto"
)

const (
	linuxConfigPath   = "/etc/fleetd/agent.yaml"
	windowsConfigPath = `C:\ProgramData\Fleetd\agent.yaml`

	defaultPollIntervalSeconds = 300
)

// Config is the agent's persisted state.
type Config struct {
	ServerURL           string `yaml:"server_url"`
	PrivateKey          string `yaml:"private_key"`
	ServerPublicKey     string `yaml:"server_public_key"`
	Enrolled            bool   `yaml:"enrolled"`
	RegistrationToken   string `yaml:"registration_token"`
	Name                string `yaml:"name"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	WorkDir             string `yaml:"work_dir"`
	UpdaterCommand      string `yaml:"updater_command"`
}

// ConfigError describes an unusable configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config " + e.Field + ": " + e.Message
}

// DefaultConfigPath returns the platform location of the config file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return windowsConfigPath
	}
	return linuxConfigPath
}

func defaultWorkDir() string {
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\Fleetd\work`
	}
	return "/var/lib/fleetd"
}

// LoadConfig reads path and applies FLEETD_* environment overrides. A
// missing file yields the defaults so first-run setup can fill it in.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		PollIntervalSeconds: defaultPollIntervalSeconds,
		WorkDir:             defaultWorkDir(),
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("FLEETD_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEETD_REGISTRATION_TOKEN")); v != "" {
		cfg.RegistrationToken = v
	}
	return cfg, nil
}

// Save writes cfg to path atomically with owner-only permissions.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".agent-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil && runtime.GOOS != "windows" {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// validateBootstrap checks what enrollment needs.
func (c Config) validateBootstrap() error {
	if err := checkServerURL(c.ServerURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.RegistrationToken) == "" {
		return &ConfigError{Field: "registration_token", Message: "is required to enroll"}
	}
	return nil
}

// Validate checks every value the client loop depends on.
func (c Config) Validate() error {
	var errs []error
	if err := checkServerURL(c.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		errs = append(errs, &ConfigError{Field: "private_key", Message: "is required"})
	}
	if strings.TrimSpace(c.ServerPublicKey) == "" {
		errs = append(errs, &ConfigError{Field: "server_public_key", Message: "is required"})
	} else if _, err := crypto.ParsePublicKey(c.ServerPublicKey); err != nil {
		errs = append(errs, &ConfigError{Field: "server_public_key", Message: err.Error()})
	}
	if !c.Enrolled {
		errs = append(errs, &ConfigError{Field: "enrolled", Message: "agent is not enrolled"})
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, &ConfigError{Field: "poll_interval_seconds", Message: "must be positive"})
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, &ConfigError{Field: "work_dir", Message: "is required"})
	}
	return errors.Join(errs...)
}

func checkServerURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigError{Field: "server_url", Message: "is required"}
	}
	if err := ensureHTTPS(raw, allowInsecureHTTP()); err != nil {
		return &ConfigError{Field: "server_url", Message: err.Error()}
	}
	return nil
}

func allowInsecureHTTP() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("FLEETD_ALLOW_INSECURE_HTTP")))
	switch value {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("server url must use https: %s", raw)
	case "":
		return fmt.Errorf("server url must include https scheme")
	default:
		return fmt.Errorf("unsupported server url scheme %q", parsed.Scheme)
	}
}
