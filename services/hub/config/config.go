package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the hub.
type Config struct {
	Addr              string `env:"ADDR,default=:8443"`
	DatabaseDSN       string `env:"DATABASE_DSN"`
	PrivateKey        string `env:"HUB_PRIVATE_KEY"`
	RegistrationToken string `env:"REGISTRATION_TOKEN"`
	AdminToken        string `env:"ADMIN_TOKEN"`
	PackageDir        string `env:"PACKAGE_DIR,default=/var/lib/fleetd/packages"`
	AgentBinaryPath   string `env:"AGENT_BINARY_PATH"`

	PollInterval       time.Duration `env:"POLL_INTERVAL,default=5m"`
	ValidationInterval time.Duration `env:"VALIDATION_INTERVAL,default=10m"`
	EncryptEvery       time.Duration `env:"ENCRYPT_EVERY,default=10s"`
	DeleteEvery        time.Duration `env:"DELETE_EVERY,default=30s"`
	ReconcileEvery     time.Duration `env:"RECONCILE_EVERY,default=15s"`
	RetentionEvery     time.Duration `env:"RETENTION_EVERY,default=1h"`
	AuditRetention     time.Duration `env:"AUDIT_RETENTION,default=2160h"`

	NATSURL        string   `env:"NATS_URL"`
	S3Bucket       string   `env:"S3_BUCKET"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	EnrollRate     int      `env:"ENROLL_RATE_PER_MINUTE,default=30"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration from lookuper. Tests pass a map.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.PrivateKey = strings.TrimSpace(cfg.PrivateKey)
	return cfg, nil
}

// ValidateServe checks the values required to run the hub server.
func (c Config) ValidateServe() error {
	var errs []error
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("HUB_PRIVATE_KEY is required"))
	}
	if strings.TrimSpace(c.PackageDir) == "" {
		errs = append(errs, errors.New("PACKAGE_DIR is required"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, errors.New("POLL_INTERVAL must be at least 1s"))
	}
	for name, d := range map[string]time.Duration{
		"VALIDATION_INTERVAL": c.ValidationInterval,
		"ENCRYPT_EVERY":       c.EncryptEvery,
		"DELETE_EVERY":        c.DeleteEvery,
		"RECONCILE_EVERY":     c.ReconcileEvery,
		"RETENTION_EVERY":     c.RetentionEvery,
		"AUDIT_RETENTION":     c.AuditRetention,
	} {
		if d <= 0 {
			errs = append(errs, errors.New(name+" must be positive"))
		}
	}
	return errors.Join(errs...)
}
