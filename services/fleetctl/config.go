package fleetctl

import (
	"context"
	"io"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds the connection settings shared by every API command.
type Config struct {
	API     string        `env:"FLEETCTL_API"`
	Token   string        `env:"FLEETCTL_TOKEN"`
	Timeout time.Duration `env:"FLEETCTL_TIMEOUT,default=2m"`
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BuildConfig configures package creation.
type BuildConfig struct {
	SourceDir string
	Output    string
	Name      string
	TargetOS  string
	Expected  *string
	Signer    *Signer
	Now       func() time.Time
	Stdout    io.Writer
}

// UploadConfig configures package upload.
type UploadConfig struct {
	Archive      string
	ManifestPath string
	Client       *Client
	Signer       *Signer
	Stdout       io.Writer
}
