package fleetctl

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestVersion = "1"
	manifestSuffix  = ".manifest.yaml"
)

// Manifest is the signed description of a package archive. It travels next to
// the archive as <archive>.manifest.yaml.
type Manifest struct {
	Version             string         `yaml:"version"`
	CreatedAt           time.Time      `yaml:"created_at"`
	Name                string         `yaml:"name"`
	TargetOS            string         `yaml:"target_os"`
	ExpectedReturnValue *string        `yaml:"expected_return_value,omitempty"`
	Archive             string         `yaml:"archive"`
	Checksum            string         `yaml:"checksum"`
	Size                int64          `yaml:"size"`
	Files               []ManifestFile `yaml:"files"`
	Signer              string         `yaml:"signer,omitempty"`
	Signature           string         `yaml:"signature,omitempty"`
}

// ManifestFile describes one file packed into the archive.
type ManifestFile struct {
	Path     string `yaml:"path"`
	Size     int64  `yaml:"size"`
	Checksum string `yaml:"checksum"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestPath returns where the manifest for archive lives.
func ManifestPath(archive string) string {
	return archive + manifestSuffix
}

// ReadManifest loads and sanity checks a manifest file. The signature is not
// verified here.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if strings.TrimSpace(m.Signature) == "" {
		return nil, errors.New("manifest missing signature")
	}
	if strings.TrimSpace(m.Checksum) == "" {
		return nil, errors.New("manifest missing checksum")
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
