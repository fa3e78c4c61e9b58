package fleetctl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"fleetd/pkg/crypto"
)

const (
	envSigningKey       = "FLEETCTL_SIGNING_KEY"
	envSigningPublicKey = "FLEETCTL_SIGNING_PUBLIC_KEY"
)

// Signer signs and verifies manifests with a fleet identity. A signer built
// from a public key alone can only verify.
type Signer struct {
	engine    *crypto.Engine
	publicKey crypto.PublicKey
}

// NewSignerFromEnv initialises a Signer using FLEETCTL_SIGNING_KEY and/or
// FLEETCTL_SIGNING_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(envSigningKey))
	pub := strings.TrimSpace(os.Getenv(envSigningPublicKey))
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envSigningKey, envSigningPublicKey)
	}
	return NewSigner(secret, pub)
}

// NewSigner builds a Signer from an age secret key, a fleet public key, or
// both. When both are given they must belong together.
func NewSigner(secret, public string) (*Signer, error) {
	s := &Signer{}
	if secret != "" {
		engine, err := crypto.NewEngine(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envSigningKey, err)
		}
		s.engine = engine
		s.publicKey = engine.PublicKey()
	}
	if public != "" {
		key, err := crypto.ParsePublicKey(public)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envSigningPublicKey, err)
		}
		if s.engine != nil && key.String() != s.publicKey.String() {
			return nil, fmt.Errorf("%s does not match %s", envSigningPublicKey, envSigningKey)
		}
		s.publicKey = key
	}
	if s.publicKey.IsZero() {
		return nil, errors.New("no public key available for signer")
	}
	return s, nil
}

// Sign produces a base64-encoded signature for the payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if s.engine == nil {
		return "", errors.New("signer configured without private key")
	}
	return base64.StdEncoding.EncodeToString(s.engine.Sign(payload)), nil
}

// Verify checks signature against payload. A manifest that names its signer
// must name this signer's key.
func (s *Signer) Verify(payload []byte, signature, manifestSigner string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if manifestSigner != "" && strings.TrimSpace(manifestSigner) != s.publicKey.String() {
		return errors.New("manifest signed by unexpected key")
	}
	if !crypto.Verify(payload, sig, s.publicKey) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKey returns the signer's fleet public key string.
func (s *Signer) PublicKey() string {
	if s == nil {
		return ""
	}
	return s.publicKey.String()
}
