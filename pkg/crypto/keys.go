package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	secretKeyHRP = "age-secret-key-"
	publicKeySep = ":"
)

// PublicKey is the public half of a fleet identity: an age X25519 recipient used
// for encryption and an Ed25519 key used for signature verification.
type PublicKey struct {
	recipient *age.X25519Recipient
	verify    ed25519.PublicKey
}

// String encodes the key as "<age recipient>:<base64url ed25519 key>".
func (p PublicKey) String() string {
	if p.recipient == nil {
		return ""
	}
	return p.recipient.String() + publicKeySep + base64.RawURLEncoding.EncodeToString(p.verify)
}

// IsZero reports whether the key is unset.
func (p PublicKey) IsZero() bool {
	return p.recipient == nil || len(p.verify) == 0
}

// ParsePublicKey decodes a key produced by PublicKey.String.
func ParsePublicKey(raw string) (PublicKey, error) {
	raw = strings.TrimSpace(raw)
	rec, sig, ok := strings.Cut(raw, publicKeySep)
	if !ok {
		return PublicKey{}, &Error{Op: "parse public key", Err: ErrInvalidKey}
	}
	recipient, err := age.ParseX25519Recipient(rec)
	if err != nil {
		return PublicKey{}, &Error{Op: "parse public key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	verify, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return PublicKey{}, &Error{Op: "parse public key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	if len(verify) != ed25519.PublicKeySize {
		return PublicKey{}, &Error{Op: "parse public key", Err: fmt.Errorf("%w: ed25519 key is %d bytes", ErrInvalidKey, len(verify))}
	}
	return PublicKey{recipient: recipient, verify: ed25519.PublicKey(verify)}, nil
}

// GenerateKey creates a new private key in age secret key form.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", &Error{Op: "generate key", Err: err}
	}
	return identity.String(), nil
}

// DerivePublicKey returns the public key for an age secret key.
func DerivePublicKey(privateKey string) (PublicKey, error) {
	engine, err := NewEngine(privateKey)
	if err != nil {
		return PublicKey{}, err
	}
	return engine.PublicKey(), nil
}

func decodeSeed(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, secretKeyHRP) {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
