package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Engine holds one party's private key and performs the asymmetric operations
// that need it. Symmetric file operations and checksums are package functions.
type Engine struct {
	identity *age.X25519Identity
	signing  ed25519.PrivateKey
	public   PublicKey
}

// NewEngine builds an Engine from an age secret key. The Ed25519 signing key is
// derived from the same seed.
func NewEngine(privateKey string) (*Engine, error) {
	privateKey = strings.TrimSpace(privateKey)
	if privateKey == "" {
		return nil, &Error{Op: "load private key", Err: ErrInvalidKey}
	}
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, &Error{Op: "load private key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	seed, err := decodeSeed(privateKey)
	if err != nil {
		return nil, &Error{Op: "load private key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	signing := ed25519.NewKeyFromSeed(seed)

	return &Engine{
		identity: identity,
		signing:  signing,
		public: PublicKey{
			recipient: identity.Recipient(),
			verify:    signing.Public().(ed25519.PublicKey),
		},
	}, nil
}

// PublicKey returns the engine's public key.
func (e *Engine) PublicKey() PublicKey {
	return e.public
}

// EncryptAsym encrypts plaintext so only the holder of recipient's private key can read it.
func (e *Engine) EncryptAsym(plaintext []byte, recipient PublicKey) ([]byte, error) {
	if recipient.IsZero() {
		return nil, &Error{Op: "encrypt", Err: ErrInvalidKey}
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient.recipient)
	if err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	return buf.Bytes(), nil
}

// DecryptAsym decrypts ciphertext addressed to this engine.
func (e *Engine) DecryptAsym(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: errors.Join(ErrDecrypt, err)}
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: errors.Join(ErrDecrypt, err)}
	}
	return plaintext, nil
}

// Sign returns an Ed25519 signature over message.
func (e *Engine) Sign(message []byte) []byte {
	return ed25519.Sign(e.signing, message)
}

// Verify reports whether signature is a valid signature of message by signer.
func Verify(message, signature []byte, signer PublicKey) bool {
	if len(signer.verify) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(signer.verify, message, signature)
}
