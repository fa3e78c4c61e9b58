package crypto

import "errors"

var (
	// ErrInvalidKey is returned for malformed key material.
	ErrInvalidKey = errors.New("invalid key")
	// ErrDecrypt is returned when ciphertext fails authentication.
	ErrDecrypt = errors.New("decryption failed")
)

// Error reports a failed cryptographic primitive.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "crypto: " + e.Op
	}
	return "crypto: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
