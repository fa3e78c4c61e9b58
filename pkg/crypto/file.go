package crypto

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// IVSize is the length of the per-file nonce prefix in bytes.
	IVSize = 16

	chunkSize    = 64 * 1024
	counterBytes = 7
	lastChunk    = 0x01
	maxChunks    = 1<<(8*counterBytes) - 1
)

// SymmetricKey is the key material for one encrypted file.
type SymmetricKey struct {
	Key []byte
	IV  []byte
}

// NewSymmetricKey returns fresh random key material.
func NewSymmetricKey() (SymmetricKey, error) {
	k := SymmetricKey{Key: make([]byte, KeySize), IV: make([]byte, IVSize)}
	if _, err := rand.Read(k.Key); err != nil {
		return SymmetricKey{}, &Error{Op: "generate symmetric key", Err: err}
	}
	if _, err := rand.Read(k.IV); err != nil {
		return SymmetricKey{}, &Error{Op: "generate symmetric key", Err: err}
	}
	return k, nil
}

// Encode returns the key and IV as standard base64 strings.
func (k SymmetricKey) Encode() (key, iv string) {
	return base64.StdEncoding.EncodeToString(k.Key), base64.StdEncoding.EncodeToString(k.IV)
}

// ParseSymmetricKey decodes base64 key material produced by Encode.
func ParseSymmetricKey(key, iv string) (SymmetricKey, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return SymmetricKey{}, &Error{Op: "parse symmetric key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	v, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return SymmetricKey{}, &Error{Op: "parse symmetric key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	out := SymmetricKey{Key: k, IV: v}
	if err := out.validate(); err != nil {
		return SymmetricKey{}, &Error{Op: "parse symmetric key", Err: err}
	}
	return out, nil
}

func (k SymmetricKey) validate() error {
	if len(k.Key) != KeySize {
		return fmt.Errorf("%w: key is %d bytes", ErrInvalidKey, len(k.Key))
	}
	if len(k.IV) != IVSize {
		return fmt.Errorf("%w: iv is %d bytes", ErrInvalidKey, len(k.IV))
	}
	return nil
}

func (k SymmetricKey) nonce(counter uint64, last bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, k.IV)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	copy(nonce[IVSize:IVSize+counterBytes], ctr[8-counterBytes:])
	if last {
		nonce[len(nonce)-1] = lastChunk
	}
	return nonce
}

// EncryptFile streams src into dst as a sequence of XChaCha20-Poly1305 chunks.
// Fresh key material is generated when key is nil; the material used is returned.
func EncryptFile(dst io.Writer, src io.Reader, key *SymmetricKey) (SymmetricKey, error) {
	var k SymmetricKey
	if key == nil {
		generated, err := NewSymmetricKey()
		if err != nil {
			return SymmetricKey{}, err
		}
		k = generated
	} else {
		k = *key
	}
	if err := k.validate(); err != nil {
		return SymmetricKey{}, &Error{Op: "encrypt file", Err: err}
	}

	aead, err := chacha20poly1305.NewX(k.Key)
	if err != nil {
		return SymmetricKey{}, &Error{Op: "encrypt file", Err: err}
	}

	err = eachChunk(src, chunkSize, func(counter uint64, chunk []byte, last bool) error {
		sealed := aead.Seal(nil, k.nonce(counter, last), chunk, nil)
		_, err := dst.Write(sealed)
		return err
	})
	if err != nil {
		return SymmetricKey{}, &Error{Op: "encrypt file", Err: err}
	}
	return k, nil
}

// DecryptFile reverses EncryptFile. Any modified, reordered or missing chunk
// fails with ErrDecrypt; dst may hold a prefix of the output in that case.
func DecryptFile(dst io.Writer, src io.Reader, key SymmetricKey) error {
	if err := key.validate(); err != nil {
		return &Error{Op: "decrypt file", Err: err}
	}
	aead, err := chacha20poly1305.NewX(key.Key)
	if err != nil {
		return &Error{Op: "decrypt file", Err: err}
	}

	err = eachChunk(src, chunkSize+aead.Overhead(), func(counter uint64, chunk []byte, last bool) error {
		plain, err := aead.Open(nil, key.nonce(counter, last), chunk, nil)
		if err != nil {
			return ErrDecrypt
		}
		_, err = dst.Write(plain)
		return err
	})
	if err != nil {
		return &Error{Op: "decrypt file", Err: err}
	}
	return nil
}

// eachChunk reads src in size-byte chunks and reports whether each chunk is the
// final one. An empty stream yields a single empty final chunk.
func eachChunk(src io.Reader, size int, fn func(counter uint64, chunk []byte, last bool) error) error {
	br := bufio.NewReaderSize(src, size+1)
	buf := make([]byte, size)
	for counter := uint64(0); ; counter++ {
		if counter > maxChunks {
			return errors.New("stream too large")
		}
		n, err := io.ReadFull(br, buf)
		last := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			last = true
		case err != nil:
			return err
		default:
			if _, perr := br.Peek(1); errors.Is(perr, io.EOF) {
				last = true
			} else if perr != nil {
				return perr
			}
		}
		if err := fn(counter, buf[:n], last); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}
