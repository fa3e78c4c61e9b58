package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	engine, err := NewEngine(key)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func TestPublicKeyRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	encoded := engine.PublicKey().String()

	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	if parsed.String() != encoded {
		t.Fatalf("ParsePublicKey() = %q, want %q", parsed.String(), encoded)
	}
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	engine := newTestEngine(t)
	recipient, verify, _ := strings.Cut(engine.PublicKey().String(), ":")

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "missing separator", input: recipient},
		{name: "bad recipient", input: "age1nope:" + verify},
		{name: "bad base64", input: recipient + ":***"},
		{name: "short signing key", input: recipient + ":AAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKey(tt.input)
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("ParsePublicKey(%q) error = %v, want ErrInvalidKey", tt.input, err)
			}
		})
	}
}

func TestNewEngineRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "AGE-SECRET-KEY-1NOTVALID"} {
		if _, err := NewEngine(input); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("NewEngine(%q) error = %v, want ErrInvalidKey", input, err)
		}
	}
}

func TestDerivePublicKeyIsStable(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	a, err := DerivePublicKey(key)
	if err != nil {
		t.Fatalf("DerivePublicKey() error = %v", err)
	}
	b, err := DerivePublicKey(key)
	if err != nil {
		t.Fatalf("DerivePublicKey() error = %v", err)
	}
	if a.String() != b.String() {
		t.Fatalf("DerivePublicKey() not stable: %q vs %q", a, b)
	}
}

func TestAsymmetricRoundTrip(t *testing.T) {
	sender := newTestEngine(t)
	recipient := newTestEngine(t)
	other := newTestEngine(t)

	ciphertext, err := sender.EncryptAsym([]byte("hello fleet"), recipient.PublicKey())
	if err != nil {
		t.Fatalf("EncryptAsym() error = %v", err)
	}

	plaintext, err := recipient.DecryptAsym(ciphertext)
	if err != nil {
		t.Fatalf("DecryptAsym() error = %v", err)
	}
	if string(plaintext) != "hello fleet" {
		t.Fatalf("DecryptAsym() = %q", plaintext)
	}

	if _, err := other.DecryptAsym(ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("DecryptAsym() with wrong key error = %v, want ErrDecrypt", err)
	}
	var cerr *Error
	if _, err := other.DecryptAsym(ciphertext); !errors.As(err, &cerr) {
		t.Fatalf("DecryptAsym() error type = %T, want *Error", err)
	}
}

func TestSignVerify(t *testing.T) {
	signer := newTestEngine(t)
	other := newTestEngine(t)
	msg := []byte(`{"a":1}`)
	sig := signer.Sign(msg)

	tests := []struct {
		name   string
		msg    []byte
		sig    []byte
		signer PublicKey
		want   bool
	}{
		{name: "valid", msg: msg, sig: sig, signer: signer.PublicKey(), want: true},
		{name: "wrong signer", msg: msg, sig: sig, signer: other.PublicKey(), want: false},
		{name: "modified message", msg: []byte(`{"a":2}`), sig: sig, signer: signer.PublicKey(), want: false},
		{name: "truncated signature", msg: msg, sig: sig[:10], signer: signer.PublicKey(), want: false},
		{name: "zero key", msg: msg, sig: sig, signer: PublicKey{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.msg, tt.sig, tt.signer); got != tt.want {
				t.Fatalf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFileRoundTripWithFixedKey(t *testing.T) {
	key := SymmetricKey{Key: bytes.Repeat([]byte{7}, KeySize), IV: bytes.Repeat([]byte{9}, IVSize)}

	sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3*chunkSize + 17}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte("fleet"), size/5+1)[:size]

		var encrypted bytes.Buffer
		used, err := EncryptFile(&encrypted, bytes.NewReader(plaintext), &key)
		if err != nil {
			t.Fatalf("EncryptFile(size=%d) error = %v", size, err)
		}
		if !bytes.Equal(used.Key, key.Key) || !bytes.Equal(used.IV, key.IV) {
			t.Fatalf("EncryptFile(size=%d) did not use injected key", size)
		}

		var again bytes.Buffer
		if _, err := EncryptFile(&again, bytes.NewReader(plaintext), &key); err != nil {
			t.Fatalf("EncryptFile(size=%d) second run error = %v", size, err)
		}
		if !bytes.Equal(encrypted.Bytes(), again.Bytes()) {
			t.Fatalf("EncryptFile(size=%d) is not deterministic for a fixed key", size)
		}

		var decrypted bytes.Buffer
		if err := DecryptFile(&decrypted, bytes.NewReader(encrypted.Bytes()), key); err != nil {
			t.Fatalf("DecryptFile(size=%d) error = %v", size, err)
		}
		if !bytes.Equal(decrypted.Bytes(), plaintext) {
			t.Fatalf("DecryptFile(size=%d) mismatch", size)
		}
	}
}

func TestEncryptFileGeneratesKey(t *testing.T) {
	var a, b bytes.Buffer
	ka, err := EncryptFile(&a, strings.NewReader("same"), nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}
	kb, err := EncryptFile(&b, strings.NewReader("same"), nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}
	if bytes.Equal(ka.Key, kb.Key) || bytes.Equal(ka.IV, kb.IV) {
		t.Fatal("EncryptFile() reused key material")
	}

	encKey, encIV := ka.Encode()
	parsed, err := ParseSymmetricKey(encKey, encIV)
	if err != nil {
		t.Fatalf("ParseSymmetricKey() error = %v", err)
	}
	var out bytes.Buffer
	if err := DecryptFile(&out, &a, parsed); err != nil {
		t.Fatalf("DecryptFile() error = %v", err)
	}
	if out.String() != "same" {
		t.Fatalf("DecryptFile() = %q", out.String())
	}
}

func TestDecryptFileDetectsTampering(t *testing.T) {
	key, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("NewSymmetricKey() error = %v", err)
	}
	plaintext := bytes.Repeat([]byte{0xAB}, 2*chunkSize+100)
	var encrypted bytes.Buffer
	if _, err := EncryptFile(&encrypted, bytes.NewReader(plaintext), &key); err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}
	sealedChunk := chunkSize + 16

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{name: "bit flip", mutate: func(b []byte) []byte { b[10] ^= 0x01; return b }},
		{name: "truncated at chunk boundary", mutate: func(b []byte) []byte { return b[:2*sealedChunk] }},
		{name: "truncated mid chunk", mutate: func(b []byte) []byte { return b[:sealedChunk+5] }},
		{name: "empty", mutate: func(b []byte) []byte { return nil }},
		{name: "swapped chunks", mutate: func(b []byte) []byte {
			out := append([]byte{}, b[sealedChunk:2*sealedChunk]...)
			out = append(out, b[:sealedChunk]...)
			return append(out, b[2*sealedChunk:]...)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte{}, encrypted.Bytes()...))
			err := DecryptFile(&bytes.Buffer{}, bytes.NewReader(data), key)
			if !errors.Is(err, ErrDecrypt) {
				t.Fatalf("DecryptFile() error = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	sum, err := Checksum(strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	const want = "b751850b1a57168a5693cd924b6b096e08f621827444f70d884f5d0240d2712e10e116e9192af3c91a7ec57647e3934057340b4cf408d5a56592f8274eec53f0"
	if sum != want {
		t.Fatalf("Checksum() = %s, want %s", sum, want)
	}
	if len(sum) != ChecksumLength {
		t.Fatalf("Checksum() length = %d, want %d", len(sum), ChecksumLength)
	}
	if ChecksumBytes([]byte("abc")) != want {
		t.Fatal("ChecksumBytes() disagrees with Checksum()")
	}
	if !EqualChecksum(strings.ToUpper(want), want) {
		t.Fatal("EqualChecksum() should ignore case")
	}
	if EqualChecksum("", "") {
		t.Fatal("EqualChecksum() should reject empty digests")
	}
}
