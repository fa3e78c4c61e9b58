package crypto

import (
	"encoding/hex"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ChecksumLength is the length of a hex encoded checksum.
const ChecksumLength = 128

// Checksum returns the lowercase hex SHA3-512 digest of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := sha3.New512()
	if _, err := io.Copy(h, r); err != nil {
		return "", &Error{Op: "checksum", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumFile returns the checksum of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &Error{Op: "checksum", Err: err}
	}
	defer f.Close()
	return Checksum(f)
}

// ChecksumBytes returns the checksum of b.
func ChecksumBytes(b []byte) string {
	sum := sha3.Sum512(b)
	return hex.EncodeToString(sum[:])
}

// EqualChecksum compares two hex digests case-insensitively.
func EqualChecksum(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
