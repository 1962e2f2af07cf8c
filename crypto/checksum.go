package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the digest length in bytes of content checksums.
const ChecksumSize = blake2b.Size256

// ErrChecksumMismatch indicates received content does not hash to the announced checksum.
var ErrChecksumMismatch = errors.New("crypto: checksum mismatch")

// Checksum hashes r with BLAKE2b-256 and returns the lowercase hex digest.
func Checksum(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChecksumBytes hashes an in-memory payload.
func ChecksumBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileChecksum hashes one file of a billy filesystem.
func FileChecksum(fs billy.Filesystem, path string) (string, error) {
	file, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	return Checksum(file)
}

// VerifyChecksum compares a computed checksum against the expected one. An empty expectation always passes.
func VerifyChecksum(expected, actual string) error {
	if expected == "" {
		return nil
	}
	if !strings.EqualFold(expected, actual) {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, actual, expected)
	}
	return nil
}

// ShortChecksum returns the leading characters of a checksum for log lines.
func ShortChecksum(checksum string) string {
	if len(checksum) <= 12 {
		return checksum
	}
	return checksum[:12]
}
