// Package digest computes content fingerprints of files.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	// SHA256 is used for integrity comparison against the backup store.
	SHA256 Algorithm = "sha256"
	// MD5 matches the format of the signature database.
	MD5 Algorithm = "md5"
)

// ErrUnsupported is returned for an unknown algorithm.
var ErrUnsupported = errors.New("unsupported digest algorithm")

const bufferSize = 64 * 1024

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, algo)
	}
}

// File returns the lowercase hex digest of the file at path.
//
// Any I/O failure (missing file, permission denied, the path vanishing
// mid-read) is returned as an error; callers treat it as an absent digest,
// not as a violation.
func File(path string, algo Algorithm) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether two digest lookups agree in the integrity sense:
// it returns true when both are absent or both are present and identical.
func Equal(a string, aErr error, b string, bErr error) bool {
	aAbsent, bAbsent := aErr != nil, bErr != nil
	if aAbsent || bAbsent {
		return aAbsent == bAbsent
	}
	return a == b
}
