// Package checksum computes and checks SHA-256 digests of media blobs. The device sends
// the digest of the compressed photo with each upload and the server refuses bytes that
// do not match, so a truncated retry never replaces a good object.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Header carries the hex digest on media uploads and downloads
const Header = "X-Checksum-SHA256"

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Sum returns the hex SHA256 of data
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// VerifySHA256 reports whether the reader's content hashes to expected. The comparison
// ignores case so clients may send upper-case hex.
func VerifySHA256(reader io.Reader, expected string) (bool, error) {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actual == strings.ToLower(strings.TrimSpace(expected)), nil
}

// VerifyBytes is VerifySHA256 for an in-memory blob
func VerifyBytes(data []byte, expected string) bool {
	ok, _ := VerifySHA256(bytes.NewReader(data), expected)
	return ok
}
