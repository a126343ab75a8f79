package storage

import (
	"context"
	"fmt"

	"github.com/audit-platform/audit-platform/pkg/checksum"
)

// MetadataChecksumKey is the object metadata field backends store the SHA256 under
const MetadataChecksumKey = "sha256"

// ChecksumOf downloads the object at path and hashes it. Backends fall back to this for
// objects written without checksum metadata.
func ChecksumOf(ctx context.Context, s Storage, path string) (string, error) {
	rc, err := s.Download(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to download for checksum: %w", err)
	}
	defer rc.Close()
	return checksum.CalculateSHA256(rc)
}
