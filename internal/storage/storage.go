// Package storage defines the blob key-value interface used for drafts, completed
// audit records, monthly indexes and uploaded media.
//
// Keys are slash separated ("drafts/{auditId}", "{siteId}/{year}/{month}/{auditId}",
// "_index/{siteId}/{year}-{month}", "media/{auditId}/{mediaId}"). Backends register
// themselves from an init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger registration.
// The store offers no multi-key transactions; callers composing several writes
// must tolerate partial progress.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Download and GetMetadata when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for all storage backends
type Storage interface {
	// Upload stores an object, replacing any previous object at the same key
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object. Returns ErrNotFound (wrapped) when absent.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// GetURL returns a download URL. Cloud backends sign it for ttl.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists checks if an object exists at the specified key
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves object metadata without downloading the body
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns every key under prefix, sorted lexically
	List(ctx context.Context, prefix string) ([]string, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Path is the storage key where the object was stored
	Path string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string
}

// FileMetadata contains metadata about a stored object
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	LastModified time.Time
}
