package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// PutJSON marshals v and stores it at path.
func PutJSON(ctx context.Context, s Storage, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if _, err := s.Upload(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
		return err
	}
	return nil
}

// GetJSON reads the object at path into out. found is false when the object does not
// exist; err is only set for backend or decode failures.
func GetJSON(ctx context.Context, s Storage, path string, out any) (found bool, err error) {
	rc, err := s.Download(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}
