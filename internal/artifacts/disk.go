package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// DiskStore keeps artifacts below a local root directory.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) path(objectKey string) (string, error) {
	if err := ValidateKey(objectKey); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(objectKey)), nil
}

func (s *DiskStore) StoreObject(_ context.Context, objectKey string, body []byte, _ string) error {
	target, err := s.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (s *DiskStore) LoadObject(_ context.Context, objectKey string) ([]byte, string, error) {
	target, err := s.path(objectKey)
	if err != nil {
		return nil, "", err
	}
	payload, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return payload, mime.TypeByExtension(filepath.Ext(target)), nil
}

func (s *DiskStore) DeleteObject(_ context.Context, objectKey string) error {
	target, err := s.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// PruneBefore removes artifacts last written before cutoff and returns how many were deleted.
func (s *DiskStore) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *DiskStore) Close() error {
	return nil
}
