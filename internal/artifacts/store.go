// Package artifacts persists binary probe artifacts such as page screenshots.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotConfigured = errors.New("artifact store not configured")

const (
	ScreenshotPrefix      = "screenshots/"
	ScreenshotContentType = "image/png"
)

type Store interface {
	StoreObject(ctx context.Context, objectKey string, body []byte, contentType string) error
	LoadObject(ctx context.Context, objectKey string) ([]byte, string, error)
	DeleteObject(ctx context.Context, objectKey string) error
	Close() error
}

type LifecycleConfigurer interface {
	EnsureLifecyclePolicy(ctx context.Context, expirationDays int, prefixes []string) error
}

// ScreenshotKey is the object key of the screenshot captured by a browser check.
func ScreenshotKey(checkID string) string {
	return ScreenshotPrefix + checkID + ".png"
}

// ValidateKey rejects keys that could escape the artifact namespace.
func ValidateKey(objectKey string) error {
	if strings.TrimSpace(objectKey) == "" {
		return fmt.Errorf("artifact key is required")
	}
	if strings.HasPrefix(objectKey, "/") || strings.Contains(objectKey, "..") || strings.Contains(objectKey, `\`) {
		return fmt.Errorf("invalid artifact key %q", objectKey)
	}
	return nil
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreObject(_ context.Context, _ string, _ []byte, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadObject(_ context.Context, _ string) ([]byte, string, error) {
	return nil, "", ErrNotConfigured
}

func (s *NoopStore) DeleteObject(_ context.Context, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
