// Package objstore provides the object storage operations the batch engine needs.
package objstore

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Storage error types.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Store is bulk object storage bound to a single bucket.
type Store interface {
	// List returns the keys directly under prefix in listing order.
	// The prefix is normalized to end in "/" and directory placeholder keys are excluded.
	List(ctx context.Context, prefix string) ([]string, error)

	// Download copies the object at key into dir and returns the local path.
	Download(ctx context.Context, key, dir string) (string, error)

	// UploadDir uploads every regular file under dir to prefix, preserving
	// relative paths, and returns the number of files uploaded. Existing
	// objects are overwritten.
	UploadDir(ctx context.Context, dir, prefix string) (int, error)

	// PutEmpty writes a zero-byte object at key.
	PutEmpty(ctx context.Context, key string) error
}

// NormalizePrefix returns prefix with exactly one trailing slash, or "" for the bucket root.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// JoinKey joins key segments with "/" and strips redundant slashes.
func JoinKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// validateKey rejects keys that are empty, absolute, or escape the bucket.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// baseName returns the last segment of an object key.
func baseName(key string) string {
	return path.Base(key)
}
