package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// FSStore implements Store on a local directory, one subdirectory per bucket.
// Object keys map to file paths under the bucket directory.
type FSStore struct {
	bucketDir string
}

// NewFSStore creates a filesystem store for bucket under rootDir.
func NewFSStore(rootDir, bucket string) (*FSStore, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}
	bucketDir := filepath.Join(rootDir, bucket)
	if err := os.MkdirAll(bucketDir, 0755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	return &FSStore{bucketDir: bucketDir}, nil
}

// BucketDir returns the directory backing the bucket.
func (s *FSStore) BucketDir() string {
	return s.bucketDir
}

func (s *FSStore) objectPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return filepath.Join(s.bucketDir, filepath.FromSlash(key)), nil
}

// List returns the regular files directly under prefix, sorted by name.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = NormalizePrefix(prefix)
	dir := s.bucketDir
	if prefix != "" {
		p, err := s.objectPath(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return nil, err
		}
		dir = p
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Type().IsRegular() {
			keys = append(keys, prefix+e.Name())
		}
	}
	return keys, nil
}

// Download copies the object at key into dir.
func (s *FSStore) Download(ctx context.Context, key, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dst := filepath.Join(dir, baseName(key))
	if err := copyFile(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	return dst, nil
}

// UploadDir copies every regular file under dir below prefix.
func (s *FSStore) UploadDir(ctx context.Context, dir, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		dst, err := s.objectPath(JoinKey(prefix, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := copyFile(p, dst); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("upload %s to %s: %w", dir, prefix, err)
	}
	log.Debug().Str("dir", dir).Str("prefix", prefix).Int("files", count).Msg("Uploaded directory")
	return count, nil
}

// PutEmpty writes a zero-byte file at key, truncating any existing object.
func (s *FSStore) PutEmpty(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.WriteFile(p, nil, 0644); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
