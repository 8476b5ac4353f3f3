// Package stager prepares and tears down stage working directories on local scratch storage.
//
// Inputs are hard-linked into a stage's working directory rather than copied,
// so every path handed to Stage must live on the same filesystem as the raw
// download area.
package stager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Stager error types.
var (
	ErrCrossDevice = errors.New("source and target are on different filesystems")
	ErrNotDir      = errors.New("not a directory")
)

// TelemetryTimeFormat is the timestamp layout used in telemetry marker names.
const TelemetryTimeFormat = "2006-01-02T15:04:05.000Z"

// EnsureEmpty creates dir if needed and removes everything inside it.
func EnsureEmpty(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("empty %s: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes path and everything below it. A missing path is not an error.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Stage empties workDir and hard-links every regular file of srcDir into it.
// It returns the number of files linked.
func Stage(srcDir, workDir string) (int, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return 0, fmt.Errorf("stage from %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("stage from %s: %w", srcDir, ErrNotDir)
	}
	if err := EnsureEmpty(workDir); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", srcDir, err)
	}

	linked := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		dst := filepath.Join(workDir, e.Name())
		if err := os.Link(src, dst); err != nil {
			if errors.Is(err, unix.EXDEV) {
				return linked, fmt.Errorf("link %s: %w", src, ErrCrossDevice)
			}
			return linked, fmt.Errorf("link %s: %w", src, err)
		}
		linked++
	}

	log.Debug().Str("src", srcDir).Str("dst", workDir).Int("files", linked).Msg("Staged inputs by hard link")
	return linked, nil
}

// CleanArtifacts deletes every file under dir whose base name matches one of
// patterns (filepath.Match syntax) and returns the number deleted. A missing
// dir deletes nothing.
func CleanArtifacts(dir string, patterns []string) (int, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return 0, fmt.Errorf("artifact pattern %q: %w", p, err)
		}
	}
	if len(patterns) == 0 {
		return 0, nil
	}

	deleted := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, d.Name()); ok {
				if err := os.Remove(path); err != nil {
					return err
				}
				deleted++
				break
			}
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("clean artifacts in %s: %w", dir, err)
	}
	return deleted, nil
}

// Touch creates an empty file at path, creating parent directories.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return f.Close()
}

// TouchTelemetry writes a "tel_<kind>_<timestamp>.txt" marker into dir.
func TouchTelemetry(dir, kind string, at time.Time) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("tel_%s_%s.txt", kind, at.UTC().Format(TelemetryTimeFormat)))
	return path, Touch(path)
}

// SameFilesystem reports an error unless every path lives on one device.
// Paths that do not exist yet are checked through their nearest existing parent.
func SameFilesystem(paths ...string) error {
	var first string
	var dev uint64
	for i, p := range paths {
		d, err := deviceOf(p)
		if err != nil {
			return err
		}
		if i == 0 {
			first, dev = p, d
			continue
		}
		if d != dev {
			return fmt.Errorf("%s and %s: %w", first, p, ErrCrossDevice)
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	p := filepath.Clean(path)
	for {
		var st unix.Stat_t
		err := unix.Stat(p, &st)
		if err == nil {
			return uint64(st.Dev), nil //nolint:unconvert // Dev width differs per platform
		}
		if !errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		p = parent
	}
}
