package stager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// BestEffort runs fn and logs, then discards, any error it returns.
// It is the only place where pipeline errors are deliberately ignored.
func BestEffort(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", name).Msg("Best-effort operation failed, continuing")
	}
}

// Reclaimer gives the invoking user ownership of files a container created.
type Reclaimer struct {
	command []string
	uid     int
	gid     int
}

// NewReclaimer returns a Reclaimer. With a non-empty command (e.g. sudo chown
// -R ubuntu) the path is appended and the command run; otherwise the tree is
// walked and chowned to the current uid/gid.
func NewReclaimer(command []string) *Reclaimer {
	return &Reclaimer{
		command: command,
		uid:     os.Getuid(),
		gid:     os.Getgid(),
	}
}

// Reclaim normalizes ownership under path.
func (r *Reclaimer) Reclaim(ctx context.Context, path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(r.command) > 0 {
		return r.runCommand(ctx, path)
	}
	return r.walk(path)
}

func (r *Reclaimer) runCommand(ctx context.Context, path string) error {
	args := append(append([]string{}, r.command[1:]...), path)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(r.command, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// walk chowns every entry, continuing past failures and returning the first one.
func (r *Reclaimer) walk(root string) error {
	var firstErr error
	failed := 0
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed++
			return nil
		}
		if err := os.Lchown(path, r.uid, r.gid); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
		return nil
	})
	if firstErr != nil {
		return fmt.Errorf("reclaim %s: %d entries failed: %w", root, failed, firstErr)
	}
	return nil
}
