// Package repostore manages bare repositories on local disk: creating them
// (optionally against a clone source via a hardlinked alternates directory),
// deleting them, and keeping their config and hooks in the shape the backend
// and hook RPC channel expect. It is the turnip-domain reincarnation of the
// teacher's internal/mirror package: same singleflight-dedup, same
// structured-logging, same "maintenance runs in the background and is
// deduplicated per path" shape, pointed at local authoritative repos instead
// of upstream mirrors.
package repostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrAlreadyExists is returned by Init when the target path already exists.
var ErrAlreadyExists = errors.New("repository already exists")

// hookPayload is the POSIX shell wrapper materialised at hooks/hook.py in
// every repository. It keeps the literal on-disk filename the git hook
// symlinks must point at (spec wants "hook.py") while the actual ref-check
// and push-notification logic lives in the turnipd binary itself.
const hookPayload = `#!/bin/sh
# materialised by repostore.EnsureHooks; do not edit in place.
exec turnipd hook "$(basename "$0")" "$@"
`

// Store manages bare repositories rooted at a single directory.
type Store struct {
	root string
	log  *slog.Logger

	initGroup singleflight.Group
	maintGrp  singleflight.Group
}

func New(root string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create repo root: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

func (s *Store) Root() string { return s.root }

// Path joins an internal repository path onto the store root, rejecting any
// attempt to escape it via "..".
func (s *Store) Path(internalPath string) (string, error) {
	clean := filepath.Clean("/" + internalPath)
	full := filepath.Join(s.root, clean)
	if full != s.root && !bytesHasPrefixDir(full, s.root) {
		return "", fmt.Errorf("path escapes repo root: %q", internalPath)
	}
	return full, nil
}

func bytesHasPrefixDir(full, root string) bool {
	return len(full) > len(root) && full[len(root)] == filepath.Separator && full[:len(root)] == root
}

// InitOptions configure Init's optional clone-from behaviour.
type InitOptions struct {
	CloneFrom string // filesystem path of a source repo to borrow objects from
	CloneRefs bool   // if true, also copy the source's refs
}

// Init creates a bare repository at path. If opts.CloneFrom is set, the
// source's pack files are hardlinked into a "turnip-subordinate" alternates
// directory rather than copied, and objects/info/alternates is written to
// point at it; refs are copied only when opts.CloneRefs is set. Concurrent
// Init calls for the same path are deduplicated so the AlreadyExists check
// and the git init are atomic with respect to each other within this
// process.
func (s *Store) Init(ctx context.Context, path string, opts InitOptions) error {
	_, err, _ := s.initGroup.Do(path, func() (interface{}, error) {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, ErrAlreadyExists
		} else if !os.IsNotExist(statErr) {
			return nil, statErr
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent dir: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "init", "--bare", path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("git init failed: %w\noutput: %s", err, out)
		}

		if opts.CloneFrom != "" {
			if err := s.linkSubordinate(path, opts.CloneFrom); err != nil {
				_ = os.RemoveAll(path)
				return nil, err
			}
			if opts.CloneRefs {
				if err := s.copyRefs(ctx, path, opts.CloneFrom); err != nil {
					_ = os.RemoveAll(path)
					return nil, err
				}
			}
		}

		if err := s.EnsureConfig(path); err != nil {
			_ = os.RemoveAll(path)
			return nil, err
		}
		if err := s.EnsureHooks(path); err != nil {
			_ = os.RemoveAll(path)
			return nil, err
		}
		s.log.Info("repository initialised", "path", path, "clone_from", opts.CloneFrom, "clone_refs", opts.CloneRefs)
		return nil, nil
	})
	return err
}

// linkSubordinate hardlinks cloneFrom's pack files into
// <path>/turnip-subordinate/objects/pack and records the alternate.
func (s *Store) linkSubordinate(path, cloneFrom string) error {
	srcPacks := filepath.Join(cloneFrom, "objects", "pack")
	dstPacks := filepath.Join(path, "turnip-subordinate", "objects", "pack")
	if err := os.MkdirAll(dstPacks, 0o755); err != nil {
		return fmt.Errorf("create subordinate pack dir: %w", err)
	}

	entries, err := os.ReadDir(srcPacks)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("read source pack dir: %w", err)
		}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Link(filepath.Join(srcPacks, e.Name()), filepath.Join(dstPacks, e.Name())); err != nil {
			return fmt.Errorf("hardlink pack file %s: %w", e.Name(), err)
		}
	}

	alternatesPath := filepath.Join(path, "objects", "info", "alternates")
	alternateDir := filepath.Join(path, "turnip-subordinate", "objects")
	if err := os.MkdirAll(filepath.Dir(alternatesPath), 0o755); err != nil {
		return fmt.Errorf("create objects/info dir: %w", err)
	}
	return os.WriteFile(alternatesPath, []byte(alternateDir+"\n"), 0o644)
}

func (s *Store) copyRefs(ctx context.Context, path, cloneFrom string) error {
	cmd := exec.CommandContext(ctx, "git", "--git-dir", cloneFrom, "for-each-ref",
		"--format=%(refname) %(objectname)")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("list source refs: %w", err)
	}
	updater := exec.CommandContext(ctx, "git", "--git-dir", path, "update-ref", "--stdin")
	stdin, err := updater.StdinPipe()
	if err != nil {
		return fmt.Errorf("open update-ref stdin: %w", err)
	}
	var stderr bytes.Buffer
	updater.Stderr = &stderr
	if err := updater.Start(); err != nil {
		return fmt.Errorf("start update-ref: %w", err)
	}
	for _, line := range splitLines(out) {
		if line == "" {
			continue
		}
		fields := splitFields(line)
		if len(fields) != 2 {
			continue
		}
		if _, err := io.WriteString(stdin, "update "+fields[0]+" "+fields[1]+"\n"); err != nil {
			stdin.Close()
			return fmt.Errorf("write update-ref command: %w", err)
		}
	}
	stdin.Close()
	if err := updater.Wait(); err != nil {
		return fmt.Errorf("update-ref failed: %w\nstderr: %s", err, stderr.String())
	}
	return nil
}

// Delete recursively removes the repository at path. It is idempotent: a
// missing path is not an error.
func (s *Store) Delete(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	s.log.Info("repository deleted", "path", path)
	return nil
}

var configInvariants = [][2]string{
	{"core.logallrefupdates", "true"},
	{"repack.writeBitmaps", "true"},
	{"receive.autogc", "false"},
}

// EnsureConfig idempotently enforces the repository config invariants,
// leaving the config file's mtime untouched when every key is already
// correct: each key is read with git config --get, and git config is only
// invoked to write a key whose value is missing or differs.
func (s *Store) EnsureConfig(path string) error {
	for _, kv := range configInvariants {
		current, err := gitConfigGet(path, kv[0])
		if err == nil && current == kv[1] {
			continue
		}
		if err := gitConfigSet(path, kv[0], kv[1]); err != nil {
			return fmt.Errorf("set config %s: %w", kv[0], err)
		}
	}
	return nil
}

func gitConfigGet(repoPath, key string) (string, error) {
	cmd := exec.Command("git", "--git-dir", repoPath, "config", "--get", key)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return trimNewline(out), nil
}

func gitConfigSet(repoPath, key, value string) error {
	cmd := exec.Command("git", "--git-dir", repoPath, "config", key, value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w\noutput: %s", err, out)
	}
	return nil
}

var hookNames = []string{"pre-receive", "post-receive", "update"}

// EnsureHooks materialises hooks/hook.py with the executable bit set, makes
// pre-receive/post-receive/update symlinks to it, and removes anything else
// found in hooks/.
func (s *Store) EnsureHooks(path string) error {
	hooksDir := filepath.Join(path, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}

	hookPath := filepath.Join(hooksDir, "hook.py")
	if err := os.WriteFile(hookPath, []byte(hookPayload), 0o755); err != nil {
		return fmt.Errorf("write hook.py: %w", err)
	}

	wanted := map[string]bool{"hook.py": true}
	for _, name := range hookNames {
		wanted[name] = true
		linkPath := filepath.Join(hooksDir, name)
		target, err := os.Readlink(linkPath)
		if err == nil && target == "hook.py" {
			continue
		}
		_ = os.Remove(linkPath)
		if err := os.Symlink("hook.py", linkPath); err != nil {
			return fmt.Errorf("symlink hook %s: %w", name, err)
		}
	}

	entries, err := os.ReadDir(hooksDir)
	if err != nil {
		return fmt.Errorf("read hooks dir: %w", err)
	}
	for _, e := range entries {
		if wanted[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(hooksDir, e.Name())); err != nil {
			return fmt.Errorf("remove stray hook entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Maintain runs git maintenance against path: commit-graph and multi-pack-index
// writes always, plus a full repack with a bitmap index when full is true.
// This is the mechanism by which repack.writeBitmaps=true stays true as a
// repository grows rather than just at init time.
func (s *Store) Maintain(ctx context.Context, path string, full bool) {
	start := time.Now()
	s.log.Debug("maintenance starting", "path", path, "full", full)

	if full {
		cmd := exec.CommandContext(ctx, "git", "-C", path, "repack", "-a", "-d", "-b", "--write-bitmap-index")
		if out, err := cmd.CombinedOutput(); err != nil {
			s.log.Warn("git repack failed", "path", path, "err", err, "output", string(out))
		}
	}

	cmd := exec.CommandContext(ctx, "git", "-C", path, "commit-graph", "write", "--reachable")
	if out, err := cmd.CombinedOutput(); err != nil {
		s.log.Warn("git commit-graph write failed", "path", path, "err", err, "output", string(out))
	}

	cmd = exec.CommandContext(ctx, "git", "-C", path, "multi-pack-index", "write", "--bitmap")
	if out, err := cmd.CombinedOutput(); err != nil {
		s.log.Warn("git multi-pack-index write failed", "path", path, "err", err, "output", string(out))
	}

	s.log.Info("maintenance complete", "path", path, "full", full, "duration_ms", time.Since(start).Milliseconds())
}

// ScheduleMaintain runs Maintain in a goroutine, deduplicated per path so a
// burst of pushes to the same repository triggers at most one pass at a
// time.
func (s *Store) ScheduleMaintain(path string, full bool) {
	go func() {
		_, err, _ := s.maintGrp.Do(path, func() (interface{}, error) {
			s.Maintain(context.Background(), path, full)
			return nil, nil
		})
		if err != nil {
			s.log.Warn("scheduled maintenance failed", "path", path, "err", err)
		}
	}()
}

// MaintainAll walks root and runs Maintain on every bare repository found.
func (s *Store) MaintainAll(ctx context.Context, full bool) error {
	return filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && isBareRepo(p) {
			s.Maintain(ctx, p, full)
			return filepath.SkipDir
		}
		return nil
	})
}

func isBareRepo(p string) bool {
	info, err := os.Stat(filepath.Join(p, "HEAD"))
	return err == nil && !info.IsDir()
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

func splitLines(b []byte) []string {
	var out []string
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		out = append(out, string(line))
	}
	return out
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
