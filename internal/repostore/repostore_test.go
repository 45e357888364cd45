package repostore

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	s, err := New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestInitCreatesBareRepoWithInvariants(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(s.Root(), "a", "b", "repo")

	if err := s.Init(context.Background(), path, InitOptions{}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(path, "HEAD")); err != nil {
		t.Fatalf("expected bare repo HEAD file: %v", err)
	}

	for _, kv := range configInvariants {
		got, err := gitConfigGet(path, kv[0])
		if err != nil {
			t.Fatalf("get %s: %v", kv[0], err)
		}
		if got != kv[1] {
			t.Fatalf("config %s = %q, want %q", kv[0], got, kv[1])
		}
	}

	for _, name := range hookNames {
		target, err := os.Readlink(filepath.Join(path, "hooks", name))
		if err != nil {
			t.Fatalf("hook %s not a symlink: %v", name, err)
		}
		if target != "hook.py" {
			t.Fatalf("hook %s points at %q, want hook.py", name, target)
		}
	}
}

func TestInitSignalsAlreadyExists(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(s.Root(), "repo")

	if err := s.Init(context.Background(), path, InitOptions{}); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	err := s.Init(context.Background(), path, InitOptions{})
	if err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(s.Root(), "repo")

	if err := s.Delete(path); err != nil {
		t.Fatalf("delete nonexistent: %v", err)
	}

	if err := s.Init(context.Background(), path, InitOptions{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected path removed, stat err = %v", err)
	}
}

func TestEnsureConfigDoesNotRewriteWhenAlreadyCorrect(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(s.Root(), "repo")
	if err := s.Init(context.Background(), path, InitOptions{}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	configPath := filepath.Join(path, "config")
	before, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}

	if err := s.EnsureConfig(path); err != nil {
		t.Fatalf("EnsureConfig: %v", err)
	}

	after, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("config mtime changed on idempotent EnsureConfig: %v -> %v", before.ModTime(), after.ModTime())
	}
}

func TestEnsureHooksRemovesStrayEntries(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(s.Root(), "repo")
	if err := s.Init(context.Background(), path, InitOptions{}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	strayPath := filepath.Join(path, "hooks", "applypatch-msg.sample")
	if err := os.WriteFile(strayPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write stray hook: %v", err)
	}

	if err := s.EnsureHooks(path); err != nil {
		t.Fatalf("EnsureHooks: %v", err)
	}

	if _, err := os.Stat(strayPath); !os.IsNotExist(err) {
		t.Fatalf("expected stray hook removed, err = %v", err)
	}
}

func TestInitWithCloneFromHardlinksPacks(t *testing.T) {
	s := testStore(t)
	source := filepath.Join(s.Root(), "source")
	if err := s.Init(context.Background(), source, InitOptions{}); err != nil {
		t.Fatalf("init source: %v", err)
	}

	packDir := filepath.Join(source, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatalf("mkdir pack dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(packDir, "pack-abc.pack"), []byte("fake pack"), 0o644); err != nil {
		t.Fatalf("write fake pack: %v", err)
	}

	target := filepath.Join(s.Root(), "target")
	if err := s.Init(context.Background(), target, InitOptions{CloneFrom: source}); err != nil {
		t.Fatalf("init target: %v", err)
	}

	linked := filepath.Join(target, "turnip-subordinate", "objects", "pack", "pack-abc.pack")
	if _, err := os.Stat(linked); err != nil {
		t.Fatalf("expected hardlinked pack file: %v", err)
	}

	alternates, err := os.ReadFile(filepath.Join(target, "objects", "info", "alternates"))
	if err != nil {
		t.Fatalf("read alternates: %v", err)
	}
	wantDir := filepath.Join(target, "turnip-subordinate", "objects")
	if got := string(alternates); got != wantDir+"\n" {
		t.Fatalf("alternates = %q, want %q", got, wantDir+"\n")
	}
}
