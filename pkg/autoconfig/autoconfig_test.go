package autoconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetDefaultWorkDir(t *testing.T) {
	dir, err := GetDefaultWorkDir()
	if err != nil {
		t.Fatalf("GetDefaultWorkDir failed: %v", err)
	}
	if dir == "" {
		t.Fatal("GetDefaultWorkDir returned empty path")
	}
	if filepath.Base(dir) != "torswarm" {
		t.Errorf("dir = %q, want a torswarm leaf", dir)
	}
}

func TestEnsureDataDirCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tor-0")
	if err := EnsureDataDir(path); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("path is not a directory")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o700 {
		t.Errorf("permissions = %o, want 700", info.Mode().Perm())
	}
}

func TestEnsureDataDirIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tor-0")
	if err := EnsureDataDir(path); err != nil {
		t.Fatalf("first EnsureDataDir failed: %v", err)
	}
	if err := EnsureDataDir(path); err != nil {
		t.Fatalf("second EnsureDataDir failed: %v", err)
	}
}

func TestEnsureDataDirFixesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on Windows")
	}
	path := filepath.Join(t.TempDir(), "tor-0")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	if err := EnsureDataDir(path); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o700 {
		t.Errorf("permissions = %o, want 700", info.Mode().Perm())
	}
}

func TestEnsureDataDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := EnsureDataDir(path); err == nil {
		t.Error("expected error for a regular file")
	}
}

func TestEnsureSubDir(t *testing.T) {
	root := t.TempDir()
	path, err := EnsureSubDir(root, "tor-3")
	if err != nil {
		t.Fatalf("EnsureSubDir failed: %v", err)
	}
	if path != filepath.Join(root, "tor-3") {
		t.Errorf("path = %q", path)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Error("subdirectory was not created")
	}
}
