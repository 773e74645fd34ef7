package users

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pixelated/dispatcher/internal/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	log := logging.New(false)
	r, err := New(root, log)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"alice", true},
		{"alice.smith-01_x", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{string(make([]byte, 65)), false},
	}
	for _, tc := range cases {
		err := ValidateName(tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateName(%q) err=%v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestAddCreatesDataDir(t *testing.T) {
	r := newTestRegistry(t)

	cfg, err := r.Add("alice")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := os.Stat(cfg.DataDir()); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add("alice"); err != nil {
		t.Fatalf("first Add() failed: %v", err)
	}
	if _, err := r.Add("alice"); err == nil {
		t.Fatal("second Add() should fail with Exists")
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("nobody"); err == nil {
		t.Fatal("Get() of unknown user should fail")
	}
}

func TestRemoveDeletesDirectory(t *testing.T) {
	r := newTestRegistry(t)
	cfg, _ := r.Add("alice")

	if err := r.Remove("alice"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := os.Stat(cfg.Path); !os.IsNotExist(err) {
		t.Error("user directory should no longer exist after Remove()")
	}
	if _, err := r.Get("alice"); err == nil {
		t.Error("Get() after Remove() should fail")
	}
}

func TestResetEmptiesDataKeepsRow(t *testing.T) {
	r := newTestRegistry(t)
	cfg, _ := r.Add("alice")

	leftover := filepath.Join(cfg.DataDir(), "mailbox.db")
	if err := os.WriteFile(leftover, []byte("x"), 0o600); err != nil {
		t.Fatalf("write leftover file: %v", err)
	}

	if err := r.Reset("alice"); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("leftover file should be gone after Reset()")
	}
	if _, err := r.Get("alice"); err != nil {
		t.Error("user row should survive Reset()")
	}
}

func TestResetIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	r.Add("alice")

	if err := r.Reset("alice"); err != nil {
		t.Fatalf("first Reset() failed: %v", err)
	}
	if err := r.Reset("alice"); err != nil {
		t.Fatalf("second Reset() failed: %v", err)
	}
}

func TestListAndRestoreFromDisk(t *testing.T) {
	root := t.TempDir()
	log := logging.New(false)

	r1, err := New(root, log)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r1.Add("alice")
	r1.Add("bob")

	r2, err := New(root, log)
	if err != nil {
		t.Fatalf("second New() failed: %v", err)
	}
	names := r2.List()
	if len(names) != 2 {
		t.Fatalf("List() after restart = %v, want 2 entries", names)
	}
}
