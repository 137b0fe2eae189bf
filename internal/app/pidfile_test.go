package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClaimPIDFile_WritesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "claimq.pid")

	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after release: %v", err)
	}
}

func TestClaimPIDFile_RefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimq.pid")
	// Our own pid is certainly alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := claimPIDFile(path); err == nil || !strings.Contains(err.Error(), "running process") {
		t.Fatalf("err=%v, want running process error", err)
	}
}

func TestClaimPIDFile_ReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimq.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()
	if pid, err := readPIDFile(path); err != nil || pid != os.Getpid() {
		t.Fatalf("pid=%d err=%v", pid, err)
	}
}

func TestClaimPIDFile_Empty(t *testing.T) {
	release, err := claimPIDFile("  ")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
}

func TestReadPIDFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty":    "",
		"negative": "-4",
		"text":     "abc",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".pid")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := readPIDFile(path); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}
