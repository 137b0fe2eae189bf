package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func TestHealthChecker_ProbeFlipsStatus(t *testing.T) {
	var failing atomic.Bool
	hc := newHealthChecker(func(context.Context) error {
		if failing.Load() {
			return errors.New("storage down")
		}
		return nil
	}, newDiscardLogger())

	srv, addr, err := serveHealth(newDiscardLogger(), "127.0.0.1:0", hc, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer srv.Stop()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if code := runHealthCmd([]string{"--addr", addr.String()}, stdout, stderr); code != 1 {
		t.Fatalf("before first probe: exit=%d, want 1 (stderr=%q)", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "NOT_SERVING" {
		t.Fatalf("status=%q, want NOT_SERVING", got)
	}

	if !hc.probe(context.Background()) {
		t.Fatalf("probe reported failure")
	}
	stdout.Reset()
	if code := runHealthCmd([]string{"--addr", addr.String(), "--service", storageService, "--json"}, stdout, stderr); code != 0 {
		t.Fatalf("exit=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if got := stdout.String(); !strings.Contains(got, "SERVING") || strings.Contains(got, "NOT_SERVING") {
		t.Fatalf("json=%q, want SERVING", got)
	}

	failing.Store(true)
	if hc.probe(context.Background()) {
		t.Fatalf("probe reported success while storage is down")
	}
	stdout.Reset()
	if code := runHealthCmd([]string{"--addr", addr.String()}, stdout, stderr); code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
}

func TestHealthCmd_UnknownService(t *testing.T) {
	hc := newHealthChecker(func(context.Context) error { return nil }, newDiscardLogger())
	srv, addr, err := serveHealth(newDiscardLogger(), "127.0.0.1:0", hc, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer srv.Stop()

	stderr := &bytes.Buffer{}
	if code := runHealthCmd([]string{"--addr", addr.String(), "--service", "nope"}, &bytes.Buffer{}, stderr); code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "NotFound") {
		t.Fatalf("stderr=%q, want NotFound", stderr.String())
	}
}

func TestHealthCmd_BadArgs(t *testing.T) {
	stderr := &bytes.Buffer{}
	if code := runHealthCmd([]string{"extra"}, &bytes.Buffer{}, stderr); code != 2 {
		t.Fatalf("exit=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unexpected positional arguments") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}
