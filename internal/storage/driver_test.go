package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegistryOpensByScheme(t *testing.T) {
	r := NewRegistry()
	var gotURI string
	var gotOpts Options
	r.Register(Factory{
		Data: func(_ context.Context, uri string, opts Options) (DataDriver, error) {
			gotURI = uri
			gotOpts = opts
			return nil, nil
		},
	}, "postgres", "PostgreSQL")

	if _, err := r.OpenData(context.Background(), "postgresql://db/claimq", Options{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if gotURI != "postgresql://db/claimq" {
		t.Fatalf("uri=%q", gotURI)
	}
	if gotOpts.Now == nil || gotOpts.Logger == nil || gotOpts.Retry.MaxAttempts == 0 {
		t.Fatalf("options not defaulted: %+v", gotOpts)
	}

	if _, err := r.OpenControl(context.Background(), "postgres://db", Options{}); err == nil || !strings.Contains(err.Error(), "catalogue") {
		t.Fatalf("open control err=%v, want role error", err)
	}
	if _, err := r.OpenData(context.Background(), "redis://x", Options{}); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("open unknown err=%v", err)
	}
	if _, err := r.OpenData(context.Background(), "no-scheme", Options{}); err == nil {
		t.Fatalf("open without scheme succeeded")
	}
	if got := strings.Join(r.Schemes(), ","); got != "postgres,postgresql" {
		t.Fatalf("schemes=%s", got)
	}
}

func TestRegistryRejectsDuplicateScheme(t *testing.T) {
	r := NewRegistry()
	r.Register(Factory{}, "memory")
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate register did not panic")
		}
	}()
	r.Register(Factory{}, "memory")
}

func TestErrorKinds(t *testing.T) {
	conn := &ConnectionError{Backend: "sqlite", Err: errors.New("disk I/O error")}
	if !IsConnection(conn) || !errors.Is(conn, ErrConnection) {
		t.Fatalf("connection error not matched")
	}
	if errors.Unwrap(conn).Error() != "disk I/O error" {
		t.Fatalf("unwrap=%v", errors.Unwrap(conn))
	}
	if !IsPermission(ErrNotPermitted) || !IsPermission(ErrMessageIsClaimed) || IsPermission(ErrClaimDoesNotExist) {
		t.Fatalf("permission classification wrong")
	}
	if !IsNotFound(ErrQueueIsEmpty) || IsNotFound(ErrMessageConflict) {
		t.Fatalf("not-found classification wrong")
	}
}

func TestNormalizeIDs(t *testing.T) {
	id := NewID()
	upper := strings.ToUpper(id)
	got := NormalizeIDs([]string{upper, "junk", id, " " + id + " "})
	if len(got) != 1 || got[0] != id {
		t.Fatalf("normalized=%v, want [%s]", got, id)
	}
	if _, ok := NormalizeID("junk"); ok {
		t.Fatalf("junk id accepted")
	}
}
