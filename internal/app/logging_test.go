package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for trace")
	}
}

func TestNewConfiguredLogger_FileSinkAndFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimq.log")
	cfg := mustConfig(t, map[string]string{
		"CLAIMQ_STORAGE_URI": "memory://",
		"CLAIMQ_LOG_LEVEL":   "error",
		"CLAIMQ_LOG_OUTPUT":  "file",
		"CLAIMQ_LOG_PATH":    path,
	})

	logger, closer, err := newConfiguredLogger(cfg, "debug")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Debug("sink_check")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	if rec["msg"] != "sink_check" || rec["version"] != version {
		t.Fatalf("record=%v", rec)
	}
}

func TestOpenLogSink_Invalid(t *testing.T) {
	if _, _, err := openLogSink("syslog", ""); err == nil {
		t.Fatalf("expected error for syslog")
	}
	if _, _, err := openLogSink("file", " "); err == nil {
		t.Fatalf("expected error for file without path")
	}
}

func TestWithAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := withAccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v2/queues/orders/stats", nil)
	req.Header.Set("X-Project-ID", "p1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "http_request" || rec["level"] != "WARN" {
		t.Fatalf("record=%v", rec)
	}
	if rec["project"] != "p1" || rec["status"] != float64(503) || rec["bytes"] != float64(4) {
		t.Fatalf("record=%v", rec)
	}
	if !strings.HasPrefix(rec["path"].(string), "/v2/queues/") {
		t.Fatalf("path=%v", rec["path"])
	}
}
