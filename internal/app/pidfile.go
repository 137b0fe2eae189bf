package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// claimPIDFile creates pidFile exclusively and writes the current pid to it.
// A file left behind by a dead process is replaced; one owned by a live
// process is an error. The returned func removes the file if it still holds
// our pid.
func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			if owner, rerr := readPIDFile(pidFile); rerr == nil && pidRunning(owner) {
				return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, owner)
			}
			if err := os.Remove(pidFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("remove stale pid file: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		_, werr := fmt.Fprintf(f, "%d\n", pid)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(pidFile)
			return nil, werr
		}
		return func() {
			if cur, err := readPIDFile(pidFile); err == nil && cur == pid {
				_ = os.Remove(pidFile)
			}
		}, nil
	}
	return nil, fmt.Errorf("pid file %q is being claimed by another process", pidFile)
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}
