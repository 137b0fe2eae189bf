//go:build !windows

package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// pidRunning probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func pidRunning(pid int) bool {
	if pid <= 0 || isZombiePID(pid) {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isZombiePID reads the process state from procfs; it reports false where
// procfs is unavailable.
func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) >= 3 && fields[2] == "Z"
}
