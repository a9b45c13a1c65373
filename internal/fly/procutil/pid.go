// Package procutil runs shell commands in their own process group and
// inspects recorded PIDs of earlier runs.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func procFS() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether pid names a live, non-zombie process. EPERM from
// the signal check still means the process exists.
func PIDAlive(pid int) bool {
	if pid <= 0 || PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDZombie reports whether pid is in the Z or X state.
func PIDZombie(pid int) bool {
	state := processState(pid)
	return state == 'Z' || state == 'X'
}

func processState(pid int) byte {
	if !procFS() {
		out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
		if err != nil {
			return 0
		}
		s := strings.TrimSpace(string(out))
		if s == "" {
			return 0
		}
		return s[0]
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0
	}
	// The command name is parenthesised and may itself contain ')'.
	line := string(b)
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 >= len(line) {
		return 0
	}
	return line[i+2]
}
