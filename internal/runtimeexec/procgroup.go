package runtimeexec

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// signalGroup sends SIGTERM to the process group led by pid and escalates to
// SIGKILL once grace has elapsed.
func signalGroup(pid int, grace time.Duration) error {
	pgid := -pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		return unix.Kill(pgid, unix.SIGKILL)
	}
	go func() {
		time.Sleep(grace)
		// ESRCH from a group that already exited is fine.
		_ = unix.Kill(pgid, unix.SIGKILL)
	}()
	return nil
}

// waitGroupGone polls until no live process remains in the group or the
// deadline passes.
func waitGroupGone(pgid int, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for {
		if !groupAlive(pgid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// groupAlive ignores zombies; they hold no resources and are reaped by init.
func groupAlive(pgid int) bool {
	if err := unix.Kill(-pgid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		state, group, ok := procStat(filepath.Join("/proc", entry.Name(), "stat"))
		if ok && group == pgid && state != "Z" && state != "X" {
			return true
		}
	}
	return false
}

// procStat parses state and process group from /proc/<pid>/stat.
func procStat(p string) (string, int, bool) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", 0, false
	}
	s := string(data)
	// comm may contain spaces and parens; fields resume after the last ')'.
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 > len(s) {
		return "", 0, false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 3 {
		return "", 0, false
	}
	group, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, false
	}
	return fields[0], group, true
}
