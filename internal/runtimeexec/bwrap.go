package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	sandboxCodeDir   = "/sandbox/code"
	sandboxDataDir   = "/sandbox/data"
	sandboxOutputDir = "/sandbox/output"
	nobodyID         = "65534"
)

// Host directories exposed read-only so interpreters resolve inside the
// sandbox. Missing ones are skipped.
var bwrapSystemDirs = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc/alternatives", "/etc/ssl", "/opt"}

// BwrapProvider confines the process with bubblewrap namespaces.
type BwrapProvider struct {
	bwrapBin string
	path     string
}

func NewBwrapProvider(bwrapBin string) (*BwrapProvider, error) {
	bwrapBin = strings.TrimSpace(bwrapBin)
	if bwrapBin == "" {
		found, err := bwrapPath()
		if err != nil {
			return nil, err
		}
		bwrapBin = found
	}
	if _, err := exec.LookPath(bwrapBin); err != nil {
		return nil, fmt.Errorf("bwrap binary not found: %w", err)
	}
	return &BwrapProvider{bwrapBin: bwrapBin, path: "/usr/local/bin:/usr/bin:/bin"}, nil
}

func bwrapPath() (string, error) {
	for _, p := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("bwrap not found in standard locations")
}

func (p *BwrapProvider) Kind() string { return "bwrap" }

func (p *BwrapProvider) Isolated() bool { return true }

func (p *BwrapProvider) Command(ctx context.Context, inv Invocation) (*exec.Cmd, error) {
	args := p.buildArgs(inv, existingDirs(bwrapSystemDirs))
	return exec.CommandContext(ctx, p.bwrapBin, args...), nil
}

func (p *BwrapProvider) buildArgs(inv Invocation, systemDirs []string) []string {
	spec := inv.Spec
	dataTarget := sandboxDataDir
	if strings.TrimSpace(spec.MountDir) != "" {
		dataTarget = spec.MountDir
	}
	if !inv.DataIsDir() {
		dataTarget = path.Join(dataTarget, path.Base(spec.DataPath))
	}
	layout := Layout{
		CodeDir:   sandboxCodeDir,
		DataPath:  dataTarget,
		OutputDir: sandboxOutputDir,
		WorkDir:   "/tmp",
	}

	// --new-session moves the sandboxed process out of bwrap's process
	// group, so the group the executor signals and waits on holds bwrap
	// alone. The sandbox still ends with it: --die-with-parent delivers
	// SIGKILL to the pid namespace init when bwrap exits, and the kernel
	// kills every process left in that namespace once its init is gone.
	// Both flags must stay together.
	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--uid", nobodyID,
		"--gid", nobodyID,
		"--cap-drop", "ALL",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}
	for _, dir := range systemDirs {
		args = append(args, "--ro-bind", dir, dir)
	}
	args = append(args,
		"--ro-bind", spec.CodeDir, sandboxCodeDir,
		"--ro-bind", spec.DataPath, dataTarget,
		"--bind", inv.OutputDir, sandboxOutputDir,
		"--chdir", sandboxCodeDir,
		"--setenv", "PATH", p.path,
		"--setenv", "HOME", "/tmp",
	)
	for _, kv := range jobEnv(spec, layout, inv.DataIsDir()) {
		key, value, _ := strings.Cut(kv, "=")
		args = append(args, "--setenv", key, value)
	}
	args = append(args, "--")
	return append(args, commandFor(spec, sandboxCodeDir)...)
}

// AfterStart caps the address space; bubblewrap has no resource controls of
// its own and limits are inherited by everything the sandbox spawns.
func (p *BwrapProvider) AfterStart(cmd *exec.Cmd, inv Invocation) error {
	limit, err := parseMemory(inv.Spec.Resources.Memory)
	if err != nil || limit == 0 {
		return err
	}
	rl := &unix.Rlimit{Cur: limit, Max: limit}
	return unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_AS, rl, nil)
}

func existingDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			out = append(out, d)
		}
	}
	return out
}

// parseMemory accepts docker-style sizes such as 512m or 1G.
func parseMemory(v string) (uint64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return 0, nil
	}
	mult := uint64(1)
	switch v[len(v)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		v = v[:len(v)-1]
	} else if strings.HasSuffix(v, "b") {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", v, err)
	}
	return n * mult, nil
}
