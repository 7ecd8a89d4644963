package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	containerCodeDir   = "/app/code"
	containerDataDir   = "/app/data"
	containerOutputDir = "/app/output"
	nobodyUser         = "65534:65534"
)

// DockerProvider runs each job in a throwaway container with no network,
// no capabilities and read-only mounts for code and data.
type DockerProvider struct {
	dockerBin    string
	defaultImage string
}

func NewDockerProvider(dockerBin, defaultImage string) (*DockerProvider, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerProvider{dockerBin: dockerBin, defaultImage: strings.TrimSpace(defaultImage)}, nil
}

func (p *DockerProvider) Kind() string { return "docker" }

func (p *DockerProvider) Isolated() bool { return true }

func (p *DockerProvider) Command(ctx context.Context, inv Invocation) (*exec.Cmd, error) {
	args, err := p.runArgs(inv)
	if err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, p.dockerBin, args...), nil
}

func (p *DockerProvider) runArgs(inv Invocation) ([]string, error) {
	spec := inv.Spec
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		image = p.defaultImage
	}
	if image == "" {
		return nil, errors.New("image ref is required")
	}

	dataMount := strings.TrimSpace(spec.MountDir)
	if dataMount == "" {
		dataMount = containerDataDir
	}
	dataTarget := dataMount
	if !inv.DataIsDir() {
		dataTarget = path.Join(dataMount, path.Base(spec.DataPath))
	}
	layout := Layout{
		CodeDir:   containerCodeDir,
		DataPath:  dataTarget,
		OutputDir: containerOutputDir,
		WorkDir:   "/tmp",
	}

	res := spec.Resources
	args := []string{
		"run",
		"--rm",
		"--name", inv.Name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", nobodyUser,
		"--read-only",
		"--tmpfs", "/tmp:size=16m,noexec,nosuid,nodev",
		"--ulimit", "nproc=4096:8192",
		"--ulimit", "nofile=50:100",
		"--ulimit", "fsize=10000000:20000000",
		"--pids-limit", strconv.Itoa(res.PidsLimit),
		"--workdir", containerCodeDir,
		"-v", spec.CodeDir + ":" + containerCodeDir + ":ro",
		"-v", spec.DataPath + ":" + dataTarget + ":ro",
		"-v", inv.OutputDir + ":" + containerOutputDir + ":rw",
		"-e", "HOME=/tmp",
	}
	if mem := strings.TrimSpace(res.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}
	if cpu := strings.TrimSpace(res.CPUs); cpu != "" {
		if parsed, err := strconv.ParseFloat(cpu, 64); err == nil && parsed > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", parsed))
		}
	}
	for _, kv := range jobEnv(spec, layout, inv.DataIsDir()) {
		args = append(args, "-e", kv)
	}
	args = append(args, image)
	return append(args, commandFor(spec, containerCodeDir)...), nil
}

// Terminate kills the container; signalling the docker CLI alone leaves it
// running under the daemon.
func (p *DockerProvider) Terminate(inv Invocation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.dockerBin, "kill", inv.Name).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") || strings.Contains(text, "is not running") {
			return nil
		}
		return fmt.Errorf("docker kill failed: %w: %s", err, text)
	}
	return nil
}
