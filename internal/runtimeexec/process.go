package runtimeexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// ProcessProvider runs the entrypoint as a plain child process with a
// scrubbed environment. It offers no filesystem or network isolation.
type ProcessProvider struct {
	path string
}

func NewProcessProvider() *ProcessProvider {
	p := os.Getenv("PATH")
	if p == "" {
		p = "/usr/local/bin:/usr/bin:/bin"
	}
	return &ProcessProvider{path: p}
}

func (p *ProcessProvider) Kind() string { return "process" }

func (p *ProcessProvider) Isolated() bool { return false }

func (p *ProcessProvider) Command(ctx context.Context, inv Invocation) (*exec.Cmd, error) {
	layout := Layout{
		CodeDir:   inv.Spec.CodeDir,
		DataPath:  inv.Spec.DataPath,
		OutputDir: inv.OutputDir,
		WorkDir:   inv.Spec.WorkDir,
	}
	argv := commandFor(inv.Spec, layout.CodeDir)
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = layout.CodeDir
	cmd.Env = append([]string{
		"PATH=" + p.path,
		"HOME=" + layout.WorkDir,
		"LANG=C.UTF-8",
	}, jobEnv(inv.Spec, layout, inv.DataIsDir())...)
	return cmd, nil
}
