package runtimeexec

import (
	"context"
	"os/exec"
	"time"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultGracePeriod = 2 * time.Second

	outputDirName = "output"
	logsDirName   = "logs"
	stdoutLogName = "stdout.log"
	stderrLogName = "stderr.log"
)

// Resources bounds one sandboxed process. Zero values fall back to the
// executor defaults.
type Resources struct {
	Memory    string `yaml:"memory"`
	CPUs      string `yaml:"cpus"`
	PidsLimit int    `yaml:"pids_limit"`
}

func DefaultResources() Resources {
	return Resources{Memory: "1G", CPUs: "1", PidsLimit: 100}
}

func (r Resources) withDefaults(def Resources) Resources {
	if r.Memory == "" {
		r.Memory = def.Memory
	}
	if r.CPUs == "" {
		r.CPUs = def.CPUs
	}
	if r.PidsLimit <= 0 {
		r.PidsLimit = def.PidsLimit
	}
	return r
}

// Spec describes one execution. Host paths are absolute.
type Spec struct {
	JobID      string
	CodeDir    string
	Entrypoint string
	DataPath   string
	WorkDir    string
	Command    []string
	Image      string
	MountDir   string
	Env        map[string]string
	Timeout    time.Duration
	Resources  Resources
}

// Layout is where a provider exposes the job directories to the process.
type Layout struct {
	CodeDir   string
	DataPath  string
	OutputDir string
	WorkDir   string
}

// Invocation is what a provider needs to build its command.
type Invocation struct {
	Name      string
	Spec      Spec
	OutputDir string
	dataIsDir bool
}

// DataIsDir reports whether the dataset path is a directory.
func (inv Invocation) DataIsDir() bool { return inv.dataIsDir }

// IsolationProvider turns an Invocation into a command confined to the job
// directories.
type IsolationProvider interface {
	Kind() string
	// Isolated is false when the process shares the host's view of the
	// filesystem and network.
	Isolated() bool
	Command(ctx context.Context, inv Invocation) (*exec.Cmd, error)
}

// Terminator is implemented by providers whose sandbox outlives the local
// process group, such as a container managed by a daemon.
type Terminator interface {
	Terminate(inv Invocation) error
}

// StartHook runs right after the process started.
type StartHook interface {
	AfterStart(cmd *exec.Cmd, inv Invocation) error
}

// Result is the outcome of one execution, successful or not.
type Result struct {
	ExitCode   int
	OutputDir  string
	LogsDir    string
	StdoutPath string
	StderrPath string
	Duration   time.Duration
	TimedOut   bool
}
