package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"golang.org/x/sys/unix"
)

// Executor runs submitted code inside the configured isolation provider and
// blocks until the process exits or the timeout kills it.
type Executor struct {
	provider  IsolationProvider
	logger    *slog.Logger
	grace     time.Duration
	timeout   time.Duration
	resources Resources
}

type Option func(*Executor)

func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithDefaultResources(r Resources) Option {
	return func(e *Executor) {
		e.resources = r.withDefaults(DefaultResources())
	}
}

func New(provider IsolationProvider, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if provider == nil {
		return nil, errors.New("isolation provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		provider:  provider,
		logger:    logger,
		grace:     DefaultGracePeriod,
		timeout:   DefaultTimeout,
		resources: DefaultResources(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Provider() IsolationProvider { return e.provider }

// Execute prepares a fresh output directory under spec.WorkDir, runs the
// entrypoint and reports the outcome. Errors wrap domain.ErrExecutionTimeout
// or domain.ErrExecutionFailure; the Result is filled in either way.
func (e *Executor) Execute(ctx context.Context, spec Spec) (Result, error) {
	if e == nil || e.provider == nil {
		return Result{ExitCode: -1}, errors.New("executor not initialized")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = e.timeout
	}
	spec.Resources = spec.Resources.withDefaults(e.resources)

	inv, res, err := e.prepare(spec)
	if err != nil {
		return res, fmt.Errorf("%w: prepare: %w", domain.ErrExecutionFailure, err)
	}

	stdout, err := os.Create(res.StdoutPath)
	if err != nil {
		return res, fmt.Errorf("%w: open stdout log: %w", domain.ErrExecutionFailure, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrPath)
	if err != nil {
		return res, fmt.Errorf("%w: open stderr log: %w", domain.ErrExecutionFailure, err)
	}
	defer stderr.Close()

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd, err := e.provider.Command(runCtx, inv)
	if err != nil {
		return res, fmt.Errorf("%w: build %s command: %w", domain.ErrExecutionFailure, e.provider.Kind(), err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if term, ok := e.provider.(Terminator); ok {
			if err := term.Terminate(inv); err != nil {
				e.logger.Warn("sandbox terminate failed", "job_id", spec.JobID, "provider", e.provider.Kind(), "error", err)
			}
		}
		return signalGroup(cmd.Process.Pid, e.grace)
	}
	cmd.WaitDelay = e.grace + time.Second

	log := e.logger.With("job_id", spec.JobID, "provider", e.provider.Kind())
	started := time.Now()
	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%w: start: %w", domain.ErrExecutionFailure, err)
	}
	pgid := cmd.Process.Pid
	log.Info("execution started", "pid", pgid, "timeout", spec.Timeout.String())

	if hook, ok := e.provider.(StartHook); ok {
		if err := hook.AfterStart(cmd, inv); err != nil {
			_ = unix.Kill(-pgid, unix.SIGKILL)
			_ = cmd.Wait()
			res.ExitCode = -1
			return res, fmt.Errorf("%w: %s start hook: %w", domain.ErrExecutionFailure, e.provider.Kind(), err)
		}
	}

	waitErr := cmd.Wait()
	res.Duration = time.Since(started)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		if !waitGroupGone(pgid, e.grace) {
			_ = unix.Kill(-pgid, unix.SIGKILL)
			if !waitGroupGone(pgid, e.grace) {
				log.Error("process group survived kill", "pgid", pgid)
			}
		}
		log.Warn("execution timed out", "duration", res.Duration.String())
		return res, fmt.Errorf("%w: job %s exceeded %s", domain.ErrExecutionTimeout, spec.JobID, spec.Timeout)
	}
	// Reap stragglers left behind by a successful leader.
	_ = unix.Kill(-pgid, unix.SIGKILL)

	if waitErr != nil {
		res.ExitCode = -1
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: job %s cancelled: %w", domain.ErrExecutionFailure, spec.JobID, ctx.Err())
		}
		msg := tailFile(res.StderrPath, 2048)
		log.Warn("execution failed", "exit_code", res.ExitCode, "duration", res.Duration.String())
		if msg == "" {
			return res, fmt.Errorf("%w: job %s exited with code %d", domain.ErrExecutionFailure, spec.JobID, res.ExitCode)
		}
		return res, fmt.Errorf("%w: job %s exited with code %d: %s", domain.ErrExecutionFailure, spec.JobID, res.ExitCode, msg)
	}

	res.ExitCode = 0
	log.Info("execution finished", "duration", res.Duration.String())
	return res, nil
}

func (e *Executor) prepare(spec Spec) (Invocation, Result, error) {
	res := Result{ExitCode: -1}
	if !domain.ValidID(spec.JobID) {
		return Invocation{}, res, fmt.Errorf("invalid job id %q", spec.JobID)
	}
	if err := domain.ValidateEntrypoint(spec.Entrypoint); err != nil {
		return Invocation{}, res, err
	}
	for name, p := range map[string]string{"code dir": spec.CodeDir, "data path": spec.DataPath, "work dir": spec.WorkDir} {
		if strings.TrimSpace(p) == "" || !filepath.IsAbs(p) {
			return Invocation{}, res, fmt.Errorf("%s must be an absolute path", name)
		}
	}
	if info, err := os.Stat(filepath.Join(spec.CodeDir, filepath.FromSlash(spec.Entrypoint))); err != nil {
		return Invocation{}, res, fmt.Errorf("entrypoint: %w", err)
	} else if info.IsDir() {
		return Invocation{}, res, fmt.Errorf("entrypoint %q is a directory", spec.Entrypoint)
	}
	dataInfo, err := os.Stat(spec.DataPath)
	if err != nil {
		return Invocation{}, res, fmt.Errorf("data path: %w", err)
	}

	outputDir := filepath.Join(spec.WorkDir, outputDirName)
	logsDir := filepath.Join(spec.WorkDir, logsDirName)
	if err := os.RemoveAll(outputDir); err != nil {
		return Invocation{}, res, fmt.Errorf("reset output dir: %w", err)
	}
	if err := os.RemoveAll(logsDir); err != nil {
		return Invocation{}, res, fmt.Errorf("reset logs dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return Invocation{}, res, fmt.Errorf("create output dir: %w", err)
	}
	// The sandbox user is unprivileged and must be able to write here.
	if err := os.Chmod(outputDir, 0o777); err != nil {
		return Invocation{}, res, fmt.Errorf("chmod output dir: %w", err)
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return Invocation{}, res, fmt.Errorf("create logs dir: %w", err)
	}

	res.OutputDir = outputDir
	res.LogsDir = logsDir
	res.StdoutPath = filepath.Join(logsDir, stdoutLogName)
	res.StderrPath = filepath.Join(logsDir, stderrLogName)
	return Invocation{
		Name:      "rds-job-" + spec.JobID,
		Spec:      spec,
		OutputDir: outputDir,
		dataIsDir: dataInfo.IsDir(),
	}, res, nil
}
