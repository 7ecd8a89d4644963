// Package jobs binds submitted code to datasets and drives jobs through
// the lifecycle, invoking the sandboxed executor when a job runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/lifecycle"
	"github.com/animus-labs/animus-rds/internal/runtimeexec"
	"github.com/animus-labs/animus-rds/internal/service/datasets"
	"github.com/animus-labs/animus-rds/internal/service/usercode"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/google/uuid"
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, spec runtimeexec.Spec) (runtimeexec.Result, error)
	Provider() runtimeexec.IsolationProvider
}

type Config struct {
	// WorkRoot holds one work directory per job with output/ and logs/.
	WorkRoot string
	Timeout  time.Duration
	// Secrets are injected into every execution environment.
	Secrets   map[string]string
	Resources runtimeexec.Resources
	// AllowUnisolated lets a non-isolating provider touch private data.
	AllowUnisolated bool
}

type Service struct {
	jobs     store.Collection[domain.Job]
	datasets *datasets.Service
	code     *usercode.Service
	machine  *lifecycle.Machine
	executor Executor
	cfg      Config
	logger   *slog.Logger
}

func New(
	jobs store.Collection[domain.Job],
	datasetSvc *datasets.Service,
	codeSvc *usercode.Service,
	machine *lifecycle.Machine,
	executor Executor,
	cfg Config,
	logger *slog.Logger,
) (*Service, error) {
	if jobs == nil || datasetSvc == nil || codeSvc == nil || machine == nil || executor == nil {
		return nil, errors.New("jobs service dependencies are required")
	}
	if strings.TrimSpace(cfg.WorkRoot) == "" {
		return nil, errors.New("work root is required")
	}
	root, err := filepath.Abs(cfg.WorkRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve work root: %w", err)
	}
	cfg.WorkRoot = root
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:     jobs,
		datasets: datasetSvc,
		code:     codeSvc,
		machine:  machine,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

type SubmitInput struct {
	Name        string
	Description string
	DatasetRef  string
	Tags        []string
	// UserCodeID binds previously stored code. When empty, Code is stored
	// first, else the file or directory at CodePath.
	UserCodeID string
	Code       *usercode.SubmitInput
	CodePath   string
	Entrypoint string
}

// Submit creates a job in CodeReview on behalf of a requester.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, in SubmitInput) (domain.Job, error) {
	if err := actor.Validate(); err != nil {
		return domain.Job{}, err
	}
	if actor.Role != domain.RoleRequester {
		return domain.Job{}, fmt.Errorf("%w: only requesters submit jobs", domain.ErrAuthorization)
	}
	ds, err := s.datasets.Get(ctx, in.DatasetRef)
	if err != nil {
		return domain.Job{}, err
	}

	var code domain.UserCode
	switch {
	case strings.TrimSpace(in.UserCodeID) != "":
		code, err = s.code.Get(ctx, strings.TrimSpace(in.UserCodeID))
		if err != nil {
			return domain.Job{}, err
		}
		if code.Requester != actor.Subject {
			return domain.Job{}, fmt.Errorf("%w: user code %s belongs to another requester", domain.ErrAuthorization, code.ID)
		}
		bound, err := s.jobs.Query(ctx, store.Query{Filters: []store.Filter{store.Eq("user_code_id", code.ID)}, Limit: 1})
		if err != nil {
			return domain.Job{}, err
		}
		if len(bound) > 0 {
			return domain.Job{}, fmt.Errorf("%w: user code %s is already bound to job %s", domain.ErrAlreadyExists, code.ID, bound[0].ID)
		}
	case in.Code != nil:
		code, err = s.code.Submit(ctx, actor, *in.Code)
		if err != nil {
			return domain.Job{}, err
		}
	case strings.TrimSpace(in.CodePath) != "":
		code, err = s.code.SubmitPath(ctx, actor, "", in.CodePath, in.Entrypoint, "")
		if err != nil {
			return domain.Job{}, err
		}
	default:
		return domain.Job{}, fmt.Errorf("%w: user code is required", domain.ErrValidation)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = ds.Name + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	job, err := s.jobs.Create(ctx, domain.Job{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		DatasetID:   ds.ID,
		DatasetName: ds.Name,
		UserCodeID:  code.ID,
		Requester:   actor.Subject,
		Status:      domain.JobStatusCodeReview,
		Tags:        in.Tags,
	})
	if err != nil {
		return domain.Job{}, err
	}
	s.logger.Info("job submitted", "job_id", job.ID, "name", job.Name, "dataset_id", ds.ID, "user_code_id", code.ID)
	return job, nil
}

// Get resolves ref as an id first and then as a job name.
func (s *Service) Get(ctx context.Context, ref string) (domain.Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Job{}, fmt.Errorf("%w: job reference is required", domain.ErrValidation)
	}
	if domain.ValidID(ref) {
		job, err := s.jobs.Read(ctx, ref)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}
	matches, err := s.jobs.Query(ctx, store.Query{Filters: []store.Filter{store.Eq("name", ref)}, Limit: 1})
	if err != nil {
		return domain.Job{}, err
	}
	if len(matches) == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %q", domain.ErrNotFound, ref)
	}
	return matches[0], nil
}

type ListInput struct {
	Status    string
	Requester string
	OrderBy   string
	SortOrder string
	Limit     int
}

func (s *Service) GetAll(ctx context.Context, in ListInput) ([]domain.Job, error) {
	order, err := store.ParseSortOrder(in.SortOrder)
	if err != nil {
		return nil, err
	}
	q := store.Query{OrderBy: in.OrderBy, SortOrder: order, Limit: in.Limit}
	if strings.TrimSpace(in.Status) != "" {
		status := domain.NormalizeJobStatus(in.Status)
		if status == "" {
			return nil, fmt.Errorf("%w: unknown job status %q", domain.ErrValidation, in.Status)
		}
		q.Filters = append(q.Filters, store.Eq("status", string(status)))
	}
	if strings.TrimSpace(in.Requester) != "" {
		q.Filters = append(q.Filters, store.Eq("requester", strings.TrimSpace(in.Requester)))
	}
	return s.jobs.Query(ctx, q)
}

func (s *Service) Approve(ctx context.Context, actor domain.Actor, ref string) (domain.Job, error) {
	return s.transition(ctx, actor, ref, domain.JobStatusQueued, lifecycle.Options{Trigger: lifecycle.TriggerApprove})
}

func (s *Service) Reject(ctx context.Context, actor domain.Actor, ref, reason string) (domain.Job, error) {
	return s.transition(ctx, actor, ref, domain.JobStatusRejected, lifecycle.Options{Trigger: lifecycle.TriggerReject, Message: reason})
}

// RejectOutput fails a job whose results are pending review.
func (s *Service) RejectOutput(ctx context.Context, actor domain.Actor, ref, reason string) (domain.Job, error) {
	return s.transition(ctx, actor, ref, domain.JobStatusFailed, lifecycle.Options{Trigger: lifecycle.TriggerRejectOutput, Message: reason})
}

// Retry requeues a failed job, bounded by the machine's retry cap.
func (s *Service) Retry(ctx context.Context, actor domain.Actor, ref string) (domain.Job, error) {
	return s.transition(ctx, actor, ref, domain.JobStatusQueued, lifecycle.Options{Trigger: lifecycle.TriggerRetry})
}

// Close marks a failed job as final.
func (s *Service) Close(ctx context.Context, actor domain.Actor, ref string) (domain.Job, error) {
	return s.transition(ctx, actor, ref, domain.JobStatusFailed, lifecycle.Options{Trigger: lifecycle.TriggerClose})
}

func (s *Service) transition(ctx context.Context, actor domain.Actor, ref string, to domain.JobStatus, opts lifecycle.Options) (domain.Job, error) {
	job, err := s.Get(ctx, ref)
	if err != nil {
		return domain.Job{}, err
	}
	return s.machine.Transition(ctx, actor, job.ID, to, opts)
}

type RunOptions struct {
	// Mock is refused; mock executions go through RunMock and never touch
	// the job lifecycle.
	Mock bool
}

// Run moves a Queued job to Running, executes it against private data and
// records the outcome. It blocks for the duration of the execution. An
// execution failure is not an error: the returned job is Failed with the
// diagnostic attached.
//
// Once the job is Running only the execution timeout ends the sandboxed
// process; cancelling ctx does not.
func (s *Service) Run(ctx context.Context, actor domain.Actor, ref string, opts RunOptions) (domain.Job, error) {
	if opts.Mock {
		return domain.Job{}, fmt.Errorf("%w: mock executions use RunMock and do not change job status", domain.ErrValidation)
	}
	job, err := s.Get(ctx, ref)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobStatusQueued {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, not Queued", domain.ErrInvalidTransition, job.ID, job.Status)
	}
	ds, code, err := s.inputs(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	provider := s.executor.Provider()
	if !provider.Isolated() && !s.cfg.AllowUnisolated {
		return domain.Job{}, fmt.Errorf("%w: provider %q does not isolate private data runs", domain.ErrValidation, provider.Kind())
	}
	if err := s.code.Verify(ctx, code.ID); err != nil {
		return domain.Job{}, err
	}

	running, err := s.machine.Transition(ctx, actor, job.ID, domain.JobStatusRunning, lifecycle.Options{Trigger: lifecycle.TriggerStart})
	if err != nil {
		return domain.Job{}, err
	}

	// The run and its recorded outcome must not depend on the caller
	// staying connected.
	runCtx := context.WithoutCancel(ctx)
	spec := s.spec(running, ds, code, ds.PrivatePath, filepath.Join(s.cfg.WorkRoot, running.ID))
	res, execErr := s.executor.Execute(runCtx, spec)
	if execErr == nil {
		return s.machine.Transition(runCtx, domain.System, running.ID, domain.JobStatusPendingOutputReview, lifecycle.Options{Trigger: lifecycle.TriggerSucceed, OutputPath: spec.WorkDir})
	}

	reason := failureFrom(execErr, res)
	s.logger.Warn("job execution failed", "job_id", running.ID, "kind", string(reason.Kind), "error", execErr)
	return s.machine.Transition(runCtx, domain.System, running.ID, domain.JobStatusFailed, lifecycle.Options{Trigger: lifecycle.TriggerFail, Failure: reason, OutputPath: spec.WorkDir})
}

// MockRun is the outcome of executing a job's code against mock data.
type MockRun struct {
	Job     domain.Job
	WorkDir string
	Result  runtimeexec.Result
	// Failure is set when the execution did not exit cleanly.
	Failure *domain.FailureReason
}

// RunMock executes the job's code against the dataset's mock data in a
// work directory of its own. The job record is not modified. The data owner
// and the requester who submitted the job may run it in any status.
func (s *Service) RunMock(ctx context.Context, actor domain.Actor, ref string) (MockRun, error) {
	if err := actor.Validate(); err != nil {
		return MockRun{}, err
	}
	job, err := s.Get(ctx, ref)
	if err != nil {
		return MockRun{}, err
	}
	if !actor.IsOwner() && (actor.Role != domain.RoleRequester || actor.Subject != job.Requester) {
		return MockRun{}, fmt.Errorf("%w: %s cannot run job %s against mock data", domain.ErrAuthorization, actor, job.ID)
	}
	ds, code, err := s.inputs(ctx, job)
	if err != nil {
		return MockRun{}, err
	}
	if err := s.code.Verify(ctx, code.ID); err != nil {
		return MockRun{}, err
	}

	runID := strings.SplitN(uuid.NewString(), "-", 2)[0]
	spec := s.spec(job, ds, code, ds.MockPath, filepath.Join(s.cfg.WorkRoot, "mock", job.ID, runID))
	spec.JobID = job.ID + "-mock-" + runID

	res, execErr := s.executor.Execute(ctx, spec)
	out := MockRun{Job: job, WorkDir: spec.WorkDir, Result: res}
	if execErr != nil {
		out.Failure = failureFrom(execErr, res)
		s.logger.Info("mock execution failed", "job_id", job.ID, "run_id", runID, "kind", string(out.Failure.Kind), "error", execErr)
		return out, nil
	}
	s.logger.Info("mock execution finished", "job_id", job.ID, "run_id", runID, "actor", actor.String())
	return out, nil
}

func (s *Service) inputs(ctx context.Context, job domain.Job) (domain.Dataset, domain.UserCode, error) {
	ds, err := s.datasets.Get(ctx, job.DatasetID)
	if err != nil {
		return domain.Dataset{}, domain.UserCode{}, fmt.Errorf("dataset for job %s: %w", job.ID, err)
	}
	code, err := s.code.Get(ctx, job.UserCodeID)
	if err != nil {
		return domain.Dataset{}, domain.UserCode{}, fmt.Errorf("user code for job %s: %w", job.ID, err)
	}
	return ds, code, nil
}

func (s *Service) spec(job domain.Job, ds domain.Dataset, code domain.UserCode, dataPath, workDir string) runtimeexec.Spec {
	spec := runtimeexec.Spec{
		JobID:      job.ID,
		CodeDir:    code.Dir,
		Entrypoint: code.Entrypoint,
		DataPath:   dataPath,
		WorkDir:    workDir,
		Env:        s.cfg.Secrets,
		Timeout:    s.cfg.Timeout,
		Resources:  s.cfg.Resources,
	}
	if ds.Runtime != nil {
		spec.Command = ds.Runtime.Command
		spec.MountDir = ds.Runtime.MountDir
		spec.Image = ds.Runtime.Image
	}
	return spec
}

func failureFrom(err error, res runtimeexec.Result) *domain.FailureReason {
	kind := domain.FailureExecutionFailure
	if errors.Is(err, domain.ErrExecutionTimeout) {
		kind = domain.FailureExecutionTimeout
	}
	reason := &domain.FailureReason{Kind: kind, Message: err.Error()}
	if !res.TimedOut {
		code := res.ExitCode
		reason.ExitCode = &code
	}
	return reason
}
