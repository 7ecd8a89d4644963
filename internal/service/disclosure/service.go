// Package disclosure gates the requester's access to execution results.
//
// The owner reviews raw results and decides to share them; the requester can
// fetch results only after the job reached OutputShared, and then receives
// exactly the bytes the owner reviewed.
package disclosure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/lifecycle"
	"github.com/animus-labs/animus-rds/internal/platform/auditlog"
	"github.com/animus-labs/animus-rds/internal/platform/requestid"
)

// JobResolver looks a job up by id or name.
type JobResolver interface {
	Get(ctx context.Context, ref string) (domain.Job, error)
}

type Service struct {
	jobs      JobResolver
	machine   *lifecycle.Machine
	publisher Publisher
	audit     auditlog.Recorder
	logger    *slog.Logger
}

func New(jobs JobResolver, machine *lifecycle.Machine, publisher Publisher, audit auditlog.Recorder, logger *slog.Logger) (*Service, error) {
	if jobs == nil || machine == nil || publisher == nil {
		return nil, errors.New("disclosure dependencies are required")
	}
	if audit == nil {
		audit = auditlog.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, machine: machine, publisher: publisher, audit: audit, logger: logger}, nil
}

// ReviewResults returns the raw results to the owner without changing who
// can see them.
func (s *Service) ReviewResults(ctx context.Context, actor domain.Actor, ref string) (Results, error) {
	if !actor.IsOwner() {
		return Results{}, fmt.Errorf("%w: only the data owner reviews results", domain.ErrAuthorization)
	}
	job, err := s.jobs.Get(ctx, ref)
	if err != nil {
		return Results{}, err
	}
	switch job.Status {
	case domain.JobStatusPendingOutputReview, domain.JobStatusFailed:
	default:
		return Results{}, fmt.Errorf("%w: job %s has no results under review (status %s)", domain.ErrDisclosure, job.ID, job.Status)
	}
	if job.OutputPath == "" {
		return Results{}, fmt.Errorf("%w: job %s never produced results", domain.ErrNotFound, job.ID)
	}
	res, err := Collect(job.ID, job.OutputPath)
	if err != nil {
		return Results{}, err
	}
	s.record(ctx, actor, "job.results_reviewed", job, len(res.Outputs))
	return res, nil
}

// ShareResults publishes the reviewed results and moves the job to
// OutputShared. Sharing an already shared job is a no-op.
func (s *Service) ShareResults(ctx context.Context, actor domain.Actor, ref string) (domain.Job, error) {
	if !actor.IsOwner() {
		return domain.Job{}, fmt.Errorf("%w: only the data owner shares results", domain.ErrAuthorization)
	}
	job, err := s.jobs.Get(ctx, ref)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobStatusOutputShared {
		return job, nil
	}
	if job.Status != domain.JobStatusPendingOutputReview {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, results can only be shared from PendingOutputReview", domain.ErrInvalidTransition, job.ID, job.Status)
	}
	res, err := Collect(job.ID, job.OutputPath)
	if err != nil {
		return domain.Job{}, err
	}
	location, err := s.publisher.Publish(ctx, res)
	if err != nil {
		return domain.Job{}, err
	}
	shared, err := s.machine.Transition(ctx, actor, job.ID, domain.JobStatusOutputShared, lifecycle.Options{Trigger: lifecycle.TriggerShare, SharedPath: location})
	if err != nil {
		return domain.Job{}, err
	}
	s.logger.Info("results shared", "job_id", shared.ID, "location", location, "outputs", len(res.Outputs))
	return shared, nil
}

// GetResults returns shared results to the requester who submitted the job.
func (s *Service) GetResults(ctx context.Context, actor domain.Actor, ref string) (Results, error) {
	if err := actor.Validate(); err != nil {
		return Results{}, err
	}
	job, err := s.jobs.Get(ctx, ref)
	if err != nil {
		return Results{}, err
	}
	if actor.Role != domain.RoleRequester || actor.Subject != job.Requester {
		return Results{}, fmt.Errorf("%w: results of job %s belong to its requester", domain.ErrAuthorization, job.ID)
	}
	if job.Status != domain.JobStatusOutputShared {
		s.record(ctx, actor, "job.results_denied", job, 0)
		return Results{}, fmt.Errorf("%w: results of job %s have not been shared (status %s)", domain.ErrDisclosure, job.ID, job.Status)
	}
	res, err := s.publisher.Fetch(ctx, job.ID, job.SharedPath)
	if err != nil {
		return Results{}, err
	}
	s.record(ctx, actor, "job.results_fetched", job, len(res.Outputs))
	return res, nil
}

func (s *Service) record(ctx context.Context, actor domain.Actor, action string, job domain.Job, outputs int) {
	reqID, _ := requestid.FromContext(ctx)
	err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor.String(),
		Action:       action,
		ResourceType: "job",
		ResourceID:   job.ID,
		RequestID:    reqID,
		Payload: map[string]any{
			"status":  string(job.Status),
			"outputs": outputs,
		},
	})
	if err != nil {
		s.logger.Error("audit record failed", "job_id", job.ID, "action", action, "error", err)
	}
}
