package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/platform/auditlog"
	"github.com/animus-labs/animus-rds/internal/platform/requestid"
	"github.com/animus-labs/animus-rds/internal/store"
)

const DefaultMaxRetries = 3

// Options carries the data some transitions attach to the job.
type Options struct {
	// Trigger is the operation the caller intends. When set, an edge that
	// belongs to another trigger is rejected instead of applied.
	Trigger Trigger
	// Failure is required when a running job fails.
	Failure *domain.FailureReason
	// Message explains a rejection.
	Message string
	// OutputPath is the job work directory holding output/ and logs/.
	OutputPath string
	SharedPath string
}

// Machine applies transitions to stored jobs. Each transition is one
// compare-and-swap Update; a lost race is reloaded and re-checked once.
type Machine struct {
	jobs       store.Collection[domain.Job]
	audit      auditlog.Recorder
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

type Option func(*Machine)

func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

func WithAudit(r auditlog.Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.audit = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(jobs store.Collection[domain.Job], opts ...Option) (*Machine, error) {
	if jobs == nil {
		return nil, errors.New("job collection is required")
	}
	m := &Machine{
		jobs:       jobs,
		audit:      auditlog.Discard{},
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Machine) MaxRetries() int { return m.maxRetries }

// Transition moves job id to status to on behalf of actor. On failure the
// stored job is unchanged.
func (m *Machine) Transition(ctx context.Context, actor domain.Actor, id string, to domain.JobStatus, opts Options) (domain.Job, error) {
	if m == nil || m.jobs == nil {
		return domain.Job{}, errors.New("lifecycle machine not initialized")
	}
	if err := actor.Validate(); err != nil {
		return domain.Job{}, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := m.jobs.Read(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		trigger, next, err := m.apply(actor, current, to, opts)
		if err != nil {
			return domain.Job{}, err
		}
		updated, err := m.jobs.Update(ctx, id, next, current.Version)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lastErr = err
				m.logger.Info("job transition lost race, retrying", "job_id", id, "to", string(to), "attempt", attempt+1)
				continue
			}
			return domain.Job{}, err
		}
		m.record(ctx, actor, trigger, current, updated)
		return updated, nil
	}
	return domain.Job{}, lastErr
}

// apply checks the edge, the actor and the guard, and returns the job as it
// should be stored after the transition.
func (m *Machine) apply(actor domain.Actor, job domain.Job, to domain.JobStatus, opts Options) (Trigger, domain.Job, error) {
	from := job.Status
	if job.Terminal() {
		return "", domain.Job{}, fmt.Errorf("%w: job %s is terminal in %s", domain.ErrInvalidTransition, job.ID, describe(job))
	}
	trigger, role, ok := Lookup(from, to)
	if !ok {
		return "", domain.Job{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if opts.Trigger != "" && opts.Trigger != trigger {
		return "", domain.Job{}, fmt.Errorf("%w: cannot %s job %s in %s", domain.ErrInvalidTransition, opts.Trigger, job.ID, from)
	}
	if actor.Role != role {
		return "", domain.Job{}, fmt.Errorf("%w: %s cannot %s job %s", domain.ErrAuthorization, actor, trigger, job.ID)
	}

	next := job
	next.Status = to
	switch trigger {
	case TriggerApprove:
	case TriggerReject:
		next.Failure = &domain.FailureReason{Kind: domain.FailureCodeRejected, Message: messageOr(opts.Message, "code rejected by data owner")}
	case TriggerStart:
		next.Failure = nil
		next.OutputPath = ""
	case TriggerFail:
		if opts.Failure == nil {
			return "", domain.Job{}, fmt.Errorf("%w: failure reason is required", domain.ErrValidation)
		}
		next.Failure = opts.Failure.Clone()
		next.OutputPath = opts.OutputPath
	case TriggerSucceed:
		next.Failure = nil
		next.OutputPath = opts.OutputPath
	case TriggerRetry:
		if job.RetryCount >= m.maxRetries {
			return "", domain.Job{}, fmt.Errorf("%w: job %s exhausted %d retries", domain.ErrInvalidTransition, job.ID, m.maxRetries)
		}
		next.RetryCount = job.RetryCount + 1
		next.Failure = nil
		next.OutputPath = ""
	case TriggerClose:
		next.Closed = true
	case TriggerShare:
		next.SharedPath = opts.SharedPath
	case TriggerRejectOutput:
		next.Failure = &domain.FailureReason{Kind: domain.FailureOutputRejected, Message: messageOr(opts.Message, "output rejected by data owner")}
	}
	return trigger, next, nil
}

func (m *Machine) record(ctx context.Context, actor domain.Actor, trigger Trigger, from, to domain.Job) {
	payload := map[string]any{
		"from":        string(from.Status),
		"to":          string(to.Status),
		"version":     to.Version,
		"retry_count": to.RetryCount,
	}
	if to.Closed {
		payload["closed"] = true
	}
	if to.Failure != nil {
		payload["failure_kind"] = string(to.Failure.Kind)
	}
	reqID, _ := requestid.FromContext(ctx)
	event := auditlog.Event{
		OccurredAt:   m.now().UTC(),
		Actor:        actor.String(),
		Action:       "job." + string(trigger),
		ResourceType: "job",
		ResourceID:   to.ID,
		RequestID:    reqID,
		Payload:      payload,
	}
	if err := m.audit.Record(ctx, event); err != nil {
		m.logger.Error("audit record failed", "job_id", to.ID, "action", event.Action, "error", err)
	}
	m.logger.Info("job transition",
		"job_id", to.ID,
		"trigger", string(trigger),
		"from", string(from.Status),
		"to", string(to.Status),
		"actor", actor.String(),
	)
}

func describe(job domain.Job) string {
	if job.Status == domain.JobStatusFailed && job.Closed {
		return "Failed (closed)"
	}
	return string(job.Status)
}

func messageOr(msg, def string) string {
	if s := strings.TrimSpace(msg); s != "" {
		return s
	}
	return def
}
