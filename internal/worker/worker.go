// Package worker drains Queued jobs on behalf of the data owner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/service/jobs"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultBatch       = 16
	DefaultConcurrency = 2
)

// Runner is the part of the jobs service the pool drives.
type Runner interface {
	GetAll(ctx context.Context, in jobs.ListInput) ([]domain.Job, error)
	Run(ctx context.Context, actor domain.Actor, ref string, opts jobs.RunOptions) (domain.Job, error)
}

type Config struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
	// Owner is the data owner the pool starts runs as.
	Owner string
}

type Pool struct {
	runner      Runner
	actor       domain.Actor
	interval    time.Duration
	batch       int
	concurrency int
	logger      *slog.Logger
}

func New(runner Runner, cfg Config, logger *slog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("job runner is required")
	}
	actor := domain.Owner(cfg.Owner)
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("worker owner: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runner:      runner,
		actor:       actor,
		interval:    cfg.Interval,
		batch:       cfg.Batch,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}, nil
}

// Run polls until ctx is done. In-flight executions are allowed to finish
// and record their outcome.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("worker pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs up to one batch of Queued jobs, oldest first, with bounded
// concurrency. It returns how many runs reached a recorded outcome.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	queued, err := p.runner.GetAll(ctx, jobs.ListInput{
		Status:    string(domain.JobStatusQueued),
		OrderBy:   "created_at",
		SortOrder: "asc",
		Limit:     p.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return 0, nil
	}

	results := make([]bool, len(queued))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, job := range queued {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			done, err := p.runner.Run(gctx, p.actor, job.ID, jobs.RunOptions{})
			switch {
			case err == nil:
				results[i] = true
				p.logger.Info("job run finished", "job_id", done.ID, "status", string(done.Status))
			case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
				// Another worker picked it up first.
				p.logger.Debug("job skipped", "job_id", job.ID, "error", err)
			default:
				p.logger.Error("job run failed", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n, nil
}
