package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/animus-labs/animus-rds/internal/config"
	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/lifecycle"
	"github.com/animus-labs/animus-rds/internal/platform/auditlog"
	"github.com/animus-labs/animus-rds/internal/platform/auth"
	"github.com/animus-labs/animus-rds/internal/platform/httpserver"
	"github.com/animus-labs/animus-rds/internal/platform/objectstore"
	"github.com/animus-labs/animus-rds/internal/platform/postgres"
	"github.com/animus-labs/animus-rds/internal/runtimeexec"
	"github.com/animus-labs/animus-rds/internal/service/datasets"
	"github.com/animus-labs/animus-rds/internal/service/disclosure"
	"github.com/animus-labs/animus-rds/internal/service/jobs"
	"github.com/animus-labs/animus-rds/internal/service/usercode"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/animus-labs/animus-rds/internal/store/filestore"
	"github.com/animus-labs/animus-rds/internal/store/pgstore"
	"github.com/animus-labs/animus-rds/internal/worker"
)

const readinessTimeout = 750 * time.Millisecond

// server owns every long-lived dependency of the process.
type server struct {
	cfg    config.Config
	logger *slog.Logger

	datasets   *datasets.Service
	code       *usercode.Service
	jobs       *jobs.Service
	disclosure *disclosure.Service
	audit      auditlog.Recorder
	authn      auth.Authenticator
	pool       *worker.Pool

	checks  []httpserver.ReadinessCheck
	closers []func() error
}

type collections struct {
	datasets store.Collection[domain.Dataset]
	code     store.Collection[domain.UserCode]
	jobs     store.Collection[domain.Job]
}

func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *server, err error) {
	s := &server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	var colls collections
	var sqlDB *sql.DB
	switch cfg.Store.Backend {
	case config.StorePostgres:
		sqlDB, colls, err = s.openPostgresStore(ctx)
	default:
		colls, err = s.openFileStore()
	}
	if err != nil {
		return nil, err
	}

	if s.audit, err = s.newAuditRecorder(ctx, sqlDB); err != nil {
		return nil, err
	}

	executor, err := s.newExecutor()
	if err != nil {
		return nil, err
	}

	if s.datasets, err = datasets.New(colls.datasets, logger); err != nil {
		return nil, err
	}
	if s.code, err = usercode.New(colls.code, cfg.Executor.CodeRoot, logger); err != nil {
		return nil, err
	}
	machine, err := lifecycle.New(
		colls.jobs,
		lifecycle.WithMaxRetries(cfg.Lifecycle.MaxRetries),
		lifecycle.WithAudit(s.audit),
		lifecycle.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	s.jobs, err = jobs.New(colls.jobs, s.datasets, s.code, machine, executor, jobs.Config{
		WorkRoot:        cfg.Executor.WorkRoot,
		Timeout:         cfg.Executor.Timeout,
		Secrets:         cfg.Executor.Secrets,
		Resources:       cfg.Executor.Resources,
		AllowUnisolated: cfg.Executor.AllowUnisolated,
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := s.newPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if s.disclosure, err = disclosure.New(s.jobs, machine, publisher, s.audit, logger); err != nil {
		return nil, err
	}

	if s.authn, err = auth.NewAuthenticator(ctx, cfg.Auth); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.Auth.Mode == auth.ModeDev {
		logger.Warn("dev authentication enabled, every request acts as the configured identity", "subject", cfg.Auth.DevSubject)
	}

	if cfg.Worker.Enabled {
		s.pool, err = worker.New(s.jobs, worker.Config{
			Interval:    cfg.Worker.Interval,
			Batch:       cfg.Worker.Batch,
			Concurrency: cfg.Worker.Concurrency,
			Owner:       cfg.Worker.Owner,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
	}
	return s, nil
}

func (s *server) openFileStore() (collections, error) {
	db, err := filestore.Open(s.cfg.Store.Path)
	if err != nil {
		return collections{}, err
	}
	s.checks = append(s.checks, httpserver.ReadinessCheck{
		Name:  "filestore",
		Check: func(context.Context) error { return db.Ping() },
	})

	var colls collections
	if colls.datasets, err = filestore.NewCollection[domain.Dataset](db); err != nil {
		return collections{}, err
	}
	if colls.code, err = filestore.NewCollection[domain.UserCode](db); err != nil {
		return collections{}, err
	}
	if colls.jobs, err = filestore.NewCollection[domain.Job](db); err != nil {
		return collections{}, err
	}
	return colls, nil
}

func (s *server) openPostgresStore(ctx context.Context) (*sql.DB, collections, error) {
	sqlDB, err := postgres.Open(ctx, s.cfg.Store.Postgres)
	if err != nil {
		return nil, collections{}, fmt.Errorf("database unavailable: %w", err)
	}
	s.closers = append(s.closers, sqlDB.Close)

	db, err := pgstore.New(sqlDB)
	if err != nil {
		return nil, collections{}, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, collections{}, err
	}
	s.checks = append(s.checks, httpserver.ReadinessCheck{
		Name:  "postgres",
		Check: httpserver.WithTimeout(readinessTimeout, db.Ping),
	})

	var colls collections
	if colls.datasets, err = pgstore.NewCollection[domain.Dataset](db); err != nil {
		return nil, collections{}, err
	}
	if colls.code, err = pgstore.NewCollection[domain.UserCode](db); err != nil {
		return nil, collections{}, err
	}
	if colls.jobs, err = pgstore.NewCollection[domain.Job](db); err != nil {
		return nil, collections{}, err
	}
	return sqlDB, colls, nil
}

func (s *server) newAuditRecorder(ctx context.Context, sqlDB *sql.DB) (auditlog.Recorder, error) {
	var recorders auditlog.MultiRecorder
	if s.cfg.Audit.Log {
		recorders = append(recorders, auditlog.NewLogRecorder(s.logger))
	}
	if s.cfg.Audit.SQL {
		rec, err := auditlog.NewSQLRecorder(sqlDB)
		if err != nil {
			return nil, err
		}
		if err := rec.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		recorders = append(recorders, rec)
	}
	if len(recorders) == 0 {
		return auditlog.Discard{}, nil
	}
	return recorders, nil
}

func (s *server) newExecutor() (*runtimeexec.Executor, error) {
	cfg := s.cfg.Executor
	var provider runtimeexec.IsolationProvider
	switch cfg.Provider {
	case config.ProviderBwrap:
		p, err := runtimeexec.NewBwrapProvider(cfg.BwrapBin)
		if err != nil {
			return nil, err
		}
		provider = p
	case config.ProviderProcess:
		if !cfg.AllowUnisolated {
			s.logger.Warn("process provider does not isolate jobs, only mock runs are allowed")
		}
		provider = runtimeexec.NewProcessProvider()
	default:
		p, err := runtimeexec.NewDockerProvider(cfg.DockerBin, cfg.Image)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	return runtimeexec.New(
		provider,
		s.logger,
		runtimeexec.WithGracePeriod(cfg.GracePeriod),
		runtimeexec.WithDefaultTimeout(cfg.Timeout),
		runtimeexec.WithDefaultResources(cfg.Resources),
	)
}

func (s *server) newPublisher(ctx context.Context) (disclosure.Publisher, error) {
	if s.cfg.Disclosure.Publisher != config.PublisherObjectStore {
		return disclosure.NewFSPublisher(s.cfg.Disclosure.SharedRoot)
	}

	storeCfg := s.cfg.Disclosure.ObjectStore
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("object store client init failed: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}
	s.checks = append(s.checks, httpserver.ReadinessCheck{
		Name: "minio",
		Check: httpserver.WithTimeout(readinessTimeout, func(ctx context.Context) error {
			return objectstore.CheckBucket(ctx, client, storeCfg)
		}),
	})

	objStore, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	return disclosure.NewObjectStorePublisher(objStore, storeCfg.Bucket)
}

// Handler assembles the routed, validated and authenticated HTTP surface.
func (s *server) Handler() (http.Handler, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	service := s.cfg.Server.Service

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, s.checks...))
	newAPI(s.logger, s.datasets, s.code, s.jobs, s.disclosure).register(mux)

	authed := auth.Middleware{
		Logger:        s.logger,
		Authenticator: s.authn,
		Authorize:     auth.PartyAuthorizer(),
		Audit:         auditlog.AuthDenyFunc(s.audit, service),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(validator.Wrap(mux))

	return httpserver.Wrap(s.logger, service, authed), nil
}

func (s *server) Close() {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown cleanup failed", "error", err)
	}
}
