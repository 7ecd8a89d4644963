// Package datasets manages dataset registrations on the owner's side.
//
// Paths are validated once at creation and never change afterwards; only
// descriptive fields (summary, readme, tags) may be edited.
package datasets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store"
)

var searchFields = []string{"name", "summary", "tags"}

type Service struct {
	datasets store.Collection[domain.Dataset]
	logger   *slog.Logger
}

func New(datasets store.Collection[domain.Dataset], logger *slog.Logger) (*Service, error) {
	if datasets == nil {
		return nil, errors.New("dataset collection is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{datasets: datasets, logger: logger}, nil
}

type CreateInput struct {
	Name        string              `json:"name"`
	PrivatePath string              `json:"private_path"`
	MockPath    string              `json:"mock_path"`
	Summary     string              `json:"summary,omitempty"`
	ReadmePath  string              `json:"readme_path,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Runtime     *domain.RuntimeSpec `json:"runtime,omitempty"`
}

// Create registers a dataset owned by actor. Both paths must be existing
// directories.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.Dataset, error) {
	if !actor.IsOwner() {
		return domain.Dataset{}, fmt.Errorf("%w: only the data owner can create datasets", domain.ErrAuthorization)
	}
	private, err := existingDir("private path", in.PrivatePath)
	if err != nil {
		return domain.Dataset{}, err
	}
	mock, err := existingDir("mock path", in.MockPath)
	if err != nil {
		return domain.Dataset{}, err
	}
	readme, err := readmeFile(in.ReadmePath)
	if err != nil {
		return domain.Dataset{}, err
	}

	created, err := s.datasets.Create(ctx, domain.Dataset{
		Owner:       actor.Subject,
		Name:        strings.TrimSpace(in.Name),
		PrivatePath: private,
		MockPath:    mock,
		Summary:     strings.TrimSpace(in.Summary),
		ReadmePath:  readme,
		Tags:        normalizeTags(in.Tags),
		Runtime:     in.Runtime.Clone(),
	})
	if err != nil {
		return domain.Dataset{}, err
	}
	s.logger.Info("dataset created", "dataset_id", created.ID, "name", created.Name, "owner", created.Owner)
	return created, nil
}

// Get resolves ref as an id first and then as a name.
func (s *Service) Get(ctx context.Context, ref string) (domain.Dataset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Dataset{}, fmt.Errorf("%w: dataset reference is required", domain.ErrValidation)
	}
	if domain.ValidID(ref) {
		ds, err := s.datasets.Read(ctx, ref)
		if err == nil {
			return ds, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Dataset{}, err
		}
	}
	matches, err := s.datasets.Query(ctx, store.Query{Filters: []store.Filter{store.Eq("name", ref)}})
	if err != nil {
		return domain.Dataset{}, err
	}
	switch len(matches) {
	case 0:
		return domain.Dataset{}, fmt.Errorf("%w: dataset %q", domain.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return domain.Dataset{}, fmt.Errorf("%w: dataset name %q is shared by %d owners, use the id", domain.ErrValidation, ref, len(matches))
	}
}

func (s *Service) GetAll(ctx context.Context, q store.Query) ([]domain.Dataset, error) {
	return s.datasets.Query(ctx, q)
}

func (s *Service) Search(ctx context.Context, term string) ([]domain.Dataset, error) {
	return s.datasets.Search(ctx, term, searchFields)
}

type UpdateInput struct {
	Summary    *string  `json:"summary,omitempty"`
	ReadmePath *string  `json:"readme_path,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Update edits descriptive fields of a dataset the actor owns.
func (s *Service) Update(ctx context.Context, actor domain.Actor, ref string, in UpdateInput) (domain.Dataset, error) {
	current, err := s.Get(ctx, ref)
	if err != nil {
		return domain.Dataset{}, err
	}
	if !actor.IsOwner() || actor.Subject != current.Owner {
		return domain.Dataset{}, fmt.Errorf("%w: dataset %s belongs to another owner", domain.ErrAuthorization, current.ID)
	}
	next := current.WithMeta(current.RecordMeta)
	if in.Summary != nil {
		next.Summary = strings.TrimSpace(*in.Summary)
	}
	if in.ReadmePath != nil {
		if next.ReadmePath, err = readmeFile(*in.ReadmePath); err != nil {
			return domain.Dataset{}, err
		}
	}
	if in.Tags != nil {
		next.Tags = normalizeTags(in.Tags)
	}
	if err := domain.EnsureDatasetImmutable(current, next); err != nil {
		return domain.Dataset{}, err
	}
	return s.datasets.Update(ctx, current.ID, next, current.Version)
}

// readmeFile resolves raw to an absolute path of an existing file. An empty
// value clears the readme.
func readmeFile(raw string) (string, error) {
	readme := strings.TrimSpace(raw)
	if readme == "" {
		return "", nil
	}
	readme, err := filepath.Abs(readme)
	if err != nil {
		return "", fmt.Errorf("%w: readme path: %w", domain.ErrValidation, err)
	}
	if info, err := os.Stat(readme); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: readme %q must be an existing file", domain.ErrValidation, raw)
	}
	return readme, nil
}

// Delete removes the registration. Files on disk are left alone, and jobs
// keep referring to the dataset by id and name.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, ref string) (bool, error) {
	current, err := s.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !actor.IsOwner() || actor.Subject != current.Owner {
		return false, fmt.Errorf("%w: dataset %s belongs to another owner", domain.ErrAuthorization, current.ID)
	}
	removed, err := s.datasets.Delete(ctx, current.ID)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("dataset deleted", "dataset_id", current.ID, "name", current.Name)
	}
	return removed, nil
}

func existingDir(label, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrValidation, label)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrValidation, label, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s %q does not exist", domain.ErrValidation, label, p)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s %q is not a directory", domain.ErrValidation, label, p)
	}
	return abs, nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
