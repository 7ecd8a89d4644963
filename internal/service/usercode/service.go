// Package usercode accepts code submissions, copies them into
// owner-controlled storage and fingerprints them.
package usercode

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	// DefaultMaxBytes caps the total size of one submission.
	DefaultMaxBytes int64 = 32 << 20
	maxFiles              = 1000
)

type Service struct {
	codes    store.Collection[domain.UserCode]
	root     string
	maxBytes int64
	logger   *slog.Logger
}

// New stores submitted code under root/<id>/.
func New(codes store.Collection[domain.UserCode], root string, logger *slog.Logger) (*Service, error) {
	if codes == nil {
		return nil, errors.New("user code collection is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("user code root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve user code root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create user code root: %w", domain.ErrStorage, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{codes: codes, root: abs, maxBytes: DefaultMaxBytes, logger: logger}, nil
}

// File is one code file; Path is slash separated and relative.
type File struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type SubmitInput struct {
	Name       string
	Entrypoint string
	ReadmePath string
	Files      []File
}

// SubmitPath reads code from a local file or directory. A single file
// becomes its own entrypoint when none is given.
func (s *Service) SubmitPath(ctx context.Context, actor domain.Actor, name, codePath, entrypoint, readmePath string) (domain.UserCode, error) {
	files, defaultEntry, err := s.readSource(codePath)
	if err != nil {
		return domain.UserCode{}, err
	}
	if strings.TrimSpace(entrypoint) == "" {
		entrypoint = defaultEntry
	}
	if name == "" {
		name = path.Base(filepath.ToSlash(filepath.Clean(codePath)))
	}
	return s.Submit(ctx, actor, SubmitInput{
		Name:       name,
		Entrypoint: entrypoint,
		ReadmePath: readmePath,
		Files:      files,
	})
}

// Submit copies the files to owner storage and records them.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, in SubmitInput) (domain.UserCode, error) {
	if err := actor.Validate(); err != nil {
		return domain.UserCode{}, err
	}
	if actor.Role == domain.RoleSystem {
		return domain.UserCode{}, fmt.Errorf("%w: system actor cannot submit code", domain.ErrAuthorization)
	}
	if err := domain.ValidateEntrypoint(in.Entrypoint); err != nil {
		return domain.UserCode{}, err
	}
	files, err := s.normalizeFiles(in.Files)
	if err != nil {
		return domain.UserCode{}, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Path
	}

	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	if err := writeFiles(dir, files); err != nil {
		_ = os.RemoveAll(dir)
		return domain.UserCode{}, fmt.Errorf("%w: store code: %w", domain.ErrStorage, err)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSuffix(path.Base(in.Entrypoint), path.Ext(in.Entrypoint))
	}
	created, err := s.codes.Create(ctx, domain.UserCode{
		RecordMeta: domain.RecordMeta{ID: id},
		Requester:  actor.Subject,
		Name:       name,
		Entrypoint: in.Entrypoint,
		Dir:        dir,
		Files:      names,
		Digest:     Digest(files),
		ReadmePath: strings.TrimSpace(in.ReadmePath),
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return domain.UserCode{}, err
	}
	s.logger.Info("user code stored", "user_code_id", created.ID, "requester", created.Requester, "files", len(names), "digest", created.Digest)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.UserCode, error) {
	return s.codes.Read(ctx, id)
}

// Verify recomputes the digest over the stored files.
func (s *Service) Verify(ctx context.Context, id string) error {
	code, err := s.codes.Read(ctx, id)
	if err != nil {
		return err
	}
	files := make([]File, 0, len(code.Files))
	for _, name := range code.Files {
		data, err := os.ReadFile(filepath.Join(code.Dir, filepath.FromSlash(name)))
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", domain.ErrStorage, name, err)
		}
		files = append(files, File{Path: name, Data: data})
	}
	if got := Digest(files); got != code.Digest {
		return fmt.Errorf("%w: user code %s digest mismatch", domain.ErrStorage, id)
	}
	return nil
}

// Digest is BLAKE3 over the files in path order, each framed by its path
// and length so that renames and boundary shifts change the hash.
func Digest(files []File) string {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := blake3.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00", f.Path, len(f.Data))
		_, _ = h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) normalizeFiles(in []File) ([]File, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one code file is required", domain.ErrValidation)
	}
	if len(in) > maxFiles {
		return nil, fmt.Errorf("%w: too many code files (%d > %d)", domain.ErrValidation, len(in), maxFiles)
	}
	out := make([]File, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	var total int64
	for _, f := range in {
		if err := domain.ValidateEntrypoint(f.Path); err != nil {
			return nil, fmt.Errorf("%w: code file %q must be a clean relative path", domain.ErrValidation, f.Path)
		}
		if _, ok := seen[f.Path]; ok {
			return nil, fmt.Errorf("%w: duplicate code file %q", domain.ErrValidation, f.Path)
		}
		seen[f.Path] = struct{}{}
		total += int64(len(f.Data))
		if total > s.maxBytes {
			return nil, fmt.Errorf("%w: code exceeds %d bytes", domain.ErrValidation, s.maxBytes)
		}
		out = append(out, File{Path: f.Path, Data: f.Data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Service) readSource(codePath string) ([]File, string, error) {
	codePath = strings.TrimSpace(codePath)
	if codePath == "" {
		return nil, "", fmt.Errorf("%w: code path is required", domain.ErrValidation)
	}
	info, err := os.Stat(codePath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: code path %q: %w", domain.ErrValidation, codePath, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(codePath)
		if err != nil {
			return nil, "", fmt.Errorf("%w: read %s: %w", domain.ErrValidation, codePath, err)
		}
		base := filepath.Base(codePath)
		return []File{{Path: base, Data: data}}, base, nil
	}

	var files []File
	var total int64
	err = filepath.WalkDir(codePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != codePath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s is not a regular file", p)
		}
		rel, err := filepath.Rel(codePath, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += int64(len(data))
		if total > s.maxBytes {
			return fmt.Errorf("code exceeds %d bytes", s.maxBytes)
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: read code dir: %w", domain.ErrValidation, err)
	}
	return files, "", nil
}

func writeFiles(dir string, files []File) error {
	for _, f := range files {
		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, f.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
