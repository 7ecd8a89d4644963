package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store"
	"gopkg.in/yaml.v3"
)

// document is the on-disk envelope; Kind is checked on every decode.
type document[T any] struct {
	Kind   domain.Kind `yaml:"kind"`
	Record T           `yaml:"record"`
}

// Collection stores one record kind.
type Collection[T store.Record[T]] struct {
	db   *DB
	kind domain.Kind
}

var _ store.Collection[domain.Job] = (*Collection[domain.Job])(nil)

func NewCollection[T store.Record[T]](db *DB) (*Collection[T], error) {
	if db == nil {
		return nil, errors.New("file store is required")
	}
	var zero T
	kind := zero.RecordKind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown record kind %q", domain.ErrValidation, kind)
	}
	return &Collection[T]{db: db, kind: kind}, nil
}

func (c *Collection[T]) Kind() domain.Kind { return c.kind }

func (c *Collection[T]) Create(ctx context.Context, record T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	prepared, err := store.PrepareCreate(record, c.db.now())
	if err != nil {
		return zero, err
	}
	unlock, err := c.db.lock(c.kind)
	if err != nil {
		return zero, err
	}
	defer unlock()

	path := c.db.recordPath(c.kind, prepared.Meta().ID)
	if _, err := os.Stat(path); err == nil {
		return zero, fmt.Errorf("%w: %s %s", domain.ErrAlreadyExists, c.kind, prepared.Meta().ID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return zero, fmt.Errorf("%w: stat %s: %w", domain.ErrStorage, path, err)
	}
	if len(prepared.UniqueKeys()) > 0 {
		existing, err := c.list()
		if err != nil {
			return zero, err
		}
		if err := store.CheckUnique(existing, prepared); err != nil {
			return zero, err
		}
	}
	if err := c.write(prepared); err != nil {
		return zero, err
	}
	return prepared, nil
}

func (c *Collection[T]) Read(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !domain.ValidID(id) {
		return zero, fmt.Errorf("%w: %s %q", domain.ErrNotFound, c.kind, id)
	}
	return c.load(id)
}

func (c *Collection[T]) Update(ctx context.Context, id string, record T, expectedVersion int64) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !domain.ValidID(id) {
		return zero, fmt.Errorf("%w: %s %q", domain.ErrNotFound, c.kind, id)
	}
	unlock, err := c.db.lock(c.kind)
	if err != nil {
		return zero, err
	}
	defer unlock()

	current, err := c.load(id)
	if err != nil {
		return zero, err
	}
	if err := store.CheckVersion(c.kind, id, current.Meta().Version, expectedVersion); err != nil {
		return zero, err
	}
	next, err := store.PrepareUpdate(current, record, c.db.now())
	if err != nil {
		return zero, err
	}
	if len(next.UniqueKeys()) > 0 {
		existing, err := c.list()
		if err != nil {
			return zero, err
		}
		if err := store.CheckUnique(existing, next); err != nil {
			return zero, err
		}
	}
	if err := c.write(next); err != nil {
		return zero, err
	}
	return next, nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !domain.ValidID(id) {
		return false, nil
	}
	unlock, err := c.db.lock(c.kind)
	if err != nil {
		return false, err
	}
	defer unlock()
	removed, err := removeDurable(c.db.recordPath(c.kind, id))
	if err != nil {
		return false, fmt.Errorf("%w: delete %s %s: %w", domain.ErrStorage, c.kind, id, err)
	}
	return removed, nil
}

func (c *Collection[T]) Query(ctx context.Context, q store.Query) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := c.list()
	if err != nil {
		return nil, err
	}
	return store.Apply(all, q)
}

func (c *Collection[T]) Search(ctx context.Context, term string, fields []string) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := c.list()
	if err != nil {
		return nil, err
	}
	return store.Search(all, term, fields)
}

func (c *Collection[T]) write(record T) error {
	data, err := yaml.Marshal(document[T]{Kind: c.kind, Record: record})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", domain.ErrStorage, c.kind, err)
	}
	path := c.db.recordPath(c.kind, record.Meta().ID)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", domain.ErrStorage, path, err)
	}
	return nil
}

func (c *Collection[T]) load(id string) (T, error) {
	var zero T
	path := c.db.recordPath(c.kind, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, fmt.Errorf("%w: %s %s", domain.ErrNotFound, c.kind, id)
		}
		return zero, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, path, err)
	}
	return c.decode(path, data)
}

func (c *Collection[T]) decode(path string, data []byte) (T, error) {
	var zero T
	var doc document[T]
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return zero, fmt.Errorf("%w: decode %s: %w", domain.ErrStorage, path, err)
	}
	if doc.Kind != c.kind {
		return zero, fmt.Errorf("%w: %s holds kind %q, want %q", domain.ErrStorage, path, doc.Kind, c.kind)
	}
	if err := doc.Record.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %s failed validation: %w", domain.ErrStorage, path, err)
	}
	return doc.Record, nil
}

func (c *Collection[T]) list() ([]T, error) {
	dir := c.db.kindDir(c.kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", domain.ErrStorage, dir, err)
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		rec, err := c.load(strings.TrimSuffix(name, recordExt))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
