// Package store defines the typed record store contract shared by the file
// and postgres backends.
//
// Every backend must provide:
//   - Create: assigns an id when absent, enforces declared unique keys.
//   - Read: returns a freshly decoded copy, never shared state.
//   - Update: compare-and-swap on the version counter; ErrConflict on mismatch.
//   - Delete: idempotent, reports whether a record was removed.
//   - Query / Search: linear scan over one record kind.
//
// Failed mutations leave the stored record untouched.
package store

import (
	"context"

	"github.com/animus-labs/animus-rds/internal/domain"
)

// Record is the constraint satisfied by each tagged record variant.
type Record[T any] interface {
	RecordKind() domain.Kind
	Meta() domain.RecordMeta
	WithMeta(meta domain.RecordMeta) T
	Validate() error
	UniqueKeys() []string
	Field(name string) (any, bool)
}

// Collection is typed persistence for one record kind.
type Collection[T Record[T]] interface {
	Kind() domain.Kind
	Create(ctx context.Context, record T) (T, error)
	Read(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, id string, record T, expectedVersion int64) (T, error)
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, q Query) ([]T, error)
	Search(ctx context.Context, term string, fields []string) ([]T, error)
}
